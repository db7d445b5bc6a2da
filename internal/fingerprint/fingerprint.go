// Package fingerprint derives the stable cache key for a generation request.
// Two requests that normalize to the same prompt and carry the same options
// always share a key; the key drives both cache lookups and the
// one-active-job-per-request guarantee.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"meshforge/internal/domain"
)

var foldCaser = cases.Fold()

// NormalizePrompt canonicalizes a prompt: Unicode NFKC, case folding, and
// whitespace collapsed to single spaces.
func NormalizePrompt(prompt string) string {
	s := norm.NFKC.String(prompt)
	s = foldCaser.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Compute returns the hex fingerprint for the request. Style options are
// canonicalized by sorted key so field order never changes the key.
func Compute(prompt string, format domain.Format, quality domain.Quality, style map[string]string) string {
	var b strings.Builder
	b.WriteString(NormalizePrompt(prompt))
	b.WriteByte('\n')
	b.WriteString(string(format))
	b.WriteByte('\n')
	b.WriteString(string(quality))

	keys := make([]string, 0, len(style))
	for k := range style {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(style[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
