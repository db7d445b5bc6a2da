// Command cachegc trims the on-disk model cache. It deletes artifacts older
// than -max-age first, then evicts oldest-first until total size fits under
// -max-bytes. Intended to run from cron next to the API process.
package main

import (
	"flag"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"meshforge/internal/domain"
	"meshforge/internal/infra"
	"meshforge/internal/store"
)

type entry struct {
	fingerprint string
	format      domain.Format
	bytes       int64
	createdAt   time.Time
}

func main() {
	maxBytes := flag.Int64("max-bytes", 0, "evict oldest artifacts until total size is at most this (0 = unlimited)")
	maxAge := flag.Duration("max-age", 0, "evict artifacts older than this (0 = no age limit)")
	dryRun := flag.Bool("dry-run", false, "report what would be evicted without deleting")
	flag.Parse()

	_ = godotenv.Load()

	logger := infra.NewLogger(os.Getenv("APP_ENV"))

	root := os.Getenv("MODEL_STORAGE_PATH")
	if root == "" {
		root = "./data/models"
	}
	cache, err := store.New(root, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("root", root).Msg("failed to open model store")
	}

	var entries []entry
	var total int64
	err = cache.Walk(func(m domain.CachedModel) bool {
		for _, format := range m.Formats {
			art, ok, err := cache.Get(m.Fingerprint, format)
			if err != nil || !ok {
				continue
			}
			entries = append(entries, entry{
				fingerprint: m.Fingerprint,
				format:      format,
				bytes:       art.Bytes,
				createdAt:   art.CreatedAt,
			})
			total += art.Bytes
		}
		return true
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to scan model store")
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].createdAt.Before(entries[j].createdAt)
	})

	now := time.Now()
	var evicted int
	var freed int64
	for _, e := range entries {
		tooOld := *maxAge > 0 && now.Sub(e.createdAt) > *maxAge
		overBudget := *maxBytes > 0 && total-freed > *maxBytes
		if !tooOld && !overBudget {
			continue
		}
		if *dryRun {
			logger.Info().
				Str("fingerprint", e.fingerprint).
				Str("format", string(e.format)).
				Int64("bytes", e.bytes).
				Time("created_at", e.createdAt).
				Msg("would evict")
		} else if err := cache.Evict(e.fingerprint, e.format); err != nil {
			logger.Error().Err(err).Str("fingerprint", e.fingerprint).Msg("evict failed")
			continue
		}
		evicted++
		freed += e.bytes
	}

	logger.Info().
		Int("scanned", len(entries)).
		Int("evicted", evicted).
		Int64("freed_bytes", freed).
		Int64("remaining_bytes", total-freed).
		Bool("dry_run", *dryRun).
		Msg("cache gc complete")
}
