// Package store is the content-addressed artifact cache. Files live under
// root/<fingerprint>/model.<format> with a checksum sidecar, so lookups never
// scan. Writes publish atomically: bytes land in a temp file that is renamed
// into place, and a partially written model is never observable.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"meshforge/internal/domain"
)

const checksumSuffix = ".sha256"

// Store persists completed model files on the local filesystem. It is the
// sole owner of file lifecycle under its root.
type Store struct {
	root   string
	logger zerolog.Logger
	group  singleflight.Group
}

// New initializes a Store rooted at root.
func New(root string, logger zerolog.Logger) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("store: root path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: ensure root: %v", domain.ErrStorage, err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the configured cache directory.
func (s *Store) Root() string { return s.root }

func (s *Store) modelPath(fingerprint string, format domain.Format) string {
	return filepath.Join(s.root, fingerprint, "model."+string(format))
}

func validateKey(fingerprint string, format domain.Format) error {
	if fingerprint == "" || strings.ContainsAny(fingerprint, "/\\.") {
		return fmt.Errorf("%w: invalid fingerprint %q", domain.ErrInvalidRequest, fingerprint)
	}
	if !domain.ValidFormat(format) {
		return fmt.Errorf("%w: invalid format %q", domain.ErrInvalidRequest, format)
	}
	return nil
}

// Materialize returns the cached artifact for the key, downloading it via
// fill exactly once when absent. Concurrent callers for the same key share a
// single fill; losers of the race observe the winner's completed write. The
// fill runs detached from any one caller's context, so a caller backing out
// does not poison the shared download, but each caller stops waiting as soon
// as its own context ends.
func (s *Store) Materialize(ctx context.Context, fingerprint string, format domain.Format, fill func(context.Context) (io.ReadCloser, error)) (domain.Artifact, error) {
	if err := validateKey(fingerprint, format); err != nil {
		return domain.Artifact{}, err
	}
	key := fingerprint + "/" + string(format)
	fillCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		if art, ok, err := s.Get(fingerprint, format); err != nil {
			return domain.Artifact{}, err
		} else if ok {
			return art, nil
		}
		body, err := fill(fillCtx)
		if err != nil {
			return domain.Artifact{}, err
		}
		defer body.Close()
		return s.put(fingerprint, format, body)
	})
	select {
	case <-ctx.Done():
		return domain.Artifact{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Artifact{}, res.Err
		}
		return res.Val.(domain.Artifact), nil
	}
}

// Put stores one completed model. Existing artifacts win: a second Put for
// the same key returns the already-published artifact untouched.
func (s *Store) Put(ctx context.Context, fingerprint string, format domain.Format, body io.Reader) (domain.Artifact, error) {
	return s.Materialize(ctx, fingerprint, format, func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(body), nil
	})
}

func (s *Store) put(fingerprint string, format domain.Format, body io.Reader) (domain.Artifact, error) {
	dir := filepath.Join(s.root, fingerprint)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: ensure directory: %v", domain.ErrStorage, err)
	}

	tmp, err := os.CreateTemp(dir, ".model-*.tmp")
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: create temp file: %v", domain.ErrStorage, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: write model bytes: %v", domain.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: close temp file: %v", domain.ErrStorage, err)
	}

	final := s.modelPath(fingerprint, format)
	checksum := hex.EncodeToString(hasher.Sum(nil))
	if err := os.WriteFile(final+checksumSuffix, []byte(checksum), 0o644); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: write checksum: %v", domain.ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: publish model: %v", domain.ErrStorage, err)
	}

	info, err := os.Stat(final)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: stat published model: %v", domain.ErrStorage, err)
	}
	s.logger.Info().
		Str("fingerprint", fingerprint).
		Str("format", string(format)).
		Int64("bytes", size).
		Msg("store: artifact published")

	return domain.Artifact{
		Fingerprint: fingerprint,
		Format:      format,
		Bytes:       size,
		Path:        final,
		Checksum:    checksum,
		CreatedAt:   info.ModTime(),
	}, nil
}

// Get returns the artifact for the key, or ok=false when absent.
func (s *Store) Get(fingerprint string, format domain.Format) (domain.Artifact, bool, error) {
	if err := validateKey(fingerprint, format); err != nil {
		return domain.Artifact{}, false, err
	}
	path := s.modelPath(fingerprint, format)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Artifact{}, false, nil
		}
		return domain.Artifact{}, false, fmt.Errorf("%w: stat model: %v", domain.ErrStorage, err)
	}
	checksum := ""
	if raw, err := os.ReadFile(path + checksumSuffix); err == nil {
		checksum = strings.TrimSpace(string(raw))
	}
	return domain.Artifact{
		Fingerprint: fingerprint,
		Format:      format,
		Bytes:       info.Size(),
		Path:        path,
		Checksum:    checksum,
		CreatedAt:   info.ModTime(),
	}, true, nil
}

// Evict removes one artifact and its sidecar, pruning the fingerprint
// directory when it empties out.
func (s *Store) Evict(fingerprint string, format domain.Format) error {
	if err := validateKey(fingerprint, format); err != nil {
		return err
	}
	path := s.modelPath(fingerprint, format)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: evict model: %v", domain.ErrStorage, err)
	}
	_ = os.Remove(path + checksumSuffix)
	// Best effort; fails while sibling formats remain.
	_ = os.Remove(filepath.Join(s.root, fingerprint))
	return nil
}

// Walk visits every cached fingerprint with its available formats in
// lexicographic order, stopping early when fn returns false. Each call
// re-reads the directory tree, so the sequence is restartable.
func (s *Store) Walk(fn func(domain.CachedModel) bool) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("%w: read cache root: %v", domain.ErrStorage, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		formats, err := s.formatsFor(entry.Name())
		if err != nil {
			return err
		}
		if len(formats) == 0 {
			continue
		}
		if !fn(domain.CachedModel{Fingerprint: entry.Name(), Formats: formats}) {
			return nil
		}
	}
	return nil
}

func (s *Store) formatsFor(fingerprint string) ([]domain.Format, error) {
	files, err := os.ReadDir(filepath.Join(s.root, fingerprint))
	if err != nil {
		return nil, fmt.Errorf("%w: read fingerprint dir: %v", domain.ErrStorage, err)
	}
	var formats []domain.Format
	for _, f := range files {
		name := f.Name()
		if !strings.HasPrefix(name, "model.") || strings.HasSuffix(name, checksumSuffix) {
			continue
		}
		format := domain.Format(strings.TrimPrefix(name, "model."))
		if domain.ValidFormat(format) {
			formats = append(formats, format)
		}
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
	return formats, nil
}
