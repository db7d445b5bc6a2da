package domain

import "time"

// Artifact is one completed, locally materialized model file for a
// fingerprint+format pair. At most one exists per pair; the store owns the
// underlying file lifecycle.
type Artifact struct {
	Fingerprint string
	Format      Format
	Bytes       int64
	Path        string
	Checksum    string
	CreatedAt   time.Time
}

// CachedModel summarizes the formats materialized for one fingerprint, for
// listing pages.
type CachedModel struct {
	Fingerprint string
	Formats     []Format
}
