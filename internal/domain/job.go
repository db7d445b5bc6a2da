package domain

import "time"

// Format enumerates the supported output formats for generated models.
type Format string

const (
	FormatGLB  Format = "glb"
	FormatOBJ  Format = "obj"
	FormatUSDZ Format = "usdz"
)

// ValidFormat reports whether f belongs to the closed format set.
func ValidFormat(f Format) bool {
	switch f {
	case FormatGLB, FormatOBJ, FormatUSDZ:
		return true
	}
	return false
}

// Quality enumerates generation quality tiers.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// ValidQuality reports whether q is a known quality tier.
func ValidQuality(q Quality) bool {
	switch q {
	case QualityLow, QualityMedium, QualityHigh:
		return true
	}
	return false
}

// JobStatus enumerates generation job lifecycle states.
type JobStatus string

const (
	JobStatusCreated     JobStatus = "created"
	JobStatusSubmitted   JobStatus = "submitted"
	JobStatusPolling     JobStatus = "polling"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusExpired     JobStatus = "expired"
)

// Terminal reports whether no further transitions can occur from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusExpired:
		return true
	}
	return false
}

// GenerationJob tracks one model generation from submission to a terminal
// state. The orchestrator is the sole writer; everyone else reads snapshots
// handed out by the registry.
type GenerationJob struct {
	ID              string
	Fingerprint     string
	Prompt          string
	Format          Format
	Quality         Quality
	Style           map[string]string
	ProviderTaskID  string
	Status          JobStatus
	Percent         int
	CreditsReserved int64
	CreditsCharged  int64
	RetryCount      int
	ErrorDetail     string
	CreatedAt       time.Time
	LastPolledAt    time.Time
	CompletedAt     time.Time
}

// Clone returns a copy safe to hand to readers while the orchestrator keeps
// mutating the original.
func (j *GenerationJob) Clone() *GenerationJob {
	cp := *j
	if j.Style != nil {
		cp.Style = make(map[string]string, len(j.Style))
		for k, v := range j.Style {
			cp.Style[k] = v
		}
	}
	return &cp
}
