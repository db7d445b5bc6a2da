// Package registry indexes generation jobs by id and by fingerprint. It
// holds snapshots only: the orchestrator owns the live job and pushes a copy
// here on every transition. Insert-if-absent on the fingerprint index is the
// at-most-one-active-job guarantee.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"meshforge/internal/domain"
)

// Registry is the in-memory job index, optionally written through to a
// durable repository for restart survival.
type Registry struct {
	mu         sync.Mutex
	byID       map[string]*domain.GenerationJob
	activeByFP map[string]string
	repo       domain.JobRepository
	logger     zerolog.Logger
}

// New creates a registry. repo may be nil for memory-only operation.
func New(repo domain.JobRepository, logger zerolog.Logger) *Registry {
	return &Registry{
		byID:       make(map[string]*domain.GenerationJob),
		activeByFP: make(map[string]string),
		repo:       repo,
		logger:     logger,
	}
}

// Insert atomically claims the fingerprint for job. When another non-terminal
// job already holds it, Insert returns that job's snapshot and claimed=false,
// and the caller must not run a duplicate submission.
func (r *Registry) Insert(ctx context.Context, job *domain.GenerationJob) (existing *domain.GenerationJob, claimed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.activeByFP[job.Fingerprint]; ok {
		if cur, ok := r.byID[id]; ok && !cur.Status.Terminal() {
			return cur.Clone(), false
		}
	}

	snap := job.Clone()
	r.byID[job.ID] = snap
	if !job.Status.Terminal() {
		r.activeByFP[job.Fingerprint] = job.ID
	}
	r.persist(ctx, snap, true)
	return nil, true
}

// Update replaces the stored snapshot for job and releases the fingerprint
// claim once the job reaches a terminal state.
func (r *Registry) Update(ctx context.Context, job *domain.GenerationJob) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := job.Clone()
	r.byID[job.ID] = snap
	if job.Status.Terminal() {
		if id, ok := r.activeByFP[job.Fingerprint]; ok && id == job.ID {
			delete(r.activeByFP, job.Fingerprint)
		}
	}
	r.persist(ctx, snap, false)
}

// Get returns a snapshot of the job by id.
func (r *Registry) Get(id string) (*domain.GenerationJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// ActiveByFingerprint returns the snapshot of the non-terminal job holding
// the fingerprint, if any.
func (r *Registry) ActiveByFingerprint(fingerprint string) (*domain.GenerationJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.activeByFP[fingerprint]
	if !ok {
		return nil, false
	}
	job, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

func (r *Registry) persist(ctx context.Context, job *domain.GenerationJob, create bool) {
	if r.repo == nil {
		return
	}
	var err error
	if create {
		err = r.repo.Create(ctx, job)
	} else {
		err = r.repo.Update(ctx, job)
	}
	if err != nil {
		// Durability is best effort; the in-memory index stays authoritative.
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("registry: write-through failed")
	}
}
