// Package engine drives a generation job from submission to a terminal
// state. It owns the retry and backoff policy, per-fingerprint concurrency
// control, cancellation, and the handoff between the provider, the credit
// ledger and the artifact store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshforge/internal/domain"
	"meshforge/internal/fingerprint"
	"meshforge/internal/ledger"
	"meshforge/internal/provider/tripo"
	"meshforge/internal/registry"
	"meshforge/internal/store"
)

const maxPromptLength = 2000

// Provider is the generation backend contract the orchestrator drives.
// *tripo.Client satisfies it; tests inject scripted fakes.
type Provider interface {
	Submit(ctx context.Context, prompt string, format domain.Format, quality domain.Quality, style map[string]string) (string, error)
	Status(ctx context.Context, taskID string) (tripo.TaskStatus, error)
	Fetch(ctx context.Context, resultURL string) (io.ReadCloser, error)
	Cancel(ctx context.Context, taskID string) error
	Balance(ctx context.Context) (tripo.AccountBalance, error)
}

// Config bounds the polling schedule and retry policy.
type Config struct {
	PollInitial    time.Duration // first poll delay after submission
	PollMax        time.Duration // backoff ceiling for the poll interval
	PollMultiplier float64
	MaxWait        time.Duration // total wall-clock bound before Expired
	MaxAttempts    int           // transient-failure ceiling per phase
	RetryInitial   time.Duration // backoff base for transient retries
}

func (c Config) withDefaults() Config {
	if c.PollInitial <= 0 {
		c.PollInitial = 2 * time.Second
	}
	if c.PollMax <= 0 {
		c.PollMax = 30 * time.Second
	}
	if c.PollMultiplier < 1 {
		c.PollMultiplier = 2.0
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
	return c
}

// SubmitRequest is one generation request from the web layer.
type SubmitRequest struct {
	Prompt  string
	Format  domain.Format
	Quality domain.Quality
	Style   map[string]string
}

// Orchestrator runs one goroutine per in-flight job. Jobs survive in the
// registry after their goroutine exits.
type Orchestrator struct {
	cfg      Config
	ledger   *ledger.Ledger
	provider Provider
	store    *store.Store
	registry *registry.Registry
	logger   zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New wires an orchestrator. Job goroutines live until Shutdown.
func New(cfg Config, l *ledger.Ledger, p Provider, s *store.Store, r *registry.Registry, logger zerolog.Logger) *Orchestrator {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		ledger:   l,
		provider: p,
		store:    s,
		registry: r,
		logger:   logger,
		baseCtx:  baseCtx,
		stop:     stop,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Shutdown cancels all in-flight jobs and waits for their goroutines,
// bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates the request, short-circuits on a cached artifact, dedups
// against in-flight jobs by fingerprint, reserves credits and launches the
// job. The returned snapshot is the caller's handle; progress is read back
// through Status.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.GenerationJob, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	fp := fingerprint.Compute(req.Prompt, req.Format, req.Quality, req.Style)
	now := time.Now()

	// Cache-hit fast path: neither the ledger nor the provider is touched.
	if _, ok, err := o.store.Get(fp, req.Format); err != nil {
		return nil, err
	} else if ok {
		job := &domain.GenerationJob{
			ID:          uuid.NewString(),
			Fingerprint: fp,
			Prompt:      req.Prompt,
			Format:      req.Format,
			Quality:     req.Quality,
			Style:       req.Style,
			Status:      domain.JobStatusCompleted,
			Percent:     100,
			CreatedAt:   now,
			CompletedAt: now,
		}
		// A job for this fingerprint may still be live (artifact published,
		// terminal transition pending). Hand out that job instead of minting
		// a handle the registry would refuse to store.
		if existing, claimed := o.registry.Insert(ctx, job); !claimed {
			return existing, nil
		}
		return job.Clone(), nil
	}

	job := &domain.GenerationJob{
		ID:          uuid.NewString(),
		Fingerprint: fp,
		Prompt:      req.Prompt,
		Format:      req.Format,
		Quality:     req.Quality,
		Style:       req.Style,
		Status:      domain.JobStatusCreated,
		CreatedAt:   now,
	}
	existing, claimed := o.registry.Insert(ctx, job)
	if !claimed {
		// A non-terminal job already covers this fingerprint.
		return existing, nil
	}

	cost, err := o.ledger.Quote(req.Quality)
	if err != nil {
		o.finishWithoutReservation(ctx, job, err)
		return nil, err
	}
	reservationID, err := o.ledger.Reserve(ctx, cost)
	if err != nil {
		o.finishWithoutReservation(ctx, job, err)
		return nil, err
	}
	job.CreditsReserved = cost
	o.registry.Update(ctx, job)

	jobCtx, cancel := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(jobCtx, job.Clone(), reservationID, cost)

	return job.Clone(), nil
}

// Status returns a snapshot of the job.
func (o *Orchestrator) Status(jobID string) (*domain.GenerationJob, error) {
	job, ok := o.registry.Get(jobID)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

// Artifact returns the materialized artifact for a completed job.
func (o *Orchestrator) Artifact(jobID string) (domain.Artifact, error) {
	job, ok := o.registry.Get(jobID)
	if !ok {
		return domain.Artifact{}, domain.ErrNotFound
	}
	if job.Status != domain.JobStatusCompleted {
		return domain.Artifact{}, domain.ErrNotFound
	}
	art, ok, err := o.store.Get(job.Fingerprint, job.Format)
	if err != nil {
		return domain.Artifact{}, err
	}
	if !ok {
		return domain.Artifact{}, domain.ErrNotFound
	}
	return art, nil
}

// Cancel stops a non-terminal job. The job lands in Failed with reason
// "cancelled"; cancelling is not an error to the caller.
func (o *Orchestrator) Cancel(jobID string) error {
	job, ok := o.registry.Get(jobID)
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrJobTerminal
	}
	o.mu.Lock()
	cancel, ok := o.cancels[jobID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Balances exposes the ledger's wallet view.
func (o *Orchestrator) Balances() domain.Balances {
	return o.ledger.Balances()
}

// ListCached walks the artifact cache.
func (o *Orchestrator) ListCached(fn func(domain.CachedModel) bool) error {
	return o.store.Walk(fn)
}

// ReconcileBalances pulls the provider's authoritative wallet numbers into
// the ledger. Failures are logged and swallowed; the local ledger keeps
// serving as a predictor.
func (o *Orchestrator) ReconcileBalances(ctx context.Context) {
	bal, err := o.provider.Balance(ctx)
	if err != nil {
		o.logger.Debug().Err(err).Msg("engine: balance reconciliation skipped")
		return
	}
	o.ledger.Reconcile(ctx, bal.Paid, bal.Promotional)
}

func validate(req *SubmitRequest) error {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrInvalidRequest)
	}
	if len([]rune(req.Prompt)) > maxPromptLength {
		return fmt.Errorf("%w: prompt exceeds %d characters", domain.ErrInvalidRequest, maxPromptLength)
	}
	if !domain.ValidFormat(req.Format) {
		return fmt.Errorf("%w: unsupported format %q", domain.ErrInvalidRequest, req.Format)
	}
	if !domain.ValidQuality(req.Quality) {
		return fmt.Errorf("%w: unsupported quality %q", domain.ErrInvalidRequest, req.Quality)
	}
	return nil
}

// run is the job state machine. It is the only writer of the job after
// Submit returns.
func (o *Orchestrator) run(ctx context.Context, job *domain.GenerationJob, reservationID string, quotedCost int64) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, job.ID)
		o.mu.Unlock()
	}()

	log := o.logger.With().Str("job_id", job.ID).Str("fingerprint", job.Fingerprint).Logger()
	deadline := job.CreatedAt.Add(o.cfg.MaxWait)

	taskID, err := o.submitWithRetry(ctx, job)
	if err != nil {
		o.fail(job, reservationID, err, log)
		return
	}
	job.ProviderTaskID = taskID
	job.Status = domain.JobStatusSubmitted
	o.registry.Update(ctx, job)
	log.Info().Str("provider_task_id", taskID).Msg("engine: task submitted")

	job.Status = domain.JobStatusPolling
	o.registry.Update(ctx, job)

	status, err := o.poll(ctx, job, deadline)
	if err != nil {
		if errors.Is(err, domain.ErrExpired) {
			o.expire(job, reservationID, log)
			return
		}
		o.fail(job, reservationID, err, log)
		return
	}

	job.Status = domain.JobStatusDownloading
	o.registry.Update(ctx, job)

	art, err := o.download(ctx, job, status.ResultURL)
	if err != nil {
		o.fail(job, reservationID, err, log)
		return
	}

	actual := status.CreditsUsed
	if actual <= 0 {
		actual = quotedCost
	}
	if err := o.ledger.Commit(ctx, reservationID, actual); err != nil {
		log.Error().Err(err).Msg("engine: commit failed")
	}

	job.Status = domain.JobStatusCompleted
	job.Percent = 100
	job.CreditsCharged = actual
	job.CompletedAt = time.Now()
	o.registry.Update(ctx, job)
	log.Info().
		Int64("credits_charged", actual).
		Str("artifact", art.Path).
		Msg("engine: job completed")

	o.ReconcileBalances(ctx)
}

// submitWithRetry retries transient submission failures with exponential
// backoff up to the attempt ceiling. Permanent failures surface immediately.
func (o *Orchestrator) submitWithRetry(ctx context.Context, job *domain.GenerationJob) (string, error) {
	delay := o.cfg.RetryInitial
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			job.RetryCount++
			select {
			case <-ctx.Done():
				return "", domain.ErrCancelled
			case <-time.After(delay):
			}
			delay *= 2
		}
		taskID, err := o.provider.Submit(ctx, job.Prompt, job.Format, job.Quality, job.Style)
		if err == nil {
			return taskID, nil
		}
		if ctx.Err() != nil {
			return "", domain.ErrCancelled
		}
		if !domain.Transient(err) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("submit retries exhausted: %w", lastErr)
}

// poll drives the Polling state until the provider reports success or
// failure, the wait bound is exceeded, or the job is cancelled. The poll
// interval grows with bounded exponential backoff and is never reset within
// a job.
func (o *Orchestrator) poll(ctx context.Context, job *domain.GenerationJob, deadline time.Time) (tripo.TaskStatus, error) {
	delay := o.cfg.PollInitial
	transientFailures := 0
	for {
		select {
		case <-ctx.Done():
			return tripo.TaskStatus{}, domain.ErrCancelled
		case <-time.After(delay):
		}
		if time.Now().After(deadline) {
			return tripo.TaskStatus{}, domain.ErrExpired
		}

		status, err := o.provider.Status(ctx, job.ProviderTaskID)
		job.LastPolledAt = time.Now()
		if err != nil {
			if ctx.Err() != nil {
				return tripo.TaskStatus{}, domain.ErrCancelled
			}
			if !domain.Transient(err) {
				return tripo.TaskStatus{}, err
			}
			transientFailures++
			job.RetryCount++
			o.registry.Update(ctx, job)
			if transientFailures >= o.cfg.MaxAttempts {
				return tripo.TaskStatus{}, fmt.Errorf("poll retries exhausted: %w", err)
			}
			continue
		}
		transientFailures = 0

		switch status.State {
		case tripo.StateSucceeded:
			return status, nil
		case tripo.StateFailed:
			return tripo.TaskStatus{}, &domain.ProviderRejectedError{Reason: status.Reason}
		default:
			job.Percent = status.Percent
			o.registry.Update(ctx, job)
		}

		delay = time.Duration(float64(delay) * o.cfg.PollMultiplier)
		if delay > o.cfg.PollMax {
			delay = o.cfg.PollMax
		}
	}
}

// download materializes the artifact, retrying transient fetch failures.
// The store serializes concurrent materializations per key.
func (o *Orchestrator) download(ctx context.Context, job *domain.GenerationJob, resultURL string) (domain.Artifact, error) {
	delay := o.cfg.RetryInitial
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			job.RetryCount++
			select {
			case <-ctx.Done():
				return domain.Artifact{}, domain.ErrCancelled
			case <-time.After(delay):
			}
			delay *= 2
		}
		art, err := o.store.Materialize(ctx, job.Fingerprint, job.Format, func(ctx context.Context) (io.ReadCloser, error) {
			return o.provider.Fetch(ctx, resultURL)
		})
		if err == nil {
			return art, nil
		}
		if ctx.Err() != nil {
			return domain.Artifact{}, domain.ErrCancelled
		}
		if !domain.Transient(err) {
			return domain.Artifact{}, err
		}
		lastErr = err
	}
	return domain.Artifact{}, fmt.Errorf("download retries exhausted: %w", lastErr)
}

// finishWithoutReservation terminates a job that failed before any credits
// were held (bad quality tier, insufficient funds).
func (o *Orchestrator) finishWithoutReservation(ctx context.Context, job *domain.GenerationJob, cause error) {
	job.Status = domain.JobStatusFailed
	job.ErrorDetail = cause.Error()
	job.CompletedAt = time.Now()
	o.registry.Update(ctx, job)
}

func (o *Orchestrator) fail(job *domain.GenerationJob, reservationID string, cause error, log zerolog.Logger) {
	// The job context may already be cancelled; terminal bookkeeping uses a
	// fresh context so releases and persistence still happen.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if errors.Is(cause, domain.ErrCancelled) && job.ProviderTaskID != "" {
		if err := o.provider.Cancel(ctx, job.ProviderTaskID); err != nil {
			log.Debug().Err(err).Msg("engine: best-effort provider cancel failed")
		}
	}
	if err := o.ledger.Release(ctx, reservationID); err != nil && !errors.Is(err, ledger.ErrUnknownReservation) {
		log.Error().Err(err).Msg("engine: reservation release failed")
	}

	job.Status = domain.JobStatusFailed
	job.ErrorDetail = cause.Error()
	job.CompletedAt = time.Now()
	o.registry.Update(ctx, job)
	log.Warn().Str("reason", job.ErrorDetail).Msg("engine: job failed")
}

func (o *Orchestrator) expire(job *domain.GenerationJob, reservationID string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.ledger.Release(ctx, reservationID); err != nil && !errors.Is(err, ledger.ErrUnknownReservation) {
		log.Error().Err(err).Msg("engine: reservation release failed")
	}
	job.Status = domain.JobStatusExpired
	job.ErrorDetail = domain.ErrExpired.Error()
	job.CompletedAt = time.Now()
	o.registry.Update(ctx, job)
	log.Warn().Dur("max_wait", o.cfg.MaxWait).Msg("engine: job expired")
}
