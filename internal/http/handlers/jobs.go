package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"meshforge/internal/domain"
)

// JobStatus reports one job's lifecycle state and progress.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	job, err := a.Engine.Status(jobID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	resp := map[string]any{
		"id":          job.ID,
		"fingerprint": job.Fingerprint,
		"status":      string(job.Status),
		"percent":     job.Percent,
		"format":      string(job.Format),
		"quality":     string(job.Quality),
		"created_at":  job.CreatedAt,
	}
	if job.ErrorDetail != "" {
		resp["error"] = job.ErrorDetail
	}
	if job.Status == domain.JobStatusCompleted {
		resp["credits_charged"] = job.CreditsCharged
		resp["completed_at"] = job.CompletedAt
	}
	a.json(w, http.StatusOK, resp)
}

// JobArtifact returns the materialized file metadata for a completed job.
func (a *App) JobArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	art, err := a.Engine.Artifact(jobID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"fingerprint": art.Fingerprint,
		"format":      string(art.Format),
		"path":        art.Path,
		"checksum":    art.Checksum,
		"bytes":       art.Bytes,
		"created_at":  art.CreatedAt,
	})
}

// JobCancel stops a non-terminal job. Cancellation is accepted, not awaited:
// the job transitions to failed/cancelled shortly after.
func (a *App) JobCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	if err := a.Engine.Cancel(jobID); err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
