package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"meshforge/internal/domain"
	"meshforge/internal/engine"
)

type generateRequest struct {
	Prompt  string            `json:"prompt"`
	Format  string            `json:"format"`
	Quality string            `json:"quality"`
	Style   map[string]string `json:"style"`
}

type generateResponse struct {
	JobID       string `json:"job_id"`
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status"`
}

// GenerateModel accepts a generation request and returns the job handle.
// Cached fingerprints come back already completed.
func (a *App) GenerateModel(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Format == "" {
		req.Format = string(domain.FormatGLB)
	}
	if req.Quality == "" {
		req.Quality = string(domain.QualityHigh)
	}

	job, err := a.Engine.Submit(r.Context(), engine.SubmitRequest{
		Prompt:  req.Prompt,
		Format:  domain.Format(req.Format),
		Quality: domain.Quality(req.Quality),
		Style:   req.Style,
	})
	if err != nil {
		a.domainError(w, err)
		return
	}
	status := http.StatusAccepted
	if job.Status == domain.JobStatusCompleted {
		status = http.StatusOK
	}
	a.json(w, status, generateResponse{
		JobID:       job.ID,
		Fingerprint: job.Fingerprint,
		Status:      string(job.Status),
	})
}

type cachedModel struct {
	Fingerprint string   `json:"fingerprint"`
	Formats     []string `json:"formats"`
}

// CachedModels lists every fingerprint with its materialized formats, for
// gallery pages.
func (a *App) CachedModels(w http.ResponseWriter, r *http.Request) {
	var items []cachedModel
	err := a.Engine.ListCached(func(m domain.CachedModel) bool {
		formats := make([]string, len(m.Formats))
		for i, f := range m.Formats {
			formats[i] = string(f)
		}
		items = append(items, cachedModel{Fingerprint: m.Fingerprint, Formats: formats})
		return true
	})
	if err != nil {
		a.domainError(w, err)
		return
	}
	if items == nil {
		items = []cachedModel{}
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// Wallets returns the ledger's balance view.
func (a *App) Wallets(w http.ResponseWriter, r *http.Request) {
	b := a.Engine.Balances()
	resp := map[string]any{
		"paid":        b.Paid,
		"promotional": b.Promotional,
	}
	if !b.PromotionalExpiry.IsZero() {
		resp["promotional_expiry"] = b.PromotionalExpiry.Format(time.RFC3339)
	}
	a.json(w, http.StatusOK, resp)
}
