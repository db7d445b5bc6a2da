// Package handlers exposes the generation engine to the web layer. Handlers
// translate domain errors into HTTP status codes and user-facing strings;
// the core never formats messages itself.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"meshforge/internal/domain"
	"meshforge/internal/engine"
)

type App struct {
	Engine *engine.Orchestrator
	Logger zerolog.Logger
}

func NewApp(eng *engine.Orchestrator, logger zerolog.Logger) *App {
	return &App{Engine: eng, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}

// domainError maps the core error taxonomy onto HTTP responses.
func (a *App) domainError(w http.ResponseWriter, err error) {
	var rejected *domain.ProviderRejectedError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		a.error(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, "insufficient_credits", "not enough credits for this generation")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "no such resource")
	case errors.Is(err, domain.ErrJobTerminal):
		a.error(w, http.StatusConflict, "job_terminal", "job already reached a terminal state")
	case errors.As(err, &rejected):
		a.error(w, http.StatusUnprocessableEntity, "provider_rejected", rejected.Reason)
	default:
		a.Logger.Error().Err(err).Msg("handlers: internal error")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
