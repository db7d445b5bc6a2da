package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderAuth        = errors.New("provider authentication failed")
	ErrStorage             = errors.New("storage failure")
	ErrExpired             = errors.New("generation exceeded maximum wait")
	ErrCancelled           = errors.New("cancelled")
	ErrJobTerminal         = errors.New("job already terminal")
)

// ProviderRejectedError is a permanent, provider-side refusal. The reason is
// preserved verbatim for diagnostics and never retried.
type ProviderRejectedError struct {
	Reason string
}

func (e *ProviderRejectedError) Error() string {
	return fmt.Sprintf("provider rejected request: %s", e.Reason)
}

// Transient reports whether err is worth retrying against the provider.
// Rejections, auth failures and credit shortfalls are permanent.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var rejected *ProviderRejectedError
	if errors.As(err, &rejected) {
		return false
	}
	switch {
	case errors.Is(err, ErrProviderAuth),
		errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrStorage),
		errors.Is(err, ErrCancelled):
		return false
	}
	return true
}
