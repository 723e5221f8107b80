package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoAvailableAccount    = errors.New("no available account")
	ErrAuthenticationFailed  = errors.New("upstream authentication failed")
	ErrQuotaExceeded         = errors.New("account quota exceeded")
	ErrUpstreamProtocol      = errors.New("unexpected upstream response shape")
	ErrTooManyToolSessions   = errors.New("too many concurrent tool sessions")
	ErrToolInvocationExpired = errors.New("tool invocation deadline passed")
	ErrNoPendingInvocation   = errors.New("no such pending invocation")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidAPIKey         = errors.New("invalid API key")
	ErrAccountNotFound       = errors.New("account not found")
)

// QuotaError wraps ErrQuotaExceeded with the reset hint the upstream
// provided, when it provided one.
type QuotaError struct {
	ResetsAt time.Time
}

func (e *QuotaError) Error() string {
	if e.ResetsAt.IsZero() {
		return ErrQuotaExceeded.Error()
	}
	return fmt.Sprintf("account quota exceeded, resets at %s", e.ResetsAt.Format(time.RFC3339))
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }
