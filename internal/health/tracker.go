// Package health tracks per-account quota and failure state. It is the
// single mutation path for account health: translators report outcomes
// here and the router sees the effect on the next selection.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maragf/claude-relay/internal/account"
	"github.com/maragf/claude-relay/internal/metrics"
)

// Outcome classifies the result of one upstream attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeQuotaExceeded
	OutcomeAuthFailure
	OutcomeTransientError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeQuotaExceeded:
		return "quota_exceeded"
	case OutcomeAuthFailure:
		return "auth_failure"
	case OutcomeTransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

// Config tunes failure thresholds and recovery windows.
type Config struct {
	// DefaultQuotaWindow applies when the upstream gives no reset hint.
	DefaultQuotaWindow time.Duration
	// FailureThreshold is the transient-error count that triggers cooling.
	FailureThreshold int
	// CoolingBase is the first cooling interval; it doubles per
	// consecutive threshold crossing up to CoolingMax.
	CoolingBase time.Duration
	CoolingMax  time.Duration
	// SweepInterval is how often expired quota/cooling states are
	// re-evaluated.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultQuotaWindow: time.Hour,
		FailureThreshold:   3,
		CoolingBase:        30 * time.Second,
		CoolingMax:         15 * time.Minute,
		SweepInterval:      30 * time.Second,
	}
}

// Notifier receives account health transitions. The SNS notifier and
// the nop notifier both satisfy it.
type Notifier interface {
	AccountInvalid(ctx context.Context, accountID string)
	AccountQuotaExceeded(ctx context.Context, accountID string, resetsAt time.Time)
	AccountRecovered(ctx context.Context, accountID string)
}

// Tracker consumes outcome signals and mutates pool state.
type Tracker struct {
	pool     *account.Pool
	cfg      Config
	notifier Notifier

	mu      sync.Mutex
	streaks map[string]int // consecutive cooling rounds per account
}

func NewTracker(pool *account.Pool, cfg Config, notifier Notifier) *Tracker {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Tracker{
		pool:     pool,
		cfg:      cfg,
		notifier: notifier,
		streaks:  make(map[string]int),
	}
}

// ReportOutcome applies one upstream result to the account's health.
// resetHint may be zero; it is only meaningful for OutcomeQuotaExceeded.
func (t *Tracker) ReportOutcome(ctx context.Context, accountID string, path account.Path, outcome Outcome, resetHint time.Time) {
	metrics.RecordUpstreamOutcome(string(path), outcome.String())

	switch outcome {
	case OutcomeSuccess:
		t.mu.Lock()
		delete(t.streaks, accountID)
		t.mu.Unlock()

		t.pool.Mutate(ctx, accountID, func(a *account.Account) {
			a.Failures = 0
			if a.Health == account.HealthCooling {
				a.Health = account.HealthActive
				a.CoolingUntil = time.Time{}
			}
		})

	case OutcomeQuotaExceeded:
		resetsAt := resetHint
		if resetsAt.IsZero() {
			resetsAt = time.Now().Add(t.cfg.DefaultQuotaWindow)
		}
		t.pool.Mutate(ctx, accountID, func(a *account.Account) {
			a.Health = account.HealthQuotaExceeded
			a.ResetsAt = resetsAt
		})
		slog.Warn("account quota exceeded", "account_id", accountID, "path", path, "resets_at", resetsAt)
		t.notifier.AccountQuotaExceeded(ctx, accountID, resetsAt)

	case OutcomeAuthFailure:
		// The API translator only reports this after a refresh attempt
		// has also failed, so the credential is genuinely dead.
		t.pool.Mutate(ctx, accountID, func(a *account.Account) {
			a.Health = account.HealthInvalid
		})
		slog.Error("account marked invalid", "account_id", accountID, "path", path)
		t.notifier.AccountInvalid(ctx, accountID)

	case OutcomeTransientError:
		var coolUntil time.Time
		t.pool.Mutate(ctx, accountID, func(a *account.Account) {
			a.Failures++
			if a.Failures >= t.cfg.FailureThreshold {
				t.mu.Lock()
				t.streaks[accountID]++
				streak := t.streaks[accountID]
				t.mu.Unlock()

				d := t.cfg.CoolingBase << (streak - 1)
				if d > t.cfg.CoolingMax || d <= 0 {
					d = t.cfg.CoolingMax
				}
				coolUntil = time.Now().Add(d)
				a.Health = account.HealthCooling
				a.CoolingUntil = coolUntil
				a.Failures = 0
			}
		})
		if !coolUntil.IsZero() {
			slog.Warn("account cooling after repeated failures", "account_id", accountID, "path", path, "until", coolUntil)
		}
	}

	t.updateHealthGauge()
}

// Start runs the background sweep until ctx is cancelled. Expired
// QuotaExceeded and Cooling accounts return to Active without external
// intervention.
func (t *Tracker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep restores accounts whose quota window or cooling period expired.
func (t *Tracker) Sweep(ctx context.Context) {
	now := time.Now()
	for _, a := range t.pool.Snapshot() {
		restore := false
		switch a.Health {
		case account.HealthQuotaExceeded:
			restore = !a.ResetsAt.IsZero() && now.After(a.ResetsAt)
		case account.HealthCooling:
			restore = !a.CoolingUntil.IsZero() && now.After(a.CoolingUntil)
		}
		if !restore {
			continue
		}

		id := a.ID
		t.pool.Mutate(ctx, id, func(a *account.Account) {
			a.Health = account.HealthActive
			a.ResetsAt = time.Time{}
			a.CoolingUntil = time.Time{}
			a.Failures = 0
		})
		slog.Info("account restored to active", "account_id", id)
		t.notifier.AccountRecovered(ctx, id)
	}
	t.updateHealthGauge()
}

func (t *Tracker) updateHealthGauge() {
	counts := make(map[account.HealthState]int)
	for _, a := range t.pool.Snapshot() {
		counts[a.Health]++
	}
	for _, state := range []account.HealthState{
		account.HealthActive, account.HealthQuotaExceeded,
		account.HealthCooling, account.HealthInvalid,
	} {
		metrics.SetAccountHealth(string(state), counts[state])
	}
}

// NopNotifier discards health notifications.
type NopNotifier struct{}

func (NopNotifier) AccountInvalid(context.Context, string)                  {}
func (NopNotifier) AccountQuotaExceeded(context.Context, string, time.Time) {}
func (NopNotifier) AccountRecovered(context.Context, string)                {}
