package health

import (
	"context"
	"testing"
	"time"

	"github.com/maragf/claude-relay/internal/account"
	"github.com/maragf/claude-relay/internal/notifications"
)

func newTestTracker(t *testing.T, cfg Config, accounts ...*account.Account) (*Tracker, *account.Pool, *notifications.InMemoryNotifier) {
	t.Helper()
	store := account.NewInMemoryStore()
	for _, a := range accounts {
		if a.Health == "" {
			a.Health = account.HealthActive
		}
		if err := store.SaveAccount(context.Background(), a); err != nil {
			t.Fatalf("save account: %v", err)
		}
	}
	pool := account.NewPool(store)
	if err := pool.Load(context.Background()); err != nil {
		t.Fatalf("load pool: %v", err)
	}
	notifier := notifications.NewInMemoryNotifier()
	return NewTracker(pool, cfg, notifier), pool, notifier
}

func testAccount(id string) *account.Account {
	return &account.Account{
		ID:    id,
		OAuth: &account.OAuthToken{AccessToken: "tok"},
	}
}

func TestQuotaExceededUsesHint(t *testing.T) {
	tracker, pool, notifier := newTestTracker(t, DefaultConfig(), testAccount("a"))

	hint := time.Now().Add(3 * time.Hour)
	tracker.ReportOutcome(context.Background(), "a", account.PathAPI, OutcomeQuotaExceeded, hint)

	got, _ := pool.Get("a")
	if got.Health != account.HealthQuotaExceeded {
		t.Errorf("expected quota_exceeded, got %s", got.Health)
	}
	if !got.ResetsAt.Equal(hint) {
		t.Errorf("expected resets_at %s, got %s", hint, got.ResetsAt)
	}
	events := notifier.Events()
	if len(events) != 1 || events[0].Type != notifications.EventAccountQuotaExceeded {
		t.Errorf("expected quota notification, got %+v", events)
	}
}

func TestQuotaExceededDefaultWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultQuotaWindow = 2 * time.Hour
	tracker, pool, _ := newTestTracker(t, cfg, testAccount("a"))

	before := time.Now()
	tracker.ReportOutcome(context.Background(), "a", account.PathWebSession, OutcomeQuotaExceeded, time.Time{})

	got, _ := pool.Get("a")
	min := before.Add(2 * time.Hour)
	if got.ResetsAt.Before(min) {
		t.Errorf("default window not applied: resets_at %s, want >= %s", got.ResetsAt, min)
	}
}

func TestAuthFailureInvalidatesAccount(t *testing.T) {
	tracker, pool, notifier := newTestTracker(t, DefaultConfig(), testAccount("a"))

	tracker.ReportOutcome(context.Background(), "a", account.PathAPI, OutcomeAuthFailure, time.Time{})

	got, _ := pool.Get("a")
	if got.Health != account.HealthInvalid {
		t.Errorf("expected invalid, got %s", got.Health)
	}
	if got.Available(time.Now()) {
		t.Error("invalid account must never be selectable")
	}
	events := notifier.Events()
	if len(events) != 1 || events[0].Type != notifications.EventAccountInvalid {
		t.Errorf("expected invalid notification, got %+v", events)
	}
}

func TestTransientErrorsTriggerCooling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	tracker, pool, _ := newTestTracker(t, cfg, testAccount("a"))

	ctx := context.Background()
	tracker.ReportOutcome(ctx, "a", account.PathAPI, OutcomeTransientError, time.Time{})
	tracker.ReportOutcome(ctx, "a", account.PathAPI, OutcomeTransientError, time.Time{})

	got, _ := pool.Get("a")
	if got.Health != account.HealthActive {
		t.Fatalf("below threshold, expected active, got %s", got.Health)
	}

	tracker.ReportOutcome(ctx, "a", account.PathAPI, OutcomeTransientError, time.Time{})

	got, _ = pool.Get("a")
	if got.Health != account.HealthCooling {
		t.Fatalf("expected cooling at threshold, got %s", got.Health)
	}
	if got.CoolingUntil.IsZero() {
		t.Error("cooling deadline not set")
	}
}

func TestCoolingBackoffDoubles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.CoolingBase = time.Minute
	tracker, pool, _ := newTestTracker(t, cfg, testAccount("a"))

	ctx := context.Background()

	tracker.ReportOutcome(ctx, "a", account.PathAPI, OutcomeTransientError, time.Time{})
	first, _ := pool.Get("a")
	firstWait := time.Until(first.CoolingUntil)

	// Simulate the sweep restoring the account, then another streak.
	pool.Mutate(ctx, "a", func(a *account.Account) {
		a.Health = account.HealthActive
		a.CoolingUntil = time.Time{}
	})
	tracker.ReportOutcome(ctx, "a", account.PathAPI, OutcomeTransientError, time.Time{})
	second, _ := pool.Get("a")
	secondWait := time.Until(second.CoolingUntil)

	if secondWait < firstWait+30*time.Second {
		t.Errorf("expected roughly doubled cooling, first %s second %s", firstWait, secondWait)
	}
}

func TestSuccessClearsStreak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	tracker, pool, _ := newTestTracker(t, cfg, testAccount("a"))

	ctx := context.Background()
	tracker.ReportOutcome(ctx, "a", account.PathAPI, OutcomeTransientError, time.Time{})
	tracker.ReportOutcome(ctx, "a", account.PathAPI, OutcomeTransientError, time.Time{})
	tracker.ReportOutcome(ctx, "a", account.PathAPI, OutcomeSuccess, time.Time{})
	tracker.ReportOutcome(ctx, "a", account.PathAPI, OutcomeTransientError, time.Time{})
	tracker.ReportOutcome(ctx, "a", account.PathAPI, OutcomeTransientError, time.Time{})

	got, _ := pool.Get("a")
	if got.Health != account.HealthActive {
		t.Errorf("success should reset the failure count, got %s", got.Health)
	}
}

func TestSweepRestoresExpiredStates(t *testing.T) {
	tracker, pool, notifier := newTestTracker(t, DefaultConfig(), testAccount("quotaed"), testAccount("cooling"), testAccount("waiting"))

	ctx := context.Background()
	pool.Mutate(ctx, "quotaed", func(a *account.Account) {
		a.Health = account.HealthQuotaExceeded
		a.ResetsAt = time.Now().Add(-time.Minute)
	})
	pool.Mutate(ctx, "cooling", func(a *account.Account) {
		a.Health = account.HealthCooling
		a.CoolingUntil = time.Now().Add(-time.Second)
	})
	pool.Mutate(ctx, "waiting", func(a *account.Account) {
		a.Health = account.HealthQuotaExceeded
		a.ResetsAt = time.Now().Add(time.Hour)
	})

	tracker.Sweep(ctx)

	for _, id := range []string{"quotaed", "cooling"} {
		got, _ := pool.Get(id)
		if got.Health != account.HealthActive {
			t.Errorf("%s: expected active after sweep, got %s", id, got.Health)
		}
	}
	still, _ := pool.Get("waiting")
	if still.Health != account.HealthQuotaExceeded {
		t.Errorf("unexpired account restored early: %s", still.Health)
	}

	recovered := 0
	for _, e := range notifier.Events() {
		if e.Type == notifications.EventAccountRecovered {
			recovered++
		}
	}
	if recovered != 2 {
		t.Errorf("expected 2 recovery notifications, got %d", recovered)
	}
}
