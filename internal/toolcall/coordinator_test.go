package toolcall

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/maragf/claude-relay/internal/domain"
	"github.com/maragf/claude-relay/internal/upstream/web"
)

func newTestCoordinator(max int, timeout time.Duration) *Coordinator {
	return NewCoordinator(Config{
		MaxHeldSessions: max,
		HoldTimeout:     timeout,
		SweepInterval:   time.Hour, // sweeps run manually in tests
	})
}

func heldSession(id string) *web.Session {
	return &web.Session{ID: id, AccountID: "acc-" + id}
}

func TestHoldAndClaim(t *testing.T) {
	c := newTestCoordinator(4, time.Minute)
	sess := heldSession("s1")

	err := c.Hold(sess, []Invocation{
		{ID: "toolu_1", ToolName: "get_weather", Input: []byte(`{"city":"Lisbon"}`)},
	})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if c.HeldCount() != 1 {
		t.Fatalf("expected 1 held session, got %d", c.HeldCount())
	}
	if !c.Pending("toolu_1") {
		t.Error("invocation should be pending")
	}

	got, err := c.Claim("toolu_1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != sess {
		t.Errorf("claimed wrong session: %v", got)
	}
	if c.HeldCount() != 0 {
		t.Errorf("claim should release the hold, %d still held", c.HeldCount())
	}
}

func TestClaimUnknownInvocation(t *testing.T) {
	c := newTestCoordinator(4, time.Minute)

	if _, err := c.Claim("toolu_missing"); !errors.Is(err, domain.ErrNoPendingInvocation) {
		t.Errorf("expected ErrNoPendingInvocation, got %v", err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	c := newTestCoordinator(4, time.Minute)
	if err := c.Hold(heldSession("s1"), []Invocation{{ID: "toolu_1", ToolName: "f"}}); err != nil {
		t.Fatalf("hold: %v", err)
	}

	if _, err := c.Claim("toolu_1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := c.Claim("toolu_1"); !errors.Is(err, domain.ErrNoPendingInvocation) {
		t.Errorf("second claim must fail, got %v", err)
	}
}

func TestHoldLimitFailsFast(t *testing.T) {
	c := newTestCoordinator(2, time.Minute)

	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("s%d", i)
		if err := c.Hold(heldSession(id), []Invocation{{ID: "toolu_" + id, ToolName: "f"}}); err != nil {
			t.Fatalf("hold %s: %v", id, err)
		}
	}

	err := c.Hold(heldSession("overflow"), []Invocation{{ID: "toolu_overflow", ToolName: "f"}})
	if !errors.Is(err, domain.ErrTooManyToolSessions) {
		t.Fatalf("expected ErrTooManyToolSessions, got %v", err)
	}

	// Releasing one hold frees capacity again.
	if _, err := c.Claim("toolu_s0"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := c.Hold(heldSession("late"), []Invocation{{ID: "toolu_late", ToolName: "f"}}); err != nil {
		t.Errorf("hold after release: %v", err)
	}
}

func TestClaimExpiredInvocation(t *testing.T) {
	c := newTestCoordinator(4, -time.Second)
	if err := c.Hold(heldSession("s1"), []Invocation{{ID: "toolu_1", ToolName: "f"}}); err != nil {
		t.Fatalf("hold: %v", err)
	}

	if _, err := c.Claim("toolu_1"); !errors.Is(err, domain.ErrToolInvocationExpired) {
		t.Errorf("expected ErrToolInvocationExpired, got %v", err)
	}
	if c.HeldCount() != 0 {
		t.Errorf("expired hold should be dropped, %d still held", c.HeldCount())
	}
}

func TestSweepReapsExpiredSessions(t *testing.T) {
	c := newTestCoordinator(4, -time.Second)
	if err := c.Hold(heldSession("s1"), []Invocation{{ID: "toolu_1", ToolName: "f"}}); err != nil {
		t.Fatalf("hold: %v", err)
	}

	c.sweep(t.Context())

	if c.HeldCount() != 0 {
		t.Errorf("sweep left %d sessions held", c.HeldCount())
	}
	if c.Pending("toolu_1") {
		t.Error("expired invocation still pending")
	}
}

func TestSweepReapsIdleSessions(t *testing.T) {
	c := NewCoordinator(Config{
		MaxHeldSessions: 4,
		HoldTimeout:     time.Hour,
		IdleLimit:       time.Minute,
		SweepInterval:   time.Hour,
	})
	// A zero-value session reports a zero last-used time, so it is idle
	// far beyond the limit despite its distant deadline.
	if err := c.Hold(heldSession("s1"), []Invocation{{ID: "toolu_1", ToolName: "f"}}); err != nil {
		t.Fatalf("hold: %v", err)
	}

	c.sweep(t.Context())

	if c.HeldCount() != 0 {
		t.Errorf("idle session not reaped, %d still held", c.HeldCount())
	}
}

func TestMultipleInvocationsOneSession(t *testing.T) {
	c := newTestCoordinator(4, time.Minute)
	sess := heldSession("s1")
	err := c.Hold(sess, []Invocation{
		{ID: "toolu_a", ToolName: "f"},
		{ID: "toolu_b", ToolName: "g"},
	})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	got, err := c.Claim("toolu_b")
	if err != nil {
		t.Fatalf("claim by second invocation: %v", err)
	}
	if got != sess {
		t.Errorf("claimed wrong session")
	}
	// The whole session is released, sibling invocations included.
	if c.Pending("toolu_a") {
		t.Error("sibling invocation should be released with the session")
	}
}
