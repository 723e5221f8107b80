// Package toolcall holds web sessions open across the tool-use gap: the
// upstream emitted a tool invocation, the relay returned it to the
// caller, and the conversation must survive until the tool result comes
// back on a later request.
package toolcall

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maragf/claude-relay/internal/domain"
	"github.com/maragf/claude-relay/internal/metrics"
	"github.com/maragf/claude-relay/internal/upstream/web"
)

// State of one held session.
type State int

const (
	// AwaitingUpstream: the session is streaming from the backend.
	AwaitingUpstream State = iota
	// ToolPending: a tool invocation was surfaced to the caller and the
	// session is parked until the result arrives or the deadline passes.
	ToolPending
	// Closed: terminal; the conversation is deleted.
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingUpstream:
		return "awaiting_upstream"
	case ToolPending:
		return "tool_pending"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Invocation is one tool call surfaced to the caller.
type Invocation struct {
	ID       string
	ToolName string
	Input    []byte
}

type held struct {
	session     *web.Session
	state       State
	invocations map[string]Invocation // keyed by tool_use id
	deadline    time.Time
}

// Config bounds the coordinator.
type Config struct {
	// MaxHeldSessions caps concurrently parked sessions. Requests that
	// would exceed it fail fast instead of queuing.
	MaxHeldSessions int
	// HoldTimeout is how long a ToolPending session survives without a
	// result.
	HoldTimeout time.Duration
	// IdleLimit reaps sessions with no activity at all, whatever their
	// deadline. Zero disables the check.
	IdleLimit time.Duration
	// SweepInterval is how often expired sessions are reaped.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxHeldSessions: 32,
		HoldTimeout:     5 * time.Minute,
		IdleLimit:       10 * time.Minute,
		SweepInterval:   30 * time.Second,
	}
}

// Coordinator tracks held sessions and matches incoming tool results to
// them by invocation id.
type Coordinator struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*held // keyed by session id
	byInvoke map[string]*held // keyed by invocation id
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.MaxHeldSessions <= 0 {
		cfg.MaxHeldSessions = DefaultConfig().MaxHeldSessions
	}
	if cfg.HoldTimeout == 0 {
		cfg.HoldTimeout = DefaultConfig().HoldTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Coordinator{
		cfg:      cfg,
		sessions: make(map[string]*held),
		byInvoke: make(map[string]*held),
	}
}

// Hold parks a session that just surfaced tool invocations. Fails fast
// with ErrTooManyToolSessions at the cap; the session is then the
// caller's to close.
func (c *Coordinator) Hold(session *web.Session, invocations []Invocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sessions) >= c.cfg.MaxHeldSessions {
		metrics.ToolSessionRejects.Inc()
		return domain.ErrTooManyToolSessions
	}

	h := &held{
		session:     session,
		state:       ToolPending,
		invocations: make(map[string]Invocation, len(invocations)),
		deadline:    time.Now().Add(c.cfg.HoldTimeout),
	}
	for _, inv := range invocations {
		h.invocations[inv.ID] = inv
		c.byInvoke[inv.ID] = h
	}
	c.sessions[session.ID] = h
	metrics.HeldToolSessions.Set(float64(len(c.sessions)))

	slog.Debug("session held for tool result",
		"session", session.ID,
		"invocations", len(invocations),
		"deadline", h.deadline.Format(time.RFC3339))
	return nil
}

// Claim resolves a tool_use id to its held session and removes the hold
// atomically, so two concurrent results for the same invocation cannot
// both resume it. Returns ErrNoPendingInvocation for an unknown id and
// ErrToolInvocationExpired when the hold lapsed between sweep runs.
func (c *Coordinator) Claim(toolUseID string) (*web.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.byInvoke[toolUseID]
	if !ok {
		return nil, domain.ErrNoPendingInvocation
	}
	if time.Now().After(h.deadline) {
		c.dropLocked(h)
		go h.session.Close(context.Background())
		return nil, domain.ErrToolInvocationExpired
	}

	h.state = AwaitingUpstream
	c.dropLocked(h)
	return h.session, nil
}

// Pending reports whether any held session is waiting on toolUseID.
func (c *Coordinator) Pending(toolUseID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byInvoke[toolUseID]
	return ok
}

// HeldCount returns the number of parked sessions.
func (c *Coordinator) HeldCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Start runs the expiry sweep until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closeAll()
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	var expired []*held
	for _, h := range c.sessions {
		if now.After(h.deadline) {
			expired = append(expired, h)
			continue
		}
		if c.cfg.IdleLimit > 0 && now.Sub(h.session.LastUsed()) > c.cfg.IdleLimit {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		c.dropLocked(h)
	}
	c.mu.Unlock()

	for _, h := range expired {
		slog.Info("tool session expired", "session", h.session.ID)
		h.session.Close(ctx)
	}
}

func (c *Coordinator) closeAll() {
	c.mu.Lock()
	all := make([]*held, 0, len(c.sessions))
	for _, h := range c.sessions {
		all = append(all, h)
	}
	c.sessions = make(map[string]*held)
	c.byInvoke = make(map[string]*held)
	metrics.HeldToolSessions.Set(0)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range all {
		h.session.Close(ctx)
	}
}

// dropLocked removes a hold and its invocation index entries. Caller
// holds c.mu.
func (c *Coordinator) dropLocked(h *held) {
	delete(c.sessions, h.session.ID)
	for id := range h.invocations {
		delete(c.byInvoke, id)
	}
	metrics.HeldToolSessions.Set(float64(len(c.sessions)))
}
