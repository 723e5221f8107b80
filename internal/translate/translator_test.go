package translate

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/maragf/claude-relay/internal/domain"
	"github.com/maragf/claude-relay/internal/health"
	"github.com/maragf/claude-relay/internal/upstream/api"
	"github.com/maragf/claude-relay/internal/upstream/web"
)

func TestClassify(t *testing.T) {
	resetsAt := time.Now().Add(time.Hour).Truncate(time.Second)

	tests := []struct {
		name     string
		err      error
		want     health.Outcome
		wantHint bool
	}{
		{"web quota with hint", &web.QuotaExceededError{ResetsAt: resetsAt}, health.OutcomeQuotaExceeded, true},
		{"domain quota", &domain.QuotaError{ResetsAt: resetsAt}, health.OutcomeQuotaExceeded, true},
		{"api 429", &api.StatusError{StatusCode: 429, RetryAfter: time.Minute}, health.OutcomeQuotaExceeded, true},
		{"api 401 without refresh context", &api.StatusError{StatusCode: 401}, health.OutcomeTransientError, false},
		{"api 403 edge block", &api.StatusError{StatusCode: 403}, health.OutcomeTransientError, false},
		{"account disabled", &web.AccountDisabledError{}, health.OutcomeAuthFailure, false},
		{"auth sentinel wrapped", fmt.Errorf("refresh: %w", domain.ErrAuthenticationFailed), health.OutcomeAuthFailure, false},
		{"api 529", &api.StatusError{StatusCode: 529}, health.OutcomeTransientError, false},
		{"network error", errors.New("connection reset"), health.OutcomeTransientError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, hint := Classify(tt.err)
			if outcome != tt.want {
				t.Errorf("Classify(%v) outcome = %s, want %s", tt.err, outcome, tt.want)
			}
			if tt.wantHint && hint.IsZero() {
				t.Errorf("Classify(%v) expected a reset hint", tt.err)
			}
			if !tt.wantHint && !hint.IsZero() {
				t.Errorf("Classify(%v) unexpected hint %s", tt.err, hint)
			}
		})
	}
}

func TestCallerError(t *testing.T) {
	if !CallerError(&api.StatusError{StatusCode: 400}) {
		t.Error("400 should be a caller error")
	}
	if !CallerError(domain.ErrTooManyToolSessions) {
		t.Error("tool session limit should not trigger fallthrough")
	}
	if CallerError(&api.StatusError{StatusCode: 500}) {
		t.Error("500 should fall through to the next candidate")
	}
	if CallerError(errors.New("timeout")) {
		t.Error("transient errors should fall through")
	}
}

func TestFoldStream(t *testing.T) {
	events := make(chan domain.StreamEvent, 16)
	errs := make(chan error)
	close(errs)

	events <- domain.StreamEvent{
		Type: domain.EventMessageStart,
		Message: &domain.Message{
			ID: "msg_1", Type: "message", Role: "assistant", Model: "m",
			Usage: domain.Usage{InputTokens: 10, Estimated: true},
		},
	}
	events <- domain.StreamEvent{
		Type: domain.EventContentBlockStart, Index: 0,
		ContentBlock: &domain.ContentBlock{Type: domain.BlockText},
	}
	events <- domain.StreamEvent{
		Type: domain.EventContentBlockDelta, Index: 0,
		Delta: &domain.Delta{Type: "text_delta", Text: "hel"},
	}
	events <- domain.StreamEvent{
		Type: domain.EventContentBlockDelta, Index: 0,
		Delta: &domain.Delta{Type: "text_delta", Text: "lo"},
	}
	events <- domain.StreamEvent{Type: domain.EventContentBlockStop, Index: 0}
	events <- domain.StreamEvent{
		Type:  domain.EventMessageDelta,
		Delta: &domain.Delta{StopReason: domain.StopEndTurn},
		Usage: &domain.Usage{OutputTokens: 2, Estimated: true},
	}
	events <- domain.StreamEvent{Type: domain.EventMessageStop}
	close(events)

	msg, err := FoldStream(events, errs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID != "msg_1" || len(msg.Content) != 1 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Content[0].Text != "hello" {
		t.Errorf("expected accumulated text hello, got %q", msg.Content[0].Text)
	}
	if msg.StopReason != domain.StopEndTurn {
		t.Errorf("expected end_turn, got %s", msg.StopReason)
	}
	if msg.Usage.OutputTokens != 2 || !msg.Usage.Estimated {
		t.Errorf("unexpected usage: %+v", msg.Usage)
	}
}

func TestFoldStreamPropagatesError(t *testing.T) {
	events := make(chan domain.StreamEvent)
	errs := make(chan error, 1)
	close(events)
	errs <- domain.ErrUpstreamProtocol
	close(errs)

	if _, err := FoldStream(events, errs); !errors.Is(err, domain.ErrUpstreamProtocol) {
		t.Errorf("expected upstream protocol error, got %v", err)
	}
}
