// Package translate converts between the relay's Messages schema and
// the two upstream dialects. Each path implements the same capability
// interface; the handler picks by the candidate's path tag and never
// branches on path internals.
package translate

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/maragf/claude-relay/internal/account"
	"github.com/maragf/claude-relay/internal/domain"
	"github.com/maragf/claude-relay/internal/health"
	"github.com/maragf/claude-relay/internal/upstream/api"
	"github.com/maragf/claude-relay/internal/upstream/web"
)

// Translator executes one request against one account over one path.
// Stream always emits standardized events regardless of what the
// upstream speaks; Complete is the buffered form.
type Translator interface {
	Path() account.Path
	Stream(ctx context.Context, acc *account.Account, req *domain.MessagesRequest) (<-chan domain.StreamEvent, <-chan error)
	Complete(ctx context.Context, acc *account.Account, req *domain.MessagesRequest) (*domain.Message, error)
}

// Classify maps an upstream attempt error to the health outcome the
// tracker should record, plus a quota reset hint when one was carried.
func Classify(err error) (health.Outcome, time.Time) {
	var qe *domain.QuotaError
	if errors.As(err, &qe) {
		return health.OutcomeQuotaExceeded, qe.ResetsAt
	}
	var wqe *web.QuotaExceededError
	if errors.As(err, &wqe) {
		return health.OutcomeQuotaExceeded, wqe.ResetsAt
	}

	var se *api.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		var hint time.Time
		if se.RetryAfter > 0 {
			hint = time.Now().Add(se.RetryAfter)
		}
		return health.OutcomeQuotaExceeded, hint
	}

	if errors.Is(err, domain.ErrQuotaExceeded) {
		return health.OutcomeQuotaExceeded, time.Time{}
	}
	// Auth failure is reserved for credentials proven dead: a rejected
	// refresh grant or a disabled organization, both of which arrive
	// wrapped in ErrAuthenticationFailed. A bare 401/403 can be an edge
	// block or a permission hiccup and cools off as transient instead of
	// invalidating the account.
	if errors.Is(err, domain.ErrAuthenticationFailed) {
		return health.OutcomeAuthFailure, time.Time{}
	}
	return health.OutcomeTransientError, time.Time{}
}

// FoldStream buffers a standardized event stream into a complete
// message, for callers that did not ask for streaming.
func FoldStream(events <-chan domain.StreamEvent, errs <-chan error) (*domain.Message, error) {
	var msg *domain.Message

	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Type {
			case domain.EventMessageStart:
				m := *ev.Message
				m.Content = append([]domain.ContentBlock(nil), ev.Message.Content...)
				msg = &m
			case domain.EventContentBlockStart:
				if msg != nil && ev.ContentBlock != nil {
					for len(msg.Content) <= ev.Index {
						msg.Content = append(msg.Content, domain.ContentBlock{})
					}
					msg.Content[ev.Index] = *ev.ContentBlock
				}
			case domain.EventContentBlockDelta:
				if msg == nil || ev.Delta == nil || ev.Index >= len(msg.Content) {
					continue
				}
				b := &msg.Content[ev.Index]
				b.Text += ev.Delta.Text
				b.Thinking += ev.Delta.Thinking
				if ev.Delta.PartialJSON != "" {
					b.Input = append(b.Input, []byte(ev.Delta.PartialJSON)...)
				}
			case domain.EventMessageDelta:
				if msg == nil {
					continue
				}
				if ev.Delta != nil {
					msg.StopReason = ev.Delta.StopReason
					msg.StopSequence = ev.Delta.StopSequence
				}
				if ev.Usage != nil {
					msg.Usage.OutputTokens = ev.Usage.OutputTokens
					msg.Usage.Estimated = msg.Usage.Estimated || ev.Usage.Estimated
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}

	if msg == nil {
		return nil, domain.ErrUpstreamProtocol
	}
	return msg, nil
}

// CallerError reports whether the failure is the caller's own request
// being rejected, in which case falling through to another account
// would only repeat it.
func CallerError(err error) bool {
	if errors.Is(err, domain.ErrInvalidRequest) ||
		errors.Is(err, domain.ErrNoPendingInvocation) ||
		errors.Is(err, domain.ErrToolInvocationExpired) ||
		errors.Is(err, domain.ErrTooManyToolSessions) {
		return true
	}
	var se *api.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadRequest, http.StatusNotFound,
			http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
			return true
		}
	}
	return false
}
