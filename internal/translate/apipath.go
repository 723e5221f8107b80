package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/maragf/claude-relay/internal/account"
	"github.com/maragf/claude-relay/internal/domain"
	"github.com/maragf/claude-relay/internal/upstream/api"
)

// APITranslator serves the native OAuth path. The wire format already
// matches the relay's schema, so translation here is credential
// management plus light request shaping.
type APITranslator struct {
	client *api.Client
	pool   *account.Pool
}

func NewAPITranslator(client *api.Client, pool *account.Pool) *APITranslator {
	return &APITranslator{client: client, pool: pool}
}

func (t *APITranslator) Path() account.Path { return account.PathAPI }

// prepare returns a usable access token, refreshing proactively when
// the current one is near expiry. A rejected refresh surfaces as
// ErrAuthenticationFailed so the tracker invalidates the account.
func (t *APITranslator) prepare(ctx context.Context, acc *account.Account) (string, error) {
	if acc.OAuth == nil || acc.OAuth.AccessToken == "" {
		return "", fmt.Errorf("%w: account %s has no oauth credential", domain.ErrAuthenticationFailed, acc.ID)
	}
	if !api.NeedsRefresh(acc.OAuth) {
		return acc.OAuth.AccessToken, nil
	}
	return t.refresh(ctx, acc)
}

func (t *APITranslator) refresh(ctx context.Context, acc *account.Account) (string, error) {
	refreshed, err := t.client.RefreshToken(ctx, acc.OAuth.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := t.pool.UpdateCredentials(ctx, acc.ID, refreshed, ""); err != nil {
		slog.Warn("failed to persist refreshed token", "account_id", acc.ID, "error", err)
	}
	acc.OAuth = refreshed
	return refreshed.AccessToken, nil
}

// outbound shapes the request for the upstream wire. The schemas match,
// so this is a shallow copy with defaults filled in.
func outbound(req *domain.MessagesRequest) *domain.MessagesRequest {
	out := *req
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096
	}
	return &out
}

func (t *APITranslator) Complete(ctx context.Context, acc *account.Account, req *domain.MessagesRequest) (*domain.Message, error) {
	token, err := t.prepare(ctx, acc)
	if err != nil {
		return nil, err
	}

	msg, err := t.client.CreateMessage(ctx, token, outbound(req))
	if err == nil {
		return msg, nil
	}

	// One retry after a mid-flight token rejection. A second 401 means
	// the refresh grant itself is stale.
	if stale(err) && acc.OAuth.RefreshToken != "" {
		if token, err = t.refresh(ctx, acc); err != nil {
			return nil, err
		}
		return t.client.CreateMessage(ctx, token, outbound(req))
	}
	return nil, err
}

func (t *APITranslator) Stream(ctx context.Context, acc *account.Account, req *domain.MessagesRequest) (<-chan domain.StreamEvent, <-chan error) {
	events := make(chan domain.StreamEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		token, err := t.prepare(ctx, acc)
		if err != nil {
			errs <- err
			return
		}

		retried := false
		for {
			failed, forwarded := t.pump(ctx, token, req, events)
			if failed == nil {
				return
			}
			if !retried && !forwarded && stale(failed) && acc.OAuth.RefreshToken != "" {
				if token, err = t.refresh(ctx, acc); err != nil {
					errs <- err
					return
				}
				retried = true
				continue
			}
			errs <- failed
			return
		}
	}()

	return events, errs
}

// pump runs one upstream streaming attempt, forwarding its events.
// Returns the attempt's error and whether anything was forwarded before
// it; a retry is only safe when nothing reached the caller.
func (t *APITranslator) pump(ctx context.Context, token string, req *domain.MessagesRequest, out chan<- domain.StreamEvent) (error, bool) {
	upEvents, upErrs := t.client.StreamMessage(ctx, token, outbound(req))

	var failed error
	forwarded := false
	for upEvents != nil || upErrs != nil {
		select {
		case ev, ok := <-upEvents:
			if !ok {
				upEvents = nil
				continue
			}
			select {
			case out <- ev:
				forwarded = true
			case <-ctx.Done():
				return ctx.Err(), forwarded
			}
		case err, ok := <-upErrs:
			if !ok {
				upErrs = nil
				continue
			}
			if err != nil {
				failed = err
			}
		case <-ctx.Done():
			return ctx.Err(), forwarded
		}
	}
	return failed, forwarded
}

// stale reports whether the error is an access-token rejection worth
// one refresh-and-retry.
func stale(err error) bool {
	var se *api.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}
