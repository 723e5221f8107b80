// Package api is the relay's inbound HTTP surface: the Messages
// endpoint, the admin account CRUD, and the operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/maragf/claude-relay/internal/account"
	"github.com/maragf/claude-relay/internal/auth"
	"github.com/maragf/claude-relay/internal/domain"
	"github.com/maragf/claude-relay/internal/health"
	"github.com/maragf/claude-relay/internal/metrics"
	"github.com/maragf/claude-relay/internal/ratelimit"
	"github.com/maragf/claude-relay/internal/telemetry"
	"github.com/maragf/claude-relay/internal/toolcall"
	"github.com/maragf/claude-relay/internal/translate"
)

type HandlerConfig struct {
	Pool         *account.Pool
	Tracker      *health.Tracker
	Translators  []translate.Translator
	Coordinator  *toolcall.Coordinator
	Keyring      *auth.Keyring
	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int
}

type handler struct {
	pool         *account.Pool
	tracker      *health.Tracker
	translators  map[account.Path]translate.Translator
	coord        *toolcall.Coordinator
	rateLimiter  ratelimit.RateLimiter
	rateLimitRPM int
}

func NewHandler(cfg HandlerConfig) http.Handler {
	h := &handler{
		pool:         cfg.Pool,
		tracker:      cfg.Tracker,
		translators:  make(map[account.Path]translate.Translator, len(cfg.Translators)),
		coord:        cfg.Coordinator,
		rateLimiter:  cfg.RateLimiter,
		rateLimitRPM: cfg.RateLimitRPM,
	}
	for _, t := range cfg.Translators {
		h.translators[t.Path()] = t
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /v1/messages", cfg.Keyring.RequireClient(http.HandlerFunc(h.handleMessages)))
	mux.Handle("POST /v1/messages/count_tokens", cfg.Keyring.RequireClient(http.HandlerFunc(h.handleCountTokens)))

	mux.Handle("GET /admin/accounts", cfg.Keyring.RequireAdmin(http.HandlerFunc(h.handleListAccounts)))
	mux.Handle("POST /admin/accounts", cfg.Keyring.RequireAdmin(http.HandlerFunc(h.handleCreateAccount)))
	mux.Handle("DELETE /admin/accounts/{id}", cfg.Keyring.RequireAdmin(http.HandlerFunc(h.handleDeleteAccount)))
	mux.Handle("GET /admin/status", cfg.Keyring.RequireAdmin(http.HandlerFunc(h.handleStatus)))

	return mux
}

func (h *handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(r.Context(), "relay.messages")
	defer span.End()

	var req domain.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	if !h.allowClient(ctx, w, r) {
		metrics.RecordRequest(req.Model, "none", "429", time.Since(start).Seconds())
		return
	}

	candidates, err := h.pool.SelectCandidates(ctx, req.Model)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no account is currently available for this model")
		metrics.RecordRequest(req.Model, "none", "503", time.Since(start).Seconds())
		return
	}

	var lastErr error
	for i, cand := range candidates {
		translator, ok := h.translators[cand.Path]
		if !ok {
			continue
		}
		telemetry.AddAttemptAttributes(span, cand.Account.ID, string(cand.Path), req.Model)
		if i > 0 {
			h.pool.Touch(cand.Account.ID, time.Now())
		}

		started, err := h.attempt(ctx, w, translator, cand, &req)
		if started || err == nil {
			// Streams that die after the response committed are not
			// successes; give them their own label.
			status := "200"
			if err != nil {
				status = "stream_error"
			}
			metrics.RecordRequest(req.Model, string(cand.Path), status, time.Since(start).Seconds())
			return
		}

		lastErr = err
		if translate.CallerError(err) {
			break
		}
		metrics.RecordFallback(string(cand.Path), outcomeLabel(err))
		slog.Warn("candidate attempt failed",
			"account_id", cand.Account.ID,
			"path", cand.Path,
			"trace_id", telemetry.GetTraceID(ctx),
			"error", err)
	}

	status := writeUpstreamError(w, lastErr)
	telemetry.AddErrorAttribute(span, lastErr)
	metrics.RecordRequest(req.Model, "none", strconv.Itoa(status), time.Since(start).Seconds())
}

// attempt runs one candidate, retrying once on a transient failure
// before giving up on it. started reports whether response bytes were
// committed; once true the caller cannot fall through.
func (h *handler) attempt(ctx context.Context, w http.ResponseWriter, translator translate.Translator, cand account.Candidate, req *domain.MessagesRequest) (bool, error) {
	retried := false
	for {
		started, err := h.attemptOnce(ctx, w, translator, cand, req)
		if err == nil || started {
			return started, err
		}

		outcome, hint := translate.Classify(err)
		if translate.CallerError(err) {
			return false, err
		}
		h.tracker.ReportOutcome(ctx, cand.Account.ID, cand.Path, outcome, hint)

		if outcome == health.OutcomeTransientError && !retried {
			retried = true
			continue
		}
		return false, err
	}
}

func (h *handler) attemptOnce(ctx context.Context, w http.ResponseWriter, translator translate.Translator, cand account.Candidate, req *domain.MessagesRequest) (bool, error) {
	if !req.Stream {
		msg, err := translator.Complete(ctx, cand.Account, req)
		if err != nil {
			return false, err
		}
		h.recordSuccess(ctx, cand, msg.Usage)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(msg)
		return true, nil
	}

	events, errs := translator.Stream(ctx, cand.Account, req)

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	started := false
	var usage domain.Usage
	flusher, _ := w.(http.Flusher)

	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !started {
				started = true
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("Connection", "keep-alive")
			}
			if ev.Type == domain.EventMessageStart && ev.Message != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
				usage.Estimated = ev.Message.Usage.Estimated
			}
			if ev.Type == domain.EventMessageDelta && ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
				usage.Estimated = usage.Estimated || ev.Usage.Estimated
			}
			writeSSE(w, flusher, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			if !started {
				return false, err
			}
			// Mid-stream failure: the status line is gone, surface an
			// error event and report the outcome.
			outcome, hint := translate.Classify(err)
			h.tracker.ReportOutcome(ctx, cand.Account.ID, cand.Path, outcome, hint)
			writeSSE(w, flusher, domain.StreamEvent{
				Type:  domain.EventError,
				Error: &domain.StreamError{Type: "api_error", Message: "upstream stream failed"},
			})
			return true, err
		case <-ctx.Done():
			return started, ctx.Err()
		}
	}

	if started {
		h.recordSuccess(ctx, cand, usage)
	}
	return started, nil
}

func (h *handler) recordSuccess(ctx context.Context, cand account.Candidate, usage domain.Usage) {
	h.tracker.ReportOutcome(ctx, cand.Account.ID, cand.Path, health.OutcomeSuccess, time.Time{})
	metrics.RecordTokens(string(cand.Path), usage.InputTokens, usage.OutputTokens, usage.Estimated)
	telemetry.AddTokenAttributes(trace.SpanFromContext(ctx), usage.InputTokens, usage.OutputTokens, usage.Estimated)
}

func (h *handler) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req domain.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"input_tokens": translate.EstimateRequestTokens(&req),
	})
}

func (h *handler) allowClient(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	if h.rateLimiter == nil || h.rateLimitRPM <= 0 {
		return true
	}
	clientID := auth.ExtractKey(r)
	if clientID == "" {
		clientID = "anonymous"
	}

	allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, clientID, h.rateLimitRPM)
	if err != nil {
		// Fail open; the limiter protects capacity, it is not auth.
		slog.Warn("rate limiter unavailable", "error", err)
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", "request rate limit exceeded")
		return false
	}
	return true
}

func validateRequest(req *domain.MessagesRequest) error {
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	if req.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	return nil
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev domain.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	if flusher != nil {
		flusher.Flush()
	}
}

// writeUpstreamError maps the final attempt error to the inbound error
// taxonomy and returns the status written.
func writeUpstreamError(w http.ResponseWriter, err error) int {
	switch {
	case err == nil:
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no candidate could serve the request")
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoPendingInvocation), errors.Is(err, domain.ErrToolInvocationExpired):
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTooManyToolSessions):
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "tool session capacity reached, retry later")
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", "all accounts exhausted their upstream quota")
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAuthenticationFailed):
		writeError(w, http.StatusBadGateway, "api_error", "upstream rejected the relay's credentials")
		return http.StatusBadGateway
	default:
		writeError(w, http.StatusBadGateway, "api_error", "upstream request failed")
		return http.StatusBadGateway
	}
}

func outcomeLabel(err error) string {
	outcome, _ := translate.Classify(err)
	return outcome.String()
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}
