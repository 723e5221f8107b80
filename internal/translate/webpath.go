package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/maragf/claude-relay/internal/account"
	"github.com/maragf/claude-relay/internal/domain"
	"github.com/maragf/claude-relay/internal/toolcall"
	"github.com/maragf/claude-relay/internal/upstream/web"
)

// WebTranslator serves the cookie-emulated path: it flattens the
// request into a browser conversation turn, parses the raw token
// stream back into standardized events, and hands sessions that
// surfaced tool invocations to the coordinator instead of closing them.
type WebTranslator struct {
	client *web.Client
	coord  *toolcall.Coordinator

	// NewParser builds the marker parser per stream; swap it when the
	// upstream convention moves.
	NewParser func() *MarkerParser

	// PreserveConversations leaves finished conversations on the
	// backend instead of deleting them, for debugging.
	PreserveConversations bool
}

func NewWebTranslator(client *web.Client, coord *toolcall.Coordinator) *WebTranslator {
	return &WebTranslator{
		client:    client,
		coord:     coord,
		NewParser: NewMarkerParser,
	}
}

func (t *WebTranslator) Path() account.Path { return account.PathWebSession }

func (t *WebTranslator) Stream(ctx context.Context, acc *account.Account, req *domain.MessagesRequest) (<-chan domain.StreamEvent, <-chan error) {
	events := make(chan domain.StreamEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		sess, lines, lineErrs, err := t.open(ctx, acc, req)
		if err != nil {
			errs <- err
			return
		}
		t.run(ctx, sess, req, lines, lineErrs, events, errs)
	}()

	return events, errs
}

// open either resumes a held session with the request's tool results or
// starts a fresh conversation. Tool results whose invocation is no
// longer held fall back to a fresh conversation carrying the full
// transcript, tool results included.
func (t *WebTranslator) open(ctx context.Context, acc *account.Account, req *domain.MessagesRequest) (*web.Session, <-chan string, <-chan error, error) {
	if results := ToolResults(req); len(results) > 0 && t.coord != nil {
		sess, err := t.coord.Claim(results[0].ToolUseID)
		switch {
		case err == nil:
			rendered := make([]string, 0, len(results))
			anyError := false
			for _, r := range results {
				rendered = append(rendered, RenderToolResult(r))
				anyError = anyError || r.IsError
			}
			lines, lineErrs, err := sess.Resume(ctx, results[0].ToolUseID, strings.Join(rendered, "\n"), anyError)
			if err != nil {
				sess.Close(context.WithoutCancel(ctx))
				return nil, nil, nil, err
			}
			return sess, lines, lineErrs, nil
		case errors.Is(err, domain.ErrNoPendingInvocation):
			// Hold expired or relay restarted; replay the transcript in
			// a new conversation instead of failing the caller.
			slog.Debug("no held session for tool result, replaying transcript",
				"tool_use_id", results[0].ToolUseID)
		default:
			return nil, nil, nil, err
		}
	}

	sess, err := web.OpenSession(ctx, t.client, acc.ID, acc.Cookie, acc.OrgUUID)
	if err != nil {
		return nil, nil, nil, err
	}

	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		if err := sess.EnableThinking(ctx); err != nil {
			// Degrades to a non-thinking response.
			slog.Warn("thinking mode unavailable", "account_id", acc.ID, "error", err)
		}
	}

	rendered := RenderPrompt(req)
	files := make([]string, 0, len(rendered.Images))
	for _, img := range rendered.Images {
		fileUUID, err := sess.UploadImage(ctx, img.MediaType, img.Data)
		if err != nil {
			sess.Close(context.WithoutCancel(ctx))
			return nil, nil, nil, fmt.Errorf("upload attachment: %w", err)
		}
		files = append(files, fileUUID)
	}

	lines, lineErrs, err := sess.Send(ctx, web.CompletionPayload{
		Prompt:            rendered.Prompt,
		Attachments:       []any{},
		Files:             files,
		Model:             req.Model,
		MaxTokensToSample: req.MaxTokens,
	})
	if err != nil {
		sess.Close(context.WithoutCancel(ctx))
		return nil, nil, nil, err
	}
	return sess, lines, lineErrs, nil
}

// run consumes the raw line stream and emits standardized events.
func (t *WebTranslator) run(ctx context.Context, sess *web.Session, req *domain.MessagesRequest, lines <-chan string, lineErrs <-chan error, events chan<- domain.StreamEvent, errs chan<- error) {
	em := &emitter{ctx: ctx, out: events, index: -1, stopSequences: req.StopSequences}
	parser := t.NewParser()

	inputTokens := EstimateRequestTokens(req)
	if !em.send(domain.StreamEvent{
		Type: domain.EventMessageStart,
		Message: &domain.Message{
			ID:      "msg_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
			Type:    "message",
			Role:    "assistant",
			Model:   req.Model,
			Content: []domain.ContentBlock{},
			Usage:   domain.Usage{InputTokens: inputTokens, Estimated: true},
		},
	}) {
		sess.Close(context.WithoutCancel(ctx))
		return
	}

	var streamErr error
	for lines != nil || lineErrs != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			text, err := parseStreamLine(line)
			if err != nil {
				streamErr = err
				continue
			}
			if text == "" {
				continue
			}
			if !em.emitAll(parser.Feed(text)) {
				sess.Close(context.WithoutCancel(ctx))
				return
			}
		case err, ok := <-lineErrs:
			if !ok {
				lineErrs = nil
				continue
			}
			if err != nil {
				streamErr = err
			}
		case <-ctx.Done():
			t.abort(ctx, sess)
			return
		}
	}

	if streamErr != nil {
		sess.Close(context.WithoutCancel(ctx))
		errs <- streamErr
		return
	}

	if !em.emitAll(parser.Flush()) || !em.flushHeld() || !em.closeBlock() {
		sess.Close(context.WithoutCancel(ctx))
		return
	}

	// A matched stop sequence truncates the turn; the conversation is
	// done even if the dropped tail carried tool invocations.
	if em.stopHit != "" {
		em.finish(domain.StopStopSequence)
		if !t.PreserveConversations {
			sess.Close(context.WithoutCancel(ctx))
		}
		return
	}

	if len(em.invocations) > 0 {
		if err := t.coord.Hold(sess, em.invocations); err != nil {
			sess.Close(context.WithoutCancel(ctx))
			errs <- err
			return
		}
		em.finish(domain.StopToolUse)
		return
	}

	em.finish(domain.StopEndTurn)
	if !t.PreserveConversations {
		sess.Close(context.WithoutCancel(ctx))
	}
}

// abort handles caller disconnect mid-stream. The session has not been
// handed to the coordinator yet, so it is torn down promptly; sessions
// already held for a tool result are unaffected by disconnects.
func (t *WebTranslator) abort(ctx context.Context, sess *web.Session) {
	sess.Close(context.WithoutCancel(ctx))
}

func (t *WebTranslator) Complete(ctx context.Context, acc *account.Account, req *domain.MessagesRequest) (*domain.Message, error) {
	events, errs := t.Stream(ctx, acc, req)
	return FoldStream(events, errs)
}

// parseStreamLine extracts the completion text from one SSE line. Lines
// that are not data frames yield empty text.
func parseStreamLine(line string) (string, error) {
	if !strings.HasPrefix(line, "data:") {
		return "", nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == "[DONE]" {
		return "", nil
	}

	var frame struct {
		Completion string `json:"completion"`
		Error      *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		// Unknown frame shapes are skipped, not fatal.
		return "", nil
	}
	if frame.Error != nil {
		return "", fmt.Errorf("%w: stream error: type=%s message=%s",
			domain.ErrUpstreamProtocol, frame.Error.Type, frame.Error.Message)
	}
	return frame.Completion, nil
}

// emitter turns parsed fragments into content-block events, tracking
// the open block and accumulated output. Text deltas are scanned for
// the request's stop sequences; everything past the earliest match is
// truncated.
type emitter struct {
	ctx context.Context
	out chan<- domain.StreamEvent

	index       int // index of the open block, -1 when none
	kind        FragmentKind
	output      strings.Builder
	invocations []toolcall.Invocation
	nextIndex   int

	stopSequences []string
	heldText      string // tail withheld because it may begin a stop sequence
	stopHit       string // matched sequence, "" until one is found
}

func (e *emitter) send(ev domain.StreamEvent) bool {
	select {
	case e.out <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *emitter) emitAll(fragments []Fragment) bool {
	for _, f := range fragments {
		if !e.emit(f) {
			return false
		}
	}
	return true
}

func (e *emitter) emit(f Fragment) bool {
	if e.stopHit != "" {
		return true
	}

	switch f.Kind {
	case FragmentText:
		if len(e.stopSequences) > 0 {
			return e.scanText(f.Text)
		}
		return e.deliver(FragmentText, f.Text)

	case FragmentThinking:
		if !e.flushHeld() {
			return false
		}
		return e.deliver(FragmentThinking, f.Text)

	case FragmentToolUse:
		if !e.flushHeld() {
			return false
		}
		if !e.closeBlock() {
			return false
		}
		e.output.Write(f.ToolInput)
		inv := toolcall.Invocation{
			ID:       "toolu_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
			ToolName: f.ToolName,
			Input:    f.ToolInput,
		}
		e.invocations = append(e.invocations, inv)

		idx := e.nextIndex
		e.nextIndex++
		ok := e.send(domain.StreamEvent{
			Type:  domain.EventContentBlockStart,
			Index: idx,
			ContentBlock: &domain.ContentBlock{
				Type: domain.BlockToolUse,
				ID:   inv.ID,
				Name: inv.ToolName,
			},
		})
		ok = ok && e.send(domain.StreamEvent{
			Type:  domain.EventContentBlockDelta,
			Index: idx,
			Delta: &domain.Delta{Type: "input_json_delta", PartialJSON: string(f.ToolInput)},
		})
		return ok && e.send(domain.StreamEvent{
			Type:  domain.EventContentBlockStop,
			Index: idx,
		})
	}
	return true
}

// deliver opens or switches the content block as needed and sends one
// delta of text.
func (e *emitter) deliver(kind FragmentKind, text string) bool {
	if text == "" {
		return true
	}
	e.output.WriteString(text)

	if e.index >= 0 && e.kind != kind {
		if !e.closeBlock() {
			return false
		}
	}
	if e.index < 0 {
		block := domain.ContentBlock{Type: domain.BlockText}
		if kind == FragmentThinking {
			block.Type = domain.BlockThinking
		}
		e.index = e.nextIndex
		e.nextIndex++
		e.kind = kind
		if !e.send(domain.StreamEvent{
			Type:         domain.EventContentBlockStart,
			Index:        e.index,
			ContentBlock: &block,
		}) {
			return false
		}
	}

	delta := &domain.Delta{Type: "text_delta", Text: text}
	if kind == FragmentThinking {
		delta = &domain.Delta{Type: "thinking_delta", Thinking: text}
	}
	return e.send(domain.StreamEvent{
		Type:  domain.EventContentBlockDelta,
		Index: e.index,
		Delta: delta,
	})
}

// scanText forwards text up to the earliest stop sequence. A tail that
// could still begin a sequence is withheld until the next fragment
// resolves it, so matches split across stream chunks are caught.
func (e *emitter) scanText(text string) bool {
	buf := e.heldText + text
	e.heldText = ""

	if idx, seq := earliestStop(buf, e.stopSequences); idx >= 0 {
		e.stopHit = seq
		return e.deliver(FragmentText, buf[:idx])
	}

	hold := stopPrefixLen(buf, e.stopSequences)
	e.heldText = buf[len(buf)-hold:]
	return e.deliver(FragmentText, buf[:len(buf)-hold])
}

// flushHeld releases withheld text once it can no longer complete a
// stop sequence, such as at a block boundary or end of stream.
func (e *emitter) flushHeld() bool {
	if e.heldText == "" {
		return true
	}
	text := e.heldText
	e.heldText = ""
	return e.deliver(FragmentText, text)
}

func earliestStop(s string, seqs []string) (int, string) {
	best, hit := -1, ""
	for _, seq := range seqs {
		if seq == "" {
			continue
		}
		if i := strings.Index(s, seq); i >= 0 && (best < 0 || i < best) {
			best, hit = i, seq
		}
	}
	return best, hit
}

// stopPrefixLen returns the length of the longest suffix of s that is a
// proper prefix of any sequence.
func stopPrefixLen(s string, seqs []string) int {
	longest := 0
	for _, seq := range seqs {
		limit := len(seq) - 1
		if limit > len(s) {
			limit = len(s)
		}
		for n := limit; n > longest; n-- {
			if strings.HasSuffix(s, seq[:n]) {
				longest = n
				break
			}
		}
	}
	return longest
}

func (e *emitter) closeBlock() bool {
	if e.index < 0 {
		return true
	}
	idx := e.index
	e.index = -1
	return e.send(domain.StreamEvent{Type: domain.EventContentBlockStop, Index: idx})
}

func (e *emitter) finish(stopReason string) {
	usage := &domain.Usage{OutputTokens: EstimateTokens(e.output.String()), Estimated: true}
	delta := &domain.Delta{StopReason: stopReason}
	if stopReason == domain.StopStopSequence {
		delta.StopSequence = e.stopHit
	}
	e.send(domain.StreamEvent{
		Type:  domain.EventMessageDelta,
		Delta: delta,
		Usage: usage,
	})
	e.send(domain.StreamEvent{Type: domain.EventMessageStop})
}
