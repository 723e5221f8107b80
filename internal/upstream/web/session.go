package web

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Session is one live emulated conversation on the web backend. A
// session is either waiting on the upstream or waiting on an external
// tool result, never both; the tool coordinator enforces the handoff.
type Session struct {
	ID        string
	AccountID string

	client   *Client
	cookie   string
	orgUUID  string
	convUUID string
	paprika  string

	mu       sync.Mutex
	lastUsed time.Time
	closed   bool
}

// OpenSession creates a fresh conversation for one relay request.
func OpenSession(ctx context.Context, client *Client, accountID, cookie, orgUUID string) (*Session, error) {
	convUUID, paprika, err := client.CreateConversation(ctx, cookie, orgUUID)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:        convUUID,
		AccountID: accountID,
		client:    client,
		cookie:    cookie,
		orgUUID:   orgUUID,
		convUUID:  convUUID,
		paprika:   paprika,
		lastUsed:  time.Now(),
	}, nil
}

// EnableThinking switches the conversation into extended-thinking mode
// if it is not already there.
func (s *Session) EnableThinking(ctx context.Context) error {
	if s.paprika == "extended" {
		return nil
	}
	if err := s.client.SetPaprikaMode(ctx, s.cookie, s.orgUUID, s.convUUID, "extended"); err != nil {
		return fmt.Errorf("enable thinking mode: %w", err)
	}
	s.paprika = "extended"
	return nil
}

// UploadImage pushes one base64 image to the backend and returns the
// file handle to reference in the completion payload.
func (s *Session) UploadImage(ctx context.Context, mediaType, data string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	name := "attachment"
	switch mediaType {
	case "image/png":
		name = "attachment.png"
	case "image/jpeg":
		name = "attachment.jpg"
	case "image/gif":
		name = "attachment.gif"
	case "image/webp":
		name = "attachment.webp"
	}
	return s.client.UploadFile(ctx, s.cookie, s.orgUUID, name, mediaType, raw)
}

// Send posts one turn and returns the raw line stream.
func (s *Session) Send(ctx context.Context, payload CompletionPayload) (<-chan string, <-chan error, error) {
	s.touch()
	return s.client.SendMessage(ctx, s.cookie, s.orgUUID, s.convUUID, payload)
}

// Resume posts an external tool result into the held conversation and
// returns the continuation stream. The result travels both through the
// dedicated endpoint and as the next prompt turn; the latter is what
// reliably elicits the continuation.
func (s *Session) Resume(ctx context.Context, toolUseID, rendered string, isError bool) (<-chan string, <-chan error, error) {
	s.touch()

	err := s.client.SendToolResult(ctx, s.cookie, s.orgUUID, s.convUUID, map[string]any{
		"tool_use_id": toolUseID,
		"is_error":    isError,
	})
	if err != nil {
		// Older deployments lack the endpoint; the prompt turn below
		// still carries the result.
		slog.Debug("tool_result endpoint rejected", "conversation", s.convUUID, "error", err)
	}

	return s.client.SendMessage(ctx, s.cookie, s.orgUUID, s.convUUID, CompletionPayload{
		Prompt:      rendered,
		Attachments: []any{},
		Files:       []string{},
	})
}

// LastUsed returns the time of the session's most recent activity.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// Close deletes the backing conversation. Idempotent; deletion failures
// are logged and dropped since the backend garbage collects.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.client.DeleteConversation(ctx, s.cookie, s.orgUUID, s.convUUID); err != nil {
		slog.Debug("conversation cleanup failed", "conversation", s.convUUID, "error", err)
	}
}
