// Package web emulates the provider's browser conversation endpoints:
// conversation creation, message posting, file upload, tool results and
// incremental reads. The endpoint protocol is reverse engineered and
// may change without notice; everything fragile stays behind Client.
package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maragf/claude-relay/internal/domain"
	"github.com/maragf/claude-relay/internal/httputil"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://claude.ai"
	}
	// Redirects mean a challenge page, not content; surface them as
	// BlockedError instead of following.
	client := httputil.StreamingClient()
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// QuotaExceededError is the backend's rate-limit signal. ResetsAt may
// be zero when the error body carried no hint.
type QuotaExceededError struct {
	ResetsAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("web backend quota exceeded, resets at %s", e.ResetsAt.Format(time.RFC3339))
}

func (e *QuotaExceededError) Unwrap() error { return domain.ErrQuotaExceeded }

// AccountDisabledError means the organization behind the cookie was
// disabled; the credential is dead.
type AccountDisabledError struct{}

func (e *AccountDisabledError) Error() string { return "organization has been disabled" }

func (e *AccountDisabledError) Unwrap() error { return domain.ErrAuthenticationFailed }

// BlockedError covers challenge/redirect responses from the edge.
type BlockedError struct{ StatusCode int }

func (e *BlockedError) Error() string {
	return fmt.Sprintf("web backend blocked request: status=%d", e.StatusCode)
}

func (c *Client) headers(cookie, convUUID string) http.Header {
	h := http.Header{}
	h.Set("Accept", "text/event-stream")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Cache-Control", "no-cache")
	h.Set("Cookie", cookie)
	h.Set("Origin", c.baseURL)
	h.Set("User-Agent", userAgent)
	if convUUID != "" {
		h.Set("Referer", c.baseURL+"/chat/"+convUUID)
	} else {
		h.Set("Referer", c.baseURL+"/new")
	}
	return h
}

func (c *Client) do(ctx context.Context, method, url, cookie, convUUID string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = c.headers(cookie, convUUID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusForbidden {
		return nil, &BlockedError{StatusCode: resp.StatusCode}
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	errType, errMessage := parseErrorBody(raw)

	if resp.StatusCode == http.StatusBadRequest && errMessage == "This organization has been disabled." {
		return nil, &AccountDisabledError{}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &QuotaExceededError{ResetsAt: parseResetsAt(errMessage)}
	}

	return nil, fmt.Errorf("%w: status=%d type=%s message=%s",
		domain.ErrUpstreamProtocol, resp.StatusCode, errType, errMessage)
}

func parseErrorBody(raw []byte) (errType, errMessage string) {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Message == "" {
		return "unknown", strings.TrimSpace(string(raw))
	}
	return body.Error.Type, body.Error.Message
}

// parseResetsAt extracts the resetsAt unix timestamp the backend embeds
// as JSON inside the 429 error message.
func parseResetsAt(message string) time.Time {
	var hint struct {
		ResetsAt int64 `json:"resetsAt"`
	}
	if err := json.Unmarshal([]byte(message), &hint); err != nil || hint.ResetsAt == 0 {
		return time.Time{}
	}
	return time.Unix(hint.ResetsAt, 0).UTC()
}

// CreateConversation opens a new conversation and returns its uuid and
// the backend's thinking-mode setting for it.
func (c *Client) CreateConversation(ctx context.Context, cookie, orgUUID string) (convUUID, paprikaMode string, err error) {
	url := fmt.Sprintf("%s/api/organizations/%s/chat_conversations", c.baseURL, orgUUID)

	payload, err := json.Marshal(map[string]string{
		"uuid": uuid.New().String(),
		"name": "",
	})
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, url, cookie, "", bytes.NewReader(payload), "application/json")
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var data struct {
		UUID     string `json:"uuid"`
		Settings struct {
			PaprikaMode string `json:"paprika_mode"`
		} `json:"settings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", "", fmt.Errorf("%w: decode conversation: %v", domain.ErrUpstreamProtocol, err)
	}
	if data.UUID == "" {
		return "", "", fmt.Errorf("%w: conversation response missing uuid", domain.ErrUpstreamProtocol)
	}
	return data.UUID, data.Settings.PaprikaMode, nil
}

// SetPaprikaMode toggles the conversation's extended-thinking mode.
func (c *Client) SetPaprikaMode(ctx context.Context, cookie, orgUUID, convUUID, mode string) error {
	url := fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s", c.baseURL, orgUUID, convUUID)

	payload, err := json.Marshal(map[string]any{
		"settings": map[string]any{"paprika_mode": mode},
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPut, url, cookie, convUUID, bytes.NewReader(payload), "application/json")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// CompletionPayload is the turn payload posted to a conversation.
type CompletionPayload struct {
	Prompt            string   `json:"prompt"`
	Attachments       []any    `json:"attachments"`
	Files             []string `json:"files"`
	Model             string   `json:"model,omitempty"`
	MaxTokensToSample int      `json:"max_tokens_to_sample,omitempty"`
}

// SendMessage posts one turn and returns the raw SSE line stream. The
// caller owns the returned channel's lifetime through ctx.
func (c *Client) SendMessage(ctx context.Context, cookie, orgUUID, convUUID string, payload CompletionPayload) (<-chan string, <-chan error, error) {
	url := fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s/completion", c.baseURL, orgUUID, convUUID)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, url, cookie, convUUID, bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, nil, err
	}

	lines := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(lines)
		defer close(errs)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("read stream: %w", err)
		}
	}()

	return lines, errs, nil
}

// SendToolResult posts an externally supplied tool result back into a
// held conversation.
func (c *Client) SendToolResult(ctx context.Context, cookie, orgUUID, convUUID string, payload map[string]any) error {
	url := fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s/tool_result", c.baseURL, orgUUID, convUUID)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, url, cookie, convUUID, bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// UploadFile uploads attachment bytes and returns the file handle the
// completion payload references.
func (c *Client) UploadFile(ctx context.Context, cookie, orgUUID, filename, contentType string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	url := fmt.Sprintf("%s/api/%s/upload", c.baseURL, orgUUID)
	resp, err := c.do(ctx, http.MethodPost, url, cookie, "", &buf, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		FileUUID string `json:"file_uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode upload response: %v", domain.ErrUpstreamProtocol, err)
	}
	return out.FileUUID, nil
}

// DeleteConversation removes a finished conversation. Failures are not
// fatal; the backend garbage collects eventually.
func (c *Client) DeleteConversation(ctx context.Context, cookie, orgUUID, convUUID string) error {
	if convUUID == "" {
		return nil
	}
	url := fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s", c.baseURL, orgUUID, convUUID)
	resp, err := c.do(ctx, http.MethodDelete, url, cookie, convUUID, nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
