package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/maragf/claude-relay/internal/domain"
)

func TestRenderPromptFlattensRoles(t *testing.T) {
	req := &domain.MessagesRequest{
		System: domain.SystemPrompt{IsText: true, Text: "You are terse."},
		Messages: []domain.InputMessage{
			{Role: "user", Content: domain.MessageInput{IsText: true, Text: "hello"}},
			{Role: "assistant", Content: domain.MessageInput{IsText: true, Text: "hi"}},
			{Role: "user", Content: domain.MessageInput{IsText: true, Text: "more"}},
		},
	}

	got := RenderPrompt(req)

	want := "You are terse.\n\nHuman: hello\n\nAssistant: hi\n\nHuman: more"
	if got.Prompt != want {
		t.Errorf("prompt mismatch:\ngot:  %q\nwant: %q", got.Prompt, want)
	}
	if len(got.Images) != 0 {
		t.Errorf("unexpected images: %d", len(got.Images))
	}
}

func TestRenderPromptInjectsToolPreamble(t *testing.T) {
	req := &domain.MessagesRequest{
		Tools: []domain.Tool{
			{Name: "get_weather", Description: "Look up weather", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		Messages: []domain.InputMessage{
			{Role: "user", Content: domain.MessageInput{IsText: true, Text: "weather in Lisbon?"}},
		},
	}

	got := RenderPrompt(req).Prompt

	if !strings.Contains(got, "<tool_name>get_weather</tool_name>") {
		t.Errorf("tool definition missing from prompt:\n%s", got)
	}
	if !strings.Contains(got, "<function_calls>") {
		t.Errorf("invocation protocol missing from prompt:\n%s", got)
	}
	if strings.Index(got, "<tools>") > strings.Index(got, "Human:") {
		t.Errorf("tool preamble must precede the conversation:\n%s", got)
	}
}

func TestRenderPromptLiftsImages(t *testing.T) {
	req := &domain.MessagesRequest{
		Messages: []domain.InputMessage{
			{Role: "user", Content: domain.MessageInput{Blocks: []domain.ContentBlock{
				{Type: domain.BlockText, Text: "what is this?"},
				{Type: domain.BlockImage, Source: &domain.ImageSource{
					Type: "base64", MediaType: "image/png", Data: "aGVsbG8=",
				}},
			}}},
		},
	}

	got := RenderPrompt(req)

	if len(got.Images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(got.Images))
	}
	if got.Images[0].MediaType != "image/png" || got.Images[0].Data != "aGVsbG8=" {
		t.Errorf("unexpected image: %+v", got.Images[0])
	}
	if strings.Contains(got.Prompt, "aGVsbG8=") {
		t.Errorf("image data leaked into prompt: %s", got.Prompt)
	}
}

func TestRenderPromptSerializesToolTraffic(t *testing.T) {
	req := &domain.MessagesRequest{
		Messages: []domain.InputMessage{
			{Role: "assistant", Content: domain.MessageInput{Blocks: []domain.ContentBlock{
				{Type: domain.BlockToolUse, ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"Lisbon"}`)},
			}}},
			{Role: "user", Content: domain.MessageInput{Blocks: []domain.ContentBlock{
				{Type: domain.BlockToolResult, ToolUseID: "toolu_1", Content: json.RawMessage(`"22C, sunny"`)},
			}}},
		},
	}

	got := RenderPrompt(req).Prompt

	if !strings.Contains(got, `<invoke name="get_weather">`) {
		t.Errorf("tool use not serialized:\n%s", got)
	}
	if !strings.Contains(got, "<result>22C, sunny</result>") {
		t.Errorf("tool result not serialized:\n%s", got)
	}
}

func TestRenderToolResultError(t *testing.T) {
	got := RenderToolResult(domain.ContentBlock{
		Type:      domain.BlockToolResult,
		ToolUseID: "toolu_9",
		Content:   json.RawMessage(`"boom"`),
		IsError:   true,
	})

	if !strings.Contains(got, "<error>boom</error>") {
		t.Errorf("error result not tagged: %s", got)
	}
}

func TestToolResults(t *testing.T) {
	req := &domain.MessagesRequest{
		Messages: []domain.InputMessage{
			{Role: "user", Content: domain.MessageInput{IsText: true, Text: "hi"}},
			{Role: "user", Content: domain.MessageInput{Blocks: []domain.ContentBlock{
				{Type: domain.BlockText, Text: "done"},
				{Type: domain.BlockToolResult, ToolUseID: "toolu_1", Content: json.RawMessage(`"ok"`)},
			}}},
		},
	}

	got := ToolResults(req)
	if len(got) != 1 || got[0].ToolUseID != "toolu_1" {
		t.Fatalf("unexpected tool results: %+v", got)
	}

	// A plain text final turn carries no results.
	req.Messages = req.Messages[:1]
	if got := ToolResults(req); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}
