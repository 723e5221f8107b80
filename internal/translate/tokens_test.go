package translate

import (
	"encoding/json"
	"testing"

	"github.com/maragf/claude-relay/internal/domain"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short word", "hi", 1},
		{"eight chars", "12345678", 2},
		{"rounds up", "123456789", 3},
		{"word floor", "a b c d e f g h", 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.text); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimateRequestTokensSumsAllContent(t *testing.T) {
	req := &domain.MessagesRequest{
		System: domain.SystemPrompt{IsText: true, Text: "be brief"},
		Messages: []domain.InputMessage{
			{Role: "user", Content: domain.MessageInput{IsText: true, Text: "hello there"}},
			{Role: "assistant", Content: domain.MessageInput{Blocks: []domain.ContentBlock{
				{Type: domain.BlockText, Text: "hi"},
				{Type: domain.BlockToolUse, Name: "f", Input: json.RawMessage(`{"x":1}`)},
			}}},
		},
	}

	got := EstimateRequestTokens(req)
	want := EstimateTokens("be brief") + EstimateTokens("hello there") +
		EstimateTokens("hi") + EstimateTokens(`{"x":1}`)
	if got != want {
		t.Errorf("EstimateRequestTokens = %d, want %d", got, want)
	}
}
