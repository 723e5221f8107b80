package domain

import "encoding/json"

// MessagesRequest is the inbound Messages API request shape.
// Immutable once decoded; one instance per inbound call.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []InputMessage  `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	System        SystemPrompt    `json:"system,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
}

type InputMessage struct {
	Role    string       `json:"role"`
	Content MessageInput `json:"content"`
}

// MessageInput accepts either a bare string or a list of content blocks,
// both of which the wire format allows.
type MessageInput struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
}

func (m *MessageInput) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		m.IsText = true
		return json.Unmarshal(data, &m.Text)
	}
	m.IsText = false
	return json.Unmarshal(data, &m.Blocks)
}

func (m MessageInput) MarshalJSON() ([]byte, error) {
	if m.IsText {
		return json.Marshal(m.Text)
	}
	return json.Marshal(m.Blocks)
}

// SystemPrompt accepts either a string or a list of text blocks.
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		s.IsText = true
		return json.Unmarshal(data, &s.Text)
	}
	s.IsText = false
	return json.Unmarshal(data, &s.Blocks)
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.IsText {
		return json.Marshal(s.Text)
	}
	return json.Marshal(s.Blocks)
}

// Merged returns the system prompt as a single string.
func (s SystemPrompt) Merged() string {
	if s.IsText {
		return s.Text
	}
	var out string
	for i, b := range s.Blocks {
		if i > 0 {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

func (s SystemPrompt) Empty() bool {
	if s.IsText {
		return s.Text == ""
	}
	return len(s.Blocks) == 0
}

// ContentBlock is one element of a message's content. Type selects
// which of the remaining fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

type ImageSource struct {
	Type      string `json:"type"` // base64, url, or file
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	FileUUID  string `json:"file_uuid,omitempty"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ToolChoice struct {
	Type string `json:"type"` // auto, any, tool, none
	Name string `json:"name,omitempty"`
}

type ThinkingConfig struct {
	Type         string `json:"type"` // enabled or disabled
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Message is the response envelope.
type Message struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // always "message"
	Role         string         `json:"role"` // always "assistant"
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
)

// Usage reports token consumption. Estimated is set when the upstream
// provides no counts and the relay derived them heuristically.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// StreamEvent is one typed event of a streaming response.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	Message      *Message      `json:"message,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	Error        *StreamError  `json:"error,omitempty"`
}

const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Delta carries incremental content inside content_block_delta and
// message_delta events.
type Delta struct {
	Type        string `json:"type,omitempty"` // text_delta, thinking_delta, input_json_delta
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`

	// message_delta fields
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

type StreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
