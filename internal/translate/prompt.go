package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maragf/claude-relay/internal/domain"
)

// Outbound rendering for the web-session path. The browser backend
// takes a single prompt string per turn, so structured conversations
// are flattened into alternating role prefixes and tool traffic is
// serialized into the same textual protocol the marker parser reads
// back.

const (
	humanPrefix     = "Human: "
	assistantPrefix = "Assistant: "
)

const toolPreamble = `In this environment you have access to a set of tools you can use to answer the user's question.

You can invoke a tool by writing a block like the following as part of your reply:

<function_calls>
<invoke name="$TOOL_NAME">
<parameter name="$PARAM_NAME">$VALUE</parameter>
</invoke>
</function_calls>

String and scalar parameters should be specified as is, while lists and objects should use JSON format. The result will be returned to you inside <function_results> tags.

Here are the tools available:`

// PendingImage is an image block lifted out of the conversation for
// separate upload.
type PendingImage struct {
	MediaType string
	Data      string // base64
}

// RenderedPrompt is the flattened web-path turn.
type RenderedPrompt struct {
	Prompt string
	Images []PendingImage
}

// RenderPrompt flattens a Messages request into one prompt string.
// System text leads, then each message under its role prefix. Tool
// definitions, prior tool calls and tool results are rendered in the
// textual protocol so the upstream model sees a consistent transcript.
func RenderPrompt(req *domain.MessagesRequest) RenderedPrompt {
	var (
		sb     strings.Builder
		images []PendingImage
	)

	if sys := req.System.Merged(); sys != "" {
		sb.WriteString(sys)
		sb.WriteString("\n\n")
	}
	if len(req.Tools) > 0 {
		sb.WriteString(renderToolDefinitions(req.Tools))
		sb.WriteString("\n\n")
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			sb.WriteString(assistantPrefix)
		default:
			sb.WriteString(humanPrefix)
		}
		sb.WriteString(renderContent(m.Content, &images))
		sb.WriteString("\n\n")
	}

	return RenderedPrompt{
		Prompt: strings.TrimRight(sb.String(), "\n"),
		Images: images,
	}
}

func renderToolDefinitions(tools []domain.Tool) string {
	var sb strings.Builder
	sb.WriteString(toolPreamble)
	sb.WriteString("\n<tools>\n")
	for _, t := range tools {
		sb.WriteString("<tool_description>\n")
		fmt.Fprintf(&sb, "<tool_name>%s</tool_name>\n", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&sb, "<description>%s</description>\n", t.Description)
		}
		if len(t.InputSchema) > 0 {
			fmt.Fprintf(&sb, "<parameters>%s</parameters>\n", string(t.InputSchema))
		}
		sb.WriteString("</tool_description>\n")
	}
	sb.WriteString("</tools>")
	return sb.String()
}

func renderContent(content domain.MessageInput, images *[]PendingImage) string {
	if content.IsText {
		return content.Text
	}

	var parts []string
	for _, b := range content.Blocks {
		switch b.Type {
		case domain.BlockText:
			parts = append(parts, b.Text)
		case domain.BlockThinking:
			// Prior thinking is not replayed upstream.
		case domain.BlockImage:
			if b.Source != nil && b.Source.Data != "" {
				*images = append(*images, PendingImage{
					MediaType: b.Source.MediaType,
					Data:      b.Source.Data,
				})
			}
		case domain.BlockToolUse:
			parts = append(parts, renderToolUse(b))
		case domain.BlockToolResult:
			parts = append(parts, RenderToolResult(b))
		}
	}
	return strings.Join(parts, "\n")
}

func renderToolUse(b domain.ContentBlock) string {
	var sb strings.Builder
	sb.WriteString("<function_calls>\n")
	fmt.Fprintf(&sb, "<invoke name=%q>\n", b.Name)
	if len(b.Input) > 0 {
		fmt.Fprintf(&sb, "%s\n", string(b.Input))
	}
	sb.WriteString("</invoke>\n</function_calls>")
	return sb.String()
}

// RenderToolResult serializes one tool_result block into the textual
// protocol. Used both for transcript replay and for resuming a held
// session.
func RenderToolResult(b domain.ContentBlock) string {
	var sb strings.Builder
	sb.WriteString("<function_results>\n")
	if b.IsError {
		fmt.Fprintf(&sb, "<error>%s</error>\n", toolResultText(b))
	} else {
		fmt.Fprintf(&sb, "<result>%s</result>\n", toolResultText(b))
	}
	sb.WriteString("</function_results>")
	return sb.String()
}

func toolResultText(b domain.ContentBlock) string {
	raw := string(b.Content)
	if raw == "" {
		return ""
	}
	// Content is either a JSON string or a block list; pass structured
	// content through verbatim.
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(b.Content, &s); err == nil {
			return s
		}
	}
	return raw
}

// ToolResults extracts the tool_result blocks from the final user
// message, if any. Their presence means the caller is answering a
// pending tool invocation rather than opening a new turn.
func ToolResults(req *domain.MessagesRequest) []domain.ContentBlock {
	if len(req.Messages) == 0 {
		return nil
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content.IsText {
		return nil
	}
	var out []domain.ContentBlock
	for _, b := range last.Content.Blocks {
		if b.Type == domain.BlockToolResult {
			out = append(out, b)
		}
	}
	return out
}
