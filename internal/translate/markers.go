package translate

import (
	"encoding/json"
	"regexp"
	"strings"
)

// The web backend returns an undifferentiated token stream. Thinking
// segments and tool invocations are only recognizable by textual
// markers matching the protocol injected into the preamble. All marker
// fragility lives in MarkerParser; the rest of the relay deals in typed
// events only.

// FragmentKind classifies one parsed event.
type FragmentKind int

const (
	FragmentText FragmentKind = iota
	FragmentThinking
	FragmentToolUse
)

// Fragment is one typed piece of parsed upstream output.
type Fragment struct {
	Kind FragmentKind
	Text string

	// FragmentToolUse only.
	ToolName  string
	ToolInput json.RawMessage
}

// MarkerParser incrementally parses a sequence of text fragments. The
// tag set is a value, not package constants: the upstream convention
// has changed before and callers can swap in a newer version.
type MarkerParser struct {
	ThinkingOpen   string
	ThinkingClose  string
	ToolBlockOpen  string
	ToolBlockClose string

	state   parseState
	pending strings.Builder // unemitted text that may contain a partial tag
	block   strings.Builder // accumulated tool block body
}

type parseState int

const (
	stateText parseState = iota
	stateThinking
	stateToolBlock
)

// NewMarkerParser returns a parser for the current upstream convention.
func NewMarkerParser() *MarkerParser {
	return &MarkerParser{
		ThinkingOpen:   "<thinking>",
		ThinkingClose:  "</thinking>",
		ToolBlockOpen:  "<function_calls>",
		ToolBlockClose: "</function_calls>",
	}
}

var (
	invokeRe = regexp.MustCompile(`(?s)<invoke name="([^"]+)">(.*?)</invoke>`)
	paramRe  = regexp.MustCompile(`(?s)<parameter name="([^"]+)">(.*?)</parameter>`)
)

// Feed consumes one raw text fragment and returns the typed fragments
// that became unambiguous. Text that could still be the start of a
// marker is held back until the next Feed or Flush.
func (p *MarkerParser) Feed(text string) []Fragment {
	p.pending.WriteString(text)
	return p.drain(false)
}

// Flush returns everything still held back. Call once at end of stream.
// An unterminated tool block is surfaced as plain text rather than
// dropped.
func (p *MarkerParser) Flush() []Fragment {
	out := p.drain(true)
	if p.state == stateToolBlock && p.block.Len() > 0 {
		out = append(out, Fragment{Kind: FragmentText, Text: p.ToolBlockOpen + p.block.String()})
		p.block.Reset()
		p.state = stateText
	}
	if rest := p.pending.String(); rest != "" {
		kind := FragmentText
		if p.state == stateThinking {
			kind = FragmentThinking
		}
		out = append(out, Fragment{Kind: kind, Text: rest})
		p.pending.Reset()
	}
	return out
}

func (p *MarkerParser) drain(final bool) []Fragment {
	var out []Fragment

	for {
		buf := p.pending.String()
		if buf == "" {
			return out
		}

		switch p.state {
		case stateText:
			open, tag := p.nextOpenTag(buf)
			if open == -1 {
				emit := buf
				if !final {
					emit = holdBackPartial(buf, p.ThinkingOpen, p.ToolBlockOpen)
				}
				if emit == "" {
					return out
				}
				out = appendText(out, FragmentText, emit)
				p.setPending(buf[len(emit):])
				return out
			}
			if open > 0 {
				out = appendText(out, FragmentText, buf[:open])
			}
			p.setPending(buf[open+len(tag):])
			if tag == p.ThinkingOpen {
				p.state = stateThinking
			} else {
				p.state = stateToolBlock
				p.block.Reset()
			}

		case stateThinking:
			end := strings.Index(buf, p.ThinkingClose)
			if end == -1 {
				emit := buf
				if !final {
					emit = holdBackPartial(buf, p.ThinkingClose)
				}
				if emit == "" {
					return out
				}
				out = appendText(out, FragmentThinking, emit)
				p.setPending(buf[len(emit):])
				return out
			}
			if end > 0 {
				out = appendText(out, FragmentThinking, buf[:end])
			}
			p.setPending(buf[end+len(p.ThinkingClose):])
			p.state = stateText

		case stateToolBlock:
			end := strings.Index(buf, p.ToolBlockClose)
			if end == -1 {
				if final {
					p.block.WriteString(buf)
					p.setPending("")
				}
				return out
			}
			p.block.WriteString(buf[:end])
			p.setPending(buf[end+len(p.ToolBlockClose):])
			out = append(out, p.parseInvocations(p.block.String())...)
			p.block.Reset()
			p.state = stateText
		}
	}
}

// nextOpenTag finds the earliest of the two opening markers.
func (p *MarkerParser) nextOpenTag(buf string) (int, string) {
	ti := strings.Index(buf, p.ThinkingOpen)
	bi := strings.Index(buf, p.ToolBlockOpen)
	switch {
	case ti == -1 && bi == -1:
		return -1, ""
	case bi == -1 || (ti != -1 && ti < bi):
		return ti, p.ThinkingOpen
	default:
		return bi, p.ToolBlockOpen
	}
}

// parseInvocations turns one tool block body into tool-use fragments.
// A block that matches no invocation is returned as text so malformed
// output is never silently swallowed.
func (p *MarkerParser) parseInvocations(body string) []Fragment {
	matches := invokeRe.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return []Fragment{{Kind: FragmentText, Text: p.ToolBlockOpen + body + p.ToolBlockClose}}
	}

	out := make([]Fragment, 0, len(matches))
	for _, m := range matches {
		input := make(map[string]string)
		for _, pm := range paramRe.FindAllStringSubmatch(m[2], -1) {
			input[pm[1]] = pm[2]
		}
		raw, err := json.Marshal(input)
		if err != nil {
			raw = []byte("{}")
		}
		out = append(out, Fragment{
			Kind:      FragmentToolUse,
			ToolName:  m[1],
			ToolInput: raw,
		})
	}
	return out
}

func (p *MarkerParser) setPending(s string) {
	p.pending.Reset()
	p.pending.WriteString(s)
}

func appendText(out []Fragment, kind FragmentKind, text string) []Fragment {
	if text == "" {
		return out
	}
	// Merge with a preceding fragment of the same kind to keep delta
	// counts low.
	if n := len(out); n > 0 && out[n-1].Kind == kind {
		out[n-1].Text += text
		return out
	}
	return append(out, Fragment{Kind: kind, Text: text})
}

// holdBackPartial trims the longest suffix of buf that is a prefix of
// any of the given tags, so a tag split across fragments is not emitted
// as text.
func holdBackPartial(buf string, tags ...string) string {
	longest := 0
	for _, tag := range tags {
		max := len(tag) - 1
		if max > len(buf) {
			max = len(buf)
		}
		for n := max; n > longest; n-- {
			if strings.HasSuffix(buf, tag[:n]) {
				longest = n
				break
			}
		}
	}
	return buf[:len(buf)-longest]
}
