package translate

import (
	"strings"
	"testing"
)

// feedAll runs fragments through the parser and merges adjacent
// fragments of the same kind, since delta granularity is not what these
// tests assert.
func feedAll(p *MarkerParser, fragments ...string) []Fragment {
	var raw []Fragment
	for _, f := range fragments {
		raw = append(raw, p.Feed(f)...)
	}
	raw = append(raw, p.Flush()...)

	var out []Fragment
	for _, f := range raw {
		if f.Kind != FragmentToolUse && len(out) > 0 && out[len(out)-1].Kind == f.Kind {
			out[len(out)-1].Text += f.Text
			continue
		}
		out = append(out, f)
	}
	return out
}

func TestMarkerParserPlainText(t *testing.T) {
	p := NewMarkerParser()
	got := feedAll(p, "Hello, ", "world")

	if len(got) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(got))
	}
	if got[0].Kind != FragmentText || got[0].Text != "Hello, world" {
		t.Errorf("unexpected fragment: %+v", got[0])
	}
}

func TestMarkerParserThinking(t *testing.T) {
	p := NewMarkerParser()
	got := feedAll(p, "<thinking>pondering</thinking>answer")

	if len(got) != 2 {
		t.Fatalf("expected 2 fragments, got %d: %+v", len(got), got)
	}
	if got[0].Kind != FragmentThinking || got[0].Text != "pondering" {
		t.Errorf("unexpected thinking fragment: %+v", got[0])
	}
	if got[1].Kind != FragmentText || got[1].Text != "answer" {
		t.Errorf("unexpected text fragment: %+v", got[1])
	}
}

func TestMarkerParserTagSplitAcrossFragments(t *testing.T) {
	p := NewMarkerParser()
	got := feedAll(p, "before<think", "ing>deep</thi", "nking>after")

	if len(got) != 3 {
		t.Fatalf("expected 3 fragments, got %d: %+v", len(got), got)
	}
	if got[0].Text != "before" || got[0].Kind != FragmentText {
		t.Errorf("unexpected first fragment: %+v", got[0])
	}
	if got[1].Text != "deep" || got[1].Kind != FragmentThinking {
		t.Errorf("unexpected second fragment: %+v", got[1])
	}
	if got[2].Text != "after" || got[2].Kind != FragmentText {
		t.Errorf("unexpected third fragment: %+v", got[2])
	}
}

func TestMarkerParserToolInvocation(t *testing.T) {
	p := NewMarkerParser()
	block := `<function_calls>
<invoke name="get_weather">
<parameter name="city">Lisbon</parameter>
<parameter name="unit">celsius</parameter>
</invoke>
</function_calls>`

	got := feedAll(p, "Let me check. ", block)

	if len(got) != 2 {
		t.Fatalf("expected 2 fragments, got %d: %+v", len(got), got)
	}
	inv := got[1]
	if inv.Kind != FragmentToolUse {
		t.Fatalf("expected tool use, got %+v", inv)
	}
	if inv.ToolName != "get_weather" {
		t.Errorf("expected tool get_weather, got %s", inv.ToolName)
	}
	input := string(inv.ToolInput)
	if !strings.Contains(input, `"city":"Lisbon"`) || !strings.Contains(input, `"unit":"celsius"`) {
		t.Errorf("unexpected tool input: %s", input)
	}
}

func TestMarkerParserMultipleInvocations(t *testing.T) {
	p := NewMarkerParser()
	block := `<function_calls>
<invoke name="first">
<parameter name="a">1</parameter>
</invoke>
<invoke name="second">
<parameter name="b">2</parameter>
</invoke>
</function_calls>`

	got := feedAll(p, block)

	if len(got) != 2 {
		t.Fatalf("expected 2 invocations, got %d: %+v", len(got), got)
	}
	if got[0].ToolName != "first" || got[1].ToolName != "second" {
		t.Errorf("unexpected invocation order: %s, %s", got[0].ToolName, got[1].ToolName)
	}
}

func TestMarkerParserMalformedBlockSurfacesAsText(t *testing.T) {
	p := NewMarkerParser()
	got := feedAll(p, "<function_calls>not a real invocation</function_calls>")

	if len(got) != 1 || got[0].Kind != FragmentText {
		t.Fatalf("expected malformed block as text, got %+v", got)
	}
	if !strings.Contains(got[0].Text, "not a real invocation") {
		t.Errorf("malformed body dropped: %q", got[0].Text)
	}
}

func TestMarkerParserUnterminatedToolBlock(t *testing.T) {
	p := NewMarkerParser()
	got := feedAll(p, "<function_calls><invoke name=\"x\">")

	if len(got) != 1 || got[0].Kind != FragmentText {
		t.Fatalf("expected unterminated block as text, got %+v", got)
	}
	if !strings.Contains(got[0].Text, "<function_calls>") {
		t.Errorf("opening marker dropped: %q", got[0].Text)
	}
}

func TestMarkerParserStreamingDeltasBeforeTag(t *testing.T) {
	p := NewMarkerParser()

	// Text before a potential tag prefix must flow immediately; only
	// the ambiguous suffix is held back.
	got := p.Feed("some output <")
	if len(got) != 1 || got[0].Text != "some output " {
		t.Fatalf("expected held-back partial tag, got %+v", got)
	}

	got = p.Feed("= 5 is fine")
	if len(got) != 1 || got[0].Text != "<= 5 is fine" {
		t.Fatalf("expected non-tag text released, got %+v", got)
	}
}

func TestMarkerParserCustomTags(t *testing.T) {
	p := &MarkerParser{
		ThinkingOpen:   "[[think]]",
		ThinkingClose:  "[[/think]]",
		ToolBlockOpen:  "[[calls]]",
		ToolBlockClose: "[[/calls]]",
	}

	got := feedAll(p, "[[think]]hm[[/think]]ok")
	if len(got) != 2 || got[0].Kind != FragmentThinking || got[1].Text != "ok" {
		t.Fatalf("custom tags not honored: %+v", got)
	}
}
