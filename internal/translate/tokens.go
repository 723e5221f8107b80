package translate

import (
	"github.com/maragf/claude-relay/internal/domain"
)

// The web backend reports no token counts, so usage on that path is
// estimated. The heuristic is ~4 characters per token, floored at the
// word count so whitespace-heavy text is not undercounted. Callers must
// mark the resulting Usage as Estimated.

// EstimateTokens returns a heuristic token count for text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	chars := len(text)
	words := 0
	inWord := false
	for i := 0; i < chars; i++ {
		c := text[i]
		if c == ' ' || c == '\n' || c == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			words++
			inWord = true
		}
	}

	est := (chars + 3) / 4
	if est < words {
		est = words
	}
	return est
}

// EstimateRequestTokens estimates the input token count of a request by
// summing its textual content.
func EstimateRequestTokens(req *domain.MessagesRequest) int {
	total := EstimateTokens(req.System.Merged())
	for _, m := range req.Messages {
		if m.Content.IsText {
			total += EstimateTokens(m.Content.Text)
			continue
		}
		for _, b := range m.Content.Blocks {
			total += EstimateTokens(b.Text)
			total += EstimateTokens(b.Thinking)
			total += EstimateTokens(string(b.Input))
			total += EstimateTokens(string(b.Content))
		}
	}
	return total
}
