// Package tokens provides the approximate token accounting used for budget
// gating in the discovery agent. Estimates only need to be consistent across
// iterations of the same run, not exact.
package tokens

import (
	"github.com/mohammad-safakhou/scout/internal/helpers"
	"github.com/mohammad-safakhou/scout/provider"
)

// CharsPerToken is the character-proportional ratio used both for estimation
// and for truncating oversized tool results back under budget.
const CharsPerToken = 4

// messageOverhead is the fixed per-message framing cost models add per turn.
const messageOverhead = 4

// Estimate returns the approximate token count of a block of text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateConversation sums per-message token counts plus the fixed
// per-message overhead, covering tool-call arguments as well as content.
func EstimateConversation(msgs []provider.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += Estimate(m.Content)
		for _, tc := range m.ToolCalls {
			total += Estimate(tc.Name) + Estimate(tc.Arguments)
		}
		total += messageOverhead
	}
	return total
}

// Truncate cuts text down so its estimated token count does not exceed
// budget, appending a marker so the model can see material was elided.
func Truncate(text string, budget int) string {
	if Estimate(text) <= budget {
		return text
	}
	maxChars := budget * CharsPerToken
	const marker = "\n...[truncated]"
	if maxChars <= len(marker) {
		return helpers.TruncateBytes(text, maxChars)
	}
	return helpers.TruncateBytes(text, maxChars-len(marker)) + marker
}
