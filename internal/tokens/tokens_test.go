package tokens

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mohammad-safakhou/scout/provider"
)

func TestEstimate(t *testing.T) {
	t.Parallel()
	if got := Estimate(""); got != 0 {
		t.Fatalf("Estimate(\"\") = %d, want 0", got)
	}
	if got := Estimate("abcd"); got != 1 {
		t.Fatalf("Estimate(4 chars) = %d, want 1", got)
	}
	if got := Estimate("abcde"); got != 2 {
		t.Fatalf("Estimate(5 chars) = %d, want 2 (rounds up)", got)
	}
}

func TestEstimateConversationOverhead(t *testing.T) {
	t.Parallel()
	msgs := []provider.ChatMessage{
		{Role: "system", Content: strings.Repeat("x", 40)},
		{Role: "user", Content: strings.Repeat("y", 40)},
	}
	// 10 tokens per message plus 4 overhead each.
	if got := EstimateConversation(msgs); got != 28 {
		t.Fatalf("EstimateConversation = %d, want 28", got)
	}
}

func TestEstimateConversationCountsToolCalls(t *testing.T) {
	t.Parallel()
	msgs := []provider.ChatMessage{
		{Role: "assistant", ToolCalls: []provider.ToolCall{
			{Name: "web_fetch", Arguments: `{"url":"https://example.com"}`},
		}},
	}
	if got := EstimateConversation(msgs); got <= 4 {
		t.Fatalf("tool call arguments must contribute tokens, got %d", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 1000)
	out := Truncate(text, 50)
	if Estimate(out) > 50 {
		t.Fatalf("truncated text estimates %d tokens, budget 50", Estimate(out))
	}
	if !strings.HasSuffix(out, "[truncated]") {
		t.Fatalf("expected truncation marker, got suffix %q", out[len(out)-20:])
	}
	if got := Truncate("short", 50); got != "short" {
		t.Fatalf("under-budget text must pass through, got %q", got)
	}
}

func TestTruncatePreservesValidUTF8(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("é", 500)
	out := Truncate(text, 50)
	if Estimate(out) > 50 {
		t.Fatalf("truncated text estimates %d tokens, budget 50", Estimate(out))
	}
	if !utf8.ValidString(out) {
		t.Fatalf("truncation split a rune: %q", out[:20])
	}
	if !strings.HasSuffix(out, "[truncated]") {
		t.Fatalf("expected truncation marker, got suffix %q", out[len(out)-20:])
	}
}
