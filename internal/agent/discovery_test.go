package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/scout/internal/tokens"
	"github.com/mohammad-safakhou/scout/provider"
)

// scriptedLLM replays a fixed sequence of responses/errors, recording the
// conversations it was called with.
type scriptedLLM struct {
	responses []provider.ChatResponse
	errs      []error
	calls     [][]provider.ChatMessage
}

func (s *scriptedLLM) ChatWithTools(_ context.Context, _ string, msgs []provider.ChatMessage, _ []provider.Tool, _ provider.ChatOptions) (provider.ChatResponse, error) {
	idx := len(s.calls)
	s.calls = append(s.calls, append([]provider.ChatMessage(nil), msgs...))
	if idx < len(s.errs) && s.errs[idx] != nil {
		return provider.ChatResponse{}, s.errs[idx]
	}
	if idx >= len(s.responses) {
		return s.responses[len(s.responses)-1], nil
	}
	return s.responses[idx], nil
}

type stubTool struct {
	result string
	urls   []string
}

func (s *stubTool) ToolResult(_ context.Context, url string) string {
	s.urls = append(s.urls, url)
	return s.result
}

func toolCallResp(id, url string) provider.ChatResponse {
	return provider.ChatResponse{ToolCalls: []provider.ToolCall{
		{ID: id, Name: "web_fetch", Arguments: fmt.Sprintf(`{"url":%q}`, url)},
	}}
}

func finalResp(jsonText string) provider.ChatResponse {
	return provider.ChatResponse{Content: jsonText}
}

var testSources = []Source{
	{Name: "Example", URL: "https://example.com/news"},
	{Name: "Other", URL: "https://other.com/blog"},
}

func TestRunHappyPath(t *testing.T) {
	llm := &scriptedLLM{responses: []provider.ChatResponse{
		toolCallResp("c1", "https://example.com/news"),
		finalResp(`{"discoveries":[{"url":"https://example.com/article/1","title":"One","published":"2026-08-20","source":"Example"}],"summary":"found one"}`),
	}}
	tool := &stubTool{result: `{"url":"https://example.com/news","articles":[],"count":0}`}

	d := New(llm, tool, nil, Config{Model: "test-model"}, nil)
	res := d.Run(context.Background(), testSources, time.Now().AddDate(0, 0, -7), []string{"AI"}, nil)

	if res.Summary.SourcesChecked != 2 {
		t.Fatalf("sources_checked = %d, want 2", res.Summary.SourcesChecked)
	}
	if res.Summary.ItemsFound != 1 || len(res.Discoveries) != 1 {
		t.Fatalf("expected 1 discovery, got %+v", res)
	}
	if res.Discoveries[0].URL != "https://example.com/article/1" {
		t.Fatalf("unexpected candidate: %+v", res.Discoveries[0])
	}
	if len(tool.urls) != 1 || tool.urls[0] != "https://example.com/news" {
		t.Fatalf("tool should have been invoked for the source page, got %v", tool.urls)
	}
}

func TestIterationCeiling(t *testing.T) {
	// A model that always calls the tool must terminate at the cap with an
	// empty batch, not hang or error.
	llm := &scriptedLLM{responses: []provider.ChatResponse{
		toolCallResp("loop", "https://example.com/news"),
	}}
	tool := &stubTool{result: `{"articles":[],"count":0}`}

	d := New(llm, tool, nil, Config{Model: "m", MaxIterations: 15}, nil)
	res := d.Run(context.Background(), testSources[:1], time.Now(), nil, nil)

	if len(res.Discoveries) != 0 {
		t.Fatalf("expected empty discoveries at ceiling, got %+v", res.Discoveries)
	}
	if res.Summary.SourcesChecked != 1 || res.Summary.ItemsFound != 0 {
		t.Fatalf("unexpected summary: %+v", res.Summary)
	}
	if len(llm.calls) != 15 {
		t.Fatalf("expected exactly 15 iterations, got %d", len(llm.calls))
	}
}

func TestToolResultTruncation(t *testing.T) {
	budget := 100
	huge := strings.Repeat("x", 500000) // ~125k tokens
	llm := &scriptedLLM{responses: []provider.ChatResponse{
		toolCallResp("t1", "https://example.com/news"),
		finalResp(`{"discoveries":[]}`),
	}}
	tool := &stubTool{result: huge}

	d := New(llm, tool, nil, Config{Model: "m", ToolResultBudget: budget}, nil)
	d.Run(context.Background(), testSources[:1], time.Now(), nil, nil)

	if len(llm.calls) < 2 {
		t.Fatalf("expected a second call carrying the tool result")
	}
	second := llm.calls[1]
	toolMsg := second[len(second)-1]
	if toolMsg.Role != "tool" {
		t.Fatalf("last message should be the tool result, got role %q", toolMsg.Role)
	}
	if est := tokens.Estimate(toolMsg.Content); est > budget {
		t.Fatalf("tool result estimates %d tokens, budget %d", est, budget)
	}
}

func TestHistoryCompaction(t *testing.T) {
	// Force an over-budget conversation by having many tool exchanges with a
	// tiny context budget; the next call must see system+task plus 5 recent.
	responses := make([]provider.ChatResponse, 0, 10)
	for i := 0; i < 9; i++ {
		responses = append(responses, toolCallResp(fmt.Sprintf("c%d", i), "https://example.com/news"))
	}
	responses = append(responses, finalResp(`{"discoveries":[]}`))
	llm := &scriptedLLM{responses: responses}
	tool := &stubTool{result: strings.Repeat("data ", 200)}

	d := New(llm, tool, nil, Config{Model: "m", ContextBudget: 600, MaxIterations: 15}, nil)
	d.Run(context.Background(), testSources[:1], time.Now(), nil, nil)

	last := llm.calls[len(llm.calls)-1]
	if len(last) > 2+5 {
		t.Fatalf("conversation not compacted: %d messages", len(last))
	}
	if last[0].Role != "system" || last[1].Role != "user" {
		t.Fatalf("compaction must preserve task framing, got %q/%q", last[0].Role, last[1].Role)
	}
}

func TestParseFailureYieldsEmptyBatch(t *testing.T) {
	llm := &scriptedLLM{responses: []provider.ChatResponse{
		finalResp("I could not find anything, sorry!"),
	}}
	d := New(llm, &stubTool{}, nil, Config{Model: "m"}, nil)
	res := d.Run(context.Background(), testSources[:1], time.Now(), nil, nil)
	if len(res.Discoveries) != 0 {
		t.Fatalf("unparseable answer must yield empty batch, got %+v", res.Discoveries)
	}
}

func TestBatchIsolation(t *testing.T) {
	// Four sources with batch size 3 -> two batches. The first batch's LLM
	// call fails; the second must still run and return its discoveries.
	llm := &scriptedLLM{
		errs: []error{errors.New("provider exploded")},
		responses: []provider.ChatResponse{
			{}, // consumed by the erroring call
			finalResp(`{"discoveries":[{"url":"https://d.com/article/9","title":"Nine","source":"D"}]}`),
		},
	}
	sources := []Source{
		{Name: "A", URL: "https://a.com"},
		{Name: "B", URL: "https://b.com"},
		{Name: "C", URL: "https://c.com"},
		{Name: "D", URL: "https://d.com"},
	}
	d := New(llm, &stubTool{}, nil, Config{Model: "m", BatchSize: 3}, nil)
	res := d.Run(context.Background(), sources, time.Now(), nil, nil)

	if res.Summary.SourcesChecked != 4 {
		t.Fatalf("sources_checked = %d, want 4", res.Summary.SourcesChecked)
	}
	if len(res.Discoveries) != 1 || res.Discoveries[0].URL != "https://d.com/article/9" {
		t.Fatalf("second batch should survive first batch failure, got %+v", res.Discoveries)
	}
}

func TestProgressCallback(t *testing.T) {
	llm := &scriptedLLM{responses: []provider.ChatResponse{finalResp(`{"discoveries":[]}`)}}
	d := New(llm, &stubTool{}, nil, Config{Model: "m"}, nil)

	var seen []string
	d.Run(context.Background(), testSources, time.Now(), nil, func(s Source) { seen = append(seen, s.Name) })
	if len(seen) != 2 || seen[0] != "Example" || seen[1] != "Other" {
		t.Fatalf("progress callback mismatch: %v", seen)
	}
}

func TestCandidatesWithoutURLDropped(t *testing.T) {
	llm := &scriptedLLM{responses: []provider.ChatResponse{
		finalResp(`{"discoveries":[{"title":"no url"},{"url":"https://e.com/article/1","title":"ok"}]}`),
	}}
	d := New(llm, &stubTool{}, nil, Config{Model: "m"}, nil)
	res := d.Run(context.Background(), testSources[:1], time.Now(), nil, nil)
	if len(res.Discoveries) != 1 || res.Discoveries[0].Title != "ok" {
		t.Fatalf("candidates without URLs must be dropped: %+v", res.Discoveries)
	}
}
