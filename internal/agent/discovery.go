// Package agent drives the LLM tool-calling loop that turns a list of
// configured sources into validated, topic-filtered discovery candidates,
// under strict batching and token-budget controls.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/scout/internal/helpers"
	"github.com/mohammad-safakhou/scout/internal/tokens"
	"github.com/mohammad-safakhou/scout/provider"
)

const (
	// DefaultBatchSize bounds per-call context and lets partial progress
	// survive a later batch failing.
	DefaultBatchSize = 3

	// DefaultMaxIterations hard-stops an agent that never converges to a
	// final answer; the batch then yields an empty result.
	DefaultMaxIterations = 15

	// DefaultContextBudget is the estimated-token ceiling before history
	// compaction kicks in.
	DefaultContextBudget = 100000

	// DefaultToolResultBudget caps one tool result so a single verbose
	// source page cannot blow the whole batch's budget.
	DefaultToolResultBudget = 20000

	// compactionKeepRecent is how many trailing messages survive a
	// compaction alongside the original task framing.
	compactionKeepRecent = 5
)

// Source is one user-configured origin to check.
type Source struct {
	Name string
	URL  string
}

// Candidate is one discovered article proposed by the agent, pre-dedup.
// Published is a best-effort YYYY-MM-DD estimate, not a verified timestamp.
type Candidate struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Published string `json:"published"`
	Source    string `json:"source"`
}

// Summary carries the aggregate counters for one discovery pass.
type Summary struct {
	SourcesChecked int `json:"sources_checked"`
	ItemsFound     int `json:"items_found"`
}

// Result is the aggregate outcome across all batches. Duplicate URLs within
// or across batches are NOT removed here; dedup against the seen-URL ledger
// is the orchestrator's job, applied after aggregation.
type Result struct {
	Discoveries []Candidate `json:"discoveries"`
	Summary     Summary     `json:"summary"`
}

// batchResult is the JSON shape the model is asked to emit per batch.
type batchResult struct {
	Discoveries []Candidate `json:"discoveries"`
	Summary     string      `json:"summary,omitempty"`
}

// ToolExecutor runs the web_fetch tool. It returns either a JSON payload or
// an "Error: ..." string in the same channel; it never fails the loop.
type ToolExecutor interface {
	ToolResult(ctx context.Context, url string) string
}

// EventSink receives structured progress events from the agent. Decoupled
// from persistence so the loop is testable without a real event store.
type EventSink interface {
	Event(stage, eventType, message string, metadata map[string]interface{})
}

// Config tunes the loop; zero values fall back to the defaults above.
type Config struct {
	Model            string
	BatchSize        int
	MaxIterations    int
	ContextBudget    int
	ToolResultBudget int
	Debug            bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = DefaultContextBudget
	}
	if c.ToolResultBudget <= 0 {
		c.ToolResultBudget = DefaultToolResultBudget
	}
	return c
}

// Discovery runs the tool-calling discovery loop.
type Discovery struct {
	llm    provider.LLMProvider
	tool   ToolExecutor
	sink   EventSink
	cfg    Config
	logger *log.Logger
}

// New wires a Discovery agent. sink may be nil.
func New(llm provider.LLMProvider, tool ToolExecutor, sink EventSink, cfg Config, logger *log.Logger) *Discovery {
	if logger == nil {
		logger = log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
	}
	return &Discovery{llm: llm, tool: tool, sink: sink, cfg: cfg.withDefaults(), logger: logger}
}

var webFetchTool = provider.Tool{
	Name:        "web_fetch",
	Description: "Fetch a source page and return candidate article links with titles and snippets.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The source page URL to fetch"}
		},
		"required": ["url"]
	}`),
}

// Run partitions sources into batches and executes the loop per batch.
// A batch failing (provider error, unparseable final answer) yields an empty
// result for that batch only; later batches always run. progress, if
// non-nil, is invoked once per source as its batch begins.
func (d *Discovery) Run(ctx context.Context, sources []Source, since time.Time, topics []string, progress func(source Source)) Result {
	agg := Result{Summary: Summary{SourcesChecked: len(sources)}}

	for start := 0; start < len(sources); start += d.cfg.BatchSize {
		end := start + d.cfg.BatchSize
		if end > len(sources) {
			end = len(sources)
		}
		batch := sources[start:end]
		for _, s := range batch {
			if progress != nil {
				progress(s)
			}
		}

		discoveries := d.runBatch(ctx, batch, since, topics)
		agg.Discoveries = append(agg.Discoveries, discoveries...)
	}

	agg.Summary.ItemsFound = len(agg.Discoveries)
	return agg
}

func (d *Discovery) runBatch(ctx context.Context, batch []Source, since time.Time, topics []string) []Candidate {
	msgs := []provider.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: taskPrompt(batch, since, topics)},
	}

	for iteration := 1; iteration <= d.cfg.MaxIterations; iteration++ {
		if est := tokens.EstimateConversation(msgs); est > d.cfg.ContextBudget {
			before := len(msgs)
			msgs = compact(msgs)
			d.emit("discovery", "stage_progress",
				fmt.Sprintf("compacted conversation history (%d -> %d messages, ~%d tokens)", before, len(msgs), est),
				nil)
		}

		resp, err := d.llm.ChatWithTools(ctx, d.cfg.Model, msgs, []provider.Tool{webFetchTool}, provider.ChatOptions{Temperature: 0.2})
		if err != nil {
			d.emit("discovery", "error", fmt.Sprintf("LLM call failed on iteration %d: %v", iteration, err), nil)
			return nil
		}

		if len(resp.ToolCalls) > 0 {
			msgs = append(msgs, provider.ChatMessage{Role: "assistant", ToolCalls: resp.ToolCalls})
			for _, tc := range resp.ToolCalls {
				msgs = append(msgs, d.execToolCall(ctx, tc))
			}
			continue
		}

		if d.cfg.Debug {
			d.emit("discovery", "stage_progress", "raw model response",
				map[string]interface{}{"iteration": iteration, "response": resp.Content})
		}

		var parsed batchResult
		if err := helpers.DecodeJSON(resp.Content, &parsed); err != nil {
			d.emit("discovery", "error",
				fmt.Sprintf("could not parse final answer after %d iterations: %v", iteration, err), nil)
			return nil
		}
		return validCandidates(parsed.Discoveries)
	}

	d.emit("discovery", "error",
		fmt.Sprintf("batch hit iteration ceiling (%d) without a final answer", d.cfg.MaxIterations), nil)
	return nil
}

// execToolCall runs web_fetch and returns the tool turn, truncating oversized
// results back under the per-tool-result token budget before they enter the
// conversation.
func (d *Discovery) execToolCall(ctx context.Context, tc provider.ToolCall) provider.ChatMessage {
	var result string
	if tc.Name != webFetchTool.Name {
		result = fmt.Sprintf("Error: unknown tool %q", tc.Name)
	} else {
		var args struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil || strings.TrimSpace(args.URL) == "" {
			result = "Error: web_fetch requires a url argument"
		} else {
			result = d.tool.ToolResult(ctx, args.URL)
		}
	}

	if est := tokens.Estimate(result); est > d.cfg.ToolResultBudget {
		result = tokens.Truncate(result, d.cfg.ToolResultBudget)
		d.emit("discovery", "stage_progress",
			fmt.Sprintf("truncated tool result (~%d tokens over budget %d)", est, d.cfg.ToolResultBudget), nil)
	}

	return provider.ChatMessage{Role: "tool", ToolCallID: tc.ID, Content: result}
}

// compact keeps the original task framing (system + task) plus the most
// recent messages, discarding the middle. Long-tail tool history is traded
// for the ability to keep going instead of failing outright.
func compact(msgs []provider.ChatMessage) []provider.ChatMessage {
	const framing = 2
	if len(msgs) <= framing+compactionKeepRecent {
		return msgs
	}
	out := make([]provider.ChatMessage, 0, framing+compactionKeepRecent)
	out = append(out, msgs[:framing]...)
	out = append(out, msgs[len(msgs)-compactionKeepRecent:]...)
	return out
}

// validCandidates drops entries the model emitted without a usable URL.
func validCandidates(in []Candidate) []Candidate {
	out := in[:0]
	for _, c := range in {
		if strings.TrimSpace(c.URL) == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (d *Discovery) emit(stage, eventType, message string, metadata map[string]interface{}) {
	d.logger.Printf("%s: %s", eventType, message)
	if d.sink != nil {
		d.sink.Event(stage, eventType, message, metadata)
	}
}

const systemPrompt = `You are a news discovery assistant. You find recently published articles from specific source sites using the web_fetch tool.

RULES:
1. Use web_fetch on each source URL you are given. You may retry a source once if the first fetch fails.
2. Only include articles that appear to be published after the given date and relevant to the given topics.
3. Estimate publication dates as YYYY-MM-DD from URL paths or link text; leave the field empty when you cannot tell.
4. Never invent URLs. Only return URLs present in tool results.

When you are done, respond ONLY with JSON in this exact shape and no other text:
{"discoveries": [{"url": "...", "title": "...", "published": "YYYY-MM-DD", "source": "source name"}], "summary": "one sentence"}`

func taskPrompt(batch []Source, since time.Time, topics []string) string {
	var b strings.Builder
	b.WriteString("Find new articles from these sources:\n")
	for _, s := range batch {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.URL)
	}
	fmt.Fprintf(&b, "\nOnly articles published after %s.\n", since.Format("2006-01-02"))
	if len(topics) > 0 {
		fmt.Fprintf(&b, "Topics of interest: %s.\n", strings.Join(topics, ", "))
	}
	b.WriteString("Fetch each source with web_fetch, then return the JSON result.")
	return b.String()
}
