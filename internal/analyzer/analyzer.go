package analyzer

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/scout/internal/helpers"
	"github.com/mohammad-safakhou/scout/provider"
)

// MaxAnalysisChars caps how much article text is sent to the model.
const MaxAnalysisChars = 15000

// Analysis is the structured extraction for one article. Every field is
// optional: the model may not be able to fill all of them, and a missing
// field is not a failure. Nil slices mean "unknown", distinct from a known
// empty list.
type Analysis struct {
	Industry         string   `json:"industry,omitempty"`
	Department       string   `json:"department,omitempty"`
	AITechnology     []string `json:"ai_technology,omitempty"`
	BusinessImpact   string   `json:"business_impact,omitempty"`
	TechnicalDetails string   `json:"technical_details,omitempty"`
	KeyInsights      []string `json:"key_insights,omitempty"`
	Summary          string   `json:"summary,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

// Config controls the analysis call.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1500
	}
	return c
}

// Analyzer turns scraped article text into an Analysis via a single
// low-temperature LLM call.
type Analyzer struct {
	llm    provider.LLMProvider
	cfg    Config
	logger *log.Logger
}

func New(llm provider.LLMProvider, cfg Config, logger *log.Logger) *Analyzer {
	if logger == nil {
		logger = log.New(log.Writer(), "[ANALYZE] ", log.LstdFlags)
	}
	return &Analyzer{llm: llm, cfg: cfg.withDefaults(), logger: logger}
}

// Analyze runs one completion over the article text and parses the
// structured answer. An answer with no JSON object is a hard error for this
// article; the caller decides how to isolate it.
func (a *Analyzer) Analyze(ctx context.Context, title, content, url string) (Analysis, error) {
	text := helpers.TruncateBytes(content, MaxAnalysisChars)

	msgs := []provider.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: taskPrompt(title, url, text)},
	}
	resp, err := a.llm.ChatWithTools(ctx, a.cfg.Model, msgs, nil, provider.ChatOptions{
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("analysis call: %w", err)
	}

	raw, err := helpers.ExtractJSON(resp.Content)
	if err != nil {
		return Analysis{}, fmt.Errorf("analysis response contained no JSON: %w", err)
	}
	return coerce(raw)
}

// coerce decodes the model's JSON field by field. A wrong-typed or missing
// field becomes absent rather than failing the whole article.
func coerce(raw string) (Analysis, error) {
	var loose map[string]interface{}
	if err := helpers.DecodeJSON(raw, &loose); err != nil {
		return Analysis{}, fmt.Errorf("decoding analysis JSON: %w", err)
	}

	var res Analysis
	res.Industry = stringField(loose, "industry")
	res.Department = stringField(loose, "department")
	res.AITechnology = stringSlice(loose["ai_technology"])
	res.BusinessImpact = stringField(loose, "business_impact")
	res.TechnicalDetails = stringField(loose, "technical_details")
	res.KeyInsights = stringSlice(loose["key_insights"])
	res.Summary = stringField(loose, "summary")
	res.Tags = stringSlice(loose["tags"])
	return res, nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// stringSlice extracts a []string from a loosely typed JSON value, skipping
// non-string elements. Anything that is not an array yields nil.
func stringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, e := range arr {
		if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

const systemPrompt = `You are an analyst extracting structured facts from one article about AI adoption in industry. Respond with a single JSON object, nothing else:
{
  "industry": "the industry vertical (e.g. healthcare, finance, retail)",
  "department": "the business function involved (e.g. marketing, operations, HR)",
  "ai_technology": ["named AI technologies or products used"],
  "business_impact": "quantifiable outcomes if stated (revenue, cost, time saved)",
  "technical_details": "implementation specifics worth knowing",
  "key_insights": ["3-5 short takeaways"],
  "summary": "2-3 sentence summary",
  "tags": ["5-7 lowercase topical tags"]
}
Omit any field you cannot determine from the text. Respond with only the JSON object.`

func taskPrompt(title, url, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", title)
	if url != "" {
		fmt.Fprintf(&b, "URL: %s\n", url)
	}
	fmt.Fprintf(&b, "\nArticle:\n%s", text)
	return b.String()
}
