// Package scraper extracts cleaned main-body text from article pages. The
// 200-character minimum is a hard quality gate, not a soft warning: analysis
// on near-empty text produces low-value hallucinated output downstream.
package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/scout/internal/helpers"
)

const (
	// MaxContentChars bounds downstream LLM cost; the tail is cut, not summarised.
	MaxContentChars = 40000

	// MinContentChars is the canonical quality gate on extracted text.
	MinContentChars = 200

	defaultTimeout = 65 * time.Second
)

// contentSelectors are tried in order when readability yields too little;
// whole-body text is the last resort.
var contentSelectors = []string{
	"article",
	"main",
	"[role=main]",
	".article-body",
	".post-content",
	".entry-content",
	"#content",
}

// strippedElements never contain article body text.
const strippedElements = "script,style,nav,header,footer,aside,form,iframe,noscript"

// Result reports one scrape attempt. On failure Error explains the precise
// cause so the orchestrator can log it rather than a generic failure.
type Result struct {
	Success       bool   `json:"success"`
	Title         string `json:"title,omitempty"`
	Content       string `json:"content,omitempty"`
	ContentLength int    `json:"content_length"`
	Error         string `json:"error,omitempty"`
}

// Scraper fetches article HTML through a pluggable backend and extracts text.
type Scraper struct {
	backend Backend
}

// New builds a Scraper for the given backend type ("http" or "chromedp").
func New(backendType BackendType, timeout time.Duration) (*Scraper, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	backend, err := newBackend(backendType, timeout)
	if err != nil {
		return nil, err
	}
	return &Scraper{backend: backend}, nil
}

// NewWithBackend wires an explicit backend (used by tests).
func NewWithBackend(b Backend) *Scraper {
	return &Scraper{backend: b}
}

// Scrape fetches articleURL and extracts title and cleaned body text.
// All failure modes surface as Success=false with a reason, never a Go error:
// a bad article is a per-item condition the batch must survive.
func (s *Scraper) Scrape(ctx context.Context, articleURL string) Result {
	if strings.TrimSpace(articleURL) == "" {
		return Result{Success: false, Error: "empty url"}
	}

	html, err := s.backend.FetchHTML(ctx, articleURL)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("fetch failed: %v", err)}
	}

	title, content := extract(html, articleURL)
	content = normalizeWhitespace(content)
	if len(content) > MaxContentChars {
		content = helpers.TruncateBytes(content, MaxContentChars) + "..."
	}

	if len(content) < MinContentChars {
		return Result{
			Success:       false,
			Title:         title,
			ContentLength: len(content),
			Error:         fmt.Sprintf("insufficient content (only %d chars)", len(content)),
		}
	}

	return Result{Success: true, Title: title, Content: content, ContentLength: len(content)}
}

// extract runs readability first, then the ordered selector list, then
// whole-body text. Returns best title and the longest acceptable content.
func extract(html, articleURL string) (title, content string) {
	pageURL, _ := url.Parse(articleURL)
	if pageURL == nil {
		pageURL = &url.URL{}
	}

	if article, err := readability.FromReader(strings.NewReader(html), pageURL); err == nil {
		title = strings.TrimSpace(article.Title)
		if text := strings.TrimSpace(article.TextContent); len(text) >= MinContentChars {
			return title, text
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return title, ""
	}
	if title == "" {
		title = extractTitle(doc)
	}
	doc.Find(strippedElements).Remove()

	for _, sel := range contentSelectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); len(text) >= MinContentChars {
			return title, text
		}
	}
	return title, strings.TrimSpace(doc.Find("body").Text())
}

// extractTitle mirrors the h1 / og:title / <title> preference order.
func extractTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
