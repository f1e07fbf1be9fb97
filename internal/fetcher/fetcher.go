// Package fetcher implements the web_fetch tool: given a source page URL it
// returns a bounded list of candidate article links with titles and snippets.
// It is a pure fetch-and-parse step and never touches persisted state.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/mohammad-safakhou/scout/internal/helpers"
)

const (
	// MaxCandidates caps the articles returned for one source page so a
	// single verbose index page cannot blow up the tool-result size.
	MaxCandidates = 100

	// minLinkText filters out near-empty link text (icons, "read more").
	minLinkText = 10

	snippetLength  = 200
	defaultTimeout = 60 * time.Second
	userAgent      = "scout/1.0 (+https://github.com/mohammad-safakhou/scout)"
)

// Candidate is one discovered article link.
type Candidate struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Result is the tool payload returned for one source page.
type Result struct {
	URL      string      `json:"url"`
	Articles []Candidate `json:"articles"`
	Count    int         `json:"count"`
}

// Fetcher retrieves and parses source pages.
type Fetcher struct {
	client *http.Client
}

// New wires an HTTP client; timeout defaults to 60s. The timeout is kept a
// little under the agent's own call ceiling so a slow fetch fails cleanly
// instead of being killed mid-parse.
func New(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch retrieves sourceURL and extracts same-domain candidate article links.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("request source page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("source page returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("parse source page: %w", err)
	}

	base, err := url.Parse(sourceURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse source url: %w", err)
	}

	seen := map[string]struct{}{}
	articles := make([]Candidate, 0, 32)

	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		text := strings.Join(strings.Fields(sel.Text()), " ")

		abs := resolveURL(base, href)
		if abs == "" {
			return true
		}
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}

		if !helpers.SameDomain(sourceURL, abs) {
			return true
		}
		if len(text) < minLinkText {
			return true
		}
		if !looksLikeArticle(abs, text) {
			return true
		}

		snippet := helpers.TruncateBytes(text, snippetLength)
		articles = append(articles, Candidate{Title: text, URL: abs, Snippet: snippet})
		return len(articles) < MaxCandidates
	})

	return Result{URL: sourceURL, Articles: articles, Count: len(articles)}, nil
}

// ToolResult runs Fetch and flattens the outcome into the single string
// channel the tool-calling contract provides. Failures come back as an
// "Error: ..." string the model can see and react to, never a Go error that
// would crash the agent loop.
func (f *Fetcher) ToolResult(ctx context.Context, sourceURL string) string {
	res, err := f.Fetch(ctx, sourceURL)
	if err != nil {
		return "Error: " + err.Error()
	}
	b, err := json.Marshal(res)
	if err != nil {
		return "Error: encode result: " + err.Error()
	}
	return string(b)
}

// articlePathHints are URL fragments that strongly suggest an article page.
// The /fullarticle/ and /article/ patterns come from the sources this was
// originally tuned on; the rest cover common blog/news layouts.
var articlePathHints = []string{
	"/fullarticle/", "/article/", "/articles/", "/news/", "/story/",
	"/post/", "/posts/", "/blog/", "/20",
}

// looksLikeArticle filters index-page chrome (category tabs, pagination)
// from plausible article links. Long descriptive link text is accepted even
// without a recognizable path so generic blogs still yield candidates.
func looksLikeArticle(absURL, text string) bool {
	lower := strings.ToLower(absURL)
	for _, hint := range articlePathHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return len(text) >= 40
}

func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}
