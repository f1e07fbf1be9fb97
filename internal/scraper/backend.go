package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"
)

// BackendType selects how article HTML is fetched.
type BackendType string

const (
	// HTTPBackend is a plain GET; sufficient for most news/blog sources.
	HTTPBackend BackendType = "http"
	// ChromedpBackend renders the page in headless Chrome for JS-heavy sites.
	ChromedpBackend BackendType = "chromedp"
)

// Backend fetches raw HTML for an article URL.
type Backend interface {
	FetchHTML(ctx context.Context, url string) (string, error)
}

func newBackend(t BackendType, timeout time.Duration) (Backend, error) {
	switch t {
	case "", HTTPBackend:
		return &httpBackend{client: &http.Client{Timeout: timeout}}, nil
	case ChromedpBackend:
		return &chromedpBackend{timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unsupported scrape backend: %s", t)
	}
}

type httpBackend struct {
	client *http.Client
}

func (b *httpBackend) FetchHTML(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "scout/1.0 (+https://github.com/mohammad-safakhou/scout)")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

type chromedpBackend struct {
	timeout time.Duration
}

func (b *chromedpBackend) FetchHTML(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("scout/1.0 (+https://github.com/mohammad-safakhou/scout)"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}
