package search

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

const (
	defaultEnrichChars = 2000
	maxPageBytes       = 2 << 20
)

// Enricher wraps a Searcher and fills results that came back without body
// text with the readable content of the linked page.
type Enricher struct {
	Searcher Searcher
	Client   *http.Client
	MaxChars int
	Logger   *log.Logger
	// Permit, when set, vetoes fetching a result URL.
	Permit func(link string) bool
}

// EnrichOption configures an Enricher.
type EnrichOption func(*Enricher)

// WithPermit restricts which result URLs may be fetched.
func WithPermit(fn func(link string) bool) EnrichOption {
	return func(e *Enricher) { e.Permit = fn }
}

// NewEnricher wraps s. A nil s stays nil so "search unavailable" survives
// the wrapping.
func NewEnricher(s Searcher, client *http.Client, maxChars int, opts ...EnrichOption) Searcher {
	if s == nil {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if maxChars <= 0 {
		maxChars = defaultEnrichChars
	}
	e := &Enricher{
		Searcher: s,
		Client:   client,
		MaxChars: maxChars,
		Logger:   log.New(log.Writer(), "[SEARCH] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Enricher) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	results, err := e.Searcher.Search(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	for i := range results {
		if strings.TrimSpace(results[i].Content) != "" || results[i].URL == "" {
			continue
		}
		if e.Permit != nil && !e.Permit(results[i].URL) {
			continue
		}
		text, err := e.fetchReadable(ctx, results[i].URL)
		if err != nil {
			e.Logger.Printf("warn: enrich %s: %v", results[i].URL, err)
			continue
		}
		results[i].Content = text
		if results[i].Title == "" {
			results[i].Title = results[i].URL
		}
	}
	return results, nil
}

func (e *Enricher) fetchReadable(ctx context.Context, link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "postcraft/1.0 (+research)")
	resp, err := e.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	article, err := readability.FromReader(io.LimitReader(resp.Body, maxPageBytes), u)
	if err != nil {
		return "", fmt.Errorf("readability: %w", err)
	}
	text := strings.Join(strings.Fields(article.TextContent), " ")
	if r := []rune(text); len(r) > e.MaxChars {
		text = string(r[:e.MaxChars])
	}
	return text, nil
}
