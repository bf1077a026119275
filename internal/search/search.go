// Package search provides the web search capability used by the researcher
// stage.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Searcher runs a web query and returns up to maxResults hits.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// Provider names a supported search backend.
type Provider string

const (
	TavilyProvider Provider = "tavily"
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var ErrUnsupportedProvider = errors.New("search: unsupported provider")

const defaultTimeout = 20 * time.Second

// New returns a Searcher for provider. An empty API key is not an error:
// it yields a nil Searcher, which callers treat as "search unavailable".
func New(provider Provider, apiKey string, client *http.Client) (Searcher, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, nil
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	switch Provider(strings.ToLower(string(provider))) {
	case TavilyProvider, "":
		return &Tavily{APIKey: apiKey, Client: client}, nil
	case SerperProvider:
		return &Serper{APIKey: apiKey, Client: client}, nil
	case BraveProvider:
		return &Brave{APIKey: apiKey, Client: client}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
}

func limit(results []Result, k int) []Result {
	if k > 0 && len(results) > k {
		return results[:k]
	}
	return results
}

func checkStatus(resp *http.Response, provider Provider) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("%s search: unexpected status %d", provider, resp.StatusCode)
}
