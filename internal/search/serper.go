package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const serperEndpoint = "https://google.serper.dev/search"

// Serper queries Google results through serper.dev.
type Serper struct {
	APIKey   string
	Endpoint string
	Client   *http.Client
}

func (s *Serper) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = serperEndpoint
	}
	body, err := json.Marshal(map[string]any{"q": query, "num": maxResults})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serper search: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, SerperProvider); err != nil {
		return nil, err
	}
	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("serper decode: %w", err)
	}
	out := make([]Result, 0, len(raw.Organic))
	for _, it := range raw.Organic {
		out = append(out, Result{Title: it.Title, URL: it.Link, Content: it.Snippet})
	}
	return limit(out, maxResults), nil
}
