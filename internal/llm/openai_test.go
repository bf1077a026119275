package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAICompleteSendsPromptAndModel(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		MaxTokens int `json:"max_tokens"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello there"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAI(Settings{APIKey: "sk-test", BaseURL: srv.URL + "/"}, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	out, err := c.Complete(context.Background(), "say hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "hello there" {
		t.Fatalf("unexpected completion %q", out)
	}
	if got.Model != "gpt-4o-mini" {
		t.Fatalf("expected model gpt-4o-mini, got %q", got.Model)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "say hello" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if got.MaxTokens != DefaultMaxTokens {
		t.Fatalf("expected max_tokens %d, got %d", DefaultMaxTokens, got.MaxTokens)
	}
}

func TestOpenAICompleteSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAI(Settings{APIKey: "sk-bad", BaseURL: srv.URL + "/"}, "gpt-4o")
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	if _, err := c.Complete(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for 401 response")
	}
}

func TestNewPairRequiresKey(t *testing.T) {
	if _, _, err := NewPair(Settings{}); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	p, ev, err := NewPair(Settings{APIKey: "sk"})
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	if p.(*OpenAI).Model() != DefaultModel || ev.(*OpenAI).Model() != DefaultEvalModel {
		t.Fatalf("unexpected models %s/%s", p.(*OpenAI).Model(), ev.(*OpenAI).Model())
	}
}

func TestSettingsOverlay(t *testing.T) {
	base := Settings{APIKey: "server", BaseURL: "https://proxy", Model: "m1"}
	got := base.Overlay(Settings{APIKey: "user"})
	if got.APIKey != "user" || got.BaseURL != "" || got.Model != "m1" {
		t.Fatalf("unexpected overlay %+v", got)
	}
	got = base.Overlay(Settings{EvalModel: "judge"})
	if got.APIKey != "server" || got.BaseURL != "https://proxy" || got.EvalModel != "judge" {
		t.Fatalf("unexpected overlay %+v", got)
	}
}
