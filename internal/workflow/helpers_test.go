package workflow

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/postcraft/internal/search"
)

var errCompletion = errors.New("completion unavailable")

const longDraft = "AI adoption is accelerating across every industry we work with. " +
	"Teams that pair assistants with strong review habits ship faster and break less. " +
	"Start small, measure honestly, and share what you learn. What has worked for your team? #AI #Engineering"

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func promptKind(prompt string) string {
	switch {
	case strings.HasPrefix(prompt, "You are a content project supervisor"):
		return "supervisor"
	case strings.HasPrefix(prompt, "Based on these search results"):
		return "research"
	case strings.HasPrefix(prompt, "You are a professional LinkedIn post writer"):
		return "writer"
	case strings.HasPrefix(prompt, "You are a critical reviewer"):
		return "critic"
	case strings.HasPrefix(prompt, "You are a groundedness checker"):
		return "groundedness"
	default:
		return "unknown"
	}
}

// stubCompleter answers by prompt kind and counts calls.
type stubCompleter struct {
	mu      sync.Mutex
	calls   map[string]int
	total   int
	respond func(kind, prompt string) (string, error)
}

func newStub(respond func(kind, prompt string) (string, error)) *stubCompleter {
	return &stubCompleter{calls: map[string]int{}, respond: respond}
}

func (s *stubCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	kind := promptKind(prompt)
	s.mu.Lock()
	s.calls[kind]++
	s.total++
	s.mu.Unlock()
	return s.respond(kind, prompt)
}

func (s *stubCompleter) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

func (s *stubCompleter) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func fixed(text string) *stubCompleter {
	return newStub(func(string, string) (string, error) { return text, nil })
}

func failing() *stubCompleter {
	return newStub(func(string, string) (string, error) { return "", errCompletion })
}

// recorder collects step events.
type recorder struct {
	mu     sync.Mutex
	events []StepEvent
}

func (r *recorder) OnStep(ctx context.Context, ev StepEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stage, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Stage
	}
	return out
}

type stubSearcher struct {
	results []search.Result
	err     error
	queries []string
}

func (s *stubSearcher) Search(ctx context.Context, query string, k int) ([]search.Result, error) {
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	if k > 0 && len(s.results) > k {
		return s.results[:k], nil
	}
	return s.results, nil
}

func cfgWith(maxRevisions int) Config {
	cfg := DefaultConfig()
	cfg.MaxRevisions = maxRevisions
	return cfg
}
