// Package llm provides the completion service used by the pipeline stages
// and the groundedness evaluator.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoCredential is returned when no API key is available for a run.
var ErrNoCredential = errors.New("llm: no api key configured")

// Completer turns a prompt into generated text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultEvalModel   = "gpt-4o"
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.0
	DefaultTimeout     = 2 * time.Minute
)

// Settings describe one set of completion credentials. Users may carry
// their own; empty fields fall back to the server configuration.
type Settings struct {
	APIKey      string
	BaseURL     string
	Model       string
	EvalModel   string
	Temperature float64
	MaxTokens   int
	MaxRetries  int
	Timeout     time.Duration
}

// Normalize applies defaults for unset values.
func (s Settings) Normalize() Settings {
	s.APIKey = strings.TrimSpace(s.APIKey)
	s.BaseURL = strings.TrimSpace(s.BaseURL)
	if strings.TrimSpace(s.Model) == "" {
		s.Model = DefaultModel
	}
	if strings.TrimSpace(s.EvalModel) == "" {
		s.EvalModel = DefaultEvalModel
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = DefaultMaxTokens
	}
	if s.Temperature < 0 {
		s.Temperature = DefaultTemperature
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	return s
}

// Overlay returns s with every non-empty credential field of o applied.
func (s Settings) Overlay(o Settings) Settings {
	if o.APIKey != "" {
		s.APIKey = o.APIKey
		// A user key is paired with the user's endpoint, even when blank.
		s.BaseURL = o.BaseURL
	}
	if o.Model != "" {
		s.Model = o.Model
	}
	if o.EvalModel != "" {
		s.EvalModel = o.EvalModel
	}
	return s
}

// NewPair builds the primary and evaluation completers for the settings.
// ErrNoCredential is returned when the API key is empty.
func NewPair(s Settings) (primary, eval Completer, err error) {
	s = s.Normalize()
	if s.APIKey == "" {
		return nil, nil, ErrNoCredential
	}
	p, err := NewOpenAI(s, s.Model)
	if err != nil {
		return nil, nil, err
	}
	ev, err := NewOpenAI(s, s.EvalModel)
	if err != nil {
		return nil, nil, err
	}
	return p, ev, nil
}
