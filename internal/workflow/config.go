package workflow

import (
	"fmt"
	"strings"
)

// Defaults applied when a run configuration leaves a field unset.
const (
	DefaultTone           = "professional"
	DefaultTargetAudience = "tech professionals"
	DefaultWordCountMin   = 150
	DefaultWordCountMax   = 300
	DefaultLanguage       = "English"
	DefaultMaxRevisions   = 5
)

// Config captures the per-run generation preferences. It is fixed for the
// lifetime of a run.
type Config struct {
	Tone                 string `json:"tone"`
	TargetAudience       string `json:"target_audience"`
	WordCountMin         int    `json:"word_count_min"`
	WordCountMax         int    `json:"word_count_max"`
	Language             string `json:"language"`
	IncludeHashtags      bool   `json:"include_hashtags"`
	IncludeCTA           bool   `json:"include_cta"`
	IncludeEmoji         bool   `json:"include_emoji"`
	TemplateInstructions string `json:"template_instructions,omitempty"`
	MaxRevisions         int    `json:"max_revisions"`
}

// DefaultConfig returns the configuration used when a caller supplies none.
func DefaultConfig() Config {
	return Config{
		Tone:            DefaultTone,
		TargetAudience:  DefaultTargetAudience,
		WordCountMin:    DefaultWordCountMin,
		WordCountMax:    DefaultWordCountMax,
		Language:        DefaultLanguage,
		IncludeHashtags: true,
		IncludeCTA:      true,
		IncludeEmoji:    false,
		MaxRevisions:    DefaultMaxRevisions,
	}
}

// Normalize fills blank strings and zero counts with defaults. Boolean
// toggles are left alone; start from DefaultConfig to get their defaults.
func (c Config) Normalize() Config {
	c.Tone = strings.TrimSpace(c.Tone)
	if c.Tone == "" {
		c.Tone = DefaultTone
	}
	c.TargetAudience = strings.TrimSpace(c.TargetAudience)
	if c.TargetAudience == "" {
		c.TargetAudience = DefaultTargetAudience
	}
	c.Language = strings.TrimSpace(c.Language)
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.WordCountMin == 0 {
		c.WordCountMin = DefaultWordCountMin
	}
	if c.WordCountMax == 0 {
		c.WordCountMax = DefaultWordCountMax
	}
	if c.MaxRevisions == 0 {
		c.MaxRevisions = DefaultMaxRevisions
	}
	return c
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.MaxRevisions < 0 {
		return fmt.Errorf("max_revisions cannot be negative (got %d)", c.MaxRevisions)
	}
	if c.WordCountMin < 0 || c.WordCountMax < 0 {
		return fmt.Errorf("word counts cannot be negative")
	}
	if c.WordCountMax < c.WordCountMin {
		return fmt.Errorf("word_count_max (%d) must be >= word_count_min (%d)", c.WordCountMax, c.WordCountMin)
	}
	return nil
}

// IterationCap is the hard ceiling on stage invocations for a run with the
// given revision budget.
func IterationCap(maxRevisions int) int {
	return 2*maxRevisions + 4
}
