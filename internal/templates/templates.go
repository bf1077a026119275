// Package templates loads the catalogue of post templates whose structure
// prompts are passed to the writer as template instructions.
package templates

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/postcraft/internal/workflow"
	"gopkg.in/yaml.v3"
)

//go:embed system.yaml
var systemCatalogue []byte

// ErrNotFound is returned by Catalogue.Get for unknown template IDs.
var ErrNotFound = errors.New("template not found")

// Template is one entry of the catalogue.
type Template struct {
	ID              string `yaml:"id" json:"id"`
	Name            string `yaml:"name" json:"name"`
	Description     string `yaml:"description" json:"description,omitempty"`
	Tone            string `yaml:"tone" json:"tone"`
	Category        string `yaml:"category" json:"category"`
	StructurePrompt string `yaml:"structure_prompt" json:"structure_prompt"`
	ExamplePost     string `yaml:"example_post" json:"example_post,omitempty"`
}

type file struct {
	Templates []Template `yaml:"templates"`
}

// Catalogue is an immutable set of templates keyed by ID.
type Catalogue struct {
	byID  map[string]Template
	order []string
}

// Default returns the built-in catalogue.
func Default() (*Catalogue, error) {
	return Parse(systemCatalogue)
}

// Load reads a catalogue from path. An empty path yields the built-in
// catalogue.
func Load(path string) (*Catalogue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalogue.
func Parse(data []byte) (*Catalogue, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	c := &Catalogue{byID: make(map[string]Template, len(f.Templates))}
	for i, t := range f.Templates {
		t.ID = strings.TrimSpace(t.ID)
		t.StructurePrompt = strings.TrimSpace(t.StructurePrompt)
		if t.ID == "" {
			return nil, fmt.Errorf("template %d: id is required", i)
		}
		if t.StructurePrompt == "" {
			return nil, fmt.Errorf("template %s: structure_prompt is required", t.ID)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("template %s: duplicate id", t.ID)
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		c.byID[t.ID] = t
		c.order = append(c.order, t.ID)
	}
	return c, nil
}

// Get looks up a template by ID.
func (c *Catalogue) Get(id string) (Template, error) {
	t, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return t, nil
}

// List returns templates in catalogue order, optionally restricted to one
// category.
func (c *Catalogue) List(category string) []Template {
	out := make([]Template, 0, len(c.order))
	for _, id := range c.order {
		t := c.byID[id]
		if category != "" && !strings.EqualFold(t.Category, category) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Categories returns the distinct categories, sorted.
func (c *Catalogue) Categories() []string {
	seen := map[string]struct{}{}
	for _, t := range c.byID {
		seen[t.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// Apply resolves templateID and copies its structure prompt into cfg. The
// template tone is used only when cfg leaves the tone blank. An empty ID
// returns cfg unchanged.
func (c *Catalogue) Apply(templateID string, cfg workflow.Config) (workflow.Config, error) {
	if strings.TrimSpace(templateID) == "" {
		return cfg, nil
	}
	t, err := c.Get(templateID)
	if err != nil {
		return cfg, err
	}
	cfg.TemplateInstructions = t.StructurePrompt
	if strings.TrimSpace(cfg.Tone) == "" && t.Tone != "" {
		cfg.Tone = t.Tone
	}
	return cfg, nil
}
