package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Server.ExecutionMode != ExecutionQueue {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Workflow.MaxRevisions != 5 || cfg.Workflow.RunTimeout != 10*time.Minute {
		t.Fatalf("unexpected workflow defaults %+v", cfg.Workflow)
	}
	if cfg.Events.Transport != TransportRedis || cfg.Events.Retention != 24*time.Hour {
		t.Fatalf("unexpected events defaults %+v", cfg.Events)
	}
	resolved, err := cfg.LLM.Resolve(cfg.LLM.Routing.Evaluation)
	if err != nil {
		t.Fatalf("resolve eval model: %v", err)
	}
	if resolved.ProviderName != "openai" || resolved.Model.APIName != "gpt-4o" {
		t.Fatalf("unexpected eval model %+v", resolved)
	}
}

func TestLoadReadsFileAndEnvironment(t *testing.T) {
	t.Setenv("POSTCRAFT_WORKFLOW_MAX_REVISIONS", "2")
	t.Setenv("POSTCRAFT_SOURCES_WEB_SEARCH_SERPER_API_KEY", "serper-key")
	path := writeConfig(t, `{
  "server": {"execution_mode": "INLINE"},
  "sources": {"web_search": {"provider": "serper", "fetch_policy": {"disallow": ["https://www.Paywalled.com/x"]}}},
  "events": {"transport": "nats", "nats_url": "nats://localhost:4222", "prefix": "acme"}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ExecutionMode != ExecutionInline {
		t.Fatalf("expected inline mode, got %q", cfg.Server.ExecutionMode)
	}
	if cfg.Workflow.MaxRevisions != 2 {
		t.Fatalf("expected env override, got %d", cfg.Workflow.MaxRevisions)
	}
	if cfg.Sources.WebSearch.APIKey() != "serper-key" {
		t.Fatalf("expected serper key from env, got %q", cfg.Sources.WebSearch.APIKey())
	}
	if got := cfg.Sources.WebSearch.FetchPolicy.Disallow; len(got) != 1 || got[0] != "paywalled.com" {
		t.Fatalf("expected normalized disallow list, got %v", got)
	}
	if cfg.Events.Prefix != "acme" {
		t.Fatalf("unexpected prefix %q", cfg.Events.Prefix)
	}
}

func TestLoadRejectsInvalidSections(t *testing.T) {
	cases := map[string]string{
		"execution mode":     `{"server": {"execution_mode": "cron"}}`,
		"nats without url":   `{"events": {"transport": "nats"}}`,
		"negative revisions": `{"workflow": {"max_revisions": -1}}`,
		"unknown search":     `{"sources": {"web_search": {"provider": "bing"}}}`,
		"unknown routing":    `{"llm": {"routing": {"completion": "missing"}}}`,
		"telemetry port":     `{"telemetry": {"enabled": true}}`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for explicit missing file")
	}
}

func TestFetchPolicyNormalize(t *testing.T) {
	cfg := FetchPolicyConfig{
		Allow:    []string{"Example.com", "https://news.example.com"},
		Disallow: []string{"www.Bad.com", "bad.com", " "},
		Paywall:  []string{"Paywall.com", "PAYWALL.COM"},
	}
	norm := cfg.Normalize()
	if len(norm.Allow) != 2 || norm.Allow[0] != "example.com" {
		t.Fatalf("unexpected allow list: %#v", norm.Allow)
	}
	if len(norm.Disallow) != 1 || norm.Disallow[0] != "bad.com" {
		t.Fatalf("unexpected disallow list: %#v", norm.Disallow)
	}
	if len(norm.Paywall) != 1 || norm.Paywall[0] != "paywall.com" {
		t.Fatalf("unexpected paywall list: %#v", norm.Paywall)
	}
}

func TestFetchPolicyValidate(t *testing.T) {
	valid := FetchPolicyConfig{Allow: []string{"example.com"}, Disallow: []string{"blocked.com"}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	conflict := FetchPolicyConfig{Allow: []string{"example.com"}, Disallow: []string{"www.example.com"}}
	if err := conflict.Validate(); err == nil {
		t.Fatalf("expected conflict validation error")
	}
	paywallConflict := FetchPolicyConfig{Allow: []string{"paywall.com"}, Paywall: []string{"paywall.com"}}
	if err := paywallConflict.Validate(); err == nil {
		t.Fatalf("expected allow/paywall conflict error")
	}
}

func TestFetchPolicyPermits(t *testing.T) {
	open := FetchPolicyConfig{Disallow: []string{"bad.com"}, Paywall: []string{"ft.com"}}.Normalize()
	checks := map[string]bool{
		"https://example.org/post":   true,
		"https://www.bad.com/a":      false,
		"https://news.bad.com/a":     false,
		"https://ft.com/content/1":   false,
		"https://notbad.com/article": true,
		"":                           false,
	}
	for link, want := range checks {
		if got := open.Permits(link); got != want {
			t.Fatalf("Permits(%q) = %v, want %v", link, got, want)
		}
	}

	allowOnly := FetchPolicyConfig{Allow: []string{"example.com"}}.Normalize()
	if !allowOnly.Permits("https://blog.example.com/x") || allowOnly.Permits("https://other.com") {
		t.Fatalf("allow list should restrict fetches to listed domains")
	}
}
