package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for postcraft
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Events    EventsConfig    `mapstructure:"events"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Templates TemplatesConfig `mapstructure:"templates"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// Execution modes for POST /api/runs.
const (
	ExecutionQueue  = "queue"
	ExecutionInline = "inline"
)

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address          string `mapstructure:"address"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	ExecutionMode    string `mapstructure:"execution_mode"`
	RunStreamEnabled bool   `mapstructure:"run_stream_enabled"`
}

func (s ServerConfig) Normalize() ServerConfig {
	s.Address = strings.TrimSpace(s.Address)
	if s.Address == "" {
		s.Address = ":8080"
	}
	s.ExecutionMode = strings.ToLower(strings.TrimSpace(s.ExecutionMode))
	if s.ExecutionMode == "" {
		s.ExecutionMode = ExecutionQueue
	}
	return s
}

func (s ServerConfig) Validate() error {
	switch s.ExecutionMode {
	case ExecutionQueue, ExecutionInline:
	default:
		return fmt.Errorf("server.execution_mode must be %q or %q, got %q", ExecutionQueue, ExecutionInline, s.ExecutionMode)
	}
	return nil
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // only openai-compatible endpoints are supported
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	APIName     string  `mapstructure:"api_name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// LLMRoutingConfig names the model keys used for stage completions and for
// groundedness evaluation.
type LLMRoutingConfig struct {
	Completion string `mapstructure:"completion"`
	Evaluation string `mapstructure:"evaluation"`
}

// ResolvedModel is a routing entry joined with its provider.
type ResolvedModel struct {
	ProviderName string
	Provider     LLMProvider
	Model        LLMModel
}

// Resolve finds the provider that declares the model key. Providers are
// searched in name order so duplicate keys resolve deterministically.
func (l LLMConfig) Resolve(key string) (ResolvedModel, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return ResolvedModel{}, fmt.Errorf("llm model key is empty")
	}
	names := make([]string, 0, len(l.Providers))
	for name := range l.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := l.Providers[name]
		if m, ok := p.Models[key]; ok {
			if m.APIName == "" {
				m.APIName = key
			}
			return ResolvedModel{ProviderName: name, Provider: p, Model: m}, nil
		}
	}
	return ResolvedModel{}, fmt.Errorf("llm model %q not declared by any provider", key)
}

func (l LLMConfig) Validate() error {
	for name, p := range l.Providers {
		switch strings.ToLower(strings.TrimSpace(p.Type)) {
		case "", "openai":
		default:
			return fmt.Errorf("llm.providers.%s.type %q is not supported", name, p.Type)
		}
	}
	if l.Routing.Completion != "" {
		if _, err := l.Resolve(l.Routing.Completion); err != nil {
			return fmt.Errorf("llm.routing.completion: %w", err)
		}
	}
	if l.Routing.Evaluation != "" {
		if _, err := l.Resolve(l.Routing.Evaluation); err != nil {
			return fmt.Errorf("llm.routing.evaluation: %w", err)
		}
	}
	return nil
}

// SourcesConfig contains research source configurations
type SourcesConfig struct {
	WebSearch WebSearchConfig `mapstructure:"web_search"`
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	Provider       string            `mapstructure:"provider"`
	TavilyAPIKey   string            `mapstructure:"tavily_api_key"`
	BraveAPIKey    string            `mapstructure:"brave_api_key"`
	SerperAPIKey   string            `mapstructure:"serper_api_key"`
	MaxResults     int               `mapstructure:"max_results"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	Enrich         bool              `mapstructure:"enrich"`
	EnrichMaxChars int               `mapstructure:"enrich_max_chars"`
	FetchPolicy    FetchPolicyConfig `mapstructure:"fetch_policy"`
}

// APIKey returns the key configured for the selected provider.
func (w WebSearchConfig) APIKey() string {
	switch strings.ToLower(strings.TrimSpace(w.Provider)) {
	case "serper":
		return w.SerperAPIKey
	case "brave":
		return w.BraveAPIKey
	default:
		return w.TavilyAPIKey
	}
}

func (w WebSearchConfig) Normalize() WebSearchConfig {
	w.Provider = strings.ToLower(strings.TrimSpace(w.Provider))
	if w.Provider == "" {
		w.Provider = "tavily"
	}
	if w.MaxResults <= 0 {
		w.MaxResults = 3
	}
	if w.Timeout <= 0 {
		w.Timeout = 20 * time.Second
	}
	if w.EnrichMaxChars <= 0 {
		w.EnrichMaxChars = 2000
	}
	w.FetchPolicy = w.FetchPolicy.Normalize()
	return w
}

func (w WebSearchConfig) Validate() error {
	switch w.Provider {
	case "tavily", "serper", "brave":
	default:
		return fmt.Errorf("sources.web_search.provider %q is not supported", w.Provider)
	}
	return w.FetchPolicy.Validate()
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// Event transports.
const (
	TransportRedis = "redis"
	TransportNATS  = "nats"
)

// EventsConfig controls where step events are published and how the run
// queue is consumed.
type EventsConfig struct {
	Transport     string        `mapstructure:"transport"`
	Prefix        string        `mapstructure:"prefix"`
	MaxLen        int64         `mapstructure:"maxlen"`
	Retention     time.Duration `mapstructure:"retention"`
	NATSURL       string        `mapstructure:"nats_url"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	ClaimIdle     time.Duration `mapstructure:"claim_idle"`
	// Concurrency bounds the runs one worker executes at once.
	Concurrency int `mapstructure:"concurrency"`
}

func (e EventsConfig) Normalize() EventsConfig {
	e.Transport = strings.ToLower(strings.TrimSpace(e.Transport))
	if e.Transport == "" {
		e.Transport = TransportRedis
	}
	e.Prefix = strings.TrimSpace(e.Prefix)
	if e.Prefix == "" {
		e.Prefix = "postcraft"
	}
	if e.MaxLen <= 0 {
		e.MaxLen = 10000
	}
	if e.ConsumerGroup == "" {
		e.ConsumerGroup = "postcraft-workers"
	}
	if e.ClaimIdle <= 0 {
		e.ClaimIdle = 15 * time.Minute
	}
	if e.Concurrency <= 0 {
		e.Concurrency = 4
	}
	return e
}

func (e EventsConfig) Validate() error {
	switch e.Transport {
	case TransportRedis:
	case TransportNATS:
		if strings.TrimSpace(e.NATSURL) == "" {
			return fmt.Errorf("events.nats_url required when transport is nats")
		}
	default:
		return fmt.Errorf("events.transport must be %q or %q, got %q", TransportRedis, TransportNATS, e.Transport)
	}
	if e.Retention < 0 {
		return fmt.Errorf("events.retention cannot be negative")
	}
	return nil
}

// WorkflowConfig holds server-wide run defaults. Per-run settings override
// the generation preferences.
type WorkflowConfig struct {
	MaxRevisions   int           `mapstructure:"max_revisions"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	CancelPoll     time.Duration `mapstructure:"cancel_poll"`
	Tone           string        `mapstructure:"tone"`
	TargetAudience string        `mapstructure:"target_audience"`
	Language       string        `mapstructure:"language"`
	WordCountMin   int           `mapstructure:"word_count_min"`
	WordCountMax   int           `mapstructure:"word_count_max"`
	Evaluate       bool          `mapstructure:"evaluate"`
}

func (w WorkflowConfig) Normalize() WorkflowConfig {
	if w.MaxRevisions == 0 {
		w.MaxRevisions = 5
	}
	if w.RunTimeout <= 0 {
		w.RunTimeout = 10 * time.Minute
	}
	if w.CancelPoll <= 0 {
		w.CancelPoll = time.Second
	}
	return w
}

func (w WorkflowConfig) Validate() error {
	if w.MaxRevisions < 0 {
		return fmt.Errorf("workflow.max_revisions cannot be negative")
	}
	if w.WordCountMin < 0 || w.WordCountMax < 0 {
		return fmt.Errorf("workflow word counts cannot be negative")
	}
	if w.WordCountMax > 0 && w.WordCountMax < w.WordCountMin {
		return fmt.Errorf("workflow.word_count_max must be >= word_count_min")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// TemplatesConfig points at the post template catalogue. An empty path uses
// the built-in templates.
type TemplatesConfig struct {
	Path string `mapstructure:"path"`
}

// Normalize applies defaults to every section.
func (c *Config) Normalize() {
	c.Server = c.Server.Normalize()
	c.Sources.WebSearch = c.Sources.WebSearch.Normalize()
	c.Events = c.Events.Normalize()
	c.Workflow = c.Workflow.Normalize()
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "postcraft"
	}
}

// Validate checks every section. Storage sections are validated by the
// commands that open them.
func (c *Config) Validate() error {
	validators := []func() error{
		c.Server.Validate,
		c.LLM.Validate,
		c.Sources.WebSearch.Validate,
		c.Events.Validate,
		c.Workflow.Validate,
		c.Telemetry.Validate,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.execution_mode", ExecutionQueue)
	v.SetDefault("server.run_stream_enabled", true)
	v.SetDefault("llm.providers.openai.type", "openai")
	v.SetDefault("llm.providers.openai.api_key", "")
	v.SetDefault("llm.providers.openai.base_url", "")
	v.SetDefault("llm.providers.openai.models.default.api_name", "gpt-4o-mini")
	v.SetDefault("llm.providers.openai.models.eval.api_name", "gpt-4o")
	v.SetDefault("llm.routing.completion", "default")
	v.SetDefault("llm.routing.evaluation", "eval")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("sources.web_search.provider", "tavily")
	v.SetDefault("sources.web_search.tavily_api_key", "")
	v.SetDefault("sources.web_search.serper_api_key", "")
	v.SetDefault("sources.web_search.brave_api_key", "")
	v.SetDefault("sources.web_search.max_results", 3)
	v.SetDefault("sources.web_search.timeout", "20s")
	v.SetDefault("sources.web_search.enrich", true)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.dbname", "postcraft")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("events.transport", TransportRedis)
	v.SetDefault("events.prefix", "postcraft")
	v.SetDefault("events.maxlen", 10000)
	v.SetDefault("events.retention", "24h")
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.consumer_group", "postcraft-workers")
	v.SetDefault("events.claim_idle", "15m")
	v.SetDefault("events.concurrency", 4)
	v.SetDefault("workflow.max_revisions", 5)
	v.SetDefault("workflow.run_timeout", "10m")
	v.SetDefault("workflow.cancel_poll", "1s")
	v.SetDefault("workflow.evaluate", true)
	v.SetDefault("telemetry.service_name", "postcraft")
}

// Load reads config.json from path, or from the usual search locations when
// path is empty. A missing file is not an error when searching; defaults and
// POSTCRAFT_* environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, ".."))
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("POSTCRAFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig is Load for command entry points; it panics on error.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
