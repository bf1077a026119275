// Package service runs posts end to end: it resolves per-user credentials
// and templates, drives the workflow engine with persistence and event
// observers attached, and records the outcome.
package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/postcraft/config"
	"github.com/mohammad-safakhou/postcraft/internal/events"
	"github.com/mohammad-safakhou/postcraft/internal/llm"
	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/mohammad-safakhou/postcraft/internal/search"
	"github.com/mohammad-safakhou/postcraft/internal/store"
	"github.com/mohammad-safakhou/postcraft/internal/templates"
	"github.com/mohammad-safakhou/postcraft/internal/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrRunFinished is returned when executing a run that already ended.
	ErrRunFinished = errors.New("run already finished")
	// ErrRunTimeout marks runs that exceeded their wall-clock budget.
	ErrRunTimeout = errors.New("run timed out")
	// ErrInterrupted marks runs stopped because their executor shut down.
	ErrInterrupted = errors.New("run interrupted by shutdown")
	// ErrNoQueue is returned by Submit when no run queue is configured.
	ErrNoQueue = errors.New("run queue not configured")
	// ErrNothingToEvaluate is returned when a run has no draft yet.
	ErrNothingToEvaluate = errors.New("run has no draft to evaluate")
)

// RunStore is the persistence the service needs. *store.Store satisfies it.
type RunStore interface {
	events.StepStore
	CreateRun(ctx context.Context, userID, topic, templateID string, cfg workflow.Config) (string, error)
	GetRun(ctx context.Context, runID string) (store.Run, bool, error)
	MarkRunStarted(ctx context.Context, runID string) error
	SaveRunSummary(ctx context.Context, runID string, res workflow.FinalResult) error
	SaveGroundedness(ctx context.Context, runID string, report workflow.GroundednessReport) error
	ListFindings(ctx context.Context, runID string) ([]string, error)
	GetAPIConfig(ctx context.Context, userID string) (store.APIConfig, bool, error)
}

// Publisher appends envelopes to a stream. *streams.Publisher satisfies it.
type Publisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// Settings are the server-wide defaults every run starts from.
type Settings struct {
	LLM            llm.Settings
	SearchProvider search.Provider
	SearchAPIKey   string
	MaxResults     int
	Enrich         bool
	EnrichMaxChars int
	FetchPermit    func(link string) bool
	RunTimeout     time.Duration
	CancelPoll     time.Duration
	Evaluate       bool
	Defaults       workflow.Config
}

// SettingsFromConfig derives service settings from the application config.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{
		SearchProvider: search.Provider(cfg.Sources.WebSearch.Provider),
		SearchAPIKey:   cfg.Sources.WebSearch.APIKey(),
		MaxResults:     cfg.Sources.WebSearch.MaxResults,
		Enrich:         cfg.Sources.WebSearch.Enrich,
		EnrichMaxChars: cfg.Sources.WebSearch.EnrichMaxChars,
		FetchPermit:    cfg.Sources.WebSearch.FetchPolicy.Permits,
		RunTimeout:     cfg.Workflow.RunTimeout,
		CancelPoll:     cfg.Workflow.CancelPoll,
		Evaluate:       cfg.Workflow.Evaluate,
	}
	if m, err := cfg.LLM.Resolve(cfg.LLM.Routing.Completion); err == nil {
		s.LLM = llm.Settings{
			APIKey:      m.Provider.APIKey,
			BaseURL:     m.Provider.BaseURL,
			Model:       m.Model.APIName,
			MaxTokens:   m.Model.MaxTokens,
			Temperature: m.Model.Temperature,
			MaxRetries:  m.Provider.MaxRetries,
			Timeout:     m.Provider.Timeout,
		}
	}
	if m, err := cfg.LLM.Resolve(cfg.LLM.Routing.Evaluation); err == nil {
		s.LLM.EvalModel = m.Model.APIName
	}

	d := workflow.DefaultConfig()
	w := cfg.Workflow
	if w.MaxRevisions > 0 {
		d.MaxRevisions = w.MaxRevisions
	}
	if w.Tone != "" {
		d.Tone = w.Tone
	}
	if w.TargetAudience != "" {
		d.TargetAudience = w.TargetAudience
	}
	if w.Language != "" {
		d.Language = w.Language
	}
	if w.WordCountMin > 0 {
		d.WordCountMin = w.WordCountMin
	}
	if w.WordCountMax > 0 {
		d.WordCountMax = w.WordCountMax
	}
	s.Defaults = d
	return s
}

func (s Settings) normalize() Settings {
	s.LLM = s.LLM.Normalize()
	if s.RunTimeout <= 0 {
		s.RunTimeout = 10 * time.Minute
	}
	if s.CancelPoll <= 0 {
		s.CancelPoll = time.Second
	}
	if s.Defaults == (workflow.Config{}) {
		s.Defaults = workflow.DefaultConfig()
	}
	return s
}

// CompleterFactory builds the primary and evaluation completers for one
// run's credentials.
type CompleterFactory func(llm.Settings) (primary, eval llm.Completer, err error)

// SearcherFactory builds the searcher for one run's credentials. A nil
// Searcher with a nil error means search is unavailable.
type SearcherFactory func(provider search.Provider, apiKey string) (search.Searcher, error)

// Service executes runs. It is safe for concurrent use; each run gets its
// own engine and observers.
type Service struct {
	store      RunStore
	settings   Settings
	sink       events.Sink
	publisher  Publisher
	topo       streams.Topology
	flags      CancelFlags
	catalogue  *templates.Catalogue
	metrics    *events.Metrics
	completers CompleterFactory
	searchers  SearcherFactory
	logger     *log.Logger
	runLogger  *log.Logger
	tracer     trace.Tracer

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures a Service.
type Option func(*Service)

// WithSink publishes step and lifecycle events of every run.
func WithSink(sink events.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithQueue enables Submit, which publishes run.enqueued jobs.
func WithQueue(pub Publisher, topo streams.Topology) Option {
	return func(s *Service) {
		s.publisher = pub
		s.topo = topo
	}
}

// WithCancelFlags shares cancellation requests between processes.
func WithCancelFlags(flags CancelFlags) Option {
	return func(s *Service) { s.flags = flags }
}

func WithTemplates(c *templates.Catalogue) Option {
	return func(s *Service) { s.catalogue = c }
}

func WithMetrics(m *events.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithCompleterFactory(f CompleterFactory) Option {
	return func(s *Service) {
		if f != nil {
			s.completers = f
		}
	}
}

func WithSearcherFactory(f SearcherFactory) Option {
	return func(s *Service) {
		if f != nil {
			s.searchers = f
		}
	}
}

// WithLogger sets the service logger. Step lines are written to a logger
// sharing its output with a [RUN] prefix.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
			s.runLogger = log.New(l.Writer(), "[RUN] ", l.Flags())
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// New builds a Service over st.
func New(st RunStore, settings Settings, opts ...Option) *Service {
	s := &Service{
		store:      st,
		settings:   settings.normalize(),
		topo:       streams.NewTopology(""),
		completers: llm.NewPair,
		searchers: func(p search.Provider, key string) (search.Searcher, error) {
			return search.New(p, key, nil)
		},
		logger:    log.New(log.Writer(), "[SERVICE] ", log.LstdFlags),
		runLogger: log.New(log.Writer(), "[RUN] ", log.LstdFlags),
		tracer:    otel.Tracer("postcraft/internal/service"),
		running:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.catalogue == nil {
		if c, err := templates.Default(); err == nil {
			s.catalogue = c
		} else {
			s.logger.Printf("warn: built-in templates unavailable: %v", err)
		}
	}
	return s
}

// Templates returns the template catalogue runs resolve against.
func (s *Service) Templates() *templates.Catalogue { return s.catalogue }
