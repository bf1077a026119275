package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/postcraft/internal/events"
	"github.com/mohammad-safakhou/postcraft/internal/llm"
	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/mohammad-safakhou/postcraft/internal/search"
	"github.com/mohammad-safakhou/postcraft/internal/store"
	"github.com/mohammad-safakhou/postcraft/internal/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RunRequest is a request to generate a post. Zero fields take the server
// defaults; the template tone applies when Tone is blank.
type RunRequest struct {
	Topic           string `json:"topic"`
	TemplateID      string `json:"template_id,omitempty"`
	Tone            string `json:"tone,omitempty"`
	TargetAudience  string `json:"target_audience,omitempty"`
	WordCountMin    int    `json:"word_count_min,omitempty"`
	WordCountMax    int    `json:"word_count_max,omitempty"`
	Language        string `json:"language,omitempty"`
	IncludeHashtags *bool  `json:"include_hashtags,omitempty"`
	IncludeCTA      *bool  `json:"include_cta,omitempty"`
	IncludeEmoji    *bool  `json:"include_emoji,omitempty"`
	MaxRevisions    int    `json:"max_revisions,omitempty"`
}

// Job is the run.enqueued payload.
type Job struct {
	RunID      string          `json:"run_id"`
	UserID     string          `json:"user_id"`
	Topic      string          `json:"topic"`
	TemplateID string          `json:"template_id,omitempty"`
	Config     workflow.Config `json:"config"`
}

// ResolveConfig merges a request with the template and server defaults.
func (s *Service) ResolveConfig(req RunRequest) (workflow.Config, error) {
	cfg := workflow.Config{
		Tone:           strings.TrimSpace(req.Tone),
		TargetAudience: req.TargetAudience,
		WordCountMin:   req.WordCountMin,
		WordCountMax:   req.WordCountMax,
		Language:       req.Language,
		MaxRevisions:   req.MaxRevisions,
	}
	if req.TemplateID != "" {
		if s.catalogue == nil {
			return cfg, fmt.Errorf("template %q requested but no catalogue is loaded", req.TemplateID)
		}
		var err error
		if cfg, err = s.catalogue.Apply(req.TemplateID, cfg); err != nil {
			return cfg, err
		}
	}

	d := s.settings.Defaults
	cfg.IncludeHashtags = boolOr(req.IncludeHashtags, d.IncludeHashtags)
	cfg.IncludeCTA = boolOr(req.IncludeCTA, d.IncludeCTA)
	cfg.IncludeEmoji = boolOr(req.IncludeEmoji, d.IncludeEmoji)
	if cfg.Tone == "" {
		cfg.Tone = d.Tone
	}
	if strings.TrimSpace(cfg.TargetAudience) == "" {
		cfg.TargetAudience = d.TargetAudience
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = d.Language
	}
	if cfg.WordCountMin == 0 && cfg.WordCountMax == 0 {
		cfg.WordCountMin, cfg.WordCountMax = d.WordCountMin, d.WordCountMax
	}
	if cfg.MaxRevisions == 0 {
		cfg.MaxRevisions = d.MaxRevisions
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %v", workflow.ErrInvalidConfig, err)
	}
	return cfg, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Create validates the request and stores a pending run.
func (s *Service) Create(ctx context.Context, userID string, req RunRequest) (Job, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return Job{}, fmt.Errorf("%w: topic is required", workflow.ErrInvalidConfig)
	}
	cfg, err := s.ResolveConfig(req)
	if err != nil {
		return Job{}, err
	}
	id, err := s.store.CreateRun(ctx, userID, topic, req.TemplateID, cfg)
	if err != nil {
		return Job{}, fmt.Errorf("create run: %w", err)
	}
	s.publishStatus(ctx, id, store.RunStatusPending)
	return Job{RunID: id, UserID: userID, Topic: topic, TemplateID: req.TemplateID, Config: cfg}, nil
}

// Enqueue hands a created run to the worker pool.
func (s *Service) Enqueue(ctx context.Context, job Job) error {
	if s.publisher == nil {
		return ErrNoQueue
	}
	if _, err := s.publisher.PublishRaw(ctx, s.topo.RunQueue(), streams.EventRunEnqueued, streams.PayloadV1, job); err != nil {
		return fmt.Errorf("enqueue run %s: %w", job.RunID, err)
	}
	return nil
}

// Submit creates a run and enqueues it for a worker.
func (s *Service) Submit(ctx context.Context, userID string, req RunRequest) (Job, error) {
	if s.publisher == nil {
		return Job{}, ErrNoQueue
	}
	job, err := s.Create(ctx, userID, req)
	if err != nil {
		return Job{}, err
	}
	if err := s.Enqueue(ctx, job); err != nil {
		msg := err.Error()
		if ferr := s.store.SaveRunSummary(context.WithoutCancel(ctx), job.RunID, workflow.FinalResult{Status: workflow.StatusFailed, Error: msg}); ferr != nil {
			s.logger.Printf("warn: mark run %s failed after enqueue error: %v", job.RunID, ferr)
		}
		return Job{}, err
	}
	return job, nil
}

// Start creates a run and executes it in a background goroutine of this
// process. The run outlives ctx; use Cancel or CancelAll to stop it.
func (s *Service) Start(ctx context.Context, userID string, req RunRequest) (Job, error) {
	job, err := s.Create(ctx, userID, req)
	if err != nil {
		return Job{}, err
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if _, err := s.Execute(bg, job.RunID); err != nil {
			s.logger.Printf("warn: run %s: %v", job.RunID, err)
		}
	}()
	return job, nil
}

// Execute runs a stored run to a terminal status and persists the outcome.
// The returned error is non-nil for failed runs and for runs that could not
// be loaded or saved; cancelled runs return a nil error. A run stopped
// because ctx ended is failed with ErrInterrupted, not cancelled.
func (s *Service) Execute(ctx context.Context, runID string) (workflow.FinalResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.execute")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	run, ok, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return workflow.FinalResult{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if !ok {
		return workflow.FinalResult{}, store.ErrRunNotFound
	}
	if run.Terminal() {
		return workflow.FinalResult{Status: workflow.Status(run.Status)}, ErrRunFinished
	}

	// A cancel request may have arrived while the run sat in the queue.
	if s.flags != nil {
		raised, err := s.flags.Raised(ctx, runID)
		if err != nil {
			s.logger.Printf("warn: check cancel flag for run %s: %v", runID, err)
		}
		if raised {
			res := workflow.FinalResult{Status: workflow.StatusCancelled, Error: "cancelled before start"}
			return res, s.finish(context.WithoutCancel(ctx), runID, res)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.settings.RunTimeout)
	defer cancel()
	if !s.track(runID, cancel) {
		return workflow.FinalResult{}, fmt.Errorf("run %s is already executing in this process", runID)
	}
	defer s.untrack(runID)
	stopWatch := s.watchCancelFlag(runCtx, runID, cancel)
	defer stopWatch()

	if err := s.store.MarkRunStarted(ctx, runID); err != nil {
		return workflow.FinalResult{}, fmt.Errorf("mark run %s started: %w", runID, err)
	}
	s.publishStatus(ctx, runID, store.RunStatusRunning)

	engine, err := s.engineFor(ctx, run.UserID)
	if err != nil {
		res := workflow.FinalResult{Status: workflow.StatusFailed, Error: err.Error()}
		return res, errors.Join(err, s.finish(context.WithoutCancel(ctx), runID, res))
	}

	res, runErr := engine.Run(runCtx, run.Topic, run.Config, s.observersFor(runID)...)
	if res.Status == workflow.StatusCancelled {
		switch {
		case ctx.Err() != nil:
			runErr = fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
			res.Status = workflow.StatusFailed
			res.Error = runErr.Error()
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			runErr = fmt.Errorf("%w after %s", ErrRunTimeout, s.settings.RunTimeout)
			res.Status = workflow.StatusFailed
			res.Error = runErr.Error()
		}
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.SetAttributes(attribute.String("status", string(res.Status)), attribute.Int("steps", res.Steps))

	if err := s.finish(context.WithoutCancel(ctx), runID, res); err != nil {
		return res, errors.Join(runErr, err)
	}
	return res, runErr
}

// finish persists the outcome and publishes the lifecycle events. Sink
// failures are logged; persistence failures are returned.
func (s *Service) finish(ctx context.Context, runID string, res workflow.FinalResult) error {
	if err := s.store.SaveRunSummary(ctx, runID, res); err != nil {
		return fmt.Errorf("save run %s: %w", runID, err)
	}
	if s.metrics != nil {
		s.metrics.RunFinished(res)
	}
	if s.sink != nil {
		if res.Groundedness != nil {
			if err := s.sink.Evaluated(ctx, runID, *res.Groundedness); err != nil {
				s.logger.Printf("warn: publish evaluation for run %s: %v", runID, err)
			}
		}
		if err := s.sink.Finished(ctx, runID, res); err != nil {
			s.logger.Printf("warn: publish finish for run %s: %v", runID, err)
		}
	}
	if s.flags != nil {
		if err := s.flags.Clear(ctx, runID); err != nil {
			s.logger.Printf("warn: clear cancel flag for run %s: %v", runID, err)
		}
	}
	s.logger.Printf("run %s finished: status=%s steps=%d revisions=%d score=%d", runID, res.Status, res.Steps, res.RevisionCount, res.GroundednessScore())
	return nil
}

func (s *Service) publishStatus(ctx context.Context, runID, status string) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Status(ctx, runID, status, 0); err != nil {
		s.logger.Printf("warn: publish status %s for run %s: %v", status, runID, err)
	}
}

func (s *Service) observersFor(runID string) []workflow.Observer {
	obs := []workflow.Observer{
		events.NewStoreObserver(s.store, runID),
		events.NewLogObserver(s.runLogger, runID),
	}
	if s.sink != nil {
		obs = append(obs, events.NewSinkObserver(s.sink, runID))
	}
	if s.metrics != nil {
		obs = append(obs, s.metrics)
	}
	return obs
}

// credentials overlays the user's stored API configuration on the server
// settings. A missing or unreadable row falls back to the server settings.
func (s *Service) credentials(ctx context.Context, userID string) (llm.Settings, search.Provider, string) {
	settings := s.settings.LLM
	provider, key := s.settings.SearchProvider, s.settings.SearchAPIKey
	if userID == "" {
		return settings, provider, key
	}
	cfg, ok, err := s.store.GetAPIConfig(ctx, userID)
	if err != nil {
		s.logger.Printf("warn: load api config for user %s: %v", userID, err)
		return settings, provider, key
	}
	if !ok {
		return settings, provider, key
	}
	settings = settings.Overlay(llm.Settings{
		APIKey:    cfg.OpenAIAPIKey,
		BaseURL:   cfg.OpenAIBaseURL,
		Model:     cfg.Model,
		EvalModel: cfg.EvalModel,
	})
	if strings.TrimSpace(cfg.SearchAPIKey) != "" {
		key = cfg.SearchAPIKey
		if cfg.SearchProvider != "" {
			provider = search.Provider(cfg.SearchProvider)
		}
	}
	return settings, provider, key
}

// engineFor builds an engine bound to the user's credentials. A missing
// API key is not an error here: the engine fails the run itself.
func (s *Service) engineFor(ctx context.Context, userID string) (*workflow.Engine, error) {
	settings, provider, key := s.credentials(ctx, userID)
	primary, eval, err := s.completers(settings)
	if err != nil && !errors.Is(err, llm.ErrNoCredential) {
		return nil, fmt.Errorf("completion service: %w", err)
	}

	searcher, err := s.searchers(provider, key)
	if err != nil {
		s.logger.Printf("warn: search unavailable for user %s: %v", userID, err)
		searcher = nil
	}
	if searcher != nil && s.settings.Enrich {
		var opts []search.EnrichOption
		if s.settings.FetchPermit != nil {
			opts = append(opts, search.WithPermit(s.settings.FetchPermit))
		}
		searcher = search.NewEnricher(searcher, nil, s.settings.EnrichMaxChars, opts...)
	}

	opts := []workflow.Option{
		workflow.WithLogger(s.logger),
		workflow.WithTracer(s.tracer),
		workflow.WithMaxSearchResults(s.settings.MaxResults),
	}
	if searcher != nil {
		opts = append(opts, workflow.WithSearcher(searcher))
	}
	if s.settings.Evaluate && eval != nil {
		opts = append(opts, workflow.WithEvaluator(workflow.NewEvaluator(eval, s.logger)))
	}
	return workflow.New(primary, opts...), nil
}
