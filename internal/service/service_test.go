package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/llm"
	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/mohammad-safakhou/postcraft/internal/search"
	"github.com/mohammad-safakhou/postcraft/internal/store"
	"github.com/mohammad-safakhou/postcraft/internal/workflow"
)

type memStore struct {
	mu       sync.Mutex
	seq      int
	runs     map[string]*store.Run
	steps    map[string][]workflow.StepEvent
	findings map[string][]string
	apiCfg   map[string]store.APIConfig
	phases   []string
}

func newMemStore() *memStore {
	return &memStore{
		runs:     map[string]*store.Run{},
		steps:    map[string][]workflow.StepEvent{},
		findings: map[string][]string{},
		apiCfg:   map[string]store.APIConfig{},
	}
}

func (m *memStore) CreateRun(_ context.Context, userID, topic, templateID string, cfg workflow.Config) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("run-%d", m.seq)
	m.runs[id] = &store.Run{ID: id, UserID: userID, Topic: topic, TemplateID: templateID, Config: cfg, Status: store.RunStatusPending}
	return id, nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (store.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return store.Run{}, false, nil
	}
	return *r, true, nil
}

func (m *memStore) MarkRunStarted(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID].Status = store.RunStatusRunning
	return nil
}

func (m *memStore) SaveRunSummary(_ context.Context, runID string, res workflow.FinalResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[runID]
	r.Status = string(res.Status)
	r.FinalDraft = res.FinalDraft
	r.RevisionCount = res.RevisionCount
	r.CritiqueNotes = res.CritiqueNotes
	r.Steps = res.Steps
	r.Groundedness = res.Groundedness
	if res.Error != "" {
		msg := res.Error
		r.Error = &msg
	}
	m.findings[runID] = res.ResearchFindings
	return nil
}

func (m *memStore) SaveGroundedness(_ context.Context, runID string, report workflow.GroundednessReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID].Groundedness = &report
	return nil
}

func (m *memStore) ListFindings(_ context.Context, runID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findings[runID], nil
}

func (m *memStore) GetAPIConfig(_ context.Context, userID string) (store.APIConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.apiCfg[userID]
	return c, ok, nil
}

func (m *memStore) InsertStep(_ context.Context, runID string, ev workflow.StepEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[runID] = append(m.steps[runID], ev)
	return true, nil
}

func (m *memStore) SetRunPhase(_ context.Context, _ string, phase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases = append(m.phases, phase)
	return nil
}

func (m *memStore) run(id string) store.Run {
	r, _, _ := m.GetRun(context.Background(), id)
	return r
}

type captureSink struct {
	mu        sync.Mutex
	statuses  []string
	steps     int
	finished  []workflow.FinalResult
	evaluated []workflow.GroundednessReport
}

func (s *captureSink) Step(context.Context, string, workflow.StepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps++
	return nil
}

func (s *captureSink) Status(_ context.Context, _ string, status string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *captureSink) Finished(_ context.Context, _ string, res workflow.FinalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, res)
	return nil
}

func (s *captureSink) Evaluated(_ context.Context, _ string, report workflow.GroundednessReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluated = append(s.evaluated, report)
	return nil
}

type memFlags struct {
	mu     sync.Mutex
	raised map[string]bool
}

func (f *memFlags) Raise(_ context.Context, runID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raised == nil {
		f.raised = map[string]bool{}
	}
	f.raised[runID] = true
	return nil
}

func (f *memFlags) Raised(_ context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raised[runID], nil
}

func (f *memFlags) Clear(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.raised, runID)
	return nil
}

type capturePublisher struct {
	streams []string
	jobs    []interface{}
	err     error
}

func (p *capturePublisher) PublishRaw(_ context.Context, stream, eventType, _ string, payload interface{}, _ ...streams.PublishOption) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.streams = append(p.streams, stream+"|"+eventType)
	p.jobs = append(p.jobs, payload)
	return "1-0", nil
}

const judgement = `{"supported":["adoption is rising"],"unsupported":[],"score":4,"notes":"fine"}`

// shortCompletions answers every stage with a short post and the
// groundedness check with a fixed judgement.
func shortCompletions(seen *[]llm.Settings) CompleterFactory {
	return func(s llm.Settings) (llm.Completer, llm.Completer, error) {
		if seen != nil {
			*seen = append(*seen, s)
		}
		primary := llm.CompleterFunc(func(context.Context, string) (string, error) { return "Short post.", nil })
		eval := llm.CompleterFunc(func(_ context.Context, prompt string) (string, error) {
			if strings.Contains(prompt, "groundedness") {
				return judgement, nil
			}
			return "Short post.", nil
		})
		return primary, eval, nil
	}
}

// blockingCompletions never answers until the run's context ends.
func blockingCompletions(started chan<- struct{}) CompleterFactory {
	var once sync.Once
	return func(llm.Settings) (llm.Completer, llm.Completer, error) {
		c := llm.CompleterFunc(func(ctx context.Context, _ string) (string, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return "", ctx.Err()
		})
		return c, c, nil
	}
}

func noSearch(search.Provider, string) (search.Searcher, error) { return nil, nil }

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestService(st RunStore, settings Settings, opts ...Option) *Service {
	base := []Option{WithLogger(quiet()), WithSearcherFactory(noSearch)}
	return New(st, settings, append(base, opts...)...)
}

func TestExecuteCompletesAndPersists(t *testing.T) {
	st := newMemStore()
	sink := &captureSink{}
	svc := newTestService(st, Settings{Evaluate: true}, WithSink(sink), WithCompleterFactory(shortCompletions(nil)))
	ctx := context.Background()

	job, err := svc.Create(ctx, "user-1", RunRequest{Topic: "  AI adoption "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Topic != "AI adoption" || job.Config.MaxRevisions != 5 {
		t.Fatalf("unexpected job %+v", job)
	}
	res, err := svc.Execute(ctx, job.RunID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != workflow.StatusCompleted || res.Steps != 6 || !res.Approved() {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.GroundednessScore() != 4 {
		t.Fatalf("expected groundedness 4, got %d", res.GroundednessScore())
	}

	run := st.run(job.RunID)
	if run.Status != store.RunStatusCompleted || run.FinalDraft != "Short post." {
		t.Fatalf("unexpected stored run %+v", run)
	}
	if got := len(st.steps[job.RunID]); got != 6 {
		t.Fatalf("expected 6 stored steps, got %d", got)
	}
	if strings.Join(st.phases, ",") != "researching,writing,reviewing" {
		t.Fatalf("unexpected phases %v", st.phases)
	}
	if len(sink.finished) != 1 || len(sink.evaluated) != 1 || sink.steps != 6 {
		t.Fatalf("unexpected sink traffic: steps=%d finished=%d evaluated=%d", sink.steps, len(sink.finished), len(sink.evaluated))
	}
	if sink.statuses[0] != store.RunStatusPending || sink.statuses[1] != store.RunStatusRunning {
		t.Fatalf("unexpected statuses %v", sink.statuses)
	}

	if _, err := svc.Execute(ctx, job.RunID); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("expected ErrRunFinished on re-execute, got %v", err)
	}
}

func TestExecuteUnknownRun(t *testing.T) {
	svc := newTestService(newMemStore(), Settings{})
	if _, err := svc.Execute(context.Background(), "missing"); !errors.Is(err, store.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestExecuteWithoutCredentialFailsRun(t *testing.T) {
	st := newMemStore()
	svc := newTestService(st, Settings{})
	job, err := svc.Create(context.Background(), "user-1", RunRequest{Topic: "Go generics"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := svc.Execute(context.Background(), job.RunID)
	if !errors.Is(err, workflow.ErrMissingCompletion) {
		t.Fatalf("expected ErrMissingCompletion, got %v", err)
	}
	if res.Status != workflow.StatusFailed || st.run(job.RunID).Status != store.RunStatusFailed {
		t.Fatalf("expected failed run, got %s / %s", res.Status, st.run(job.RunID).Status)
	}
}

func TestUserAPIConfigOverridesServerCredentials(t *testing.T) {
	st := newMemStore()
	st.apiCfg["user-1"] = store.APIConfig{UserID: "user-1", OpenAIAPIKey: "sk-user", Model: "gpt-user"}
	var seen []llm.Settings
	svc := newTestService(st, Settings{LLM: llm.Settings{APIKey: "sk-server", Model: "gpt-server"}}, WithCompleterFactory(shortCompletions(&seen)))

	job, _ := svc.Create(context.Background(), "user-1", RunRequest{Topic: "Remote work"})
	if _, err := svc.Execute(context.Background(), job.RunID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(seen) != 1 || seen[0].APIKey != "sk-user" || seen[0].Model != "gpt-user" {
		t.Fatalf("expected user credentials, got %+v", seen)
	}

	job, _ = svc.Create(context.Background(), "user-2", RunRequest{Topic: "Remote work"})
	if _, err := svc.Execute(context.Background(), job.RunID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if seen[1].APIKey != "sk-server" {
		t.Fatalf("expected server credentials for user-2, got %+v", seen[1])
	}
}

func TestResolveConfigLayersTemplateAndDefaults(t *testing.T) {
	defaults := workflow.DefaultConfig()
	defaults.Tone = "friendly"
	defaults.MaxRevisions = 3
	svc := newTestService(newMemStore(), Settings{Defaults: defaults})

	cfg, err := svc.ResolveConfig(RunRequest{Topic: "x"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Tone != "friendly" || cfg.MaxRevisions != 3 || cfg.TemplateInstructions != "" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	tmpl, err := svc.Templates().Get("hot-take")
	if err != nil {
		t.Fatalf("built-in hot-take template: %v", err)
	}
	cfg, err = svc.ResolveConfig(RunRequest{Topic: "x", TemplateID: "hot-take"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Tone != tmpl.Tone || cfg.TemplateInstructions == "" {
		t.Fatalf("expected template tone and instructions, got %+v", cfg)
	}

	no := false
	cfg, err = svc.ResolveConfig(RunRequest{Topic: "x", TemplateID: "hot-take", Tone: "calm", IncludeHashtags: &no})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Tone != "calm" || cfg.IncludeHashtags {
		t.Fatalf("request fields must win, got %+v", cfg)
	}

	if _, err := svc.ResolveConfig(RunRequest{TemplateID: "nope"}); err == nil {
		t.Fatalf("expected unknown template error")
	}
	if _, err := svc.ResolveConfig(RunRequest{WordCountMin: 300, WordCountMax: 100}); !errors.Is(err, workflow.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCreateRequiresTopic(t *testing.T) {
	svc := newTestService(newMemStore(), Settings{})
	if _, err := svc.Create(context.Background(), "u", RunRequest{Topic: "   "}); !errors.Is(err, workflow.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSubmitPublishesJob(t *testing.T) {
	st := newMemStore()
	pub := &capturePublisher{}
	topo := streams.NewTopology("acme")
	svc := newTestService(st, Settings{}, WithQueue(pub, topo))

	job, err := svc.Submit(context.Background(), "user-1", RunRequest{Topic: "Kubernetes"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(pub.streams) != 1 || pub.streams[0] != topo.RunQueue()+"|"+streams.EventRunEnqueued {
		t.Fatalf("unexpected publish %v", pub.streams)
	}
	if got := pub.jobs[0].(Job); got.RunID != job.RunID || got.UserID != "user-1" {
		t.Fatalf("unexpected job payload %+v", got)
	}

	pub.err = errors.New("redis down")
	if _, err := svc.Submit(context.Background(), "user-1", RunRequest{Topic: "Kubernetes"}); err == nil {
		t.Fatalf("expected enqueue error")
	}
	if st.run("run-2").Status != store.RunStatusFailed {
		t.Fatalf("expected run-2 failed after enqueue error, got %s", st.run("run-2").Status)
	}

	bare := newTestService(newMemStore(), Settings{})
	if _, err := bare.Submit(context.Background(), "u", RunRequest{Topic: "x"}); !errors.Is(err, ErrNoQueue) {
		t.Fatalf("expected ErrNoQueue, got %v", err)
	}
}

func TestCancelStopsInProcessRun(t *testing.T) {
	st := newMemStore()
	started := make(chan struct{})
	svc := newTestService(st, Settings{}, WithCompleterFactory(blockingCompletions(started)))

	job, err := svc.Start(context.Background(), "user-1", RunRequest{Topic: "Edge AI"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("run never reached a completion")
	}
	ok, err := svc.Cancel(context.Background(), job.RunID)
	if err != nil || !ok {
		t.Fatalf("cancel: %v %v", ok, err)
	}
	waitForStatus(t, st, job.RunID, store.RunStatusCancelled)
	if svc.Running(job.RunID) {
		t.Fatalf("run should be untracked after finishing")
	}
}

func TestCancelFlagStopsQueuedRun(t *testing.T) {
	st := newMemStore()
	flags := &memFlags{}
	sink := &captureSink{}
	svc := newTestService(st, Settings{}, WithCancelFlags(flags), WithSink(sink), WithCompleterFactory(shortCompletions(nil)))

	job, _ := svc.Create(context.Background(), "user-1", RunRequest{Topic: "Edge AI"})
	ok, err := svc.Cancel(context.Background(), job.RunID)
	if err != nil || !ok {
		t.Fatalf("cancel: %v %v", ok, err)
	}
	res, err := svc.Execute(context.Background(), job.RunID)
	if err != nil {
		t.Fatalf("cancelled runs are not errors, got %v", err)
	}
	if res.Status != workflow.StatusCancelled || st.run(job.RunID).Status != store.RunStatusCancelled {
		t.Fatalf("expected cancelled run, got %+v", res)
	}
	if raised, _ := flags.Raised(context.Background(), job.RunID); raised {
		t.Fatalf("flag should be cleared after finishing")
	}
	if len(sink.finished) != 1 {
		t.Fatalf("expected finished event")
	}
}

func TestCancelFlagStopsRunningRun(t *testing.T) {
	st := newMemStore()
	flags := &memFlags{}
	started := make(chan struct{})
	svc := newTestService(st, Settings{CancelPoll: 10 * time.Millisecond}, WithCancelFlags(flags), WithCompleterFactory(blockingCompletions(started)))

	job, _ := svc.Create(context.Background(), "user-1", RunRequest{Topic: "Edge AI"})
	done := make(chan workflow.FinalResult, 1)
	go func() {
		res, _ := svc.Execute(context.Background(), job.RunID)
		done <- res
	}()
	<-started
	// Raised directly, as another worker would.
	_ = flags.Raise(context.Background(), job.RunID, time.Minute)

	select {
	case res := <-done:
		if res.Status != workflow.StatusCancelled {
			t.Fatalf("expected cancelled, got %s", res.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run ignored the cancel flag")
	}
}

func TestExecuteTimeoutFailsRun(t *testing.T) {
	st := newMemStore()
	started := make(chan struct{})
	svc := newTestService(st, Settings{RunTimeout: 50 * time.Millisecond}, WithCompleterFactory(blockingCompletions(started)))

	job, _ := svc.Create(context.Background(), "user-1", RunRequest{Topic: "Edge AI"})
	res, err := svc.Execute(context.Background(), job.RunID)
	if !errors.Is(err, ErrRunTimeout) {
		t.Fatalf("expected ErrRunTimeout, got %v", err)
	}
	if res.Status != workflow.StatusFailed || st.run(job.RunID).Status != store.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", res.Status)
	}
}

func TestExecuteInterruptedFailsRun(t *testing.T) {
	st := newMemStore()
	started := make(chan struct{})
	svc := newTestService(st, Settings{}, WithCompleterFactory(blockingCompletions(started)))

	job, _ := svc.Create(context.Background(), "user-1", RunRequest{Topic: "Edge AI"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res, err := svc.Execute(ctx, job.RunID)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if res.Status != workflow.StatusFailed || st.run(job.RunID).Status != store.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", res.Status)
	}
}

func TestEvaluateStoredRun(t *testing.T) {
	st := newMemStore()
	sink := &captureSink{}
	svc := newTestService(st, Settings{}, WithSink(sink), WithCompleterFactory(shortCompletions(nil)))
	ctx := context.Background()

	job, _ := svc.Create(ctx, "user-1", RunRequest{Topic: "AI adoption"})
	if _, err := svc.Evaluate(ctx, job.RunID); !errors.Is(err, ErrNothingToEvaluate) {
		t.Fatalf("expected ErrNothingToEvaluate, got %v", err)
	}
	if _, err := svc.Execute(ctx, job.RunID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.run(job.RunID).Groundedness != nil {
		t.Fatalf("evaluation is off, no report expected yet")
	}

	report, err := svc.Evaluate(ctx, job.RunID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if report.Score != 4 || len(report.SupportedClaims) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if g := st.run(job.RunID).Groundedness; g == nil || g.Score != 4 {
		t.Fatalf("report not stored: %+v", g)
	}
	if len(sink.evaluated) != 1 {
		t.Fatalf("expected one evaluated event, got %d", len(sink.evaluated))
	}
	if _, err := svc.Evaluate(ctx, "missing"); !errors.Is(err, store.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func waitForStatus(t *testing.T, st *memStore, runID, status string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st.run(runID).Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s (last %s)", runID, status, st.run(runID).Status)
}
