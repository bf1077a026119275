package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/mohammad-safakhou/postcraft/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
)

type recordingSink struct {
	mu        sync.Mutex
	steps     []int
	statuses  []string
	finished  []workflow.Status
	evaluated []int
	err       error
}

func (s *recordingSink) Step(ctx context.Context, runID string, ev workflow.StepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, ev.Sequence)
	return s.err
}

func (s *recordingSink) Status(ctx context.Context, runID, status string, sequence int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, fmt.Sprintf("%s@%d", status, sequence))
	return s.err
}

func (s *recordingSink) Finished(ctx context.Context, runID string, res workflow.FinalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, res.Status)
	return s.err
}

func (s *recordingSink) Evaluated(ctx context.Context, runID string, report workflow.GroundednessReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluated = append(s.evaluated, report.Score)
	return s.err
}

type fakeStepStore struct {
	steps  map[int]workflow.StepEvent
	phases []string
	err    error
}

func (f *fakeStepStore) InsertStep(ctx context.Context, runID string, ev workflow.StepEvent) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.steps == nil {
		f.steps = map[int]workflow.StepEvent{}
	}
	if _, ok := f.steps[ev.Sequence]; ok {
		return false, nil
	}
	f.steps[ev.Sequence] = ev
	return true, nil
}

func (f *fakeStepStore) SetRunPhase(ctx context.Context, runID, phase string) error {
	f.phases = append(f.phases, phase)
	return nil
}

type fakeNATS struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func step(seq int, stage workflow.Stage) workflow.StepEvent {
	return workflow.StepEvent{
		Sequence:       seq,
		Stage:          stage,
		Decision:       stage.String(),
		Payload:        map[string]any{"n": seq},
		DurationMillis: 250,
		Timestamp:      time.Date(2025, 3, 1, 12, 0, seq, 0, time.UTC),
	}
}

// canonicalRun is the stage order of a run that researches once, writes
// twice and is approved on the second review.
func canonicalRun() []workflow.StepEvent {
	stages := []workflow.Stage{
		workflow.StageSupervisor, workflow.StageResearcher,
		workflow.StageSupervisor, workflow.StageWriter, workflow.StageCritic,
		workflow.StageSupervisor, workflow.StageWriter, workflow.StageCritic,
		workflow.StageSupervisor,
	}
	out := make([]workflow.StepEvent, len(stages))
	for i, s := range stages {
		out[i] = step(i+1, s)
	}
	return out
}

func mustRegistry(t *testing.T) *streams.SchemaRegistry {
	t.Helper()
	reg, err := streams.NewDefaultRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func TestSequencerReordersAndDropsDuplicates(t *testing.T) {
	seq := NewSequencer()
	if got := seq.Push(step(2, workflow.StageResearcher)); len(got) != 0 {
		t.Fatalf("expected step 2 to wait for step 1, got %d events", len(got))
	}
	if got := seq.Push(step(3, workflow.StageSupervisor)); len(got) != 0 {
		t.Fatalf("expected step 3 to wait, got %d events", len(got))
	}
	if seq.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", seq.Pending())
	}
	if got := seq.Push(step(3, workflow.StageSupervisor)); got != nil {
		t.Fatalf("expected buffered duplicate to be dropped")
	}
	got := seq.Push(step(1, workflow.StageSupervisor))
	if len(got) != 3 {
		t.Fatalf("expected 3 released events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Sequence != i+1 {
			t.Fatalf("release %d has sequence %d", i, ev.Sequence)
		}
	}
	if seq.Next() != 4 || seq.Pending() != 0 {
		t.Fatalf("unexpected cursor next=%d pending=%d", seq.Next(), seq.Pending())
	}
	if got := seq.Push(step(2, workflow.StageResearcher)); got != nil {
		t.Fatalf("expected replayed step to be dropped")
	}
}

func TestSequencerFromResumesCursor(t *testing.T) {
	seq := NewSequencerFrom(5)
	if got := seq.Push(step(4, workflow.StageWriter)); got != nil {
		t.Fatalf("expected old step to be dropped")
	}
	if got := seq.Push(step(5, workflow.StageCritic)); len(got) != 1 || got[0].Sequence != 5 {
		t.Fatalf("expected step 5 released, got %+v", got)
	}
	if NewSequencerFrom(0).Next() != 1 {
		t.Fatalf("expected non-positive start to clamp to 1")
	}
}

func TestSinkObserverAnnouncesPhaseChanges(t *testing.T) {
	sink := &recordingSink{}
	obs := NewSinkObserver(sink, "run-1")
	ctx := context.Background()
	for _, ev := range canonicalRun() {
		if err := obs.OnStep(ctx, ev); err != nil {
			t.Fatalf("on step %d: %v", ev.Sequence, err)
		}
	}
	if len(sink.steps) != 9 {
		t.Fatalf("expected 9 steps, got %d", len(sink.steps))
	}
	want := []string{"researching@2", "writing@4", "reviewing@5", "writing@7", "reviewing@8"}
	if strings.Join(sink.statuses, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected statuses %v", sink.statuses)
	}
}

func TestSinkObserverStopsOnStepError(t *testing.T) {
	sink := &recordingSink{err: errors.New("down")}
	obs := NewSinkObserver(sink, "run-1", WithRetry(2, time.Millisecond))
	if err := obs.OnStep(context.Background(), step(1, workflow.StageResearcher)); err == nil {
		t.Fatalf("expected sink error")
	}
	if len(sink.steps) != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", len(sink.steps))
	}
	if len(sink.statuses) != 0 {
		t.Fatalf("expected no status after failed step, got %v", sink.statuses)
	}
}

// flakySink fails the first Step publish of each listed sequence.
type flakySink struct {
	recordingSink
	failOnce map[int]bool
}

func (s *flakySink) Step(ctx context.Context, runID string, ev workflow.StepEvent) error {
	s.mu.Lock()
	fail := s.failOnce[ev.Sequence]
	delete(s.failOnce, ev.Sequence)
	s.mu.Unlock()
	if fail {
		return errors.New("xadd timeout")
	}
	return s.recordingSink.Step(ctx, runID, ev)
}

func TestSinkObserverRetriesTransientStepFailure(t *testing.T) {
	sink := &flakySink{failOnce: map[int]bool{2: true}}
	obs := NewSinkObserver(sink, "run-1", WithRetry(3, time.Millisecond))
	for _, ev := range canonicalRun() {
		if err := obs.OnStep(context.Background(), ev); err != nil {
			t.Fatalf("on step %d: %v", ev.Sequence, err)
		}
	}
	seq := NewSequencer()
	var delivered []int
	for _, n := range sink.steps {
		for _, ev := range seq.Push(step(n, workflow.StageSupervisor)) {
			delivered = append(delivered, ev.Sequence)
		}
	}
	if len(delivered) != 9 || seq.Pending() != 0 {
		t.Fatalf("expected all 9 steps delivered in order, got %v pending=%d", delivered, seq.Pending())
	}
}

func TestSinkObserverRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &recordingSink{err: errors.New("down")}
	obs := NewSinkObserver(sink, "run-1", WithRetry(5, time.Hour))
	err := obs.OnStep(ctx, step(1, workflow.StageResearcher))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sink.steps) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(sink.steps))
	}
}

func TestStoreObserverPersistsStepsAndPhases(t *testing.T) {
	store := &fakeStepStore{}
	obs := NewStoreObserver(store, "run-1")
	ctx := context.Background()
	for _, ev := range canonicalRun() {
		if err := obs.OnStep(ctx, ev); err != nil {
			t.Fatalf("on step %d: %v", ev.Sequence, err)
		}
	}
	if len(store.steps) != 9 {
		t.Fatalf("expected 9 persisted steps, got %d", len(store.steps))
	}
	if got := strings.Join(store.phases, ","); got != "researching,writing,reviewing,writing,reviewing" {
		t.Fatalf("unexpected phases %s", got)
	}

	failing := NewStoreObserver(&fakeStepStore{err: errors.New("db gone")}, "run-2")
	err := failing.OnStep(ctx, step(1, workflow.StageSupervisor))
	if err == nil || !strings.Contains(err.Error(), "persist step 1") {
		t.Fatalf("expected wrapped persist error, got %v", err)
	}
}

func TestLogObserverWritesOneLinePerStep(t *testing.T) {
	var buf strings.Builder
	obs := NewLogObserver(log.New(&buf, "", 0), "run-7")
	_ = obs.OnStep(context.Background(), step(3, workflow.StageWriter))
	line := buf.String()
	if !strings.Contains(line, "run=run-7") || !strings.Contains(line, "step=3") || !strings.Contains(line, "stage=writer") {
		t.Fatalf("unexpected log line %q", line)
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("boom")}
	multi := MultiSink{ok, nil, bad}
	err := multi.Finished(context.Background(), "run-1", workflow.FinalResult{Status: workflow.StatusCompleted})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.finished) != 1 || len(bad.finished) != 1 {
		t.Fatalf("expected every sink to be called")
	}
	if err := (MultiSink{ok}).Evaluated(context.Background(), "run-1", workflow.GroundednessReport{Score: 4}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStepPayloadRoundTrip(t *testing.T) {
	ev := step(4, workflow.StageCritic)
	p := NewStepPayload("run-1", ev)
	if p.Stage != "critic" || p.RunID != "run-1" {
		t.Fatalf("unexpected payload %+v", p)
	}
	back, err := p.Event()
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	if back.Stage != workflow.StageCritic || back.Sequence != 4 || !back.Timestamp.Equal(ev.Timestamp) {
		t.Fatalf("unexpected event %+v", back)
	}
	if _, err := (StepPayload{Stage: "editor"}).Event(); err == nil {
		t.Fatalf("expected unknown stage error")
	}
	if NewStepPayload("run-1", workflow.StepEvent{Sequence: 1}).Payload == nil {
		t.Fatalf("expected nil payload to become an empty object")
	}
}

func TestFinishedAndEvaluatedPayloads(t *testing.T) {
	res := workflow.FinalResult{
		Status:        workflow.StatusCompleted,
		FinalDraft:    "draft",
		RevisionCount: 2,
		CritiqueNotes: "APPROVED",
		Steps:         9,
		Groundedness:  &workflow.GroundednessReport{Score: 4},
	}
	p := NewFinishedPayload("run-1", res)
	if !p.Approved || p.GroundednessScore == nil || *p.GroundednessScore != 4 {
		t.Fatalf("unexpected finished payload %+v", p)
	}
	if NewFinishedPayload("run-1", workflow.FinalResult{Status: workflow.StatusCancelled}).GroundednessScore != nil {
		t.Fatalf("expected no score without a report")
	}
	ep := NewEvaluatedPayload("run-1", workflow.GroundednessReport{Score: -1})
	if ep.Supported == nil || ep.Unsupported == nil {
		t.Fatalf("expected empty claim lists, got %+v", ep)
	}
}

func TestPhaseFor(t *testing.T) {
	if _, ok := PhaseFor(workflow.StageSupervisor); ok {
		t.Fatalf("supervisor has no phase")
	}
	cases := map[workflow.Stage]string{
		workflow.StageResearcher: "researching",
		workflow.StageWriter:     "writing",
		workflow.StageCritic:     "reviewing",
	}
	for stage, want := range cases {
		if got, ok := PhaseFor(stage); !ok || got != want {
			t.Fatalf("phase for %s: got %q", stage, got)
		}
	}
}

func TestNATSSinkPublishesValidatedEnvelopes(t *testing.T) {
	conn := &fakeNATS{}
	sink := newNATSSink(conn, mustRegistry(t), " .acme. ")
	ctx := context.Background()

	if err := sink.Step(ctx, "run-1", step(1, workflow.StageSupervisor)); err != nil {
		t.Fatalf("step: %v", err)
	}
	if err := sink.Status(ctx, "run-1", "researching", 2); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := sink.Finished(ctx, "run-1", workflow.FinalResult{Status: workflow.StatusFailed, Error: "llm down"}); err != nil {
		t.Fatalf("finished: %v", err)
	}
	if err := sink.Evaluated(ctx, "run-1", workflow.GroundednessReport{Score: 3, SupportedClaims: []string{"a"}}); err != nil {
		t.Fatalf("evaluated: %v", err)
	}
	if len(conn.subjects) != 4 {
		t.Fatalf("expected 4 publishes, got %d", len(conn.subjects))
	}
	for _, subj := range conn.subjects {
		if subj != "acme.run.run-1.steps" {
			t.Fatalf("unexpected subject %s", subj)
		}
	}

	env, err := streams.UnmarshalEnvelope(conn.payloads[0])
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.EventType != streams.EventRunStep || env.RunID != "run-1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	var p StepPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Sequence != 1 || p.Stage != "supervisor" {
		t.Fatalf("unexpected step payload %+v", p)
	}
}

func TestNATSSinkRejectsInvalidEvents(t *testing.T) {
	conn := &fakeNATS{}
	sink := newNATSSink(conn, mustRegistry(t), "")
	ctx := context.Background()
	if sink.Subject("r") != streams.DefaultPrefix+".run.r.steps" {
		t.Fatalf("unexpected default subject %s", sink.Subject("r"))
	}
	if err := sink.Step(ctx, "", step(1, workflow.StageSupervisor)); err == nil {
		t.Fatalf("expected missing run id error")
	}
	if err := sink.Status(ctx, "run-1", "sleeping", 0); err == nil {
		t.Fatalf("expected schema rejection for unknown status")
	}
	if len(conn.subjects) != 0 {
		t.Fatalf("invalid events must not be published")
	}
	conn.err = errors.New("no responders")
	if err := sink.Step(ctx, "run-1", step(1, workflow.StageSupervisor)); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestMetricsRecordsStepsAndRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	again, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("second registration should reuse collectors: %v", err)
	}
	ctx := context.Background()
	for _, ev := range canonicalRun() {
		_ = m.OnStep(ctx, ev)
	}
	again.RunFinished(workflow.FinalResult{Status: workflow.StatusCompleted, Groundedness: &workflow.GroundednessReport{Score: 5}})
	m.Evaluated(workflow.GroundednessReport{Score: -1})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	counts := map[string]float64{}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			key := fam.GetName()
			for _, lp := range metric.GetLabel() {
				key += "/" + lp.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				counts[key] = metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				counts[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	checks := map[string]float64{
		"postcraft_steps_total/supervisor":            4,
		"postcraft_steps_total/writer":                2,
		"postcraft_stage_duration_seconds/critic":     2,
		"postcraft_runs_total/completed":              1,
		"postcraft_groundedness_score":                2,
		"postcraft_stage_duration_seconds/researcher": 1,
	}
	for key, want := range checks {
		if counts[key] != want {
			t.Fatalf("%s: got %v want %v", key, counts[key], want)
		}
	}
}

func TestMetricsWithoutRegistry(t *testing.T) {
	m, err := NewMetrics(nil)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	_ = m.OnStep(context.Background(), step(1, workflow.StageSupervisor))
	m.RunFinished(workflow.FinalResult{Status: workflow.StatusFailed})
}
