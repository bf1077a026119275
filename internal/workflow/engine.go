package workflow

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/llm"
	"github.com/mohammad-safakhou/postcraft/internal/search"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultSearchResults = 5

// Engine drives a run through the supervisor, researcher, writer and critic
// stages until the supervisor ends it or the iteration cap is hit.
// An Engine holds no per-run state and may serve concurrent runs.
type Engine struct {
	completer  llm.Completer
	searcher   search.Searcher
	evaluator  *Evaluator
	observers  []Observer
	logger     *log.Logger
	tracer     trace.Tracer
	now        func() time.Time
	maxResults int
	stepLimit  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithSearcher enables web research. Without one the researcher records a
// placeholder finding.
func WithSearcher(s search.Searcher) Option {
	return func(e *Engine) { e.searcher = s }
}

// WithEvaluator runs a groundedness check after every completed run.
func WithEvaluator(ev *Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithObservers registers observers notified on every run of this engine.
func WithObservers(obs ...Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, obs...) }
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides the time source used for step timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMaxSearchResults caps the number of results requested per search.
func WithMaxSearchResults(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxResults = n
		}
	}
}

// WithStepLimit tightens the per-run cap on stage invocations. It never
// raises the cap above IterationCap for the run's revision budget.
func WithStepLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.stepLimit = n
		}
	}
}

// New builds an Engine. A nil completer is accepted; runs then fail with
// ErrMissingCompletion.
func New(completer llm.Completer, opts ...Option) *Engine {
	e := &Engine{
		completer:  completer,
		logger:     log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		tracer:     otel.Tracer("postcraft/internal/workflow"),
		now:        time.Now,
		maxResults: defaultSearchResults,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type outcome struct {
	delta    Delta
	decision string
	payload  map[string]any
}

// Run executes a run to completion and blocks until it ends. The returned
// error is non-nil only for failed runs and is always a *RunError. A
// cancelled context yields StatusCancelled with a nil error.
func (e *Engine) Run(ctx context.Context, topic string, cfg Config, observers ...Observer) (FinalResult, error) {
	return e.execute(ctx, topic, cfg, observers, nil)
}

// Stream is a run in progress whose step events are delivered over a
// channel. The engine waits for each event to be received before it
// dispatches the next stage.
type Stream struct {
	events chan StepEvent
	done   chan struct{}
	result FinalResult
	err    error
}

// Events yields step events in sequence order and is closed when the run ends.
func (s *Stream) Events() <-chan StepEvent { return s.events }

// Wait blocks until the run has ended. Drain Events first or cancel the
// context, otherwise the run cannot make progress.
func (s *Stream) Wait() (FinalResult, error) {
	<-s.done
	return s.result, s.err
}

// Stream starts a run in the background. Streams cannot be resumed; a
// consumer that stops reading should cancel ctx.
func (e *Engine) Stream(ctx context.Context, topic string, cfg Config, observers ...Observer) *Stream {
	s := &Stream{events: make(chan StepEvent), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer close(s.events)
		s.result, s.err = e.execute(ctx, topic, cfg, observers, func(ev StepEvent) bool {
			select {
			case s.events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return s
}

func (e *Engine) execute(ctx context.Context, topic string, cfg Config, extra []Observer, emit func(StepEvent) bool) (FinalResult, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.run")
	defer span.End()

	observers := make([]Observer, 0, len(e.observers)+len(extra))
	observers = append(observers, e.observers...)
	observers = append(observers, extra...)

	cfg = cfg.Normalize()
	st := State{Topic: strings.TrimSpace(topic), Config: cfg}
	span.SetAttributes(attribute.Int("max_revisions", cfg.MaxRevisions))

	if err := cfg.Validate(); err != nil {
		return e.fail(span, st, 0, &RunError{Kind: ErrInvalidConfig, Stage: StageSupervisor, Err: err})
	}
	if st.Topic == "" {
		return e.fail(span, st, 0, &RunError{Kind: ErrInvalidConfig, Stage: StageSupervisor, Err: fmt.Errorf("topic is required")})
	}
	if e.completer == nil {
		return e.fail(span, st, 0, &RunError{Kind: ErrMissingCompletion, Stage: StageSupervisor, Step: 1})
	}

	limit := IterationCap(cfg.MaxRevisions)
	if e.stepLimit > 0 && e.stepLimit < limit {
		limit = e.stepLimit
	}
	stage := StageSupervisor
	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			return e.cancel(span, st, steps, err), nil
		}
		if steps >= limit {
			return e.fail(span, st, steps, &RunError{
				Kind:  ErrIterationCap,
				Stage: stage,
				Step:  steps + 1,
				Err:   fmt.Errorf("limit of %d stage invocations reached", limit),
			})
		}

		ev := e.step(ctx, stage, &st, steps+1)
		steps++
		// Observers see every merged stage, including one that outlived ctx.
		notifyObservers(context.WithoutCancel(ctx), e.logger, observers, ev)
		if emit != nil && !emit(ev) {
			return e.cancel(span, st, steps, ctx.Err()), nil
		}

		next, done := nextStage(stage, st.NextStep)
		if done {
			break
		}
		stage = next
	}

	if err := ctx.Err(); err != nil {
		return e.cancel(span, st, steps, err), nil
	}
	result := summarize(st, StatusCompleted, steps)
	if e.evaluator != nil {
		report := e.evaluator.Evaluate(ctx, st.Draft, st.ResearchFindings)
		result.Groundedness = &report
		span.SetAttributes(attribute.Int("groundedness_score", report.Score))
	}
	span.SetAttributes(
		attribute.Int("steps", steps),
		attribute.Int("revisions", st.RevisionNumber),
	)
	e.logger.Printf("run completed: topic=%q steps=%d revisions=%d", st.Topic, steps, st.RevisionNumber)
	return result, nil
}

func (e *Engine) step(ctx context.Context, stage Stage, st *State, seq int) StepEvent {
	ctx, span := e.tracer.Start(ctx, "workflow."+stage.String())
	defer span.End()
	span.SetAttributes(attribute.Int("sequence", seq))

	started := e.now()
	out := e.dispatch(ctx, stage, *st)
	st.apply(out.delta)
	finished := e.now()

	span.SetAttributes(attribute.String("decision", out.decision))
	return StepEvent{
		Sequence:       seq,
		Stage:          stage,
		Decision:       out.decision,
		Payload:        out.payload,
		DurationMillis: finished.Sub(started).Milliseconds(),
		Timestamp:      finished.UTC(),
	}
}

func (e *Engine) dispatch(ctx context.Context, stage Stage, st State) outcome {
	switch stage {
	case StageSupervisor:
		return e.supervise(ctx, st)
	case StageResearcher:
		return e.research(ctx, st)
	case StageWriter:
		return e.write(ctx, st)
	case StageCritic:
		return e.critique(ctx, st)
	default:
		panic(fmt.Sprintf("workflow: unknown stage %d", int(stage)))
	}
}

// nextStage follows the pipeline edges. done is true once the supervisor
// has routed to the end.
func nextStage(current Stage, next Step) (Stage, bool) {
	switch current {
	case StageSupervisor:
		switch next {
		case StepResearcher:
			return StageResearcher, false
		case StepWriter:
			return StageWriter, false
		default:
			return StageSupervisor, true
		}
	case StageResearcher:
		return StageSupervisor, false
	case StageWriter:
		return StageCritic, false
	case StageCritic:
		if next == StepWriter {
			return StageWriter, false
		}
		return StageSupervisor, false
	default:
		panic(fmt.Sprintf("workflow: unknown stage %d", int(current)))
	}
}

func (e *Engine) fail(span trace.Span, st State, steps int, err *RunError) (FinalResult, error) {
	result := summarize(st, StatusFailed, steps)
	result.Error = err.Error()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Printf("run failed: topic=%q steps=%d: %v", st.Topic, steps, err)
	return result, err
}

func (e *Engine) cancel(span trace.Span, st State, steps int, cause error) FinalResult {
	result := summarize(st, StatusCancelled, steps)
	if cause != nil {
		result.Error = cause.Error()
	}
	span.SetAttributes(attribute.Bool("cancelled", true))
	e.logger.Printf("run cancelled: topic=%q steps=%d: %v", st.Topic, steps, cause)
	return result
}
