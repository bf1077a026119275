package events

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/workflow"
)

// phaseTracker reports a phase only when it differs from the previous one.
type phaseTracker struct {
	mu      sync.Mutex
	current string
}

func (t *phaseTracker) advance(stage workflow.Stage) (string, bool) {
	phase, ok := PhaseFor(stage)
	if !ok {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if phase == t.current {
		return "", false
	}
	t.current = phase
	return phase, true
}

// SinkObserver forwards one run's step events to a Sink and announces phase
// changes as status events. A failed Step publish is retried with exponential
// backoff before the observer gives up.
type SinkObserver struct {
	sink    Sink
	runID   string
	retries int
	backoff time.Duration
	phases  phaseTracker
}

type SinkObserverOption func(*SinkObserver)

// WithRetry sets how many times a failed step publish is retried and the
// initial delay between attempts.
func WithRetry(retries int, backoff time.Duration) SinkObserverOption {
	return func(o *SinkObserver) {
		if retries >= 0 {
			o.retries = retries
		}
		if backoff > 0 {
			o.backoff = backoff
		}
	}
}

func NewSinkObserver(sink Sink, runID string, opts ...SinkObserverOption) *SinkObserver {
	o := &SinkObserver{sink: sink, runID: runID, retries: 3, backoff: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *SinkObserver) OnStep(ctx context.Context, ev workflow.StepEvent) error {
	if err := o.publishStep(ctx, ev); err != nil {
		return err
	}
	if phase, changed := o.phases.advance(ev.Stage); changed {
		return o.sink.Status(ctx, o.runID, phase, ev.Sequence)
	}
	return nil
}

func (o *SinkObserver) publishStep(ctx context.Context, ev workflow.StepEvent) error {
	var lastErr error
	tries := o.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		if lastErr = o.sink.Step(ctx, o.runID, ev); lastErr == nil {
			return nil
		}
		if attempt < tries-1 {
			select {
			case <-time.After(o.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return fmt.Errorf("publish step %d: %w", ev.Sequence, ctx.Err())
			}
		}
	}
	return fmt.Errorf("publish step %d after %d attempts: %w", ev.Sequence, tries, lastErr)
}

// StepStore is the persistence the StoreObserver writes through.
type StepStore interface {
	InsertStep(ctx context.Context, runID string, ev workflow.StepEvent) (bool, error)
	SetRunPhase(ctx context.Context, runID, phase string) error
}

// StoreObserver persists each step and keeps the run's phase current.
type StoreObserver struct {
	store  StepStore
	runID  string
	phases phaseTracker
}

func NewStoreObserver(store StepStore, runID string) *StoreObserver {
	return &StoreObserver{store: store, runID: runID}
}

func (o *StoreObserver) OnStep(ctx context.Context, ev workflow.StepEvent) error {
	if _, err := o.store.InsertStep(ctx, o.runID, ev); err != nil {
		return fmt.Errorf("persist step %d: %w", ev.Sequence, err)
	}
	if phase, changed := o.phases.advance(ev.Stage); changed {
		if err := o.store.SetRunPhase(ctx, o.runID, phase); err != nil {
			return fmt.Errorf("set phase %s: %w", phase, err)
		}
	}
	return nil
}

// LogObserver writes one line per step.
type LogObserver struct {
	logger *log.Logger
	runID  string
}

func NewLogObserver(logger *log.Logger, runID string) *LogObserver {
	if logger == nil {
		logger = log.New(log.Writer(), "[RUN] ", log.LstdFlags)
	}
	return &LogObserver{logger: logger, runID: runID}
}

func (o *LogObserver) OnStep(ctx context.Context, ev workflow.StepEvent) error {
	o.logger.Printf("run=%s step=%d stage=%s decision=%q duration=%dms", o.runID, ev.Sequence, ev.Stage, ev.Decision, ev.DurationMillis)
	return nil
}
