package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/mohammad-safakhou/postcraft/internal/service"
	"github.com/mohammad-safakhou/postcraft/internal/store"
	"github.com/mohammad-safakhou/postcraft/internal/workflow"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const idempotencyScope = streams.EventRunEnqueued

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
	GetRun(ctx context.Context, runID string) (store.Run, bool, error)
	FinishRun(ctx context.Context, runID, status string, errMsg *string) error
}

// Executor runs a stored run to completion. *service.Service satisfies it.
type Executor interface {
	Execute(ctx context.Context, runID string) (workflow.FinalResult, error)
}

// Source is the consumer-group view of the run queue. *streams.Consumer
// satisfies it.
type Source interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
}

// Processor consumes run.enqueued jobs and executes them.
type Processor struct {
	logger      *log.Logger
	store       StoreAPI
	exec        Executor
	source      Source
	runStream   string
	concurrency int
	claimIdle   time.Duration
	block       time.Duration
	tracer      trace.Tracer

	runCounter     otelmetric.Int64Counter
	failedCounter  otelmetric.Int64Counter
	reclaimCounter otelmetric.Int64Counter
}

// Option configures a Processor.
type Option func(*Processor)

// WithConcurrency bounds how many runs execute at once.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithClaimIdle sets how long a delivered job may sit unacknowledged before
// another worker takes it over.
func WithClaimIdle(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.claimIdle = d
		}
	}
}

// WithBlock sets how long one queue read waits for new jobs.
func WithBlock(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.block = d
		}
	}
}

func WithMeter(meter otelmetric.Meter) Option {
	return func(p *Processor) {
		if meter == nil {
			return
		}
		var err error
		p.runCounter, err = meter.Int64Counter("worker_runs_processed")
		if err != nil {
			p.logger.Printf("warn: create run counter failed: %v", err)
		}
		p.failedCounter, err = meter.Int64Counter("worker_runs_failed")
		if err != nil {
			p.logger.Printf("warn: create failure counter failed: %v", err)
		}
		p.reclaimCounter, err = meter.Int64Counter("worker_runs_reclaimed")
		if err != nil {
			p.logger.Printf("warn: create reclaim counter failed: %v", err)
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) {
		if t != nil {
			p.tracer = t
		}
	}
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, st StoreAPI, exec Executor, src Source, runStream string, opts ...Option) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	p := &Processor{
		logger:      logger,
		store:       st,
		exec:        exec,
		source:      src,
		runStream:   runStream,
		concurrency: 4,
		claimIdle:   15 * time.Minute,
		block:       5 * time.Second,
		tracer:      noop.NewTracerProvider().Tracer("worker"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start blocks, processing run.enqueued jobs until the context is cancelled.
// Runs in flight are cancelled with ctx and waited for before returning.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting; consuming stream %s (concurrency %d)", p.runStream, p.concurrency)
	slots := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	dispatch := func(msg streams.Message, reclaimed bool) {
		slots <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-slots
				wg.Done()
			}()
			p.process(ctx, msg, reclaimed)
		}()
	}

	p.reclaim(ctx, dispatch)
	lastReclaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			return nil
		default:
		}

		if time.Since(lastReclaim) >= p.claimIdle/2 {
			p.reclaim(ctx, dispatch)
			lastReclaim = time.Now()
		}

		free := int64(p.concurrency - len(slots))
		if free <= 0 {
			free = 1
		}
		msgs, err := p.source.Read(ctx, p.runStream, streams.WithBlock(p.block), streams.WithCount(free))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			dispatch(msg, false)
		}
	}
}

// reclaim takes over jobs left pending by workers that died mid-run.
func (p *Processor) reclaim(ctx context.Context, dispatch func(streams.Message, bool)) {
	cursor := "0-0"
	for {
		msgs, next, err := p.source.AutoClaim(ctx, p.runStream, p.claimIdle, cursor, 16)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Printf("warn: reclaim stale jobs failed: %v", err)
			}
			return
		}
		for _, msg := range msgs {
			dispatch(msg, true)
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return
		}
		cursor = next
	}
}

func (p *Processor) process(ctx context.Context, msg streams.Message, reclaimed bool) {
	if err := p.handleRunEnqueued(ctx, msg, reclaimed); err != nil {
		p.logger.Printf("error handling run message %s: %v", msg.ID, err)
		if ctx.Err() != nil {
			// Shutdown: left pending so another worker reclaims it and abandon
			// settles the run.
			return
		}
	}
	if err := p.source.Ack(context.WithoutCancel(ctx), p.runStream, msg.ID); err != nil {
		p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
	}
}

func (p *Processor) handleRunEnqueued(ctx context.Context, msg streams.Message, reclaimed bool) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_run")
	defer span.End()

	var job service.Job
	if err := msg.Envelope.Decode(&job); err != nil {
		return err
	}
	if job.RunID == "" {
		return fmt.Errorf("run.enqueued %s has no run_id", msg.Envelope.EventID)
	}
	span.SetAttributes(attribute.String("run_id", job.RunID), attribute.Bool("reclaimed", reclaimed))

	claimed, err := p.store.ClaimIdempotency(ctx, idempotencyScope, msg.Envelope.EventID)
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		if reclaimed {
			return p.abandon(ctx, job.RunID)
		}
		p.logger.Printf("skip event %s: already processed", msg.Envelope.EventID)
		return nil
	}
	if reclaimed && p.reclaimCounter != nil {
		p.reclaimCounter.Add(ctx, 1)
	}

	res, err := p.exec.Execute(ctx, job.RunID)
	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", string(res.Status))))
	}
	switch {
	case errors.Is(err, service.ErrRunFinished):
		p.logger.Printf("skip run %s: already %s", job.RunID, res.Status)
		return nil
	case err != nil:
		if p.failedCounter != nil {
			p.failedCounter.Add(ctx, 1)
		}
		return fmt.Errorf("run %s: %w", job.RunID, err)
	}
	p.logger.Printf("run %s %s after %d steps", job.RunID, res.Status, res.Steps)
	return nil
}

// abandon fails a run whose job was claimed by a worker that stopped
// before finishing it. Its partial steps cannot be resumed.
func (p *Processor) abandon(ctx context.Context, runID string) error {
	run, ok, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load abandoned run %s: %w", runID, err)
	}
	if !ok || run.Terminal() {
		return nil
	}
	msg := "worker stopped before the run finished"
	p.logger.Printf("run %s abandoned by a previous worker; marking failed", runID)
	if err := p.store.FinishRun(ctx, runID, store.RunStatusFailed, &msg); err != nil {
		return fmt.Errorf("fail abandoned run %s: %w", runID, err)
	}
	if p.failedCounter != nil {
		p.failedCounter.Add(ctx, 1)
	}
	return nil
}
