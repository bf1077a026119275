package events

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/postcraft/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports run and stage statistics to Prometheus. It is a
// workflow.Observer and may be shared by every run of a process.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	steps         *prometheus.CounterVec
	runs          *prometheus.CounterVec
	groundedness  prometheus.Histogram
}

// NewMetrics registers the collectors with reg, reusing collectors that
// are already registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "postcraft",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of a single stage invocation.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postcraft",
			Name:      "steps_total",
			Help:      "Stage invocations by stage.",
		}, []string{"stage"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postcraft",
			Name:      "runs_total",
			Help:      "Finished runs by terminal status.",
		}, []string{"status"}),
		groundedness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "postcraft",
			Name:      "groundedness_score",
			Help:      "Groundedness scores of evaluated drafts; failed evaluations are -1.",
			Buckets:   []float64{-1, 0, 1, 2, 3, 4, 5},
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	m.stageDuration, err = register(reg, m.stageDuration)
	if err != nil {
		return nil, err
	}
	m.steps, err = register(reg, m.steps)
	if err != nil {
		return nil, err
	}
	m.runs, err = register(reg, m.runs)
	if err != nil {
		return nil, err
	}
	m.groundedness, err = register(reg, m.groundedness)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) OnStep(ctx context.Context, ev workflow.StepEvent) error {
	stage := ev.Stage.String()
	m.steps.WithLabelValues(stage).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(float64(ev.DurationMillis) / 1000)
	return nil
}

// RunFinished counts a terminal run and its groundedness score, if any.
func (m *Metrics) RunFinished(res workflow.FinalResult) {
	m.runs.WithLabelValues(string(res.Status)).Inc()
	if res.Groundedness != nil {
		m.groundedness.Observe(float64(res.Groundedness.Score))
	}
}

// Evaluated records a standalone re-evaluation.
func (m *Metrics) Evaluated(report workflow.GroundednessReport) {
	m.groundedness.Observe(float64(report.Score))
}
