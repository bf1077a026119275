// Package events carries run step and lifecycle events from the workflow
// engine to transports (Redis Streams, NATS), the store and metrics, and
// restores strict step order on the read side.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/workflow"
)

// Sink publishes the events of a run to one transport.
type Sink interface {
	Step(ctx context.Context, runID string, ev workflow.StepEvent) error
	Status(ctx context.Context, runID, status string, sequence int) error
	Finished(ctx context.Context, runID string, res workflow.FinalResult) error
	Evaluated(ctx context.Context, runID string, report workflow.GroundednessReport) error
}

// MultiSink fans every event out to all sinks and joins their errors.
type MultiSink []Sink

func (m MultiSink) Step(ctx context.Context, runID string, ev workflow.StepEvent) error {
	return m.each(func(s Sink) error { return s.Step(ctx, runID, ev) })
}

func (m MultiSink) Status(ctx context.Context, runID, status string, sequence int) error {
	return m.each(func(s Sink) error { return s.Status(ctx, runID, status, sequence) })
}

func (m MultiSink) Finished(ctx context.Context, runID string, res workflow.FinalResult) error {
	return m.each(func(s Sink) error { return s.Finished(ctx, runID, res) })
}

func (m MultiSink) Evaluated(ctx context.Context, runID string, report workflow.GroundednessReport) error {
	return m.each(func(s Sink) error { return s.Evaluated(ctx, runID, report) })
}

func (m MultiSink) each(fn func(Sink) error) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StepPayload is the wire form of a step event.
type StepPayload struct {
	RunID          string         `json:"run_id"`
	Sequence       int            `json:"sequence"`
	Stage          string         `json:"stage"`
	Decision       string         `json:"decision"`
	Payload        map[string]any `json:"payload"`
	DurationMillis int64          `json:"duration_ms"`
	Timestamp      time.Time      `json:"timestamp"`
}

func NewStepPayload(runID string, ev workflow.StepEvent) StepPayload {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return StepPayload{
		RunID:          runID,
		Sequence:       ev.Sequence,
		Stage:          ev.Stage.String(),
		Decision:       ev.Decision,
		Payload:        payload,
		DurationMillis: ev.DurationMillis,
		Timestamp:      ev.Timestamp.UTC(),
	}
}

// Event converts the payload back into a workflow step event.
func (p StepPayload) Event() (workflow.StepEvent, error) {
	stage, err := workflow.ParseStage(p.Stage)
	if err != nil {
		return workflow.StepEvent{}, err
	}
	return workflow.StepEvent{
		Sequence:       p.Sequence,
		Stage:          stage,
		Decision:       p.Decision,
		Payload:        p.Payload,
		DurationMillis: p.DurationMillis,
		Timestamp:      p.Timestamp,
	}, nil
}

// StatusPayload announces a run status or phase change. Sequence is the
// step that caused it, or 0 for changes outside the stage loop.
type StatusPayload struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Sequence int    `json:"sequence,omitempty"`
}

// FinishedPayload is published once per run when it reaches a terminal status.
type FinishedPayload struct {
	RunID             string `json:"run_id"`
	Status            string `json:"status"`
	RevisionCount     int    `json:"revision_count"`
	Steps             int    `json:"steps"`
	Approved          bool   `json:"approved"`
	FinalDraft        string `json:"final_draft,omitempty"`
	GroundednessScore *int   `json:"groundedness_score,omitempty"`
	Error             string `json:"error,omitempty"`
}

func NewFinishedPayload(runID string, res workflow.FinalResult) FinishedPayload {
	p := FinishedPayload{
		RunID:         runID,
		Status:        string(res.Status),
		RevisionCount: res.RevisionCount,
		Steps:         res.Steps,
		Approved:      res.Approved(),
		FinalDraft:    res.FinalDraft,
		Error:         res.Error,
	}
	if res.Groundedness != nil {
		score := res.Groundedness.Score
		p.GroundednessScore = &score
	}
	return p
}

// EvaluatedPayload carries a groundedness report.
type EvaluatedPayload struct {
	RunID       string   `json:"run_id"`
	Score       int      `json:"score"`
	Supported   []string `json:"supported"`
	Unsupported []string `json:"unsupported"`
	Notes       string   `json:"notes,omitempty"`
}

func NewEvaluatedPayload(runID string, report workflow.GroundednessReport) EvaluatedPayload {
	p := EvaluatedPayload{
		RunID:       runID,
		Score:       report.Score,
		Supported:   report.SupportedClaims,
		Unsupported: report.UnsupportedClaims,
		Notes:       report.Notes,
	}
	if p.Supported == nil {
		p.Supported = []string{}
	}
	if p.Unsupported == nil {
		p.Unsupported = []string{}
	}
	return p
}

// PhaseFor maps a stage to the run phase it represents. The supervisor has
// no phase of its own.
func PhaseFor(stage workflow.Stage) (string, bool) {
	switch stage {
	case workflow.StageResearcher:
		return "researching", true
	case workflow.StageWriter:
		return "writing", true
	case workflow.StageCritic:
		return "reviewing", true
	default:
		return "", false
	}
}
