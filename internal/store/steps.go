package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/postcraft/internal/workflow"
)

const (
	insertStepSQL = `
INSERT INTO run_steps (run_id, sequence, stage, decision, payload, duration_ms, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (run_id, sequence) DO NOTHING
`

	listStepsSQL = `SELECT sequence, stage, decision, payload, duration_ms, occurred_at FROM run_steps WHERE run_id=$1 ORDER BY sequence`

	countStepsSQL = `SELECT COUNT(*) FROM run_steps WHERE run_id=$1`
)

// InsertStep persists a step event. Re-delivering the same sequence is a
// no-op and reports false.
func (s *Store) InsertStep(ctx context.Context, runID string, ev workflow.StepEvent) (bool, error) {
	if runID == "" {
		return false, fmt.Errorf("run_id must be provided")
	}
	if ev.Sequence < 1 {
		return false, fmt.Errorf("step sequence must be >= 1 (got %d)", ev.Sequence)
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal step payload: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, insertStepSQL, runID, ev.Sequence, ev.Stage.String(), ev.Decision,
		payloadBytes, ev.DurationMillis, ev.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert step %d: %w", ev.Sequence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		countStep(ctx, ev.Stage.String())
	}
	return n > 0, nil
}

// ListSteps returns a run's step events in sequence order.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]workflow.StepEvent, error) {
	rows, err := s.DB.QueryContext(ctx, listStepsSQL, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []workflow.StepEvent{}
	for rows.Next() {
		var (
			ev           workflow.StepEvent
			stage        string
			payloadBytes []byte
		)
		if err := rows.Scan(&ev.Sequence, &stage, &ev.Decision, &payloadBytes, &ev.DurationMillis, &ev.Timestamp); err != nil {
			return nil, err
		}
		if ev.Stage, err = workflow.ParseStage(stage); err != nil {
			return nil, fmt.Errorf("step %d: %w", ev.Sequence, err)
		}
		if len(payloadBytes) > 0 {
			if err := json.Unmarshal(payloadBytes, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode step %d payload: %w", ev.Sequence, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountSteps returns how many steps have been persisted for a run.
func (s *Store) CountSteps(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, countStepsSQL, runID).Scan(&n)
	return n, err
}
