package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/postcraft/internal/workflow"
)

// Run lifecycle statuses. Terminal statuses mirror workflow.Status.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = string(workflow.StatusCompleted)
	RunStatusFailed    = string(workflow.StatusFailed)
	RunStatusCancelled = string(workflow.StatusCancelled)
)

// Phases recorded while a run is executing.
const (
	PhaseResearching = "researching"
	PhaseWriting     = "writing"
	PhaseReviewing   = "reviewing"
)

// Run is a stored run row.
type Run struct {
	ID            string
	UserID        string
	Topic         string
	TemplateID    string
	Config        workflow.Config
	Status        string
	Phase         string
	Steps         int
	RevisionCount int
	FinalDraft    string
	CritiqueNotes string
	Groundedness  *workflow.GroundednessReport
	Error         *string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// Terminal reports whether the run has finished.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Draft is a stored post draft version.
type Draft struct {
	Revision   int
	Content    string
	WordCount  int
	Critique   string
	IsApproved bool
	CreatedAt  time.Time
}

const (
	insertRunSQL = `INSERT INTO runs (id, user_id, topic, template_id, config, status) VALUES ($1,$2,$3,$4,$5,$6)`

	markRunStartedSQL = `UPDATE runs SET status=$2, started_at=NOW() WHERE id=$1 AND finished_at IS NULL`

	setRunStatusSQL = `UPDATE runs SET status=$2 WHERE id=$1`

	setRunPhaseSQL = `UPDATE runs SET phase=$2 WHERE id=$1 AND finished_at IS NULL`

	finishRunSQL = `UPDATE runs SET status=$2, phase='', error=$3, finished_at=NOW() WHERE id=$1`

	selectRunColumns = `SELECT id::text, user_id, topic, template_id, config, status, phase, steps, revision_count, final_draft, critique_notes, groundedness, error, created_at, started_at, finished_at FROM runs`

	getRunSQL = selectRunColumns + ` WHERE id=$1`

	listRunsSQL = selectRunColumns + ` WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`

	deleteFindingsSQL = `DELETE FROM research_findings WHERE run_id=$1`

	insertFindingSQL = `INSERT INTO research_findings (run_id, position, content) VALUES ($1,$2,$3)`

	upsertDraftSQL = `
INSERT INTO post_drafts (run_id, revision, content, word_count, critique, is_approved)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (run_id, revision) DO UPDATE SET
  content = EXCLUDED.content,
  word_count = EXCLUDED.word_count,
  critique = EXCLUDED.critique,
  is_approved = EXCLUDED.is_approved;
`

	saveSummarySQL = `
UPDATE runs SET
  status = $2,
  phase = '',
  steps = $3,
  revision_count = $4,
  final_draft = $5,
  critique_notes = $6,
  groundedness_score = $7,
  groundedness = $8,
  error = $9,
  finished_at = COALESCE(finished_at, NOW())
WHERE id = $1
`

	saveGroundednessSQL = `UPDATE runs SET groundedness_score=$2, groundedness=$3 WHERE id=$1`

	listFindingsSQL = `SELECT content FROM research_findings WHERE run_id=$1 ORDER BY position`

	listDraftsSQL = `SELECT revision, content, word_count, critique, is_approved, created_at FROM post_drafts WHERE run_id=$1 ORDER BY revision`
)

// CreateRun inserts a pending run and returns its generated ID.
func (s *Store) CreateRun(ctx context.Context, userID, topic, templateID string, cfg workflow.Config) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic must be provided")
	}
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal run config: %w", err)
	}
	id := uuid.NewString()
	if _, err := s.DB.ExecContext(ctx, insertRunSQL, id, userID, topic, templateID, cfgBytes, RunStatusPending); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// MarkRunStarted moves a run to running and stamps started_at.
func (s *Store) MarkRunStarted(ctx context.Context, runID string) error {
	return s.execRun(ctx, markRunStartedSQL, runID, RunStatusRunning)
}

// SetRunStatus updates the status without touching timestamps.
func (s *Store) SetRunStatus(ctx context.Context, runID, status string) error {
	return s.execRun(ctx, setRunStatusSQL, runID, status)
}

// SetRunPhase records which stage family an executing run is in.
func (s *Store) SetRunPhase(ctx context.Context, runID, phase string) error {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, setRunPhaseSQL, runID, phase)
	return err
}

// FinishRun marks a run terminal without a summary, e.g. when it fails
// before the engine starts.
func (s *Store) FinishRun(ctx context.Context, runID, status string, errMsg *string) error {
	if err := s.execRun(ctx, finishRunSQL, runID, status, errMsg); err != nil {
		return err
	}
	countFinished(ctx, status)
	return nil
}

func (s *Store) execRun(ctx context.Context, query, runID string, args ...interface{}) error {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	res, err := s.DB.ExecContext(ctx, query, append([]interface{}{runID}, args...)...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r         Run
		cfgBytes  []byte
		reportRaw []byte
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Topic, &r.TemplateID, &cfgBytes, &r.Status, &r.Phase, &r.Steps,
		&r.RevisionCount, &r.FinalDraft, &r.CritiqueNotes, &reportRaw, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
		return Run{}, err
	}
	if len(cfgBytes) > 0 {
		if err := json.Unmarshal(cfgBytes, &r.Config); err != nil {
			return Run{}, fmt.Errorf("decode run config: %w", err)
		}
	}
	if len(reportRaw) > 0 {
		var report workflow.GroundednessReport
		if err := json.Unmarshal(reportRaw, &report); err != nil {
			return Run{}, fmt.Errorf("decode groundedness: %w", err)
		}
		r.Groundedness = &report
	}
	return r, nil
}

// GetRun loads a run. The bool is false when no such run exists.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, bool, error) {
	r, err := scanRun(s.DB.QueryRowContext(ctx, getRunSQL, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return r, true, nil
}

// ListRuns returns a user's most recent runs first.
func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, listRunsSQL, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRunSummary stores the outcome of a run in one transaction: findings
// are replaced, the final draft is upserted as the last revision and the
// run row is finalised.
func (s *Store) SaveRunSummary(ctx context.Context, runID string, res workflow.FinalResult) (err error) {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	var (
		scoreArg  interface{}
		reportArg interface{}
		errArg    interface{}
	)
	if res.Groundedness != nil {
		reportBytes, mErr := json.Marshal(res.Groundedness)
		if mErr != nil {
			return fmt.Errorf("marshal groundedness: %w", mErr)
		}
		scoreArg, reportArg = res.Groundedness.Score, reportBytes
	}
	if res.Error != "" {
		errArg = res.Error
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if _, err = tx.ExecContext(ctx, deleteFindingsSQL, runID); err != nil {
		return fmt.Errorf("clear findings: %w", err)
	}
	for i, finding := range res.ResearchFindings {
		if _, err = tx.ExecContext(ctx, insertFindingSQL, runID, i, finding); err != nil {
			return fmt.Errorf("insert finding %d: %w", i, err)
		}
	}
	if res.FinalDraft != "" {
		if _, err = tx.ExecContext(ctx, upsertDraftSQL, runID, res.RevisionCount, res.FinalDraft,
			workflow.WordCount(res.FinalDraft), res.CritiqueNotes, res.Approved()); err != nil {
			return fmt.Errorf("upsert draft: %w", err)
		}
	}
	result, err := tx.ExecContext(ctx, saveSummarySQL, runID, string(res.Status), res.Steps, res.RevisionCount,
		res.FinalDraft, res.CritiqueNotes, scoreArg, reportArg, errArg)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, rErr := result.RowsAffected(); rErr == nil && n == 0 {
		err = ErrRunNotFound
		return err
	}
	countFinished(ctx, string(res.Status))
	return nil
}

// SaveGroundedness replaces the stored groundedness report of a run.
func (s *Store) SaveGroundedness(ctx context.Context, runID string, report workflow.GroundednessReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal groundedness: %w", err)
	}
	return s.execRun(ctx, saveGroundednessSQL, runID, report.Score, raw)
}

// ListFindings returns a run's research findings in order.
func (s *Store) ListFindings(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, listFindingsSQL, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// ListDrafts returns the stored draft versions of a run.
func (s *Store) ListDrafts(ctx context.Context, runID string) ([]Draft, error) {
	rows, err := s.DB.QueryContext(ctx, listDraftsSQL, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Draft
	for rows.Next() {
		var d Draft
		if err := rows.Scan(&d.Revision, &d.Content, &d.WordCount, &d.Critique, &d.IsApproved, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
