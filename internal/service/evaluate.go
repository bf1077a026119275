package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/postcraft/internal/llm"
	"github.com/mohammad-safakhou/postcraft/internal/store"
	"github.com/mohammad-safakhou/postcraft/internal/workflow"
)

// Evaluate re-runs the groundedness check on a stored run's final draft
// against its stored findings and replaces the stored report. Evaluator
// failures yield a report scored -1, not an error.
func (s *Service) Evaluate(ctx context.Context, runID string) (workflow.GroundednessReport, error) {
	ctx, span := s.tracer.Start(ctx, "service.evaluate")
	defer span.End()

	run, ok, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return workflow.GroundednessReport{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if !ok {
		return workflow.GroundednessReport{}, store.ErrRunNotFound
	}
	if strings.TrimSpace(run.FinalDraft) == "" {
		return workflow.GroundednessReport{}, ErrNothingToEvaluate
	}
	findings, err := s.store.ListFindings(ctx, runID)
	if err != nil {
		return workflow.GroundednessReport{}, fmt.Errorf("load findings for run %s: %w", runID, err)
	}

	settings, _, _ := s.credentials(ctx, run.UserID)
	_, eval, err := s.completers(settings)
	if err != nil {
		if errors.Is(err, llm.ErrNoCredential) {
			return workflow.GroundednessReport{}, err
		}
		return workflow.GroundednessReport{}, fmt.Errorf("completion service: %w", err)
	}

	report := workflow.NewEvaluator(eval, s.logger).Evaluate(ctx, run.FinalDraft, findings)
	if err := s.store.SaveGroundedness(ctx, runID, report); err != nil {
		return report, fmt.Errorf("save groundedness for run %s: %w", runID, err)
	}
	if s.metrics != nil {
		s.metrics.Evaluated(report)
	}
	if s.sink != nil {
		if err := s.sink.Evaluated(ctx, runID, report); err != nil {
			s.logger.Printf("warn: publish evaluation for run %s: %v", runID, err)
		}
	}
	return report, nil
}
