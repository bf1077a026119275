package workflow

import (
	"context"
	"strings"
	"unicode/utf8"
)

const minCritiqueLength = 100

const (
	verdictMinimal      = "APPROVED - Draft is minimal but acceptable."
	verdictMaxRevisions = "APPROVED - Maximum revisions reached. The post is satisfactory."
	verdictError        = "APPROVED - Error in critique, proceeding with current draft."
)

func (e *Engine) critique(ctx context.Context, st State) outcome {
	var verdict string
	switch {
	case utf8.RuneCountInString(strings.TrimSpace(st.Draft)) < minCritiqueLength:
		verdict = verdictMinimal
	case st.RevisionNumber >= st.Config.MaxRevisions:
		verdict = verdictMaxRevisions
	default:
		verdict = e.review(ctx, st)
	}

	approved := IsApproved(verdict)
	notes, next, decision := verdict, StepWriter, "revise"
	if approved {
		notes, next, decision = ApprovedMarker, StepEnd, "approved"
	}
	return outcome{
		delta: Delta{
			CritiqueNotes: ptr(notes),
			NextStep:      ptr(next),
		},
		decision: decision,
		payload: map[string]any{
			"approved":         approved,
			"feedback_preview": preview(verdict, previewSize),
		},
	}
}

func (e *Engine) review(ctx context.Context, st State) string {
	prompt, err := render(criticTmpl, newPromptData(st))
	if err != nil {
		e.logger.Printf("warn: render critic prompt: %v", err)
		return verdictError
	}
	out, err := e.completer.Complete(ctx, prompt)
	if err != nil {
		e.logger.Printf("warn: critic completion failed: %v", err)
		return verdictError
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return ApprovedMarker
	}
	return out
}
