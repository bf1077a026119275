package workflow

import (
	"context"
	"fmt"
	"strings"
)

const (
	errorDraft   = "Error generating draft. Please try again."
	pendingDraft = "Draft in progress..."
)

func (e *Engine) write(ctx context.Context, st State) outcome {
	revision := st.RevisionNumber + 1
	draft := errorDraft

	prompt, err := render(writerTmpl, newPromptData(st))
	if err == nil {
		var out string
		out, err = e.completer.Complete(ctx, prompt)
		if err == nil {
			draft = strings.TrimSpace(out)
			if draft == "" {
				draft = pendingDraft
			}
		}
	}
	if err != nil {
		e.logger.Printf("warn: writer revision %d failed: %v", revision, err)
	}

	return outcome{
		delta: Delta{
			Draft:          ptr(draft),
			RevisionNumber: ptr(revision),
		},
		decision: fmt.Sprintf("draft revision %d", revision),
		payload: map[string]any{
			"revision":      revision,
			"word_count":    WordCount(draft),
			"draft_preview": preview(draft, previewSize),
		},
	}
}
