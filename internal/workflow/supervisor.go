package workflow

import (
	"context"
	"fmt"
)

const fallbackTask = "Continue with draft creation"

// Decision is the supervisor's routing choice.
type Decision struct {
	Next    Step
	SubTask string
	Task    string
	// Rule is the 1-based deterministic rule that fired, or 0 when the
	// decision came from the completion service.
	Rule int
}

// Decide applies the deterministic routing rules in order; the first match
// wins. ok is false when no rule applies.
func Decide(st State) (Decision, bool) {
	hasDraft := st.Draft != ""
	switch {
	case hasDraft && IsApproved(st.CritiqueNotes):
		return Decision{Next: StepEnd, Task: "Draft approved and complete", Rule: 1}, true
	case len(st.ResearchFindings) == 0:
		return Decision{Next: StepResearcher, SubTask: st.Topic, Task: "Research the topic: " + st.Topic, Rule: 2}, true
	case !hasDraft:
		return Decision{Next: StepWriter, Task: "Write the first draft based on research findings", Rule: 3}, true
	case st.CritiqueNotes == "":
		return Decision{Next: StepWriter, Task: "Prepare draft for critique", Rule: 4}, true
	case st.RevisionNumber < st.Config.MaxRevisions:
		return Decision{Next: StepWriter, Task: "Revise the draft based on critique feedback", Rule: 5}, true
	case st.RevisionNumber >= st.Config.MaxRevisions:
		return Decision{Next: StepEnd, Task: "Maximum revisions reached, finalizing", Rule: 6}, true
	}
	return Decision{}, false
}

// ParseSupervisorResponse decodes the completion service's routing answer.
func ParseSupervisorResponse(raw string) (Decision, error) {
	var resp struct {
		NextStep        string `json:"next_step"`
		TaskDescription string `json:"task_description"`
	}
	if err := DecodeJSON(raw, &resp); err != nil {
		return Decision{}, err
	}
	next, ok := ParseStep(resp.NextStep)
	if !ok {
		return Decision{}, fmt.Errorf("unknown next_step %q", resp.NextStep)
	}
	task := resp.TaskDescription
	if task == "" {
		task = fallbackTask
	}
	return Decision{Next: next, Task: task}, nil
}

func (e *Engine) supervise(ctx context.Context, st State) outcome {
	d, ok := Decide(st)
	if !ok {
		d = e.askSupervisor(ctx, st)
	}
	if d.SubTask == "" {
		d.SubTask = d.Task
	}
	return outcome{
		delta: Delta{
			NextStep:       ptr(d.Next),
			CurrentSubTask: ptr(d.SubTask),
		},
		decision: string(d.Next),
		payload: map[string]any{
			"decision": string(d.Next),
			"task":     d.Task,
			"rule":     d.Rule,
		},
	}
}

func (e *Engine) askSupervisor(ctx context.Context, st State) Decision {
	fallback := Decision{Next: StepWriter, Task: fallbackTask}
	prompt, err := render(supervisorTmpl, newPromptData(st))
	if err != nil {
		e.logger.Printf("warn: render supervisor prompt: %v", err)
		return fallback
	}
	raw, err := e.completer.Complete(ctx, prompt)
	if err != nil {
		e.logger.Printf("warn: supervisor completion failed: %v", err)
		return fallback
	}
	d, err := ParseSupervisorResponse(raw)
	if err != nil {
		e.logger.Printf("warn: supervisor response unusable, routing to writer: %v", err)
		return fallback
	}
	return d
}
