package workflow

import (
	"strings"
)

// Step is the routing decision recorded in State.NextStep.
type Step string

const (
	StepResearcher Step = "researcher"
	StepWriter     Step = "writer"
	StepEnd        Step = "end"
)

// ParseStep maps a free-form routing label onto a Step. Unknown labels
// report ok=false.
func ParseStep(s string) (Step, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "researcher", "research":
		return StepResearcher, true
	case "writer", "write":
		return StepWriter, true
	case "end", "__end__", "finish", "done":
		return StepEnd, true
	default:
		return "", false
	}
}

// ApprovedMarker is the sentinel a critique carries once the draft passes.
const ApprovedMarker = "APPROVED"

// IsApproved reports whether the critique notes carry the approval marker.
func IsApproved(notes string) bool {
	return strings.Contains(strings.ToUpper(notes), ApprovedMarker)
}

// State is the shared record threaded through every stage of a run.
type State struct {
	Topic            string
	ResearchFindings []string
	Draft            string
	CritiqueNotes    string
	RevisionNumber   int
	NextStep         Step
	CurrentSubTask   string
	Config           Config
}

// Delta is a partial state update returned by a stage. Nil fields are left
// untouched; ResearchFindings are appended.
type Delta struct {
	ResearchFindings []string
	Draft            *string
	CritiqueNotes    *string
	RevisionNumber   *int
	NextStep         *Step
	CurrentSubTask   *string
}

func (s *State) apply(d Delta) {
	if len(d.ResearchFindings) > 0 {
		s.ResearchFindings = append(s.ResearchFindings, d.ResearchFindings...)
	}
	if d.Draft != nil {
		s.Draft = *d.Draft
	}
	if d.CritiqueNotes != nil {
		s.CritiqueNotes = *d.CritiqueNotes
	}
	if d.RevisionNumber != nil {
		s.RevisionNumber = *d.RevisionNumber
	}
	if d.NextStep != nil {
		s.NextStep = *d.NextStep
	}
	if d.CurrentSubTask != nil {
		s.CurrentSubTask = *d.CurrentSubTask
	}
}

func ptr[T any](v T) *T { return &v }

// Status is the terminal outcome of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// FinalResult summarises a finished run.
type FinalResult struct {
	Status           Status              `json:"status"`
	FinalDraft       string              `json:"final_draft"`
	RevisionCount    int                 `json:"revision_count"`
	ResearchFindings []string            `json:"research_findings"`
	CritiqueNotes    string              `json:"critique_notes"`
	Steps            int                 `json:"steps"`
	Groundedness     *GroundednessReport `json:"groundedness,omitempty"`
	Error            string              `json:"error,omitempty"`
}

// GroundednessScore returns the evaluator score, or -1 when no report exists.
func (r FinalResult) GroundednessScore() int {
	if r.Groundedness == nil {
		return -1
	}
	return r.Groundedness.Score
}

// Approved reports whether the run ended with an approving critique.
func (r FinalResult) Approved() bool {
	return r.Status == StatusCompleted && IsApproved(r.CritiqueNotes)
}

func summarize(st State, status Status, steps int) FinalResult {
	findings := make([]string, len(st.ResearchFindings))
	copy(findings, st.ResearchFindings)
	return FinalResult{
		Status:           status,
		FinalDraft:       st.Draft,
		RevisionCount:    st.RevisionNumber,
		ResearchFindings: findings,
		CritiqueNotes:    st.CritiqueNotes,
		Steps:            steps,
	}
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
