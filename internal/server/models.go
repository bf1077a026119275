package server

import (
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/store"
	"github.com/mohammad-safakhou/postcraft/internal/templates"
	"github.com/mohammad-safakhou/postcraft/internal/workflow"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AcceptedResponse is returned when a run has been created.
type AcceptedResponse struct {
	RunID  string          `json:"run_id"`
	Status string          `json:"status"`
	Mode   string          `json:"mode"`
	Config workflow.Config `json:"config"`
}

// CancelResponse reports whether a cancel request reached the run.
type CancelResponse struct {
	RunID     string `json:"run_id"`
	Requested bool   `json:"requested"`
}

// RunResponse is the API view of a stored run.
type RunResponse struct {
	ID            string                       `json:"id"`
	Topic         string                       `json:"topic"`
	TemplateID    string                       `json:"template_id,omitempty"`
	Status        string                       `json:"status"`
	Phase         string                       `json:"phase,omitempty"`
	Steps         int                          `json:"steps"`
	RevisionCount int                          `json:"revision_count"`
	Approved      bool                         `json:"approved"`
	FinalDraft    string                       `json:"final_draft,omitempty"`
	CritiqueNotes string                       `json:"critique_notes,omitempty"`
	Groundedness  *workflow.GroundednessReport `json:"groundedness,omitempty"`
	Error         string                       `json:"error,omitempty"`
	Config        workflow.Config              `json:"config"`
	CreatedAt     time.Time                    `json:"created_at"`
	StartedAt     *time.Time                   `json:"started_at,omitempty"`
	FinishedAt    *time.Time                   `json:"finished_at,omitempty"`
}

// RunDetailResponse adds the research and draft history to a run.
type RunDetailResponse struct {
	RunResponse
	ResearchFindings []string        `json:"research_findings"`
	Drafts           []DraftResponse `json:"drafts"`
}

// DraftResponse is one stored draft version.
type DraftResponse struct {
	Revision   int       `json:"revision"`
	Content    string    `json:"content"`
	WordCount  int       `json:"word_count"`
	Critique   string    `json:"critique,omitempty"`
	IsApproved bool      `json:"is_approved"`
	CreatedAt  time.Time `json:"created_at"`
}

// TemplatesResponse lists the post templates and their categories.
type TemplatesResponse struct {
	Categories []string             `json:"categories"`
	Templates  []templates.Template `json:"templates"`
}

func newRunResponse(r store.Run) RunResponse {
	resp := RunResponse{
		ID:            r.ID,
		Topic:         r.Topic,
		TemplateID:    r.TemplateID,
		Status:        r.Status,
		Phase:         r.Phase,
		Steps:         r.Steps,
		RevisionCount: r.RevisionCount,
		Approved:      r.Status == store.RunStatusCompleted && workflow.IsApproved(r.CritiqueNotes),
		FinalDraft:    r.FinalDraft,
		CritiqueNotes: r.CritiqueNotes,
		Groundedness:  r.Groundedness,
		Config:        r.Config,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
	if r.Error != nil {
		resp.Error = *r.Error
	}
	return resp
}

func newDraftResponses(drafts []store.Draft) []DraftResponse {
	out := make([]DraftResponse, 0, len(drafts))
	for _, d := range drafts {
		out = append(out, DraftResponse{
			Revision:   d.Revision,
			Content:    d.Content,
			WordCount:  d.WordCount,
			Critique:   d.Critique,
			IsApproved: d.IsApproved,
			CreatedAt:  d.CreatedAt,
		})
	}
	return out
}
