package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/postcraft/config"
	"github.com/mohammad-safakhou/postcraft/internal/events"
	"github.com/mohammad-safakhou/postcraft/internal/llm"
	"github.com/mohammad-safakhou/postcraft/internal/service"
	"github.com/mohammad-safakhou/postcraft/internal/store"
	"github.com/mohammad-safakhou/postcraft/internal/templates"
	"github.com/mohammad-safakhou/postcraft/internal/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var runsTracer = otel.Tracer("postcraft/internal/server/runs")

// RunReader is the read side of the run store. *store.Store satisfies it.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (store.Run, bool, error)
	ListRuns(ctx context.Context, userID string, limit int) ([]store.Run, error)
	ListSteps(ctx context.Context, runID string) ([]workflow.StepEvent, error)
	ListFindings(ctx context.Context, runID string) ([]string, error)
	ListDrafts(ctx context.Context, runID string) ([]store.Draft, error)
}

// RunService starts and controls runs. *service.Service satisfies it.
type RunService interface {
	Submit(ctx context.Context, userID string, req service.RunRequest) (service.Job, error)
	Start(ctx context.Context, userID string, req service.RunRequest) (service.Job, error)
	Cancel(ctx context.Context, runID string) (bool, error)
	Evaluate(ctx context.Context, runID string) (workflow.GroundednessReport, error)
	Templates() *templates.Catalogue
}

type RunsHandler struct {
	store        RunReader
	svc          RunService
	feed         Feed
	mode         string
	pollInterval time.Duration
	logger       *log.Logger
}

func NewRunsHandler(st RunReader, svc RunService, feed Feed, mode string) *RunsHandler {
	if mode == "" {
		mode = config.ExecutionQueue
	}
	return &RunsHandler{
		store:        st,
		svc:          svc,
		feed:         feed,
		mode:         mode,
		pollInterval: time.Second,
		logger:       log.New(log.Writer(), "[RUNS] ", log.LstdFlags),
	}
}

func (h *RunsHandler) Register(g *echo.Group, streamEnabled bool) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:run_id", h.get)
	g.GET("/:run_id/steps", h.steps)
	g.GET("/:run_id/html", h.html)
	g.POST("/:run_id/cancel", h.cancel)
	g.POST("/:run_id/evaluate", h.evaluate)
	if streamEnabled {
		g.GET("/:run_id/stream", h.stream)
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get("user_id").(string)
	return id
}

// ownedRun loads a run and hides runs of other users behind a 404.
func (h *RunsHandler) ownedRun(c echo.Context) (store.Run, error) {
	runID := strings.TrimSpace(c.Param("run_id"))
	if runID == "" {
		return store.Run{}, echo.NewHTTPError(http.StatusBadRequest, "run_id required")
	}
	run, ok, err := h.store.GetRun(c.Request().Context(), runID)
	if err != nil {
		return store.Run{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok || run.UserID != userID(c) {
		return store.Run{}, echo.NewHTTPError(http.StatusNotFound, store.ErrRunNotFound.Error())
	}
	return run, nil
}

// create starts a run for the caller.
//
//	@Summary	Create run
//	@Tags		runs
//	@Security	BearerAuth
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		service.RunRequest	true	"Run request"
//	@Success	202		{object}	AcceptedResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	500		{object}	HTTPError
//	@Router		/api/runs [post]
func (h *RunsHandler) create(c echo.Context) error {
	ctx, span := runsTracer.Start(c.Request().Context(), "RunsHandler.create")
	defer span.End()

	var req service.RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	start := h.svc.Submit
	if h.mode == config.ExecutionInline {
		start = h.svc.Start
	}
	job, err := start(ctx, userID(c), req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, workflow.ErrInvalidConfig) || errors.Is(err, templates.ErrNotFound) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if errors.Is(err, service.ErrNoQueue) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	span.SetAttributes(attribute.String("run_id", job.RunID), attribute.String("mode", h.mode))
	return c.JSON(http.StatusAccepted, AcceptedResponse{
		RunID:  job.RunID,
		Status: store.RunStatusPending,
		Mode:   h.mode,
		Config: job.Config,
	})
}

// list returns the caller's most recent runs.
//
//	@Summary	List runs
//	@Tags		runs
//	@Security	BearerAuth
//	@Param		limit	query	int	false	"Maximum runs (default 20, max 100)"
//	@Produce	json
//	@Success	200	{array}		RunResponse
//	@Failure	500	{object}	HTTPError
//	@Router		/api/runs [get]
func (h *RunsHandler) list(c echo.Context) error {
	limit := 20
	if v := strings.TrimSpace(c.QueryParam("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, 100)
	}
	runs, err := h.store.ListRuns(c.Request().Context(), userID(c), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, newRunResponse(r))
	}
	return c.JSON(http.StatusOK, out)
}

// get returns a run with its findings and draft history.
//
//	@Summary	Run detail
//	@Tags		runs
//	@Security	BearerAuth
//	@Param		run_id	path	string	true	"Run ID"
//	@Produce	json
//	@Success	200	{object}	RunDetailResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/runs/{run_id} [get]
func (h *RunsHandler) get(c echo.Context) error {
	run, err := h.ownedRun(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	findings, err := h.store.ListFindings(ctx, run.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	drafts, err := h.store.ListDrafts(ctx, run.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if findings == nil {
		findings = []string{}
	}
	return c.JSON(http.StatusOK, RunDetailResponse{
		RunResponse:      newRunResponse(run),
		ResearchFindings: findings,
		Drafts:           newDraftResponses(drafts),
	})
}

// steps returns the persisted step events of a run in sequence order.
func (h *RunsHandler) steps(c echo.Context) error {
	run, err := h.ownedRun(c)
	if err != nil {
		return err
	}
	steps, err := h.store.ListSteps(c.Request().Context(), run.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if steps == nil {
		steps = []workflow.StepEvent{}
	}
	return c.JSON(http.StatusOK, steps)
}

// html renders the final draft as a post preview.
//
//	@Summary	Post preview
//	@Tags		runs
//	@Security	BearerAuth
//	@Param		run_id	path	string	true	"Run ID"
//	@Produce	text/html
//	@Success	200	{string}	string
//	@Failure	404	{object}	HTTPError
//	@Router		/api/runs/{run_id}/html [get]
func (h *RunsHandler) html(c echo.Context) error {
	run, err := h.ownedRun(c)
	if err != nil {
		return err
	}
	if strings.TrimSpace(run.FinalDraft) == "" {
		return echo.NewHTTPError(http.StatusNotFound, "run has no draft yet")
	}
	body, err := RenderPostHTML(run.FinalDraft)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	score := -1
	if run.Groundedness != nil {
		score = run.Groundedness.Score
	}
	page, err := renderPreviewPage(previewData{
		Topic:    run.Topic,
		Status:   run.Status,
		Revision: run.RevisionCount,
		Score:    score,
		Body:     safeHTML(body),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.HTML(http.StatusOK, page)
}

// cancel asks a run to stop at its next stage boundary.
//
//	@Summary	Cancel run
//	@Tags		runs
//	@Security	BearerAuth
//	@Param		run_id	path	string	true	"Run ID"
//	@Produce	json
//	@Success	202	{object}	CancelResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/runs/{run_id}/cancel [post]
func (h *RunsHandler) cancel(c echo.Context) error {
	run, err := h.ownedRun(c)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("run already %s", run.Status))
	}
	ok, err := h.svc.Cancel(c.Request().Context(), run.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "run is not executing on this server")
	}
	return c.JSON(http.StatusAccepted, CancelResponse{RunID: run.ID, Requested: true})
}

// evaluate re-scores the groundedness of a finished run's draft.
//
//	@Summary	Evaluate run
//	@Tags		runs
//	@Security	BearerAuth
//	@Param		run_id	path	string	true	"Run ID"
//	@Produce	json
//	@Success	200	{object}	workflow.GroundednessReport
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/runs/{run_id}/evaluate [post]
func (h *RunsHandler) evaluate(c echo.Context) error {
	run, err := h.ownedRun(c)
	if err != nil {
		return err
	}
	report, err := h.svc.Evaluate(c.Request().Context(), run.ID)
	switch {
	case errors.Is(err, service.ErrNothingToEvaluate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, llm.ErrNoCredential):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

// stream sends a run's step events over Server-Sent Events in sequence
// order, replaying what already happened first.
//
//	@Summary	Run step stream
//	@Tags		runs
//	@Security	BearerAuth
//	@Param		run_id	path	string	true	"Run ID"
//	@Produce	text/event-stream
//	@Success	200	{string}	string
//	@Failure	404	{object}	HTTPError
//	@Router		/api/runs/{run_id}/stream [get]
func (h *RunsHandler) stream(c echo.Context) error {
	run, err := h.ownedRun(c)
	if err != nil {
		return err
	}
	req := c.Request()
	ctx, span := runsTracer.Start(req.Context(), "RunsHandler.stream")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", run.ID))

	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	send := func(event string, id int, data interface{}) error {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		var buf strings.Builder
		if id > 0 {
			fmt.Fprintf(&buf, "id: %d\n", id)
		}
		fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", event, b)
		if _, err := resp.Write([]byte(buf.String())); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	seq := events.NewSequencer()
	if v := req.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			seq = events.NewSequencerFrom(n + 1)
		}
	}
	sendSteps := func(evs ...workflow.StepEvent) error {
		for _, ev := range evs {
			for _, ready := range seq.Push(ev) {
				if err := send(UpdateStep, ready.Sequence, events.NewStepPayload(run.ID, ready)); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if run.Terminal() || h.feed == nil {
		err = h.pollStore(ctx, run, sendSteps, send)
	} else {
		err = h.feed.Follow(ctx, run.ID, func(u Update) error {
			switch u.Kind {
			case UpdateStep:
				return sendSteps(u.Step)
			case UpdateStatus:
				return send(UpdateStatus, 0, u.Status)
			case UpdateEvaluated:
				return send(UpdateEvaluated, 0, u.Evaluated)
			case UpdateFinished:
				// Steps lost on the live stream are backfilled from the store.
				steps, err := h.store.ListSteps(ctx, run.ID)
				if err != nil {
					h.logger.Printf("warn: backfill steps for run %s: %v", run.ID, err)
				} else if err := sendSteps(steps...); err != nil {
					return err
				}
				return send(UpdateFinished, 0, u.Finished)
			}
			return nil
		})
	}
	if err != nil && ctx.Err() == nil {
		span.RecordError(err)
		h.logger.Printf("warn: stream run %s: %v", run.ID, err)
	}
	return nil
}

// pollStore replays persisted steps and, for unfinished runs, polls for new
// ones until the run ends. It serves runs whose stream has expired and
// deployments without a live feed.
func (h *RunsHandler) pollStore(ctx context.Context, run store.Run, sendSteps func(...workflow.StepEvent) error, send func(string, int, interface{}) error) error {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	for {
		steps, err := h.store.ListSteps(ctx, run.ID)
		if err != nil {
			return err
		}
		if err := sendSteps(steps...); err != nil {
			return err
		}
		if run.Terminal() {
			return send(UpdateFinished, 0, finishedFromRun(run))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		latest, ok, err := h.store.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrRunNotFound
		}
		run = latest
	}
}

func finishedFromRun(run store.Run) events.FinishedPayload {
	res := workflow.FinalResult{
		Status:        workflow.Status(run.Status),
		FinalDraft:    run.FinalDraft,
		RevisionCount: run.RevisionCount,
		CritiqueNotes: run.CritiqueNotes,
		Steps:         run.Steps,
		Groundedness:  run.Groundedness,
	}
	if run.Error != nil {
		res.Error = *run.Error
	}
	return events.NewFinishedPayload(run.ID, res)
}

// TemplatesHandler lists the post template catalogue.
type TemplatesHandler struct {
	catalogue *templates.Catalogue
}

func (h *TemplatesHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/:id", h.get)
}

func (h *TemplatesHandler) list(c echo.Context) error {
	if h.catalogue == nil {
		return c.JSON(http.StatusOK, TemplatesResponse{Categories: []string{}, Templates: []templates.Template{}})
	}
	return c.JSON(http.StatusOK, TemplatesResponse{
		Categories: h.catalogue.Categories(),
		Templates:  h.catalogue.List(c.QueryParam("category")),
	})
}

func (h *TemplatesHandler) get(c echo.Context) error {
	if h.catalogue == nil {
		return echo.NewHTTPError(http.StatusNotFound, templates.ErrNotFound.Error())
	}
	t, err := h.catalogue.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, t)
}
