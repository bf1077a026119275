package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/workflow"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("postcraft"),
		tcPostgres.WithUsername("postcraft"),
		tcPostgres.WithPassword("postcraft"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://postcraft:postcraft@%s:%s/postcraft?sslmode=disable", host, port.Port())

	var st *Store
	for i := 0; i < 20; i++ {
		if st, err = NewWithDSN(ctx, dsn); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	up, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := st.DB.ExecContext(ctx, string(up)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	return st
}

func TestStoreRunLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	st := startPostgres(t)

	runID, err := st.CreateRun(ctx, "user-1", "AI adoption", "", workflow.DefaultConfig())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.MarkRunStarted(ctx, runID); err != nil {
		t.Fatalf("MarkRunStarted: %v", err)
	}
	if err := st.SetRunPhase(ctx, runID, PhaseResearching); err != nil {
		t.Fatalf("SetRunPhase: %v", err)
	}

	ev := workflow.StepEvent{Sequence: 1, Stage: workflow.StageSupervisor, Decision: "researcher", Payload: map[string]any{"rule": 2}, Timestamp: time.Now().UTC()}
	for i := 0; i < 2; i++ {
		if _, err := st.InsertStep(ctx, runID, ev); err != nil {
			t.Fatalf("InsertStep attempt %d: %v", i, err)
		}
	}
	if n, err := st.CountSteps(ctx, runID); err != nil || n != 1 {
		t.Fatalf("expected one stored step, got %d (%v)", n, err)
	}

	res := workflow.FinalResult{
		Status:           workflow.StatusCompleted,
		FinalDraft:       "A tiny post.",
		RevisionCount:    1,
		ResearchFindings: []string{"Research on AI adoption - general information gathered"},
		CritiqueNotes:    workflow.ApprovedMarker,
		Steps:            6,
	}
	if err := st.SaveRunSummary(ctx, runID, res); err != nil {
		t.Fatalf("SaveRunSummary: %v", err)
	}
	if err := st.SaveGroundedness(ctx, runID, workflow.GroundednessReport{Score: 3, SupportedClaims: []string{}, UnsupportedClaims: []string{"x"}}); err != nil {
		t.Fatalf("SaveGroundedness: %v", err)
	}

	run, ok, err := st.GetRun(ctx, runID)
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if run.Status != RunStatusCompleted || run.Phase != "" || run.FinishedAt == nil || run.Groundedness.Score != 3 {
		t.Fatalf("unexpected run %+v", run)
	}
	findings, err := st.ListFindings(ctx, runID)
	if err != nil || len(findings) != 1 {
		t.Fatalf("ListFindings: %v %v", findings, err)
	}
	drafts, err := st.ListDrafts(ctx, runID)
	if err != nil || len(drafts) != 1 || !drafts[0].IsApproved || drafts[0].WordCount != 3 {
		t.Fatalf("ListDrafts: %+v %v", drafts, err)
	}
}
