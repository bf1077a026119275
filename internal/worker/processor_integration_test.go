package worker_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/events"
	"github.com/mohammad-safakhou/postcraft/internal/llm"
	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/mohammad-safakhou/postcraft/internal/search"
	"github.com/mohammad-safakhou/postcraft/internal/service"
	"github.com/mohammad-safakhou/postcraft/internal/store"
	"github.com/mohammad-safakhou/postcraft/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	otelnoop "go.opentelemetry.io/otel/metric/noop"
)

func TestWorkerExecutesQueuedRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
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
	defer func() { _ = pgC.Terminate(ctx) }()
	pgHost, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	pgPort, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()
	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://postcraft:postcraft@%s:%s/postcraft?sslmode=disable", pgHost, pgPort.Port())
	var st *store.Store
	for i := 0; i < 20; i++ {
		if st, err = store.NewWithDSN(ctx, dsn); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()
	up, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := st.DB.ExecContext(ctx, string(up)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port())})
	defer func() { _ = redisClient.Close() }()

	registry, err := streams.NewDefaultRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	topo := streams.NewTopology("it")
	if err := streams.EnsureGroup(ctx, redisClient, topo.RunQueue(), "test-group"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	logger := log.New(os.Stdout, "[TEST] ", log.LstdFlags)
	fixed := func(llm.Settings) (llm.Completer, llm.Completer, error) {
		c := llm.CompleterFunc(func(context.Context, string) (string, error) { return "Short post.", nil })
		return c, c, nil
	}
	svc := service.New(st, service.Settings{},
		service.WithLogger(logger),
		service.WithQueue(streams.NewPublisher(redisClient, registry), topo),
		service.WithSink(events.NewRedisSink(redisClient, registry, topo, 1000, time.Hour)),
		service.WithCancelFlags(service.NewRedisCancelFlags(redisClient, topo)),
		service.WithCompleterFactory(fixed),
		service.WithSearcherFactory(func(search.Provider, string) (search.Searcher, error) { return nil, nil }),
	)

	job, err := svc.Submit(ctx, "user-1", service.RunRequest{Topic: "Platform engineering"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	consumer := streams.NewConsumer(redisClient, registry, "test-group", "consumer-1")
	proc := worker.NewProcessor(logger, st, svc, consumer, topo.RunQueue(),
		worker.WithBlock(200*time.Millisecond),
		worker.WithMeter(otelnoop.NewMeterProvider().Meter("worker-test")))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- proc.Start(runCtx) }()

	deadline := time.Now().Add(15 * time.Second)
	var run store.Run
	for time.Now().Before(deadline) {
		run, _, err = st.GetRun(ctx, job.RunID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Terminal() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("processor exit: %v", err)
	}

	if run.Status != store.RunStatusCompleted || run.FinalDraft != "Short post." {
		t.Fatalf("unexpected run %+v", run)
	}
	if n, err := st.CountSteps(ctx, job.RunID); err != nil || n != 6 {
		t.Fatalf("expected 6 stored steps, got %d (%v)", n, err)
	}
	msgs, err := streams.Range(ctx, redisClient, registry, topo.RunEvents(job.RunID))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	last := msgs[len(msgs)-1].Envelope.EventType
	if last != streams.EventRunFinished {
		t.Fatalf("expected run.finished last, got %s", last)
	}
	lag, err := consumer.LagMetrics(ctx, topo.RunQueue())
	if err != nil {
		t.Fatalf("lag: %v", err)
	}
	if lag.Pending != 0 {
		t.Fatalf("expected no pending jobs, got %+v", lag)
	}
}
