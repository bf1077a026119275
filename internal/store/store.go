package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Store persists runs, their steps and per-user API configuration in Postgres.
type Store struct {
	DB *sql.DB
}

// ErrRunNotFound is returned when an update targets a run that does not exist.
var ErrRunNotFound = errors.New("run not found")

var (
	metricsOnce   sync.Once
	stepsCounter  otelmetric.Int64Counter
	finishCounter otelmetric.Int64Counter
)

func initStoreMetrics() {
	meter := otel.Meter("postcraft/internal/store")
	var err error
	stepsCounter, err = meter.Int64Counter("store_steps_persisted_total")
	if err != nil {
		log.Printf("store metrics init: store_steps_persisted_total: %v", err)
	}
	finishCounter, err = meter.Int64Counter("store_runs_finished_total")
	if err != nil {
		log.Printf("store metrics init: store_runs_finished_total: %v", err)
	}
}

func countStep(ctx context.Context, stage string) {
	metricsOnce.Do(initStoreMetrics)
	if stepsCounter != nil {
		stepsCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("stage", stage)))
	}
}

func countFinished(ctx context.Context, status string) {
	metricsOnce.Do(initStoreMetrics)
	if finishCounter != nil {
		finishCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
	}
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

const claimIdempotencySQL = `INSERT INTO idempotency_keys (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`

// ClaimIdempotency registers a processed event. It returns false if the key
// was already claimed.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx, claimIdempotencySQL, scope, key).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}
