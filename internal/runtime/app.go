package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mohammad-safakhou/postcraft/config"
	"github.com/mohammad-safakhou/postcraft/internal/events"
	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/mohammad-safakhou/postcraft/internal/service"
	"github.com/mohammad-safakhou/postcraft/internal/store"
	"github.com/mohammad-safakhou/postcraft/internal/templates"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// App holds the shared dependencies of every postcraft process.
type App struct {
	Config    *config.Config
	Logger    *log.Logger
	Store     *store.Store
	Redis     *redis.Client
	NATS      *nats.Conn
	Registry  *streams.SchemaRegistry
	Topology  streams.Topology
	Prom      *prometheus.Registry
	Metrics   *events.Metrics
	Templates *templates.Catalogue
	Service   *service.Service
	Meter     otelmetric.Meter
	Tracer    trace.Tracer

	telemetry *Telemetry
}

// AppOptions tune NewApp per process.
type AppOptions struct {
	// Component names the process in logs, telemetry and NATS.
	Component string
	// ServeMetrics starts the telemetry /metrics listener. The HTTP server
	// mounts the registry itself and leaves this off.
	ServeMetrics bool
}

// NewApp connects Postgres, Redis and the configured event transport and
// builds the run service on top of them.
func NewApp(ctx context.Context, cfg *config.Config, opts AppOptions) (*App, error) {
	if opts.Component == "" {
		opts.Component = "postcraft"
	}
	a := &App{
		Config:   cfg,
		Logger:   log.New(os.Stdout, "["+strings.ToUpper(opts.Component)+"] ", log.LstdFlags),
		Topology: streams.NewTopology(cfg.Events.Prefix),
		Prom:     prometheus.NewRegistry(),
	}
	a.Prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	fail := func(err error) (*App, error) {
		_ = a.Close(context.Background())
		return nil, err
	}

	metricsPort := 0
	if opts.ServeMetrics {
		metricsPort = cfg.Telemetry.MetricsPort
	}
	tel, meter, tracer, err := SetupTelemetry(ctx, cfg.Telemetry, TelemetryOptions{
		ServiceName: "postcraft-" + opts.Component,
		Registry:    a.Prom,
		MetricsPort: metricsPort,
	})
	if err != nil {
		return fail(fmt.Errorf("telemetry: %w", err))
	}
	a.telemetry, a.Meter, a.Tracer = tel, meter, tracer

	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		return fail(err)
	}
	if a.Store, err = store.NewWithDSN(ctx, dsn); err != nil {
		return fail(fmt.Errorf("store: %w", err))
	}
	if a.Redis, err = OpenRedis(ctx, cfg); err != nil {
		return fail(err)
	}
	if a.Registry, err = streams.NewDefaultRegistry(); err != nil {
		return fail(fmt.Errorf("schema registry: %w", err))
	}
	if a.Metrics, err = events.NewMetrics(a.Prom); err != nil {
		return fail(fmt.Errorf("metrics: %w", err))
	}
	if a.Templates, err = templates.Load(cfg.Templates.Path); err != nil {
		return fail(fmt.Errorf("templates: %w", err))
	}

	var sink events.Sink = events.NewRedisSink(a.Redis, a.Registry, a.Topology, cfg.Events.MaxLen, cfg.Events.Retention)
	if cfg.Events.Transport == config.TransportNATS {
		if a.NATS, err = ConnectNATS(cfg, "postcraft-"+opts.Component); err != nil {
			return fail(err)
		}
		// Redis keeps the replayable history; NATS fans out live.
		sink = events.MultiSink{sink, events.NewNATSSink(a.NATS, a.Registry, a.Topology.Prefix())}
	}

	a.Service = service.New(a.Store, service.SettingsFromConfig(cfg),
		service.WithSink(sink),
		service.WithQueue(streams.NewPublisher(a.Redis, a.Registry), a.Topology),
		service.WithCancelFlags(service.NewRedisCancelFlags(a.Redis, a.Topology)),
		service.WithTemplates(a.Templates),
		service.WithMetrics(a.Metrics),
		service.WithLogger(a.Logger),
		service.WithTracer(a.Tracer),
	)
	return a, nil
}

// Close stops in-process runs and releases every connection.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Service != nil {
		a.Service.CancelAll()
	}
	if a.NATS != nil {
		if err := a.NATS.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("nats drain: %w", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
