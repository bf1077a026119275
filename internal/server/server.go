package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/postcraft/config"
	"github.com/mohammad-safakhou/postcraft/internal/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps are the collaborators behind the HTTP API.
type RouterDeps struct {
	Runs          RunReader
	Service       RunService
	Feed          Feed
	Prom          prometheus.Gatherer
	Secret        []byte
	ExecutionMode string
	StreamEnabled bool
	Logger        *log.Logger
	// Ping reports storage health for /healthz. Optional.
	Ping func(ctx context.Context) error
}

// NewRouter builds the echo instance with every route mounted.
func NewRouter(deps RouterDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	baseLogger := deps.Logger
	if baseLogger == nil {
		baseLogger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, "Cookie", "Last-Event-ID"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error {
		if deps.Ping != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ping(ctx); err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
			}
		}
		return c.String(http.StatusOK, "ok")
	})
	if deps.Prom != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Prom, promhttp.HandlerOpts{})))
	}
	registerDocs(e)

	api := e.Group("/api")
	api.Use(runtime.EchoAuthMiddleware(deps.Secret))
	runs := NewRunsHandler(deps.Runs, deps.Service, deps.Feed, deps.ExecutionMode)
	runs.logger = baseLogger
	runs.Register(api.Group("/runs"), deps.StreamEnabled)
	th := &TemplatesHandler{catalogue: deps.Service.Templates()}
	th.Register(api.Group("/templates"))
	return e
}

// Run serves the API until ctx ends, then drains in-flight requests.
func Run(ctx context.Context, cfg *config.Config) error {
	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	app, err := runtime.NewApp(ctx, cfg, runtime.AppOptions{Component: "api"})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			app.Logger.Printf("warn: close: %v", err)
		}
	}()

	e := NewRouter(RouterDeps{
		Runs:          app.Store,
		Service:       app.Service,
		Feed:          NewRedisFeed(app.Redis, app.Registry, app.Topology),
		Prom:          app.Prom,
		Secret:        secret,
		ExecutionMode: cfg.Server.ExecutionMode,
		StreamEnabled: cfg.Server.RunStreamEnabled,
		Logger:        log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
		Ping:          app.Store.Ping,
	})

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Printf("listening on %s (execution=%s)", cfg.Server.Address, cfg.Server.ExecutionMode)
		errCh <- e.Start(cfg.Server.Address)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	app.Service.CancelAll()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
