package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/events"
	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/mohammad-safakhou/postcraft/internal/runtime"
	srv "github.com/mohammad-safakhou/postcraft/internal/server"
	"github.com/spf13/cobra"
)

func watchCMD(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := runtime.WithShutdownSignals(context.Background(), "watch")
			defer cancel()
			app, err := runtime.NewApp(ctx, cfg, runtime.AppOptions{Component: "watch"})
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()

			runID := args[0]
			out := cmd.OutOrStdout()
			if app.NATS != nil {
				return watchNATS(ctx, app, runID, out)
			}
			feed := srv.NewRedisFeed(app.Redis, app.Registry, app.Topology)
			seq := events.NewSequencer()
			return feed.Follow(ctx, runID, func(u srv.Update) error {
				switch u.Kind {
				case srv.UpdateStep:
					for _, ev := range seq.Push(u.Step) {
						printLine(out, srv.UpdateStep, events.NewStepPayload(runID, ev))
					}
				case srv.UpdateStatus:
					printLine(out, u.Kind, u.Status)
				case srv.UpdateEvaluated:
					printLine(out, u.Kind, u.Evaluated)
				case srv.UpdateFinished:
					printLine(out, u.Kind, u.Finished)
				}
				return nil
			})
		},
	}
}

// watchNATS prints live events only; NATS keeps no history.
func watchNATS(ctx context.Context, app *runtime.App, runID string, out io.Writer) error {
	done := make(chan struct{})
	envs := make(chan streams.Envelope, 64)
	sub, err := events.SubscribeNATS(app.NATS, app.Topology.Prefix(), runID, func(env streams.Envelope) {
		select {
		case envs <- env:
		case <-done:
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		close(done)
		_ = sub.Unsubscribe()
	}()
	app.Logger.Printf("subscribed to %s", events.RunSubject(app.Topology.Prefix(), runID))

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-envs:
			var data any
			if err := env.Decode(&data); err != nil {
				app.Logger.Printf("warn: decode %s: %v", env.EventType, err)
				continue
			}
			printLine(out, env.EventType, data)
			if env.EventType == streams.EventRunFinished {
				return nil
			}
		}
	}
}

func printLine(out io.Writer, kind string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%q", err.Error()))
	}
	fmt.Fprintf(out, "%s %-9s %s\n", time.Now().Format(time.TimeOnly), kind, b)
}
