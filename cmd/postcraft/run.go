package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/runtime"
	"github.com/mohammad-safakhou/postcraft/internal/service"
	"github.com/spf13/cobra"
)

func runCMD(load configLoader) *cobra.Command {
	var req service.RunRequest
	var userID string
	var hashtags, cta, emoji bool
	var asJSON bool

	var run = &cobra.Command{
		Use:   "run <topic>",
		Short: "Generate one post in this process and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			req.Topic = args[0]
			flags := cmd.Flags()
			if flags.Changed("hashtags") {
				req.IncludeHashtags = &hashtags
			}
			if flags.Changed("cta") {
				req.IncludeCTA = &cta
			}
			if flags.Changed("emoji") {
				req.IncludeEmoji = &emoji
			}

			ctx, cancel := runtime.WithShutdownSignals(context.Background(), "run")
			defer cancel()
			app, err := runtime.NewApp(ctx, cfg, runtime.AppOptions{Component: "cli"})
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
				defer c()
				_ = app.Close(closeCtx)
			}()

			job, err := app.Service.Create(ctx, userID, req)
			if err != nil {
				return err
			}
			app.Logger.Printf("run %s created (max_revisions=%d)", job.RunID, job.Config.MaxRevisions)
			res, runErr := app.Service.Execute(ctx, job.RunID)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(struct {
					RunID  string `json:"run_id"`
					Result any    `json:"result"`
				}{job.RunID, res}); err != nil {
					return err
				}
				return runErr
			}
			fmt.Fprintf(out, "run %s: %s after %d steps, %d revision(s), approved=%t\n",
				job.RunID, res.Status, res.Steps, res.RevisionCount, res.Approved())
			if res.Groundedness != nil {
				fmt.Fprintf(out, "groundedness: %d/5 (%d unsupported claim(s))\n", res.Groundedness.Score, len(res.Groundedness.UnsupportedClaims))
			}
			if res.FinalDraft != "" {
				fmt.Fprintf(out, "\n%s\n", res.FinalDraft)
			}
			return runErr
		},
	}
	f := run.Flags()
	f.StringVar(&userID, "user", "cli", "user whose stored API configuration is used")
	f.StringVar(&req.TemplateID, "template", "", "template id")
	f.StringVar(&req.Tone, "tone", "", "tone of voice")
	f.StringVar(&req.TargetAudience, "audience", "", "target audience")
	f.StringVar(&req.Language, "language", "", "post language")
	f.IntVar(&req.WordCountMin, "min-words", 0, "minimum word count")
	f.IntVar(&req.WordCountMax, "max-words", 0, "maximum word count")
	f.IntVar(&req.MaxRevisions, "max-revisions", 0, "revision cap")
	f.BoolVar(&hashtags, "hashtags", true, "include hashtags")
	f.BoolVar(&cta, "cta", true, "include a call to action")
	f.BoolVar(&emoji, "emoji", false, "include emoji")
	f.BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return run
}

func evaluateCMD(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <run-id>",
		Short: "Re-score the groundedness of a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := runtime.WithShutdownSignals(context.Background(), "evaluate")
			defer cancel()
			app, err := runtime.NewApp(ctx, cfg, runtime.AppOptions{Component: "cli"})
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()

			report, err := app.Service.Evaluate(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
