package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/postcraft/internal/runtime"
	"github.com/mohammad-safakhou/postcraft/internal/store"
	"github.com/spf13/cobra"
)

func credentialsCMD(load configLoader) *cobra.Command {
	var creds = &cobra.Command{
		Use:   "credentials",
		Short: "Manage a user's stored model and search credentials",
	}

	var c store.APIConfig
	var set = &cobra.Command{
		Use:   "set",
		Short: "Create or replace a user's API configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := openStore(load)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := st.UpsertAPIConfig(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored configuration for %s\n", c.UserID)
			return nil
		},
	}
	f := set.Flags()
	f.StringVar(&c.UserID, "user", "", "user id")
	f.StringVar(&c.OpenAIAPIKey, "openai-key", "", "OpenAI-compatible API key")
	f.StringVar(&c.OpenAIBaseURL, "base-url", "", "OpenAI-compatible base URL")
	f.StringVar(&c.Model, "model", "", "completion model")
	f.StringVar(&c.EvalModel, "eval-model", "", "groundedness evaluation model")
	f.StringVar(&c.SearchProvider, "search-provider", "", "tavily, serper or brave")
	f.StringVar(&c.SearchAPIKey, "search-key", "", "search provider API key")
	_ = set.MarkFlagRequired("user")

	var showUser string
	var show = &cobra.Command{
		Use:   "show",
		Short: "Print a user's API configuration with keys masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := openStore(load)
			if err != nil {
				return err
			}
			defer closeStore()
			got, ok, err := st.GetAPIConfig(cmd.Context(), showUser)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("no configuration stored for " + showUser)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user:            %s\n", got.UserID)
			fmt.Fprintf(out, "openai key:      %s\n", maskKey(got.OpenAIAPIKey))
			fmt.Fprintf(out, "base url:        %s\n", got.OpenAIBaseURL)
			fmt.Fprintf(out, "model:           %s\n", got.Model)
			fmt.Fprintf(out, "eval model:      %s\n", got.EvalModel)
			fmt.Fprintf(out, "search provider: %s\n", got.SearchProvider)
			fmt.Fprintf(out, "search key:      %s\n", maskKey(got.SearchAPIKey))
			fmt.Fprintf(out, "updated:         %s\n", got.UpdatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	show.Flags().StringVar(&showUser, "user", "", "user id")
	_ = show.MarkFlagRequired("user")

	creds.AddCommand(set, show)
	return creds
}

func openStore(load configLoader) (*store.Store, func(), error) {
	cfg, err := load()
	if err != nil {
		return nil, nil, err
	}
	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewWithDSN(context.Background(), dsn)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

func maskKey(k string) string {
	k = strings.TrimSpace(k)
	if k == "" {
		return "(not set)"
	}
	if len(k) <= 8 {
		return strings.Repeat("*", len(k))
	}
	return k[:4] + strings.Repeat("*", len(k)-8) + k[len(k)-4:]
}
