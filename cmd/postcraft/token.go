package main

import (
	"fmt"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/runtime"
	"github.com/spf13/cobra"
)

func tokenCMD(load configLoader) *cobra.Command {
	var userID string
	var ttl time.Duration
	var tok = &cobra.Command{
		Use:   "token",
		Short: "Sign an API bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			signed, err := runtime.SignJWT(userID, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	tok.Flags().StringVar(&userID, "user", "", "user id placed in the sub claim")
	tok.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = tok.MarkFlagRequired("user")
	return tok
}
