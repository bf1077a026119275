package main

import (
	"errors"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/mohammad-safakhou/postcraft/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("warn: load .env: %v", err)
	}

	var cfgPath string
	var root = &cobra.Command{
		Use:           "postcraft",
		Short:         "Research, write and critique LinkedIn posts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	loadConfig := func() (*config.Config, error) {
		return config.Load(cfgPath)
	}
	root.AddCommand(
		serveCMD(loadConfig),
		workerCMD(loadConfig),
		runCMD(loadConfig),
		migrateCMD(loadConfig),
		evaluateCMD(loadConfig),
		watchCMD(loadConfig),
		tokenCMD(loadConfig),
		credentialsCMD(loadConfig),
	)
	if err := root.Execute(); err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
}

type configLoader func() (*config.Config, error)
