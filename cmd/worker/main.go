package main

import (
	"context"
	"flag"
	"log"

	"github.com/joho/godotenv"
	"github.com/mohammad-safakhou/postcraft/config"
	"github.com/mohammad-safakhou/postcraft/internal/runtime"
	"github.com/mohammad-safakhou/postcraft/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.LoadConfig(*cfgPath)

	ctx, cancel := runtime.WithShutdownSignals(context.Background(), "worker")
	defer cancel()

	if err := worker.Run(ctx, cfg); err != nil {
		log.Fatalf("worker exited: %v", err)
	}
}
