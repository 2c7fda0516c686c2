// Package main is the entrypoint of the trashtv ingest service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/trashtv-ingest/internal/config"
	"github.com/JakeFAU/trashtv-ingest/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if err := run(context.Background(), *cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "trashtv: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	if err := app.Run(ctx); err != nil {
		zap.L().Error("service stopped with error", zap.Error(err))
		return err
	}
	return nil
}
