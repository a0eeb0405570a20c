// Command tributary loads a plan and runs it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/sandboxws/tributary/pkg/config"
	"github.com/sandboxws/tributary/pkg/engine"
	"github.com/sandboxws/tributary/pkg/metrics"
	"github.com/sandboxws/tributary/pkg/plan"
)

func main() {
	configPath := flag.String("config", "", "Config file (yaml, json or toml); environment variables override it")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: tributary [-config file] <plan.json|plan.pb>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	planPath := flag.Arg(0)
	p, err := plan.Load(planPath)
	if err != nil {
		logger.Error("failed to load plan", "path", planPath, "error", err)
		os.Exit(1)
	}
	logger.Info("loaded plan", "plan", p.Name, "nodes", len(p.Nodes), "edges", len(p.Edges))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.NewRegistry()
	if cfg.MetricsAddr != "" {
		metrics.ServeMetrics(ctx, cfg.MetricsAddr, reg)
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	eng, err := engine.New(p, engine.Options{
		Config:  cfg,
		Metrics: reg,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to build plan", "plan", p.Name, "error", err)
		os.Exit(1)
	}

	if err := engine.RunWithGracefulShutdown(ctx, eng, cfg.ShutdownTimeout); err != nil {
		logger.Error("engine failed", "run_id", eng.RunID(), "error", err)
		os.Exit(1)
	}
}
