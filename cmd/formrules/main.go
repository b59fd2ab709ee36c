// formrules - Edit-check, visibility and derivation rules for clinical forms.
// Copyright (c) 2025 opensource.clinical
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-clinical/formrules/internal/api"
	"github.com/opensource-clinical/formrules/internal/bus"
	"github.com/opensource-clinical/formrules/internal/cache"
	"github.com/opensource-clinical/formrules/internal/domain"
	"github.com/opensource-clinical/formrules/internal/fieldvalue"
	"github.com/opensource-clinical/formrules/internal/pass"
	"github.com/opensource-clinical/formrules/internal/repository"
	"github.com/opensource-clinical/formrules/internal/rules"
	"github.com/opensource-clinical/formrules/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting formrules",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"partial_match_derives", cfg.Engine.PartialMatchDerives,
		"propagate_non_finite", cfg.Engine.PropagateNonFinite,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Field lookups read persisted values first, then the tree
	values := fieldvalue.NewService(repo, cacheImpl)
	engine := rules.NewEngine(values.Getter(), rules.OptionsFromConfig(cfg.Engine))
	processor := pass.NewProcessor(engine)
	registry := rules.NewRegistry()
	defer registry.Close()
	pipeline := worker.NewPipeline(repo, cacheImpl, busImpl, registry, processor, values, cfg.Engine)

	preloadRuleSets(ctx, pipeline, cfg.Worker.TenantIDs)
	slog.Info("rule registry initialized", "rule_sets", registry.Count(), "rules", registry.RuleCount())

	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, pipeline)
		workerCfg := worker.Config{
			TenantIDs:   cfg.Worker.TenantIDs,
			WorkerCount: cfg.Worker.WorkerCount,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Worker.TenantIDs))
		}
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, registry, processor, pipeline, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("formrules is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop consuming field changes before the server goes away
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("formrules shutdown complete")
}

// preloadRuleSets warms the registry for the configured tenants. Failures
// are logged; rule sets still load lazily on first use.
func preloadRuleSets(ctx context.Context, pipeline *worker.Pipeline, tenantIDs []string) {
	for _, tenantID := range tenantIDs {
		n, err := pipeline.ReloadRuleSets(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to preload rule sets", "tenant_id", tenantID, "error", err)
			continue
		}
		if n == 0 {
			slog.Info("no rule sets stored - configure via POST /rulesets", "tenant_id", tenantID)
			continue
		}
		slog.Info("rule sets preloaded", "tenant_id", tenantID, "count", n)
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                FORMRULES                  |")
	fmt.Println("  |     Clinical Form Rule Evaluation         |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /evaluate                    - Run a rule pass over a form tree")
	fmt.Println("    POST   /nonlog-values               - Resolve non-log constants")
	fmt.Println("    GET    /evaluations/{id}            - Get evaluation by ID")
	fmt.Println("    GET    /forms/{key}/snapshot        - Get stored form instance")
	fmt.Println("    PUT    /forms/{key}/snapshot        - Store and evaluate a form instance")
	fmt.Println("    PUT    /forms/{key}/fields/{id}     - Apply a field change")
	fmt.Println("    GET    /rulesets                    - List rule sets")
	fmt.Println("    POST   /rulesets                    - Create or replace a rule set")
	fmt.Println("    DELETE /rulesets/{id}               - Delete a rule set")
	fmt.Println("    POST   /rulesets/reload             - Hot-reload rule sets")
	fmt.Println("    GET    /health                      - Health check")
	fmt.Println("    GET    /metrics                     - Prometheus metrics")
	fmt.Println()
}
