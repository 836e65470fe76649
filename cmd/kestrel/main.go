// Kestrel - Loyalty points that settle exactly once.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/award"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/formula"
	"github.com/opensource-finance/kestrel/internal/guard"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/logger"
	"github.com/opensource-finance/kestrel/internal/points"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// formulaCacheSize bounds the compiled custom-formula cache.
const formulaCacheSize = 1024

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging, cfg.Tracing.ServiceName, Version)
	slog.SetDefault(log)

	log.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	config.LogConfig(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("kestrel shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config, log *slog.Logger) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	log.Info("repository initialized", "driver", repo.Driver())

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	log.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus, log)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	log.Info("event bus initialized", "type", cfg.EventBus.Type)

	guards, err := guard.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize guard engine: %w", err)
	}
	formulas, err := formula.NewEvaluator(log, formulaCacheSize)
	if err != nil {
		return fmt.Errorf("failed to initialize formula evaluator: %w", err)
	}
	defer formulas.Close()

	catalogOpts := []rules.Option{rules.WithLogger(log)}
	if cfg.Scoring.RuleCacheTTL > 0 {
		catalogOpts = append(catalogOpts, rules.WithCache(cacheImpl, cfg.Scoring.RuleCacheTTL))
	}
	catalog := rules.NewCatalog(repo, guards, catalogOpts...)

	calculator := points.NewCalculator(formulas,
		points.WithGuards(guards),
		points.WithMaxWorkers(cfg.Scoring.MaxConcurrency),
		points.WithLogger(log),
	)
	ledgerSvc := ledger.NewService(repo, busImpl, cfg.Ledger, log)

	awards := award.NewOrchestrator(award.Deps{
		Catalog:      catalog,
		Calculator:   calculator,
		Transactions: repo,
		Ledger:       ledgerSvc,
		History:      history.NewService(repo, cacheImpl, log),
		Events:       busImpl,
		Logger:       log,
	})

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, awards, log)
		if err := asyncWorker.Start(); err != nil {
			return fmt.Errorf("failed to start finalization worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Awards:  awards,
		Catalog: catalog,
		Ledger:  ledgerSvc,
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Version: Version,
		Async:   asyncWorker != nil,
		Logger:  log,
	})

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	log.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down...")
	case err := <-serveErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			log.Error("failed to stop finalization worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	return runErr
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - loyalty points award engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /points/calculate                 - Preview points for a purchase")
	fmt.Println("    POST /rules/applicable                 - Rules a purchase would match")
	fmt.Println("    GET  /rules?scope=&id=                 - List rules of a scope")
	fmt.Println("    POST /rules                            - Create a rule")
	fmt.Println("    PUT  /rules/{id}                       - Update a rule")
	fmt.Println("    DELETE /rules/{id}                     - Deactivate a rule")
	fmt.Println("    POST /transactions                     - Record a purchase")
	fmt.Println("    POST /transactions/{id}/finalize       - Award points")
	fmt.Println("    PUT  /transactions/{id}                - Recalculate after an edit")
	fmt.Println("    GET  /ledger/{customer}/{merchant}     - Balance")
	fmt.Println("    POST /ledger/{customer}/{merchant}/spend - Redeem points")
	fmt.Println("    POST /ledger/{customer}/transfer       - Move points between merchants")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}
