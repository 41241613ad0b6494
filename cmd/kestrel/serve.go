package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/heuristics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/triage"
	"github.com/opensource-finance/kestrel/internal/typology"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// app holds the components shared by every command.
type app struct {
	repo      *repository.SQLRepository
	cache     domain.Cache
	bus       domain.EventBus
	validator *typology.Validator
	orch      *typology.Orchestrator
	analysis  *analysis.Service
	profiles  *velocity.Service
	triage    *triage.Processor
}

// newApp opens the repository and builds the services on top of it. The
// cache and bus are only opened when withBackends is set.
func newApp(ctx context.Context, cfg *domain.Config, withBackends bool) (*app, error) {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	a := &app{repo: repo, triage: triage.NewProcessor()}

	if withBackends {
		if a.cache, err = cache.New(cfg.Cache); err != nil {
			a.Close()
			return nil, fmt.Errorf("opening cache: %w", err)
		}
		if a.bus, err = bus.New(cfg.EventBus); err != nil {
			a.Close()
			return nil, fmt.Errorf("opening event bus: %w", err)
		}
	}

	gates, err := typology.NewGateCompiler()
	if err != nil {
		a.Close()
		return nil, err
	}
	lib := heuristics.NewLibrary()
	a.validator = typology.NewValidator(lib, gates)

	if err := seedIfEmpty(ctx, repo, a.validator); err != nil {
		a.Close()
		return nil, err
	}

	a.orch = typology.NewOrchestrator(repo, lib, gates, typology.Options{
		Workers: cfg.Analysis.Workers,
		Timeout: cfg.Analysis.Timeout,
		Bus:     a.bus,
		Triage:  a.triage,
	})
	a.analysis = analysis.NewService(repo, a.cache, cfg.Analysis)
	a.profiles = velocity.NewService(repo, a.cache, cfg.Analysis.CacheTTL)
	return a, nil
}

// Close releases the backends in reverse order of opening.
func (a *app) Close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			slog.Warn("failed to close event bus", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Warn("failed to close cache", "error", err)
		}
	}
	if err := a.repo.Close(); err != nil {
		slog.Warn("failed to close repository", "error", err)
	}
}

func seedIfEmpty(ctx context.Context, repo domain.Repository, v *typology.Validator) error {
	existing, err := repo.ListTypologies(ctx)
	if err != nil {
		return fmt.Errorf("listing typologies: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("typology catalog loaded", "count", len(existing))
		return nil
	}
	catalog, err := typology.DefaultCatalog()
	if err != nil {
		return err
	}
	n, err := typology.Seed(ctx, repo, v, catalog, false)
	if err != nil {
		return fmt.Errorf("seeding catalog: %w", err)
	}
	slog.Info("seeded default typology catalog", "count", n)
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the detection worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		slog.Info("starting kestrel",
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)
		slog.Info("configuration loaded",
			"tier", cfg.Tier,
			"repository", cfg.Repository.Driver,
			"cache", cfg.Cache.Type,
			"eventbus", cfg.EventBus.Type,
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		// The in-process bus only reaches a worker in this process. On NATS
		// the pro tier runs one here too, sharing the queue group.
		var detectionWorker *worker.Worker
		if cfg.EventBus.Type != "nats" || cfg.Tier == domain.TierPro {
			detectionWorker = worker.NewWorker(a.bus, a.orch, worker.Config{Concurrency: cfg.Analysis.Workers})
			if err := detectionWorker.Start(); err != nil {
				return fmt.Errorf("starting worker: %w", err)
			}
		}

		srv := api.NewServer(cfg.Server, cfg.Analysis, api.Deps{
			Repo:      a.repo,
			Cache:     a.cache,
			Bus:       a.bus,
			Runner:    a.orch,
			Analysis:  a.analysis,
			Profiles:  a.profiles,
			Validator: a.validator,
			Triage:    a.triage,
		}, Version)

		serveErr := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		slog.Info("server started", "host", cfg.Server.Host, "port", cfg.Server.Port)
		printBanner(cfg, Version)

		select {
		case <-ctx.Done():
		case err := <-serveErr:
			if err != nil {
				slog.Error("server failed", "error", err)
			}
		}
		slog.Info("shutting down...")

		if detectionWorker != nil {
			if err := detectionWorker.Stop(); err != nil {
				slog.Error("failed to stop detection worker", "error", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}

		slog.Info("kestrel shutdown complete")
		return nil
	},
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL  case analysis engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /cases/{id}/detections          - Run the typology catalog")
	fmt.Println("    GET   /cases/{id}/detections          - List detections")
	fmt.Println("    PATCH /detections/{id}                - Review a detection")
	fmt.Println("    GET   /cases/{id}/analysis            - Heuristic summary")
	fmt.Println("    GET   /cases/{id}/network             - Network report")
	fmt.Println("    GET   /cases/{id}/network/critical    - Critical nodes")
	fmt.Println("    GET   /cases/{id}/network/paths       - Heaviest paths")
	fmt.Println("    GET   /parties/{id}/profile           - Party profile")
	fmt.Println("    GET   /typologies                     - List typologies")
	fmt.Println("    PUT   /typologies/{code}              - Update a typology")
	fmt.Println("    GET   /health                         - Health check")
	fmt.Println()
}
