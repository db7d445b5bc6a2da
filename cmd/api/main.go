package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"meshforge/internal/adapter/repo"
	"meshforge/internal/domain"
	"meshforge/internal/engine"
	"meshforge/internal/http/handlers"
	"meshforge/internal/http/httpapi"
	"meshforge/internal/infra"
	"meshforge/internal/ledger"
	"meshforge/internal/provider/tripo"
	"meshforge/internal/registry"
	"meshforge/internal/store"
)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	// Durability is optional: without DATABASE_URL the service runs with
	// in-memory state only.
	var jobRepo domain.JobRepository
	var walletRepo domain.WalletRepository
	if cfg.DatabaseURL != "" {
		dbpool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer dbpool.Close()

		jr := repo.NewJobRepository(dbpool)
		// Jobs that were in flight when the previous process died can never
		// finish; mark them before accepting new traffic.
		if n, err := jr.ExpireStale(ctx, "interrupted by restart"); err != nil {
			logger.Error().Err(err).Msg("failed to expire stale jobs")
		} else if n > 0 {
			logger.Info().Int64("jobs", n).Msg("expired stale jobs from previous run")
		}
		jobRepo = jr
		walletRepo = repo.NewWalletRepository(dbpool)
	}

	modelStore, err := store.New(cfg.StoragePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open model store")
	}

	credits, err := ledger.New(ctx, ledger.Options{
		Costs: map[domain.Quality]int64{
			domain.QualityLow:    cfg.CreditCostLow,
			domain.QualityMedium: cfg.CreditCostMedium,
			domain.QualityHigh:   cfg.CreditCostHigh,
		},
		InitialPaid:        cfg.InitialPaid,
		InitialPromotional: cfg.InitialPromo,
		PromotionalExpiry:  cfg.PromoExpiry,
		Repository:         walletRepo,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build credit ledger")
	}

	provider, err := tripo.NewClient(tripo.Options{
		APIKey:         cfg.TripoAPIKey,
		BaseURL:        cfg.TripoBaseURL,
		ModelVersion:   cfg.TripoModelVersion,
		RequestTimeout: cfg.TripoCallTimeout,
		FetchTimeout:   cfg.TripoFetchTimeout,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build provider client")
	}

	jobs := registry.New(jobRepo, logger)

	orch := engine.New(engine.Config{
		PollInitial:    cfg.PollInitial,
		PollMax:        cfg.PollMax,
		PollMultiplier: cfg.PollMultiplier,
		MaxWait:        cfg.MaxWait,
		MaxAttempts:    cfg.MaxAttempts,
	}, credits, provider, modelStore, jobs, logger)

	// Pull the provider's authoritative balances once at startup so the
	// local predictor does not drift across restarts.
	reconcileCtx, cancelReconcile := context.WithTimeout(ctx, cfg.TripoCallTimeout)
	orch.ReconcileBalances(reconcileCtx)
	cancelReconcile()

	app := handlers.NewApp(orch, logger)

	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		RateLimitPerMin: cfg.RateLimitPerMin,
		CORSOrigins:     cfg.CORSOrigins,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}

	engineCtx, cancelEngine := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelEngine()
	if err := orch.Shutdown(engineCtx); err != nil {
		logger.Error().Err(err).Msg("failed to drain in-flight jobs")
	}
	logger.Info().Msg("server stopped")
}
