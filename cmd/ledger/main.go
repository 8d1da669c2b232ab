package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/config"
	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/boddenberg/fintech-ledger-go/internal/handler"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/cache"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/observability"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/postgres"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/fintech-ledger-go/internal/port"
	"github.com/boddenberg/fintech-ledger-go/internal/seed"
	"github.com/boddenberg/fintech-ledger-go/internal/service"

	"go.uber.org/zap"
)

// seedActor books seed data. It never appears in a token.
var seedActor = domain.Actor{ID: "system-seed", Role: domain.RoleAdmin}

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "fintech-ledger")
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("journal_path", cfg.JournalPath),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
		zap.Duration("owner_cache_ttl", cfg.OwnerCacheTTL),
		zap.Duration("jwt_access_ttl", cfg.JWTAccessTTL),
		zap.Bool("dev_auth", cfg.DevAuth),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "fintech-ledger")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Store ---
	store, closeStore, err := openStore(cfg, metrics, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	// --- Cache ---
	owners := cache.New[string](cfg.OwnerCacheTTL)
	defer owners.Close()

	// --- Services ---
	ledgerSvc := service.NewLedgerService(store, owners, metrics, logger,
		service.WithOverdraftLimits(cfg.OverdraftLimits),
	)
	identitySvc := service.NewIdentityService(cfg.JWTSecret, cfg.JWTAccessTTL, logger)

	// --- Seed ---
	if cfg.DevAuth || cfg.SeedFile != "" {
		f, err := seed.Read(cfg.SeedFile)
		if err != nil {
			logger.Fatal("failed to read seed file", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = seed.Apply(ctx, f, ledgerSvc, identitySvc, seedActor, cfg.BcryptCost, logger)
		cancel()
		if err != nil {
			logger.Fatal("failed to apply seed", zap.Error(err))
		}
	}
	if !cfg.DevAuth {
		logger.Info("dev auth disabled, login route unavailable")
	}

	// --- Router ---
	router := handler.NewRouter(ledgerSvc, identitySvc, store, metrics, logger, handler.Options{
		DevAuth:     cfg.DevAuth,
		CORSOrigins: cfg.CORSAllowedOrigins,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// openStore builds the configured backend and returns a close func for it.
func openStore(cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (port.LedgerStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		logger.Info("using Postgres as ledger store")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		pg, err := postgres.Open(ctx, cfg.DatabaseURL, resilience.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxConcurrency: cfg.MaxConcurrency,
		}, metrics, logger)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil

	default:
		if cfg.JournalPath == "" {
			logger.Warn("using in-memory ledger store without a journal, data is lost on exit")
			return memstore.New(logger), func() {}, nil
		}
		logger.Info("using in-memory ledger store", zap.String("journal_path", cfg.JournalPath))
		ms, err := memstore.Open(cfg.JournalPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return ms, func() { ms.Close() }, nil
	}
}
