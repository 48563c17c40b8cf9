/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the wallet ledger engine's HTTP server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse configuration (flags + environment)
  2. Open the journal store (sqlite or postgres)
  3. Open the optional redis balance cache
  4. Build the API handler, router, and pipeline scheduler
  5. Start the HTTP server and the scheduler
  6. On SIGINT/SIGTERM, drain in-flight requests, then stop the scheduler
     and close the cache and the store

CONFIGURATION:
  -port           HTTP server port (default 8080; env PORT)
  -db-driver      "sqlite" or "postgres" (default "sqlite"; env DB_DRIVER)
  -db-dsn         sqlite file path or postgres connection string
                  (default "ledger.db"; env DATABASE_URL)
  -redis-addr     optional redis address enabling the balance cache
                  (env REDIS_ADDR; cache disabled if empty)
  -log-level      zap level: debug, info, warn, error (default "info";
                  env LOG_LEVEL)

SEE ALSO:
  - api/server.go: router configuration
  - api/handlers.go: HTTP handlers
  - internal/store/sqlite, internal/store/postgres: store backends
  - internal/pipeline: scheduler this command drives
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/internal/cache"
	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/pipeline"
	"github.com/warp/ledger-engine/internal/store/postgres"
	"github.com/warp/ledger-engine/internal/store/sqlite"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	defaultPort := 8080
	if v, err := strconv.Atoi(os.Getenv("PORT")); err == nil {
		defaultPort = v
	}
	port := flag.Int("port", defaultPort, "HTTP server port")
	dbDriver := flag.String("db-driver", envOr("DB_DRIVER", "sqlite"), "journal store backend: sqlite or postgres")
	dbDSN := flag.String("db-dsn", envOr("DATABASE_URL", "ledger.db"), "sqlite file path or postgres DSN")
	redisAddr := flag.String("redis-addr", envOr("REDIS_ADDR", ""), "redis address for the balance cache (empty disables caching)")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "zap log level: debug, info, warn, error")
	flag.Parse()

	log := buildLogger(*logLevel)
	defer log.Sync()

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, *dbDriver, *dbDSN)
	if err != nil {
		log.Fatal("failed to open journal store", zap.Error(err), zap.String("driver", *dbDriver))
	}
	defer closeStore()

	handler := api.NewHandler(store, log)

	if *redisAddr != "" {
		rdb, err := cache.Open(ctx, cache.Config{Addr: *redisAddr})
		if err != nil {
			log.Warn("redis unavailable, running without balance cache", zap.Error(err))
		} else {
			defer rdb.Close()
			handler.Cache = cache.New(handler.Calc, rdb, 5*time.Second)
		}
	}

	lister, ok := store.(pipeline.WalletLister)
	if !ok {
		log.Fatal("journal store cannot list wallets for the pipeline scheduler", zap.String("driver", *dbDriver))
	}
	scheduler := pipeline.NewScheduler(handler.Pipeline, lister, log)
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.Int("port", *port), zap.String("db_driver", *dbDriver))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("server forced to shutdown", zap.Error(err))
	}
	log.Info("server stopped")
}

// openStore opens the configured backend and returns it as a journal.TxStore
// alongside a close function, so main need not know the concrete type.
func openStore(ctx context.Context, driver, dsn string) (journal.TxStore, func(), error) {
	switch driver {
	case "sqlite":
		s, err := sqlite.New(dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		s, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown db-driver %q: want sqlite or postgres", driver)
	}
}

func buildLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
