/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the EV sales order fulfillment server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Build the logrus logger
  3. Initialize SQLite store
  4. Pick the locker: Redis when REDIS_ADDR is set, in-process otherwise
  5. Wire ledgers, workflow, state machine and services (api.NewApp)
  6. Start the ledger auditor
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database
  -env     dotenv file to load (default: .env)

ENVIRONMENT:
  PORT, DB_PATH, CORS_ORIGINS, LOG_LEVEL, LOG_FORMAT, DEPOSIT_RATIO,
  RETRY_MAX_ATTEMPTS, RETRY_BASE_DELAY, RETRY_MAX_DELAY,
  REDIS_ADDR, LOCK_TTL, AUDIT_INTERVAL. See config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the auditor
  4. Close Redis and database connections

SEE ALSO:
  - api/server.go: Router configuration
  - api/app.go: Service wiring
  - config/config.go: Settings
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/ev-sales-engine/api"
	"github.com/warp/ev-sales-engine/config"
	"github.com/warp/ev-sales-engine/core"
	"github.com/warp/ev-sales-engine/lock"
	"github.com/warp/ev-sales-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	envFile := flag.String("env", ".env", "dotenv file to load")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	log, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	var locker core.Locker = core.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rdb, err := lock.Connect(context.Background(), cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewRedis(rdb, cfg.LockTTL, log.WithField("component", "lock"))
		log.WithField("addr", cfg.RedisAddr).Info("using redis locks")
	}

	handler := api.NewApp(store, locker, api.Options{
		DepositRatio: cfg.DepositRatio,
		Retry:        cfg.Retry,
	}, log)

	handler.Auditor.Interval = cfg.AuditInterval
	handler.Auditor.Start()
	defer handler.Auditor.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, cfg.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "db": cfg.DBPath}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
