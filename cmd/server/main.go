/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the tontine cycle and settlement server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, environment, flags)
  2. Configure logging
  3. Initialize SQLite store and payment rail
  4. Start the event queue, engine and sweeper
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port         HTTP server port (overrides PORT)
  -db           SQLite database path (overrides DB_PATH)
                Use ":memory:" for in-memory database
  -issue-token  Print a bearer token for the given user id and exit
  -role         Role claim for -issue-token (e.g. "admin")

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper
  4. Drain the event queue
  5. Close database connection

EXAMPLES:
  # Run with file database and the mock rail
  WEBHOOK_SECRET=... JWT_SECRET=... ./server -db="./data/tontine.db"

  # Against an LND node
  RAIL=lnd LND_REST_URL=https://127.0.0.1:8080 LND_MACAROON_HEX=... ./server

  # Operator token
  ./server -issue-token=ops -role=admin

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sunusav/tontine-engine/api"
	"github.com/sunusav/tontine-engine/config"
	"github.com/sunusav/tontine-engine/notify"
	"github.com/sunusav/tontine-engine/pkg/logging"
	"github.com/sunusav/tontine-engine/rail/lnd"
	"github.com/sunusav/tontine-engine/rail/mock"
	"github.com/sunusav/tontine-engine/store/sqlite"
	"github.com/sunusav/tontine-engine/tontine"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	issueToken := flag.String("issue-token", "", "print a bearer token for this user id and exit")
	role := flag.String("role", "", "role claim for -issue-token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(logger)

	tokens := api.NewTokenManager(cfg.JWTSecret, 24*time.Hour)
	if *issueToken != "" {
		tok, err := tokens.Generate(*issueToken, *role)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(tok)
		return nil
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	rail, err := newRail(cfg, logger)
	if err != nil {
		return err
	}

	// Outbound events
	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if cfg.NotifyURL != "" {
		sinks = append(sinks, notify.NewHTTPSink(cfg.NotifyURL, 5*time.Second))
	}
	events := notify.NewQueue(cfg.EventQueueSize, logger, sinks...)
	events.Start()

	engine, err := tontine.NewEngine(store, rail, tontine.Options{
		Fees:                cfg.Fees,
		InvoiceExpiry:       cfg.InvoiceExpiry,
		LockTimeout:         cfg.LockTimeout,
		DeductFeeFromPayout: cfg.DeductFeeFromPayout,
		Logger:              logger,
		Events:              events,
	})
	if err != nil {
		return err
	}

	sweeper := api.NewSweeper(engine, cfg.SweepInterval, logger)

	handler := api.NewHandler(engine, tokens, cfg.WebhookSecret, logger)
	handler.Health = store.Ping
	handler.Sweeper = sweeper

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweeper.Start()

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "rail", cfg.Rail, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		sweeper.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	sweeper.Stop()
	if err := events.Close(ctx); err != nil {
		logger.Warn("event queue not drained", "pending", events.Len(), "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func newRail(cfg *config.Config, logger *slog.Logger) (tontine.PaymentRail, error) {
	switch cfg.Rail {
	case config.RailLND:
		c, err := lnd.New(lnd.Config{
			BaseURL:       cfg.LND.URL,
			MacaroonHex:   cfg.LND.MacaroonHex,
			Timeout:       cfg.LND.Timeout,
			InvoiceExpiry: cfg.InvoiceExpiry,
			FeeLimitSat:   cfg.LND.FeeLimitSat,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		logger.Warn("using the mock payment rail; invoices only settle through signed webhooks")
		return mock.New(), nil
	}
}
