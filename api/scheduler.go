/*
scheduler.go - Periodic sweeper

PURPOSE:
  Runs Engine.Sweep on a ticker so that nothing depends on a webhook
  arriving or a request coming in:
  - pending invoices past expiry become expired
  - pending invoices are checked with the rail (lost webhooks)
  - groups whose members have all paid are completed
  - payouts left pending after a restart are disbursed

DESIGN:
  - One background goroutine, first pass immediately on Start
  - A pass is never run concurrently with itself
  - Stop cancels the running pass and waits for it

USAGE:
  sweeper := NewSweeper(engine, time.Minute, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: POST /api/admin/sweep (manual pass)
  - tontine/engine.go: Sweep
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sunusav/tontine-engine/tontine"
)

// Sweeper handles periodic housekeeping.
type Sweeper struct {
	Engine   *tontine.Engine
	Interval time.Duration
	Enabled  bool

	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

// NewSweeper creates a new sweeper.
func NewSweeper(engine *tontine.Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		Engine:   engine,
		Interval: interval,
		Enabled:  true,
		log:      logger.With("component", "sweeper"),
	}
}

// Start begins the sweeper. It is a no-op if already running or disabled.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info("started", "interval", s.Interval)
}

// Stop stops the sweeper and waits for an in-flight pass to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.log.Info("stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one pass and returns its result.
func (s *Sweeper) RunNow(ctx context.Context) (tontine.SweepResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	res, err := s.Engine.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("sweep failed", "error", err)
		}
		return res, err
	}

	if res.Expired > 0 || res.Reconciled > 0 || res.Flagged > 0 || res.CyclesCompleted > 0 || res.PayoutsResumed > 0 || res.Errors > 0 {
		s.log.Info("sweep completed",
			"expired", res.Expired,
			"reconciled", res.Reconciled,
			"flagged", res.Flagged,
			"cycles_completed", res.CyclesCompleted,
			"payouts_resumed", res.PayoutsResumed,
			"errors", res.Errors,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return res, nil
}
