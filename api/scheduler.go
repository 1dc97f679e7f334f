/*
scheduler.go - Automated default scan

PURPOSE:
  Periodically moves Active plans whose oldest overdue installment has
  passed the configured threshold to Defaulted.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Each plan is re-checked under its plan lock by billing.ApplyDefaults,
    so a payment that lands mid-scan wins
  - The last run is kept for the status endpoint

CONFIGURATION:
  - Interval: How often to scan (scheduler.interval, default 1h)
  - Enabled:  Whether the scheduler runs (scheduler.enabled, default true)

USAGE:
  scheduler := NewDefaultScheduler(svc, cfg.Scheduler.Interval, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ApplyDefaults endpoint (manual scan)
  - billing/service.go: ApplyDefaults
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/warp/fee-ledger/billing"
	"go.uber.org/zap"
)

// DefaultApplier is the part of billing.Service the scheduler drives.
type DefaultApplier interface {
	ApplyDefaults(ctx context.Context) (*billing.DefaultRun, error)
}

// DefaultScheduler runs the default scan on a ticker.
type DefaultScheduler struct {
	Applier  DefaultApplier
	Interval time.Duration
	Enabled  bool

	logger *zap.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	lastMu   sync.Mutex
	lastRun  *billing.DefaultRun
	lastErr  error
	nextRun  time.Time
	runCount int
}

// NewDefaultScheduler creates an enabled scheduler. A non-positive interval
// falls back to one hour.
func NewDefaultScheduler(applier DefaultApplier, interval time.Duration, logger *zap.Logger) *DefaultScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultScheduler{
		Applier:  applier,
		Interval: interval,
		Enabled:  true,
		logger:   logger.Named("scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (ds *DefaultScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		ds.logger.Info("default scheduler disabled, not starting")
		return
	}
	if ds.running {
		return
	}

	ds.ticker = time.NewTicker(ds.Interval)
	ds.stop = make(chan struct{})
	ds.running = true
	ds.wg.Add(1)

	go ds.run(ds.ticker, ds.stop)

	ds.logger.Info("default scheduler started", zap.Duration("interval", ds.Interval))
}

// Stop stops the scheduler and waits for an in-flight scan to finish.
func (ds *DefaultScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.running {
		return
	}
	ds.ticker.Stop()
	close(ds.stop)
	ds.wg.Wait()
	ds.running = false
	ds.logger.Info("default scheduler stopped")
}

func (ds *DefaultScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ds.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	ds.scan(ctx)

	for {
		select {
		case <-ticker.C:
			ds.scan(ctx)
		case <-stop:
			return
		}
	}
}

func (ds *DefaultScheduler) scan(ctx context.Context) {
	run, err := ds.Applier.ApplyDefaults(ctx)

	ds.lastMu.Lock()
	ds.lastRun, ds.lastErr = run, err
	ds.nextRun = time.Now().Add(ds.Interval)
	ds.runCount++
	ds.lastMu.Unlock()

	if err != nil {
		ds.logger.Error("default scan failed", zap.Error(err))
		return
	}
	if len(run.Defaulted) > 0 {
		ids := make([]int64, len(run.Defaulted))
		for i, id := range run.Defaulted {
			ids[i] = int64(id)
		}
		ds.logger.Info("plans defaulted",
			zap.Int("checked", run.Checked),
			zap.Int64s("plan_ids", ids),
		)
	}
}

// RunNow triggers an immediate scan (for testing/admin).
func (ds *DefaultScheduler) RunNow(ctx context.Context) (*billing.DefaultRun, error) {
	ds.scan(ctx)
	ds.lastMu.Lock()
	defer ds.lastMu.Unlock()
	return ds.lastRun, ds.lastErr
}

// SchedulerStatus is the body of GET /api/admin/scheduler.
type SchedulerStatus struct {
	Enabled  bool                   `json:"enabled"`
	Running  bool                   `json:"running"`
	Interval string                 `json:"interval"`
	Runs     int                    `json:"runs"`
	NextRun  string                 `json:"next_run,omitempty"`
	LastRun  *ApplyDefaultsResponse `json:"last_run,omitempty"`
	LastErr  string                 `json:"last_error,omitempty"`
}

// Status reports the scheduler state.
func (ds *DefaultScheduler) Status() SchedulerStatus {
	ds.mu.Lock()
	st := SchedulerStatus{Enabled: ds.Enabled, Running: ds.running, Interval: ds.Interval.String()}
	ds.mu.Unlock()

	ds.lastMu.Lock()
	defer ds.lastMu.Unlock()
	st.Runs = ds.runCount
	if !ds.nextRun.IsZero() && st.Running {
		st.NextRun = formatTime(ds.nextRun)
	}
	if ds.lastRun != nil {
		resp := toApplyDefaultsResponse(ds.lastRun)
		st.LastRun = &resp
	}
	if ds.lastErr != nil {
		st.LastErr = ds.lastErr.Error()
	}
	return st
}

// ServeHTTP serves Status as JSON.
func (ds *DefaultScheduler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ds.Status())
}
