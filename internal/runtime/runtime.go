// Package runtime wires the bridge's process-wide janitorial sweeps: the
// rate limiter's idle-room eviction, the processed-event log's retention
// cleanup, and the pending-bridge-request expiry sweep, all scheduled on a
// github.com/robfig/cron/v3 scheduler.
package runtime

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/anthropics/feishu-matrix-bridge/internal/admin"
	"github.com/anthropics/feishu-matrix-bridge/internal/dispatch"
	"github.com/anthropics/feishu-matrix-bridge/internal/store"
)

// Runtime bundles the process-wide shared state: the rate limiter, the
// pending-request coordinator and the mapping store, plus the cron
// scheduler that periodically sweeps all three.
type Runtime struct {
	Limiter *dispatch.RoomLimiter
	Pending *admin.PendingCoordinator
	Stores  *store.Stores

	EventRetention     time.Duration
	RateLimiterIdle    time.Duration
	PendingApprovalTTL time.Duration

	log       *zap.Logger
	scheduler *cron.Cron
}

func New(limiter *dispatch.RoomLimiter, pending *admin.PendingCoordinator, stores *store.Stores, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{
		Limiter:            limiter,
		Pending:            pending,
		Stores:             stores,
		EventRetention:     7 * 24 * time.Hour,
		RateLimiterIdle:    time.Hour,
		PendingApprovalTTL: 5 * time.Minute,
		log:                log,
		scheduler:          cron.New(),
	}
}

// Start schedules the janitorial sweeps and begins running the cron
// scheduler's own goroutine. Every sweep catches and logs its own error so
// one bad run never stops the rest of the schedule.
func (rt *Runtime) Start(ctx context.Context) error {
	if _, err := rt.scheduler.AddFunc("@every 10m", func() { rt.sweepRateLimiter() }); err != nil {
		return err
	}
	if _, err := rt.scheduler.AddFunc("@every 1h", func() { rt.sweepProcessedEvents(ctx) }); err != nil {
		return err
	}
	if _, err := rt.scheduler.AddFunc("@every 1m", func() { rt.sweepPendingRequests() }); err != nil {
		return err
	}
	rt.scheduler.Start()
	return nil
}

// Stop drains the scheduler, waiting for any sweep in flight.
func (rt *Runtime) Stop() {
	stopCtx := rt.scheduler.Stop()
	<-stopCtx.Done()
}

func (rt *Runtime) sweepRateLimiter() {
	if rt.Limiter == nil {
		return
	}
	removed := rt.Limiter.Sweep(time.Now().Add(-rt.RateLimiterIdle))
	if removed > 0 {
		rt.log.Debug("rate limiter sweep", zap.Int("rooms_evicted", removed))
	}
}

func (rt *Runtime) sweepProcessedEvents(ctx context.Context) {
	if rt.Stores == nil || rt.Stores.Events == nil {
		return
	}
	n, err := rt.Stores.Events.CleanupProcessedBefore(ctx, time.Now().Add(-rt.EventRetention))
	if err != nil {
		rt.log.Warn("processed event cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		rt.log.Debug("processed event cleanup", zap.Int64("rows_removed", n))
	}
}

func (rt *Runtime) sweepPendingRequests() {
	if rt.Pending == nil {
		return
	}
	n := rt.Pending.SweepExpired(rt.PendingApprovalTTL)
	if n > 0 {
		rt.log.Debug("pending bridge request sweep", zap.Int("expired", n))
	}
}
