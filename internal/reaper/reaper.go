// Package reaper evicts idle sessions on a schedule and removes sandbox
// runtimes left behind by an earlier process.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

type Reaper struct {
	registry SessionRegistry
	runtime  OrphanSource
	schedule cron.Schedule
	ttl      time.Duration
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time

	// set when a reconciliation pass failed or the registry leaked a runtime;
	// the next sweep reconciles.
	pendingOrphans atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(reg SessionRegistry, rt OrphanSource, schedule cron.Schedule, ttl time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		registry: reg,
		runtime:  rt,
		schedule: schedule,
		ttl:      ttl,
		metrics:  nopMetrics{},
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Reaper) SetMetrics(m Metrics) {
	if m != nil {
		r.metrics = m
	}
}

// Reconcile destroys every labelled runtime the registry does not own. It is
// meant to run once before the process accepts work. Failures are logged and
// leave a retry for the next sweep; they are never returned to block startup.
func (r *Reaper) Reconcile(ctx context.Context) []string {
	r.logger.Info("reconciliation starting")

	discovered, err := r.runtime.DiscoverOrphans(ctx)
	if err != nil {
		r.pendingOrphans.Store(true)
		r.logger.Error("reconcile: discover runtimes", "error", err)
		return nil
	}

	removed, err := r.registry.ReconcileOrphans(ctx, discovered)
	if err != nil {
		r.pendingOrphans.Store(true)
		r.logger.Warn("reconcile: some orphans were not removed", "error", err)
	} else {
		r.pendingOrphans.Store(false)
	}
	if len(removed) > 0 {
		r.metrics.OrphansRemoved(len(removed))
	}

	r.logger.Info("reconciliation complete", "discovered", len(discovered), "removed", len(removed))
	return removed
}

// Run sweeps on the schedule until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "ttl", r.ttl)

	for {
		now := r.now()
		timer := time.NewTimer(r.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("reaper stopped")
			return
		case <-timer.C:
			r.sweep(ctx)
		}
	}
}

// Start runs the sweep loop on its own goroutine. Stop cancels it and waits
// for an in-flight sweep to finish.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
}

func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) sweep(ctx context.Context) {
	evicted := r.registry.EvictIdle(ctx, r.ttl)
	if len(evicted) > 0 {
		r.logger.Info("reaper: evicted idle sessions", "count", len(evicted), "session_ids", evicted)
		r.metrics.SessionsEvicted(len(evicted))
	}
	r.metrics.SetActiveSessions(r.registry.Len())

	if r.registry.TakeLeaked() {
		r.logger.Warn("reaper: runtimes leaked by failed destroys, reconciling")
		r.pendingOrphans.Store(true)
	}
	if r.pendingOrphans.Load() {
		r.Reconcile(ctx)
	}
}
