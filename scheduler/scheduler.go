// Package scheduler runs named periodic background tasks with an overlap
// guard and cooperative shutdown.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/withObsrvr/anchor-callback-processor/logging"
)

var ticksSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anchor_scheduler_ticks_skipped_total",
	Help: "Ticks skipped because the previous run was still active",
}, []string{"task"})

// TickFunc is one run of a periodic task.
type TickFunc func(ctx context.Context) error

// Task runs fn every interval. If a run is still active when the next
// tick is due, that tick is skipped entirely — never queued, never run
// concurrently. Run errors are logged and do not stop the task.
type Task struct {
	name     string
	interval time.Duration
	fn       TickFunc
	logger   *logging.ComponentLogger

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewTask creates a periodic task. Start must be called to run it.
func NewTask(name string, interval time.Duration, fn TickFunc, logger *logging.ComponentLogger) *Task {
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
	}
}

// Start launches the ticker loop. The task stops when ctx is cancelled;
// an in-flight run is allowed to finish (the run func observes ctx and
// aborts before any partial commit).
func (t *Task) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		t.logger.Info().
			Str("task", t.name).
			Dur("interval", t.interval).
			Msg("Periodic task started")

		for {
			select {
			case <-ctx.Done():
				t.logger.Info().Str("task", t.name).Msg("Periodic task stopped")
				return
			case <-ticker.C:
				t.runOnce(ctx)
			}
		}
	}()
}

// RunNow executes one tick synchronously, honoring the overlap guard.
// Used for the startup pass so the first inbound write never races the
// first scheduled tick.
func (t *Task) RunNow(ctx context.Context) {
	t.runOnce(ctx)
}

func (t *Task) runOnce(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		ticksSkippedTotal.WithLabelValues(t.name).Inc()
		t.logger.Warn().Str("task", t.name).Msg("Previous run still active, skipping tick")
		return
	}
	defer t.running.Store(false)

	start := time.Now()
	if err := t.fn(ctx); err != nil {
		t.logger.Error().
			Err(err).
			Str("task", t.name).
			Dur("duration", time.Since(start)).
			Msg("Periodic task run failed")
		return
	}
	t.logger.Debug().
		Str("task", t.name).
		Dur("duration", time.Since(start)).
		Msg("Periodic task run completed")
}

// Wait blocks until the ticker loop has exited and no run is in flight.
func (t *Task) Wait() {
	t.wg.Wait()
}
