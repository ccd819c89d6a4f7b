// Package dispatcher implements the single cooperative event loop that
// serializes every mutation of the Node Registry and Job Queue (spec §4.8,
// §5). It wakes on registry/queue state changes plus a periodic gocron
// backstop driving a fixed-interval DurationJob rather than a
// cron-expression job per policy.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/metrics"
	"github.com/fluxmesh/orchestrator/internal/queue"
	"github.com/fluxmesh/orchestrator/internal/registry"
)

// defaultSweepInterval is T_sweep from spec §4.2 ("every T_sweep ≤ 10s").
const defaultSweepInterval = 5 * time.Second

// Config tunes the Dispatcher's periodic backstop.
type Config struct {
	SweepInterval time.Duration
}

// Dispatcher owns the single goroutine that calls registry.Sweep() and
// queue.Tick() on every wake (spec §4.8). Nothing else may call either.
type Dispatcher struct {
	reg *registry.Registry
	q   *queue.Queue

	cron gocron.Scheduler
	wake chan struct{}
	done chan struct{}

	logger *zap.Logger
}

// New wires a Dispatcher around reg and q. It schedules (but does not yet
// start) the periodic sweep job; call Run to start the event loop.
func New(cfg Config, reg *registry.Registry, q *queue.Queue, logger *zap.Logger) (*Dispatcher, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: failed to create gocron scheduler: %w", err)
	}

	d := &Dispatcher{
		reg:    reg,
		q:      q,
		cron:   cron,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.Named("dispatcher"),
	}

	if _, err := cron.NewJob(
		gocron.DurationJob(cfg.SweepInterval),
		gocron.NewTask(d.Wake),
	); err != nil {
		return nil, fmt.Errorf("dispatcher: failed to schedule periodic sweep: %w", err)
	}

	return d, nil
}

// Wake is the registry.WakeFunc / queue.WakeFunc passed into both
// constructors: a non-blocking signal that one more loop iteration is due.
// Multiple wakes before the loop drains coalesce into a single iteration.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run starts the periodic sweep job and the event loop, blocking until ctx
// is cancelled or Stop is called. Every wake serializes a Sweep then a Tick
// on this one goroutine (spec §5's "guarded by one coarse mutex" model,
// expressed here as ownership by a single loop instead of a lock).
func (d *Dispatcher) Run(ctx context.Context) {
	d.cron.Start()
	d.Wake()

	for {
		select {
		case <-d.wake:
			d.tick(ctx)
		case <-ctx.Done():
			return
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	evicted := d.reg.Sweep()
	d.q.Tick(ctx)
	timer.ObserveDuration(metrics.SweepDuration)
	if evicted > 0 {
		d.logger.Info("sweep evicted dead sessions", zap.Int("count", evicted))
	}
	d.logger.Debug("dispatcher tick complete")
}

// Stop halts the periodic gocron job and the event loop. Safe to call once.
func (d *Dispatcher) Stop() error {
	close(d.done)
	if err := d.cron.Shutdown(); err != nil {
		return fmt.Errorf("dispatcher: shutdown error: %w", err)
	}
	return nil
}
