// Package janitor runs the periodic database sweep: expired unused carts,
// settled mandates past retention, and terminal tasks past retention.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/consultd/internal/persistence"
)

// cronParser accepts standard 5-field cron expressions plus descriptors
// such as @hourly and @daily.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// DefaultCartGrace is how long an expired unused cart is kept before the
// sweep removes it. Payments against a just-expired cart must still see
// the cart and fail as expired rather than not found.
const DefaultCartGrace = 24 * time.Hour

// Config holds the dependencies for the janitor.
type Config struct {
	Store            *persistence.Store
	Logger           *slog.Logger
	Schedule         string        // cron expression; defaults to @hourly
	CartGrace        time.Duration // expired carts linger this long; defaults to DefaultCartGrace
	TaskRetention    time.Duration // terminal tasks older than this are deleted
	MandateRetention time.Duration // settled mandates older than this are deleted
}

// Janitor fires the sweep on a cron schedule.
type Janitor struct {
	store            *persistence.Store
	logger           *slog.Logger
	schedule         cronlib.Schedule
	cartGrace        time.Duration
	taskRetention    time.Duration
	mandateRetention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Janitor, validating the cron expression up front.
func New(cfg Config) (*Janitor, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "@hourly"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.CartGrace
	if grace <= 0 {
		grace = DefaultCartGrace
	}
	return &Janitor{
		store:            cfg.Store,
		logger:           logger,
		schedule:         sched,
		cartGrace:        grace,
		taskRetention:    cfg.TaskRetention,
		mandateRetention: cfg.MandateRetention,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("janitor started", "next_sweep", j.schedule.Next(time.Now()))
}

// Stop cancels the sweep loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	// Sweep immediately on startup, then on the cron schedule.
	j.Sweep(ctx)

	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of all deletions. Exported so tests and operators
// can trigger it directly.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now()

	// Expired carts survive the grace window so a late payment still
	// reports the cart as expired instead of missing.
	carts, err := j.store.DeleteExpiredCarts(ctx, now.Add(-j.cartGrace))
	if err != nil {
		j.logger.Error("janitor: expired cart sweep failed", "error", err)
	}

	var mandates int64
	if j.mandateRetention > 0 {
		mandates, err = j.store.DeleteSettledMandates(ctx, now.Add(-j.mandateRetention))
		if err != nil {
			j.logger.Error("janitor: settled mandate sweep failed", "error", err)
		}
	}

	var tasks int64
	if j.taskRetention > 0 {
		tasks, err = j.store.DeleteOldTasks(ctx, now.Add(-j.taskRetention))
		if err != nil {
			j.logger.Error("janitor: old task sweep failed", "error", err)
		}
	}

	if carts+mandates+tasks > 0 {
		j.logger.Info("janitor: sweep completed",
			"expired_carts", carts,
			"settled_mandates", mandates,
			"old_tasks", tasks,
		)
	}
}
