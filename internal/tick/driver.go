package tick

import (
	"context"
	"time"

	"warden.org/internal/obs"
)

// Hook runs after every tick the driver advances.
type Hook func(ctx context.Context, tick uint64) error

// Driver advances a Scheduler on a fixed interval.
type Driver struct {
	sched    *Scheduler
	interval time.Duration
	hooks    []Hook
}

// NewDriver creates a driver. A non-positive interval defaults to one second.
func NewDriver(s *Scheduler, interval time.Duration, hooks ...Hook) *Driver {
	if interval <= 0 {
		interval = time.Second
	}
	return &Driver{sched: s, interval: interval, hooks: hooks}
}

// Run blocks until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.Step(ctx)
		}
	}
}

// Step performs one driver iteration.
func (d *Driver) Step(ctx context.Context) {
	tick, advanced, err := d.sched.Advance(ctx)
	if err != nil {
		obs.Error("tick advance failed", map[string]any{"err": err.Error()})
		return
	}
	if !advanced {
		return
	}
	for _, h := range d.hooks {
		if err := h(ctx, tick); err != nil {
			obs.Warn("tick hook failed", map[string]any{"tick": tick, "err": err.Error()})
		}
	}
}
