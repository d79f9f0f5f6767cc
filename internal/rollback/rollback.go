package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"warden.org/internal/audit"
	"warden.org/internal/obs"
	"warden.org/internal/tick"
)

// MsgEmergencyRollback is broadcast after a successful rollback.
const MsgEmergencyRollback = "EMERGENCY_ROLLBACK"

var (
	ErrInvalidTarget = errors.New("rollback: target tick must be below the current tick")
	ErrPruneFailed   = errors.New("rollback: prune failed")
)

// Clock is the part of the tick scheduler a rollback drives.
type Clock interface {
	CurrentTick() uint64
	ForcePause(ctx context.Context) (tick.State, tick.Status, error)
	RestoreStatus(ctx context.Context, prev tick.Status) (tick.State, error)
}

// Pruner deletes tick-indexed records newer than a tick.
type Pruner interface {
	Name() string
	PruneAfter(ctx context.Context, tick uint64) (int64, error)
}

// Publisher receives observer notifications.
type Publisher interface {
	Publish(msgType string, payload map[string]any)
}

// Result describes a completed rollback.
type Result struct {
	FromTick uint64           `json:"from_tick"`
	ToTick   uint64           `json:"to_tick"`
	Status   tick.Status      `json:"status"`
	Deleted  map[string]int64 `json:"deleted"`
}

// Controller performs emergency rollbacks. Rollbacks are serialized.
type Controller struct {
	mu      sync.Mutex
	clock   Clock
	pruners []Pruner
	audit   audit.Recorder
	pub     Publisher
}

// NewController wires a controller.
func NewController(clock Clock, rec audit.Recorder, pub Publisher, pruners ...Pruner) *Controller {
	return &Controller{clock: clock, pruners: pruners, audit: rec, pub: pub}
}

// Rollback pauses the clock and deletes every tick-indexed record after
// target. A target at or above the current tick is rejected before anything
// changes. When a pruner fails the clock goes back to its prior status.
func (c *Controller) Rollback(ctx context.Context, actor audit.Actor, target uint64) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current := c.clock.CurrentTick(); target >= current {
		return Result{}, fmt.Errorf("%w: target %d, current %d", ErrInvalidTarget, target, current)
	}
	st, prev, err := c.clock.ForcePause(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("rollback: pause: %w", err)
	}
	from := st.CurrentTick

	deleted := make(map[string]int64, len(c.pruners))
	for _, p := range c.pruners {
		n, err := p.PruneAfter(ctx, target)
		if err != nil {
			obs.Error("rollback prune failed", map[string]any{"pruner": p.Name(), "to_tick": target, "err": err.Error()})
			c.restore(ctx, prev)
			return Result{}, fmt.Errorf("%w: %s: %w", ErrPruneFailed, p.Name(), err)
		}
		deleted[p.Name()] = n
	}

	obs.ObserveRollback()
	audit.RecordOrLog(ctx, c.audit, audit.Entry{
		OperatorID: actor.OperatorID,
		Action:     audit.ActionEmergencyRollback,
		TargetType: "tick",
		TargetID:   fmt.Sprintf("%d", target),
		IP:         actor.IP,
		Details: map[string]any{
			"fromTick": from,
			"toTick":   target,
			"deleted":  deleted,
		},
	})
	if c.pub != nil {
		c.pub.Publish(MsgEmergencyRollback, map[string]any{"fromTick": from, "toTick": target})
	}
	return Result{FromTick: from, ToTick: target, Status: st.Status, Deleted: deleted}, nil
}

func (c *Controller) restore(ctx context.Context, prev tick.Status) {
	// The request context may already be cancelled.
	ctx = context.WithoutCancel(ctx)
	if _, err := c.clock.RestoreStatus(ctx, prev); err != nil {
		obs.Error("rollback restore status failed", map[string]any{"status": string(prev), "err": err.Error()})
	}
}
