package tick

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/obs"
)

// Publisher receives observer notifications after state changes.
type Publisher interface {
	Publish(msgType string, payload map[string]any)
}

// Broadcast message types emitted by the scheduler.
const (
	MsgTickPaused    = "TICK_PAUSED"
	MsgTickResumed   = "TICK_RESUMED"
	MsgKappaModified = "KAPPA_MODIFIED"
)

// ToggleResult reports the outcome of an idempotent pause or resume.
type ToggleResult struct {
	Changed bool   `json:"changed"`
	Status  Status `json:"status"`
	Tick    uint64 `json:"tick"`
}

// Scheduler owns simulated time and the kappa override. Mutations are
// serialized by mu and persisted before they become visible; readers load
// the current snapshot without locking.
type Scheduler struct {
	mu        sync.Mutex
	state     atomic.Pointer[State]
	baseKappa float64
	store     StateStore
	audit     audit.Recorder
	pub       Publisher
	now       func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBaseKappa overrides the default kappa.
func WithBaseKappa(k float64) Option {
	return func(s *Scheduler) {
		if k > 0 && !math.IsInf(k, 0) && !math.IsNaN(k) {
			s.baseKappa = k
		}
	}
}

// WithStateStore persists every mutation.
func WithStateStore(store StateStore) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithRecorder audits operator-triggered mutations.
func WithRecorder(r audit.Recorder) Option {
	return func(s *Scheduler) { s.audit = r }
}

// WithPublisher notifies observers of mutations.
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.pub = p }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewScheduler returns a STOPPED scheduler at tick 0.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{baseKappa: DefaultKappa, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = &MemoryStateStore{}
	}
	s.publishState(State{Status: StatusStopped, UpdatedAt: s.now().UTC()})
	return s
}

// Restore loads the persisted state, if any.
func (s *Scheduler) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok, err := s.store.LoadTickState(ctx)
	if err != nil {
		return fmt.Errorf("tick: load state: %w", err)
	}
	if ok {
		s.publishState(st)
	}
	return nil
}

// Snapshot returns the current state.
func (s *Scheduler) Snapshot() State { return cloneState(*s.state.Load()) }

// CurrentTick returns the current tick number.
func (s *Scheduler) CurrentTick() uint64 { return s.state.Load().CurrentTick }

// IsRunning reports whether the clock advances.
func (s *Scheduler) IsRunning() bool { return s.state.Load().Running() }

// EffectiveKappa returns the override value while it is live, else the default.
func (s *Scheduler) EffectiveKappa() float64 {
	return s.state.Load().effectiveKappa(s.baseKappa)
}

// KappaStatus returns {current, isOverridden, ticksLeft} for display.
func (s *Scheduler) KappaStatus() KappaStatus {
	return s.state.Load().kappaStatus(s.baseKappa)
}

// Start moves a STOPPED clock to RUNNING. It is used at boot and is not audited.
func (s *Scheduler) Start(ctx context.Context) (State, error) {
	return s.mutate(ctx, func(st *State) bool {
		if st.Status != StatusStopped {
			return false
		}
		st.Status = StatusRunning
		return true
	})
}

// Pause stops the clock. Pausing a paused clock succeeds without change.
func (s *Scheduler) Pause(ctx context.Context, actor audit.Actor) (ToggleResult, error) {
	return s.toggle(ctx, actor, StatusPaused, audit.ActionTickPause, MsgTickPaused)
}

// Resume restarts the clock. Resuming a running clock succeeds without change.
func (s *Scheduler) Resume(ctx context.Context, actor audit.Actor) (ToggleResult, error) {
	return s.toggle(ctx, actor, StatusRunning, audit.ActionTickResume, MsgTickResumed)
}

func (s *Scheduler) toggle(ctx context.Context, actor audit.Actor, target Status, action, msg string) (ToggleResult, error) {
	changed := false
	st, err := s.mutate(ctx, func(st *State) bool {
		if st.Status == target {
			return false
		}
		st.Status = target
		changed = true
		return true
	})
	if err != nil {
		return ToggleResult{}, err
	}
	res := ToggleResult{Changed: changed, Status: st.Status, Tick: st.CurrentTick}
	audit.RecordOrLog(ctx, s.audit, audit.Entry{
		OperatorID: actor.OperatorID,
		Action:     action,
		TargetType: "tick",
		TargetID:   "engine",
		IP:         actor.IP,
		Details:    map[string]any{"changed": changed, "status": string(st.Status), "tick": st.CurrentTick},
	})
	if changed {
		s.publish(msg, map[string]any{"tick": st.CurrentTick, "status": string(st.Status)})
	}
	return res, nil
}

// ForcePause moves the clock to PAUSED regardless of its state and reports
// the status it replaced. Callers audit.
func (s *Scheduler) ForcePause(ctx context.Context) (State, Status, error) {
	var prev Status
	st, err := s.mutate(ctx, func(st *State) bool {
		prev = st.Status
		if st.Status == StatusPaused {
			return false
		}
		st.Status = StatusPaused
		return true
	})
	return st, prev, err
}

// RestoreStatus undoes a ForcePause. It only acts while the clock is still
// PAUSED, so an operator resume in the meantime is kept.
func (s *Scheduler) RestoreStatus(ctx context.Context, prev Status) (State, error) {
	return s.mutate(ctx, func(st *State) bool {
		if st.Status != StatusPaused || prev == StatusPaused {
			return false
		}
		st.Status = prev
		return true
	})
}

// Advance increments the tick while RUNNING and reports whether it did.
func (s *Scheduler) Advance(ctx context.Context) (uint64, bool, error) {
	advanced := false
	st, err := s.mutate(ctx, func(st *State) bool {
		if st.Status != StatusRunning {
			return false
		}
		st.CurrentTick++
		advanced = true
		return true
	})
	if err != nil {
		return 0, false, err
	}
	return st.CurrentTick, advanced, nil
}

// SetTemporaryKappa installs an override for durationTicks ticks, replacing
// any previous one.
func (s *Scheduler) SetTemporaryKappa(ctx context.Context, actor audit.Actor, value float64, durationTicks uint64) (KappaStatus, error) {
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return KappaStatus{}, ErrInvalidKappa
	}
	if durationTicks == 0 {
		return KappaStatus{}, ErrInvalidDuration
	}
	var previous float64
	st, err := s.mutate(ctx, func(st *State) bool {
		previous = st.effectiveKappa(s.baseKappa)
		expires := st.CurrentTick + durationTicks
		if expires < st.CurrentTick {
			expires = math.MaxUint64
		}
		st.Override = &Override{Value: value, ExpiresAtTick: expires}
		return true
	})
	if err != nil {
		return KappaStatus{}, err
	}
	ks := st.kappaStatus(s.baseKappa)
	audit.RecordOrLog(ctx, s.audit, audit.Entry{
		OperatorID: actor.OperatorID,
		Action:     audit.ActionKappaOverride,
		TargetType: "kappa",
		TargetID:   "global",
		IP:         actor.IP,
		Details: map[string]any{
			"previous":        previous,
			"value":           value,
			"duration_ticks":  durationTicks,
			"expires_at_tick": ks.ExpiresAtTick,
		},
	})
	s.publish(MsgKappaModified, map[string]any{
		"kappa":           value,
		"expires_at_tick": ks.ExpiresAtTick,
		"tick":            st.CurrentTick,
	})
	return ks, nil
}

// mutate applies fn to a copy of the current state under the mutation lock.
// When fn reports a change, the copy is persisted and then published.
func (s *Scheduler) mutate(ctx context.Context, fn func(*State) bool) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneState(*s.state.Load())
	if !fn(&next) {
		return next, nil
	}
	next.UpdatedAt = s.now().UTC()
	if err := s.store.SaveTickState(ctx, next); err != nil {
		return State{}, fmt.Errorf("tick: save state: %w", err)
	}
	s.publishState(next)
	return next, nil
}

func (s *Scheduler) publishState(st State) {
	cp := cloneState(st)
	s.state.Store(&cp)
	obs.SetCurrentTick(cp.CurrentTick)
	obs.SetEffectiveKappa(cp.effectiveKappa(s.baseKappa))
}

func (s *Scheduler) publish(msgType string, payload map[string]any) {
	if s.pub != nil {
		s.pub.Publish(msgType, payload)
	}
}
