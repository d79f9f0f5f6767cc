package tick

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultKappa is the damping constant in effect when no override is active.
const DefaultKappa = 1000.0

// Status is the run state of the simulation clock.
type Status string

const (
	StatusStopped Status = "STOPPED"
	StatusRunning Status = "RUNNING"
	StatusPaused  Status = "PAUSED"
)

var (
	ErrInvalidKappa    = errors.New("tick: kappa must be a positive finite number")
	ErrInvalidDuration = errors.New("tick: override duration must be at least one tick")
)

// Override is a temporary kappa value that stops applying at ExpiresAtTick.
type Override struct {
	Value         float64 `json:"value"`
	ExpiresAtTick uint64  `json:"expires_at_tick"`
}

// State is an immutable snapshot of the clock. A new value is published on
// every mutation.
type State struct {
	Status      Status    `json:"status"`
	CurrentTick uint64    `json:"current_tick"`
	Override    *Override `json:"override,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Running reports whether ticks advance.
func (s State) Running() bool { return s.Status == StatusRunning }

// effectiveKappa returns the override while it is live, else base.
func (s State) effectiveKappa(base float64) float64 {
	if s.Override != nil && s.CurrentTick < s.Override.ExpiresAtTick {
		return s.Override.Value
	}
	return base
}

// KappaStatus is the derived display form of the kappa controller.
type KappaStatus struct {
	Current       float64 `json:"current"`
	Default       float64 `json:"default"`
	IsOverridden  bool    `json:"is_overridden"`
	TicksLeft     uint64  `json:"ticks_left"`
	ExpiresAtTick uint64  `json:"expires_at_tick,omitempty"`
}

func (s State) kappaStatus(base float64) KappaStatus {
	ks := KappaStatus{Current: s.effectiveKappa(base), Default: base}
	if s.Override != nil && s.CurrentTick < s.Override.ExpiresAtTick {
		ks.IsOverridden = true
		ks.TicksLeft = s.Override.ExpiresAtTick - s.CurrentTick
		ks.ExpiresAtTick = s.Override.ExpiresAtTick
	}
	return ks
}

// StateStore persists the single clock row.
type StateStore interface {
	// LoadTickState returns ok=false when nothing has been saved yet.
	LoadTickState(ctx context.Context) (state State, ok bool, err error)
	SaveTickState(ctx context.Context, state State) error
}

// MemoryStateStore keeps the clock row in process memory.
type MemoryStateStore struct {
	mu    sync.Mutex
	state *State
}

func (m *MemoryStateStore) LoadTickState(context.Context) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return State{}, false, nil
	}
	return cloneState(*m.state), true, nil
}

func (m *MemoryStateStore) SaveTickState(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneState(s)
	m.state = &cp
	return nil
}

func cloneState(s State) State {
	if s.Override != nil {
		o := *s.Override
		s.Override = &o
	}
	return s
}
