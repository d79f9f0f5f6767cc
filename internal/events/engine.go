package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"warden.org/internal/audit"
	"warden.org/internal/ids"
	"warden.org/internal/obs"
)

const maxNameLength = 200

// Broadcast message types emitted by the engine.
const (
	MsgEventCreated  = "EVENT_CREATED"
	MsgEventResolved = "EVENT_RESOLVED"
	MsgInvasionSpawn = "INVASION_SPAWN"
)

// Clock is the read side of the tick scheduler.
type Clock interface {
	EffectiveKappa() float64
	CurrentTick() uint64
}

// Publisher receives observer notifications after commits.
type Publisher interface {
	Publish(msgType string, payload map[string]any)
}

// SpawnRequest asks the simulation to place an invasion.
type SpawnRequest struct {
	EventID  string
	Severity float64
	Impact   float64
	Location Point
	Faction  string
}

// Spawner places invasion forces in the running simulation.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) error
}

// PublishSpawner forwards spawn requests to observers as INVASION_SPAWN.
type PublishSpawner struct {
	Pub Publisher
}

func (s PublishSpawner) Spawn(_ context.Context, req SpawnRequest) error {
	if s.Pub == nil {
		return errors.New("events: spawner has no publisher")
	}
	payload := map[string]any{
		"event_id": req.EventID,
		"severity": req.Severity,
		"impact":   req.Impact,
		"location": map[string]any{"x": req.Location.X, "y": req.Location.Y},
	}
	if req.Faction != "" {
		payload["faction"] = req.Faction
	}
	s.Pub.Publish(MsgInvasionSpawn, payload)
	return nil
}

// CreateRequest describes an event to apply.
type CreateRequest struct {
	Kind       Kind            `json:"type"`
	Name       string          `json:"name"`
	Severity   float64         `json:"severity"`
	Parameters json.RawMessage `json:"parameters"`
}

// CreateResult is returned after an event committed.
type CreateResult struct {
	Event   Event   `json:"event"`
	Impact  float64 `json:"impact"`
	Effects int     `json:"effects"`
}

// Engine applies live events to the world.
type Engine struct {
	store   Store
	clock   Clock
	audit   audit.Recorder
	pub     Publisher
	spawner Spawner
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithRecorder(r audit.Recorder) Option { return func(e *Engine) { e.audit = r } }

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.pub = p } }

func WithSpawner(s Spawner) Option { return func(e *Engine) { e.spawner = s } }

// WithClock overrides the wall-clock time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine wires an engine. clock supplies kappa and the current tick.
func NewEngine(store Store, clock Clock, opts ...Option) *Engine {
	e := &Engine{store: store, clock: clock, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.spawner == nil && e.pub != nil {
		e.spawner = PublishSpawner{Pub: e.pub}
	}
	return e
}

// Create validates the request, inserts the event and applies its effects in
// one transaction, then audits and broadcasts. Any applier failure rolls the
// whole operation back and is reported as ErrTransactionFailed.
func (e *Engine) Create(ctx context.Context, actor audit.Actor, req CreateRequest) (CreateResult, error) {
	if !req.Kind.Valid() {
		return CreateResult{}, fmt.Errorf("%w: unknown event type", ErrInvalidInput)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return CreateResult{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return CreateResult{}, fmt.Errorf("%w: name exceeds %d characters", ErrInvalidInput, maxNameLength)
	}
	params, raw, err := decodeParams(req.Kind, req.Parameters)
	if err != nil {
		return CreateResult{}, err
	}

	severity := ClampSeverity(req.Severity)
	kappa := e.clock.EffectiveKappa()
	now := e.now().UTC()
	ev := Event{
		ID:         ids.NewAt(now),
		OperatorID: actor.OperatorID,
		Kind:       req.Kind,
		Name:       name,
		Severity:   severity,
		Impact:     Impact(severity, kappa),
		Kappa:      kappa,
		Tick:       e.clock.CurrentTick(),
		Parameters: raw,
		Status:     StatusActive,
		CreatedAt:  now,
	}

	effects := 0
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.InsertEvent(ctx, &ev); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		n, err := apply(ctx, tx, applyInput{event: ev, kappa: kappa, now: now, params: params})
		if err != nil {
			return err
		}
		effects = n
		return nil
	})
	if errors.Is(err, ErrNoTargets) {
		return CreateResult{}, err
	}
	if err != nil {
		obs.Error("event transaction failed", map[string]any{"kind": ev.Kind.String(), "err": err.Error()})
		return CreateResult{}, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}

	obs.ObserveEventCreated(ev.Kind.String())
	audit.RecordOrLog(ctx, e.audit, audit.Entry{
		OperatorID: actor.OperatorID,
		Action:     audit.ActionEventCreate,
		TargetType: "event",
		TargetID:   ev.ID,
		IP:         actor.IP,
		Details: map[string]any{
			"type":     ev.Kind.String(),
			"name":     ev.Name,
			"severity": ev.Severity,
			"impact":   ev.Impact,
			"kappa":    kappa,
			"effects":  effects,
		},
	})
	e.publish(MsgEventCreated, map[string]any{
		"event_id": ev.ID,
		"type":     ev.Kind.String(),
		"name":     ev.Name,
		"severity": ev.Severity,
		"impact":   ev.Impact,
		"effects":  effects,
	})
	if p, ok := params.(*InvasionParams); ok && e.spawner != nil {
		req := SpawnRequest{EventID: ev.ID, Severity: ev.Severity, Impact: ev.Impact, Location: invasionLocation(p), Faction: p.Faction}
		if err := e.spawner.Spawn(ctx, req); err != nil {
			obs.Warn("invasion spawn failed", map[string]any{"event_id": ev.ID, "err": err.Error()})
		}
	}
	return CreateResult{Event: ev, Impact: ev.Impact, Effects: effects}, nil
}

// Resolve marks an ACTIVE event RESOLVED. RESOLVED is terminal.
func (e *Engine) Resolve(ctx context.Context, actor audit.Actor, id string) (Event, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Event{}, fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	ev, err := e.store.ResolveEvent(ctx, id, e.now().UTC())
	if err != nil {
		return Event{}, err
	}
	audit.RecordOrLog(ctx, e.audit, audit.Entry{
		OperatorID: actor.OperatorID,
		Action:     audit.ActionEventResolve,
		TargetType: "event",
		TargetID:   ev.ID,
		IP:         actor.IP,
		Details:    map[string]any{"type": ev.Kind.String()},
	})
	e.publish(MsgEventResolved, map[string]any{"event_id": ev.ID, "type": ev.Kind.String()})
	return ev, nil
}

// Get returns one event.
func (e *Engine) Get(ctx context.Context, id string) (Event, error) {
	return e.store.EventByID(ctx, id)
}

// List returns events newest first.
func (e *Engine) List(ctx context.Context, f Filter) ([]Event, error) {
	f.Limit = NormalizeLimit(f.Limit)
	return e.store.ListEvents(ctx, f)
}

// Effects returns the effect records of one event.
func (e *Engine) Effects(ctx context.Context, id string) ([]Effect, error) {
	if _, err := e.store.EventByID(ctx, id); err != nil {
		return nil, err
	}
	return e.store.EffectsForEvent(ctx, id)
}

// Counts returns the number of events per status.
func (e *Engine) Counts(ctx context.Context) (map[Status]int, error) {
	return e.store.CountEvents(ctx)
}

func (e *Engine) publish(msgType string, payload map[string]any) {
	if e.pub != nil {
		e.pub.Publish(msgType, payload)
	}
}
