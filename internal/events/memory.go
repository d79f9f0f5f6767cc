package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps events and world state in process memory. Transactions
// run against a copy of the world that replaces the live one on success.
type MemoryStore struct {
	mu    sync.Mutex
	world *world
}

type world struct {
	events     map[string]Event
	effects    []Effect
	listings   map[string]Listing
	chunks     map[string]Chunk
	chronicles []Chronicle
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{world: &world{
		events:   make(map[string]Event),
		listings: make(map[string]Listing),
		chunks:   make(map[string]Chunk),
	}}
}

// PutListing inserts or replaces a listing.
func (m *MemoryStore) PutListing(l Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.world.listings[l.ID] = l
}

// PutChunk inserts or replaces a chunk.
func (m *MemoryStore) PutChunk(c Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.world.chunks[c.ID] = c
}

// Listing returns a listing by id.
func (m *MemoryStore) Listing(id string) (Listing, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.world.listings[id]
	return l, ok
}

// Chunk returns a chunk by id.
func (m *MemoryStore) Chunk(id string) (Chunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.world.chunks[id]
	return c, ok
}

// Chronicles returns every sealed chronicle in insertion order.
func (m *MemoryStore) Chronicles() []Chronicle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Chronicle(nil), m.world.chronicles...)
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	draft := m.world.clone()
	if err := fn(&memTx{w: draft}); err != nil {
		return err
	}
	m.world = draft
	return nil
}

func (m *MemoryStore) EventByID(_ context.Context, id string) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.world.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return ev, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, f Filter) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.world.events))
	for _, ev := range m.world.events {
		if f.Status != "" && ev.Status != f.Status {
			continue
		}
		if f.Kind != 0 && ev.Kind != f.Kind {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit := NormalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ResolveEvent(_ context.Context, id string, at time.Time) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.world.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	if ev.Status != StatusActive {
		return Event{}, ErrAlreadyResolved
	}
	t := at
	ev.Status = StatusResolved
	ev.ResolvedAt = &t
	m.world.events[id] = ev
	return ev, nil
}

func (m *MemoryStore) EffectsForEvent(_ context.Context, eventID string) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Effect
	for _, e := range m.world.effects {
		if e.EventID == eventID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) CountEvents(context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[Status]int{StatusActive: 0, StatusResolved: 0}
	for _, ev := range m.world.events {
		out[ev.Status]++
	}
	return out, nil
}

func (w *world) clone() *world {
	cp := &world{
		events:     make(map[string]Event, len(w.events)),
		effects:    append([]Effect(nil), w.effects...),
		listings:   make(map[string]Listing, len(w.listings)),
		chunks:     make(map[string]Chunk, len(w.chunks)),
		chronicles: append([]Chronicle(nil), w.chronicles...),
	}
	for k, v := range w.events {
		cp.events[k] = v
	}
	for k, v := range w.listings {
		cp.listings[k] = v
	}
	for k, v := range w.chunks {
		cp.chunks[k] = v
	}
	return cp
}

type memTx struct {
	w *world
}

func (t *memTx) InsertEvent(_ context.Context, ev *Event) error {
	if _, ok := t.w.events[ev.ID]; ok {
		return fmt.Errorf("events: duplicate event id %s", ev.ID)
	}
	t.w.events[ev.ID] = *ev
	return nil
}

func (t *memTx) ActiveListings(_ context.Context, itemType string) ([]Listing, error) {
	var out []Listing
	for _, l := range t.w.listings {
		if l.Status != ListingActive {
			continue
		}
		if itemType != "" && l.ItemType != itemType {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) UpdateListingPrice(_ context.Context, id string, price float64) error {
	l, ok := t.w.listings[id]
	if !ok {
		return ErrNotFound
	}
	l.PricePerUnit = price
	t.w.listings[id] = l
	return nil
}

func (t *memTx) Chunks(_ context.Context, region *Region) ([]Chunk, error) {
	var out []Chunk
	for _, c := range t.w.chunks {
		if region != nil && !region.Contains(c.X, c.Y) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) UpdateChunk(_ context.Context, c Chunk) error {
	if _, ok := t.w.chunks[c.ID]; !ok {
		return ErrNotFound
	}
	t.w.chunks[c.ID] = c
	return nil
}

func (t *memTx) InsertChronicle(_ context.Context, c *Chronicle) error {
	t.w.chronicles = append(t.w.chronicles, *c)
	return nil
}

func (t *memTx) InsertEffect(_ context.Context, e *Effect) error {
	t.w.effects = append(t.w.effects, *e)
	return nil
}
