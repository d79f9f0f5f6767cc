package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput      = errors.New("events: invalid input")
	ErrTransactionFailed = errors.New("events: transaction failed")
	ErrNotFound          = errors.New("events: not found")
	ErrAlreadyResolved   = errors.New("events: already resolved")
	// ErrNoTargets satisfies errors.Is(err, ErrInvalidInput).
	ErrNoTargets = fmt.Errorf("%w: no targets matched", ErrInvalidInput)
)

// Event is an operator-triggered world event.
type Event struct {
	ID         string          `json:"id"`
	OperatorID string          `json:"operator_id"`
	Kind       Kind            `json:"type"`
	Name       string          `json:"name"`
	Severity   float64         `json:"severity"`
	Impact     float64         `json:"impact"`
	Kappa      float64         `json:"kappa"`
	Tick       uint64          `json:"tick"`
	Parameters json.RawMessage `json:"parameters"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Effect records one world mutation made by an event.
type Effect struct {
	ID         string         `json:"id"`
	EventID    string         `json:"event_id"`
	EffectType string         `json:"effect_type"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Effect types.
const (
	EffectInvasionImpact = "INVASION_IMPACT"
	EffectListingPrice   = "LISTING_PRICE"
	EffectChunkShift     = "CHUNK_SHIFT"
	EffectChronicle      = "CHRONICLE_ENTRY"
)

// ListingActive is the status of listings an economic shock reprices.
const ListingActive = "ACTIVE"

// Listing is a marketplace offer.
type Listing struct {
	ID           string  `json:"id"`
	ItemType     string  `json:"item_type"`
	PricePerUnit float64 `json:"price_per_unit"`
	Status       string  `json:"status"`
}

// Chunk is one cell of the world map.
type Chunk struct {
	ID        string  `json:"id"`
	X         int     `json:"x"`
	Y         int     `json:"y"`
	Biome     string  `json:"biome"`
	Stability float64 `json:"stability_index"`
}

// Chronicle is a sealed lore entry.
type Chronicle struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Sealed    bool      `json:"sealed"`
	CreatedAt time.Time `json:"created_at"`
}

// Region is an inclusive bounding box over chunk coordinates.
type Region struct {
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

// Contains reports whether (x, y) lies inside r.
func (r Region) Contains(x, y int) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// Point is a chunk coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Filter narrows event listings.
type Filter struct {
	Status Status
	Kind   Kind
	Limit  int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// NormalizeLimit clamps a requested page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

// Tx is the unit of work an applier runs in. Nothing written through it is
// visible until the surrounding WithinTx returns nil.
type Tx interface {
	InsertEvent(ctx context.Context, ev *Event) error
	ActiveListings(ctx context.Context, itemType string) ([]Listing, error)
	UpdateListingPrice(ctx context.Context, id string, price float64) error
	Chunks(ctx context.Context, region *Region) ([]Chunk, error)
	UpdateChunk(ctx context.Context, c Chunk) error
	InsertChronicle(ctx context.Context, c *Chronicle) error
	InsertEffect(ctx context.Context, e *Effect) error
}

// Store persists events and the world state they mutate.
type Store interface {
	WithinTx(ctx context.Context, fn func(Tx) error) error
	EventByID(ctx context.Context, id string) (Event, error)
	ListEvents(ctx context.Context, f Filter) ([]Event, error)
	// ResolveEvent moves an ACTIVE event to RESOLVED. It returns ErrNotFound
	// or ErrAlreadyResolved when the transition is not possible.
	ResolveEvent(ctx context.Context, id string, at time.Time) (Event, error)
	EffectsForEvent(ctx context.Context, eventID string) ([]Effect, error)
	CountEvents(ctx context.Context) (map[Status]int, error)
}
