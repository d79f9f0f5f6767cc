package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"warden.org/internal/events"
)

var _ events.Store = (*Store)(nil)

const eventColumns = `id, operator_id, kind, name, severity, impact, kappa, tick, parameters,
	status, created_at, resolved_at`

// WithinTx runs fn in one database transaction. Rows touched by an applier are
// locked for the duration so concurrent events serialize per row.
func (s *Store) WithinTx(ctx context.Context, fn func(events.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) EventByID(ctx context.Context, id string) (events.Event, error) {
	row := s.db.QueryRowContext(ctx, `select `+eventColumns+` from live_events where id = $1`, id)
	return scanEvent(row)
}

// ListEvents returns events newest first.
func (s *Store) ListEvents(ctx context.Context, f events.Filter) ([]events.Event, error) {
	var w where
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Kind != 0 {
		w.add("kind = ?", f.Kind.String())
	}
	limit := events.NormalizeLimit(f.Limit)
	rows, err := s.db.QueryContext(ctx, `select `+eventColumns+` from live_events`+w.clause()+
		fmt.Sprintf(` order by id desc limit %d`, limit), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []events.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) ResolveEvent(ctx context.Context, id string, at time.Time) (events.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		update live_events
		set status = 'RESOLVED', resolved_at = $2
		where id = $1 and status = 'ACTIVE'
		returning `+eventColumns, id, at)
	ev, err := scanEvent(row)
	if !errors.Is(err, events.ErrNotFound) {
		return ev, err
	}
	// Nothing updated: tell a missing event from a resolved one.
	var status string
	err = s.db.QueryRowContext(ctx, `select status from live_events where id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return events.Event{}, events.ErrNotFound
	}
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{}, events.ErrAlreadyResolved
}

func (s *Store) EffectsForEvent(ctx context.Context, eventID string) ([]events.Effect, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, event_id, effect_type, target_type, target_id, before_state, after_state, created_at
		from event_effects
		where event_id = $1
		order by id asc
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []events.Effect
	for rows.Next() {
		var (
			e             events.Effect
			before, after []byte
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.EffectType, &e.TargetType, &e.TargetID, &before, &after, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Before, err = unmarshalObject(before); err != nil {
			return nil, fmt.Errorf("decode before_state: %w", err)
		}
		if e.After, err = unmarshalObject(after); err != nil {
			return nil, fmt.Errorf("decode after_state: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountEvents(ctx context.Context) (map[events.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `select status, count(*) from live_events group by status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[events.Status]int{events.StatusActive: 0, events.StatusResolved: 0}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[events.Status(status)] = n
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (events.Event, error) {
	var (
		ev       events.Event
		kind     string
		status   string
		params   []byte
		tick     int64
		resolved sql.NullTime
	)
	err := row.Scan(&ev.ID, &ev.OperatorID, &kind, &ev.Name, &ev.Severity, &ev.Impact, &ev.Kappa,
		&tick, &params, &status, &ev.CreatedAt, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return events.Event{}, events.ErrNotFound
	}
	if err != nil {
		return events.Event{}, fmt.Errorf("scan event: %w", err)
	}
	if ev.Kind, err = events.ParseKind(kind); err != nil {
		return events.Event{}, err
	}
	ev.Status = events.Status(status)
	ev.Tick = uint64(tick)
	ev.Parameters = json.RawMessage(params)
	ev.ResolvedAt = timePtr(resolved)
	return ev, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) InsertEvent(ctx context.Context, ev *events.Event) error {
	params := []byte(ev.Parameters)
	if len(params) == 0 {
		params = []byte("{}")
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into live_events (id, operator_id, kind, name, severity, impact, kappa, tick,
			parameters, status, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ev.ID, ev.OperatorID, ev.Kind.String(), ev.Name, ev.Severity, ev.Impact, ev.Kappa,
		int64(ev.Tick), params, string(ev.Status), ev.CreatedAt)
	return err
}

func (t *pgTx) ActiveListings(ctx context.Context, itemType string) ([]events.Listing, error) {
	w := where{}
	w.add("status = ?", events.ListingActive)
	if itemType != "" {
		w.add("item_type = ?", itemType)
	}
	rows, err := t.tx.QueryContext(ctx, `
		select id, item_type, price_per_unit, status from marketplace_listings`+w.clause()+`
		order by id for update`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []events.Listing
	for rows.Next() {
		var l events.Listing
		if err := rows.Scan(&l.ID, &l.ItemType, &l.PricePerUnit, &l.Status); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateListingPrice(ctx context.Context, id string, price float64) error {
	res, err := t.tx.ExecContext(ctx, `update marketplace_listings set price_per_unit = $2 where id = $1`, id, price)
	return expectOne(res, err, events.ErrNotFound)
}

func (t *pgTx) Chunks(ctx context.Context, region *events.Region) ([]events.Chunk, error) {
	var w where
	if region != nil {
		w.add("x >= ?", region.MinX)
		w.add("x <= ?", region.MaxX)
		w.add("y >= ?", region.MinY)
		w.add("y <= ?", region.MaxY)
	}
	rows, err := t.tx.QueryContext(ctx, `
		select id, x, y, biome, stability_index from chunks`+w.clause()+`
		order by id for update`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []events.Chunk
	for rows.Next() {
		var c events.Chunk
		if err := rows.Scan(&c.ID, &c.X, &c.Y, &c.Biome, &c.Stability); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateChunk(ctx context.Context, c events.Chunk) error {
	res, err := t.tx.ExecContext(ctx, `
		update chunks set biome = $2, stability_index = $3 where id = $1
	`, c.ID, c.Biome, c.Stability)
	return expectOne(res, err, events.ErrNotFound)
}

func (t *pgTx) InsertChronicle(ctx context.Context, c *events.Chronicle) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into chronicles (id, event_id, title, content, sealed, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.EventID, c.Title, c.Content, c.Sealed, c.CreatedAt)
	return err
}

func (t *pgTx) InsertEffect(ctx context.Context, e *events.Effect) error {
	before, err := nullableObject(e.Before)
	if err != nil {
		return err
	}
	after, err := nullableObject(e.After)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into event_effects (id, event_id, effect_type, target_type, target_id,
			before_state, after_state, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.EventID, e.EffectType, e.TargetType, e.TargetID, before, after, e.CreatedAt)
	return err
}

func nullableObject(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
