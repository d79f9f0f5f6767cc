package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"warden.org/internal/tick"
)

var _ tick.StateStore = (*Store)(nil)

func (s *Store) LoadTickState(ctx context.Context) (tick.State, bool, error) {
	var (
		st       tick.State
		status   string
		current  int64
		override sql.NullFloat64
		expires  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		select status, current_tick, kappa_override, kappa_expires_at_tick, updated_at
		from tick_state where id = 1
	`).Scan(&status, &current, &override, &expires, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tick.State{}, false, nil
	}
	if err != nil {
		return tick.State{}, false, fmt.Errorf("load tick state: %w", err)
	}
	st.Status = tick.Status(status)
	st.CurrentTick = uint64(current)
	if override.Valid && expires.Valid {
		st.Override = &tick.Override{Value: override.Float64, ExpiresAtTick: uint64(expires.Int64)}
	}
	return st, true, nil
}

func (s *Store) SaveTickState(ctx context.Context, st tick.State) error {
	var (
		override sql.NullFloat64
		expires  sql.NullInt64
	)
	if st.Override != nil {
		override = sql.NullFloat64{Float64: st.Override.Value, Valid: true}
		expires = sql.NullInt64{Int64: int64(st.Override.ExpiresAtTick), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tick_state (id, status, current_tick, kappa_override, kappa_expires_at_tick, updated_at)
		values (1, $1, $2, $3, $4, $5)
		on conflict (id) do update
		set status = excluded.status,
			current_tick = excluded.current_tick,
			kappa_override = excluded.kappa_override,
			kappa_expires_at_tick = excluded.kappa_expires_at_tick,
			updated_at = excluded.updated_at
	`, string(st.Status), int64(st.CurrentTick), override, expires, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save tick state: %w", err)
	}
	return nil
}

// RecordTick writes a snapshot row for a completed tick. It is installed as a
// tick.Driver hook when no local tick index is configured.
func (s *Store) RecordTick(ctx context.Context, n uint64) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tick_snapshots (tick, payload) values ($1, '{}'::jsonb)
		on conflict (tick) do nothing
	`, int64(n))
	return err
}

// TickPruner deletes rows of one tick-indexed table.
type TickPruner struct {
	db    *sql.DB
	table string
}

func (p TickPruner) Name() string { return p.table }

// PruneAfter deletes every row whose tick is strictly greater than n.
func (p TickPruner) PruneAfter(ctx context.Context, n uint64) (int64, error) {
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where tick > $1`, p.table), int64(n))
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", p.table, err)
	}
	return res.RowsAffected()
}

// TickPruners returns a pruner per tick-indexed table.
func (s *Store) TickPruners() []TickPruner {
	return []TickPruner{
		{db: s.db, table: "tick_snapshots"},
		{db: s.db, table: "combat_logs"},
	}
}
