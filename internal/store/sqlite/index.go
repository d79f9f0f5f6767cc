package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TickIndex is a local, tick-keyed record of simulation output: one snapshot
// row per completed tick and any combat log lines attached to a tick.
// Emergency rollbacks prune it.
type TickIndex struct {
	db  *sql.DB
	now func() time.Time
}

// OpenTickIndex opens or creates the index file at path.
func OpenTickIndex(path string) (*TickIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &TickIndex{db: db, now: time.Now}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tick_snapshots (
			tick INTEGER PRIMARY KEY,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS combat_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tick INTEGER NOT NULL,
			payload TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS combat_logs_tick ON combat_logs(tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (x *TickIndex) Close() error { return x.db.Close() }

// RecordTick stores the snapshot row for a completed tick. Its signature
// matches tick.Hook.
func (x *TickIndex) RecordTick(ctx context.Context, tick uint64) error {
	_, err := x.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tick_snapshots(tick, recorded_at) VALUES (?, ?)`,
		int64(tick), x.now().UTC().Format(time.RFC3339Nano))
	return err
}

// RecordCombat appends a combat log line to a tick.
func (x *TickIndex) RecordCombat(ctx context.Context, tick uint64, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal combat payload: %w", err)
	}
	_, err = x.db.ExecContext(ctx,
		`INSERT INTO combat_logs(tick, payload, recorded_at) VALUES (?, ?, ?)`,
		int64(tick), string(raw), x.now().UTC().Format(time.RFC3339Nano))
	return err
}

// LatestTick returns the highest snapshotted tick; ok is false when empty.
func (x *TickIndex) LatestTick(ctx context.Context) (tick uint64, ok bool, err error) {
	var n sql.NullInt64
	if err := x.db.QueryRowContext(ctx, `SELECT MAX(tick) FROM tick_snapshots`).Scan(&n); err != nil {
		return 0, false, err
	}
	if !n.Valid {
		return 0, false, nil
	}
	return uint64(n.Int64), true, nil
}

// Pruner deletes rows of one table of the index.
type Pruner struct {
	db    *sql.DB
	table string
}

func (p Pruner) Name() string { return "index." + p.table }

// PruneAfter deletes rows with tick > n.
func (p Pruner) PruneAfter(ctx context.Context, n uint64) (int64, error) {
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tick > ?`, p.table), int64(n))
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", p.table, err)
	}
	return res.RowsAffected()
}

// Pruners returns one pruner per tick-indexed table.
func (x *TickIndex) Pruners() []Pruner {
	return []Pruner{
		{db: x.db, table: "tick_snapshots"},
		{db: x.db, table: "combat_logs"},
	}
}
