package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

var (
	ErrNothingApplied = errors.New("migrate: no migrations applied")
	ErrMissingDown    = errors.New("migrate: missing down migration")
)

// Manager applies the warden schema and the demo world seeds. Migrations are
// NNNN_name.up.sql files paired with NNNN_name.down.sql; seeds are plain .sql
// files that run once each. Every file runs in its own transaction together
// with the row that records it.
type Manager struct {
	db         *sql.DB
	migrations sqlDir
	seeds      sqlDir
	now        func() time.Time
}

// sqlDir is a flat directory of SQL files and the table that records which
// of them already ran.
type sqlDir struct {
	files  fs.FS
	suffix string
	table  string
}

// Option configures Manager.
type Option func(*Manager)

// WithSeeds sets the directory seed files are read from.
func WithSeeds(seeds fs.FS) Option {
	return func(m *Manager) { m.seeds.files = seeds }
}

// WithTables renames the bookkeeping tables. Empty names keep the defaults.
func WithTables(migrations, seeds string) Option {
	return func(m *Manager) {
		if migrations != "" {
			m.migrations.table = migrations
		}
		if seeds != "" {
			m.seeds.table = seeds
		}
	}
}

// WithClock overrides the applied_at time source.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

func NewManager(db *sql.DB, migrations fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		migrations: sqlDir{files: migrations, suffix: ".up.sql", table: "schema_migrations"},
		seeds:      sqlDir{suffix: ".sql", table: "schema_seeds"},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies pending migrations in file name order and returns the ones it ran.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	return m.applyPending(ctx, m.migrations)
}

// Seed applies seed files that have not run yet.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	return m.applyPending(ctx, m.seeds)
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.prepare(ctx); err != nil {
		return nil, err
	}
	return m.applied(ctx, m.migrations.table)
}

// Down reverts the newest applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	history, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", ErrNothingApplied
	}
	last := history[len(history)-1]
	downName := strings.TrimSuffix(last, m.migrations.suffix) + ".down.sql"
	body, err := fs.ReadFile(m.migrations.files, downName)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrMissingDown, last)
	}
	if err != nil {
		return "", err
	}
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if err := execScript(ctx, tx, string(body)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrations.table), last)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("migrate: revert %s: %w", last, err)
	}
	return last, nil
}

func (m *Manager) applyPending(ctx context.Context, dir sqlDir) ([]string, error) {
	if err := m.prepare(ctx); err != nil {
		return nil, err
	}
	done, err := m.applied(ctx, dir.table)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(done))
	for _, name := range done {
		seen[name] = struct{}{}
	}
	names, err := dir.list()
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		body, err := fs.ReadFile(dir.files, name)
		if err != nil {
			return ran, err
		}
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if err := execScript(ctx, tx, string(body)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, dir.table),
				name, m.now().UTC())
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("migrate: apply %s: %w", name, err)
		}
		ran = append(ran, name)
	}
	return ran, nil
}

func (m *Manager) prepare(ctx context.Context) error {
	for _, table := range []string{m.migrations.table, m.seeds.table} {
		ddl := fmt.Sprintf(`create table if not exists %s (name text primary key, applied_at timestamptz not null default now())`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: create %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (m *Manager) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// list returns the directory's matching file names. fs.ReadDir sorts them.
func (d sqlDir) list() ([]string, error) {
	if d.files == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(d.files, ".")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), d.suffix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func execScript(ctx context.Context, tx *sql.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements cuts a script at semicolons outside single-quoted literals.
// Line comments are dropped.
func splitStatements(script string) []string {
	var (
		stmts   []string
		cur     strings.Builder
		quoted  bool
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" && s != ";" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case comment:
			if c == '\n' {
				comment = false
				cur.WriteByte(c)
			}
		case !quoted && c == '-' && i+1 < len(script) && script[i+1] == '-':
			comment = true
			i++
		case c == '\'':
			quoted = !quoted
			cur.WriteByte(c)
		case c == ';' && !quoted:
			cur.WriteByte(c)
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return stmts
}
