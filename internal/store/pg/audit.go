package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"warden.org/internal/audit"
)

var _ audit.Store = (*Store)(nil)

func (s *Store) AppendEntry(ctx context.Context, e *audit.Entry) error {
	details, err := marshalObject(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_logs (id, operator_id, action, target_type, target_id, details, ip, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.OperatorID, e.Action, e.TargetType, e.TargetID, details, e.IP, e.CreatedAt)
	return err
}

// ListEntries returns matching entries newest first.
func (s *Store) ListEntries(ctx context.Context, f audit.EntryFilter) ([]audit.Entry, error) {
	var w where
	if f.Action != "" {
		w.add("action = ?", f.Action)
	}
	if f.OperatorID != "" {
		w.add("operator_id = ?", f.OperatorID)
	}
	if !f.Since.IsZero() {
		w.add("created_at >= ?", f.Since)
	}
	query := `select id, operator_id, action, target_type, target_id, details, ip, created_at
		from audit_logs` + w.clause() + ` order by created_at desc, id desc limit ` + fmt.Sprint(audit.NormalizeLimit(f.Limit))
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		var (
			e   audit.Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.OperatorID, &e.Action, &e.TargetType, &e.TargetID, &raw, &e.IP, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Details, err = unmarshalObject(raw); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AppendAnomaly(ctx context.Context, a *audit.Anomaly) error {
	ctxJSON, err := marshalObject(a.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into anomaly_logs (id, source_ip, pattern, severity, context, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.SourceIP, a.Pattern, string(a.Severity), ctxJSON, a.CreatedAt)
	return err
}

// ListAnomalies returns matching anomalies newest first.
func (s *Store) ListAnomalies(ctx context.Context, f audit.AnomalyFilter) ([]audit.Anomaly, error) {
	var w where
	if f.Severity != "" {
		w.add("severity = ?", string(f.Severity))
	}
	if f.Pattern != "" {
		w.add("pattern = ?", f.Pattern)
	}
	if !f.Since.IsZero() {
		w.add("created_at >= ?", f.Since)
	}
	query := `select id, source_ip, pattern, severity, context, created_at
		from anomaly_logs` + w.clause() + ` order by created_at desc, id desc limit ` + fmt.Sprint(audit.NormalizeLimit(f.Limit))
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Anomaly
	for rows.Next() {
		var (
			a        audit.Anomaly
			severity string
			raw      []byte
		)
		if err := rows.Scan(&a.ID, &a.SourceIP, &a.Pattern, &severity, &raw, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Severity = audit.Severity(severity)
		if a.Context, err = unmarshalObject(raw); err != nil {
			return nil, fmt.Errorf("decode context: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CountEntries(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from audit_logs where created_at >= $1`, since).Scan(&n)
	return n, err
}

func (s *Store) CountAnomalies(ctx context.Context, since time.Time) (map[audit.Severity]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		select severity, count(*) from anomaly_logs where created_at >= $1 group by severity
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[audit.Severity]int)
	for rows.Next() {
		var (
			severity string
			n        int
		)
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, err
		}
		out[audit.Severity(severity)] = n
	}
	return out, rows.Err()
}

// where accumulates AND-ed conditions written with ? and renumbers them
// into postgres placeholders.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1))
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " where " + strings.Join(w.conds, " and ")
}

func marshalObject(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalObject(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "{}" || string(raw) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
