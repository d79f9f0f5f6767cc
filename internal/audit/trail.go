package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden.org/internal/ids"
	"warden.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Actor identifies who triggered an audited action.
type Actor struct {
	OperatorID string
	IP         string
}

// Recorder is the write side of the audit trail used by the domain packages.
type Recorder interface {
	Record(ctx context.Context, e Entry) (Entry, error)
}

// RecordOrLog writes e and logs instead of failing when the write errors.
// A nil recorder is ignored.
func RecordOrLog(ctx context.Context, r Recorder, e Entry) {
	if r == nil {
		return
	}
	if _, err := r.Record(ctx, e); err != nil {
		obs.Error("audit write failed", map[string]any{"action": e.Action, "err": err.Error()})
	}
}

// Trail is the write path for the audit trail and the anomaly log. Every
// record is persisted and mirrored to the structured log.
type Trail struct {
	store Store
	now   func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(t *Trail) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTrail wraps a Store.
func NewTrail(store Store, opts ...Option) *Trail {
	t := &Trail{store: store, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends an audit entry. The id and timestamp are assigned here.
func (t *Trail) Record(ctx context.Context, e Entry) (Entry, error) {
	e.Action = strings.TrimSpace(e.Action)
	if e.Action == "" {
		return Entry{}, fmt.Errorf("%w: action is required", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.OperatorID) == "" {
		return Entry{}, fmt.Errorf("%w: operator is required", ErrInvalidEntry)
	}
	now := t.now().UTC()
	e.ID = ids.NewAt(now)
	e.CreatedAt = now
	if err := t.store.AppendEntry(ctx, &e); err != nil {
		return Entry{}, fmt.Errorf("audit: append entry: %w", err)
	}
	fields := map[string]any{
		"type":        "audit",
		"audit_id":    e.ID,
		"action":      e.Action,
		"operator_id": e.OperatorID,
	}
	if e.TargetID != "" {
		fields["target"] = e.TargetType + ":" + e.TargetID
	}
	if len(e.Details) > 0 {
		fields["details"] = e.Details
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	obs.Info("audit", fields)
	return e, nil
}

// Flag appends an anomaly. Missing severity defaults to LOW.
func (t *Trail) Flag(ctx context.Context, a Anomaly) (Anomaly, error) {
	a.Pattern = strings.TrimSpace(a.Pattern)
	if a.Pattern == "" {
		return Anomaly{}, fmt.Errorf("%w: pattern is required", ErrInvalidEntry)
	}
	if a.Severity == "" {
		a.Severity = SeverityLow
	}
	if _, err := ParseSeverity(string(a.Severity)); err != nil {
		return Anomaly{}, err
	}
	now := t.now().UTC()
	a.ID = ids.NewAt(now)
	a.CreatedAt = now
	if err := t.store.AppendAnomaly(ctx, &a); err != nil {
		return Anomaly{}, fmt.Errorf("audit: append anomaly: %w", err)
	}
	fields := map[string]any{
		"type":       "anomaly",
		"anomaly_id": a.ID,
		"pattern":    a.Pattern,
		"severity":   string(a.Severity),
		"source_ip":  a.SourceIP,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	level := "warn"
	if a.Severity == SeverityLow {
		level = "info"
	}
	obs.Log(level, "anomaly", fields)
	return a, nil
}

// Entries lists audit entries newest first.
func (t *Trail) Entries(ctx context.Context, f EntryFilter) ([]Entry, error) {
	return t.store.ListEntries(ctx, f)
}

// Anomalies lists anomalies newest first.
func (t *Trail) Anomalies(ctx context.Context, f AnomalyFilter) ([]Anomaly, error) {
	return t.store.ListAnomalies(ctx, f)
}

// Summary aggregates counts over a window.
type Summary struct {
	AuditEntries int              `json:"audit_entries"`
	Anomalies    map[Severity]int `json:"anomalies"`
}

// Summarize counts entries and anomalies created at or after since.
func (t *Trail) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	n, err := t.store.CountEntries(ctx, since)
	if err != nil {
		return Summary{}, err
	}
	bySeverity, err := t.store.CountAnomalies(ctx, since)
	if err != nil {
		return Summary{}, err
	}
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if _, ok := bySeverity[s]; !ok {
			bySeverity[s] = 0
		}
	}
	return Summary{AuditEntries: n, Anomalies: bySeverity}, nil
}
