package dashboard

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"warden.org/internal/audit"
	"warden.org/internal/broadcast"
	"warden.org/internal/events"
	"warden.org/internal/tick"
)

// Window is the look-back period of the audit and anomaly counters.
const Window = 24 * time.Hour

const recentAnomalies = 5

type TickSource interface {
	Snapshot() tick.State
	KappaStatus() tick.KappaStatus
}

type EventCounter interface {
	Counts(ctx context.Context) (map[events.Status]int, error)
}

type SessionCounter interface {
	ActiveSessions(ctx context.Context) (int, error)
}

type AuditSource interface {
	Summarize(ctx context.Context, since time.Time) (audit.Summary, error)
	Anomalies(ctx context.Context, f audit.AnomalyFilter) ([]audit.Anomaly, error)
}

type ObserverSource interface {
	Stats() broadcast.Stats
}

// Stats is the read-only status view served to operators.
type Stats struct {
	Tick            tick.State            `json:"tick"`
	Kappa           tick.KappaStatus      `json:"kappa"`
	Events          map[events.Status]int `json:"events"`
	ActiveSessions  int                   `json:"active_sessions"`
	Audit           audit.Summary         `json:"audit_24h"`
	RecentAnomalies []audit.Anomaly       `json:"recent_anomalies"`
	Broadcast       broadcast.Stats       `json:"broadcast"`
	GeneratedAt     time.Time             `json:"generated_at"`
}

// Aggregator composes the other components into Stats.
type Aggregator struct {
	Tick      TickSource
	Events    EventCounter
	Sessions  SessionCounter
	Audit     AuditSource
	Observers ObserverSource
	Now       func() time.Time
}

// Stats gathers every section concurrently and fails if any source fails.
func (a *Aggregator) Stats(ctx context.Context) (Stats, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	at := now().UTC()
	out := Stats{
		Tick:        a.Tick.Snapshot(),
		Kappa:       a.Tick.KappaStatus(),
		GeneratedAt: at,
	}
	if a.Observers != nil {
		out.Broadcast = a.Observers.Stats()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts, err := a.Events.Counts(gctx)
		if err != nil {
			return fmt.Errorf("event counts: %w", err)
		}
		out.Events = counts
		return nil
	})
	g.Go(func() error {
		n, err := a.Sessions.ActiveSessions(gctx)
		if err != nil {
			return fmt.Errorf("active sessions: %w", err)
		}
		out.ActiveSessions = n
		return nil
	})
	g.Go(func() error {
		sum, err := a.Audit.Summarize(gctx, at.Add(-Window))
		if err != nil {
			return fmt.Errorf("audit summary: %w", err)
		}
		out.Audit = sum
		return nil
	})
	g.Go(func() error {
		list, err := a.Audit.Anomalies(gctx, audit.AnomalyFilter{Limit: recentAnomalies})
		if err != nil {
			return fmt.Errorf("recent anomalies: %w", err)
		}
		out.RecentAnomalies = list
		return nil
	})
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	return out, nil
}
