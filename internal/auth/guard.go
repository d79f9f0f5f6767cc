package auth

import (
	"context"
	"sync"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/obs"
)

const (
	DefaultLockoutThreshold = 3
	DefaultLockoutWindow    = 15 * time.Minute
)

// AnomalyRecorder receives security-relevant observations.
type AnomalyRecorder interface {
	Flag(ctx context.Context, a audit.Anomaly) (audit.Anomaly, error)
}

// Attempt describes one login attempt against an identity.
type Attempt struct {
	Identity string
	Success  bool
	// Pattern classifies a failure (audit.PatternWrongPassword, ...).
	Pattern string
	Meta    RequestMeta
}

// LockStatus is the guard's verdict for an identity.
type LockStatus struct {
	Locked     bool
	RetryAfter time.Duration
}

// Guard counts failed logins per identity over a rolling window and locks
// the identity once the threshold is reached. The lock lasts one window.
type Guard struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	now       func() time.Time
	anomalies AnomalyRecorder
	attempts  map[string]*attemptLog
}

type attemptLog struct {
	failures    []time.Time
	lockedUntil time.Time
	inFlight    int
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardClock overrides the time source.
func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithAnomalyRecorder routes failures and lockouts to the anomaly log.
func WithAnomalyRecorder(r AnomalyRecorder) GuardOption {
	return func(g *Guard) { g.anomalies = r }
}

// NewGuard builds a guard. Non-positive values fall back to defaults.
func NewGuard(threshold int, window time.Duration, opts ...GuardOption) *Guard {
	if threshold <= 0 {
		threshold = DefaultLockoutThreshold
	}
	if window <= 0 {
		window = DefaultLockoutWindow
	}
	g := &Guard{
		threshold: threshold,
		window:    window,
		now:       time.Now,
		attempts:  make(map[string]*attemptLog),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckLock reports whether the identity is currently locked.
func (g *Guard) CheckLock(identity string) LockStatus {
	identity = NormalizeEmail(identity)
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	log, ok := g.attempts[identity]
	if !ok {
		return LockStatus{}
	}
	g.prune(identity, log, now)
	if now.Before(log.lockedUntil) {
		return LockStatus{Locked: true, RetryAfter: log.lockedUntil.Sub(now)}
	}
	return LockStatus{}
}

// Begin admits one login attempt for identity. Attempts still being
// verified count toward the threshold, so concurrent guesses cannot outrun
// the lock. An admitted attempt must be settled with RecordAttempt or
// Cancel.
func (g *Guard) Begin(identity string) LockStatus {
	identity = NormalizeEmail(identity)
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	log, ok := g.attempts[identity]
	if !ok {
		log = &attemptLog{}
	}
	g.prune(identity, log, now)
	if now.Before(log.lockedUntil) {
		return LockStatus{Locked: true, RetryAfter: log.lockedUntil.Sub(now)}
	}
	if len(log.failures)+log.inFlight >= g.threshold {
		return LockStatus{Locked: true, RetryAfter: time.Second}
	}
	log.inFlight++
	g.attempts[identity] = log
	return LockStatus{}
}

// Cancel releases an attempt admitted by Begin that never reached a verdict.
func (g *Guard) Cancel(identity string) {
	identity = NormalizeEmail(identity)
	g.mu.Lock()
	defer g.mu.Unlock()
	if log, ok := g.attempts[identity]; ok {
		settle(log)
		g.prune(identity, log, g.now())
	}
}

func settle(log *attemptLog) {
	if log.inFlight > 0 {
		log.inFlight--
	}
}

// RecordAttempt updates the rolling window for the identity. A failure that
// brings the count to the threshold engages the lock and writes a CRITICAL
// anomaly; every failure writes a MEDIUM one.
func (g *Guard) RecordAttempt(ctx context.Context, a Attempt) {
	identity := NormalizeEmail(a.Identity)
	if identity == "" {
		return
	}
	g.mu.Lock()
	now := g.now()
	log, ok := g.attempts[identity]
	if !ok {
		log = &attemptLog{}
	}
	settle(log)
	if a.Success {
		if !now.Before(log.lockedUntil) {
			log.failures = log.failures[:0]
		}
		g.prune(identity, log, now)
		g.mu.Unlock()
		return
	}
	g.prune(identity, log, now)
	log.failures = append(log.failures, now)
	g.attempts[identity] = log
	failures := len(log.failures)
	engaged := false
	if failures >= g.threshold && !now.Before(log.lockedUntil) {
		log.lockedUntil = now.Add(g.window)
		engaged = true
	}
	g.mu.Unlock()

	pattern := a.Pattern
	if pattern == "" {
		pattern = audit.PatternWrongPassword
	}
	g.flag(ctx, audit.Anomaly{
		SourceIP: a.Meta.IP,
		Pattern:  pattern,
		Severity: audit.SeverityMedium,
		Context: map[string]any{
			"identity":   identity,
			"failures":   failures,
			"user_agent": a.Meta.UserAgent,
		},
	})
	if engaged {
		obs.ObserveLockout()
		g.flag(ctx, audit.Anomaly{
			SourceIP: a.Meta.IP,
			Pattern:  audit.PatternAccountLocked,
			Severity: audit.SeverityCritical,
			Context: map[string]any{
				"identity":       identity,
				"failures":       failures,
				"window_seconds": int(g.window / time.Second),
			},
		})
	}
}

// prune drops failures older than the window. Caller holds g.mu.
func (g *Guard) prune(identity string, log *attemptLog, now time.Time) {
	cutoff := now.Add(-g.window)
	keep := log.failures[:0]
	for _, t := range log.failures {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	log.failures = keep
	if len(keep) == 0 && log.inFlight == 0 && !now.Before(log.lockedUntil) {
		delete(g.attempts, identity)
	}
}

func (g *Guard) flag(ctx context.Context, a audit.Anomaly) {
	if g.anomalies == nil {
		return
	}
	if _, err := g.anomalies.Flag(ctx, a); err != nil {
		obs.Error("anomaly write failed", map[string]any{"pattern": a.Pattern, "err": err.Error()})
	}
}
