package auth

import (
	"context"
	"testing"
	"time"

	"warden.org/internal/audit"
)

func TestGuardLocksAtThresholdAndExpires(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	trail := audit.NewTrail(audit.NewInMemory())
	g := NewGuard(3, time.Minute, WithGuardClock(clock.Now), WithAnomalyRecorder(trail))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		g.RecordAttempt(ctx, Attempt{Identity: "a@example.com"})
		if g.CheckLock("a@example.com").Locked {
			t.Fatalf("locked after %d failures", i+1)
		}
	}
	g.RecordAttempt(ctx, Attempt{Identity: "A@example.com "})
	st := g.CheckLock("a@example.com")
	if !st.Locked || st.RetryAfter != time.Minute {
		t.Fatalf("expected lock for one window, got %+v", st)
	}
	if g.CheckLock("b@example.com").Locked {
		t.Fatalf("lock leaked to another identity")
	}

	clock.Advance(time.Minute)
	if g.CheckLock("a@example.com").Locked {
		t.Fatalf("lock should expire after the window")
	}

	crit, _ := trail.Anomalies(ctx, audit.AnomalyFilter{Severity: audit.SeverityCritical})
	medium, _ := trail.Anomalies(ctx, audit.AnomalyFilter{Severity: audit.SeverityMedium})
	if len(crit) != 1 || len(medium) != 3 {
		t.Fatalf("expected 1 critical and 3 medium anomalies, got %d and %d", len(crit), len(medium))
	}
}

func TestGuardSuccessClearsHistory(t *testing.T) {
	g := NewGuard(2, time.Minute)
	ctx := context.Background()
	g.RecordAttempt(ctx, Attempt{Identity: "a@example.com"})
	g.RecordAttempt(ctx, Attempt{Identity: "a@example.com", Success: true})
	g.RecordAttempt(ctx, Attempt{Identity: "a@example.com"})
	if g.CheckLock("a@example.com").Locked {
		t.Fatalf("success should reset the failure window")
	}
}

func TestGuardCountsAttemptsInFlight(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGuard(3, time.Minute, WithGuardClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if g.Begin("a@example.com").Locked {
			t.Fatalf("attempt %d should be admitted", i+1)
		}
	}
	if !g.Begin("a@example.com").Locked {
		t.Fatalf("a fourth concurrent attempt must be denied")
	}

	g.Cancel("a@example.com")
	if g.Begin("a@example.com").Locked {
		t.Fatalf("a cancelled attempt should free its slot")
	}

	for i := 0; i < 3; i++ {
		g.RecordAttempt(ctx, Attempt{Identity: "a@example.com"})
	}
	if st := g.Begin("a@example.com"); !st.Locked || st.RetryAfter != time.Minute {
		t.Fatalf("expected lock after three settled failures, got %+v", st)
	}
}

func TestGuardSuccessDoesNotLiftLock(t *testing.T) {
	g := NewGuard(2, time.Minute)
	ctx := context.Background()
	g.Begin("a@example.com")
	g.Begin("a@example.com")
	g.RecordAttempt(ctx, Attempt{Identity: "a@example.com"})
	g.RecordAttempt(ctx, Attempt{Identity: "a@example.com"})
	g.RecordAttempt(ctx, Attempt{Identity: "a@example.com", Success: true})
	if !g.CheckLock("a@example.com").Locked {
		t.Fatalf("a late success must not clear an engaged lock")
	}
}
