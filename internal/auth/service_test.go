package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"warden.org/internal/audit"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc   *Service
	store *InMemory
	trail *audit.Trail
	clock *fakeClock
	op    Operator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewInMemory()
	trail := audit.NewTrail(audit.NewInMemory(), audit.WithClock(clock.Now))
	svc, err := NewService(store,
		WithTokenSecret(testSecret),
		WithClock(clock.Now),
		WithAuditor(trail),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	op, err := svc.Provision(context.Background(), ProvisionRequest{Email: "Ops@Example.com", Password: "correct-horse-battery"})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	return &harness{svc: svc, store: store, trail: trail, clock: clock, op: op}
}

func (h *harness) login(t *testing.T) LoginResult {
	t.Helper()
	res, err := h.svc.Login(context.Background(), "ops@example.com", "correct-horse-battery", RequestMeta{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return res
}

func (h *harness) anomalies(t *testing.T, pattern string) []audit.Anomaly {
	t.Helper()
	list, err := h.trail.Anomalies(context.Background(), audit.AnomalyFilter{Pattern: pattern})
	if err != nil {
		t.Fatalf("anomalies: %v", err)
	}
	return list
}

func TestNewServiceRequiresStrongSecret(t *testing.T) {
	if _, err := NewService(NewInMemory(), WithTokenSecret("short")); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	if _, err := NewService(nil, WithTokenSecret(testSecret)); err == nil {
		t.Fatalf("expected nil store to be rejected")
	}
}

func TestLoginIssuesUsableTokens(t *testing.T) {
	h := newHarness(t)
	res := h.login(t)
	if res.AccessToken == "" || res.RefreshToken == "" || res.AccessToken == res.RefreshToken {
		t.Fatalf("unexpected token pair %+v", res)
	}
	if !res.AccessExpiresAt.Equal(h.clock.Now().Add(defaultAccessTTL)) {
		t.Fatalf("unexpected access expiry %s", res.AccessExpiresAt)
	}

	id, err := h.svc.RequireAuth(context.Background(), res.AccessToken)
	if err != nil {
		t.Fatalf("require auth: %v", err)
	}
	if id.OperatorID != h.op.ID || id.SessionID != res.SessionID || id.Email != "ops@example.com" {
		t.Fatalf("unexpected identity %+v", id)
	}

	sess, err := h.store.SessionByID(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.AccessTokenHash == res.AccessToken || sess.AccessTokenHash != HashToken(res.AccessToken) {
		t.Fatalf("session must store the token hash only")
	}

	entries, _ := h.trail.Entries(context.Background(), audit.EntryFilter{Action: audit.ActionLogin})
	if len(entries) != 1 || entries[0].OperatorID != h.op.ID {
		t.Fatalf("expected one LOGIN audit entry, got %+v", entries)
	}
}

func TestLoginRejectsUnknownAndWrongPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Login(ctx, "nobody@example.com", "whatever-password", RequestMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if got := h.anomalies(t, audit.PatternUnknownIdentity); len(got) != 1 || got[0].Severity != audit.SeverityMedium {
		t.Fatalf("expected one MEDIUM unknown identity anomaly, got %+v", got)
	}

	if _, err := h.svc.Login(ctx, "ops@example.com", "wrong-password", RequestMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	op, _ := h.store.OperatorByID(ctx, h.op.ID)
	if op.FailedAttempts != 1 {
		t.Fatalf("expected failed attempts 1, got %d", op.FailedAttempts)
	}

	h.login(t)
	op, _ = h.store.OperatorByID(ctx, h.op.ID)
	if op.FailedAttempts != 0 || op.LastLoginAt == nil {
		t.Fatalf("expected counter reset and last login set, got %+v", op)
	}
}

func TestLockoutAfterThreeFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := h.svc.Login(ctx, "ops@example.com", "wrong-password", RequestMeta{IP: "10.0.0.9"}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	if _, err := h.svc.Login(ctx, "ops@example.com", "correct-horse-battery", RequestMeta{}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked on the fourth attempt, got %v", err)
	}

	locked := h.anomalies(t, audit.PatternAccountLocked)
	if len(locked) != 1 || locked[0].Severity != audit.SeverityCritical || locked[0].SourceIP != "10.0.0.9" {
		t.Fatalf("expected one CRITICAL lockout anomaly, got %+v", locked)
	}

	h.clock.Advance(DefaultLockoutWindow + time.Second)
	h.login(t)
}

func TestConcurrentLoginsCannotOutrunLockout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const attempts = 30
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[string]int{}
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		password := "wrong-password-guess"
		if i == attempts/2 {
			password = "correct-horse-battery"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.svc.Login(ctx, "ops@example.com", password, RequestMeta{IP: "10.0.0.9"})
			key := "ok"
			switch {
			case errors.Is(err, ErrInvalidCredentials):
				key = "invalid"
			case errors.Is(err, ErrAccountLocked):
				key = "locked"
			case err != nil:
				key = err.Error()
			}
			mu.Lock()
			results[key]++
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	evaluated := results["invalid"] + results["ok"]
	if evaluated > DefaultLockoutThreshold {
		t.Fatalf("expected at most %d evaluated passwords, got %v", DefaultLockoutThreshold, results)
	}
	if evaluated+results["locked"] != attempts {
		t.Fatalf("unexpected outcomes: %v", results)
	}
	if got := len(h.anomalies(t, audit.PatternWrongPassword)); got != results["invalid"] {
		t.Fatalf("expected %d wrong-password anomalies, got %d", results["invalid"], got)
	}
}

func TestFailuresOutsideWindowDoNotLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = h.svc.Login(ctx, "ops@example.com", "wrong-password", RequestMeta{})
	}
	h.clock.Advance(DefaultLockoutWindow + time.Second)
	_, _ = h.svc.Login(ctx, "ops@example.com", "wrong-password", RequestMeta{})
	h.login(t)
}

func TestRefreshRotatesAccessToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.login(t)

	h.clock.Advance(time.Minute)
	refreshed, err := h.svc.Refresh(ctx, res.RefreshToken, RequestMeta{})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.AccessToken == res.AccessToken {
		t.Fatalf("expected a new access token")
	}
	if _, err := h.svc.RequireAuth(ctx, refreshed.AccessToken); err != nil {
		t.Fatalf("new access token rejected: %v", err)
	}
	if _, err := h.svc.RequireAuth(ctx, res.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected superseded access token to be rejected, got %v", err)
	}
}

func TestRefreshAfterLogoutIsRevoked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.login(t)
	second := h.login(t)

	id, err := h.svc.RequireAuth(ctx, first.AccessToken)
	if err != nil {
		t.Fatalf("require auth: %v", err)
	}
	n, err := h.svc.Logout(ctx, id, RequestMeta{})
	if err != nil || n != 2 {
		t.Fatalf("logout: n=%d err=%v", n, err)
	}

	for _, tok := range []string{first.RefreshToken, second.RefreshToken} {
		if _, err := h.svc.Refresh(ctx, tok, RequestMeta{}); !errors.Is(err, ErrSessionRevoked) {
			t.Fatalf("expected ErrSessionRevoked, got %v", err)
		}
	}
	if _, err := h.svc.RequireAuth(ctx, second.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after logout, got %v", err)
	}
	if got := h.anomalies(t, audit.PatternRevokedRefresh); len(got) != 2 {
		t.Fatalf("expected revoked refresh anomalies, got %d", len(got))
	}
	if active, _ := h.svc.ActiveSessions(ctx); active != 0 {
		t.Fatalf("expected no active sessions, got %d", active)
	}
}

func TestSessionActiveTracksLogoutNotRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.login(t)

	if err := h.svc.SessionActive(ctx, res.SessionID); err != nil {
		t.Fatalf("fresh session: %v", err)
	}
	if _, err := h.svc.Refresh(ctx, res.RefreshToken, RequestMeta{}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := h.svc.SessionActive(ctx, res.SessionID); err != nil {
		t.Fatalf("refresh must not end the session: %v", err)
	}

	id := Identity{OperatorID: h.op.ID, SessionID: res.SessionID}
	if _, err := h.svc.Logout(ctx, id, RequestMeta{}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := h.svc.SessionActive(ctx, res.SessionID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after logout, got %v", err)
	}
	if err := h.svc.SessionActive(ctx, "no-such-session"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown session, got %v", err)
	}

	again := h.login(t)
	if err := h.svc.Deactivate(ctx, h.op.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := h.svc.SessionActive(ctx, again.SessionID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for deactivated operator, got %v", err)
	}
}

func TestExpiredTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.login(t)

	h.clock.Advance(defaultAccessTTL + time.Second)
	_, err := h.svc.RequireAuth(ctx, res.AccessToken)
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired access token, got %v", err)
	}

	h.clock.Advance(defaultRefreshTTL)
	if _, err := h.svc.Refresh(ctx, res.RefreshToken, RequestMeta{}); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked for expired refresh, got %v", err)
	}
}

func TestTokenTypesAreNotInterchangeable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.login(t)
	if _, err := h.svc.RequireAuth(ctx, res.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}
	if _, err := h.svc.Refresh(ctx, res.AccessToken, RequestMeta{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("access token accepted as refresh token: %v", err)
	}
	if _, err := h.svc.RequireAuth(ctx, "not.a.jwt"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected garbage to be rejected, got %v", err)
	}

	other, err := NewService(h.store, WithTokenSecret("another-secret-another-secret-xx"), WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := other.RequireAuth(ctx, res.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected foreign signature to be rejected, got %v", err)
	}
}

func TestChangePasswordKeepsCurrentSessionOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	current := h.login(t)
	other := h.login(t)
	id, _ := h.svc.RequireAuth(ctx, current.AccessToken)

	if err := h.svc.ChangePassword(ctx, id, "wrong-password", "a-brand-new-password", RequestMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := h.svc.ChangePassword(ctx, id, "correct-horse-battery", "short", RequestMeta{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := h.svc.ChangePassword(ctx, id, "correct-horse-battery", "a-brand-new-password", RequestMeta{}); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := h.svc.RequireAuth(ctx, current.AccessToken); err != nil {
		t.Fatalf("current session should survive: %v", err)
	}
	if _, err := h.svc.RequireAuth(ctx, other.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("other session should be revoked, got %v", err)
	}
	if _, err := h.svc.Login(ctx, "ops@example.com", "a-brand-new-password", RequestMeta{}); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestDeactivateRevokesAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.login(t)
	if err := h.svc.Deactivate(ctx, h.op.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := h.svc.RequireAuth(ctx, res.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.svc.Login(ctx, "ops@example.com", "correct-horse-battery", RequestMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for inactive operator, got %v", err)
	}
	if got := h.anomalies(t, audit.PatternInactiveAccount); len(got) != 1 {
		t.Fatalf("expected inactive account anomaly, got %d", len(got))
	}
}

func TestProvisionRejectsDuplicatesAndBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Provision(ctx, ProvisionRequest{Email: "ops@example.com", Password: "another-password"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := h.svc.Provision(ctx, ProvisionRequest{Email: "not-an-email", Password: "another-password"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
