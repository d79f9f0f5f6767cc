package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/ids"
	"warden.org/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Auditor is the audit trail and anomaly log as seen by the session manager.
type Auditor interface {
	AnomalyRecorder
	audit.Recorder
}

// Service is the session manager: it authenticates operators, issues token
// pairs bound to sessions and validates every privileged request.
type Service struct {
	store  Store
	guard  *Guard
	audit  Auditor
	now    func() time.Time
	secret string
	issuer string
	signer *Signer

	accessTTL  time.Duration
	refreshTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret sets the HS256 signing secret. Required.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		s.secret = secret
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token and session lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithGuard installs the brute-force guard.
func WithGuard(g *Guard) ServiceOption {
	return func(s *Service) error {
		s.guard = g
		return nil
	}
}

// WithAuditor routes audit entries and anomalies.
func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) error {
		s.audit = a
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:      store,
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	signer, err := NewSigner(svc.secret, svc.issuer, svc.now)
	if err != nil {
		return nil, err
	}
	svc.signer = signer
	if svc.guard == nil {
		svc.guard = NewGuard(DefaultLockoutThreshold, DefaultLockoutWindow, WithGuardClock(svc.now), WithAnomalyRecorder(svc.audit))
	}
	return svc, nil
}

// Login verifies credentials and opens a new session.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (LoginResult, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		obs.ObserveLogin("invalid")
		return LoginResult{}, ErrInvalidCredentials
	}
	if st := s.guard.Begin(email); st.Locked {
		return LoginResult{}, s.lockedOut(ctx, email, st, meta)
	}

	op, err := s.store.OperatorByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.guard.Cancel(email)
		return LoginResult{}, err
	}
	if errors.Is(err, ErrNotFound) || !op.Active {
		_ = VerifyPassword(dummyHash, password)
		pattern := audit.PatternUnknownIdentity
		if err == nil {
			pattern = audit.PatternInactiveAccount
		}
		s.fail(ctx, email, pattern, meta)
		return LoginResult{}, ErrInvalidCredentials
	}
	if VerifyPassword(op.PasswordHash, password) != nil {
		if _, err := s.store.IncrementFailedAttempts(ctx, op.ID, s.now().UTC()); err != nil {
			obs.Error("failed attempt counter update failed", map[string]any{"operator_id": op.ID, "err": err.Error()})
		}
		s.fail(ctx, email, audit.PatternWrongPassword, meta)
		return LoginResult{}, ErrInvalidCredentials
	}

	now := s.now().UTC()
	s.guard.RecordAttempt(ctx, Attempt{Identity: email, Success: true, Meta: meta})
	// A concurrent failure may have engaged the lock while this attempt was verified.
	if st := s.guard.CheckLock(email); st.Locked {
		return LoginResult{}, s.lockedOut(ctx, email, st, meta)
	}
	if err := s.store.RecordSuccessfulLogin(ctx, op.ID, now); err != nil {
		return LoginResult{}, err
	}
	op.FailedAttempts = 0
	op.LastLoginAt = &now

	sessionID := ids.NewAt(now)
	access, accessExp, err := s.signer.sign(op.ID, sessionID, op.Role, tokenTypeAccess, s.accessTTL)
	if err != nil {
		return LoginResult{}, err
	}
	refresh, refreshExp, err := s.signer.sign(op.ID, sessionID, op.Role, tokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return LoginResult{}, err
	}
	sess := &Session{
		ID:               sessionID,
		OperatorID:       op.ID,
		AccessTokenHash:  HashToken(access),
		RefreshTokenHash: HashToken(refresh),
		IP:               meta.IP,
		UserAgent:        meta.UserAgent,
		ExpiresAt:        refreshExp,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return LoginResult{}, fmt.Errorf("auth: create session: %w", err)
	}
	obs.ObserveLogin("success")
	s.record(ctx, audit.Entry{
		OperatorID: op.ID,
		Action:     audit.ActionLogin,
		TargetType: "session",
		TargetID:   sessionID,
		IP:         meta.IP,
		Details:    map[string]any{"user_agent": meta.UserAgent},
	})
	return LoginResult{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		Operator:         op,
		SessionID:        sessionID,
	}, nil
}

// Refresh issues a new access token for the session named by the refresh
// token. The refresh token itself is not rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (RefreshResult, error) {
	claims, err := s.signer.parse(refreshToken, tokenTypeRefresh)
	switch {
	case errors.Is(err, ErrTokenExpired):
		return RefreshResult{}, ErrSessionRevoked
	case err != nil:
		return RefreshResult{}, ErrUnauthorized
	}
	now := s.now().UTC()
	sess, err := s.store.SessionByID(ctx, claims.SessionID)
	if errors.Is(err, ErrNotFound) {
		return RefreshResult{}, ErrSessionRevoked
	}
	if err != nil {
		return RefreshResult{}, err
	}
	if sess.OperatorID != claims.Subject || !hashMatches(sess.RefreshTokenHash, refreshToken) {
		return RefreshResult{}, ErrSessionRevoked
	}
	if !sess.ActiveAt(now) {
		s.flag(ctx, audit.Anomaly{
			SourceIP: meta.IP,
			Pattern:  audit.PatternRevokedRefresh,
			Severity: audit.SeverityMedium,
			Context:  map[string]any{"session_id": sess.ID, "operator_id": sess.OperatorID},
		})
		return RefreshResult{}, ErrSessionRevoked
	}
	op, err := s.store.OperatorByID(ctx, sess.OperatorID)
	if err != nil || !op.Active {
		return RefreshResult{}, ErrSessionRevoked
	}

	access, accessExp, err := s.signer.sign(op.ID, sess.ID, op.Role, tokenTypeAccess, s.accessTTL)
	if err != nil {
		return RefreshResult{}, err
	}
	if err := s.store.RotateAccessToken(ctx, sess.ID, HashToken(access), now); err != nil {
		if errors.Is(err, ErrSessionRevoked) || errors.Is(err, ErrNotFound) {
			return RefreshResult{}, ErrSessionRevoked
		}
		return RefreshResult{}, err
	}
	s.record(ctx, audit.Entry{
		OperatorID: op.ID,
		Action:     audit.ActionTokenRefresh,
		TargetType: "session",
		TargetID:   sess.ID,
		IP:         meta.IP,
	})
	return RefreshResult{AccessToken: access, AccessExpiresAt: accessExp}, nil
}

// Logout revokes every live session of the operator.
func (s *Service) Logout(ctx context.Context, id Identity, meta RequestMeta) (int, error) {
	n, err := s.store.RevokeOperatorSessions(ctx, id.OperatorID, "", s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("auth: revoke sessions: %w", err)
	}
	s.record(ctx, audit.Entry{
		OperatorID: id.OperatorID,
		Action:     audit.ActionLogout,
		TargetType: "operator",
		TargetID:   id.OperatorID,
		IP:         meta.IP,
		Details:    map[string]any{"revoked_sessions": n},
	})
	return n, nil
}

// SessionActive returns ErrUnauthorized once the session or its operator is
// no longer usable. Long-lived streams poll it after the initial RequireAuth.
func (s *Service) SessionActive(ctx context.Context, sessionID string) error {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if !sess.ActiveAt(s.now()) {
		return ErrUnauthorized
	}
	op, err := s.store.OperatorByID(ctx, sess.OperatorID)
	if errors.Is(err, ErrNotFound) || (err == nil && !op.Active) {
		return ErrUnauthorized
	}
	return err
}

// RequireAuth validates an access token and returns the caller's identity.
// Every failure satisfies errors.Is(err, ErrUnauthorized); an expired token
// additionally satisfies errors.Is(err, ErrTokenExpired).
func (s *Service) RequireAuth(ctx context.Context, accessToken string) (Identity, error) {
	claims, err := s.signer.parse(accessToken, tokenTypeAccess)
	if errors.Is(err, ErrTokenExpired) {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, ErrTokenExpired)
	}
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	sess, err := s.store.SessionByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, ErrUnauthorized
		}
		return Identity{}, err
	}
	if sess.OperatorID != claims.Subject || !sess.ActiveAt(s.now()) || !hashMatches(sess.AccessTokenHash, accessToken) {
		return Identity{}, ErrUnauthorized
	}
	op, err := s.store.OperatorByID(ctx, sess.OperatorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, ErrUnauthorized
		}
		return Identity{}, err
	}
	if !op.Active {
		return Identity{}, ErrUnauthorized
	}
	return Identity{
		OperatorID:          op.ID,
		Email:               op.Email,
		Role:                op.Role,
		SessionID:           sess.ID,
		ForcePasswordChange: op.ForcePasswordChange,
	}, nil
}

// CurrentSession returns the caller's session and account.
func (s *Service) CurrentSession(ctx context.Context, id Identity) (Session, Operator, error) {
	sess, err := s.store.SessionByID(ctx, id.SessionID)
	if err != nil {
		return Session{}, Operator{}, err
	}
	op, err := s.store.OperatorByID(ctx, id.OperatorID)
	if err != nil {
		return Session{}, Operator{}, err
	}
	return sess, op, nil
}

// ChangePassword replaces the caller's password, clears the forced-change
// flag and revokes every other session of the operator.
func (s *Service) ChangePassword(ctx context.Context, id Identity, current, next string, meta RequestMeta) error {
	op, err := s.store.OperatorByID(ctx, id.OperatorID)
	if err != nil {
		return err
	}
	if VerifyPassword(op.PasswordHash, current) != nil {
		s.flag(ctx, audit.Anomaly{
			SourceIP: meta.IP,
			Pattern:  audit.PatternWrongPassword,
			Severity: audit.SeverityMedium,
			Context:  map[string]any{"operator_id": op.ID, "operation": "password_change"},
		})
		return ErrInvalidCredentials
	}
	if err := ValidatePassword(next); err != nil {
		return err
	}
	if next == current {
		return fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.store.UpdatePassword(ctx, op.ID, hash, false, now); err != nil {
		return err
	}
	n, err := s.store.RevokeOperatorSessions(ctx, op.ID, id.SessionID, now)
	if err != nil {
		return fmt.Errorf("auth: revoke sessions: %w", err)
	}
	s.record(ctx, audit.Entry{
		OperatorID: op.ID,
		Action:     audit.ActionPasswordChange,
		TargetType: "operator",
		TargetID:   op.ID,
		IP:         meta.IP,
		Details:    map[string]any{"revoked_sessions": n},
	})
	return nil
}

// Provision creates an operator account. It is used by the seed tool.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (Operator, error) {
	email := NormalizeEmail(req.Email)
	if !validEmail(email) {
		return Operator{}, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	if err := ValidatePassword(req.Password); err != nil {
		return Operator{}, err
	}
	role := strings.TrimSpace(strings.ToLower(req.Role))
	if role == "" {
		role = RoleOperator
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return Operator{}, err
	}
	now := s.now().UTC()
	op := Operator{
		ID:                  ids.NewAt(now),
		Email:               email,
		PasswordHash:        hash,
		Role:                role,
		ForcePasswordChange: req.ForcePasswordChange,
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.CreateOperator(ctx, &op); err != nil {
		return Operator{}, err
	}
	s.record(ctx, audit.Entry{
		OperatorID: audit.SystemActor,
		Action:     audit.ActionOperatorProvision,
		TargetType: "operator",
		TargetID:   op.ID,
		Details:    map[string]any{"email": email, "role": role},
	})
	return op, nil
}

// Deactivate disables an operator and revokes all of their sessions.
func (s *Service) Deactivate(ctx context.Context, operatorID string) error {
	now := s.now().UTC()
	if err := s.store.SetActive(ctx, operatorID, false, now); err != nil {
		return err
	}
	n, err := s.store.RevokeOperatorSessions(ctx, operatorID, "", now)
	if err != nil {
		return fmt.Errorf("auth: revoke sessions: %w", err)
	}
	s.record(ctx, audit.Entry{
		OperatorID: audit.SystemActor,
		Action:     audit.ActionOperatorDeactivate,
		TargetType: "operator",
		TargetID:   operatorID,
		Details:    map[string]any{"revoked_sessions": n},
	})
	return nil
}

// LookupOperator returns the operator with the given email.
func (s *Service) LookupOperator(ctx context.Context, email string) (Operator, error) {
	return s.store.OperatorByEmail(ctx, NormalizeEmail(email))
}

// ActiveSessions counts live sessions across all operators.
func (s *Service) ActiveSessions(ctx context.Context) (int, error) {
	return s.store.CountActiveSessions(ctx, s.now().UTC())
}

// FlagInvalidToken records a rejected bearer token.
func (s *Service) FlagInvalidToken(ctx context.Context, err error, meta RequestMeta) {
	s.flag(ctx, audit.Anomaly{
		SourceIP: meta.IP,
		Pattern:  audit.PatternInvalidToken,
		Severity: audit.SeverityLow,
		Context:  map[string]any{"reason": err.Error(), "user_agent": meta.UserAgent},
	})
}

func (s *Service) lockedOut(ctx context.Context, email string, st LockStatus, meta RequestMeta) error {
	obs.ObserveLogin("locked")
	s.flag(ctx, audit.Anomaly{
		SourceIP: meta.IP,
		Pattern:  audit.PatternLockedLoginAttempt,
		Severity: audit.SeverityHigh,
		Context:  map[string]any{"identity": email, "retry_after_seconds": int(st.RetryAfter.Seconds())},
	})
	return ErrAccountLocked
}

func (s *Service) fail(ctx context.Context, email, pattern string, meta RequestMeta) {
	obs.ObserveLogin("failure")
	s.guard.RecordAttempt(ctx, Attempt{Identity: email, Pattern: pattern, Meta: meta})
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	audit.RecordOrLog(ctx, s.audit, e)
}

func (s *Service) flag(ctx context.Context, a audit.Anomaly) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Flag(ctx, a); err != nil {
		obs.Error("anomaly write failed", map[string]any{"pattern": a.Pattern, "err": err.Error()})
	}
}
