package auth

import (
	"context"
	"time"
)

// OperatorStore persists operator accounts.
type OperatorStore interface {
	CreateOperator(ctx context.Context, op *Operator) error
	OperatorByEmail(ctx context.Context, email string) (Operator, error)
	OperatorByID(ctx context.Context, id string) (Operator, error)
	UpdatePassword(ctx context.Context, id, hash string, forceChange bool, at time.Time) error
	IncrementFailedAttempts(ctx context.Context, id string, at time.Time) (int, error)
	RecordSuccessfulLogin(ctx context.Context, id string, at time.Time) error
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	SessionByID(ctx context.Context, id string) (Session, error)
	// RotateAccessToken replaces the access hash of a live session. It returns
	// ErrSessionRevoked when the session is revoked or expired at the given instant.
	RotateAccessToken(ctx context.Context, id, accessHash string, at time.Time) error
	// RevokeOperatorSessions revokes every live session of an operator except
	// keepSessionID, atomically, and returns how many were revoked.
	RevokeOperatorSessions(ctx context.Context, operatorID, keepSessionID string, at time.Time) (int, error)
	CountActiveSessions(ctx context.Context, at time.Time) (int, error)
}

// Store groups the persistence the session manager needs.
type Store interface {
	OperatorStore
	SessionStore
}
