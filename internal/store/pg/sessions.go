package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"warden.org/internal/auth"
)

func (s *Store) CreateSession(ctx context.Context, sess *auth.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, operator_id, access_token_hash, refresh_token_hash,
			ip, user_agent, expires_at, revoked, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, false, $8, $9)
	`, sess.ID, sess.OperatorID, sess.AccessTokenHash, sess.RefreshTokenHash,
		sess.IP, sess.UserAgent, sess.ExpiresAt, sess.CreatedAt, sess.UpdatedAt)
	switch {
	case isUniqueViolation(err):
		return auth.ErrAlreadyExists
	case isForeignKeyViolation(err):
		return auth.ErrNotFound
	}
	return err
}

func (s *Store) SessionByID(ctx context.Context, id string) (auth.Session, error) {
	var (
		sess      auth.Session
		revokedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, operator_id, access_token_hash, refresh_token_hash, ip, user_agent,
			expires_at, revoked, revoked_at, created_at, updated_at
		from sessions
		where id = $1
	`, id).Scan(&sess.ID, &sess.OperatorID, &sess.AccessTokenHash, &sess.RefreshTokenHash,
		&sess.IP, &sess.UserAgent, &sess.ExpiresAt, &sess.Revoked, &revokedAt,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.RevokedAt = timePtr(revokedAt)
	return sess, nil
}

// RotateAccessToken only touches a row that is still live at the given
// instant, so a concurrent logout always wins.
func (s *Store) RotateAccessToken(ctx context.Context, id, accessHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set access_token_hash = $2, updated_at = $3
		where id = $1 and not revoked and expires_at > $3
	`, id, accessHash, at)
	return expectOne(res, err, auth.ErrSessionRevoked)
}

func (s *Store) RevokeOperatorSessions(ctx context.Context, operatorID, keepSessionID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set revoked = true, revoked_at = $3, updated_at = $3
		where operator_id = $1 and id <> $2 and not revoked
	`, operatorID, keepSessionID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) CountActiveSessions(ctx context.Context, at time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from sessions where not revoked and expires_at > $1
	`, at).Scan(&n)
	return n, err
}
