package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"warden.org/internal/auth"
)

var _ auth.Store = (*Store)(nil)

const operatorColumns = `id, email, password_hash, role, failed_attempts, force_password_change,
	active, last_login_at, created_at, updated_at`

func (s *Store) CreateOperator(ctx context.Context, op *auth.Operator) error {
	_, err := s.db.ExecContext(ctx, `
		insert into operators (id, email, password_hash, role, failed_attempts,
			force_password_change, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, op.ID, op.Email, op.PasswordHash, op.Role, op.FailedAttempts,
		op.ForcePasswordChange, op.Active, op.CreatedAt, op.UpdatedAt)
	if isUniqueViolation(err) {
		return auth.ErrAlreadyExists
	}
	return err
}

func (s *Store) OperatorByEmail(ctx context.Context, email string) (auth.Operator, error) {
	row := s.db.QueryRowContext(ctx, `select `+operatorColumns+` from operators where email = $1`, email)
	return scanOperator(row)
}

func (s *Store) OperatorByID(ctx context.Context, id string) (auth.Operator, error) {
	row := s.db.QueryRowContext(ctx, `select `+operatorColumns+` from operators where id = $1`, id)
	return scanOperator(row)
}

func (s *Store) UpdatePassword(ctx context.Context, id, hash string, forceChange bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update operators
		set password_hash = $2, force_password_change = $3, updated_at = $4
		where id = $1
	`, id, hash, forceChange, at)
	return expectOne(res, err, auth.ErrNotFound)
}

func (s *Store) IncrementFailedAttempts(ctx context.Context, id string, at time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		update operators
		set failed_attempts = failed_attempts + 1, updated_at = $2
		where id = $1
		returning failed_attempts
	`, id, at).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, auth.ErrNotFound
	}
	return n, err
}

func (s *Store) RecordSuccessfulLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update operators
		set failed_attempts = 0, last_login_at = $2, updated_at = $2
		where id = $1
	`, id, at)
	return expectOne(res, err, auth.ErrNotFound)
}

func (s *Store) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update operators set active = $2, updated_at = $3 where id = $1
	`, id, active, at)
	return expectOne(res, err, auth.ErrNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperator(row rowScanner) (auth.Operator, error) {
	var (
		op        auth.Operator
		lastLogin sql.NullTime
	)
	err := row.Scan(&op.ID, &op.Email, &op.PasswordHash, &op.Role, &op.FailedAttempts,
		&op.ForcePasswordChange, &op.Active, &lastLogin, &op.CreatedAt, &op.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Operator{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Operator{}, fmt.Errorf("scan operator: %w", err)
	}
	op.LastLoginAt = timePtr(lastLogin)
	return op, nil
}

// expectOne maps a zero-row update to notFound.
func expectOne(res sql.Result, err, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
