package auth

import (
	"context"
	"sync"
	"time"
)

// InMemory is a process-local Store used by tests and database-less runs.
type InMemory struct {
	mu        sync.RWMutex
	operators map[string]Operator
	byEmail   map[string]string
	sessions  map[string]Session
}

// NewInMemory constructs an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		operators: make(map[string]Operator),
		byEmail:   make(map[string]string),
		sessions:  make(map[string]Session),
	}
}

func (m *InMemory) CreateOperator(_ context.Context, op *Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := NormalizeEmail(op.Email)
	if _, ok := m.byEmail[email]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.operators[op.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *op
	cp.Email = email
	m.operators[cp.ID] = cp
	m.byEmail[email] = cp.ID
	return nil
}

func (m *InMemory) OperatorByEmail(_ context.Context, email string) (Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[NormalizeEmail(email)]
	if !ok {
		return Operator{}, ErrNotFound
	}
	return m.operators[id], nil
}

func (m *InMemory) OperatorByID(_ context.Context, id string) (Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operators[id]
	if !ok {
		return Operator{}, ErrNotFound
	}
	return op, nil
}

func (m *InMemory) UpdatePassword(_ context.Context, id, hash string, forceChange bool, at time.Time) error {
	return m.updateOperator(id, func(op *Operator) {
		op.PasswordHash = hash
		op.ForcePasswordChange = forceChange
		op.UpdatedAt = at
	})
}

func (m *InMemory) IncrementFailedAttempts(_ context.Context, id string, at time.Time) (int, error) {
	var n int
	err := m.updateOperator(id, func(op *Operator) {
		op.FailedAttempts++
		op.UpdatedAt = at
		n = op.FailedAttempts
	})
	return n, err
}

func (m *InMemory) RecordSuccessfulLogin(_ context.Context, id string, at time.Time) error {
	return m.updateOperator(id, func(op *Operator) {
		op.FailedAttempts = 0
		t := at
		op.LastLoginAt = &t
		op.UpdatedAt = at
	})
}

func (m *InMemory) SetActive(_ context.Context, id string, active bool, at time.Time) error {
	return m.updateOperator(id, func(op *Operator) {
		op.Active = active
		op.UpdatedAt = at
	})
}

func (m *InMemory) updateOperator(id string, fn func(*Operator)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operators[id]
	if !ok {
		return ErrNotFound
	}
	fn(&op)
	m.operators[id] = op
	return nil
}

func (m *InMemory) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.operators[s.OperatorID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *InMemory) SessionByID(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *InMemory) RotateAccessToken(_ context.Context, id, accessHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.ActiveAt(at) {
		return ErrSessionRevoked
	}
	s.AccessTokenHash = accessHash
	s.UpdatedAt = at
	m.sessions[id] = s
	return nil
}

func (m *InMemory) RevokeOperatorSessions(_ context.Context, operatorID, keepSessionID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.OperatorID != operatorID || s.Revoked || id == keepSessionID {
			continue
		}
		t := at
		s.Revoked = true
		s.RevokedAt = &t
		s.UpdatedAt = at
		m.sessions[id] = s
		n++
	}
	return n, nil
}

func (m *InMemory) CountActiveSessions(_ context.Context, at time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.ActiveAt(at) {
			n++
		}
	}
	return n, nil
}
