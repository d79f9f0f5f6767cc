package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrAlreadyExists      = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrSessionRevoked     = errors.New("auth: session revoked")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrUnauthorized       = errors.New("auth: unauthorized")
)
