package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	defaultIssuer = "warden"
	minSecretLen  = 32
)

// Claims represents JWT claims used across the service.
type Claims struct {
	TokenType string `json:"token_type"`
	SessionID string `json:"sid"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens bound to sessions.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewSigner validates the secret and returns a Signer.
func NewSigner(secret, issuer string, now func() time.Time) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("auth: token secret must be at least %d bytes", minSecretLen)
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = defaultIssuer
	}
	if now == nil {
		now = time.Now
	}
	return &Signer{secret: []byte(secret), issuer: issuer, now: now}, nil
}

func (s *Signer) sign(operatorID, sessionID, role, tokenType string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		TokenType: tokenType,
		SessionID: sessionID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// parse verifies signature, issuer, expiry and token type. Expiry is reported
// as ErrTokenExpired, everything else as ErrUnauthorized.
func (s *Signer) parse(token, wantType string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrUnauthorized
	}
	if !parsed.Valid || claims.TokenType != wantType {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.SessionID) == "" {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// HashToken returns the hex sha256 digest stored in place of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func hashMatches(expected, token string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(HashToken(token))) == 1
}
