package auth

import (
	"strings"
	"time"
)

// Roles. The control plane has a single privilege level; the column exists
// so that later roles do not need a migration.
const (
	RoleOperator = "operator"
)

// Operator is a privileged account.
type Operator struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"`
	Role                string     `json:"role"`
	FailedAttempts      int        `json:"failed_attempts"`
	ForcePasswordChange bool       `json:"force_password_change"`
	Active              bool       `json:"active"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Session binds one issued token pair to an operator. Only token hashes are stored.
type Session struct {
	ID               string     `json:"id"`
	OperatorID       string     `json:"operator_id"`
	AccessTokenHash  string     `json:"-"`
	RefreshTokenHash string     `json:"-"`
	IP               string     `json:"ip,omitempty"`
	UserAgent        string     `json:"user_agent,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the session is usable at the given instant.
func (s Session) ActiveAt(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// Identity is what an authenticated request carries downstream.
type Identity struct {
	OperatorID          string `json:"operator_id"`
	Email               string `json:"email"`
	Role                string `json:"role"`
	SessionID           string `json:"session_id"`
	ForcePasswordChange bool   `json:"force_password_change"`
}

// RequestMeta describes where a request came from.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// LoginResult is returned to an operator after a successful login.
type LoginResult struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Operator         Operator  `json:"operator"`
	SessionID        string    `json:"session_id"`
}

// RefreshResult carries a freshly issued access token.
type RefreshResult struct {
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}

// ProvisionRequest creates an operator account.
type ProvisionRequest struct {
	Email               string
	Password            string
	Role                string
	ForcePasswordChange bool
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
