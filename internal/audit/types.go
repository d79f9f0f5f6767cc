package audit

import (
	"errors"
	"strings"
	"time"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity accepts any casing; the empty string parses to "".
func ParseSeverity(raw string) (Severity, error) {
	switch Severity(strings.ToUpper(strings.TrimSpace(raw))) {
	case "":
		return "", nil
	case SeverityLow:
		return SeverityLow, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityCritical:
		return SeverityCritical, nil
	}
	return "", ErrInvalidSeverity
}

// Audited actions.
const (
	ActionLogin              = "LOGIN"
	ActionLogout             = "LOGOUT"
	ActionTokenRefresh       = "TOKEN_REFRESH"
	ActionPasswordChange     = "PASSWORD_CHANGE"
	ActionOperatorProvision  = "OPERATOR_PROVISION"
	ActionOperatorDeactivate = "OPERATOR_DEACTIVATE"
	ActionTickPause          = "TICK_PAUSE"
	ActionTickResume         = "TICK_RESUME"
	ActionKappaOverride      = "KAPPA_OVERRIDE"
	ActionEventCreate        = "EVENT_CREATE"
	ActionEventResolve       = "EVENT_RESOLVE"
	ActionEmergencyRollback  = "EMERGENCY_ROLLBACK"
)

// Anomaly patterns.
const (
	PatternUnknownIdentity    = "UNKNOWN_IDENTITY"
	PatternWrongPassword      = "WRONG_PASSWORD"
	PatternInactiveAccount    = "INACTIVE_ACCOUNT"
	PatternAccountLocked      = "ACCOUNT_LOCKED"
	PatternLockedLoginAttempt = "LOCKED_LOGIN_ATTEMPT"
	PatternRevokedRefresh     = "REVOKED_REFRESH"
	PatternInvalidToken       = "INVALID_TOKEN"
	PatternRateLimited        = "RATE_LIMITED"
)

// SystemActor is recorded as operator for actions not triggered by a logged-in operator.
const SystemActor = "system"

// Entry is an immutable record of a privileged action.
type Entry struct {
	ID         string         `json:"id"`
	OperatorID string         `json:"operator_id"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	IP         string         `json:"ip,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Anomaly is an immutable record of a security-relevant occurrence.
type Anomaly struct {
	ID        string         `json:"id"`
	SourceIP  string         `json:"source_ip,omitempty"`
	Pattern   string         `json:"pattern"`
	Severity  Severity       `json:"severity"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EntryFilter narrows audit listings. Zero values match everything.
type EntryFilter struct {
	Action     string
	OperatorID string
	Since      time.Time
	Limit      int
}

// AnomalyFilter narrows anomaly listings. Zero values match everything.
type AnomalyFilter struct {
	Severity Severity
	Pattern  string
	Since    time.Time
	Limit    int
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// NormalizeLimit clamps a requested page size into [1, MaxLimit].
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

var (
	ErrInvalidEntry    = errors.New("audit: invalid entry")
	ErrInvalidSeverity = errors.New("audit: invalid severity")
)
