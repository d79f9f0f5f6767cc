package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"warden.org/internal/audit"
	"warden.org/internal/auth"
	"warden.org/internal/events"
	"warden.org/internal/obs"
	"warden.org/internal/rollback"
	"warden.org/internal/tick"
)

// Machine-readable error codes carried in every error body.
const (
	codeInvalidCredentials     = "INVALID_CREDENTIALS"
	codeAccountLocked          = "ACCOUNT_LOCKED"
	codeSessionRevoked         = "SESSION_REVOKED"
	codeTokenExpired           = "TOKEN_EXPIRED"
	codeUnauthorized           = "UNAUTHORIZED"
	codePasswordChangeRequired = "PASSWORD_CHANGE_REQUIRED"
	codeInvalidInput           = "INVALID_INPUT"
	codeInvalidTarget          = "INVALID_TARGET"
	codeTransactionFailed      = "TRANSACTION_FAILED"
	codePruneFailed            = "PRUNE_FAILED"
	codeNotFound               = "NOT_FOUND"
	codeConflict               = "CONFLICT"
	codeRateLimited            = "RATE_LIMITED"
	codeInternal               = "INTERNAL"
)

var errSchedulerStopped = errors.New("tick scheduler not started")

func writeError(w http.ResponseWriter, r *http.Request, code int, errCode, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  errCode,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleError maps domain errors to a status and code. Authentication
// failures use fixed messages so they never reveal which check failed.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, codeInvalidCredentials, "invalid credentials")
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusLocked, codeAccountLocked, "account temporarily locked")
	case errors.Is(err, auth.ErrSessionRevoked):
		writeError(w, r, http.StatusUnauthorized, codeSessionRevoked, "session revoked")
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, codeTokenExpired, "token expired")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, events.ErrInvalidInput),
		errors.Is(err, tick.ErrInvalidKappa),
		errors.Is(err, tick.ErrInvalidDuration),
		errors.Is(err, audit.ErrInvalidSeverity):
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
	case errors.Is(err, rollback.ErrInvalidTarget):
		writeError(w, r, http.StatusBadRequest, codeInvalidTarget, err.Error())
	case errors.Is(err, events.ErrTransactionFailed):
		writeError(w, r, http.StatusInternalServerError, codeTransactionFailed, "event transaction rolled back")
	case errors.Is(err, rollback.ErrPruneFailed):
		writeError(w, r, http.StatusInternalServerError, codePruneFailed, "rollback prune failed; engine left paused")
	case errors.Is(err, events.ErrNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "not found")
	case errors.Is(err, events.ErrAlreadyResolved):
		writeError(w, r, http.StatusConflict, codeConflict, "event already resolved")
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, codeConflict, "already exists")
	default:
		obs.Error("request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"err":        err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusBadRequest, codeInvalidInput, msg)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, errors.New("value out of range")
	}
	return v, nil
}
