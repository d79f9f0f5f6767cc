package httpapi

import (
	"net/http"
	"strings"
	"time"

	"warden.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type sessionResponse struct {
	Identity  auth.Identity `json:"identity"`
	Operator  auth.Operator `json:"operator"`
	ExpiresAt time.Time     `json:"expires_at"`
	IP        string        `json:"ip,omitempty"`
	UserAgent string        `json:"user_agent,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		badRequest(w, r, "email and password are required")
		return
	}
	res, err := a.svc.Auth.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		badRequest(w, r, "refresh_token is required")
		return
	}
	res, err := a.svc.Auth.Refresh(r.Context(), token, requestMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	n, err := a.svc.Auth.Logout(r.Context(), id, requestMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked_sessions": n})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	sess, op, err := a.svc.Auth.CurrentSession(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Identity:  id,
		Operator:  op,
		ExpiresAt: sess.ExpiresAt,
		IP:        sess.IP,
		UserAgent: sess.UserAgent,
		CreatedAt: sess.CreatedAt,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		badRequest(w, r, "current_password and new_password are required")
		return
	}
	if err := a.svc.Auth.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword, requestMeta(r)); err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}
