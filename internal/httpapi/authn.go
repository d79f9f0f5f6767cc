package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"warden.org/internal/audit"
	"warden.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/login",
	"/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

// Browsers cannot set headers on EventSource or WebSocket requests, so the
// observer streams also accept the access token as a query parameter.
var queryTokenPaths = []string{
	"/stream",
	"/ws",
}

// Paths an operator whose password must be changed may still use.
var passwordChangePaths = []string{
	"/session",
	"/change-password",
	"/logout",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.svc.Auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil && contains(queryTokenPaths, r.URL.Path) {
			if q := strings.TrimSpace(r.URL.Query().Get("access_token")); q != "" {
				token, err = q, nil
			}
		}
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
			return
		}

		id, err := a.svc.Auth.RequireAuth(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				handleError(w, r, err)
				return
			}
			a.svc.Auth.FlagInvalidToken(r.Context(), err, requestMeta(r))
			w.Header().Set("WWW-Authenticate", `Bearer realm="warden", error="invalid_token"`)
			if errors.Is(err, auth.ErrTokenExpired) {
				writeError(w, r, http.StatusUnauthorized, codeTokenExpired, "token expired")
				return
			}
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
			return
		}
		if id.ForcePasswordChange && !contains(passwordChangePaths, r.URL.Path) {
			writeError(w, r, http.StatusForbidden, codePasswordChangeRequired, "password change required")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

// identity returns the authenticated operator. withAuth guarantees one on
// every non-public route.
func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
		return auth.Identity{}, false
	}
	return id, true
}

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}

func actorOf(r *http.Request, id auth.Identity) audit.Actor {
	return audit.Actor{OperatorID: id.OperatorID, IP: clientIP(r)}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	return contains(publicPaths, path)
}

func contains(list []string, s string) bool {
	for _, p := range list {
		if s == p {
			return true
		}
	}
	return false
}
