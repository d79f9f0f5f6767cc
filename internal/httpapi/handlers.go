package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/auth"
	"warden.org/internal/broadcast"
	"warden.org/internal/dashboard"
	"warden.org/internal/events"
	"warden.org/internal/obs"
	"warden.org/internal/rollback"
	"warden.org/internal/tick"
)

const serviceName = "warden-api"

// Pinger is anything that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the database (when configured) and that the tick
// scheduler has been started.
type ReadyProbe struct {
	DB        Pinger
	Scheduler *tick.Scheduler
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.Ping(ctx); err != nil {
			return err
		}
	}
	if rp.Scheduler != nil && rp.Scheduler.Snapshot().Status == tick.StatusStopped {
		return errSchedulerStopped
	}
	return nil
}

// Services are the components the HTTP layer drives.
type Services struct {
	Auth      *auth.Service
	Trail     *audit.Trail
	Scheduler *tick.Scheduler
	Events    *events.Engine
	Rollback  *rollback.Controller
	Gateway   *broadcast.Gateway
	Dashboard *dashboard.Aggregator
}

// Options tune the HTTP surface.
type Options struct {
	Version        string
	AllowedOrigins []string
	RateBudget     int
	RateWindow     time.Duration
	// TrustedProxies may set X-Forwarded-For. Empty means the direct peer
	// is always the client.
	TrustedProxies []netip.Prefix
	// SessionRecheck is how often /ws and /stream confirm the session that
	// opened them is still live.
	SessionRecheck time.Duration
}

// API is the admin HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	svc        Services
	opts       Options
	limiter    *ipLimiter
}

func New(rp ReadyProbe, svc Services, opts Options) *API {
	if opts.RateBudget <= 0 {
		opts.RateBudget = 120
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.SessionRecheck <= 0 {
		opts.SessionRecheck = sseKeepAlive
	}
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		svc:        svc,
		opts:       opts,
	}
	a.limiter = newIPLimiter(opts.RateBudget, opts.RateWindow)

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	// sessions
	a.mux.HandleFunc("POST /login", a.handleLogin)
	a.mux.HandleFunc("POST /refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /logout", a.handleLogout)
	a.mux.HandleFunc("GET /session", a.handleSession)
	a.mux.HandleFunc("POST /change-password", a.handleChangePassword)

	// live events
	a.mux.HandleFunc("POST /events/create", a.handleCreateEvent)
	a.mux.HandleFunc("GET /events", a.handleListEvents)
	a.mux.HandleFunc("GET /events/{id}", a.handleGetEvent)
	a.mux.HandleFunc("POST /events/{id}/resolve", a.handleResolveEvent)

	// tick engine
	a.mux.HandleFunc("GET /tick/status", a.handleTickStatus)
	a.mux.HandleFunc("POST /tick/pause", a.handleTickPause)
	a.mux.HandleFunc("POST /tick/resume", a.handleTickResume)
	a.mux.HandleFunc("POST /tick/modify-kappa", a.handleModifyKappa)

	// world shortcuts
	a.mux.HandleFunc("POST /world/economic-shock", a.worldEvent(events.KindEconomicShock, "Economic shock"))
	a.mux.HandleFunc("POST /world/biome-shift", a.worldEvent(events.KindBiomeShift, "Biome shift"))
	a.mux.HandleFunc("POST /world/spawn-invasion", a.worldEvent(events.KindInvasion, "Invasion"))
	a.mux.HandleFunc("POST /world/inject-lore", a.worldEvent(events.KindLoreInjection, "Lore injection"))
	a.mux.HandleFunc("POST /world/rollback", a.handleRollback)

	// audit & status
	a.mux.HandleFunc("GET /audit-logs", a.handleAuditLogs)
	a.mux.HandleFunc("GET /audit-logs/export", a.handleAuditExport)
	a.mux.HandleFunc("GET /anomaly-logs", a.handleAnomalyLogs)
	a.mux.HandleFunc("GET /dashboard-stats", a.handleDashboardStats)

	// observers
	a.mux.HandleFunc("GET /stream", a.Stream)
	if svc.Gateway != nil {
		a.mux.Handle("GET /ws", broadcast.NewWSHandler(svc.Gateway, opts.AllowedOrigins,
			broadcast.WithSessionCheck(opts.SessionRecheck, a.sessionLive)))
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler: request id, logging, metrics,
// hardening headers, CORS, the per-IP budget and bearer authentication.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = a.rateLimit(h)
	h = CORS(h, a.opts.AllowedOrigins)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	h = ClientIP(h, a.opts.TrustedProxies)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
