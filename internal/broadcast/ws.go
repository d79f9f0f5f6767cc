package broadcast

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"warden.org/internal/obs"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// SessionCheck reports whether the caller behind an open observer
// connection may keep listening.
type SessionCheck func(r *http.Request) error

// WSHandler serves observers over websocket. Callers authenticate the
// request before it reaches the handler.
type WSHandler struct {
	gw           *Gateway
	upgrader     websocket.Upgrader
	check        SessionCheck
	recheckEvery time.Duration
}

// WSOption configures a WSHandler.
type WSOption func(*WSHandler)

// WithSessionCheck re-runs check every interval and closes the connection
// with a policy-violation frame once it fails.
func WithSessionCheck(interval time.Duration, check SessionCheck) WSOption {
	return func(h *WSHandler) {
		if interval <= 0 {
			interval = pingPeriod
		}
		h.check = check
		h.recheckEvery = interval
	}
}

// NewWSHandler builds a handler. An empty origin list accepts same-host
// origins only.
func NewWSHandler(gw *Gateway, allowedOrigins []string, opts ...WSOption) *WSHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[strings.ToLower(o)] = struct{}{}
		}
	}
	h := &WSHandler{
		gw: gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r, allowed)
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs := h.gw.Subscribe(ctx)

	writeErr := make(chan error, 1)
	go func() {
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		var recheck <-chan time.Time
		if h.check != nil {
			t := time.NewTicker(h.recheckEvery)
			defer t.Stop()
			recheck = t.C
		}
		for {
			select {
			case <-recheck:
				if err := h.check(r); err != nil {
					obs.Info("observer session ended", map[string]any{"err": err.Error()})
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session ended"),
						time.Now().Add(writeWait))
					// Unblocks the read loop below.
					_ = conn.Close()
					writeErr <- nil
					return
				}
			case b, ok := <-msgs:
				if !ok {
					writeErr <- nil
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	// Observers only listen; reads keep control frames flowing.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}

	cancel()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	select {
	case err := <-writeErr:
		if err != nil {
			obs.Info("observer disconnected", map[string]any{"err": err.Error()})
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func originAllowed(r *http.Request, allowed map[string]struct{}) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := allowed[strings.ToLower(origin)]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
