package httpapi

import (
	"context"
	"net/http"
	"time"

	"warden.org/internal/auth"
)

const sseKeepAlive = 20 * time.Second

// Stream relays broadcast envelopes to an observer as Server-Sent Events.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.svc.Gateway == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeInternal, "streaming disabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.svc.Gateway.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	recheck := time.NewTicker(a.opts.SessionRecheck)
	defer recheck.Stop()
	for {
		select {
		case <-recheck.C:
			if err := a.sessionLive(r); err != nil {
				_, _ = w.Write([]byte("event: session_ended\ndata: {}\n\n"))
				flusher.Flush()
				return
			}
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		}
	}
}

// sessionLive confirms the session behind a long-lived observer stream has
// not been logged out or revoked since the stream opened.
func (a *API) sessionLive(r *http.Request) error {
	if a.svc.Auth == nil {
		return nil
	}
	id, err := auth.RequireIdentity(r.Context())
	if err != nil {
		return err
	}
	return a.svc.Auth.SessionActive(r.Context(), id.SessionID)
}
