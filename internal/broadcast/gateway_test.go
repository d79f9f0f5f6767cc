package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return m
}

func receive(t *testing.T, ch <-chan []byte) map[string]any {
	t.Helper()
	select {
	case b := <-ch:
		return decode(t, b)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return nil
}

func TestEnvelopeIsFlat(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	b, err := json.Marshal(Envelope{
		Channel:   Channel,
		Type:      "EMERGENCY_ROLLBACK",
		Payload:   map[string]any{"fromTick": 20, "toTick": 10, "type": "spoofed"},
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m := decode(t, b)
	if m["channel"] != "ADMIN" || m["type"] != "EMERGENCY_ROLLBACK" || m["fromTick"] != 20.0 {
		t.Fatalf("unexpected envelope %v", m)
	}
	if m["timestamp"] != "2024-05-01T10:00:00Z" {
		t.Fatalf("unexpected timestamp %v", m["timestamp"])
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := g.Subscribe(ctx)
	b := g.Subscribe(ctx)

	g.Publish("TICK_PAUSED", map[string]any{"tick": 5})
	for _, ch := range []<-chan []byte{a, b} {
		if m := receive(t, ch); m["type"] != "TICK_PAUSED" || m["tick"] != 5.0 {
			t.Fatalf("unexpected message %v", m)
		}
	}
	if st := g.Stats(); st.Observers != 2 || st.Published != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = g.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			g.Publish("EVENT_CREATED", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
	if st := g.Stats(); st.Dropped != uint64(subscriberBuffer*3) {
		t.Fatalf("expected %d drops, got %+v", subscriberBuffer*3, st)
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := g.Subscribe(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed")
	}
	g.Publish("TICK_RESUMED", nil)
	if st := g.Stats(); st.Observers != 0 {
		t.Fatalf("expected no observers, got %d", st.Observers)
	}
}

func TestWSHandlerDeliversEnvelopes(t *testing.T) {
	g := New()
	srv := httptest.NewServer(NewWSHandler(g, nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for g.Stats().Observers == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("observer never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	g.Publish("KAPPA_MODIFIED", map[string]any{"kappa": 5000})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m := decode(t, b); m["type"] != "KAPPA_MODIFIED" || m["channel"] != "ADMIN" {
		t.Fatalf("unexpected message %v", m)
	}
}

func TestWSHandlerClosesWhenSessionEnds(t *testing.T) {
	g := New()
	var ended atomic.Bool
	check := func(*http.Request) error {
		if ended.Load() {
			return errors.New("session revoked")
		}
		return nil
	}
	srv := httptest.NewServer(NewWSHandler(g, nil, WithSessionCheck(20*time.Millisecond, check)))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for g.Stats().Observers == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("observer never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	g.Publish("TICK_PAUSED", nil)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("live session should keep receiving: %v", err)
	}

	ended.Store(true)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy-violation close, got %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for g.Stats().Observers != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("observer still subscribed after session ended")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHandlerRejectsForeignOrigin(t *testing.T) {
	g := New()
	srv := httptest.NewServer(NewWSHandler(g, []string{"https://console.example"}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://console.example"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}
