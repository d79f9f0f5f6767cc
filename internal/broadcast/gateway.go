package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"warden.org/internal/obs"
)

// Channel is the envelope channel of every admin notification.
const Channel = "ADMIN"

const subscriberBuffer = 64

// Envelope is one notification. It is encoded flat:
// {"channel":"ADMIN","type":...,<payload fields>,"timestamp":...}.
type Envelope struct {
	Channel   string
	Type      string
	Payload   map[string]any
	Timestamp time.Time
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat["channel"] = e.Channel
	flat["type"] = e.Type
	flat["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(flat)
}

// Stats reports gateway activity since start.
type Stats struct {
	Observers int    `json:"observers"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// Gateway fans encoded envelopes out to every subscriber. Publishing never
// blocks: a subscriber whose buffer is full misses the message.
type Gateway struct {
	mu        sync.RWMutex
	subs      map[uint64]chan []byte
	next      uint64
	now       func() time.Time
	published atomic.Uint64
	dropped   atomic.Uint64
}

// New returns an empty gateway.
func New() *Gateway {
	return &Gateway{subs: make(map[uint64]chan []byte), now: time.Now}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (g *Gateway) Subscribe(ctx context.Context) <-chan []byte {
	ch := make(chan []byte, subscriberBuffer)

	g.mu.Lock()
	id := g.next
	g.next++
	g.subs[id] = ch
	n := len(g.subs)
	g.mu.Unlock()
	obs.SetObservers(n)

	go func() {
		<-ctx.Done()
		g.mu.Lock()
		delete(g.subs, id)
		close(ch)
		n := len(g.subs)
		g.mu.Unlock()
		obs.SetObservers(n)
	}()

	return ch
}

// Publish wraps payload in an ADMIN envelope and fans it out.
func (g *Gateway) Publish(msgType string, payload map[string]any) {
	data, err := json.Marshal(Envelope{Channel: Channel, Type: msgType, Payload: payload, Timestamp: g.now()})
	if err != nil {
		obs.Error("broadcast encode failed", map[string]any{"type": msgType, "err": err.Error()})
		return
	}
	g.published.Add(1)

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, ch := range g.subs {
		select {
		case ch <- data:
		default:
			g.dropped.Add(1)
		}
	}
}

// Stats returns a snapshot of the counters.
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	n := len(g.subs)
	g.mu.RUnlock()
	return Stats{Observers: n, Published: g.published.Load(), Dropped: g.dropped.Load()}
}
