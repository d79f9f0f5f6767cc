package obs

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Control plane metrics.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_logins_total",
			Help: "Operator login attempts by result.",
		},
		[]string{"result"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lockouts_total",
		Help: "Brute-force lockouts engaged.",
	})

	eventsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_events_created_total",
			Help: "Live events applied to the world, by kind.",
		},
		[]string{"kind"},
	)

	rollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_rollbacks_total",
		Help: "Emergency rollbacks executed.",
	})

	currentTick = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_current_tick",
		Help: "Current simulation tick.",
	})

	effectiveKappa = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_effective_kappa",
		Help: "Effective global damping constant.",
	})

	observers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_observers",
		Help: "Connected broadcast observers.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_ready",
		Help: "1 when the service reports ready.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginsTotal, lockoutsTotal, eventsCreatedTotal, rollbacksTotal,
			currentTick, effectiveKappa, observers, ready,
		)
	})
}

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveLogin(result string)      { loginsTotal.WithLabelValues(result).Inc() }
func ObserveLockout()                 { lockoutsTotal.Inc() }
func ObserveEventCreated(kind string) { eventsCreatedTotal.WithLabelValues(kind).Inc() }
func ObserveRollback()                { rollbacksTotal.Inc() }
func SetCurrentTick(tick uint64)      { currentTick.Set(float64(tick)) }
func SetEffectiveKappa(k float64)     { effectiveKappa.Set(k) }
func SetObservers(n int)              { observers.Set(float64(n)) }

func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers so that metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) == 3 && parts[0] == "events" && parts[2] == "resolve" {
		return "/events/:id/resolve"
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required by the websocket upgrade on /ws.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
