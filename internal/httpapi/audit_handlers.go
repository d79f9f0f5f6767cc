package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"warden.org/internal/audit"
)

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	f, ok := entryFilter(w, r, audit.DefaultLimit)
	if !ok {
		return
	}
	items, err := a.svc.Trail.Entries(r.Context(), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if items == nil {
		items = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	f, ok := entryFilter(w, r, audit.MaxLimit)
	if !ok {
		return
	}
	var buf bytes.Buffer
	n, err := a.svc.Trail.Export(r.Context(), &buf, f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	name := fmt.Sprintf("audit-%s.jsonl.zst", time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("X-Export-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (a *API) handleAnomalyLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	severity, err := audit.ParseSeverity(q.Get("severity"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	since, ok := parseSince(w, r, q)
	if !ok {
		return
	}
	limit, err := parsePositiveInt(q.Get("limit"), audit.DefaultLimit, 1, audit.MaxLimit)
	if err != nil {
		badRequest(w, r, "limit must be between 1 and 1000")
		return
	}
	items, err := a.svc.Trail.Anomalies(r.Context(), audit.AnomalyFilter{
		Severity: severity,
		Pattern:  strings.ToUpper(strings.TrimSpace(q.Get("pattern"))),
		Since:    since,
		Limit:    limit,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if items == nil {
		items = []audit.Anomaly{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Dashboard.Stats(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func entryFilter(w http.ResponseWriter, r *http.Request, defLimit int) (audit.EntryFilter, bool) {
	q := r.URL.Query()
	since, ok := parseSince(w, r, q)
	if !ok {
		return audit.EntryFilter{}, false
	}
	limit, err := parsePositiveInt(q.Get("limit"), defLimit, 1, audit.MaxLimit)
	if err != nil {
		badRequest(w, r, "limit must be between 1 and 1000")
		return audit.EntryFilter{}, false
	}
	return audit.EntryFilter{
		Action:     strings.ToUpper(strings.TrimSpace(q.Get("action"))),
		OperatorID: strings.TrimSpace(q.Get("operator_id")),
		Since:      since,
		Limit:      limit,
	}, true
}

func parseSince(w http.ResponseWriter, r *http.Request, q url.Values) (time.Time, bool) {
	raw := strings.TrimSpace(q.Get("since"))
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(w, r, "since must be an RFC3339 timestamp")
		return time.Time{}, false
	}
	return t, true
}
