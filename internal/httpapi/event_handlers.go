package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"warden.org/internal/audit"
	"warden.org/internal/events"
)

type eventDetail struct {
	Event   events.Event    `json:"event"`
	Effects []events.Effect `json:"effects"`
}

func (a *API) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req events.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	a.createEvent(w, r, actorOf(r, id), req)
}

// worldEvent serves the /world/* shortcuts. Their bodies are flat: name and
// severity next to the kind's own parameters.
func (a *API) worldEvent(kind events.Kind, defaultName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		var body map[string]json.RawMessage
		if err := decodeJSON(w, r, &body); err != nil {
			badRequest(w, r, err.Error())
			return
		}
		req := events.CreateRequest{Kind: kind, Name: defaultName}
		if raw, ok := body["name"]; ok {
			if err := json.Unmarshal(raw, &req.Name); err != nil {
				badRequest(w, r, "name must be a string")
				return
			}
			delete(body, "name")
		}
		if raw, ok := body["severity"]; ok {
			if err := json.Unmarshal(raw, &req.Severity); err != nil {
				badRequest(w, r, "severity must be a number")
				return
			}
			delete(body, "severity")
		}
		params, err := json.Marshal(body)
		if err != nil {
			badRequest(w, r, err.Error())
			return
		}
		req.Parameters = params
		a.createEvent(w, r, actorOf(r, id), req)
	}
}

func (a *API) createEvent(w http.ResponseWriter, r *http.Request, actor audit.Actor, req events.CreateRequest) {
	res, err := a.svc.Events.Create(r.Context(), actor, req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"event_id": res.Event.ID,
		"impact":   res.Impact,
		"effects":  res.Effects,
		"event":    res.Event,
	})
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := events.ParseStatus(q.Get("status"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	var kind events.Kind
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		if kind, err = events.ParseKind(raw); err != nil {
			handleError(w, r, err)
			return
		}
	}
	limit, err := parsePositiveInt(q.Get("limit"), 50, 1, 500)
	if err != nil {
		badRequest(w, r, "limit must be between 1 and 500")
		return
	}
	list, err := a.svc.Events.List(r.Context(), events.Filter{Status: status, Kind: kind, Limit: limit})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (a *API) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")
	ev, err := a.svc.Events.Get(r.Context(), eventID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	effects, err := a.svc.Events.Effects(r.Context(), eventID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if effects == nil {
		effects = []events.Effect{}
	}
	writeJSON(w, http.StatusOK, eventDetail{Event: ev, Effects: effects})
}

func (a *API) handleResolveEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	ev, err := a.svc.Events.Resolve(r.Context(), actorOf(r, id), r.PathValue("id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}
