package httpapi

import (
	"net/http"

	"warden.org/internal/tick"
)

type modifyKappaRequest struct {
	Value         float64 `json:"value"`
	DurationTicks uint64  `json:"duration_ticks"`
}

type rollbackRequest struct {
	TargetTick *uint64 `json:"target_tick"`
}

type tickStatusResponse struct {
	State tick.State       `json:"state"`
	Kappa tick.KappaStatus `json:"kappa"`
}

func (a *API) handleTickStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tickStatusResponse{
		State: a.svc.Scheduler.Snapshot(),
		Kappa: a.svc.Scheduler.KappaStatus(),
	})
}

func (a *API) handleTickPause(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	res, err := a.svc.Scheduler.Pause(r.Context(), actorOf(r, id))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleTickResume(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	res, err := a.svc.Scheduler.Resume(r.Context(), actorOf(r, id))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleModifyKappa(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req modifyKappaRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, err := a.svc.Scheduler.SetTemporaryKappa(r.Context(), actorOf(r, id), req.Value, req.DurationTicks)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req rollbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.TargetTick == nil {
		badRequest(w, r, "target_tick is required")
		return
	}
	res, err := a.svc.Rollback.Rollback(r.Context(), actorOf(r, id), *req.TargetTick)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
