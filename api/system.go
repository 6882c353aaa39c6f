package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mfairley/certflow/activity"
)

const defaultActivityLimit = 50

// SchedulerStatus handles GET /scheduler.
func (a *API) SchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	if a.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, a.sched.Status())
}

// SchedulerRun handles POST /scheduler/run, triggering an immediate scan.
func (a *API) SchedulerRun(w http.ResponseWriter, r *http.Request) {
	if a.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}

	var req SchedulerRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	scanned, err := a.sched.RunNow(r.Context(), req.ForceAll)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SchedulerRunResponse{Scanned: scanned})
}

// Reschedule handles PUT /scheduler/schedule.
func (a *API) Reschedule(w http.ResponseWriter, r *http.Request) {
	if a.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}

	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.sched.Reschedule(req.Schedule); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.sched.Status())
}

// RestartWatcher handles POST /scheduler/watcher/restart, rebuilding the
// file-watch set over the store's current layout.
func (a *API) RestartWatcher(w http.ResponseWriter, _ *http.Request) {
	if a.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	if err := a.sched.RestartWatcher(); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotateMasterKey handles POST /system/rotate-key.
func (a *API) RotateMasterKey(w http.ResponseWriter, _ *http.Request) {
	if err := a.engine.RotateMasterKey(); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RotateKeyResponse{Rotated: true})
}

// RefreshStore handles POST /system/refresh, reconciling the index with the
// filesystem.
func (a *API) RefreshStore(w http.ResponseWriter, _ *http.Request) {
	res, err := a.engine.Store().RefreshFromDisk()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListActivity handles GET /activity with an optional limit query parameter.
func (a *API) ListActivity(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, http.StatusServiceUnavailable, "activity log not configured")
		return
	}

	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := a.events.List(limit)
	if err != nil {
		mapError(w, err)
		return
	}
	if events == nil {
		events = []activity.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
