package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/idlewatch/idlewatch/server/events"
	"github.com/idlewatch/idlewatch/server/middleware"
	"github.com/idlewatch/idlewatch/server/observability"
	"github.com/idlewatch/idlewatch/server/store"
)

func (a *API) handleMachines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := r.URL.Query().Get("status")
	search := r.URL.Query().Get("search")

	machines, err := a.svc.Machines(r.Context(), status, search)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	if machines == nil {
		machines = []*store.Machine{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"machines": machines,
		"count":    len(machines),
	})
}

// handleMachineRoutes dispatches /api/machines/{id} and its subresources:
//
//	GET    /api/machines/{id}
//	DELETE /api/machines/{id}
//	GET    /api/machines/{id}/heartbeats
//	POST   /api/machines/{id}/sleep
//	POST   /api/machines/{id}/shutdown
func (a *API) handleMachineRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || len(parts) > 4 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	machineID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "machine id must be numeric")
		return
	}

	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		a.getMachine(w, r, machineID)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		a.deleteMachine(w, r, machineID)
	case len(parts) == 4 && parts[3] == "heartbeats" && r.Method == http.MethodGet:
		a.getMachineHeartbeats(w, r, machineID)
	case len(parts) == 4 && (parts[3] == store.CommandSleep || parts[3] == store.CommandShutdown) && r.Method == http.MethodPost:
		a.enqueueCommand(w, r, machineID, parts[3])
	case len(parts) == 3 || parts[3] == "heartbeats" || parts[3] == store.CommandSleep || parts[3] == store.CommandShutdown:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (a *API) getMachine(w http.ResponseWriter, r *http.Request, machineID int64) {
	m, err := a.svc.Machine(r.Context(), machineID)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) deleteMachine(w http.ResponseWriter, r *http.Request, machineID int64) {
	if err := a.svc.RemoveMachine(r.Context(), machineID); err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":    true,
		"machine_id": machineID,
	})
}

func (a *API) getMachineHeartbeats(w http.ResponseWriter, r *http.Request, machineID int64) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "hours must be an integer")
			return
		}
		hours = h
	}

	beats, err := a.svc.MachineHeartbeats(r.Context(), machineID, hours)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	if beats == nil {
		beats = []*store.Heartbeat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"machine_id": machineID,
		"heartbeats": beats,
		"count":      len(beats),
	})
}

func (a *API) enqueueCommand(w http.ResponseWriter, r *http.Request, machineID int64, command string) {
	user, err := middleware.GetUser(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	cmd, err := a.svc.EnqueueCommand(r.Context(), machineID, command, user)
	if err != nil {
		writeFleetError(w, err)
		return
	}

	observability.CommandsTotal.WithLabelValues("created").Inc()
	a.publish(r.Context(), events.TopicCommandCreated, events.CommandEvent{
		CommandID: cmd.ID,
		MachineID: cmd.MachineID,
		Command:   cmd.Command,
		Status:    cmd.Status,
		By:        user,
		At:        time.Now().UTC(),
	})

	writeJSON(w, http.StatusAccepted, cmd)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := a.svc.Stats(r.Context())
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
