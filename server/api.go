package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/idlewatch/idlewatch/server/auth"
	"github.com/idlewatch/idlewatch/server/events"
	"github.com/idlewatch/idlewatch/server/fleet"
	"github.com/idlewatch/idlewatch/server/middleware"
	"github.com/idlewatch/idlewatch/server/observability"
	"github.com/idlewatch/idlewatch/server/store"
)

type API struct {
	store  store.Store
	svc    *fleet.Service
	events events.Publisher

	sessionTTL  time.Duration
	loginWindow middleware.LoginWindow

	// Storm protection
	registerLimiter  *rate.Limiter
	heartbeatLimiter *rate.Limiter
}

func NewAPI(st store.Store, svc *fleet.Service, pub events.Publisher, loginWindow middleware.LoginWindow, sessionTTL time.Duration) *API {
	return &API{
		store:       st,
		svc:         svc,
		events:      pub,
		sessionTTL:  sessionTTL,
		loginWindow: loginWindow,
		// Allow 20 registrations/sec, burst 40
		registerLimiter: rate.NewLimiter(rate.Limit(20), 40),
		// Allow 500 heartbeats/sec, burst 1000
		heartbeatLimiter: rate.NewLimiter(rate.Limit(500), 1000),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Printf("Failed to encode response: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFleetError maps service failures onto response codes. Anything
// unclassified is an internal error and gets logged here, at the edge.
func writeFleetError(w http.ResponseWriter, err error) {
	switch fleet.KindOf(err) {
	case fleet.KindAuth:
		writeError(w, http.StatusUnauthorized, err.Error())
	case fleet.KindValidation:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case fleet.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case fleet.KindConflict, fleet.KindOffline:
		writeError(w, http.StatusConflict, err.Error())
	case fleet.KindUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("Internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeRateLimitError writes a 429 response with jittered Retry-After
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.RateLimitedTotal.WithLabelValues(endpoint).Inc()

	// Jitter: 1s base + 0-1000ms random
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	writeError(w, http.StatusTooManyRequests, "too many requests")
}

func (a *API) publish(ctx context.Context, topic string, payload any) {
	if err := a.events.Publish(ctx, topic, payload); err != nil {
		observability.EventPublishFailures.Inc()
		log.Printf("Failed to publish %s event: %v", topic, err)
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.registerLimiter.Allow() {
		a.writeRateLimitError(w, "register")
		return
	}

	var reg fleet.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m, created, err := a.svc.RegisterMachine(r.Context(), reg)
	if err != nil {
		writeFleetError(w, err)
		return
	}

	// Every registration rotates the credential, so a reinstalled agent
	// can always recover access while the old token dies.
	raw, hash, err := auth.NewAgentToken()
	if err != nil {
		writeFleetError(w, err)
		return
	}
	if err := a.svc.RotateToken(r.Context(), m.ID, hash, nil); err != nil {
		writeFleetError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"machine_id": m.ID,
		"token":      raw,
		"created":    created,
	})
}

type heartbeatRequest struct {
	Timestamp     string  `json:"timestamp"`
	IdleSeconds   int64   `json:"idle_seconds"`
	CPUUsage      float64 `json:"cpu_usage"`
	MemoryUsage   float64 `json:"memory_usage"`
	IsIdle        bool    `json:"is_idle"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.heartbeatLimiter.Allow() {
		a.writeRateLimitError(w, "heartbeat")
		return
	}

	machineID, err := middleware.GetMachineID(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	in := fleet.HeartbeatInput{
		IdleSeconds:   req.IdleSeconds,
		CPUUsage:      req.CPUUsage,
		MemoryUsage:   req.MemoryUsage,
		IsIdle:        req.IsIdle,
		UptimeSeconds: req.UptimeSeconds,
	}
	if req.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid timestamp, expected RFC3339")
			return
		}
		in.Timestamp = ts
	}

	start := time.Now()
	res, err := a.svc.Ingest(r.Context(), machineID, in)
	observability.IngestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		writeFleetError(w, err)
		return
	}

	if res.Duplicate {
		observability.HeartbeatsTotal.WithLabelValues("duplicate").Inc()
	} else {
		observability.HeartbeatsTotal.WithLabelValues("applied").Inc()
	}

	if res.Transitioned() {
		a.publish(r.Context(), events.TopicMachineStatus, events.StatusChange{
			MachineID: machineID,
			From:      res.PrevStatus,
			To:        res.Status,
			At:        time.Now().UTC(),
		})
	}

	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleAgentCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	machineID, err := middleware.GetMachineID(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	cmds, err := a.svc.PendingCommands(r.Context(), machineID)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	if cmds == nil {
		cmds = []*store.MachineCommand{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

// handleCommandResult serves POST /api/agents/commands/{id}/result.
func (a *API) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	machineID, err := middleware.GetMachineID(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 5 || parts[4] != "result" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	commandID, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "command id must be numeric")
		return
	}

	var req struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status == "" {
		req.Status = store.CommandExecuted
	}

	cmd, err := a.svc.ReportCommandResult(r.Context(), commandID, machineID, req.Status, req.Message)
	if err != nil {
		writeFleetError(w, err)
		return
	}

	observability.CommandsTotal.WithLabelValues(cmd.Status).Inc()
	a.publish(r.Context(), events.TopicCommandResult, events.CommandEvent{
		CommandID: cmd.ID,
		MachineID: cmd.MachineID,
		Command:   cmd.Command,
		Status:    cmd.Status,
		At:        time.Now().UTC(),
	})

	writeJSON(w, http.StatusOK, cmd)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "idlewatch-server",
		"status":  "running",
	})
}
