package main

import (
	"net/http"
	"time"

	"github.com/idlewatch/idlewatch/server/events"
	"github.com/idlewatch/idlewatch/server/observability"
)

// handleSweep runs the maintenance pass on demand. The background sweeper
// does the same work on a timer; this endpoint exists for operators who do
// not want to wait for the next tick.
func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	start := time.Now()

	offline, err := a.svc.MarkSilentOffline(r.Context())
	if err != nil {
		writeFleetError(w, err)
		return
	}
	observability.SweepMarked.WithLabelValues("offline").Add(float64(offline))

	expired, err := a.svc.ExpireStaleCommands(r.Context())
	if err != nil {
		writeFleetError(w, err)
		return
	}
	observability.SweepMarked.WithLabelValues("commands").Add(float64(expired))
	observability.CommandsTotal.WithLabelValues("expired").Add(float64(expired))

	pruned, err := a.svc.PruneHeartbeats(r.Context())
	if err != nil {
		writeFleetError(w, err)
		return
	}
	observability.SweepMarked.WithLabelValues("heartbeats").Add(float64(pruned))

	observability.SweepDuration.WithLabelValues("manual").Observe(time.Since(start).Seconds())

	if offline > 0 || expired > 0 || pruned > 0 {
		a.publish(r.Context(), events.TopicSweep, events.SweepSummary{
			MarkedOffline:    offline,
			ExpiredCommands:  expired,
			PrunedHeartbeats: pruned,
			At:               time.Now().UTC(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]int64{
		"marked_offline":    offline,
		"expired_commands":  expired,
		"pruned_heartbeats": pruned,
	})
}
