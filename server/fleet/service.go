package fleet

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/idlewatch/idlewatch/server/store"
)

const maxHeartbeatRows = 1000

// Params are the operating thresholds for status classification, command
// expiry, and energy accounting.
type Params struct {
	// OfflineThreshold is how long a machine may stay silent before it is
	// considered offline.
	OfflineThreshold time.Duration
	// IdleThreshold is the reported idle run required before a machine
	// counts as idle rather than online.
	IdleThreshold time.Duration
	// CommandTTL bounds how long a command may wait unclaimed.
	CommandTTL time.Duration
	// MaxIdleSeconds rejects heartbeats reporting an idle run above this
	// sanity cap. Zero disables the cap.
	MaxIdleSeconds int64
	// IdlePowerWatts is the assumed draw of an idle machine.
	IdlePowerWatts float64
	// ActivePowerWatts is the assumed draw of an active machine.
	ActivePowerWatts float64
	// CostPerKWH prices wasted energy in the stats view.
	CostPerKWH float64
	// HeartbeatRetain bounds raw heartbeat history. Zero disables pruning.
	HeartbeatRetain time.Duration
}

// Service owns the fleet state rules. It never logs; failures come back
// as *Error values for the transport layer to map.
type Service struct {
	store  store.Store
	params Params

	now func() time.Time
}

func NewService(st store.Store, p Params) *Service {
	return &Service{store: st, params: p, now: time.Now}
}

// Registration is an agent's identity announcement.
type Registration struct {
	MACAddress string `json:"mac_address"`
	Hostname   string `json:"hostname"`
	OSType     string `json:"os_type"`
	OSVersion  string `json:"os_version"`
}

// HeartbeatInput is one agent report. A zero Timestamp means "now".
type HeartbeatInput struct {
	Timestamp     time.Time
	IdleSeconds   int64
	CPUUsage      float64
	MemoryUsage   float64
	IsIdle        bool
	UptimeSeconds int64
}

// IngestResult describes what a heartbeat did. Duplicate deliveries are
// acknowledged without changing state.
type IngestResult struct {
	MachineID  int64  `json:"machine_id"`
	Status     string `json:"status"`
	PrevStatus string `json:"-"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// Transitioned reports whether the heartbeat moved the machine to a new
// status.
func (r *IngestResult) Transitioned() bool {
	return !r.Duplicate && r.PrevStatus != r.Status
}

// Stats is the fleet-wide rollup served to dashboards.
type Stats struct {
	TotalMachines      int64   `json:"total_machines"`
	Online             int64   `json:"online"`
	Idle               int64   `json:"idle"`
	Offline            int64   `json:"offline"`
	TotalIdleSeconds   int64   `json:"total_idle_seconds"`
	TotalActiveSeconds int64   `json:"total_active_seconds"`
	EnergyWastedKWH    float64 `json:"energy_wasted_kwh"`
	EnergyCost         float64 `json:"energy_cost"`
	EstimatedDrawWatts float64 `json:"estimated_draw_watts"`
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// RegisterMachine creates or refreshes a machine identity. The MAC
// address is the stable key; the first registration wins the row and
// later ones update the descriptive fields. Registration never touches
// status or counters.
func (s *Service) RegisterMachine(ctx context.Context, reg Registration) (*store.Machine, bool, error) {
	mac := strings.ToLower(strings.TrimSpace(reg.MACAddress))
	if mac == "" {
		return nil, false, Validationf("mac_address is required")
	}
	if len(mac) > 17 {
		return nil, false, Validationf("mac_address must be at most 17 characters")
	}
	hostname := strings.TrimSpace(reg.Hostname)
	if hostname == "" {
		return nil, false, Validationf("hostname is required")
	}

	m, created, err := s.store.EnsureMachine(ctx, mac,
		truncate(hostname, 255),
		truncate(strings.TrimSpace(reg.OSType), 50),
		truncate(strings.TrimSpace(reg.OSVersion), 100))
	if err != nil {
		return nil, false, err
	}
	return m, created, nil
}

// RotateToken stores a fresh credential hash for the machine and revokes
// any previous ones. The service never sees the plaintext token.
func (s *Service) RotateToken(ctx context.Context, machineID int64, tokenHash string, expiresAt *time.Time) error {
	return s.store.RotateAgentToken(ctx, machineID, tokenHash, expiresAt)
}

// Ingest applies one heartbeat: it records the report, accumulates the
// idle, active, and energy counters, and reclassifies the machine. The
// whole update is atomic per machine; a duplicate (machine, timestamp)
// delivery is acknowledged without changing anything.
func (s *Service) Ingest(ctx context.Context, machineID int64, in HeartbeatInput) (*IngestResult, error) {
	if in.IdleSeconds < 0 {
		return nil, Validationf("idle_seconds must be non-negative")
	}
	if s.params.MaxIdleSeconds > 0 && in.IdleSeconds > s.params.MaxIdleSeconds {
		return nil, Validationf("idle_seconds exceeds cap of %d", s.params.MaxIdleSeconds)
	}
	if in.CPUUsage < 0 || in.CPUUsage > 100 {
		return nil, Validationf("cpu_usage must be between 0 and 100")
	}
	if in.MemoryUsage < 0 || in.MemoryUsage > 100 {
		return nil, Validationf("memory_usage must be between 0 and 100")
	}
	if in.UptimeSeconds < 0 {
		return nil, Validationf("uptime_seconds must be non-negative")
	}

	now := s.now().UTC()
	ts := in.Timestamp.UTC()
	if in.Timestamp.IsZero() {
		ts = now
	}

	hb := &store.Heartbeat{
		MachineID:   machineID,
		Timestamp:   ts,
		IdleSeconds: in.IdleSeconds,
		CPUUsage:    in.CPUUsage,
		MemoryUsage: in.MemoryUsage,
		IsIdle:      in.IsIdle,
	}

	res, err := s.store.ApplyHeartbeat(ctx, machineID, hb, func(m *store.Machine) (store.MachineDelta, error) {
		// last_seen never moves backwards, even for a replayed report.
		seen := ts
		if m.LastSeen != nil && m.LastSeen.After(seen) {
			seen = m.LastSeen.UTC()
		}

		delta := store.MachineDelta{
			UptimeSeconds: in.UptimeSeconds,
			SeenAt:        seen,
		}
		if in.IsIdle {
			delta.IdleSeconds = in.IdleSeconds
			delta.EnergyKWH = EstimateWaste(in.IdleSeconds, s.params.IdlePowerWatts)
		} else if m.LastSeen != nil {
			// Credit the gap since the previous report as active time,
			// but never more than the silence we would have tolerated.
			gap := ts.Sub(*m.LastSeen)
			if gap > s.params.OfflineThreshold {
				gap = s.params.OfflineThreshold
			}
			if gap > 0 {
				delta.ActiveSeconds = int64(gap / time.Second)
			}
		}
		delta.Status = Classify(now, seen, in.IsIdle, in.IdleSeconds,
			s.params.IdleThreshold, s.params.OfflineThreshold)
		return delta, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundf("machine %d is not registered", machineID)
	}
	if err != nil {
		return nil, err
	}

	return &IngestResult{
		MachineID:  machineID,
		Status:     res.NewStatus,
		PrevStatus: res.PrevStatus,
		Duplicate:  !res.Applied,
	}, nil
}

// Machine returns one machine or a not-found error.
func (s *Service) Machine(ctx context.Context, id int64) (*store.Machine, error) {
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, NotFoundf("machine %d not found", id)
	}
	return m, nil
}

// Machines lists the fleet, optionally filtered by status and a search
// term over hostname, MAC, and OS type.
func (s *Service) Machines(ctx context.Context, status, search string) ([]*store.Machine, error) {
	switch status {
	case "", store.StatusOnline, store.StatusIdle, store.StatusOffline:
	default:
		return nil, Validationf("unknown status filter %q", status)
	}
	return s.store.ListMachines(ctx, status, strings.TrimSpace(search))
}

// MachineHeartbeats returns recent raw reports for one machine, newest
// first. hours is clamped to [1, 168] with a default of 24.
func (s *Service) MachineHeartbeats(ctx context.Context, id int64, hours int) ([]*store.Heartbeat, error) {
	if hours <= 0 {
		hours = 24
	}
	if hours > 168 {
		hours = 168
	}
	if _, err := s.Machine(ctx, id); err != nil {
		return nil, err
	}
	since := s.now().UTC().Add(-time.Duration(hours) * time.Hour)
	return s.store.ListHeartbeats(ctx, id, since, maxHeartbeatRows)
}

// RemoveMachine deletes a machine along with its heartbeats, tokens, and
// commands.
func (s *Service) RemoveMachine(ctx context.Context, id int64) error {
	ok, err := s.store.DeleteMachine(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return NotFoundf("machine %d not found", id)
	}
	return nil
}

// EnqueueCommand queues a power action for a machine. Offline machines
// cannot be commanded; the agent would never collect the order.
func (s *Service) EnqueueCommand(ctx context.Context, machineID int64, command, issuedBy string) (*store.MachineCommand, error) {
	if command != store.CommandSleep && command != store.CommandShutdown {
		return nil, Validationf("unsupported command %q", command)
	}
	m, err := s.store.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, NotFoundf("machine %d not found", machineID)
	}
	if m.Status == store.StatusOffline {
		return nil, Offlinef("machine %d is offline", machineID)
	}

	cmd := &store.MachineCommand{
		MachineID: machineID,
		Command:   command,
		Status:    store.CommandPending,
		CreatedBy: truncate(issuedBy, 255),
	}
	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// PendingCommands returns the machine's undelivered commands, oldest
// first. Polling does not change command state; only an explicit result
// report or expiry does.
func (s *Service) PendingCommands(ctx context.Context, machineID int64) ([]*store.MachineCommand, error) {
	return s.store.PendingCommands(ctx, machineID)
}

// ReportCommandResult moves a pending command to executed or failed. The
// transition is first-writer-wins: a second report, or a report racing
// the expiry sweep, comes back as a conflict.
func (s *Service) ReportCommandResult(ctx context.Context, commandID, machineID int64, status, message string) (*store.MachineCommand, error) {
	if status != store.CommandExecuted && status != store.CommandFailed {
		return nil, Validationf("result status must be executed or failed")
	}

	n, err := s.store.CompleteCommand(ctx, commandID, machineID, status, s.now().UTC(), truncate(message, 500))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		cmd, err := s.store.GetCommand(ctx, commandID)
		if err != nil {
			return nil, err
		}
		if cmd == nil || cmd.MachineID != machineID {
			return nil, NotFoundf("command %d not found", commandID)
		}
		return nil, Conflictf("command %d already %s", commandID, cmd.Status)
	}

	cmd, err := s.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// MarkSilentOffline demotes machines that have not reported within the
// offline threshold. Safe to run from multiple nodes; the demotion is
// idempotent.
func (s *Service) MarkSilentOffline(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.params.OfflineThreshold)
	return s.store.MarkSilentOffline(ctx, cutoff)
}

// ExpireStaleCommands times out pending commands older than the TTL.
func (s *Service) ExpireStaleCommands(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.params.CommandTTL)
	return s.store.ExpireCommands(ctx, cutoff)
}

// PruneHeartbeats drops raw heartbeat history past the retention window.
// Counters on the machine rows are unaffected. A zero retention disables
// pruning.
func (s *Service) PruneHeartbeats(ctx context.Context) (int64, error) {
	if s.params.HeartbeatRetain <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-s.params.HeartbeatRetain)
	return s.store.PruneHeartbeats(ctx, cutoff)
}

// Stats aggregates fleet counts, accumulated time, and energy waste,
// priced at the configured tariff.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	agg, err := s.store.FleetStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		TotalMachines:      agg.TotalMachines,
		Online:             agg.Online,
		Idle:               agg.Idle,
		Offline:            agg.Offline,
		TotalIdleSeconds:   agg.TotalIdleSeconds,
		TotalActiveSeconds: agg.TotalActiveSeconds,
		EnergyWastedKWH:    agg.EnergyWastedKWH,
		EnergyCost:         WasteCost(agg.EnergyWastedKWH, s.params.CostPerKWH),
		EstimatedDrawWatts: float64(agg.Online)*s.params.ActivePowerWatts + float64(agg.Idle)*s.params.IdlePowerWatts,
	}, nil
}
