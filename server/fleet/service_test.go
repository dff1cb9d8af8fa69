package fleet

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/idlewatch/idlewatch/server/store"
)

func testParams() Params {
	return Params{
		OfflineThreshold: 120 * time.Second,
		IdleThreshold:    300 * time.Second,
		CommandTTL:       5 * time.Minute,
		MaxIdleSeconds:   3600,
		IdlePowerWatts:   65,
		ActivePowerWatts: 120,
		CostPerKWH:       0.12,
		HeartbeatRetain:  24 * time.Hour,
	}
}

func newTestService(t *testing.T, p Params) *Service {
	t.Helper()
	return NewService(store.NewMemoryStore(), p)
}

func mustRegister(t *testing.T, svc *Service, mac string) *store.Machine {
	t.Helper()
	m, _, err := svc.RegisterMachine(context.Background(), Registration{
		MACAddress: mac,
		Hostname:   "host-" + mac,
		OSType:     "linux",
		OSVersion:  "ubuntu 22.04",
	})
	if err != nil {
		t.Fatalf("register %s: %v", mac, err)
	}
	return m
}

func TestRegisterMachine(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()

	m, created, err := svc.RegisterMachine(ctx, Registration{
		MACAddress: "  AA:BB:CC:DD:EE:01 ",
		Hostname:   "desk-042",
		OSType:     "linux",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !created {
		t.Error("first registration should create the machine")
	}
	if m.MACAddress != "aa:bb:cc:dd:ee:01" {
		t.Errorf("MAC not normalized: %q", m.MACAddress)
	}
	if m.Status != store.StatusOffline {
		t.Errorf("new machine status = %s, want offline", m.Status)
	}

	// Same MAC again: identity refresh, not a new row.
	m2, created, err := svc.RegisterMachine(ctx, Registration{
		MACAddress: "aa:bb:cc:dd:ee:01",
		Hostname:   "desk-042-renamed",
		OSType:     "linux",
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if created {
		t.Error("re-registration should not create a new machine")
	}
	if m2.ID != m.ID {
		t.Errorf("re-registration changed the ID: %d -> %d", m.ID, m2.ID)
	}
	if m2.Hostname != "desk-042-renamed" {
		t.Errorf("hostname not refreshed: %q", m2.Hostname)
	}
}

func TestRegisterMachineValidation(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()

	cases := []struct {
		name string
		reg  Registration
	}{
		{"missing mac", Registration{Hostname: "h"}},
		{"blank mac", Registration{MACAddress: "   ", Hostname: "h"}},
		{"oversized mac", Registration{MACAddress: strings.Repeat("a", 18), Hostname: "h"}},
		{"missing hostname", Registration{MACAddress: "aa:bb:cc:dd:ee:02"}},
	}
	for _, tc := range cases {
		if _, _, err := svc.RegisterMachine(ctx, tc.reg); KindOf(err) != KindValidation {
			t.Errorf("%s: got %v, want validation error", tc.name, err)
		}
	}
}

func TestRegisterMachineTruncatesFields(t *testing.T) {
	svc := newTestService(t, testParams())

	m, _, err := svc.RegisterMachine(context.Background(), Registration{
		MACAddress: "aa:bb:cc:dd:ee:03",
		Hostname:   strings.Repeat("h", 300),
		OSType:     strings.Repeat("o", 80),
		OSVersion:  strings.Repeat("v", 200),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(m.Hostname) != 255 {
		t.Errorf("hostname length = %d, want 255", len(m.Hostname))
	}
	if len(m.OSType) != 50 {
		t.Errorf("os_type length = %d, want 50", len(m.OSType))
	}
	if len(m.OSVersion) != 100 {
		t.Errorf("os_version length = %d, want 100", len(m.OSVersion))
	}
}

func TestIngestIdleAccumulation(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	m := mustRegister(t, svc, "aa:bb:cc:dd:ee:10")

	res, err := svc.Ingest(ctx, m.ID, HeartbeatInput{
		Timestamp:     clock,
		IdleSeconds:   400,
		CPUUsage:      2,
		MemoryUsage:   30,
		IsIdle:        true,
		UptimeSeconds: 86400,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Status != store.StatusIdle {
		t.Errorf("status = %s, want idle", res.Status)
	}
	if !res.Transitioned() {
		t.Error("expected offline -> idle transition")
	}

	got, err := svc.Machine(ctx, m.ID)
	if err != nil {
		t.Fatalf("get machine: %v", err)
	}
	if got.TotalIdleSeconds != 400 {
		t.Errorf("total_idle_seconds = %d, want 400", got.TotalIdleSeconds)
	}
	if got.TotalActiveSeconds != 0 {
		t.Errorf("idle heartbeat credited %d active seconds", got.TotalActiveSeconds)
	}
	wantKWH := 400.0 * 65 / 3_600_000
	if math.Abs(got.EnergyWastedKWH-wantKWH) > 1e-9 {
		t.Errorf("energy_wasted_kwh = %f, want %f", got.EnergyWastedKWH, wantKWH)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(clock) {
		t.Errorf("last_seen = %v, want %v", got.LastSeen, clock)
	}
	if got.UptimeSeconds != 86400 {
		t.Errorf("uptime_seconds = %d, want 86400", got.UptimeSeconds)
	}

	// Counters accumulate across reports.
	clock = clock.Add(60 * time.Second)
	if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{Timestamp: clock, IdleSeconds: 460, IsIdle: true}); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	got, _ = svc.Machine(ctx, m.ID)
	if got.TotalIdleSeconds != 860 {
		t.Errorf("total_idle_seconds after second beat = %d, want 860", got.TotalIdleSeconds)
	}
}

func TestIngestActiveGapAccrual(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	m := mustRegister(t, svc, "aa:bb:cc:dd:ee:11")

	// First report has no previous last_seen, so nothing to credit.
	if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{Timestamp: clock, CPUUsage: 45}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got, _ := svc.Machine(ctx, m.ID)
	if got.TotalActiveSeconds != 0 {
		t.Errorf("first beat credited %d active seconds, want 0", got.TotalActiveSeconds)
	}
	if got.Status != store.StatusOnline {
		t.Errorf("status = %s, want online", got.Status)
	}

	// A regular 60s cadence credits the gap.
	clock = clock.Add(60 * time.Second)
	if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{Timestamp: clock, CPUUsage: 45}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got, _ = svc.Machine(ctx, m.ID)
	if got.TotalActiveSeconds != 60 {
		t.Errorf("total_active_seconds = %d, want 60", got.TotalActiveSeconds)
	}

	// After a long silence only the tolerated window is credited, not the
	// whole gap.
	clock = clock.Add(10 * time.Minute)
	if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{Timestamp: clock, CPUUsage: 45}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got, _ = svc.Machine(ctx, m.ID)
	if got.TotalActiveSeconds != 180 {
		t.Errorf("total_active_seconds = %d, want 180 (60 + capped 120)", got.TotalActiveSeconds)
	}
	if got.EnergyWastedKWH != 0 {
		t.Errorf("active beats accrued %f kWh of waste", got.EnergyWastedKWH)
	}
}

func TestIngestDuplicateTimestamp(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	m := mustRegister(t, svc, "aa:bb:cc:dd:ee:12")

	in := HeartbeatInput{Timestamp: clock, IdleSeconds: 400, IsIdle: true}
	if _, err := svc.Ingest(ctx, m.ID, in); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res, err := svc.Ingest(ctx, m.ID, in)
	if err != nil {
		t.Fatalf("duplicate ingest: %v", err)
	}
	if !res.Duplicate {
		t.Error("redelivery not flagged as duplicate")
	}
	if res.Transitioned() {
		t.Error("duplicate must not count as a transition")
	}

	got, _ := svc.Machine(ctx, m.ID)
	if got.TotalIdleSeconds != 400 {
		t.Errorf("duplicate delivery double-counted: total_idle_seconds = %d", got.TotalIdleSeconds)
	}
}

func TestIngestMonotonicLastSeen(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	m := mustRegister(t, svc, "aa:bb:cc:dd:ee:13")

	if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{Timestamp: clock}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// A delayed report with an older timestamp still lands in history but
	// cannot move last_seen backwards.
	stale := clock.Add(-time.Hour)
	if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{Timestamp: stale, IdleSeconds: 100, IsIdle: true}); err != nil {
		t.Fatalf("stale ingest: %v", err)
	}

	got, _ := svc.Machine(ctx, m.ID)
	if got.LastSeen == nil || !got.LastSeen.Equal(clock) {
		t.Errorf("last_seen regressed to %v, want %v", got.LastSeen, clock)
	}
	if got.TotalIdleSeconds != 100 {
		t.Errorf("stale report not counted: total_idle_seconds = %d", got.TotalIdleSeconds)
	}
}

func TestIngestValidation(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()
	m := mustRegister(t, svc, "aa:bb:cc:dd:ee:14")

	cases := []struct {
		name string
		in   HeartbeatInput
	}{
		{"negative idle", HeartbeatInput{IdleSeconds: -1}},
		{"idle past cap", HeartbeatInput{IdleSeconds: 3601}},
		{"cpu too high", HeartbeatInput{CPUUsage: 150}},
		{"cpu negative", HeartbeatInput{CPUUsage: -1}},
		{"memory too high", HeartbeatInput{MemoryUsage: 101}},
		{"negative uptime", HeartbeatInput{UptimeSeconds: -5}},
	}
	for _, tc := range cases {
		if _, err := svc.Ingest(ctx, m.ID, tc.in); KindOf(err) != KindValidation {
			t.Errorf("%s: got %v, want validation error", tc.name, err)
		}
	}

	// Nothing above may have touched the machine.
	got, _ := svc.Machine(ctx, m.ID)
	if got.LastSeen != nil {
		t.Error("rejected heartbeats must not update last_seen")
	}
}

func TestIngestUnknownMachine(t *testing.T) {
	svc := newTestService(t, testParams())
	if _, err := svc.Ingest(context.Background(), 9999, HeartbeatInput{}); KindOf(err) != KindNotFound {
		t.Errorf("got %v, want not-found error", err)
	}
}

func TestMarkSilentOffline(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	m := mustRegister(t, svc, "aa:bb:cc:dd:ee:15")
	if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{Timestamp: clock, CPUUsage: 50}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Within the threshold nothing changes.
	clock = clock.Add(60 * time.Second)
	n, err := svc.MarkSilentOffline(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("premature demotion of %d machines", n)
	}

	// Past the threshold the machine goes offline; a second sweep is a
	// no-op.
	clock = clock.Add(5 * time.Minute)
	n, err = svc.MarkSilentOffline(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("marked %d machines offline, want 1", n)
	}
	got, _ := svc.Machine(ctx, m.ID)
	if got.Status != store.StatusOffline {
		t.Errorf("status = %s, want offline", got.Status)
	}

	n, _ = svc.MarkSilentOffline(ctx)
	if n != 0 {
		t.Errorf("second sweep re-marked %d machines", n)
	}
}

func TestCommandLifecycle(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()

	m := mustRegister(t, svc, "aa:bb:cc:dd:ee:20")
	if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{CPUUsage: 50}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	cmd, err := svc.EnqueueCommand(ctx, m.ID, store.CommandSleep, "admin")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if cmd.Status != store.CommandPending {
		t.Errorf("new command status = %s, want pending", cmd.Status)
	}
	if cmd.CreatedBy != "admin" {
		t.Errorf("created_by = %q, want admin", cmd.CreatedBy)
	}

	pending, err := svc.PendingCommands(ctx, m.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != cmd.ID {
		t.Fatalf("pending = %v, want the queued command", pending)
	}

	// Polling must not consume the command.
	pending, _ = svc.PendingCommands(ctx, m.ID)
	if len(pending) != 1 {
		t.Errorf("second poll returned %d commands, want 1", len(pending))
	}

	done, err := svc.ReportCommandResult(ctx, cmd.ID, m.ID, store.CommandExecuted, "suspended ok")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if done.Status != store.CommandExecuted {
		t.Errorf("status = %s, want executed", done.Status)
	}
	if done.ExecutedAt == nil {
		t.Error("executed_at not set")
	}
	if done.ResultMsg != "suspended ok" {
		t.Errorf("result_msg = %q", done.ResultMsg)
	}

	pending, _ = svc.PendingCommands(ctx, m.ID)
	if len(pending) != 0 {
		t.Errorf("completed command still pending")
	}

	// Duplicate report after an agent retry.
	if _, err := svc.ReportCommandResult(ctx, cmd.ID, m.ID, store.CommandFailed, "retry"); KindOf(err) != KindConflict {
		t.Errorf("second report: got %v, want conflict", err)
	}
	got, _ := svc.ReportCommandResult(ctx, cmd.ID, m.ID, store.CommandExecuted, "retry")
	if got != nil {
		t.Error("conflicting report must not return a command")
	}
}

func TestCommandValidation(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()

	online := mustRegister(t, svc, "aa:bb:cc:dd:ee:21")
	if _, err := svc.Ingest(ctx, online.ID, HeartbeatInput{CPUUsage: 50}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	offline := mustRegister(t, svc, "aa:bb:cc:dd:ee:22")

	if _, err := svc.EnqueueCommand(ctx, online.ID, "reboot", "admin"); KindOf(err) != KindValidation {
		t.Errorf("unsupported command: got %v, want validation error", err)
	}
	if _, err := svc.EnqueueCommand(ctx, 9999, store.CommandSleep, "admin"); KindOf(err) != KindNotFound {
		t.Errorf("unknown machine: got %v, want not-found error", err)
	}
	if _, err := svc.EnqueueCommand(ctx, offline.ID, store.CommandSleep, "admin"); KindOf(err) != KindOffline {
		t.Errorf("offline machine: got %v, want offline error", err)
	}

	cmd, err := svc.EnqueueCommand(ctx, online.ID, store.CommandShutdown, "admin")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := svc.ReportCommandResult(ctx, cmd.ID, online.ID, "done", ""); KindOf(err) != KindValidation {
		t.Errorf("bad result status: got %v, want validation error", err)
	}
	if _, err := svc.ReportCommandResult(ctx, 9999, online.ID, store.CommandExecuted, ""); KindOf(err) != KindNotFound {
		t.Errorf("unknown command: got %v, want not-found error", err)
	}
	// A machine can only settle its own commands.
	if _, err := svc.ReportCommandResult(ctx, cmd.ID, offline.ID, store.CommandExecuted, ""); KindOf(err) != KindNotFound {
		t.Errorf("foreign machine report: got %v, want not-found error", err)
	}

	// All those failures must have left the command untouched.
	pending, _ := svc.PendingCommands(ctx, online.ID)
	if len(pending) != 1 || pending[0].Status != store.CommandPending {
		t.Fatalf("command corrupted by rejected reports: %v", pending)
	}
}

func TestExpireStaleCommands(t *testing.T) {
	p := testParams()
	p.CommandTTL = 50 * time.Millisecond
	svc := newTestService(t, p)
	ctx := context.Background()

	m := mustRegister(t, svc, "aa:bb:cc:dd:ee:23")
	if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{CPUUsage: 50}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	cmd, err := svc.EnqueueCommand(ctx, m.ID, store.CommandSleep, "admin")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	n, err := svc.ExpireStaleCommands(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d commands, want 1", n)
	}

	pending, _ := svc.PendingCommands(ctx, m.ID)
	if len(pending) != 0 {
		t.Errorf("expired command still returned by poll")
	}

	// A late agent report loses to the sweep.
	if _, err := svc.ReportCommandResult(ctx, cmd.ID, m.ID, store.CommandExecuted, "late"); KindOf(err) != KindConflict {
		t.Errorf("late report: got %v, want conflict", err)
	}

	n, _ = svc.ExpireStaleCommands(ctx)
	if n != 0 {
		t.Errorf("second sweep expired %d commands, want 0", n)
	}
}

func TestMachineHeartbeatsWindow(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	m := mustRegister(t, svc, "aa:bb:cc:dd:ee:30")
	for _, ts := range []time.Time{
		clock.Add(-30 * time.Hour),
		clock.Add(-2 * time.Hour),
		clock.Add(-10 * time.Minute),
	} {
		if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{Timestamp: ts, CPUUsage: 50}); err != nil {
			t.Fatalf("ingest at %v: %v", ts, err)
		}
	}

	beats, err := svc.MachineHeartbeats(ctx, m.ID, 24)
	if err != nil {
		t.Fatalf("heartbeats: %v", err)
	}
	if len(beats) != 2 {
		t.Fatalf("24h window returned %d beats, want 2", len(beats))
	}
	if !beats[0].Timestamp.After(beats[1].Timestamp) {
		t.Error("heartbeats not ordered newest first")
	}

	// Zero falls back to the default day, oversized windows clamp to a week.
	beats, _ = svc.MachineHeartbeats(ctx, m.ID, 0)
	if len(beats) != 2 {
		t.Errorf("default window returned %d beats, want 2", len(beats))
	}
	beats, _ = svc.MachineHeartbeats(ctx, m.ID, 999)
	if len(beats) != 3 {
		t.Errorf("clamped window returned %d beats, want 3", len(beats))
	}

	if _, err := svc.MachineHeartbeats(ctx, 9999, 24); KindOf(err) != KindNotFound {
		t.Errorf("unknown machine: got %v, want not-found error", err)
	}
}

func TestRemoveMachine(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()

	m := mustRegister(t, svc, "aa:bb:cc:dd:ee:31")
	if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{CPUUsage: 50}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if err := svc.RemoveMachine(ctx, m.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.Machine(ctx, m.ID); KindOf(err) != KindNotFound {
		t.Errorf("deleted machine still readable: %v", err)
	}
	if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{}); KindOf(err) != KindNotFound {
		t.Errorf("deleted machine still accepts heartbeats: %v", err)
	}
	if err := svc.RemoveMachine(ctx, m.ID); KindOf(err) != KindNotFound {
		t.Errorf("double delete: got %v, want not-found error", err)
	}
}

func TestStats(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	idle := mustRegister(t, svc, "aa:bb:cc:dd:ee:40")
	mustRegister(t, svc, "aa:bb:cc:dd:ee:41") // stays offline

	if _, err := svc.Ingest(ctx, idle.ID, HeartbeatInput{Timestamp: clock, IdleSeconds: 400, IsIdle: true}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalMachines != 2 || stats.Idle != 1 || stats.Offline != 1 || stats.Online != 0 {
		t.Errorf("counts = %+v", stats)
	}
	if stats.TotalIdleSeconds != 400 {
		t.Errorf("total_idle_seconds = %d, want 400", stats.TotalIdleSeconds)
	}
	wantKWH := 400.0 * 65 / 3_600_000
	if math.Abs(stats.EnergyWastedKWH-wantKWH) > 1e-9 {
		t.Errorf("energy_wasted_kwh = %f, want %f", stats.EnergyWastedKWH, wantKWH)
	}
	if math.Abs(stats.EnergyCost-wantKWH*0.12) > 1e-9 {
		t.Errorf("energy_cost = %f, want %f", stats.EnergyCost, wantKWH*0.12)
	}
	// One idle machine at 65W, nobody online.
	if math.Abs(stats.EstimatedDrawWatts-65) > 1e-9 {
		t.Errorf("estimated_draw_watts = %f, want 65", stats.EstimatedDrawWatts)
	}
}

func TestPruneHeartbeats(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	m := mustRegister(t, svc, "aa:bb:cc:dd:ee:50")
	for _, ts := range []time.Time{clock.Add(-48 * time.Hour), clock.Add(-time.Hour)} {
		if _, err := svc.Ingest(ctx, m.ID, HeartbeatInput{Timestamp: ts, IdleSeconds: 100, IsIdle: true}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	n, err := svc.PruneHeartbeats(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}

	beats, _ := svc.MachineHeartbeats(ctx, m.ID, 168)
	if len(beats) != 1 {
		t.Errorf("%d beats left, want 1", len(beats))
	}

	// History pruning never touches the accumulated counters.
	got, _ := svc.Machine(ctx, m.ID)
	if got.TotalIdleSeconds != 200 {
		t.Errorf("prune changed counters: total_idle_seconds = %d", got.TotalIdleSeconds)
	}

	// Retention off means the prune is a no-op.
	p := testParams()
	p.HeartbeatRetain = 0
	svc2 := newTestService(t, p)
	if n, err := svc2.PruneHeartbeats(ctx); err != nil || n != 0 {
		t.Errorf("disabled prune returned (%d, %v)", n, err)
	}
}

func TestConcurrentHeartbeatsDistinctMachines(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()

	const n = 100
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		m := mustRegister(t, svc, fmt.Sprintf("aa:bb:cc:00:%02x:%02x", i/256, i%256))
		ids[i] = m.ID
	}

	var failures int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(id int64) {
			defer wg.Done()
			if _, err := svc.Ingest(ctx, id, HeartbeatInput{IdleSeconds: 60, IsIdle: true}); err != nil {
				atomic.AddInt64(&failures, 1)
			}
		}(ids[i])
	}
	wg.Wait()

	if failures != 0 {
		t.Fatalf("%d concurrent heartbeats failed", failures)
	}
	for _, id := range ids {
		m, err := svc.Machine(ctx, id)
		if err != nil {
			t.Fatalf("get machine %d: %v", id, err)
		}
		if m.TotalIdleSeconds != 60 {
			t.Errorf("machine %d total_idle_seconds = %d, want 60 (cross-machine leakage?)", id, m.TotalIdleSeconds)
		}
	}

	stats, _ := svc.Stats(ctx)
	if stats.TotalIdleSeconds != 60*n {
		t.Errorf("fleet total_idle_seconds = %d, want %d", stats.TotalIdleSeconds, 60*n)
	}
}

func TestConcurrentHeartbeatsSameMachine(t *testing.T) {
	svc := newTestService(t, testParams())
	ctx := context.Background()

	m := mustRegister(t, svc, "aa:bb:cc:dd:ee:60")
	base := time.Now().UTC().Truncate(time.Second)

	const n = 50
	var failures int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			in := HeartbeatInput{
				Timestamp:   base.Add(time.Duration(i) * time.Second),
				IdleSeconds: int64(i + 1),
				IsIdle:      true,
			}
			if _, err := svc.Ingest(ctx, m.ID, in); err != nil {
				atomic.AddInt64(&failures, 1)
			}
		}(i)
	}
	wg.Wait()

	if failures != 0 {
		t.Fatalf("%d concurrent heartbeats failed", failures)
	}

	// Sum of 1..50; any lost update breaks the exact total.
	got, _ := svc.Machine(ctx, m.ID)
	if want := int64(n * (n + 1) / 2); got.TotalIdleSeconds != want {
		t.Errorf("total_idle_seconds = %d, want %d", got.TotalIdleSeconds, want)
	}
}
