package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// monitor samples the machine, tracks the idle streak, and ships heartbeats.
type monitor struct {
	cfg      *Config
	client   *client
	executor *Executor

	// Seconds of continuous low-CPU samples. Resets on activity.
	idleStreak int64
}

func newMonitor(cfg *Config, c *client) *monitor {
	return &monitor{
		cfg:      cfg,
		client:   c,
		executor: NewExecutor(cfg, c),
	}
}

// run blocks until the context is cancelled.
func (m *monitor) run(ctx context.Context) {
	// Jitter: random delay before first heartbeat to avoid thundering herd
	// after mass restart of agents
	jitter := time.Duration(rand.Int63n(int64(m.cfg.Interval)))
	log.Printf("First heartbeat in %s", jitter.Round(time.Second))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-ctx.Done():
			log.Println("Heartbeat loop stopping...")
			return
		}
	}
}

func (m *monitor) tick(ctx context.Context) {
	if err := m.sendHeartbeat(ctx); err != nil {
		if errors.Is(err, errUnauthorized) {
			// Token was rotated or revoked. Re-enroll and resume next tick.
			log.Println("Token rejected, re-registering...")
			registerWithBackoff(ctx, m.client, m.cfg)
			return
		}
		log.Printf("Heartbeat failed: %v", err)
		return
	}

	m.pollCommands(ctx)
}

func (m *monitor) sendHeartbeat(ctx context.Context) error {
	cpuPct := 0.0
	if samples, err := cpu.PercentWithContext(ctx, time.Second, false); err == nil && len(samples) > 0 {
		cpuPct = samples[0]
	} else if err != nil {
		log.Printf("Warning: could not sample CPU: %v", err)
	}

	memPct := 0.0
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPct = vm.UsedPercent
	} else {
		log.Printf("Warning: could not read memory: %v", err)
	}

	var uptime int64
	if up, err := host.UptimeWithContext(ctx); err == nil {
		uptime = int64(up)
	}

	// A sample below the CPU threshold extends the idle streak by one
	// interval; any activity resets it.
	if cpuPct < m.cfg.IdleCPU {
		m.idleStreak += int64(m.cfg.Interval / time.Second)
	} else {
		m.idleStreak = 0
	}

	reported := m.idleStreak
	if m.cfg.MaxIdle > 0 && reported > m.cfg.MaxIdle {
		reported = m.cfg.MaxIdle
	}
	isIdle := m.idleStreak >= m.cfg.IdleThreshold

	payload := map[string]any{
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"idle_seconds":   reported,
		"cpu_usage":      cpuPct,
		"memory_usage":   memPct,
		"is_idle":        isIdle,
		"uptime_seconds": uptime,
	}

	var out struct {
		Status    string `json:"status"`
		Duplicate bool   `json:"duplicate"`
	}
	if err := m.client.postJSON(ctx, "/api/agents/heartbeat", payload, &out); err != nil {
		return err
	}

	log.Printf("Heartbeat sent (cpu=%.1f%% idle_streak=%ds status=%s)", cpuPct, m.idleStreak, out.Status)
	return nil
}

func (m *monitor) pollCommands(ctx context.Context) {
	var out struct {
		Commands []struct {
			ID      int64  `json:"id"`
			Command string `json:"command"`
		} `json:"commands"`
	}
	if err := m.client.getJSON(ctx, "/api/agents/commands", &out); err != nil {
		log.Printf("Command poll failed: %v", err)
		return
	}

	for _, cmd := range out.Commands {
		m.executor.Run(ctx, cmd.ID, cmd.Command)
	}
}

// registerWithBackoff retries registration until it succeeds or the context
// is cancelled. On success the credentials are persisted for the next start.
func registerWithBackoff(ctx context.Context, c *client, cfg *Config) *credentials {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		creds, err := c.register(ctx, cfg)
		if err == nil {
			log.Printf("Registered as machine %d", creds.MachineID)
			if err := saveCredentials(cfg.credentialsPath(), creds); err != nil {
				log.Printf("Warning: could not persist credentials: %v", err)
			}
			return creds
		}

		log.Printf("Registration failed: %v. Retrying in %s...", err, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}

		// Exponential backoff with cap
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
