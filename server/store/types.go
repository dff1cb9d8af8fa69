package store

import "time"

// Machine status values. A machine is online while heartbeats arrive,
// idle once the agent reports sustained inactivity, and offline after
// the silence threshold passes.
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusOffline = "offline"
)

// Supported remote commands.
const (
	CommandSleep    = "sleep"
	CommandShutdown = "shutdown"
)

// Command lifecycle states.
const (
	CommandPending  = "pending"
	CommandExecuted = "executed"
	CommandFailed   = "failed"
	CommandExpired  = "expired"
)

// Machine is a registered fleet member keyed by MAC address.
type Machine struct {
	ID                 int64      `json:"id" db:"id"`
	MACAddress         string     `json:"mac_address" db:"mac_address"`
	Hostname           string     `json:"hostname" db:"hostname"`
	OSType             string     `json:"os_type" db:"os_type"`
	OSVersion          string     `json:"os_version" db:"os_version"`
	Status             string     `json:"status" db:"status"`
	LastSeen           *time.Time `json:"last_seen" db:"last_seen"`
	UptimeSeconds      int64      `json:"uptime_seconds" db:"uptime_seconds"`
	TotalIdleSeconds   int64      `json:"total_idle_seconds" db:"total_idle_seconds"`
	TotalActiveSeconds int64      `json:"total_active_seconds" db:"total_active_seconds"`
	EnergyWastedKWH    float64    `json:"energy_wasted_kwh" db:"energy_wasted_kwh"`
	FirstSeen          time.Time  `json:"first_seen" db:"first_seen"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// Heartbeat is a single agent report. The (MachineID, Timestamp) pair is
// unique, which makes retried deliveries idempotent.
type Heartbeat struct {
	ID          int64     `json:"id" db:"id"`
	MachineID   int64     `json:"machine_id" db:"machine_id"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	IdleSeconds int64     `json:"idle_seconds" db:"idle_seconds"`
	CPUUsage    float64   `json:"cpu_usage" db:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage" db:"memory_usage"`
	IsIdle      bool      `json:"is_idle" db:"is_idle"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// MachineDelta is the set of updates a heartbeat applies to its machine
// row. Counter fields are additive; the rest overwrite.
type MachineDelta struct {
	IdleSeconds   int64
	ActiveSeconds int64
	EnergyKWH     float64
	UptimeSeconds int64
	SeenAt        time.Time
	Status        string
}

// HeartbeatResult reports what ApplyHeartbeat did. Applied is false when
// the heartbeat was a duplicate and the machine row was left untouched.
type HeartbeatResult struct {
	Applied    bool
	PrevStatus string
	NewStatus  string
}

// AgentToken is a credential issued at registration. Only the SHA-256 hex
// of the token is stored; re-registration revokes prior tokens.
type AgentToken struct {
	ID        int64      `json:"id" db:"id"`
	MachineID int64      `json:"machine_id" db:"machine_id"`
	TokenHash string     `json:"-" db:"token_hash"`
	IssuedAt  time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at" db:"expires_at"`
	Revoked   bool       `json:"revoked" db:"revoked"`
}

// MachineCommand is a queued power action for one machine.
type MachineCommand struct {
	ID         int64      `json:"id" db:"id"`
	MachineID  int64      `json:"machine_id" db:"machine_id"`
	Command    string     `json:"command" db:"command"`
	Status     string     `json:"status" db:"status"`
	CreatedBy  string     `json:"created_by" db:"created_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ExecutedAt *time.Time `json:"executed_at" db:"executed_at"`
	ResultMsg  string     `json:"result_msg" db:"result_msg"`
}

// User is a dashboard login.
type User struct {
	ID           int64     `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// StatsAgg is the fleet-wide aggregate a single stats query returns.
type StatsAgg struct {
	TotalMachines      int64   `json:"total_machines"`
	Online             int64   `json:"online"`
	Idle               int64   `json:"idle"`
	Offline            int64   `json:"offline"`
	TotalIdleSeconds   int64   `json:"total_idle_seconds"`
	TotalActiveSeconds int64   `json:"total_active_seconds"`
	EnergyWastedKWH    float64 `json:"energy_wasted_kwh"`
}
