package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by mutating operations whose target row does
// not exist. Read operations return (nil, nil) for a missing row instead.
var ErrNotFound = errors.New("store: not found")

// ApplyFunc computes the update a heartbeat applies to its machine. It
// runs while the machine row is locked, so the snapshot it receives
// cannot change underneath it. It must not retain the pointer.
type ApplyFunc func(m *Machine) (MachineDelta, error)

// Store is the persistence boundary for the fleet state engine.
// Implementations must serialize heartbeat application per machine and
// keep the heartbeat insert and counter update atomic.
type Store interface {
	// EnsureMachine registers a machine by MAC address. The first caller
	// wins; later calls update the identity fields and return the
	// existing row. The returned bool is true when a row was created.
	EnsureMachine(ctx context.Context, mac, hostname, osType, osVersion string) (*Machine, bool, error)

	GetMachine(ctx context.Context, id int64) (*Machine, error)
	GetMachineByMAC(ctx context.Context, mac string) (*Machine, error)

	// ListMachines filters by status (empty for all) and a case-insensitive
	// substring match on hostname, MAC, or OS type (empty for all).
	ListMachines(ctx context.Context, status, search string) ([]*Machine, error)

	// DeleteMachine removes a machine and, via cascade, its heartbeats,
	// tokens, and commands. Returns false when the machine does not exist.
	DeleteMachine(ctx context.Context, id int64) (bool, error)

	// ApplyHeartbeat records hb and applies the delta fn computes, as one
	// atomic unit. A duplicate (machine_id, timestamp) pair leaves the
	// machine untouched and reports Applied=false. Returns ErrNotFound
	// when the machine does not exist.
	ApplyHeartbeat(ctx context.Context, machineID int64, hb *Heartbeat, fn ApplyFunc) (*HeartbeatResult, error)

	// ListHeartbeats returns heartbeats at or after since, newest first.
	// A limit <= 0 means no limit.
	ListHeartbeats(ctx context.Context, machineID int64, since time.Time, limit int) ([]*Heartbeat, error)

	// PruneHeartbeats deletes heartbeat rows older than cutoff and returns
	// the number removed. Machine counters are unaffected.
	PruneHeartbeats(ctx context.Context, cutoff time.Time) (int64, error)

	// MarkSilentOffline demotes every non-offline machine whose last_seen
	// is before cutoff (or that never reported) and returns the count.
	MarkSilentOffline(ctx context.Context, cutoff time.Time) (int64, error)

	// RotateAgentToken revokes the machine's active tokens and stores a
	// new token hash in one transaction.
	RotateAgentToken(ctx context.Context, machineID int64, tokenHash string, expiresAt *time.Time) error

	FindAgentToken(ctx context.Context, tokenHash string) (*AgentToken, error)

	// CreateCommand persists cmd and fills its ID and CreatedAt.
	CreateCommand(ctx context.Context, cmd *MachineCommand) error

	GetCommand(ctx context.Context, id int64) (*MachineCommand, error)

	// PendingCommands returns the machine's pending commands oldest first.
	PendingCommands(ctx context.Context, machineID int64) ([]*MachineCommand, error)

	// CompleteCommand moves a pending command to a terminal status. The
	// transition only fires while the row is still pending and owned by
	// machineID; the return value is the number of rows updated (0 or 1).
	CompleteCommand(ctx context.Context, commandID, machineID int64, status string, executedAt time.Time, resultMsg string) (int64, error)

	// ExpireCommands marks pending commands created before cutoff as
	// expired and returns the count.
	ExpireCommands(ctx context.Context, cutoff time.Time) (int64, error)

	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error

	FleetStats(ctx context.Context) (*StatsAgg, error)

	Ping(ctx context.Context) error
	Close()
}
