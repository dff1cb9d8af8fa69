package events

import (
	"context"
	"time"
)

// Topics published by the server.
const (
	TopicMachineStatus  = "machine.status"
	TopicCommandCreated = "command.created"
	TopicCommandResult  = "command.result"
	TopicSweep          = "sweep.completed"
)

const eventSource = "idlewatch-server"

// Event is the envelope written to the bus.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher fans state changes out to interested consumers. Publishing is
// best effort; the fleet state itself never depends on it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

// StatusChange reports a machine moving between online, idle, and
// offline.
type StatusChange struct {
	MachineID int64     `json:"machine_id"`
	Hostname  string    `json:"hostname,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	At        time.Time `json:"at"`
}

// CommandEvent reports a command lifecycle step.
type CommandEvent struct {
	CommandID int64     `json:"command_id"`
	MachineID int64     `json:"machine_id"`
	Command   string    `json:"command"`
	Status    string    `json:"status"`
	By        string    `json:"by,omitempty"`
	At        time.Time `json:"at"`
}

// SweepSummary reports what one maintenance pass changed.
type SweepSummary struct {
	MarkedOffline    int64     `json:"marked_offline"`
	ExpiredCommands  int64     `json:"expired_commands"`
	PrunedHeartbeats int64     `json:"pruned_heartbeats"`
	At               time.Time `json:"at"`
}
