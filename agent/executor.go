package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"strings"
)

// Executor runs power commands on the local machine and reports the outcome.
type Executor struct {
	cfg    *Config
	client *client
}

func NewExecutor(cfg *Config, c *client) *Executor {
	return &Executor{cfg: cfg, client: c}
}

// Run executes one command and reports executed/failed back to the server.
// The report goes out after the dispatch so a spawn failure is recorded as
// failed; the platform tools below all return before the power state change
// lands, so the report has time to leave the machine.
func (e *Executor) Run(ctx context.Context, commandID int64, command string) {
	log.Printf("Executing command %d: %s", commandID, command)

	status := "executed"
	message := "command dispatched"

	if e.cfg.DryRun {
		message = "dry run, command skipped"
	} else if err := e.dispatch(ctx, command); err != nil {
		status = "failed"
		message = err.Error()
	}

	e.report(ctx, commandID, status, message)
}

func (e *Executor) dispatch(ctx context.Context, command string) error {
	args, err := powerCommand(command)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))
		}
		return err
	}
	return nil
}

// powerCommand maps a fleet command onto the platform's power tool. Shutdown
// variants are delayed so the result report gets off the machine first.
func powerCommand(command string) ([]string, error) {
	switch command {
	case "sleep":
		switch runtime.GOOS {
		case "linux":
			return []string{"systemctl", "suspend"}, nil
		case "darwin":
			return []string{"pmset", "sleepnow"}, nil
		case "windows":
			return []string{"rundll32.exe", "powrprof.dll,SetSuspendState", "0,1,0"}, nil
		}
	case "shutdown":
		switch runtime.GOOS {
		case "linux", "darwin":
			return []string{"shutdown", "-h", "+1"}, nil
		case "windows":
			return []string{"shutdown", "/s", "/t", "60"}, nil
		}
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
	return nil, fmt.Errorf("%s is not supported on %s", command, runtime.GOOS)
}

func (e *Executor) report(ctx context.Context, commandID int64, status, message string) {
	path := fmt.Sprintf("/api/agents/commands/%d/result", commandID)
	payload := map[string]any{
		"status":  status,
		"message": message,
	}

	err := e.client.postJSON(ctx, path, payload, nil)
	if errors.Is(err, errConflict) {
		// Already expired or reported; the server's answer stands.
		log.Printf("Command %d already settled on server", commandID)
		return
	}
	if err != nil {
		log.Printf("Failed to report result for command %d: %v", commandID, err)
		return
	}
	log.Printf("Command %d reported as %s", commandID, status)
}
