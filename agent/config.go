package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// Config holds the agent configuration and machine identity.
type Config struct {
	ServerURL  string
	StateDir   string
	MACAddress string
	Hostname   string
	OSType     string
	OSVersion  string

	Interval      time.Duration
	IdleCPU       float64 // CPU percent below which a sample counts as idle
	IdleThreshold int64   // seconds of continuous idle before is_idle flips
	MaxIdle       int64   // cap on reported idle_seconds
	DryRun        bool
}

// LoadConfig initializes the agent configuration from the environment and
// detects the machine identity (MAC, hostname, OS).
func LoadConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v", err)
		hostname = "unknown"
	}

	mac := os.Getenv("IDLEWATCH_MAC")
	if mac == "" {
		mac, err = detectMAC()
		if err != nil {
			log.Fatalf("Failed to detect MAC address: %v", err)
		}
	}

	osType := runtime.GOOS
	osVersion := ""
	if info, err := host.Info(); err == nil {
		osVersion = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	} else {
		log.Printf("Warning: could not read host info: %v", err)
	}

	stateDir := os.Getenv("IDLEWATCH_STATE_DIR")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get user home directory: %v", err)
		}
		stateDir = filepath.Join(home, ".idlewatch")
	}

	return &Config{
		ServerURL:     getEnv("IDLEWATCH_SERVER_URL", "http://localhost:8080"),
		StateDir:      stateDir,
		MACAddress:    strings.ToLower(mac),
		Hostname:      hostname,
		OSType:        osType,
		OSVersion:     osVersion,
		Interval:      time.Duration(getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 60)) * time.Second,
		IdleCPU:       getEnvFloat("IDLE_CPU_THRESHOLD", 10.0),
		IdleThreshold: int64(getEnvInt("IDLE_THRESHOLD_SECONDS", 300)),
		MaxIdle:       int64(getEnvInt("MAX_IDLE_SECONDS", 3600)),
		DryRun:        os.Getenv("DRY_RUN") == "true",
	}
}

func (c *Config) credentialsPath() string {
	return filepath.Join(c.StateDir, "credentials.json")
}

// detectMAC picks the hardware address of the first non-loopback interface.
// The MAC is the machine's stable identity across reinstalls, so agents on
// multi-homed hosts should pin one with IDLEWATCH_MAC.
func detectMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to list network interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", fmt.Errorf("no network interface with a hardware address found")
}

// credentials is the registration state persisted across restarts.
type credentials struct {
	MachineID int64  `json:"machine_id"`
	Token     string `json:"token"`
}

func loadCredentials(path string) (*credentials, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if creds.Token == "" {
		return nil, nil
	}
	return &creds, nil
}

func saveCredentials(path string, creds *credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to save credentials to %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
