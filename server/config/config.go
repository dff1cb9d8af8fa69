package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the server configuration. Everything comes from the
// environment; unset numeric values fall back to the defaults below.
type Config struct {
	ListenAddr string

	// DatabaseURL selects postgres. SQLitePath selects the embedded
	// store. When both are empty the server runs on the in-memory store.
	DatabaseURL string
	SQLitePath  string
	DBPoolSize  int

	RedisAddr string
	NATSURL   string

	AdminUsername string
	AdminPassword string
	SessionTTL    time.Duration

	OfflineThreshold time.Duration
	IdleThreshold    time.Duration
	CommandTTL       time.Duration
	SweepInterval    time.Duration
	MaxIdleSeconds   int64
	HeartbeatRetain  time.Duration

	IdlePowerWatts   float64
	ActivePowerWatts float64
	CostPerKWH       float64

	LoginRateLimit  int
	LoginRateWindow time.Duration
}

// Load reads the environment. Malformed numeric values are ignored in
// favor of the default, matching how the rest of the fleet tooling treats
// its env.
func Load() *Config {
	return &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),
		DBPoolSize:  getEnvInt("DB_POOL_SIZE", 20),

		RedisAddr: os.Getenv("REDIS_ADDR"),
		NATSURL:   os.Getenv("NATS_URL"),

		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
		SessionTTL:    time.Duration(getEnvInt("JWT_EXPIRATION_HOURS", 24)) * time.Hour,

		OfflineThreshold: getEnvSeconds("HEARTBEAT_TIMEOUT_SECONDS", 180),
		IdleThreshold:    getEnvSeconds("IDLE_THRESHOLD_SECONDS", 300),
		CommandTTL:       getEnvSeconds("COMMAND_TTL_SECONDS", 300),
		SweepInterval:    getEnvSeconds("SWEEP_INTERVAL_SECONDS", 60),
		MaxIdleSeconds:   int64(getEnvInt("HEARTBEAT_MAX_IDLE_SECONDS", 3600)),
		HeartbeatRetain:  time.Duration(getEnvInt("HEARTBEAT_RETAIN_DAYS", 30)) * 24 * time.Hour,

		IdlePowerWatts:   getEnvFloat("IDLE_POWER_WATTS", 65),
		ActivePowerWatts: getEnvFloat("ACTIVE_POWER_WATTS", 120),
		CostPerKWH:       getEnvFloat("ELECTRICITY_COST_PER_KWH", 0.12),

		LoginRateLimit:  getEnvInt("LOGIN_RATE_LIMIT", 5),
		LoginRateWindow: getEnvSeconds("LOGIN_RATE_WINDOW_SECONDS", 900),
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.OfflineThreshold <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT_SECONDS must be positive")
	}
	if c.IdleThreshold <= 0 {
		return fmt.Errorf("IDLE_THRESHOLD_SECONDS must be positive")
	}
	if c.CommandTTL <= 0 {
		return fmt.Errorf("COMMAND_TTL_SECONDS must be positive")
	}
	if c.DBPoolSize <= 0 {
		return fmt.Errorf("DB_POOL_SIZE must be positive")
	}
	if c.IdlePowerWatts < 0 || c.ActivePowerWatts < 0 {
		return fmt.Errorf("power draw watts must be non-negative")
	}
	if c.CostPerKWH < 0 {
		return fmt.Errorf("ELECTRICITY_COST_PER_KWH must be non-negative")
	}
	if c.LoginRateLimit <= 0 || c.LoginRateWindow <= 0 {
		return fmt.Errorf("login rate limit and window must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("JWT_EXPIRATION_HOURS must be positive")
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

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
