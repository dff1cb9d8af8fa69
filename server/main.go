package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/idlewatch/idlewatch/server/auth"
	"github.com/idlewatch/idlewatch/server/config"
	"github.com/idlewatch/idlewatch/server/coordination"
	"github.com/idlewatch/idlewatch/server/events"
	"github.com/idlewatch/idlewatch/server/fleet"
	"github.com/idlewatch/idlewatch/server/middleware"
	"github.com/idlewatch/idlewatch/server/observability"
	"github.com/idlewatch/idlewatch/server/store"
)

func nodeID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "node"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	if err := bootstrapAdmin(ctx, st, cfg); err != nil {
		log.Fatalf("Failed to bootstrap admin user: %v", err)
	}

	svc := fleet.NewService(st, fleet.Params{
		OfflineThreshold: cfg.OfflineThreshold,
		IdleThreshold:    cfg.IdleThreshold,
		CommandTTL:       cfg.CommandTTL,
		MaxIdleSeconds:   cfg.MaxIdleSeconds,
		IdlePowerWatts:   cfg.IdlePowerWatts,
		ActivePowerWatts: cfg.ActivePowerWatts,
		CostPerKWH:       cfg.CostPerKWH,
		HeartbeatRetain:  cfg.HeartbeatRetain,
	})

	var pub events.Publisher
	if cfg.NATSURL != "" {
		pub, err = events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatalf("Failed to connect event publisher: %v", err)
		}
		log.Printf("Publishing events to NATS at %s", cfg.NATSURL)
	} else {
		pub = events.NewLogPublisher()
	}
	defer pub.Close()

	// Redis gives us fleet-wide login throttling and the sweep lock. Without
	// it each node falls back to local state, which is fine for one node.
	var locker coordination.Locker = coordination.NoopLocker{}
	var loginWindow middleware.LoginWindow = middleware.NewMemoryWindow(cfg.LoginRateLimit, cfg.LoginRateWindow)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to ping Redis at %s: %v", cfg.RedisAddr, err)
		}
		locker = coordination.NewRedisLocker(rdb)
		loginWindow = middleware.NewRedisWindow(rdb, cfg.LoginRateLimit, cfg.LoginRateWindow)
		log.Printf("Coordinating via Redis at %s", cfg.RedisAddr)
	}

	api := NewAPI(st, svc, pub, loginWindow, cfg.SessionTTL)

	if cfg.SweepInterval > 0 {
		sweeper := coordination.NewSweeper(svc, locker, pub, cfg.SweepInterval, nodeID())
		sweeper.Start(ctx)
	} else {
		log.Println("Background sweeper disabled (SWEEP_INTERVAL_SECONDS=0)")
	}

	go runStatsCollector(ctx, svc)

	// Agent endpoints (token auth)
	http.Handle("/api/agents/register", http.HandlerFunc(api.handleRegister))
	http.Handle("/api/agents/heartbeat", middleware.AgentAuth(st, http.HandlerFunc(api.handleHeartbeat)))
	http.Handle("/api/agents/commands", middleware.AgentAuth(st, http.HandlerFunc(api.handleAgentCommands)))
	http.Handle("/api/agents/commands/", middleware.AgentAuth(st, http.HandlerFunc(api.handleCommandResult)))

	// Dashboard endpoints (session auth)
	http.Handle("/api/auth/login", http.HandlerFunc(api.handleLogin))
	http.Handle("/api/auth/verify", middleware.SessionAuth(http.HandlerFunc(api.handleVerify)))
	http.Handle("/api/auth/change-password", middleware.SessionAuth(http.HandlerFunc(api.handleChangePassword)))
	http.Handle("/api/machines", middleware.SessionAuth(http.HandlerFunc(api.handleMachines)))
	http.Handle("/api/machines/", middleware.SessionAuth(http.HandlerFunc(api.handleMachineRoutes)))
	http.Handle("/api/stats", middleware.SessionAuth(http.HandlerFunc(api.handleStats)))
	http.Handle("/api/maintenance/sweep", middleware.SessionAuth(http.HandlerFunc(api.handleSweep)))

	// Operational endpoints
	http.HandleFunc("/health", api.handleHealth)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/", api.handleRoot)

	handler := middleware.CORSMiddleware(middleware.RequestID(http.DefaultServeMux))

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("idlewatch server listening on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		log.Println("Using PostgreSQL store")
		return store.NewPostgresStore(ctx, cfg.DatabaseURL, int32(cfg.DBPoolSize))
	case cfg.SQLitePath != "":
		log.Printf("Using SQLite store at %s", cfg.SQLitePath)
		return store.NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		log.Println("WARNING: no DATABASE_URL or SQLITE_PATH set, using in-memory store (state is lost on restart)")
		return store.NewMemoryStore(), nil
	}
}

// bootstrapAdmin creates the dashboard login from ADMIN_USERNAME/ADMIN_PASSWORD
// on first start. An existing user is never overwritten, so rotating the env
// var does not rotate the password; use the change-password endpoint for that.
func bootstrapAdmin(ctx context.Context, st store.Store, cfg *config.Config) error {
	existing, err := st.GetUserByUsername(ctx, cfg.AdminUsername)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if cfg.AdminPassword == "" {
		log.Println("WARNING: ADMIN_PASSWORD not set and no admin user exists; dashboard login is unavailable")
		return nil
	}

	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	if _, err := st.CreateUser(ctx, cfg.AdminUsername, hash); err != nil {
		return err
	}
	log.Printf("Created admin user %q", cfg.AdminUsername)
	return nil
}

// runStatsCollector refreshes the fleet gauges on a timer so /metrics stays
// current even when nobody is hitting the stats endpoint.
func runStatsCollector(ctx context.Context, svc *fleet.Service) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := svc.Stats(ctx)
			if err != nil {
				log.Printf("Stats collector: %v", err)
				continue
			}
			observability.MachinesByStatus.WithLabelValues(store.StatusOnline).Set(float64(stats.Online))
			observability.MachinesByStatus.WithLabelValues(store.StatusIdle).Set(float64(stats.Idle))
			observability.MachinesByStatus.WithLabelValues(store.StatusOffline).Set(float64(stats.Offline))
			observability.EnergyWastedKWH.Set(stats.EnergyWastedKWH)
		}
	}
}
