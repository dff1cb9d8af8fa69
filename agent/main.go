package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	cfg := LoadConfig()
	log.Printf("idlewatch agent starting (host: %s, mac: %s, os: %s %s)",
		cfg.Hostname, cfg.MACAddress, cfg.OSType, cfg.OSVersion)
	if cfg.DryRun {
		log.Println("DRY_RUN enabled: power commands will be acknowledged but not executed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	c := newClient(cfg.ServerURL)

	creds, err := loadCredentials(cfg.credentialsPath())
	if err != nil {
		log.Printf("Warning: could not read saved credentials: %v", err)
	}
	if creds != nil {
		c.token = creds.Token
		log.Printf("Using saved credentials for machine %d", creds.MachineID)
	} else {
		if creds = registerWithBackoff(ctx, c, cfg); creds == nil {
			return
		}
	}

	mon := newMonitor(cfg, c)
	mon.run(ctx)

	log.Println("Agent stopped")
}
