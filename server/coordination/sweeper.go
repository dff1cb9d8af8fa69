package coordination

import (
	"context"
	"log"
	"time"

	"github.com/idlewatch/idlewatch/server/events"
	"github.com/idlewatch/idlewatch/server/fleet"
	"github.com/idlewatch/idlewatch/server/observability"
)

const sweepLockKey = "idlewatch:sweep"

// Sweeper periodically demotes silent machines, expires stale commands,
// and prunes old heartbeat history. Each pass is idempotent and can also
// be triggered on demand through the maintenance endpoint; the ticker
// just guarantees it happens.
type Sweeper struct {
	svc      *fleet.Service
	locker   Locker
	events   events.Publisher
	interval time.Duration
	ownerID  string
}

func NewSweeper(svc *fleet.Service, locker Locker, pub events.Publisher, interval time.Duration, ownerID string) *Sweeper {
	return &Sweeper{
		svc:      svc,
		locker:   locker,
		events:   pub,
		interval: interval,
		ownerID:  ownerID,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("Starting maintenance sweeper (Interval: %v, Owner: %s)", s.interval, s.ownerID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	held, err := s.locker.Acquire(ctx, sweepLockKey, s.ownerID, s.interval)
	if err != nil {
		log.Printf("Sweeper: failed to acquire sweep lock: %v", err)
		return
	}
	if !held {
		return
	}
	defer s.locker.Release(ctx, sweepLockKey, s.ownerID)

	start := time.Now()
	summary := events.SweepSummary{At: start.UTC()}

	if n, err := s.svc.MarkSilentOffline(ctx); err != nil {
		log.Printf("Sweeper: failed to mark silent machines offline: %v", err)
	} else {
		summary.MarkedOffline = n
		observability.SweepMarked.WithLabelValues("offline").Add(float64(n))
	}

	if n, err := s.svc.ExpireStaleCommands(ctx); err != nil {
		log.Printf("Sweeper: failed to expire stale commands: %v", err)
	} else {
		summary.ExpiredCommands = n
		observability.SweepMarked.WithLabelValues("commands").Add(float64(n))
		observability.CommandsTotal.WithLabelValues("expired").Add(float64(n))
	}

	if n, err := s.svc.PruneHeartbeats(ctx); err != nil {
		log.Printf("Sweeper: failed to prune heartbeats: %v", err)
	} else {
		summary.PrunedHeartbeats = n
		observability.SweepMarked.WithLabelValues("heartbeats").Add(float64(n))
	}

	observability.SweepDuration.WithLabelValues("full").Observe(time.Since(start).Seconds())

	if summary.MarkedOffline > 0 || summary.ExpiredCommands > 0 || summary.PrunedHeartbeats > 0 {
		log.Printf("Sweeper: marked %d offline, expired %d commands, pruned %d heartbeats",
			summary.MarkedOffline, summary.ExpiredCommands, summary.PrunedHeartbeats)
		if err := s.events.Publish(ctx, events.TopicSweep, summary); err != nil {
			observability.EventPublishFailures.Inc()
			log.Printf("Sweeper: failed to publish sweep summary: %v", err)
		}
	}
}
