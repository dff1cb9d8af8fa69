package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// LogPublisher writes events to the process log. It is the fallback when
// no event bus is configured.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{
		logger: log.Default(),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    eventSource,
	}

	eventBytes, _ := json.Marshal(event)
	p.logger.Printf("[EVENTS] PUBLISH %s: %s", topic, string(eventBytes))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
