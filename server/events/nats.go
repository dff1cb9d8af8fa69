package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const subjectPrefix = "idlewatch."

// NATSPublisher fans events out over a NATS connection. Subjects are the
// event topics under the "idlewatch." prefix.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(eventSource),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
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

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.conn.Publish(subjectPrefix+topic, eventBytes)
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
