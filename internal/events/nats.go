package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Mirror republishes every bus event to NATS JetStream so external
// consumers (billing, dashboards) can follow the control plane without
// being wired into the process.
type Mirror struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// wireEvent is the JSON envelope published to NATS.
type wireEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMirror connects to NATS, ensures the event stream exists, and attaches
// itself to the bus.
func NewMirror(bus *Bus, natsURL string) (*Mirror, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     "EXECBOX_EVENTS",
		Subjects: []string{"execbox.events.>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		// Stream may already exist, that's OK
		log.Printf("events: NATS stream setup: %v", err)
	}

	m := &Mirror{nc: nc, js: js}
	bus.SubscribeAll(m.publish)
	return m, nil
}

func (m *Mirror) publish(_ context.Context, e Event) error {
	id := uuid.NewString()
	data, err := json.Marshal(wireEvent{
		ID:        id,
		Type:      e.Type(),
		Payload:   e,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.Type(), err)
	}
	msg := nats.NewMsg("execbox.events." + e.Type())
	msg.Header.Set(nats.MsgIdHdr, id)
	msg.Data = data
	if _, err := m.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains the NATS connection.
func (m *Mirror) Close() {
	m.nc.Close()
}
