package event

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	eventStreamName    = "INITIATIVE_EVENTS"
	eventSubjectPrefix = "initiative.events."
)

// NATSPublisher forwards bus events to a JetStream stream so external
// systems (notification services, dashboards) can consume them. Register
// its Observe method on a Bus with SubscribeAll.
type NATSPublisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewNATSPublisher creates the publisher and ensures the event stream exists
func NewNATSPublisher(js nats.JetStreamContext, logger *zap.Logger) (*NATSPublisher, error) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     eventStreamName,
		Subjects: []string{eventSubjectPrefix + ">"},
		Storage:  nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("failed to create event stream: %w", err)
	}

	return &NATSPublisher{
		logger: logger.Named("nats-events"),
		js:     js,
	}, nil
}

// Observe publishes one event to its subject. Publish failures are
// logged, never propagated: event delivery must not disturb the
// execution loop.
func (p *NATSPublisher) Observe(name string, payload Payload) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal event payload",
			zap.String("event", name),
			zap.Error(err))
		return
	}

	if _, err := p.js.Publish(eventSubjectPrefix+name, data); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("event", name),
			zap.Error(err))
	}
}
