package event

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names emitted by the orchestrator. Payloads are plain key/value
// maps so sinks can forward them without knowing engine internals.
const (
	InitiativeStarted   = "initiative_started"
	InitiativeCompleted = "initiative_completed"
	InitiativeFailed    = "initiative_failed"
	MilestoneReached    = "milestone_reached"
	ReplanTriggered     = "replan_triggered"
	ApprovalNeeded      = "approval_needed"
	CheckpointCreated   = "checkpoint_created"
	TaskStarted         = "task_started"
	TaskCompleted       = "task_completed"
	TaskFailed          = "task_failed"
	TaskPendingApproval = "task_pending_approval"
	TaskTimeout         = "task_timeout"
)

// Payload is the key/value body of one event
type Payload map[string]interface{}

// Observer receives events it subscribed to. Each registered observer
// is invoked at least once per event; order across observers is
// unspecified.
type Observer func(name string, payload Payload)

// Bus is a callback registry keyed by event name. It is the
// integration seam for notifications, UI updates, and the API layer.
type Bus struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	observers map[string][]Observer
	all       []Observer
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:    logger.Named("events"),
		observers: make(map[string][]Observer),
	}
}

// Subscribe registers an observer for one event name
func (b *Bus) Subscribe(name string, observer Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers[name] = append(b.observers[name], observer)
}

// SubscribeAll registers an observer for every event
func (b *Bus) SubscribeAll(observer Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, observer)
}

// Publish delivers an event to all matching observers synchronously.
// A nil payload is replaced with an empty one; a timestamp is stamped
// in if the caller did not set one.
func (b *Bus) Publish(name string, payload Payload) {
	if payload == nil {
		payload = Payload{}
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	b.mu.RLock()
	observers := append([]Observer(nil), b.observers[name]...)
	observers = append(observers, b.all...)
	b.mu.RUnlock()

	b.logger.Debug("Publishing event",
		zap.String("event", name),
		zap.Int("observers", len(observers)))

	for _, observer := range observers {
		observer(name, payload)
	}
}
