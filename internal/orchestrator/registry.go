package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// Registry tracks the orchestrators running in this process and runs a
// periodic sweep that checkpoints every running initiative whose
// auto-checkpoint policy says one is due. Losing the process between
// sweeps loses at most one sweep interval of progress.
type Registry struct {
	logger *zap.Logger
	cron   *cron.Cron

	mu            sync.RWMutex
	orchestrators map[string]*Orchestrator

	sweepTimeout time.Duration
}

// NewRegistry creates a new orchestrator registry
func NewRegistry(logger *zap.Logger) *Registry {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger)),
	}

	return &Registry{
		logger:        logger.Named("registry"),
		cron:          cron.New(cronOptions...),
		orchestrators: make(map[string]*Orchestrator),
		sweepTimeout:  30 * time.Second,
	}
}

// Add registers an orchestrator under its initiative id
func (r *Registry) Add(o *Orchestrator) error {
	initiative := o.Initiative()
	if initiative == nil {
		return fmt.Errorf("orchestrator has no initiative; call Start first")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orchestrators[initiative.ID]; exists {
		return fmt.Errorf("initiative %s already registered", initiative.ID)
	}
	r.orchestrators[initiative.ID] = o

	r.logger.Info("Orchestrator registered",
		zap.String("initiative_id", initiative.ID),
		zap.String("title", initiative.Title))
	return nil
}

// Get returns the orchestrator for an initiative
func (r *Registry) Get(initiativeID string) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orchestrators[initiativeID]
	return o, ok
}

// Remove drops an orchestrator from the registry. The initiative record
// and its checkpoints stay in their stores.
func (r *Registry) Remove(initiativeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orchestrators, initiativeID)
	r.logger.Info("Orchestrator removed", zap.String("initiative_id", initiativeID))
}

// IDs returns the registered initiative ids
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.orchestrators))
	for id := range r.orchestrators {
		ids = append(ids, id)
	}
	return ids
}

// StartSweep schedules the periodic checkpoint sweep and starts the
// cron runner. The schedule uses the seconds-granularity cron format,
// e.g. "0 */5 * * * *" for every five minutes.
func (r *Registry) StartSweep(schedule string) error {
	_, err := r.cron.AddFunc(schedule, r.sweep)
	if err != nil {
		return fmt.Errorf("failed to schedule checkpoint sweep: %w", err)
	}
	r.cron.Start()

	r.logger.Info("Checkpoint sweep started", zap.String("schedule", schedule))
	return nil
}

// Sweep checkpoints every running initiative whose policy says one is
// due. Exposed for callers that want an immediate pass.
func (r *Registry) Sweep(ctx context.Context) {
	r.mu.RLock()
	orchestrators := make([]*Orchestrator, 0, len(r.orchestrators))
	for _, o := range r.orchestrators {
		orchestrators = append(orchestrators, o)
	}
	r.mu.RUnlock()

	for _, o := range orchestrators {
		o.CheckpointIfDue(ctx)
	}
}

func (r *Registry) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.sweepTimeout)
	defer cancel()
	r.Sweep(ctx)
}

// Close stops the cron runner and waits for a running sweep to finish
func (r *Registry) Close() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.logger.Info("Registry closed")
}
