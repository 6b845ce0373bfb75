package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/initiative-engine/internal/model"
)

// TaskExecutor is the capability contract for running one task. The
// scheduler asks CanExecute first and dispatches to the first executor
// that accepts; Execute must resolve every attempt to exactly one
// outcome (completed, pending approval, or failed).
type TaskExecutor interface {
	// Name identifies the executor in logs and results
	Name() string

	// CanExecute reports whether this executor handles the given task
	CanExecute(task model.Task) bool

	// Execute runs the task. A pending-approval outcome parks the task;
	// an error or failed outcome fails it.
	Execute(ctx context.Context, task model.Task, ectx model.ExecutionContext) (*model.TaskResult, error)
}

// Registry holds an ordered list of executors. Dispatch order is
// registration order, so more specific executors register first.
type Registry struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	executors []TaskExecutor
}

// NewRegistry creates an empty executor registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("executor-registry"),
	}
}

// Register appends an executor to the dispatch order
func (r *Registry) Register(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.executors = append(r.executors, executor)
	r.logger.Info("Executor registered",
		zap.String("executor", executor.Name()),
		zap.Int("position", len(r.executors)))
}

// FindFor returns the first executor whose capability predicate accepts
// the task.
func (r *Registry) FindFor(task model.Task) (TaskExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, executor := range r.executors {
		if executor.CanExecute(task) {
			return executor, true
		}
	}
	return nil, false
}

// Names returns the registered executor names in dispatch order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for _, executor := range r.executors {
		names = append(names, executor.Name())
	}
	return names
}
