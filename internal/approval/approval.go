package approval

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/initiative-engine/internal/model"
)

// Decision is one recorded approval decision
type Decision struct {
	TaskID    string                `json:"task_id"`
	Status    model.ApprovalStatus  `json:"status"`
	DecidedBy string                `json:"decided_by"`
	DecidedAt time.Time             `json:"decided_at"`
}

// Recorder stores approval decisions for tasks and replans. The
// scheduler and orchestrator only read decisions; collecting them
// (UI, chat, ticket comments) is someone else's job.
type Recorder interface {
	// Record stores a decision, overwriting any previous one for the task
	Record(taskID string, status model.ApprovalStatus, decidedBy string)

	// Get returns the decision for a task, if any
	Get(taskID string) (Decision, bool)
}

// MemoryRecorder is an in-process Recorder backed by a map
type MemoryRecorder struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	decisions map[string]Decision
}

// NewMemoryRecorder creates a new in-memory approval recorder
func NewMemoryRecorder(logger *zap.Logger) *MemoryRecorder {
	return &MemoryRecorder{
		logger:    logger.Named("approvals"),
		decisions: make(map[string]Decision),
	}
}

// Record implements Recorder.Record
func (r *MemoryRecorder) Record(taskID string, status model.ApprovalStatus, decidedBy string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.decisions[taskID] = Decision{
		TaskID:    taskID,
		Status:    status,
		DecidedBy: decidedBy,
		DecidedAt: time.Now(),
	}
	r.logger.Info("Approval decision recorded",
		zap.String("task_id", taskID),
		zap.String("status", string(status)),
		zap.String("decided_by", decidedBy))
}

// Get implements Recorder.Get
func (r *MemoryRecorder) Get(taskID string) (Decision, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decision, ok := r.decisions[taskID]
	return decision, ok
}
