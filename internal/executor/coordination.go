package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/initiative-engine/internal/model"
)

// CoordinationExecutor handles coordination tasks. Small tasks with no
// named approvers auto-complete; everything else parks pending a human
// decision.
type CoordinationExecutor struct {
	logger *zap.Logger

	// AutoCompleteMaxHours bounds what counts as a simple coordination
	// task. Policy, not law.
	AutoCompleteMaxHours float64
}

// NewCoordinationExecutor creates a new coordination executor
func NewCoordinationExecutor(logger *zap.Logger) *CoordinationExecutor {
	return &CoordinationExecutor{
		logger:               logger.Named("coordination-executor"),
		AutoCompleteMaxHours: 1,
	}
}

// Name implements TaskExecutor.Name
func (e *CoordinationExecutor) Name() string { return "coordination" }

// CanExecute implements TaskExecutor.CanExecute
func (e *CoordinationExecutor) CanExecute(task model.Task) bool {
	return task.Type == model.TaskTypeCoordination
}

// Execute implements TaskExecutor.Execute
func (e *CoordinationExecutor) Execute(ctx context.Context, task model.Task, ectx model.ExecutionContext) (*model.TaskResult, error) {
	start := time.Now()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if len(task.Approvers) == 0 && task.EstimatedHours <= e.AutoCompleteMaxHours {
		e.logger.Info("Auto-completing simple coordination task",
			zap.String("task_id", task.ID))
		return &model.TaskResult{
			TaskID:      task.ID,
			Outcome:     model.OutcomeCompleted,
			Result:      "coordination completed automatically",
			CompletedAt: time.Now(),
			Duration:    time.Since(start),
		}, nil
	}

	e.logger.Info("Parking coordination task pending approval",
		zap.String("task_id", task.ID),
		zap.Strings("approvers", task.Approvers))

	return &model.TaskResult{
		TaskID:      task.ID,
		Outcome:     model.OutcomePendingApproval,
		Result:      fmt.Sprintf("awaiting decision from %d approver(s)", len(task.Approvers)),
		CompletedAt: time.Now(),
		Duration:    time.Since(start),
	}, nil
}
