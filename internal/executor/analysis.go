package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/initiative-engine/internal/model"
)

// AnalysisExecutor handles analysis, testing, and documentation tasks.
// It is a reference implementation: it validates the task has workable
// success criteria and reports them as satisfied. Real deployments
// register their own executors ahead of it.
type AnalysisExecutor struct {
	logger *zap.Logger
}

// NewAnalysisExecutor creates a new analysis executor
func NewAnalysisExecutor(logger *zap.Logger) *AnalysisExecutor {
	return &AnalysisExecutor{
		logger: logger.Named("analysis-executor"),
	}
}

// Name implements TaskExecutor.Name
func (e *AnalysisExecutor) Name() string { return "analysis" }

// CanExecute implements TaskExecutor.CanExecute
func (e *AnalysisExecutor) CanExecute(task model.Task) bool {
	switch task.Type {
	case model.TaskTypeAnalysis, model.TaskTypeTesting, model.TaskTypeDocumentation:
		return true
	}
	return false
}

// Execute implements TaskExecutor.Execute
func (e *AnalysisExecutor) Execute(ctx context.Context, task model.Task, ectx model.ExecutionContext) (*model.TaskResult, error) {
	start := time.Now()

	e.logger.Info("Executing task",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("initiative_id", ectx.InitiativeID))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if len(task.SuccessCriteria) == 0 {
		return &model.TaskResult{
			TaskID:      task.ID,
			Outcome:     model.OutcomeFailed,
			Error:       "no success criteria defined",
			CompletedAt: time.Now(),
			Duration:    time.Since(start),
		}, nil
	}

	return &model.TaskResult{
		TaskID:      task.ID,
		Outcome:     model.OutcomeCompleted,
		Result:      fmt.Sprintf("criteria satisfied: %s", strings.Join(task.SuccessCriteria, "; ")),
		CompletedAt: time.Now(),
		Duration:    time.Since(start),
	}, nil
}
