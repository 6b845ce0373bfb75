package model

import (
	"time"
)

// TaskStatus represents the current status of a task within its graph
type TaskStatus string

const (
	TaskStatusPlanned    TaskStatus = "planned"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusSkipped    TaskStatus = "skipped"
)

// Terminal reports whether the status is final for this graph generation.
// A failed task can only be revived by a replan that resets it in a new graph.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	}
	return false
}

// TaskType classifies the kind of work a task represents
type TaskType string

const (
	TaskTypeAnalysis      TaskType = "analysis"
	TaskTypeDevelopment   TaskType = "development"
	TaskTypeTesting       TaskType = "testing"
	TaskTypeDeployment    TaskType = "deployment"
	TaskTypeDocumentation TaskType = "documentation"
	TaskTypeCoordination  TaskType = "coordination"
)

// TaskPriority represents the priority level of a task
type TaskPriority string

const (
	TaskPriorityCritical TaskPriority = "critical"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityLow      TaskPriority = "low"
)

// Rank returns the scheduling rank of a priority; lower runs first.
func (p TaskPriority) Rank() int {
	switch p {
	case TaskPriorityCritical:
		return 0
	case TaskPriorityHigh:
		return 1
	case TaskPriorityMedium:
		return 2
	case TaskPriorityLow:
		return 3
	}
	return 4
}

// ApprovalStatus records a human approval decision on a task
type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Task is the immutable definition of a unit of work. Tasks are created by
// the decomposition collaborator or the replanner and never mutated after a
// graph is built from them.
type Task struct {
	ID               string       `json:"id"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	Type             TaskType     `json:"type"`
	Priority         TaskPriority `json:"priority"`
	EstimatedHours   float64      `json:"estimated_hours"`
	Dependencies     []string     `json:"dependencies,omitempty"`
	ApprovalRequired bool         `json:"approval_required"`
	Approvers        []string     `json:"approvers,omitempty"`
	SuccessCriteria  []string     `json:"success_criteria,omitempty"`

	// Params carries executor-specific inputs, e.g. the container image
	// for a deployment task. Opaque to the graph and scheduler.
	Params map[string]string `json:"params,omitempty"`
}

// TaskNode is the mutable execution wrapper around one Task. It is owned
// exclusively by the TaskGraph that contains it and mutated only through the
// graph's transition methods.
type TaskNode struct {
	Task           Task           `json:"task"`
	Status         TaskStatus     `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Assignee       string         `json:"assignee,omitempty"`
	ExecutionLog   []string       `json:"execution_log,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status,omitempty"`
	Attempts       int            `json:"attempts,omitempty"`
}

// ExecutionEvent is one record of the graph's append-only execution history
type ExecutionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// TaskOutcome is the tri-state result of a single execution attempt
type TaskOutcome string

const (
	OutcomeCompleted       TaskOutcome = "completed"
	OutcomePendingApproval TaskOutcome = "pending_approval"
	OutcomeFailed          TaskOutcome = "failed"
)

// TaskResult represents the outcome of one executor invocation
type TaskResult struct {
	TaskID      string        `json:"task_id"`
	Outcome     TaskOutcome   `json:"outcome"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration,omitempty"`
}
