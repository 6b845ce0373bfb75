package model

import (
	"time"
)

// InitiativeStatus represents the lifecycle state of an initiative
type InitiativeStatus string

const (
	InitiativeStatusPlanned    InitiativeStatus = "planned"
	InitiativeStatusInProgress InitiativeStatus = "in_progress"
	InitiativeStatusPaused     InitiativeStatus = "paused"
	InitiativeStatusBlocked    InitiativeStatus = "blocked"
	InitiativeStatusDone       InitiativeStatus = "done"
	InitiativeStatusCancelled  InitiativeStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s InitiativeStatus) Terminal() bool {
	return s == InitiativeStatusDone || s == InitiativeStatusCancelled
}

// CanTransition reports whether the lifecycle state machine permits
// moving from s to the target status.
func (s InitiativeStatus) CanTransition(to InitiativeStatus) bool {
	if to == InitiativeStatusCancelled {
		return !s.Terminal()
	}
	switch s {
	case InitiativeStatusPlanned:
		return to == InitiativeStatusInProgress
	case InitiativeStatusInProgress:
		return to == InitiativeStatusPaused ||
			to == InitiativeStatusBlocked ||
			to == InitiativeStatusDone
	case InitiativeStatusPaused, InitiativeStatusBlocked:
		return to == InitiativeStatusInProgress
	}
	return false
}

// ExecutionMode controls how much autonomy the scheduler has
type ExecutionMode string

const (
	ExecutionModeManual     ExecutionMode = "manual"
	ExecutionModeSemiAuto   ExecutionMode = "semi_auto"
	ExecutionModeAutonomous ExecutionMode = "autonomous"
)

// ExecutionContext is the plain configuration governing one execution
// attempt. It is copied into every checkpoint alongside the graph.
type ExecutionContext struct {
	InitiativeID       string        `json:"initiative_id"`
	PlanID             string        `json:"plan_id"`
	OrgID              string        `json:"org_id"`
	Owner              string        `json:"owner"`
	Mode               ExecutionMode `json:"mode"`
	AutoApproveLowRisk bool          `json:"auto_approve_low_risk"`
	MaxParallelTasks   int           `json:"max_parallel_tasks"`
	ExecutionTimeout   time.Duration `json:"execution_timeout"`
	RetryFailedTasks   bool          `json:"retry_failed_tasks"`
	MaxRetries         int           `json:"max_retries"`
}

// Initiative is one long-horizon goal-pursuit unit tracked end-to-end.
// Initiatives are never deleted; cancelled ones remain queryable.
type Initiative struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Goal          string            `json:"goal"`
	Status        InitiativeStatus  `json:"status"`
	PlanID        string            `json:"plan_id"`
	CheckpointIDs []string          `json:"checkpoint_ids,omitempty"`
	Owner         string            `json:"owner"`
	OrgID         string            `json:"org_id"`
	TicketKey     string            `json:"ticket_key,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
