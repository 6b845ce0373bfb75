package model

import (
	"time"
)

// CheckpointKind classifies why a checkpoint was taken
type CheckpointKind string

const (
	CheckpointAuto      CheckpointKind = "auto"
	CheckpointManual    CheckpointKind = "manual"
	CheckpointMilestone CheckpointKind = "milestone"
	CheckpointError     CheckpointKind = "error"
	CheckpointPause     CheckpointKind = "pause"
)

// ProgressSummary aggregates per-status counts for one graph
type ProgressSummary struct {
	Total           int                `json:"total"`
	ByStatus        map[TaskStatus]int `json:"by_status"`
	PercentComplete float64            `json:"percent_complete"`
	EstimatedHours  float64            `json:"estimated_hours"`
	CompletedHours  float64            `json:"completed_hours"`
}

// Checkpoint is an immutable, integrity-verified snapshot of execution
// state. The snapshot bytes never change after creation; only the Valid
// flag and the restore bookkeeping fields are mutable.
type Checkpoint struct {
	ID             string          `json:"id"`
	InitiativeID   string          `json:"initiative_id"`
	Kind           CheckpointKind  `json:"kind"`
	CreatedAt      time.Time       `json:"created_at"`
	CreatedBy      string          `json:"created_by"`
	Description    string          `json:"description"`
	Tags           []string        `json:"tags,omitempty"`
	Snapshot       []byte          `json:"snapshot"`
	Progress       ProgressSummary `json:"progress"`
	Hash           string          `json:"hash"`
	Valid          bool            `json:"valid"`
	RestoreCount   int             `json:"restore_count"`
	LastRestoredAt *time.Time      `json:"last_restored_at,omitempty"`
}
