package plan

import (
	"context"
	"errors"

	"github.com/t77yq/initiative-engine/internal/model"
)

// ErrDecomposition is returned when the decomposition collaborator fails.
// Graph construction and replanning propagate it without touching any
// existing graph.
var ErrDecomposition = errors.New("decomposition failed")

// Request carries the goal and surrounding context to decompose
type Request struct {
	Goal    string
	Context map[string]string
	OrgID   string
	Owner   string
}

// Result is the decomposition collaborator's output: a task list plus
// advisory planning data.
type Result struct {
	Tasks                  []model.Task
	ExecutionPhases        []string
	CriticalPath           []string
	TotalEstimatedHours    float64
	SuggestedTimelineWeeks int
	Risks                  []string
	Assumptions            []string
}

// Decomposer turns a goal into a task list. The engine treats it as an
// opaque collaborator; it may be LLM-backed or rule-based.
type Decomposer interface {
	Decompose(ctx context.Context, req Request) (*Result, error)
}
