package scheduler

import (
	"github.com/t77yq/initiative-engine/internal/model"
)

// AutoApprovePolicy decides which tasks count as low risk for automatic
// approval in semi-auto and autonomous modes. The thresholds are policy
// knobs, not a contract; deployments tune them via configuration.
type AutoApprovePolicy struct {
	// MaxEffortHours is the largest estimated effort still considered low risk
	MaxEffortHours float64

	// ExcludedTypes are task types that always need a human decision
	ExcludedTypes []model.TaskType

	// ExcludedPriorities are priorities that always need a human decision
	ExcludedPriorities []model.TaskPriority
}

// DefaultAutoApprovePolicy mirrors the conservative defaults: nothing
// critical, nothing that deploys or coordinates people, nothing big.
func DefaultAutoApprovePolicy() AutoApprovePolicy {
	return AutoApprovePolicy{
		MaxEffortHours:     4,
		ExcludedTypes:      []model.TaskType{model.TaskTypeDeployment, model.TaskTypeCoordination},
		ExcludedPriorities: []model.TaskPriority{model.TaskPriorityCritical},
	}
}

// LowRisk reports whether the task qualifies for automatic approval
func (p AutoApprovePolicy) LowRisk(task model.Task) bool {
	if task.EstimatedHours > p.MaxEffortHours {
		return false
	}
	for _, t := range p.ExcludedTypes {
		if task.Type == t {
			return false
		}
	}
	for _, prio := range p.ExcludedPriorities {
		if task.Priority == prio {
			return false
		}
	}
	return true
}
