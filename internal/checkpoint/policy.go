package checkpoint

import (
	"sync"
	"time"

	"github.com/t77yq/initiative-engine/internal/model"
)

// AutoPolicy decides when an automatic checkpoint is due. The policy is
// advisory: callers may checkpoint more or less often without breaking
// correctness, it only tunes recovery-window size against snapshot
// overhead.
type AutoPolicy struct {
	// Interval is the maximum time between automatic checkpoints
	Interval time.Duration

	mu            sync.Mutex
	lastAt        time.Time
	lastCompleted int
	lastPercent   float64
}

// NewAutoPolicy creates an auto-checkpoint policy with the given interval
func NewAutoPolicy(interval time.Duration) *AutoPolicy {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &AutoPolicy{Interval: interval}
}

// Needed reports whether an automatic checkpoint is due: no prior
// checkpoint, the interval elapsed, a multiple-of-5 completed-task
// milestone was crossed, or progress crossed a 25% boundary.
func (p *AutoPolicy) Needed(progress model.ProgressSummary) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastAt.IsZero() {
		return true
	}
	if time.Since(p.lastAt) >= p.Interval {
		return true
	}

	completed := progress.ByStatus[model.TaskStatusCompleted]
	if completed > p.lastCompleted && completed%5 == 0 {
		return true
	}
	if int(progress.PercentComplete/25) > int(p.lastPercent/25) {
		return true
	}
	return false
}

// MarkCheckpointed records that a checkpoint was just taken at the
// given progress point.
func (p *AutoPolicy) MarkCheckpointed(progress model.ProgressSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastAt = time.Now()
	p.lastCompleted = progress.ByStatus[model.TaskStatusCompleted]
	p.lastPercent = progress.PercentComplete
}
