package model

// ReplanTrigger identifies why a replan was requested
type ReplanTrigger string

const (
	ReplanTriggerTaskFailure      ReplanTrigger = "task_failure"
	ReplanTriggerStall            ReplanTrigger = "stall"
	ReplanTriggerSchedulePressure ReplanTrigger = "schedule_pressure"
	ReplanTriggerManualRequest    ReplanTrigger = "manual_request"
	ReplanTriggerScopeChange      ReplanTrigger = "scope_change"
)

// ReplanScope controls how much of the remaining plan is regenerated
type ReplanScope string

const (
	// ReplanScopeMinimal repairs the current graph in place: failed tasks
	// are reset for retry and stale blocking dependencies are dropped.
	ReplanScopeMinimal ReplanScope = "minimal"

	// ReplanScopePartial preserves completed and in-progress work and
	// regenerates only the remaining tasks.
	ReplanScopePartial ReplanScope = "partial"

	// ReplanScopeFull discards the remaining plan and re-decomposes from
	// the original goal enriched with lessons learned.
	ReplanScopeFull ReplanScope = "full"
)
