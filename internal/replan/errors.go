package replan

import "errors"

var (
	// ErrBudgetExhausted is returned when the replan attempt budget for an
	// initiative is spent. The orchestrator reacts by moving the
	// initiative to blocked for manual intervention.
	ErrBudgetExhausted = errors.New("replan attempt budget exhausted")

	// ErrNoTrigger is returned when Replan is called but no trigger fired
	// and none was requested
	ErrNoTrigger = errors.New("no replan trigger")
)
