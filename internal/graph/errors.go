package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCyclicDependency is returned when the task list contains a dependency cycle
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrUnknownDependency is returned when a task depends on an ID outside the graph
	ErrUnknownDependency = errors.New("dependency references unknown task")

	// ErrDuplicateTask is returned when two task definitions share an ID
	ErrDuplicateTask = errors.New("duplicate task id")
)

// CycleError reports the cycle found during graph construction
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency detected: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCyclicDependency
}
