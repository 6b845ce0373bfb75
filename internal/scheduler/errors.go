package scheduler

import "errors"

var (
	// ErrNoExecutorFound is returned when no registered executor accepts a task
	ErrNoExecutorFound = errors.New("no executor found for task")

	// ErrGraphStalled is returned when no task is ready and none will become
	// ready without outside intervention (approval, replan)
	ErrGraphStalled = errors.New("execution stalled")
)
