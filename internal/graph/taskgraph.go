package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/initiative-engine/internal/model"
)

// TaskGraph owns the task nodes and dependency edges for one execution
// attempt. The edge set is a DAG, enforced at construction and never
// relaxed afterward. All node mutation goes through the transition
// methods; nodes are never handed out by reference.
type TaskGraph struct {
	mu      sync.RWMutex
	nodes   map[string]*model.TaskNode
	order   []string            // insertion order, used for tie-breaking
	deps    map[string][]string // task ID -> dependency IDs
	history []model.ExecutionEvent
}

// New builds a graph from immutable task definitions. It validates that
// IDs are unique, that every dependency references a task in the same
// list, and that the dependency edges form no cycle.
func New(tasks []model.Task) (*TaskGraph, error) {
	g := &TaskGraph{
		nodes: make(map[string]*model.TaskNode, len(tasks)),
		deps:  make(map[string][]string, len(tasks)),
	}

	for _, task := range tasks {
		if _, exists := g.nodes[task.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		g.nodes[task.ID] = &model.TaskNode{
			Task:   task,
			Status: model.TaskStatusPlanned,
		}
		g.order = append(g.order, task.ID)
		g.deps[task.ID] = append([]string(nil), task.Dependencies...)
	}

	for id, deps := range g.deps {
		for _, dep := range deps {
			if _, exists := g.nodes[dep]; !exists {
				return nil, fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, id, dep)
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	return g, nil
}

// findCycle runs a DFS with recursion-stack marking over the dependency
// edges and returns the first cycle found, or nil.
func (g *TaskGraph) findCycle() []string {
	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, dep := range g.deps[id] {
			if onStack[dep] {
				// Slice the stack from the first occurrence of dep to
				// report the cycle itself, closed on the repeated node.
				for i, v := range stack {
					if v == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			}
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range g.order {
		if !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ReadyTasks returns, in execution order, all tasks whose status is
// planned and whose dependencies have all completed, transitioning them
// to ready. The frontier is recomputed from scratch on every call rather
// than maintained incrementally, which keeps it correct across replans.
// Ordering: priority rank, then insertion order.
func (g *TaskGraph) ReadyTasks() []model.TaskNode {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []string
	for _, id := range g.order {
		node := g.nodes[id]
		if node.Status != model.TaskStatusPlanned {
			if node.Status == model.TaskStatusReady {
				ready = append(ready, id)
			}
			continue
		}
		if g.depsCompleted(id) {
			node.Status = model.TaskStatusReady
			g.record(id, "ready", "all dependencies completed")
			ready = append(ready, id)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return g.nodes[ready[i]].Task.Priority.Rank() < g.nodes[ready[j]].Task.Priority.Rank()
	})

	out := make([]model.TaskNode, 0, len(ready))
	for _, id := range ready {
		out = append(out, copyNode(g.nodes[id]))
	}
	return out
}

func (g *TaskGraph) depsCompleted(id string) bool {
	for _, dep := range g.deps[id] {
		if g.nodes[dep].Status != model.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Start transitions a ready task to in_progress. Illegal transitions
// return false so callers can probe safely.
func (g *TaskGraph) Start(id, assignee string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok || node.Status != model.TaskStatusReady {
		return false
	}
	now := time.Now()
	node.Status = model.TaskStatusInProgress
	node.StartedAt = &now
	node.Assignee = assignee
	node.Attempts++
	g.record(id, "started", fmt.Sprintf("assignee=%s attempt=%d", assignee, node.Attempts))
	return true
}

// Complete transitions an in_progress task to completed.
func (g *TaskGraph) Complete(id, detail string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok || node.Status != model.TaskStatusInProgress {
		return false
	}
	now := time.Now()
	node.Status = model.TaskStatusCompleted
	node.CompletedAt = &now
	g.record(id, "completed", detail)
	return true
}

// Fail transitions an in_progress or ready task to failed, recording the reason.
func (g *TaskGraph) Fail(id, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok || (node.Status != model.TaskStatusInProgress && node.Status != model.TaskStatusReady) {
		return false
	}
	now := time.Now()
	node.Status = model.TaskStatusFailed
	node.CompletedAt = &now
	node.FailureReason = reason
	g.record(id, "failed", reason)
	return true
}

// Block parks a ready or in_progress task, typically pending approval.
func (g *TaskGraph) Block(id, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok || (node.Status != model.TaskStatusReady && node.Status != model.TaskStatusInProgress) {
		return false
	}
	node.Status = model.TaskStatusBlocked
	g.record(id, "blocked", reason)
	return true
}

// Unblock returns a blocked task to ready once the blocking condition clears.
func (g *TaskGraph) Unblock(id, detail string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok || node.Status != model.TaskStatusBlocked {
		return false
	}
	node.Status = model.TaskStatusReady
	g.record(id, "unblocked", detail)
	return true
}

// Skip marks a planned, ready, or blocked task as skipped.
func (g *TaskGraph) Skip(id, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return false
	}
	switch node.Status {
	case model.TaskStatusPlanned, model.TaskStatusReady, model.TaskStatusBlocked:
	default:
		return false
	}
	node.Status = model.TaskStatusSkipped
	g.record(id, "skipped", reason)
	return true
}

// Retry resets a failed task to planned for another in-graph attempt.
func (g *TaskGraph) Retry(id, detail string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok || node.Status != model.TaskStatusFailed {
		return false
	}
	node.Status = model.TaskStatusPlanned
	node.StartedAt = nil
	node.CompletedAt = nil
	node.FailureReason = ""
	g.record(id, "retry", detail)
	return true
}

// SetApproval records an approval decision on a task. Approving a task
// blocked pending approval returns it to ready.
func (g *TaskGraph) SetApproval(id string, status model.ApprovalStatus) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok || node.Status.Terminal() {
		return false
	}
	node.ApprovalStatus = status
	g.record(id, "approval", string(status))
	if status == model.ApprovalApproved && node.Status == model.TaskStatusBlocked {
		node.Status = model.TaskStatusReady
		g.record(id, "unblocked", "approval granted")
	}
	return true
}

// CanExecute is the single predicate the scheduler consults before
// starting a task: not terminal, all dependencies completed, and (when
// approval is required) an approved decision on record. The returned
// string is a human-readable reason when the answer is no.
func (g *TaskGraph) CanExecute(id string) (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return false, "task not found"
	}
	if node.Status.Terminal() {
		return false, fmt.Sprintf("task is %s", node.Status)
	}
	if node.Status == model.TaskStatusInProgress {
		return false, "task already in progress"
	}
	for _, dep := range g.deps[id] {
		if g.nodes[dep].Status != model.TaskStatusCompleted {
			return false, fmt.Sprintf("dependency %s not completed", dep)
		}
	}
	if node.Task.ApprovalRequired {
		switch node.ApprovalStatus {
		case model.ApprovalApproved:
		case model.ApprovalRejected:
			return false, "approval rejected"
		default:
			return false, "requires approval"
		}
	}
	return true, ""
}

// AppendLog appends one line to a task's execution log.
func (g *TaskGraph) AppendLog(id, line string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return false
	}
	node.ExecutionLog = append(node.ExecutionLog, line)
	return true
}

// Node returns a copy of one node.
func (g *TaskGraph) Node(id string) (model.TaskNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return model.TaskNode{}, false
	}
	return copyNode(node), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *TaskGraph) Nodes() []model.TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]model.TaskNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, copyNode(g.nodes[id]))
	}
	return out
}

// Tasks returns the immutable task definitions in insertion order.
func (g *TaskGraph) Tasks() []model.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]model.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].Task)
	}
	return out
}

// History returns a copy of the append-only execution history.
func (g *TaskGraph) History() []model.ExecutionEvent {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return append([]model.ExecutionEvent(nil), g.history...)
}

// Len returns the number of tasks in the graph.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// AllTerminal reports whether every node has reached a terminal status.
func (g *TaskGraph) AllTerminal() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, node := range g.nodes {
		if !node.Status.Terminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the graph, including node state and
// history. Used by the checkpoint store and the replanner so the live
// graph is never read mid-mutation.
func (g *TaskGraph) Clone() *TaskGraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	clone := &TaskGraph{
		nodes:   make(map[string]*model.TaskNode, len(g.nodes)),
		order:   append([]string(nil), g.order...),
		deps:    make(map[string][]string, len(g.deps)),
		history: append([]model.ExecutionEvent(nil), g.history...),
	}
	for id, node := range g.nodes {
		copied := copyNode(node)
		clone.nodes[id] = &copied
	}
	for id, deps := range g.deps {
		clone.deps[id] = append([]string(nil), deps...)
	}
	return clone
}

// RestoreNodeState overwrites one node's mutable state. Used when
// rebuilding a graph from a checkpoint snapshot or carrying preserved
// work forward across a replan; never called by the scheduler.
func (g *TaskGraph) RestoreNodeState(id string, state model.TaskNode) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return false
	}
	task := node.Task
	restored := copyNode(&state)
	*node = restored
	node.Task = task
	return true
}

// RestoreHistory replaces the execution history wholesale. Only the
// checkpoint restore path uses this.
func (g *TaskGraph) RestoreHistory(events []model.ExecutionEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append([]model.ExecutionEvent(nil), events...)
}

// DropDependency removes one dependency edge. The replanner uses this
// for minimal-scope repairs on long-blocked tasks; removing an edge can
// never introduce a cycle.
func (g *TaskGraph) DropDependency(id, dep string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	deps, ok := g.deps[id]
	if !ok {
		return false
	}
	for i, d := range deps {
		if d == dep {
			g.deps[id] = append(deps[:i:i], deps[i+1:]...)
			g.record(id, "dependency_dropped", dep)
			return true
		}
	}
	return false
}

// Dependencies returns a copy of one task's dependency list.
func (g *TaskGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.deps[id]...)
}

// record appends one execution-history event. Callers hold g.mu.
func (g *TaskGraph) record(taskID, kind, detail string) {
	g.history = append(g.history, model.ExecutionEvent{
		Timestamp: time.Now(),
		TaskID:    taskID,
		Kind:      kind,
		Detail:    detail,
	})
	if node, ok := g.nodes[taskID]; ok {
		node.ExecutionLog = append(node.ExecutionLog, fmt.Sprintf("%s: %s", kind, detail))
	}
}

func copyNode(node *model.TaskNode) model.TaskNode {
	copied := *node
	if node.StartedAt != nil {
		t := *node.StartedAt
		copied.StartedAt = &t
	}
	if node.CompletedAt != nil {
		t := *node.CompletedAt
		copied.CompletedAt = &t
	}
	copied.ExecutionLog = append([]string(nil), node.ExecutionLog...)
	copied.Task.Dependencies = append([]string(nil), node.Task.Dependencies...)
	copied.Task.Approvers = append([]string(nil), node.Task.Approvers...)
	copied.Task.SuccessCriteria = append([]string(nil), node.Task.SuccessCriteria...)
	return copied
}
