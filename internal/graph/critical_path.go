package graph

import (
	"sort"

	"github.com/t77yq/initiative-engine/internal/model"
)

// CriticalPath computes the zero-slack task chain via the Critical Path
// Method: a forward pass assigns earliest start times over the
// topologically sorted graph, a backward pass assigns latest start
// times, and tasks whose slack is zero form the path. Estimated effort
// is the duration unit. The result is advisory, used for reporting and
// replan prioritization only.
func (g *TaskGraph) CriticalPath() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order := g.topoOrder()
	if order == nil {
		return nil
	}

	earliest := make(map[string]float64, len(order))
	for _, id := range order {
		start := 0.0
		for _, dep := range g.deps[id] {
			if finish := earliest[dep] + g.nodes[dep].Task.EstimatedHours; finish > start {
				start = finish
			}
		}
		earliest[id] = start
	}

	projectEnd := 0.0
	for _, id := range order {
		if finish := earliest[id] + g.nodes[id].Task.EstimatedHours; finish > projectEnd {
			projectEnd = finish
		}
	}

	// Dependents of each task, needed for the backward pass.
	dependents := make(map[string][]string, len(order))
	for _, id := range order {
		for _, dep := range g.deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	latest := make(map[string]float64, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		finish := projectEnd
		for _, dependent := range dependents[id] {
			if latest[dependent] < finish {
				finish = latest[dependent]
			}
		}
		latest[id] = finish - g.nodes[id].Task.EstimatedHours
	}

	var path []string
	for _, id := range order {
		if slack := latest[id] - earliest[id]; slack < 1e-9 && slack > -1e-9 {
			path = append(path, id)
		}
	}

	sort.SliceStable(path, func(i, j int) bool {
		return earliest[path[i]] < earliest[path[j]]
	})
	return path
}

// topoOrder returns a Kahn's-algorithm topological ordering over the
// dependency edges. Callers hold g.mu. The graph is a DAG by
// construction, so the ordering always covers every node.
func (g *TaskGraph) topoOrder() []string {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.deps[id])
		for _, dep := range g.deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil
	}
	return order
}

// Progress returns aggregate per-status counts, percent complete, and
// estimated vs. completed effort.
func (g *TaskGraph) Progress() model.ProgressSummary {
	g.mu.RLock()
	defer g.mu.RUnlock()

	summary := model.ProgressSummary{
		Total:    len(g.nodes),
		ByStatus: make(map[model.TaskStatus]int),
	}
	for _, node := range g.nodes {
		summary.ByStatus[node.Status]++
		summary.EstimatedHours += node.Task.EstimatedHours
		if node.Status == model.TaskStatusCompleted {
			summary.CompletedHours += node.Task.EstimatedHours
		}
	}
	if summary.Total > 0 {
		summary.PercentComplete = float64(summary.ByStatus[model.TaskStatusCompleted]) / float64(summary.Total) * 100
	}
	return summary
}
