package replan

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/initiative-engine/internal/graph"
	"github.com/t77yq/initiative-engine/internal/model"
	"github.com/t77yq/initiative-engine/internal/plan"
)

// Policy holds the replan trigger thresholds. Every field is tunable
// configuration; the defaults mirror long-running-initiative practice,
// they are not a contract.
type Policy struct {
	// FailureThreshold is the failure-event count above which the
	// failure trigger fires
	FailureThreshold int

	// StallDuration is how long a task may stay blocked before the
	// stall trigger fires
	StallDuration time.Duration

	// PressureMinPercent and PressureMaxBadRatio together form the
	// schedule-pressure heuristic: completion below the percent with a
	// failed+blocked share above the ratio
	PressureMinPercent  float64
	PressureMaxBadRatio float64

	// VeryLowProgressPercent escalates schedule pressure to a full replan
	VeryLowProgressPercent float64

	// CriticalFailureRate is the failed-node share above which a failure
	// trigger escalates from minimal to partial scope
	CriticalFailureRate float64

	// MaxAttempts bounds automatic replans per initiative
	MaxAttempts int
}

// DefaultPolicy returns the default replan thresholds
func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold:       3,
		StallDuration:          24 * time.Hour,
		PressureMinPercent:     25,
		PressureMaxBadRatio:    0.4,
		VeryLowProgressPercent: 10,
		CriticalFailureRate:    0.30,
		MaxAttempts:            3,
	}
}

// Trigger describes why a replan should happen, with supporting detail
type Trigger struct {
	Kind                 model.ReplanTrigger
	Detail               string
	FailedEvents         int
	FailedTasks          int
	FailureRate          float64
	CriticalPathFailures []string
	StalledTasks         []string
}

// Request carries caller-supplied replan context, e.g. a manual request
// or a scope change with its reason.
type Request struct {
	Trigger model.ReplanTrigger
	Reason  string
}

// Result is the outcome of one replan attempt. On failure NewGraph is
// nil and the caller's graph is untouched.
type Result struct {
	Success          bool
	Trigger          model.ReplanTrigger
	Scope            model.ReplanScope
	NewGraph         *graph.TaskGraph
	Summary          string
	Impact           string
	Recommendations  []string
	RequiresApproval bool
}

// Attempt is one replan-history record
type Attempt struct {
	Trigger model.ReplanTrigger
	Scope   model.ReplanScope
	Success bool
	At      time.Time
}

// Replanner decides if and how much to replan, and produces revised
// graphs that preserve completed work. It reads the old graph but never
// mutates it.
type Replanner struct {
	logger     *zap.Logger
	decomposer plan.Decomposer
	policy     Policy

	mu      sync.Mutex
	history []Attempt

	// handledFailures is the number of failure events already answered
	// by an installed replan. Only events beyond it arm the failure
	// trigger again, otherwise a repair that carries history forward
	// would re-fire on the failures it just fixed.
	handledFailures int
}

// New creates a new replanner
func New(decomposer plan.Decomposer, policy Policy, logger *zap.Logger) *Replanner {
	return &Replanner{
		logger:     logger.Named("replanner"),
		decomposer: decomposer,
		policy:     policy,
	}
}

// ShouldReplan evaluates the triggers in order: failures, stalls,
// schedule pressure. It returns the first that fires.
func (r *Replanner) ShouldReplan(g *graph.TaskGraph) (*Trigger, bool) {
	progress := g.Progress()

	if trigger := r.failureTrigger(g, progress); trigger != nil {
		return trigger, true
	}
	if trigger := r.stallTrigger(g); trigger != nil {
		return trigger, true
	}
	if trigger := r.pressureTrigger(progress); trigger != nil {
		return trigger, true
	}
	return nil, false
}

func (r *Replanner) failureTrigger(g *graph.TaskGraph, progress model.ProgressSummary) *Trigger {
	r.mu.Lock()
	handled := r.handledFailures
	r.mu.Unlock()

	failedEvents := countFailedEvents(g) - handled
	if failedEvents < 0 {
		failedEvents = 0
	}
	if failedEvents <= r.policy.FailureThreshold {
		return nil
	}

	failedTasks := progress.ByStatus[model.TaskStatusFailed]
	rate := 0.0
	if progress.Total > 0 {
		rate = float64(failedTasks) / float64(progress.Total)
	}

	critical := make(map[string]bool)
	for _, id := range g.CriticalPath() {
		critical[id] = true
	}
	var criticalFailures []string
	for _, node := range g.Nodes() {
		if node.Status == model.TaskStatusFailed && critical[node.Task.ID] {
			criticalFailures = append(criticalFailures, node.Task.ID)
		}
	}

	return &Trigger{
		Kind:                 model.ReplanTriggerTaskFailure,
		Detail:               fmt.Sprintf("%d failure events across %d failed tasks (rate %.0f%%)", failedEvents, failedTasks, rate*100),
		FailedEvents:         failedEvents,
		FailedTasks:          failedTasks,
		FailureRate:          rate,
		CriticalPathFailures: criticalFailures,
	}
}

func (r *Replanner) stallTrigger(g *graph.TaskGraph) *Trigger {
	blockedSince := make(map[string]time.Time)
	for _, ev := range g.History() {
		switch ev.Kind {
		case "blocked":
			blockedSince[ev.TaskID] = ev.Timestamp
		case "unblocked":
			delete(blockedSince, ev.TaskID)
		}
	}

	var stalled []string
	for _, node := range g.Nodes() {
		if node.Status != model.TaskStatusBlocked {
			continue
		}
		since, ok := blockedSince[node.Task.ID]
		if ok && time.Since(since) > r.policy.StallDuration {
			stalled = append(stalled, node.Task.ID)
		}
	}
	if len(stalled) == 0 {
		return nil
	}

	return &Trigger{
		Kind:         model.ReplanTriggerStall,
		Detail:       fmt.Sprintf("%d task(s) blocked longer than %s", len(stalled), r.policy.StallDuration),
		StalledTasks: stalled,
	}
}

func (r *Replanner) pressureTrigger(progress model.ProgressSummary) *Trigger {
	if progress.Total == 0 || progress.PercentComplete >= r.policy.PressureMinPercent {
		return nil
	}
	bad := progress.ByStatus[model.TaskStatusFailed] + progress.ByStatus[model.TaskStatusBlocked]
	ratio := float64(bad) / float64(progress.Total)
	if ratio <= r.policy.PressureMaxBadRatio {
		return nil
	}

	return &Trigger{
		Kind:   model.ReplanTriggerSchedulePressure,
		Detail: fmt.Sprintf("%.0f%% complete with %.0f%% of tasks failed or blocked", progress.PercentComplete, ratio*100),
	}
}

// DetermineScope maps a trigger to a replan scope. Scope escalates with
// blast radius: critical-path failures or a high failure rate warrant a
// partial rebuild, scope changes and very low progress a full one,
// everything else an in-place repair.
func (r *Replanner) DetermineScope(trigger *Trigger, progress model.ProgressSummary) model.ReplanScope {
	switch trigger.Kind {
	case model.ReplanTriggerTaskFailure:
		if trigger.FailureRate > r.policy.CriticalFailureRate || len(trigger.CriticalPathFailures) > 0 {
			return model.ReplanScopePartial
		}
		return model.ReplanScopeMinimal
	case model.ReplanTriggerSchedulePressure:
		if progress.PercentComplete < r.policy.VeryLowProgressPercent {
			return model.ReplanScopeFull
		}
		return model.ReplanScopePartial
	case model.ReplanTriggerScopeChange:
		return model.ReplanScopeFull
	default:
		return model.ReplanScopeMinimal
	}
}

// Attempts returns the number of replan attempts made so far
func (r *Replanner) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

// History returns a copy of the replan attempt log
func (r *Replanner) History() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Attempt(nil), r.history...)
}

// Replan executes the chosen scope against a read-only view of the
// current graph and returns the revised one. The existing graph is
// never mutated; callers install NewGraph only on success.
func (r *Replanner) Replan(ctx context.Context, initiative *model.Initiative, g *graph.TaskGraph, ectx model.ExecutionContext, req *Request) (*Result, error) {
	if r.Attempts() >= r.policy.MaxAttempts {
		return nil, fmt.Errorf("%w: %d attempts used", ErrBudgetExhausted, r.policy.MaxAttempts)
	}

	progress := g.Progress()

	var trigger *Trigger
	if req != nil {
		trigger = &Trigger{Kind: req.Trigger, Detail: req.Reason}
	} else {
		var fired bool
		trigger, fired = r.ShouldReplan(g)
		if !fired {
			return nil, ErrNoTrigger
		}
	}

	scope := r.DetermineScope(trigger, progress)
	r.logger.Info("Replanning",
		zap.String("initiative_id", initiative.ID),
		zap.String("trigger", string(trigger.Kind)),
		zap.String("scope", string(scope)),
		zap.String("detail", trigger.Detail))

	var result *Result
	var err error
	switch scope {
	case model.ReplanScopeMinimal:
		result = r.replanMinimal(g, trigger)
	case model.ReplanScopePartial:
		result, err = r.replanPartial(ctx, initiative, g, trigger)
	case model.ReplanScopeFull:
		result, err = r.replanFull(ctx, initiative, g, trigger)
	}

	success := err == nil && result != nil && result.Success
	r.mu.Lock()
	r.history = append(r.history, Attempt{
		Trigger: trigger.Kind,
		Scope:   scope,
		Success: success,
		At:      time.Now(),
	})
	if success && result.NewGraph != nil {
		// Failures already recorded in the revised graph were answered
		// by this replan; only newer ones count toward the threshold.
		r.handledFailures = countFailedEvents(result.NewGraph)
	}
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	result.Trigger = trigger.Kind
	result.Scope = scope
	return result, nil
}

// replanMinimal repairs the graph in place (on a clone): failed tasks
// are reset to planned and long-blocked tasks lose one blocking
// dependency.
func (r *Replanner) replanMinimal(g *graph.TaskGraph, trigger *Trigger) *Result {
	ng := g.Clone()

	var resets, unblocks []string
	for _, node := range ng.Nodes() {
		switch node.Status {
		case model.TaskStatusFailed:
			if ng.Retry(node.Task.ID, "reset by minimal replan") {
				resets = append(resets, node.Task.ID)
			}
		case model.TaskStatusBlocked:
			if !contains(trigger.StalledTasks, node.Task.ID) {
				continue
			}
			for _, dep := range ng.Dependencies(node.Task.ID) {
				if depNode, ok := ng.Node(dep); ok && depNode.Status != model.TaskStatusCompleted {
					ng.DropDependency(node.Task.ID, dep)
					ng.Unblock(node.Task.ID, fmt.Sprintf("blocking dependency %s dropped", dep))
					unblocks = append(unblocks, node.Task.ID)
					break
				}
			}
		}
	}

	return &Result{
		Success:  true,
		NewGraph: ng,
		Summary:  fmt.Sprintf("minimal repair: reset %d failed task(s), unblocked %d stalled task(s)", len(resets), len(unblocks)),
		Impact:   "timeline unchanged; retried tasks may slip by their estimated effort",
		Recommendations: []string{
			"watch the reset tasks for repeat failures",
		},
		RequiresApproval: false,
	}
}

// replanPartial preserves completed and in-progress tasks and asks the
// decomposer to regenerate the remaining work.
func (r *Replanner) replanPartial(ctx context.Context, initiative *model.Initiative, g *graph.TaskGraph, trigger *Trigger) (*Result, error) {
	preserved := make(map[string]model.TaskNode)
	var remaining []string
	for _, node := range g.Nodes() {
		switch node.Status {
		case model.TaskStatusCompleted, model.TaskStatusInProgress:
			preserved[node.Task.ID] = node
		default:
			remaining = append(remaining, node.Task.Title)
		}
	}

	decomposed, err := r.decomposer.Decompose(ctx, plan.Request{
		Goal: fmt.Sprintf("Regenerate the remaining work for: %s. Outstanding items: %s",
			initiative.Goal, strings.Join(remaining, "; ")),
		Context: r.lessons(g),
		OrgID:   initiative.OrgID,
		Owner:   initiative.Owner,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plan.ErrDecomposition, err)
	}

	ng, err := r.assemble(g, preserved, decomposed.Tasks)
	if err != nil {
		return nil, err
	}

	return &Result{
		Success:  true,
		NewGraph: ng,
		Summary: fmt.Sprintf("partial replan: preserved %d task(s), regenerated %d task(s)",
			len(preserved), len(decomposed.Tasks)),
		Impact: fmt.Sprintf("revised remaining effort %.1fh, suggested timeline %d week(s)",
			decomposed.TotalEstimatedHours, decomposed.SuggestedTimelineWeeks),
		Recommendations:  append([]string(nil), decomposed.Risks...),
		RequiresApproval: true,
	}, nil
}

// replanFull discards the remaining plan and re-decomposes from the
// original goal enriched with lessons learned. Completed task records
// are carried into the new graph unchanged.
func (r *Replanner) replanFull(ctx context.Context, initiative *model.Initiative, g *graph.TaskGraph, trigger *Trigger) (*Result, error) {
	preserved := make(map[string]model.TaskNode)
	for _, node := range g.Nodes() {
		if node.Status == model.TaskStatusCompleted {
			preserved[node.Task.ID] = node
		}
	}

	decomposed, err := r.decomposer.Decompose(ctx, plan.Request{
		Goal:    initiative.Goal,
		Context: r.lessons(g),
		OrgID:   initiative.OrgID,
		Owner:   initiative.Owner,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plan.ErrDecomposition, err)
	}

	ng, err := r.assemble(g, preserved, decomposed.Tasks)
	if err != nil {
		return nil, err
	}

	return &Result{
		Success:  true,
		NewGraph: ng,
		Summary: fmt.Sprintf("full replan: rebuilt plan with %d new task(s), kept %d completed",
			len(decomposed.Tasks), len(preserved)),
		Impact: fmt.Sprintf("new total estimate %.1fh, suggested timeline %d week(s)",
			decomposed.TotalEstimatedHours, decomposed.SuggestedTimelineWeeks),
		Recommendations:  append([]string(nil), decomposed.Risks...),
		RequiresApproval: true,
	}, nil
}

// assemble builds the new graph from preserved nodes plus freshly
// decomposed tasks, re-attaching preserved execution state. Dependencies
// pointing at tasks that no longer exist are dropped.
func (r *Replanner) assemble(g *graph.TaskGraph, preserved map[string]model.TaskNode, fresh []model.Task) (*graph.TaskGraph, error) {
	known := make(map[string]bool, len(preserved)+len(fresh))
	var tasks []model.Task

	for _, node := range g.Nodes() {
		if kept, ok := preserved[node.Task.ID]; ok {
			tasks = append(tasks, kept.Task)
			known[kept.Task.ID] = true
		}
	}
	for _, task := range fresh {
		if known[task.ID] {
			r.logger.Warn("Decomposer produced a task colliding with a preserved one, keeping preserved",
				zap.String("task_id", task.ID))
			continue
		}
		tasks = append(tasks, task)
		known[task.ID] = true
	}

	for i := range tasks {
		var deps []string
		for _, dep := range tasks[i].Dependencies {
			if known[dep] {
				deps = append(deps, dep)
			}
		}
		tasks[i].Dependencies = deps
	}

	ng, err := graph.New(tasks)
	if err != nil {
		return nil, err
	}
	for id, node := range preserved {
		ng.RestoreNodeState(id, node)
	}
	return ng, nil
}

// lessons summarizes execution history for the decomposer: what
// succeeded, what failed and why.
func (r *Replanner) lessons(g *graph.TaskGraph) map[string]string {
	var completed, failed []string
	for _, node := range g.Nodes() {
		switch node.Status {
		case model.TaskStatusCompleted:
			completed = append(completed, node.Task.ID)
		case model.TaskStatusFailed:
			failed = append(failed, fmt.Sprintf("%s (%s)", node.Task.ID, node.FailureReason))
		}
	}
	return map[string]string{
		"completed_tasks": strings.Join(completed, ", "),
		"failed_tasks":    strings.Join(failed, ", "),
	}
}

func countFailedEvents(g *graph.TaskGraph) int {
	n := 0
	for _, ev := range g.History() {
		if ev.Kind == "failed" {
			n++
		}
	}
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
