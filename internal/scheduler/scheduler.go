package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/initiative-engine/internal/approval"
	"github.com/t77yq/initiative-engine/internal/event"
	"github.com/t77yq/initiative-engine/internal/executor"
	"github.com/t77yq/initiative-engine/internal/graph"
	"github.com/t77yq/initiative-engine/internal/model"
)

// TickResult summarizes one scheduler tick
type TickResult struct {
	Dispatched int
	Completed  int
	Failed     int
	Blocked    int
	Retried    int

	// Done means every node reached a terminal status
	Done bool

	// Stalled means nothing is ready and nothing will become ready
	// without outside intervention (approval or replan)
	Stalled bool
}

// RunResult summarizes a full Run loop
type RunResult struct {
	Ticks     int
	Completed bool
	Stalled   bool
}

// ExecutionScheduler drives tasks from ready to a terminal state by
// dispatching them to registered executors, up to the configured
// parallelism, one tick at a time. Between ticks the graph is quiescent,
// which is what makes mid-run checkpointing safe.
type ExecutionScheduler struct {
	logger    *zap.Logger
	registry  *executor.Registry
	approvals approval.Recorder
	events    *event.Bus
	policy    AutoApprovePolicy
	resources *ResourceMonitor
	tick      time.Duration
}

// Option configures an ExecutionScheduler
type Option func(*ExecutionScheduler)

// WithEvents attaches an event bus for task lifecycle events
func WithEvents(bus *event.Bus) Option {
	return func(s *ExecutionScheduler) { s.events = bus }
}

// WithAutoApprovePolicy overrides the low-risk policy
func WithAutoApprovePolicy(policy AutoApprovePolicy) Option {
	return func(s *ExecutionScheduler) { s.policy = policy }
}

// WithResourceMonitor attaches a host resource monitor that may lower
// the dispatch cap under pressure
func WithResourceMonitor(rm *ResourceMonitor) Option {
	return func(s *ExecutionScheduler) { s.resources = rm }
}

// WithTickInterval sets the sleep between ticks in Run
func WithTickInterval(d time.Duration) Option {
	return func(s *ExecutionScheduler) { s.tick = d }
}

// New creates a new execution scheduler
func New(registry *executor.Registry, approvals approval.Recorder, logger *zap.Logger, opts ...Option) *ExecutionScheduler {
	s := &ExecutionScheduler{
		logger:    logger.Named("scheduler"),
		registry:  registry,
		approvals: approvals,
		policy:    DefaultAutoApprovePolicy(),
		tick:      time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run loops RunTick until the graph completes or ctx is done. A stalled
// graph returns ErrGraphStalled alongside the partial result.
// Cancellation is cooperative: it takes effect at the next tick boundary.
func (s *ExecutionScheduler) Run(ctx context.Context, g *graph.TaskGraph, ectx model.ExecutionContext) (RunResult, error) {
	var result RunResult
	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		tick, err := s.RunTick(ctx, g, ectx)
		if err != nil {
			return result, err
		}
		result.Ticks++

		if tick.Done {
			result.Completed = true
			return result, nil
		}
		if tick.Stalled {
			result.Stalled = true
			return result, ErrGraphStalled
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(s.tick):
		}
	}
}

// RunTick executes one scheduling tick: sync approval decisions, compute
// the ready frontier, filter by mode and policy, dispatch up to the cap,
// and await every dispatched execution. When RunTick returns, no task is
// left in_progress.
func (s *ExecutionScheduler) RunTick(ctx context.Context, g *graph.TaskGraph, ectx model.ExecutionContext) (TickResult, error) {
	var result TickResult

	s.syncApprovals(g, ectx.Mode)

	ready := g.ReadyTasks()
	if len(ready) == 0 {
		if g.AllTerminal() {
			result.Done = true
			return result, nil
		}
		// Nothing ready and nothing running: blocked or failed nodes are
		// holding the frontier. Stop rather than spin.
		result.Stalled = true
		return result, nil
	}

	candidates := s.filterByMode(g, ready, ectx, &result)

	limit := ectx.MaxParallelTasks
	if limit < 1 {
		limit = 1
	}
	if s.resources != nil {
		limit = s.resources.Cap(limit)
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	var wg sync.WaitGroup
	var mu sync.Mutex // guards the tick counters below

	for _, node := range candidates {
		task := node.Task
		exec, found := s.registry.FindFor(task)
		if !found {
			reason := fmt.Sprintf("%s: type %s", ErrNoExecutorFound, task.Type)
			g.Fail(task.ID, reason)
			s.emit(event.TaskFailed, event.Payload{
				"initiative_id": ectx.InitiativeID,
				"task_id":       task.ID,
				"reason":        reason,
			})
			result.Failed++
			continue
		}

		if !g.Start(task.ID, exec.Name()) {
			continue
		}
		result.Dispatched++
		s.emit(event.TaskStarted, event.Payload{
			"initiative_id": ectx.InitiativeID,
			"task_id":       task.ID,
			"executor":      exec.Name(),
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := s.execute(ctx, exec, task, g, ectx)
			mu.Lock()
			switch outcome {
			case model.TaskStatusCompleted:
				result.Completed++
			case model.TaskStatusBlocked:
				result.Blocked++
			case model.TaskStatusPlanned:
				result.Retried++
			default:
				result.Failed++
			}
			mu.Unlock()
		}()
	}

	wg.Wait()

	if g.AllTerminal() {
		result.Done = true
	}
	return result, nil
}

// syncApprovals copies decisions from the approval collaborator onto
// graph nodes that still await one. In manual mode every task awaits a
// decision, not just the ones carrying an approval gate of their own.
func (s *ExecutionScheduler) syncApprovals(g *graph.TaskGraph, mode model.ExecutionMode) {
	for _, node := range g.Nodes() {
		gated := node.Task.ApprovalRequired || mode == model.ExecutionModeManual
		if !gated || node.ApprovalStatus != "" || node.Status.Terminal() {
			continue
		}
		if decision, ok := s.approvals.Get(node.Task.ID); ok {
			g.SetApproval(node.Task.ID, decision.Status)
			s.logger.Info("Approval decision applied",
				zap.String("task_id", node.Task.ID),
				zap.String("status", string(decision.Status)),
				zap.String("decided_by", decision.DecidedBy))
		}
	}
}

// filterByMode narrows the ready set to tasks the execution mode and
// approval state permit. Tasks held back for approval are blocked and
// surfaced via approval_needed.
func (s *ExecutionScheduler) filterByMode(g *graph.TaskGraph, ready []model.TaskNode, ectx model.ExecutionContext, result *TickResult) []model.TaskNode {
	autoApprove := ectx.AutoApproveLowRisk &&
		(ectx.Mode == model.ExecutionModeSemiAuto || ectx.Mode == model.ExecutionModeAutonomous)

	var out []model.TaskNode
	for _, node := range ready {
		ok, reason := g.CanExecute(node.Task.ID)
		if ok && ectx.Mode == model.ExecutionModeManual {
			// Manual mode runs approved tasks only
			switch node.ApprovalStatus {
			case model.ApprovalApproved:
			case model.ApprovalRejected:
				ok, reason = false, "approval rejected"
			default:
				ok, reason = false, "requires approval"
			}
		}
		if !ok && reason == "requires approval" && autoApprove && s.policy.LowRisk(node.Task) {
			s.approvals.Record(node.Task.ID, model.ApprovalApproved, "auto-approve-policy")
			g.SetApproval(node.Task.ID, model.ApprovalApproved)
			ok = true
			s.logger.Info("Low-risk task auto-approved",
				zap.String("task_id", node.Task.ID),
				zap.String("mode", string(ectx.Mode)))
		}
		if !ok {
			if g.Block(node.Task.ID, reason) {
				result.Blocked++
				s.emit(event.ApprovalNeeded, event.Payload{
					"initiative_id": ectx.InitiativeID,
					"task_id":       node.Task.ID,
					"reason":        reason,
					"approvers":     node.Task.Approvers,
				})
			}
			continue
		}
		out = append(out, node)
	}
	return out
}

// execute runs one task through its executor and resolves the node to
// exactly one of completed/blocked/failed (or planned, when a failed
// attempt is retried in-graph). Returns the status the node ended in.
func (s *ExecutionScheduler) execute(ctx context.Context, exec executor.TaskExecutor, task model.Task, g *graph.TaskGraph, ectx model.ExecutionContext) model.TaskStatus {
	execCtx := ctx
	if ectx.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, ectx.ExecutionTimeout)
		defer cancel()
	}

	result, err := exec.Execute(execCtx, task, ectx)

	switch {
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) {
			reason := fmt.Sprintf("execution timed out after %s", ectx.ExecutionTimeout)
			s.emit(event.TaskTimeout, event.Payload{
				"initiative_id": ectx.InitiativeID,
				"task_id":       task.ID,
				"timeout":       ectx.ExecutionTimeout.String(),
			})
			return s.fail(g, task, reason, ectx)
		}
		return s.fail(g, task, err.Error(), ectx)

	case result == nil:
		// An ambiguous return still resolves to a terminal state
		return s.fail(g, task, "executor returned no result", ectx)

	case result.Outcome == model.OutcomeCompleted:
		g.Complete(task.ID, result.Result)
		s.emit(event.TaskCompleted, event.Payload{
			"initiative_id": ectx.InitiativeID,
			"task_id":       task.ID,
			"duration":      result.Duration.String(),
		})
		return model.TaskStatusCompleted

	case result.Outcome == model.OutcomePendingApproval:
		g.Block(task.ID, "pending approval")
		s.emit(event.TaskPendingApproval, event.Payload{
			"initiative_id": ectx.InitiativeID,
			"task_id":       task.ID,
			"approvers":     task.Approvers,
		})
		return model.TaskStatusBlocked

	default:
		return s.fail(g, task, result.Error, ectx)
	}
}

// fail marks a task failed and, when retries are enabled and budget
// remains, immediately resets it to planned for a later tick.
func (s *ExecutionScheduler) fail(g *graph.TaskGraph, task model.Task, reason string, ectx model.ExecutionContext) model.TaskStatus {
	if reason == "" {
		reason = "execution failed"
	}
	g.Fail(task.ID, reason)
	s.emit(event.TaskFailed, event.Payload{
		"initiative_id": ectx.InitiativeID,
		"task_id":       task.ID,
		"reason":        reason,
	})

	if ectx.RetryFailedTasks {
		if node, ok := g.Node(task.ID); ok && node.Attempts <= ectx.MaxRetries {
			if g.Retry(task.ID, fmt.Sprintf("retry %d of %d", node.Attempts, ectx.MaxRetries)) {
				s.logger.Info("Failed task queued for retry",
					zap.String("task_id", task.ID),
					zap.Int("attempt", node.Attempts),
					zap.Int("max_retries", ectx.MaxRetries))
				return model.TaskStatusPlanned
			}
		}
	}
	return model.TaskStatusFailed
}

func (s *ExecutionScheduler) emit(name string, payload event.Payload) {
	if s.events != nil {
		s.events.Publish(name, payload)
	}
}
