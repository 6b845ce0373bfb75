package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/initiative-engine/internal/approval"
	"github.com/t77yq/initiative-engine/internal/event"
	"github.com/t77yq/initiative-engine/internal/executor"
	"github.com/t77yq/initiative-engine/internal/graph"
	"github.com/t77yq/initiative-engine/internal/model"
)

// fakeExecutor accepts every task and runs a per-task script
type fakeExecutor struct {
	name string

	mu         sync.Mutex
	concurrent int32
	peak       int32
	executed   []string

	run func(ctx context.Context, task model.Task) (*model.TaskResult, error)
}

func (f *fakeExecutor) Name() string                    { return f.name }
func (f *fakeExecutor) CanExecute(task model.Task) bool { return true }

func (f *fakeExecutor) Execute(ctx context.Context, task model.Task, ectx model.ExecutionContext) (*model.TaskResult, error) {
	current := atomic.AddInt32(&f.concurrent, 1)
	defer atomic.AddInt32(&f.concurrent, -1)
	for {
		peak := atomic.LoadInt32(&f.peak)
		if current <= peak || atomic.CompareAndSwapInt32(&f.peak, peak, current) {
			break
		}
	}

	f.mu.Lock()
	f.executed = append(f.executed, task.ID)
	f.mu.Unlock()

	if f.run != nil {
		return f.run(ctx, task)
	}
	return &model.TaskResult{TaskID: task.ID, Outcome: model.OutcomeCompleted}, nil
}

func newFake(name string) *fakeExecutor { return &fakeExecutor{name: name} }

func testScheduler(t *testing.T, exec executor.TaskExecutor, opts ...Option) (*ExecutionScheduler, *approval.MemoryRecorder) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := executor.NewRegistry(logger)
	if exec != nil {
		registry.Register(exec)
	}
	approvals := approval.NewMemoryRecorder(logger)
	return New(registry, approvals, logger, opts...), approvals
}

func buildGraph(t *testing.T, tasks ...model.Task) *graph.TaskGraph {
	t.Helper()
	g, err := graph.New(tasks)
	require.NoError(t, err)
	return g
}

func devTask(id string, deps ...string) model.Task {
	return model.Task{
		ID:             id,
		Title:          id,
		Type:           model.TaskTypeDevelopment,
		Priority:       model.TaskPriorityMedium,
		EstimatedHours: 1,
		Dependencies:   deps,
	}
}

func autonomousCtx() model.ExecutionContext {
	return model.ExecutionContext{
		InitiativeID:     "init-1",
		Mode:             model.ExecutionModeAutonomous,
		MaxParallelTasks: 4,
		ExecutionTimeout: 5 * time.Second,
	}
}

func TestRun_CompletesChain(t *testing.T) {
	fake := newFake("fake")
	s, _ := testScheduler(t, fake, WithTickInterval(time.Millisecond))
	g := buildGraph(t, devTask("a"), devTask("b", "a"), devTask("c", "b"))

	result, err := s.Run(context.Background(), g, autonomousCtx())
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.True(t, g.AllTerminal())
	assert.Equal(t, []string{"a", "b", "c"}, fake.executed)
}

func TestRunTick_ParallelismBound(t *testing.T) {
	fake := newFake("fake")
	fake.run = func(ctx context.Context, task model.Task) (*model.TaskResult, error) {
		time.Sleep(50 * time.Millisecond)
		return &model.TaskResult{TaskID: task.ID, Outcome: model.OutcomeCompleted}, nil
	}
	s, _ := testScheduler(t, fake)
	g := buildGraph(t, devTask("a"), devTask("b"), devTask("c"), devTask("d"), devTask("e"))

	ectx := autonomousCtx()
	ectx.MaxParallelTasks = 2

	tick, err := s.RunTick(context.Background(), g, ectx)
	require.NoError(t, err)
	assert.Equal(t, 2, tick.Dispatched)
	assert.LessOrEqual(t, fake.peak, int32(2))
}

func TestRunTick_OutcomeMapping(t *testing.T) {
	fake := newFake("fake")
	fake.run = func(ctx context.Context, task model.Task) (*model.TaskResult, error) {
		switch task.ID {
		case "ok":
			return &model.TaskResult{TaskID: task.ID, Outcome: model.OutcomeCompleted, Result: "done"}, nil
		case "pending":
			return &model.TaskResult{TaskID: task.ID, Outcome: model.OutcomePendingApproval}, nil
		case "bad":
			return &model.TaskResult{TaskID: task.ID, Outcome: model.OutcomeFailed, Error: "exploded"}, nil
		case "ambiguous":
			return nil, nil
		default:
			return nil, errors.New("unexpected task")
		}
	}
	s, _ := testScheduler(t, fake)
	g := buildGraph(t, devTask("ok"), devTask("pending"), devTask("bad"), devTask("ambiguous"))

	tick, err := s.RunTick(context.Background(), g, autonomousCtx())
	require.NoError(t, err)
	assert.Equal(t, 4, tick.Dispatched)
	assert.Equal(t, 1, tick.Completed)
	assert.Equal(t, 1, tick.Blocked)
	assert.Equal(t, 2, tick.Failed)

	node, _ := g.Node("ok")
	assert.Equal(t, model.TaskStatusCompleted, node.Status)
	node, _ = g.Node("pending")
	assert.Equal(t, model.TaskStatusBlocked, node.Status)
	node, _ = g.Node("bad")
	assert.Equal(t, model.TaskStatusFailed, node.Status)
	assert.Equal(t, "exploded", node.FailureReason)
	node, _ = g.Node("ambiguous")
	assert.Equal(t, model.TaskStatusFailed, node.Status)
}

func TestRunTick_Timeout(t *testing.T) {
	fake := newFake("fake")
	fake.run = func(ctx context.Context, task model.Task) (*model.TaskResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &model.TaskResult{TaskID: task.ID, Outcome: model.OutcomeCompleted}, nil
		}
	}

	logger := zaptest.NewLogger(t)
	bus := event.NewBus(logger)
	var timeouts []string
	bus.Subscribe(event.TaskTimeout, func(name string, payload event.Payload) {
		timeouts = append(timeouts, payload["task_id"].(string))
	})

	s, _ := testScheduler(t, fake, WithEvents(bus))
	g := buildGraph(t, devTask("slow"))

	ectx := autonomousCtx()
	ectx.ExecutionTimeout = 20 * time.Millisecond

	tick, err := s.RunTick(context.Background(), g, ectx)
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Failed)

	node, _ := g.Node("slow")
	assert.Equal(t, model.TaskStatusFailed, node.Status)
	assert.Contains(t, node.FailureReason, "timed out")
	assert.Equal(t, []string{"slow"}, timeouts)
}

func TestRunTick_NoExecutorFound(t *testing.T) {
	s, _ := testScheduler(t, nil)
	g := buildGraph(t, devTask("orphan"), devTask("other"))

	tick, err := s.RunTick(context.Background(), g, autonomousCtx())
	require.NoError(t, err)
	// Both tasks fail, the batch is not aborted by the first miss
	assert.Equal(t, 2, tick.Failed)

	node, _ := g.Node("orphan")
	assert.Equal(t, model.TaskStatusFailed, node.Status)
	assert.Contains(t, node.FailureReason, ErrNoExecutorFound.Error())
}

func TestRunTick_ManualModeWaitsForApproval(t *testing.T) {
	fake := newFake("fake")
	approvalTask := devTask("gated")
	approvalTask.ApprovalRequired = true
	approvalTask.Approvers = []string{"lead@example.com"}

	s, approvals := testScheduler(t, fake)
	g := buildGraph(t, approvalTask)

	ectx := autonomousCtx()
	ectx.Mode = model.ExecutionModeManual

	ok, reason := g.CanExecute("gated")
	require.False(t, ok)
	require.Equal(t, "requires approval", reason)

	tick, err := s.RunTick(context.Background(), g, ectx)
	require.NoError(t, err)
	assert.Zero(t, tick.Dispatched)
	assert.Equal(t, 1, tick.Blocked)
	assert.Empty(t, fake.executed)

	// A recorded decision unblocks the task on the next tick
	approvals.Record("gated", model.ApprovalApproved, "lead@example.com")
	tick, err = s.RunTick(context.Background(), g, ectx)
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Dispatched)
	assert.Equal(t, []string{"gated"}, fake.executed)
}

func TestRunTick_ManualModeGatesApprovalFreeTasks(t *testing.T) {
	fake := newFake("fake")
	s, approvals := testScheduler(t, fake)
	g := buildGraph(t, devTask("routine"))

	ectx := autonomousCtx()
	ectx.Mode = model.ExecutionModeManual

	// Even a task with no approval gate of its own waits for a decision
	tick, err := s.RunTick(context.Background(), g, ectx)
	require.NoError(t, err)
	assert.Zero(t, tick.Dispatched)
	assert.Equal(t, 1, tick.Blocked)
	assert.Empty(t, fake.executed)

	approvals.Record("routine", model.ApprovalApproved, "lead@example.com")
	tick, err = s.RunTick(context.Background(), g, ectx)
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Dispatched)
	assert.Equal(t, []string{"routine"}, fake.executed)
}

func TestRunTick_SemiAutoAutoApprovesLowRisk(t *testing.T) {
	fake := newFake("fake")
	lowRisk := devTask("small")
	lowRisk.ApprovalRequired = true
	lowRisk.EstimatedHours = 1

	highRisk := devTask("deploy")
	highRisk.ApprovalRequired = true
	highRisk.Type = model.TaskTypeDeployment

	s, _ := testScheduler(t, fake)
	g := buildGraph(t, lowRisk, highRisk)

	ectx := autonomousCtx()
	ectx.Mode = model.ExecutionModeSemiAuto
	ectx.AutoApproveLowRisk = true

	tick, err := s.RunTick(context.Background(), g, ectx)
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Dispatched)
	assert.Equal(t, []string{"small"}, fake.executed)

	node, _ := g.Node("deploy")
	assert.Equal(t, model.TaskStatusBlocked, node.Status)
}

func TestRunTick_StalledWhenFrontierHeld(t *testing.T) {
	fake := newFake("fake")
	fake.run = func(ctx context.Context, task model.Task) (*model.TaskResult, error) {
		return &model.TaskResult{TaskID: task.ID, Outcome: model.OutcomeFailed, Error: "nope"}, nil
	}
	s, _ := testScheduler(t, fake)
	g := buildGraph(t, devTask("a"), devTask("b", "a"))

	tick, err := s.RunTick(context.Background(), g, autonomousCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Failed)

	tick, err = s.RunTick(context.Background(), g, autonomousCtx())
	require.NoError(t, err)
	assert.True(t, tick.Stalled)
	assert.False(t, tick.Done)
}

func TestRun_StalledGraphReturnsError(t *testing.T) {
	fake := newFake("fake")
	fake.run = func(ctx context.Context, task model.Task) (*model.TaskResult, error) {
		return &model.TaskResult{TaskID: task.ID, Outcome: model.OutcomeFailed, Error: "nope"}, nil
	}
	s, _ := testScheduler(t, fake, WithTickInterval(time.Millisecond))
	g := buildGraph(t, devTask("a"), devTask("b", "a"))

	result, err := s.Run(context.Background(), g, autonomousCtx())
	require.ErrorIs(t, err, ErrGraphStalled)
	assert.True(t, result.Stalled)
	assert.False(t, result.Completed)
}

func TestRunTick_RetriesFailedTask(t *testing.T) {
	var calls int32
	fake := newFake("fake")
	fake.run = func(ctx context.Context, task model.Task) (*model.TaskResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return &model.TaskResult{TaskID: task.ID, Outcome: model.OutcomeCompleted}, nil
	}
	s, _ := testScheduler(t, fake, WithTickInterval(time.Millisecond))
	g := buildGraph(t, devTask("flaky"))

	ectx := autonomousCtx()
	ectx.RetryFailedTasks = true
	ectx.MaxRetries = 2

	result, err := s.Run(context.Background(), g, ectx)
	require.NoError(t, err)
	assert.True(t, result.Completed)

	node, _ := g.Node("flaky")
	assert.Equal(t, model.TaskStatusCompleted, node.Status)
	assert.Equal(t, 2, node.Attempts)
}

func TestRun_Cancellation(t *testing.T) {
	fake := newFake("fake")
	fake.run = func(ctx context.Context, task model.Task) (*model.TaskResult, error) {
		return &model.TaskResult{TaskID: task.ID, Outcome: model.OutcomeCompleted}, nil
	}
	s, _ := testScheduler(t, fake, WithTickInterval(time.Hour))
	g := buildGraph(t, devTask("a"), devTask("b", "a"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.Run(ctx, g, autonomousCtx())
		assert.ErrorIs(t, err, context.Canceled)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not observe cancellation at tick boundary")
	}
}

func TestAutoApprovePolicy_LowRisk(t *testing.T) {
	policy := DefaultAutoApprovePolicy()

	assert.True(t, policy.LowRisk(devTask("ok")))

	critical := devTask("critical")
	critical.Priority = model.TaskPriorityCritical
	assert.False(t, policy.LowRisk(critical))

	deploy := devTask("deploy")
	deploy.Type = model.TaskTypeDeployment
	assert.False(t, policy.LowRisk(deploy))

	coordination := devTask("sync-up")
	coordination.Type = model.TaskTypeCoordination
	assert.False(t, policy.LowRisk(coordination))

	big := devTask("big")
	big.EstimatedHours = 40
	assert.False(t, policy.LowRisk(big))
}

func TestResourceMonitor_Cap(t *testing.T) {
	logger := zaptest.NewLogger(t)
	rm := NewResourceMonitor(DefaultResourceThresholds(), time.Minute, logger)

	// No samples yet: no throttling
	assert.Equal(t, 8, rm.Cap(8))

	rm.mu.Lock()
	rm.cpuPercent = 99
	rm.mu.Unlock()
	assert.Equal(t, 4, rm.Cap(8))
	assert.Equal(t, 1, rm.Cap(1))
}
