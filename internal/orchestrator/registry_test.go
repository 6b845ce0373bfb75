package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/initiative-engine/internal/model"
	"github.com/t77yq/initiative-engine/internal/plan"
	"github.com/t77yq/initiative-engine/internal/replan"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	decomposer := &scriptedDecomposer{results: []*plan.Result{planOf(task("a"))}}
	h := newHarness(t, decomposer, Config{}, replan.DefaultPolicy())
	registry := NewRegistry(zaptest.NewLogger(t))
	defer registry.Close()

	initiative, err := h.orchestrator.Start(context.Background(), "Tracked", "track me", defaultContext())
	require.NoError(t, err)

	require.NoError(t, registry.Add(h.orchestrator))
	got, ok := registry.Get(initiative.ID)
	require.True(t, ok)
	assert.Same(t, h.orchestrator, got)
	assert.Equal(t, []string{initiative.ID}, registry.IDs())

	err = registry.Add(h.orchestrator)
	assert.Error(t, err, "double registration must be rejected")

	registry.Remove(initiative.ID)
	_, ok = registry.Get(initiative.ID)
	assert.False(t, ok)
}

func TestRegistry_AddRequiresStartedOrchestrator(t *testing.T) {
	decomposer := &scriptedDecomposer{results: []*plan.Result{planOf(task("a"))}}
	h := newHarness(t, decomposer, Config{}, replan.DefaultPolicy())
	registry := NewRegistry(zaptest.NewLogger(t))
	defer registry.Close()

	err := registry.Add(h.orchestrator)
	assert.Error(t, err)
}

func TestRegistry_SweepCheckpointsRunningInitiatives(t *testing.T) {
	decomposer := &scriptedDecomposer{results: []*plan.Result{planOf(task("a"))}}
	h := newHarness(t, decomposer, Config{CheckpointInterval: time.Millisecond}, replan.DefaultPolicy())
	registry := NewRegistry(zaptest.NewLogger(t))
	defer registry.Close()

	gate := make(chan struct{})
	h.executor.gate["a"] = gate
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	initiative, err := h.orchestrator.Start(ctx, "Swept", "checkpoint me from outside", defaultContext())
	require.NoError(t, err)
	require.NoError(t, registry.Add(h.orchestrator))

	done := make(chan error, 1)
	go func() { done <- h.orchestrator.Execute(ctx) }()
	require.Eventually(t, func() bool {
		return h.executor.runCount("a") > 0
	}, 5*time.Second, time.Millisecond)

	time.Sleep(5 * time.Millisecond) // let the checkpoint interval elapse
	registry.Sweep(ctx)

	autos, err := h.checkpoints.List(ctx, initiative.ID, model.CheckpointAuto)
	require.NoError(t, err)
	assert.NotEmpty(t, autos, "sweep must checkpoint a running initiative whose policy is due")

	close(gate)
	require.NoError(t, <-done)
}

func TestRegistry_SweepSkipsNonRunningInitiatives(t *testing.T) {
	decomposer := &scriptedDecomposer{results: []*plan.Result{planOf(task("a"))}}
	h := newHarness(t, decomposer, Config{CheckpointInterval: time.Millisecond}, replan.DefaultPolicy())
	registry := NewRegistry(zaptest.NewLogger(t))
	defer registry.Close()
	ctx := context.Background()

	initiative, err := h.orchestrator.Start(ctx, "Planned only", "not running", defaultContext())
	require.NoError(t, err)
	require.NoError(t, registry.Add(h.orchestrator))

	time.Sleep(5 * time.Millisecond)
	registry.Sweep(ctx)

	autos, err := h.checkpoints.List(ctx, initiative.ID, model.CheckpointAuto)
	require.NoError(t, err)
	assert.Empty(t, autos)
}

func TestRegistry_StartSweepSchedule(t *testing.T) {
	registry := NewRegistry(zaptest.NewLogger(t))
	defer registry.Close()

	require.NoError(t, registry.StartSweep("0 */5 * * * *"))
	assert.Error(t, registry.StartSweep("not a schedule"))
}
