package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/initiative-engine/internal/model"
)

func effortTask(id string, hours float64, deps ...string) model.Task {
	def := task(id, deps...)
	def.EstimatedHours = hours
	return def
}

func TestCriticalPath_LinearChain(t *testing.T) {
	g, err := New([]model.Task{
		effortTask("a", 2),
		effortTask("b", 3, "a"),
		effortTask("c", 1, "b"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, g.CriticalPath())
}

func TestCriticalPath_PicksLongerBranch(t *testing.T) {
	// a -> b(8) -> d and a -> c(1) -> d; the b branch dominates
	g, err := New([]model.Task{
		effortTask("a", 1),
		effortTask("b", 8, "a"),
		effortTask("c", 1, "a"),
		effortTask("d", 1, "b", "c"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "d"}, g.CriticalPath())
}

func TestCriticalPath_SingleTask(t *testing.T) {
	g, err := New([]model.Task{effortTask("only", 4)})
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, g.CriticalPath())
}

func TestProgress(t *testing.T) {
	g, err := New([]model.Task{
		effortTask("a", 2),
		effortTask("b", 2, "a"),
		effortTask("c", 6, "a"),
		effortTask("d", 2, "a"),
	})
	require.NoError(t, err)

	g.ReadyTasks()
	g.Start("a", "")
	g.Complete("a", "")

	summary := g.Progress()
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 1, summary.ByStatus[model.TaskStatusCompleted])
	assert.Equal(t, 3, summary.ByStatus[model.TaskStatusPlanned])
	assert.InDelta(t, 25.0, summary.PercentComplete, 0.01)
	assert.InDelta(t, 12.0, summary.EstimatedHours, 0.01)
	assert.InDelta(t, 2.0, summary.CompletedHours, 0.01)
}
