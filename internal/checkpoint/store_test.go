package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/initiative-engine/internal/graph"
	"github.com/t77yq/initiative-engine/internal/model"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleGraph(t *testing.T) *graph.TaskGraph {
	t.Helper()
	tasks := []model.Task{
		{ID: "design", Title: "Design", Type: model.TaskTypeAnalysis, Priority: model.TaskPriorityHigh, EstimatedHours: 4},
		{ID: "build", Title: "Build", Type: model.TaskTypeDevelopment, Priority: model.TaskPriorityMedium, EstimatedHours: 8, Dependencies: []string{"design"}},
		{ID: "test", Title: "Test", Type: model.TaskTypeTesting, Priority: model.TaskPriorityMedium, EstimatedHours: 4, Dependencies: []string{"build"}},
		{ID: "ship", Title: "Ship", Type: model.TaskTypeDeployment, Priority: model.TaskPriorityCritical, EstimatedHours: 2, Dependencies: []string{"test"}, ApprovalRequired: true},
		{ID: "announce", Title: "Announce", Type: model.TaskTypeCoordination, Priority: model.TaskPriorityLow, EstimatedHours: 1, Dependencies: []string{"ship"}},
	}
	g, err := graph.New(tasks)
	require.NoError(t, err)

	g.ReadyTasks()
	require.True(t, g.Start("design", "analyst"))
	require.True(t, g.Complete("design", "design doc approved"))
	g.ReadyTasks()
	require.True(t, g.Start("build", "dev"))
	require.True(t, g.Complete("build", "merged"))
	g.ReadyTasks()
	require.True(t, g.Start("test", "ci"))
	return g
}

func sampleContext() model.ExecutionContext {
	return model.ExecutionContext{
		InitiativeID:     "init-42",
		PlanID:           "plan-1",
		OrgID:            "acme",
		Owner:            "owner@example.com",
		Mode:             model.ExecutionModeSemiAuto,
		MaxParallelTasks: 3,
		ExecutionTimeout: 30 * time.Minute,
		RetryFailedTasks: true,
		MaxRetries:       2,
	}
}

func TestCreateRestore_RoundTrip(t *testing.T) {
	store := newStore(t)
	g := sampleGraph(t)
	ectx := sampleContext()

	cp, err := store.Create(context.Background(), "init-42", g, ectx,
		model.CheckpointManual, "midway", []string{"demo"}, "tester")
	require.NoError(t, err)
	require.NotEmpty(t, cp.ID)
	require.NotEmpty(t, cp.Hash)
	assert.Equal(t, 2, cp.Progress.ByStatus[model.TaskStatusCompleted])

	restored, restoredCtx, meta, err := store.Restore(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, ectx, restoredCtx)
	assert.Equal(t, 1, meta.RestoreCount)
	require.NotNil(t, meta.LastRestoredAt)

	// Node statuses, timestamps, and execution logs survive intact
	origNodes := g.Nodes()
	restoredNodes := restored.Nodes()
	require.Len(t, restoredNodes, len(origNodes))
	for i := range origNodes {
		assert.Equal(t, origNodes[i].Task.ID, restoredNodes[i].Task.ID)
		assert.Equal(t, origNodes[i].Status, restoredNodes[i].Status)
		assert.Equal(t, origNodes[i].ExecutionLog, restoredNodes[i].ExecutionLog)
		if origNodes[i].StartedAt != nil {
			require.NotNil(t, restoredNodes[i].StartedAt)
			assert.True(t, origNodes[i].StartedAt.Equal(*restoredNodes[i].StartedAt))
		}
	}
	assert.Len(t, restored.History(), len(g.History()))

	// Progress summary matches the pre-checkpoint one
	assert.Equal(t, g.Progress().ByStatus, restored.Progress().ByStatus)
}

func TestRestore_TamperedSnapshotFails(t *testing.T) {
	store := newStore(t)
	cp, err := store.Create(context.Background(), "init-42", sampleGraph(t), sampleContext(),
		model.CheckpointAuto, "", nil, "engine")
	require.NoError(t, err)

	// Flip one byte of the stored snapshot
	_, err = store.db.Exec("UPDATE checkpoints SET snapshot = ? WHERE id = ?",
		flipByte(cp.Snapshot, 10), cp.ID)
	require.NoError(t, err)

	_, _, _, err = store.Restore(context.Background(), cp.ID)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestRestore_TamperedHashFails(t *testing.T) {
	store := newStore(t)
	cp, err := store.Create(context.Background(), "init-42", sampleGraph(t), sampleContext(),
		model.CheckpointAuto, "", nil, "engine")
	require.NoError(t, err)

	_, err = store.db.Exec("UPDATE checkpoints SET hash = ? WHERE id = ?",
		"deadbeef"+cp.Hash[8:], cp.ID)
	require.NoError(t, err)

	_, _, _, err = store.Restore(context.Background(), cp.ID)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestRestore_InvalidatedRefused(t *testing.T) {
	store := newStore(t)
	cp, err := store.Create(context.Background(), "init-42", sampleGraph(t), sampleContext(),
		model.CheckpointPause, "", nil, "engine")
	require.NoError(t, err)

	require.NoError(t, store.Invalidate(context.Background(), cp.ID))

	_, _, _, err = store.Restore(context.Background(), cp.ID)
	require.ErrorIs(t, err, ErrInvalidCheckpoint)

	// Still queryable for audit
	got, err := store.Get(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.False(t, got.Valid)
}

func TestRestore_NotFound(t *testing.T) {
	store := newStore(t)
	_, _, _, err := store.Restore(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestList_FiltersAndOrders(t *testing.T) {
	store := newStore(t)
	g := sampleGraph(t)
	ectx := sampleContext()

	_, err := store.Create(context.Background(), "init-42", g, ectx, model.CheckpointMilestone, "first", nil, "engine")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = store.Create(context.Background(), "init-42", g, ectx, model.CheckpointAuto, "second", nil, "engine")
	require.NoError(t, err)
	_, err = store.Create(context.Background(), "other-init", g, ectx, model.CheckpointAuto, "", nil, "engine")
	require.NoError(t, err)

	all, err := store.List(context.Background(), "init-42")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "second", all[0].Description)

	autos, err := store.List(context.Background(), "init-42", model.CheckpointAuto)
	require.NoError(t, err)
	require.Len(t, autos, 1)
	assert.Equal(t, model.CheckpointAuto, autos[0].Kind)
}

func TestLatest_SkipsInvalidated(t *testing.T) {
	store := newStore(t)
	g := sampleGraph(t)
	ectx := sampleContext()

	first, err := store.Create(context.Background(), "init-42", g, ectx, model.CheckpointAuto, "first", nil, "engine")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := store.Create(context.Background(), "init-42", g, ectx, model.CheckpointAuto, "second", nil, "engine")
	require.NoError(t, err)

	require.NoError(t, store.Invalidate(context.Background(), second.ID))

	latest, err := store.Latest(context.Background(), "init-42")
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)
}

func TestSnapshot_SchemaVersionChecked(t *testing.T) {
	snapshot := Build("init-1", sampleGraph(t), sampleContext())
	snapshot.SchemaVersion = 99
	data, err := snapshot.Encode()
	require.NoError(t, err)

	_, err = Decode(data)
	require.ErrorIs(t, err, ErrSchemaVersion)
}

func TestSnapshot_GarbageFailsDeserialization(t *testing.T) {
	_, err := Decode([]byte("not json at all"))
	require.ErrorIs(t, err, ErrDeserialization)
}

func TestSnapshot_PreservesDroppedDependencies(t *testing.T) {
	g, err := graph.New([]model.Task{
		{ID: "a", Type: model.TaskTypeDevelopment, Priority: model.TaskPriorityMedium, EstimatedHours: 1},
		{ID: "b", Type: model.TaskTypeDevelopment, Priority: model.TaskPriorityMedium, EstimatedHours: 1, Dependencies: []string{"a"}},
	})
	require.NoError(t, err)
	require.True(t, g.DropDependency("b", "a"))

	snapshot := Build("init-1", g, sampleContext())
	restored, err := snapshot.Graph()
	require.NoError(t, err)
	assert.Empty(t, restored.Dependencies("b"))
}

func TestAutoPolicy(t *testing.T) {
	progress := func(completed, total int) model.ProgressSummary {
		return model.ProgressSummary{
			Total:           total,
			ByStatus:        map[model.TaskStatus]int{model.TaskStatusCompleted: completed},
			PercentComplete: float64(completed) / float64(total) * 100,
		}
	}

	policy := NewAutoPolicy(time.Hour)

	// No prior checkpoint
	assert.True(t, policy.Needed(progress(0, 20)))
	policy.MarkCheckpointed(progress(0, 20))
	assert.False(t, policy.Needed(progress(1, 20)))

	// Multiple-of-5 completed milestone
	assert.True(t, policy.Needed(progress(5, 20)))
	policy.MarkCheckpointed(progress(5, 20))
	assert.False(t, policy.Needed(progress(6, 20)))

	// 25% progress boundary: 1/7 (14%) -> 2/7 (29%)
	boundary := NewAutoPolicy(time.Hour)
	boundary.MarkCheckpointed(progress(1, 7))
	assert.True(t, boundary.Needed(progress(2, 7)))

	// Interval elapsed
	short := NewAutoPolicy(time.Nanosecond)
	short.MarkCheckpointed(progress(1, 20))
	time.Sleep(time.Millisecond)
	assert.True(t, short.Needed(progress(1, 20)))
}

func flipByte(data []byte, index int) []byte {
	out := append([]byte(nil), data...)
	out[index] ^= 0xFF
	return out
}
