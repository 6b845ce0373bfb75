package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/initiative-engine/internal/model"
)

func newInitiativeStore(t *testing.T) *SQLiteInitiativeStore {
	t.Helper()
	store, err := NewSQLiteInitiativeStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "initiatives.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleInitiative(orgID string) *model.Initiative {
	now := time.Now().UTC()
	return &model.Initiative{
		ID:            uuid.NewString(),
		Title:         "Migrate billing",
		Goal:          "move billing to the new platform",
		Status:        model.InitiativeStatusPlanned,
		PlanID:        uuid.NewString(),
		CheckpointIDs: []string{"cp-1", "cp-2"},
		Owner:         "casey",
		OrgID:         orgID,
		TicketKey:     "OPS-42",
		Metadata:      map[string]string{"quarter": "Q3"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestInitiativeStore_CreateAndGet(t *testing.T) {
	store := newInitiativeStore(t)
	ctx := context.Background()

	initiative := sampleInitiative("org-1")
	require.NoError(t, store.Create(ctx, initiative))

	got, err := store.Get(ctx, initiative.ID)
	require.NoError(t, err)
	assert.Equal(t, initiative.Title, got.Title)
	assert.Equal(t, initiative.Goal, got.Goal)
	assert.Equal(t, model.InitiativeStatusPlanned, got.Status)
	assert.Equal(t, initiative.PlanID, got.PlanID)
	assert.Equal(t, []string{"cp-1", "cp-2"}, got.CheckpointIDs)
	assert.Equal(t, "OPS-42", got.TicketKey)
	assert.Equal(t, map[string]string{"quarter": "Q3"}, got.Metadata)
	assert.True(t, got.CreatedAt.Equal(initiative.CreatedAt))
}

func TestInitiativeStore_GetUnknown(t *testing.T) {
	store := newInitiativeStore(t)

	_, err := store.Get(context.Background(), "no-such-initiative")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInitiativeStore_Update(t *testing.T) {
	store := newInitiativeStore(t)
	ctx := context.Background()

	initiative := sampleInitiative("org-1")
	require.NoError(t, store.Create(ctx, initiative))

	initiative.Status = model.InitiativeStatusInProgress
	initiative.CheckpointIDs = append(initiative.CheckpointIDs, "cp-3")
	require.NoError(t, store.Update(ctx, initiative))

	got, err := store.Get(ctx, initiative.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InitiativeStatusInProgress, got.Status)
	assert.Equal(t, []string{"cp-1", "cp-2", "cp-3"}, got.CheckpointIDs)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt))
}

func TestInitiativeStore_UpdateUnknown(t *testing.T) {
	store := newInitiativeStore(t)

	err := store.Update(context.Background(), sampleInitiative("org-1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInitiativeStore_ListByOrgAndStatus(t *testing.T) {
	store := newInitiativeStore(t)
	ctx := context.Background()

	first := sampleInitiative("org-1")
	second := sampleInitiative("org-1")
	second.Status = model.InitiativeStatusDone
	other := sampleInitiative("org-2")
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))
	require.NoError(t, store.Create(ctx, other))

	all, err := store.List(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	done, err := store.List(ctx, "org-1", model.InitiativeStatusDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, second.ID, done[0].ID)

	none, err := store.List(ctx, "org-3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInitiativeStore_CancelledStaysQueryable(t *testing.T) {
	store := newInitiativeStore(t)
	ctx := context.Background()

	initiative := sampleInitiative("org-1")
	require.NoError(t, store.Create(ctx, initiative))
	initiative.Status = model.InitiativeStatusCancelled
	require.NoError(t, store.Update(ctx, initiative))

	got, err := store.Get(ctx, initiative.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InitiativeStatusCancelled, got.Status)

	listed, err := store.List(ctx, "org-1", model.InitiativeStatusCancelled)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}
