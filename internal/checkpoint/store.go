package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/initiative-engine/internal/graph"
	"github.com/t77yq/initiative-engine/internal/model"
)

// Store is the durable checkpoint collaborator. Creates are atomic: a
// checkpoint is either fully persisted or does not exist.
type Store interface {
	// Create serializes graph + context and persists a new checkpoint
	Create(ctx context.Context, initiativeID string, g *graph.TaskGraph, ectx model.ExecutionContext,
		kind model.CheckpointKind, description string, tags []string, createdBy string) (*model.Checkpoint, error)

	// Restore loads, verifies, and reconstructs a checkpoint. Restoring
	// bumps the restore counter but never mutates the snapshot itself.
	Restore(ctx context.Context, id string) (*graph.TaskGraph, model.ExecutionContext, *model.Checkpoint, error)

	// Get returns checkpoint metadata without restoring it
	Get(ctx context.Context, id string) (*model.Checkpoint, error)

	// List returns an initiative's checkpoints, newest first, optionally
	// filtered by kind
	List(ctx context.Context, initiativeID string, kinds ...model.CheckpointKind) ([]*model.Checkpoint, error)

	// Latest returns the newest valid checkpoint for an initiative
	Latest(ctx context.Context, initiativeID string) (*model.Checkpoint, error)

	// Invalidate soft-deletes a checkpoint: it stays queryable for audit
	// but Restore refuses it
	Invalidate(ctx context.Context, id string) error
}

// SQLiteStore implements Store on a local SQLite database
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the checkpoint database. Existing
// data is kept: the whole point of the store is surviving restarts.
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		logger: logger.Named("checkpoint-store"),
		db:     db,
	}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			initiative_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL,
			created_by TEXT NOT NULL,
			description TEXT,
			tags TEXT,
			snapshot BLOB NOT NULL,
			progress TEXT NOT NULL,
			hash TEXT NOT NULL,
			valid INTEGER NOT NULL DEFAULT 1,
			restore_count INTEGER NOT NULL DEFAULT 0,
			last_restored_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_initiative ON checkpoints(initiative_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_kind ON checkpoints(kind);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Create implements Store.Create
func (s *SQLiteStore) Create(ctx context.Context, initiativeID string, g *graph.TaskGraph, ectx model.ExecutionContext,
	kind model.CheckpointKind, description string, tags []string, createdBy string) (*model.Checkpoint, error) {

	snapshot := Build(initiativeID, g, ectx)
	data, err := snapshot.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	cp := &model.Checkpoint{
		ID:           uuid.NewString(),
		InitiativeID: initiativeID,
		Kind:         kind,
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    createdBy,
		Description:  description,
		Tags:         append([]string(nil), tags...),
		Snapshot:     data,
		Progress:     g.Progress(),
		Valid:        true,
	}
	cp.Hash = ComputeHash(initiativeID, data, kind, cp.CreatedAt)

	tagsJSON, err := json.Marshal(cp.Tags)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	progressJSON, err := json.Marshal(cp.Progress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (
			id, initiative_id, kind, created_at, created_by,
			description, tags, snapshot, progress, hash, valid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		cp.ID,
		cp.InitiativeID,
		string(cp.Kind),
		cp.CreatedAt.Format(time.RFC3339Nano),
		cp.CreatedBy,
		cp.Description,
		string(tagsJSON),
		cp.Snapshot,
		string(progressJSON),
		cp.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.logger.Info("Checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.String("initiative_id", initiativeID),
		zap.String("kind", string(kind)),
		zap.Float64("percent_complete", cp.Progress.PercentComplete))

	return cp, nil
}

// Restore implements Store.Restore
func (s *SQLiteStore) Restore(ctx context.Context, id string) (*graph.TaskGraph, model.ExecutionContext, *model.Checkpoint, error) {
	cp, err := s.Get(ctx, id)
	if err != nil {
		return nil, model.ExecutionContext{}, nil, err
	}
	if !cp.Valid {
		return nil, model.ExecutionContext{}, nil, fmt.Errorf("%w: %s", ErrInvalidCheckpoint, id)
	}

	recomputed := ComputeHash(cp.InitiativeID, cp.Snapshot, cp.Kind, cp.CreatedAt)
	if recomputed != cp.Hash {
		return nil, model.ExecutionContext{}, nil, fmt.Errorf("%w: checkpoint %s", ErrIntegrity, id)
	}

	snapshot, err := Decode(cp.Snapshot)
	if err != nil {
		return nil, model.ExecutionContext{}, nil, err
	}
	g, err := snapshot.Graph()
	if err != nil {
		return nil, model.ExecutionContext{}, nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE checkpoints SET restore_count = restore_count + 1, last_restored_at = ?
		WHERE id = ?`,
		now.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, model.ExecutionContext{}, nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	cp.RestoreCount++
	cp.LastRestoredAt = &now

	s.logger.Info("Checkpoint restored",
		zap.String("checkpoint_id", id),
		zap.String("initiative_id", cp.InitiativeID),
		zap.Int("restore_count", cp.RestoreCount))

	return g, snapshot.Context, cp, nil
}

// Get implements Store.Get
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, initiative_id, kind, created_at, created_by, description,
		       tags, snapshot, progress, hash, valid, restore_count, last_restored_at
		FROM checkpoints WHERE id = ?`, id)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return cp, nil
}

// List implements Store.List
func (s *SQLiteStore) List(ctx context.Context, initiativeID string, kinds ...model.CheckpointKind) ([]*model.Checkpoint, error) {
	query := `
		SELECT id, initiative_id, kind, created_at, created_by, description,
		       tags, snapshot, progress, hash, valid, restore_count, last_restored_at
		FROM checkpoints WHERE initiative_id = ?`
	args := []interface{}{initiativeID}

	if len(kinds) > 0 {
		query += " AND kind IN (?" + strings.Repeat(",?", len(kinds)-1) + ")"
		for _, kind := range kinds {
			args = append(args, string(kind))
		}
	}
	// RFC3339Nano trims trailing zeros, so the timestamp text is not
	// reliably sortable; insertion order is creation order here.
	query += " ORDER BY rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var checkpoints []*model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return checkpoints, nil
}

// Latest implements Store.Latest
func (s *SQLiteStore) Latest(ctx context.Context, initiativeID string) (*model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, initiative_id, kind, created_at, created_by, description,
		       tags, snapshot, progress, hash, valid, restore_count, last_restored_at
		FROM checkpoints
		WHERE initiative_id = ? AND valid = 1
		ORDER BY rowid DESC LIMIT 1`, initiativeID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no valid checkpoint for initiative %s", ErrNotFound, initiativeID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return cp, nil
}

// Invalidate implements Store.Invalidate
func (s *SQLiteStore) Invalidate(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE checkpoints SET valid = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.logger.Info("Checkpoint invalidated", zap.String("checkpoint_id", id))
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row rowScanner) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var kind, createdAt string
	var tags, progress sql.NullString
	var lastRestoredAt sql.NullString
	var valid int

	err := row.Scan(
		&cp.ID,
		&cp.InitiativeID,
		&kind,
		&createdAt,
		&cp.CreatedBy,
		&cp.Description,
		&tags,
		&cp.Snapshot,
		&progress,
		&cp.Hash,
		&valid,
		&cp.RestoreCount,
		&lastRestoredAt,
	)
	if err != nil {
		return nil, err
	}

	cp.Kind = model.CheckpointKind(kind)
	cp.Valid = valid == 1
	if cp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &cp.Tags); err != nil {
			return nil, fmt.Errorf("bad tags: %w", err)
		}
	}
	if progress.Valid && progress.String != "" {
		if err := json.Unmarshal([]byte(progress.String), &cp.Progress); err != nil {
			return nil, fmt.Errorf("bad progress: %w", err)
		}
	}
	if lastRestoredAt.Valid && lastRestoredAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastRestoredAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad last_restored_at: %w", err)
		}
		cp.LastRestoredAt = &t
	}
	return &cp, nil
}
