package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/initiative-engine/internal/model"
)

// InitiativeStore durably persists initiative records. Initiatives are
// never deleted; cancelled ones remain queryable.
type InitiativeStore interface {
	// Create persists a new initiative
	Create(ctx context.Context, initiative *model.Initiative) error

	// Get returns an initiative by id
	Get(ctx context.Context, id string) (*model.Initiative, error)

	// Update overwrites an initiative's mutable fields
	Update(ctx context.Context, initiative *model.Initiative) error

	// List returns an org's initiatives, newest first, optionally
	// filtered by status
	List(ctx context.Context, orgID string, statuses ...model.InitiativeStatus) ([]*model.Initiative, error)
}

// SQLiteInitiativeStore implements InitiativeStore on SQLite
type SQLiteInitiativeStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteInitiativeStore opens (or creates) the initiative database
func NewSQLiteInitiativeStore(logger *zap.Logger, dbPath string) (*SQLiteInitiativeStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteInitiativeStore{
		logger: logger.Named("initiative-store"),
		db:     db,
	}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteInitiativeStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS initiatives (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			plan_id TEXT,
			checkpoint_ids TEXT,
			owner TEXT NOT NULL,
			org_id TEXT NOT NULL,
			ticket_key TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_initiatives_org ON initiatives(org_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_initiatives_status ON initiatives(status);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Create implements InitiativeStore.Create
func (s *SQLiteInitiativeStore) Create(ctx context.Context, initiative *model.Initiative) error {
	checkpointIDs, metadata, err := marshalInitiativeFields(initiative)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO initiatives (
			id, title, goal, status, plan_id, checkpoint_ids,
			owner, org_id, ticket_key, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		initiative.ID,
		initiative.Title,
		initiative.Goal,
		string(initiative.Status),
		initiative.PlanID,
		checkpointIDs,
		initiative.Owner,
		initiative.OrgID,
		initiative.TicketKey,
		metadata,
		initiative.CreatedAt.UTC().Format(time.RFC3339Nano),
		initiative.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.logger.Info("Initiative created",
		zap.String("initiative_id", initiative.ID),
		zap.String("org_id", initiative.OrgID))
	return nil
}

// Get implements InitiativeStore.Get
func (s *SQLiteInitiativeStore) Get(ctx context.Context, id string) (*model.Initiative, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, goal, status, plan_id, checkpoint_ids,
		       owner, org_id, ticket_key, metadata, created_at, updated_at
		FROM initiatives WHERE id = ?`, id)

	initiative, err := scanInitiative(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return initiative, nil
}

// Update implements InitiativeStore.Update
func (s *SQLiteInitiativeStore) Update(ctx context.Context, initiative *model.Initiative) error {
	checkpointIDs, metadata, err := marshalInitiativeFields(initiative)
	if err != nil {
		return err
	}

	initiative.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE initiatives SET
			title = ?, goal = ?, status = ?, plan_id = ?,
			checkpoint_ids = ?, ticket_key = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		initiative.Title,
		initiative.Goal,
		string(initiative.Status),
		initiative.PlanID,
		checkpointIDs,
		initiative.TicketKey,
		metadata,
		initiative.UpdatedAt.Format(time.RFC3339Nano),
		initiative.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, initiative.ID)
	}
	return nil
}

// List implements InitiativeStore.List
func (s *SQLiteInitiativeStore) List(ctx context.Context, orgID string, statuses ...model.InitiativeStatus) ([]*model.Initiative, error) {
	query := `
		SELECT id, title, goal, status, plan_id, checkpoint_ids,
		       owner, org_id, ticket_key, metadata, created_at, updated_at
		FROM initiatives WHERE org_id = ?`
	args := []interface{}{orgID}

	if len(statuses) > 0 {
		query += " AND status IN (?" + strings.Repeat(",?", len(statuses)-1) + ")"
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += " ORDER BY rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var initiatives []*model.Initiative
	for rows.Next() {
		initiative, err := scanInitiative(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		initiatives = append(initiatives, initiative)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return initiatives, nil
}

// Close closes the database connection
func (s *SQLiteInitiativeStore) Close() error {
	return s.db.Close()
}

func marshalInitiativeFields(initiative *model.Initiative) (string, string, error) {
	checkpointIDs, err := json.Marshal(initiative.CheckpointIDs)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metadata, err := json.Marshal(initiative.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return string(checkpointIDs), string(metadata), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInitiative(row rowScanner) (*model.Initiative, error) {
	var initiative model.Initiative
	var status, createdAt, updatedAt string
	var planID, checkpointIDs, ticketKey, metadata sql.NullString

	err := row.Scan(
		&initiative.ID,
		&initiative.Title,
		&initiative.Goal,
		&status,
		&planID,
		&checkpointIDs,
		&initiative.Owner,
		&initiative.OrgID,
		&ticketKey,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	initiative.Status = model.InitiativeStatus(status)
	initiative.PlanID = planID.String
	initiative.TicketKey = ticketKey.String
	if checkpointIDs.Valid && checkpointIDs.String != "" {
		if err := json.Unmarshal([]byte(checkpointIDs.String), &initiative.CheckpointIDs); err != nil {
			return nil, fmt.Errorf("bad checkpoint_ids: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &initiative.Metadata); err != nil {
			return nil, fmt.Errorf("bad metadata: %w", err)
		}
	}
	if initiative.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	if initiative.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at: %w", err)
	}
	return &initiative, nil
}
