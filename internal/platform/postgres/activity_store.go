package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/platform/logger"
	"github.com/phrazzld/spin-api/internal/store"
)

// PostgresActivityStore implements activity.Ledger using PostgreSQL.
type PostgresActivityStore struct {
	db store.DBTX
}

// NewPostgresActivityStore creates a new PostgresActivityStore.
func NewPostgresActivityStore(db store.DBTX) *PostgresActivityStore {
	return &PostgresActivityStore{db: db}
}

var _ activity.Ledger = (*PostgresActivityStore)(nil)

// WithTx returns a store bound to tx.
func (s *PostgresActivityStore) WithTx(tx *sql.Tx) *PostgresActivityStore {
	return &PostgresActivityStore{db: tx}
}

// Append implements activity.Ledger. The record row and its entity index rows
// are written by a single statement.
func (s *PostgresActivityStore) Append(ctx context.Context, rec activity.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	entities := rec.Entities
	if entities == nil {
		entities = []activity.EntityRef{}
	}
	payload, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("failed to encode entities: %w", err)
	}

	query := `
		WITH rec AS (
			INSERT INTO activity_records (id, session_id, user_id, operation, operation_type, entities, occurred_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
			RETURNING id, entities, occurred_at
		)
		INSERT INTO activity_entities (record_id, position, kind, entity_id, occurred_at)
		SELECT rec.id, e.ord - 1, e.value->>'kind', e.value->>'id', rec.occurred_at
		FROM rec, jsonb_array_elements(rec.entities) WITH ORDINALITY AS e(value, ord)
	`
	if _, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.UserID, rec.Operation, string(rec.OperationType), string(payload), rec.Timestamp.UTC(),
	); err != nil {
		logger.FromContext(ctx).Error("failed to append activity record",
			"record_id", rec.ID,
			"session_id", rec.SessionID,
			"error", err)
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %v", store.ErrActivityRecordExists, err)
		}
		return fmt.Errorf("failed to append activity record: %w", MapError(err))
	}
	return nil
}

// SessionActivity implements activity.Ledger.
func (s *PostgresActivityStore) SessionActivity(ctx context.Context, actor activity.Actor, limit int) (activity.SessionSummary, error) {
	var summary activity.SessionSummary
	if actor.IsZero() {
		return summary, nil
	}

	column, value := "session_id", actor.SessionID
	if actor.SessionID == "" {
		column, value = "user_id", actor.UserID
	}

	var first, last sql.NullTime
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(occurred_at), MAX(occurred_at), COUNT(*) FROM activity_records WHERE `+column+` = $1`,
		value,
	).Scan(&first, &last, &summary.Count); err != nil {
		return summary, fmt.Errorf("failed to summarize session activity: %w", err)
	}
	if summary.Count == 0 {
		return summary, nil
	}
	summary.FirstAt = first.Time.UTC()
	summary.LastAt = last.Time.UTC()

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(user_id, ''), operation, operation_type, entities, occurred_at
		FROM activity_records
		WHERE `+column+` = $1
		ORDER BY occurred_at DESC
		LIMIT $2`,
		value, limitArg)
	if err != nil {
		return summary, fmt.Errorf("failed to query session activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			rec      activity.Record
			opType   string
			entities []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.UserID, &rec.Operation, &opType, &entities, &rec.Timestamp); err != nil {
			return summary, fmt.Errorf("failed to scan activity record: %w", err)
		}
		rec.OperationType = activity.OperationType(opType)
		rec.Timestamp = rec.Timestamp.UTC()
		if err := json.Unmarshal(entities, &rec.Entities); err != nil {
			return summary, fmt.Errorf("failed to decode entities of %s: %w", rec.ID, err)
		}
		if len(rec.Entities) == 0 {
			rec.Entities = nil
		}
		summary.Recent = append(summary.Recent, rec)
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("failed to iterate session activity: %w", err)
	}
	return summary, nil
}

// CountActiveActors implements activity.Ledger.
func (s *PostgresActivityStore) CountActiveActors(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT COALESCE(user_id, session_id)) FROM activity_records WHERE occurred_at >= $1`,
		since.UTC(),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active actors: %w", err)
	}
	return n, nil
}

// EntityIDs implements activity.Ledger.
func (s *PostgresActivityStore) EntityIDs(ctx context.Context, kind activity.EntityKind, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT entity_id FROM activity_entities WHERE kind = $1 AND occurred_at >= $2`,
		string(kind), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query entity ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune implements activity.Ledger.
func (s *PostgresActivityStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM activity_records WHERE occurred_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune activity records: %w", err)
	}
	return result.RowsAffected()
}
