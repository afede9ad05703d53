package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/platform/logger"
	"github.com/phrazzld/spin-api/internal/store"
)

// ActivityStore implements activity.Ledger on SQLite. Timestamps are stored
// as unix milliseconds.
type ActivityStore struct {
	db *sql.DB
}

// NewActivityStore creates an ActivityStore on a database opened with Open.
func NewActivityStore(db *sql.DB) *ActivityStore {
	return &ActivityStore{db: db}
}

var _ activity.Ledger = (*ActivityStore)(nil)

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Append implements activity.Ledger.
func (s *ActivityStore) Append(ctx context.Context, rec activity.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	entities, err := json.Marshal(nonNil(rec.Entities))
	if err != nil {
		return fmt.Errorf("failed to encode entities: %w", err)
	}
	at := toMillis(rec.Timestamp)

	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO activity_records (id, session_id, user_id, operation, operation_type, entities, occurred_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
			rec.ID.String(), rec.SessionID, rec.UserID, rec.Operation, string(rec.OperationType), string(entities), at,
		); err != nil {
			logger.FromContext(ctx).Error("failed to insert activity record",
				"record_id", rec.ID,
				"error", err)
			return fmt.Errorf("failed to insert activity record: %w", err)
		}

		for i, e := range rec.Entities {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO activity_entities (record_id, position, kind, entity_id, occurred_at)
				VALUES (?, ?, ?, ?, ?)`,
				rec.ID.String(), i, string(e.Kind), e.ID, at,
			); err != nil {
				return fmt.Errorf("failed to insert activity entity: %w", err)
			}
		}
		return nil
	})
}

// SessionActivity implements activity.Ledger.
func (s *ActivityStore) SessionActivity(ctx context.Context, actor activity.Actor, limit int) (activity.SessionSummary, error) {
	var summary activity.SessionSummary
	if actor.IsZero() {
		return summary, nil
	}

	column, value := "session_id", actor.SessionID
	if actor.SessionID == "" {
		column, value = "user_id", actor.UserID
	}

	var first, last sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(occurred_at), MAX(occurred_at), COUNT(*) FROM activity_records WHERE `+column+` = ?`,
		value,
	).Scan(&first, &last, &summary.Count); err != nil {
		return summary, fmt.Errorf("failed to summarize session activity: %w", err)
	}
	if summary.Count == 0 {
		return summary, nil
	}
	summary.FirstAt = fromMillis(first.Int64)
	summary.LastAt = fromMillis(last.Int64)

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(user_id, ''), operation, operation_type, entities, occurred_at
		FROM activity_records
		WHERE `+column+` = ?
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?`,
		value, limit)
	if err != nil {
		return summary, fmt.Errorf("failed to query session activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return summary, err
		}
		summary.Recent = append(summary.Recent, rec)
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("failed to iterate session activity: %w", err)
	}
	return summary, nil
}

func scanRecord(rows *sql.Rows) (activity.Record, error) {
	var (
		rec      activity.Record
		id       string
		opType   string
		entities string
		at       int64
	)
	if err := rows.Scan(&id, &rec.SessionID, &rec.UserID, &rec.Operation, &opType, &entities, &at); err != nil {
		return rec, fmt.Errorf("failed to scan activity record: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return rec, fmt.Errorf("invalid activity record id %q: %w", id, err)
	}
	rec.ID = parsed
	rec.OperationType = activity.OperationType(opType)
	rec.Timestamp = fromMillis(at)
	if err := json.Unmarshal([]byte(entities), &rec.Entities); err != nil {
		return rec, fmt.Errorf("failed to decode entities of %s: %w", id, err)
	}
	if len(rec.Entities) == 0 {
		rec.Entities = nil
	}
	return rec, nil
}

// CountActiveActors implements activity.Ledger.
func (s *ActivityStore) CountActiveActors(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT COALESCE(user_id, session_id)) FROM activity_records WHERE occurred_at >= ?`,
		toMillis(since),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active actors: %w", err)
	}
	return n, nil
}

// EntityIDs implements activity.Ledger.
func (s *ActivityStore) EntityIDs(ctx context.Context, kind activity.EntityKind, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT entity_id FROM activity_entities WHERE kind = ? AND occurred_at >= ?`,
		string(kind), toMillis(since))
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
func (s *ActivityStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM activity_records WHERE occurred_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune activity records: %w", err)
	}
	return result.RowsAffected()
}

func nonNil(refs []activity.EntityRef) []activity.EntityRef {
	if refs == nil {
		return []activity.EntityRef{}
	}
	return refs
}
