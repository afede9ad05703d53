package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/spin-api/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{name: "nil_error", err: nil},
		{name: "sql_no_rows", err: sql.ErrNoRows, sentinel: store.ErrNotFound},
		{
			name:     "unique_violation",
			err:      &pgconn.PgError{Code: uniqueViolationCode, ConstraintName: "jobs_pkey"},
			sentinel: store.ErrDuplicate,
		},
		{
			name:     "foreign_key_violation",
			err:      &pgconn.PgError{Code: foreignKeyViolationCode, ConstraintName: "activity_entities_record_id_fkey"},
			sentinel: store.ErrInvalidEntity,
		},
		{
			name:     "check_constraint_violation",
			err:      &pgconn.PgError{Code: checkViolationCode, ConstraintName: "jobs_job_class_check"},
			sentinel: store.ErrInvalidEntity,
		},
		{
			name:     "not_null_violation",
			err:      &pgconn.PgError{Code: notNullViolationCode, ColumnName: "session_id"},
			sentinel: store.ErrInvalidEntity,
		},
		{name: "generic_error", err: errors.New("connection reset by peer")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			if tt.sentinel == nil {
				assert.Equal(t, tt.err, got)
				return
			}
			assert.ErrorIs(t, got, tt.sentinel)
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: uniqueViolationCode}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: uniqueViolationCode})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: checkViolationCode}))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := Migrations.ReadDir(MigrationsDir)
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
}
