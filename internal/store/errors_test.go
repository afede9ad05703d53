package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		notFound  bool
		duplicate bool
	}{
		{name: "nil", err: nil},
		{name: "generic not found", err: ErrNotFound, notFound: true},
		{name: "job not found", err: ErrJobNotFound, notFound: true},
		{name: "wrapped job not found", err: fmt.Errorf("claim: %w", ErrJobNotFound), notFound: true},
		{name: "duplicate record", err: ErrActivityRecordExists, duplicate: true},
		{name: "unrelated", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.notFound, IsNotFoundError(tt.err))
			assert.Equal(t, tt.duplicate, IsDuplicateError(tt.err))
		})
	}
}

func TestStoreError(t *testing.T) {
	inner := errors.New("connection reset")
	err := NewStoreError("job", "claim", "query failed", inner)

	assert.Equal(t, "claim operation on job failed: query failed: connection reset", err.Error())
	assert.ErrorIs(t, err, inner)

	bare := NewStoreError("job", "claim", "no rows", nil)
	assert.Equal(t, "claim operation on job failed: no rows", bare.Error())

	var target *StoreError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &target))
	assert.Equal(t, "job", target.Entity)
}
