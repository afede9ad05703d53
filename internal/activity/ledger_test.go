package activity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/activity/activitytest"
	"github.com/stretchr/testify/assert"
)

func TestMemoryLedger(t *testing.T) {
	activitytest.RunLedgerSuite(t, func(t *testing.T) activity.Ledger {
		return activity.NewMemoryLedger()
	})
}

func TestMemoryLedger_RejectsInvalidRecord(t *testing.T) {
	l := activity.NewMemoryLedger()
	rec := activitytest.NewRecord("", "", "view_album", 0)

	err := l.Append(context.Background(), rec)

	assert.True(t, errors.Is(err, activity.ErrInvalidRecord))
	assert.Equal(t, 0, l.Len())
}

func TestRecordValidate(t *testing.T) {
	valid := activitytest.NewRecord("s1", "", "view_album", 0, activitytest.Album("A1"))

	tests := []struct {
		name   string
		mutate func(r *activity.Record)
		ok     bool
	}{
		{name: "valid", mutate: func(r *activity.Record) {}, ok: true},
		{name: "no entities", mutate: func(r *activity.Record) { r.Entities = nil }, ok: true},
		{name: "missing session", mutate: func(r *activity.Record) { r.SessionID = "" }},
		{name: "missing operation", mutate: func(r *activity.Record) { r.Operation = "" }},
		{name: "bad operation type", mutate: func(r *activity.Record) { r.OperationType = "write" }},
		{name: "bad entity kind", mutate: func(r *activity.Record) {
			r.Entities = []activity.EntityRef{{Kind: "playlist", ID: "P1"}}
		}},
		{name: "empty entity id", mutate: func(r *activity.Record) {
			r.Entities = []activity.EntityRef{{Kind: activity.EntityTrack}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, activity.ErrInvalidRecord)
			}
		})
	}
}

func TestRecordActorKey(t *testing.T) {
	assert.Equal(t, "s1", activitytest.NewRecord("s1", "", "x", 0).ActorKey())
	assert.Equal(t, "u1", activitytest.NewRecord("s1", "u1", "x", 0).ActorKey())
}
