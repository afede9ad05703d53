// Package activitytest holds a behavioral test suite that every
// activity.Ledger implementation runs against itself.
package activitytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Base is the reference instant used by the suite. Timestamps are whole
// seconds so every backend round-trips them exactly.
var Base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// NewRecord builds a valid record at Base+offset.
func NewRecord(session, user, op string, offset time.Duration, entities ...activity.EntityRef) activity.Record {
	opType := activity.OperationQuery
	if op == "collection_add" || op == "collection_remove" {
		opType = activity.OperationMutation
	}
	return activity.Record{
		ID:            uuid.New(),
		SessionID:     session,
		UserID:        user,
		Operation:     op,
		OperationType: opType,
		Entities:      entities,
		Timestamp:     Base.Add(offset),
	}
}

// Album is shorthand for an album EntityRef.
func Album(id string) activity.EntityRef { return activity.EntityRef{Kind: activity.EntityAlbum, ID: id} }

// Artist is shorthand for an artist EntityRef.
func Artist(id string) activity.EntityRef { return activity.EntityRef{Kind: activity.EntityArtist, ID: id} }

// RunLedgerSuite exercises newLedger against the Ledger contract. newLedger
// must return an empty ledger on every call.
func RunLedgerSuite(t *testing.T, newLedger func(t *testing.T) activity.Ledger) {
	ctx := context.Background()

	t.Run("session activity newest first", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Append(ctx, NewRecord("s1", "", "view_album", 0, Album("A1"))))
		require.NoError(t, l.Append(ctx, NewRecord("s1", "", "view_artist", 2*time.Minute, Artist("R1"))))
		require.NoError(t, l.Append(ctx, NewRecord("s1", "", "collection_add", 5*time.Minute, Album("A2"), Artist("R1"))))
		require.NoError(t, l.Append(ctx, NewRecord("s2", "", "view_album", 10*time.Minute, Album("A9"))))

		summary, err := l.SessionActivity(ctx, activity.Actor{SessionID: "s1"}, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, summary.Count)
		assert.True(t, Base.Equal(summary.FirstAt), "first at %v", summary.FirstAt)
		assert.True(t, Base.Add(5*time.Minute).Equal(summary.LastAt), "last at %v", summary.LastAt)
		require.Len(t, summary.Recent, 2)
		assert.Equal(t, "collection_add", summary.Recent[0].Operation)
		assert.Equal(t, activity.OperationMutation, summary.Recent[0].OperationType)
		assert.Equal(t, []activity.EntityRef{Album("A2"), Artist("R1")}, summary.Recent[0].Entities)
		assert.Equal(t, "view_artist", summary.Recent[1].Operation)
	})

	t.Run("user fallback when session unknown", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Append(ctx, NewRecord("s1", "u1", "search", 0)))
		require.NoError(t, l.Append(ctx, NewRecord("s2", "u1", "search", time.Minute)))

		summary, err := l.SessionActivity(ctx, activity.Actor{UserID: "u1"}, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Count)
		require.Len(t, summary.Recent, 2)
		assert.Equal(t, "s2", summary.Recent[0].SessionID)
		assert.Equal(t, "s1", summary.Recent[1].SessionID)
		assert.Equal(t, "u1", summary.Recent[0].UserID)
	})

	t.Run("unknown actor yields empty summary", func(t *testing.T) {
		l := newLedger(t)
		summary, err := l.SessionActivity(ctx, activity.Actor{SessionID: "nobody"}, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, summary.Count)
		assert.Empty(t, summary.Recent)
	})

	t.Run("record without entities", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Append(ctx, NewRecord("s1", "", "home", 0)))

		summary, err := l.SessionActivity(ctx, activity.Actor{SessionID: "s1"}, 10)
		require.NoError(t, err)
		require.Len(t, summary.Recent, 1)
		assert.Empty(t, summary.Recent[0].Entities)
	})

	t.Run("count active actors", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Append(ctx, NewRecord("old", "", "view_album", -time.Hour)))
		require.NoError(t, l.Append(ctx, NewRecord("s1", "", "view_album", 0)))
		require.NoError(t, l.Append(ctx, NewRecord("s1", "", "view_album", time.Minute)))
		require.NoError(t, l.Append(ctx, NewRecord("s2", "u1", "view_album", time.Minute)))
		require.NoError(t, l.Append(ctx, NewRecord("s3", "u1", "view_album", 2*time.Minute)))

		n, err := l.CountActiveActors(ctx, Base.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, n, "s1 and u1")

		n, err = l.CountActiveActors(ctx, Base.Add(-2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("entity ids by kind and window", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Append(ctx, NewRecord("s1", "", "view_album", -time.Hour, Album("OLD"))))
		require.NoError(t, l.Append(ctx, NewRecord("s1", "", "view_album", 0, Album("A1"), Artist("R1"))))
		require.NoError(t, l.Append(ctx, NewRecord("s2", "", "view_album", time.Minute, Album("A1"), Album("A2"))))

		ids, err := l.EntityIDs(ctx, activity.EntityAlbum, Base.Add(-10*time.Minute))
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"A1", "A2"}, ids)

		ids, err = l.EntityIDs(ctx, activity.EntityTrack, Base.Add(-10*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("prune removes old records", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Append(ctx, NewRecord("s1", "", "view_album", -48*time.Hour, Album("A1"))))
		require.NoError(t, l.Append(ctx, NewRecord("s1", "", "view_album", 0, Album("A2"))))

		removed, err := l.Prune(ctx, Base.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		summary, err := l.SessionActivity(ctx, activity.Actor{SessionID: "s1"}, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Count)

		ids, err := l.EntityIDs(ctx, activity.EntityAlbum, Base.Add(-72*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{"A2"}, ids)
	})

	t.Run("concurrent appends", func(t *testing.T) {
		l := newLedger(t)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				session := fmt.Sprintf("s%d", i)
				for j := 0; j < 5; j++ {
					assert.NoError(t, l.Append(ctx, NewRecord(session, "", "view_album",
						time.Duration(j)*time.Second, Album(fmt.Sprintf("A%d", j)))))
				}
			}(i)
		}
		wg.Wait()

		n, err := l.CountActiveActors(ctx, Base.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 10, n)

		summary, err := l.SessionActivity(ctx, activity.Actor{SessionID: "s3"}, 100)
		require.NoError(t, err)
		assert.Equal(t, 5, summary.Count)
	})
}
