package activity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/activity/activitytest"
	"github.com/phrazzld/spin-api/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLedger wraps a MemoryLedger and lets tests override single methods.
type stubLedger struct {
	*activity.MemoryLedger
	AppendFn          func(ctx context.Context, rec activity.Record) error
	SessionActivityFn func(ctx context.Context, actor activity.Actor, limit int) (activity.SessionSummary, error)
}

func (s *stubLedger) Append(ctx context.Context, rec activity.Record) error {
	if s.AppendFn != nil {
		return s.AppendFn(ctx, rec)
	}
	return s.MemoryLedger.Append(ctx, rec)
}

func (s *stubLedger) SessionActivity(ctx context.Context, actor activity.Actor, limit int) (activity.SessionSummary, error) {
	if s.SessionActivityFn != nil {
		return s.SessionActivityFn(ctx, actor, limit)
	}
	return s.MemoryLedger.SessionActivity(ctx, actor, limit)
}

// recordingSink collects reported failures.
type recordingSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *recordingSink) Report(_ context.Context, _ activity.Record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) reported() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func newTracker(t *testing.T, ledger activity.Ledger, now time.Time, opts ...activity.TrackerOption) (*activity.Tracker, *recordingSink) {
	t.Helper()
	_, l := logger.NewTestLogger(t)
	sink := &recordingSink{}
	cfg := activity.TrackerConfig{
		RecencyWindow:       5 * time.Minute,
		RecentEntitiesLimit: 3,
		WriteTimeout:        50 * time.Millisecond,
		Retention:           24 * time.Hour,
	}
	opts = append([]activity.TrackerOption{
		activity.WithErrorSink(sink),
		activity.WithClock(func() time.Time { return now }),
	}, opts...)
	return activity.NewTracker(ledger, cfg, l, opts...), sink
}

func TestTrackerRecord(t *testing.T) {
	ctx := context.Background()
	now := activitytest.Base

	t.Run("stamps missing id and timestamp", func(t *testing.T) {
		ledger := activity.NewMemoryLedger()
		tracker, sink := newTracker(t, ledger, now)

		tracker.Record(ctx, activity.Record{
			SessionID:     "s1",
			Operation:     "view_album",
			OperationType: activity.OperationQuery,
			Entities:      []activity.EntityRef{activitytest.Album("A1")},
		})

		assert.Empty(t, sink.reported())
		summary, err := ledger.SessionActivity(ctx, activity.Actor{SessionID: "s1"}, 1)
		require.NoError(t, err)
		require.Len(t, summary.Recent, 1)
		assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", summary.Recent[0].ID.String())
		assert.True(t, now.Equal(summary.Recent[0].Timestamp))
	})

	t.Run("invalid record goes to sink", func(t *testing.T) {
		ledger := activity.NewMemoryLedger()
		tracker, sink := newTracker(t, ledger, now)

		tracker.Record(ctx, activity.Record{Operation: "view_album", OperationType: activity.OperationQuery})

		require.Len(t, sink.reported(), 1)
		assert.ErrorIs(t, sink.reported()[0], activity.ErrInvalidRecord)
		assert.Equal(t, 0, ledger.Len())
		assert.Equal(t, uint64(1), tracker.DroppedWrites())
	})

	t.Run("ledger error is swallowed", func(t *testing.T) {
		writeErr := errors.New("disk full")
		ledger := &stubLedger{
			MemoryLedger: activity.NewMemoryLedger(),
			AppendFn:     func(context.Context, activity.Record) error { return writeErr },
		}
		tracker, sink := newTracker(t, ledger, now)

		assert.NotPanics(t, func() {
			tracker.Record(ctx, activitytest.NewRecord("s1", "", "view_album", 0))
		})
		require.Len(t, sink.reported(), 1)
		assert.ErrorIs(t, sink.reported()[0], writeErr)
	})

	t.Run("ledger panic is swallowed", func(t *testing.T) {
		ledger := &stubLedger{
			MemoryLedger: activity.NewMemoryLedger(),
			AppendFn:     func(context.Context, activity.Record) error { panic("driver bug") },
		}
		tracker, sink := newTracker(t, ledger, now)

		assert.NotPanics(t, func() {
			tracker.Record(ctx, activitytest.NewRecord("s1", "", "view_album", 0))
		})
		require.Len(t, sink.reported(), 1)
		assert.Contains(t, sink.reported()[0].Error(), "driver bug")
	})

	t.Run("slow ledger is bounded by write timeout", func(t *testing.T) {
		ledger := &stubLedger{
			MemoryLedger: activity.NewMemoryLedger(),
			AppendFn: func(ctx context.Context, _ activity.Record) error {
				<-ctx.Done()
				return ctx.Err()
			},
		}
		tracker, sink := newTracker(t, ledger, now)

		start := time.Now()
		tracker.Record(ctx, activitytest.NewRecord("s1", "", "view_album", 0))

		assert.Less(t, time.Since(start), time.Second)
		require.Len(t, sink.reported(), 1)
		assert.ErrorIs(t, sink.reported()[0], context.DeadlineExceeded)
	})

	t.Run("concurrent records", func(t *testing.T) {
		ledger := activity.NewMemoryLedger()
		tracker, sink := newTracker(t, ledger, now)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tracker.Record(ctx, activitytest.NewRecord("s1", "", "view_album", 0, activitytest.Album("A1")))
			}()
		}
		wg.Wait()

		assert.Empty(t, sink.reported())
		assert.Equal(t, 50, ledger.Len())
	})
}

func TestTrackerGetActivityContext(t *testing.T) {
	ctx := context.Background()
	now := activitytest.Base.Add(10 * time.Minute)

	t.Run("no records yields defaults", func(t *testing.T) {
		tracker, _ := newTracker(t, activity.NewMemoryLedger(), now)

		ac, err := tracker.GetActivityContext(ctx, activity.Actor{SessionID: "s1"})

		require.NoError(t, err)
		assert.False(t, ac.IsActivelyBrowsing)
		assert.Empty(t, ac.RecentlyViewedEntities)
		assert.Equal(t, int64(0), ac.SessionDurationMs())
	})

	t.Run("zero actor yields defaults", func(t *testing.T) {
		tracker, _ := newTracker(t, activity.NewMemoryLedger(), now)

		ac, err := tracker.GetActivityContext(ctx, activity.Actor{})

		require.NoError(t, err)
		assert.Equal(t, activity.Context{}, ac)
	})

	t.Run("recent session is actively browsing", func(t *testing.T) {
		ledger := activity.NewMemoryLedger()
		require.NoError(t, ledger.Append(ctx, activitytest.NewRecord("s1", "", "view_album", 0, activitytest.Album("A1"))))
		require.NoError(t, ledger.Append(ctx, activitytest.NewRecord("s1", "", "view_album", 8*time.Minute,
			activitytest.Album("A2"), activitytest.Artist("R1"))))
		tracker, _ := newTracker(t, ledger, now)

		ac, err := tracker.GetActivityContext(ctx, activity.Actor{SessionID: "s1"})

		require.NoError(t, err)
		assert.True(t, ac.IsActivelyBrowsing)
		assert.Equal(t, 8*time.Minute, ac.SessionDuration)
		assert.Equal(t, int64(480000), ac.SessionDurationMs())
		assert.Equal(t, []activity.EntityRef{
			activitytest.Artist("R1"),
			activitytest.Album("A2"),
			activitytest.Album("A1"),
		}, ac.RecentlyViewedEntities)
	})

	t.Run("stale session is not actively browsing", func(t *testing.T) {
		ledger := activity.NewMemoryLedger()
		require.NoError(t, ledger.Append(ctx, activitytest.NewRecord("s1", "", "view_album", 0, activitytest.Album("A1"))))
		tracker, _ := newTracker(t, ledger, now)

		ac, err := tracker.GetActivityContext(ctx, activity.Actor{SessionID: "s1"})

		require.NoError(t, err)
		assert.False(t, ac.IsActivelyBrowsing)
		assert.True(t, ac.HasViewed(activitytest.Album("A1")))
	})

	t.Run("recently viewed is de-duplicated and capped", func(t *testing.T) {
		ledger := activity.NewMemoryLedger()
		for i, id := range []string{"A1", "A2", "A1", "A3", "A4"} {
			require.NoError(t, ledger.Append(ctx, activitytest.NewRecord("s1", "", "view_album",
				time.Duration(i)*time.Minute, activitytest.Album(id))))
		}
		tracker, _ := newTracker(t, ledger, now)

		ac, err := tracker.GetActivityContext(ctx, activity.Actor{SessionID: "s1"})

		require.NoError(t, err)
		assert.Equal(t, []activity.EntityRef{
			activitytest.Album("A4"),
			activitytest.Album("A3"),
			activitytest.Album("A1"),
		}, ac.RecentlyViewedEntities)
	})

	t.Run("ledger error is returned", func(t *testing.T) {
		readErr := errors.New("timeout")
		ledger := &stubLedger{
			MemoryLedger: activity.NewMemoryLedger(),
			SessionActivityFn: func(context.Context, activity.Actor, int) (activity.SessionSummary, error) {
				return activity.SessionSummary{}, readErr
			},
		}
		tracker, _ := newTracker(t, ledger, now)

		_, err := tracker.GetActivityContext(ctx, activity.Actor{SessionID: "s1"})

		assert.ErrorIs(t, err, readErr)
	})
}

func TestTrackerAggregates(t *testing.T) {
	ctx := context.Background()
	now := activitytest.Base.Add(10 * time.Minute)

	ledger := activity.NewMemoryLedger()
	require.NoError(t, ledger.Append(ctx, activitytest.NewRecord("s1", "", "view_album", 0, activitytest.Album("A1"))))
	require.NoError(t, ledger.Append(ctx, activitytest.NewRecord("s2", "u1", "view_album", 7*time.Minute, activitytest.Album("A2"))))
	require.NoError(t, ledger.Append(ctx, activitytest.NewRecord("s3", "u1", "view_artist", 9*time.Minute, activitytest.Artist("R1"))))
	require.NoError(t, ledger.Append(ctx, activitytest.NewRecord("s4", "", "search", 9*time.Minute)))
	tracker, _ := newTracker(t, ledger, now)

	n, err := tracker.GetActiveUserCount(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "u1 across two sessions plus anonymous s4")

	n, err = tracker.GetActiveUserCount(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	albums, err := tracker.GetRecentlyActiveEntities(ctx, activity.EntityAlbum, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, albums.Has("A2"))
	assert.False(t, albums.Has("A1"))

	artists, err := tracker.GetRecentlyActiveEntities(ctx, activity.EntityArtist, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, artists.Has("R1"))
}

func TestTrackerPrune(t *testing.T) {
	ctx := context.Background()
	now := activitytest.Base.Add(48 * time.Hour)

	ledger := activity.NewMemoryLedger()
	require.NoError(t, ledger.Append(ctx, activitytest.NewRecord("s1", "", "view_album", 0)))
	require.NoError(t, ledger.Append(ctx, activitytest.NewRecord("s1", "", "view_album", 47*time.Hour)))
	tracker, _ := newTracker(t, ledger, now)

	removed, err := tracker.Prune(ctx)

	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, ledger.Len())
}
