package priority_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/priority"
	"github.com/phrazzld/spin-api/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	browsing   bool
	viewed     []activity.EntityRef
	active     activity.EntitySet
	contextErr error
	entityErr  error
	block      bool
}

func (f *fakeSource) GetActivityContext(ctx context.Context, _ activity.Actor) (activity.Context, error) {
	if f.block {
		<-ctx.Done()
		return activity.Context{}, ctx.Err()
	}
	if f.contextErr != nil {
		return activity.Context{}, f.contextErr
	}
	return activity.Context{IsActivelyBrowsing: f.browsing, RecentlyViewedEntities: f.viewed}, nil
}

func (f *fakeSource) GetRecentlyActiveEntities(ctx context.Context, _ activity.EntityKind, _ time.Duration) (activity.EntitySet, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.entityErr != nil {
		return nil, f.entityErr
	}
	return f.active, nil
}

type flag struct{ v atomic.Bool }

func (f *flag) ShouldPauseBackgroundJobs() bool { return f.v.Load() }

func newManager(t *testing.T, src priority.ActivitySource, opts ...priority.Option) *priority.Manager {
	t.Helper()
	m, err := priority.NewManager(src, priority.DefaultConfig(), nil, opts...)
	require.NoError(t, err)
	return m
}

func TestNewManager_RejectsBadConfig(t *testing.T) {
	cfg := priority.DefaultConfig()
	cfg.DispatchThreshold = 0
	_, err := priority.NewManager(nil, cfg, nil)
	assert.Error(t, err)

	cfg = priority.DefaultConfig()
	cfg.DeferDelay = cfg.MaxDelay + time.Second
	_, err = priority.NewManager(nil, cfg, nil)
	assert.Error(t, err)

	_, err = priority.NewManager(nil, priority.DefaultConfig(), nil, priority.WithOperation("x", "nope"))
	assert.Error(t, err)
}

func TestCalculateJobPriority_TierOrdering(t *testing.T) {
	m := newManager(t, &fakeSource{})
	ctx := context.Background()

	mutation := m.CalculateJobPriority(ctx, priority.Request{Operation: "collection_add"})
	search := m.CalculateJobPriority(ctx, priority.Request{Operation: "search"})
	browse := m.CalculateJobPriority(ctx, priority.Request{Operation: "view_album"})
	sweep := m.CalculateJobPriority(ctx, priority.Request{Operation: "scheduled_sweep"})

	assert.Greater(t, mutation.Priority, search.Priority)
	assert.Greater(t, search.Priority, browse.Priority)
	assert.Greater(t, browse.Priority, sweep.Priority)

	assert.Equal(t, queue.ClassInteractive, mutation.Class)
	assert.Equal(t, queue.ClassInteractive, search.Class)
	assert.Equal(t, queue.ClassBackground, browse.Class)
	assert.Equal(t, queue.ClassBackground, sweep.Class)
}

func TestCalculateJobPriority_Breakdown(t *testing.T) {
	src := &fakeSource{browsing: true, active: activity.EntitySet{"a1": {}}}
	m := newManager(t, src)

	d := m.CalculateJobPriority(context.Background(), priority.Request{
		Operation:  "view_album",
		EntityID:   "a1",
		EntityKind: activity.EntityAlbum,
		SessionID:  "s1",
	})

	require.Len(t, d.Breakdown, 4)
	assert.Equal(t, []string{
		priority.RuleActionImportance,
		priority.RuleRecentUserActivity,
		priority.RuleEntityRelevance,
		priority.RuleSystemLoadPenalty,
	}, []string{d.Breakdown[0].Rule, d.Breakdown[1].Rule, d.Breakdown[2].Rule, d.Breakdown[3].Rule})

	sum := 0
	for _, c := range d.Breakdown {
		sum += c.Value
	}
	assert.Equal(t, d.Priority, sum)
	assert.Equal(t, 50+25+15, d.Priority)
	assert.Equal(t, priority.TierBrowse, d.Tier)
	assert.Equal(t, queue.ClassInteractive, d.Class)
	assert.False(t, d.Degraded)
}

func TestCalculateJobPriority_ActivityIsMonotone(t *testing.T) {
	ctx := context.Background()
	req := priority.Request{Operation: "view_artist", SessionID: "s1"}

	idle := newManager(t, &fakeSource{}).CalculateJobPriority(ctx, req)
	active := newManager(t, &fakeSource{browsing: true}).CalculateJobPriority(ctx, req)

	assert.GreaterOrEqual(t, active.Priority, idle.Priority)
	assert.Equal(t, 25, active.Contribution(priority.RuleRecentUserActivity))
	assert.Equal(t, 0, idle.Contribution(priority.RuleRecentUserActivity))
}

func TestCalculateJobPriority_EntityRelevance(t *testing.T) {
	ctx := context.Background()

	t.Run("globally active entity", func(t *testing.T) {
		m := newManager(t, &fakeSource{active: activity.EntitySet{"t9": {}}})
		d := m.CalculateJobPriority(ctx, priority.Request{
			Operation: "view_track", EntityID: "t9", EntityKind: activity.EntityTrack,
		})
		assert.Equal(t, 15, d.Contribution(priority.RuleEntityRelevance))
	})

	t.Run("entity viewed by the actor", func(t *testing.T) {
		ref := activity.EntityRef{Kind: activity.EntityAlbum, ID: "a7"}
		m := newManager(t, &fakeSource{viewed: []activity.EntityRef{ref}})
		d := m.CalculateJobPriority(ctx, priority.Request{
			Operation: "view_album", EntityID: "a7", EntityKind: activity.EntityAlbum, UserID: "u1",
		})
		assert.Equal(t, 15, d.Contribution(priority.RuleEntityRelevance))
	})

	t.Run("unrelated entity", func(t *testing.T) {
		m := newManager(t, &fakeSource{active: activity.EntitySet{"other": {}}})
		d := m.CalculateJobPriority(ctx, priority.Request{
			Operation: "view_album", EntityID: "a1", EntityKind: activity.EntityAlbum,
		})
		assert.Equal(t, 0, d.Contribution(priority.RuleEntityRelevance))
	})
}

func TestCalculateJobPriority_UnknownOperationFallsBack(t *testing.T) {
	m := newManager(t, &fakeSource{})
	d := m.CalculateJobPriority(context.Background(), priority.Request{Operation: "mystery"})

	assert.Equal(t, priority.TierSweep, d.Tier)
	assert.Equal(t, queue.ClassBackground, d.Class)
}

func TestCalculateJobPriority_DegradesOnReadFailure(t *testing.T) {
	src := &fakeSource{contextErr: errors.New("ledger down"), entityErr: errors.New("ledger down")}
	m := newManager(t, src)

	d := m.CalculateJobPriority(context.Background(), priority.Request{
		Operation: "view_album", EntityID: "a1", EntityKind: activity.EntityAlbum, SessionID: "s1",
	})

	assert.True(t, d.Degraded)
	assert.Equal(t, 50, d.Priority)
	assert.Equal(t, 0, d.Contribution(priority.RuleRecentUserActivity))
	assert.Equal(t, 0, d.Contribution(priority.RuleEntityRelevance))
}

func TestCalculateJobPriority_BoundedByScoringTimeout(t *testing.T) {
	cfg := priority.DefaultConfig()
	cfg.ScoringTimeout = 20 * time.Millisecond
	m, err := priority.NewManager(&fakeSource{block: true}, cfg, nil)
	require.NoError(t, err)

	start := time.Now()
	d := m.CalculateJobPriority(context.Background(), priority.Request{
		Operation: "search", EntityID: "a1", EntityKind: activity.EntityAlbum, SessionID: "s1",
	})

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, d.Degraded)
	assert.Equal(t, 75, d.Priority)
}

func TestCalculateJobPriority_Backpressure(t *testing.T) {
	pause := &flag{}
	src := &fakeSource{browsing: true, active: activity.EntitySet{"a1": {}}}
	m := newManager(t, src, priority.WithPauseSignal(pause))
	ctx := context.Background()

	browse := priority.Request{Operation: "view_album", EntityID: "a1", EntityKind: activity.EntityAlbum, SessionID: "s1"}
	sweep := priority.Request{Operation: "scheduled_sweep"}
	mutation := priority.Request{Operation: "rating_update", SessionID: "s1"}

	before := m.CalculateJobPriority(ctx, browse)
	require.Equal(t, queue.ClassInteractive, before.Class)
	assert.True(t, m.IsEligible(before))

	pause.v.Store(true)

	penalized := m.CalculateJobPriority(ctx, browse)
	assert.Less(t, penalized.Priority, m.Threshold())
	assert.Less(t, penalized.Contribution(priority.RuleSystemLoadPenalty), 0)
	assert.Equal(t, queue.ClassBackground, penalized.Class)
	assert.False(t, m.IsEligible(penalized))

	deferred := m.CalculateJobPriority(ctx, sweep)
	assert.Equal(t, 2*time.Minute, deferred.RecommendedDelay)
	assert.Equal(t, int64(120000), deferred.RecommendedDelayMs())
	assert.False(t, m.IsEligible(deferred))

	urgent := m.CalculateJobPriority(ctx, mutation)
	assert.Equal(t, 0, urgent.Contribution(priority.RuleSystemLoadPenalty))
	assert.Equal(t, queue.ClassInteractive, urgent.Class)
	assert.Zero(t, urgent.RecommendedDelay)
	assert.True(t, m.IsEligible(urgent))

	pause.v.Store(false)
	assert.Zero(t, m.CalculateJobPriority(ctx, sweep).RecommendedDelay)
}

func TestCalculateJobPriority_DelayClampedToMax(t *testing.T) {
	pause := &flag{}
	pause.v.Store(true)
	cfg := priority.DefaultConfig()
	cfg.DeferDelay = 5 * time.Minute
	cfg.MaxDelay = 5 * time.Minute
	m, err := priority.NewManager(nil, cfg, nil, priority.WithPauseSignal(pause))
	require.NoError(t, err)

	d := m.CalculateJobPriority(context.Background(), priority.Request{Operation: "bulk_refresh"})
	assert.LessOrEqual(t, d.RecommendedDelay, cfg.MaxDelay)
}

func TestGetJobOptions(t *testing.T) {
	m := newManager(t, &fakeSource{})
	opts, d := m.GetJobOptions(context.Background(), priority.Request{Operation: "collection_remove"})

	assert.Equal(t, d.Priority, opts.Priority)
	assert.Equal(t, queue.ClassInteractive, opts.Class)
	assert.Equal(t, 5, opts.MaxAttempts)
	assert.Equal(t, queue.BackoffExponential, opts.Backoff.Type)
	assert.Equal(t, time.Second, opts.Backoff.Delay)
	assert.Equal(t, 500, opts.Retention.KeepFailed)
}

func TestWithOperation(t *testing.T) {
	m := newManager(t, &fakeSource{}, priority.WithOperation("playlist_add", priority.TierDirectMutation))
	d := m.CalculateJobPriority(context.Background(), priority.Request{Operation: "playlist_add"})
	assert.Equal(t, priority.TierDirectMutation, d.Tier)
	assert.Equal(t, 100, d.Priority)
}
