// Package queuetest holds a behavioral test suite shared by every
// queue.Broker implementation.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/queue"
	"github.com/phrazzld/spin-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Start is the initial time of every suite clock.
var Start = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// Factory returns an empty broker that reads time from clock.
type Factory func(t *testing.T, clock *Clock) queue.Broker

func spec(typ string, class queue.JobClass, priority int) queue.JobSpec {
	return queue.JobSpec{
		Type:    typ,
		Payload: []byte(`{"entity":"album:A1"}`),
		Options: queue.JobOptions{
			Priority:    priority,
			MaxAttempts: 1,
			Class:       class,
			Retention:   queue.Retention{KeepCompleted: 100, KeepFailed: 100},
		},
	}
}

func mustAdd(t *testing.T, b queue.Broker, s queue.JobSpec) *queue.Job {
	t.Helper()
	job, err := b.AddJob(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func mustClaim(t *testing.T, b queue.Broker, consumer string) *queue.Job {
	t.Helper()
	job, err := b.Claim(context.Background(), consumer)
	require.NoError(t, err)
	require.NotNil(t, job, "expected an eligible job")
	return job
}

func assertNothingEligible(t *testing.T, b queue.Broker) {
	t.Helper()
	job, err := b.Claim(context.Background(), "probe")
	require.NoError(t, err)
	assert.Nil(t, job)
}

// RunBrokerSuite exercises factory against the Broker contract.
func RunBrokerSuite(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("priority order with fifo tie-break", func(t *testing.T) {
		b := factory(t, NewClock(Start))
		low := mustAdd(t, b, spec("low", queue.ClassBackground, 10))
		first := mustAdd(t, b, spec("first", queue.ClassBackground, 50))
		second := mustAdd(t, b, spec("second", queue.ClassInteractive, 50))
		urgent := mustAdd(t, b, spec("urgent", queue.ClassInteractive, 100))

		var order []uuid.UUID
		for i := 0; i < 4; i++ {
			job := mustClaim(t, b, "c1")
			order = append(order, job.ID)
			require.NoError(t, b.Complete(ctx, job.ID, "c1"))
		}
		assert.Equal(t, []uuid.UUID{urgent.ID, first.ID, second.ID, low.ID}, order)
		assertNothingEligible(t, b)
	})

	t.Run("paused class is filtered not blocking", func(t *testing.T) {
		b := factory(t, NewClock(Start))
		sweep := mustAdd(t, b, spec("sweep", queue.ClassBackground, 90))
		interactive := mustAdd(t, b, spec("interactive", queue.ClassInteractive, 60))

		require.NoError(t, b.PauseJobClass(ctx, queue.ClassBackground))
		require.NoError(t, b.PauseJobClass(ctx, queue.ClassBackground))
		paused, err := b.IsJobClassPaused(ctx, queue.ClassBackground)
		require.NoError(t, err)
		assert.True(t, paused)
		paused, err = b.IsJobClassPaused(ctx, queue.ClassInteractive)
		require.NoError(t, err)
		assert.False(t, paused)

		job := mustClaim(t, b, "c1")
		assert.Equal(t, interactive.ID, job.ID)
		assertNothingEligible(t, b)

		require.NoError(t, b.ResumeJobClass(ctx, queue.ClassBackground))
		require.NoError(t, b.ResumeJobClass(ctx, queue.ClassBackground))
		job = mustClaim(t, b, "c1")
		assert.Equal(t, sweep.ID, job.ID)
	})

	t.Run("delayed jobs wait for their run time", func(t *testing.T) {
		clock := NewClock(Start)
		b := factory(t, clock)
		s := spec("later", queue.ClassBackground, 10)
		s.Options.Delay = time.Minute
		delayed := mustAdd(t, b, s)
		mustAdd(t, b, spec("now", queue.ClassBackground, 10))

		stats, err := b.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{Waiting: 1, Delayed: 1}, stats)

		mustClaim(t, b, "c1")
		assertNothingEligible(t, b)

		clock.Advance(time.Minute)
		job := mustClaim(t, b, "c1")
		assert.Equal(t, delayed.ID, job.ID)

		stats, err = b.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{Active: 2}, stats)
	})

	t.Run("failed job retries with backoff then fails", func(t *testing.T) {
		clock := NewClock(Start)
		b := factory(t, clock)
		s := spec("flaky", queue.ClassInteractive, 100)
		s.Options.MaxAttempts = 2
		s.Options.Backoff = queue.Backoff{Type: queue.BackoffExponential, Delay: 10 * time.Second}
		added := mustAdd(t, b, s)

		job := mustClaim(t, b, "c1")
		assert.Equal(t, 1, job.Attempts)
		state, err := b.Fail(ctx, job.ID, "c1", errors.New("provider rate limited"))
		require.NoError(t, err)
		assert.Equal(t, queue.JobStateDelayed, state)
		assertNothingEligible(t, b)

		clock.Advance(10 * time.Second)
		job = mustClaim(t, b, "c1")
		assert.Equal(t, added.ID, job.ID)
		assert.Equal(t, 2, job.Attempts)

		state, err = b.Fail(ctx, job.ID, "c1", errors.New("provider rate limited"))
		require.NoError(t, err)
		assert.Equal(t, queue.JobStateFailed, state)

		stored, err := b.GetJob(ctx, added.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStateFailed, stored.State)
		assert.Equal(t, "provider rate limited", stored.LastError)

		stats, err := b.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)
	})

	t.Run("unknown job cannot be completed", func(t *testing.T) {
		b := factory(t, NewClock(Start))
		err := b.Complete(ctx, uuid.New(), "c1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = b.Fail(ctx, uuid.New(), "c1", errors.New("x"))
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = b.GetJob(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrJobNotFound)
	})

	t.Run("release returns a consumer's jobs", func(t *testing.T) {
		b := factory(t, NewClock(Start))
		s := spec("a", queue.ClassInteractive, 10)
		s.Options.MaxAttempts = 3
		mustAdd(t, b, s)
		mustAdd(t, b, s)
		mustClaim(t, b, "dead")
		other := mustClaim(t, b, "alive")

		n, err := b.Release(ctx, "dead")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stats, err := b.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Active)
		assert.Equal(t, 1, stats.Waiting)

		stored, err := b.GetJob(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStateActive, stored.State)
	})

	t.Run("only the current claim settles a job", func(t *testing.T) {
		b := factory(t, NewClock(Start))
		s := spec("reclaimed", queue.ClassInteractive, 10)
		s.Options.MaxAttempts = 3
		added := mustAdd(t, b, s)

		mustClaim(t, b, "worker-old")
		n, err := b.Release(ctx, "worker-old")
		require.NoError(t, err)
		require.Equal(t, 1, n)
		job := mustClaim(t, b, "worker-new")
		require.Equal(t, added.ID, job.ID)

		err = b.Complete(ctx, job.ID, "worker-old")
		assert.ErrorIs(t, err, store.ErrJobNotFound)
		_, err = b.Fail(ctx, job.ID, "worker-old", errors.New("late failure"))
		assert.ErrorIs(t, err, store.ErrJobNotFound)

		stored, err := b.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStateActive, stored.State)
		assert.Empty(t, stored.LastError)

		state, err := b.Fail(ctx, job.ID, "worker-new", errors.New("provider timeout"))
		require.NoError(t, err)
		assert.Equal(t, queue.JobStateWaiting, state, "the current consumer's failure schedules a retry")
	})

	t.Run("stalled jobs are requeued", func(t *testing.T) {
		clock := NewClock(Start)
		b := factory(t, clock)
		s := spec("slow", queue.ClassBackground, 10)
		s.Options.MaxAttempts = 2
		added := mustAdd(t, b, s)
		mustClaim(t, b, "c1")

		n, err := b.RequeueStalled(ctx, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		clock.Advance(2 * time.Minute)
		n, err = b.RequeueStalled(ctx, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		job := mustClaim(t, b, "c2")
		assert.Equal(t, added.ID, job.ID)
		assert.Equal(t, 2, job.Attempts)

		clock.Advance(2 * time.Minute)
		n, err = b.RequeueStalled(ctx, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stored, err := b.GetJob(ctx, added.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStateFailed, stored.State, "no attempts left")
	})

	t.Run("retention trims finished jobs", func(t *testing.T) {
		b := factory(t, NewClock(Start))
		s := spec("done", queue.ClassInteractive, 10)
		s.Options.Retention = queue.Retention{KeepCompleted: 1}
		first := mustAdd(t, b, s)
		second := mustAdd(t, b, s)

		for i := 0; i < 2; i++ {
			job := mustClaim(t, b, "c1")
			require.NoError(t, b.Complete(ctx, job.ID, "c1"))
		}

		_, err := b.GetJob(ctx, first.ID)
		assert.ErrorIs(t, err, store.ErrJobNotFound)
		kept, err := b.GetJob(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStateCompleted, kept.State)
	})

	t.Run("retention is counted per class", func(t *testing.T) {
		b := factory(t, NewClock(Start))
		keepMany := spec("mutation", queue.ClassInteractive, 100)
		keepMany.Options.Retention = queue.Retention{KeepCompleted: 10}
		keepOne := spec("sweep", queue.ClassBackground, 10)
		keepOne.Options.Retention = queue.Retention{KeepCompleted: 1}

		interactive := []*queue.Job{mustAdd(t, b, keepMany), mustAdd(t, b, keepMany)}
		for range interactive {
			require.NoError(t, b.Complete(ctx, mustClaim(t, b, "c1").ID, "c1"))
		}
		for i := 0; i < 2; i++ {
			mustAdd(t, b, keepOne)
			require.NoError(t, b.Complete(ctx, mustClaim(t, b, "c1").ID, "c1"))
		}

		for _, job := range interactive {
			stored, err := b.GetJob(ctx, job.ID)
			require.NoError(t, err, "background retention must not trim interactive history")
			assert.Equal(t, queue.JobStateCompleted, stored.State)
		}
		stats, err := b.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Completed)
	})

	t.Run("rejects job without type", func(t *testing.T) {
		b := factory(t, NewClock(Start))
		_, err := b.AddJob(ctx, queue.JobSpec{})
		assert.Error(t, err)
	})

	t.Run("concurrent claims never share a job", func(t *testing.T) {
		b := factory(t, NewClock(Start))
		const jobs = 20
		for i := 0; i < jobs; i++ {
			mustAdd(t, b, spec(fmt.Sprintf("j%d", i), queue.ClassBackground, i%3))
		}

		var (
			mu      sync.Mutex
			claimed = make(map[uuid.UUID]int)
			wg      sync.WaitGroup
		)
		for w := 0; w < 5; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for {
					job, err := b.Claim(ctx, fmt.Sprintf("c%d", w))
					if !assert.NoError(t, err) || job == nil {
						return
					}
					mu.Lock()
					claimed[job.ID]++
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		assert.Len(t, claimed, jobs)
		for id, n := range claimed {
			assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
		}
	})
}
