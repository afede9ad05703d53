package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/platform/logger"
	"github.com/phrazzld/spin-api/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWorker(t *testing.T, consumer queue.Consumer, p Processor, cfg Config) *Worker {
	t.Helper()
	_, log := logger.NewTestLogger(t)
	w := NewWorker(consumer, p, cfg, log)
	w.Start()
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func TestWorker_ProcessesJobs(t *testing.T) {
	broker := newTestBroker(t)
	for i := 0; i < 5; i++ {
		addJob(t, broker, "enrich_album", queue.ClassInteractive, 10)
	}

	var processed atomic.Int32
	startWorker(t, broker, ProcessorFunc(func(ctx context.Context, job *queue.Job) error {
		processed.Add(1)
		return nil
	}), testConfig())

	require.Eventually(t, func() bool {
		stats, err := broker.GetStats(context.Background())
		return err == nil && stats.Completed == 5
	}, timeout, tick)
	assert.Equal(t, int32(5), processed.Load())
}

func TestWorker_DispatchOrder(t *testing.T) {
	broker := newTestBroker(t)
	low := addJob(t, broker, "sweep", queue.ClassBackground, 10)
	firstHigh := addJob(t, broker, "lookup", queue.ClassInteractive, 80)
	secondHigh := addJob(t, broker, "lookup", queue.ClassInteractive, 80)
	mid := addJob(t, broker, "browse", queue.ClassBackground, 50)

	var mu sync.Mutex
	var order []uuid.UUID
	cfg := testConfig()
	cfg.Concurrency = 1
	startWorker(t, broker, ProcessorFunc(func(_ context.Context, job *queue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, job.ID)
		return nil
	}), cfg)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, timeout, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uuid.UUID{firstHigh.ID, secondHigh.ID, mid.ID, low.ID}, order)
}

func TestWorker_PausedClassIsSkipped(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)
	require.NoError(t, broker.PauseJobClass(ctx, queue.ClassBackground))

	bg := addJob(t, broker, "sweep", queue.ClassBackground, 99)
	fg := addJob(t, broker, "lookup", queue.ClassInteractive, 70)

	startWorker(t, broker, noop, testConfig())

	require.Eventually(t, func() bool {
		job, err := broker.GetJob(ctx, fg.ID)
		return err == nil && job.State == queue.JobStateCompleted
	}, timeout, tick)

	job, err := broker.GetJob(ctx, bg.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStateWaiting, job.State)
}

func TestWorker_ProcessorFailureAndPanic(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)
	failing := addJob(t, broker, "fails", queue.ClassInteractive, 10)
	panicking := addJob(t, broker, "panics", queue.ClassInteractive, 10)
	healthy := addJob(t, broker, "works", queue.ClassInteractive, 10)

	w := startWorker(t, broker, ProcessorFunc(func(_ context.Context, job *queue.Job) error {
		switch job.Type {
		case "fails":
			return errors.New("provider returned 503")
		case "panics":
			panic("nil map write")
		}
		return nil
	}), testConfig())

	require.Eventually(t, func() bool {
		stats, err := broker.GetStats(ctx)
		return err == nil && stats.Failed == 2 && stats.Completed == 1
	}, timeout, tick)

	assert.True(t, w.Alive(), "a panicking job must not kill the worker")

	job, err := broker.GetJob(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, "provider returned 503", job.LastError)

	job, err = broker.GetJob(ctx, panicking.ID)
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "processor panicked")

	job, err = broker.GetJob(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStateCompleted, job.State)
}

func TestWorker_RespectsConcurrency(t *testing.T) {
	broker := newTestBroker(t)
	for i := 0; i < 6; i++ {
		addJob(t, broker, "enrich_track", queue.ClassInteractive, 10)
	}

	var running, peak atomic.Int32
	release := make(chan struct{})
	cfg := testConfig()
	cfg.Concurrency = 2
	startWorker(t, broker, ProcessorFunc(func(ctx context.Context, _ *queue.Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}), cfg)

	require.Eventually(t, func() bool { return running.Load() == 2 }, timeout, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
	close(release)

	require.Eventually(t, func() bool {
		stats, err := broker.GetStats(context.Background())
		return err == nil && stats.Completed == 6
	}, timeout, tick)
	assert.Equal(t, int32(2), peak.Load())
}

// brokenConsumer fails every claim, as a consumer on a dead connection does.
type brokenConsumer struct {
	queue.Consumer
	claims atomic.Int32
}

func (c *brokenConsumer) Claim(context.Context, string) (*queue.Job, error) {
	c.claims.Add(1)
	return nil, errors.New("read: connection reset by peer")
}

func (c *brokenConsumer) Release(context.Context, string) (int, error) {
	return 0, errors.New("use of closed network connection")
}

func TestWorker_DiesAfterRepeatedClaimFailures(t *testing.T) {
	consumer := &brokenConsumer{}
	_, log := logger.NewTestLogger(t)
	w := NewWorker(consumer, noop, testConfig(), log)
	w.Start()

	select {
	case <-w.Done():
	case <-time.After(timeout):
		t.Fatal("worker did not exit")
	}

	assert.False(t, w.Alive())
	assert.ErrorIs(t, w.Err(), ErrConsumerDead)
	assert.Equal(t, int32(3), consumer.claims.Load())

	err := w.Close(context.Background())
	assert.Error(t, err)
	assert.Equal(t, err, w.Close(context.Background()), "second close returns the first result")
}

func TestWorker_CloseReleasesUnfinishedJobs(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)
	job, err := broker.AddJob(ctx, queue.JobSpec{
		Type:    "slow",
		Options: queue.JobOptions{Priority: 10, Class: queue.ClassInteractive, MaxAttempts: 3},
	})
	require.NoError(t, err)

	started := make(chan struct{})
	_, log := logger.NewTestLogger(t)
	w := NewWorker(broker, ProcessorFunc(func(ctx context.Context, _ *queue.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), testConfig(), log)
	w.Start()
	<-started

	closeCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, w.Close(closeCtx))
	assert.False(t, w.Alive())

	require.Eventually(t, func() bool {
		j, err := broker.GetJob(ctx, job.ID)
		return err == nil && j.State != queue.JobStateActive
	}, timeout, tick)
}

func TestWorker_CloseBeforeStart(t *testing.T) {
	broker := newTestBroker(t)
	_, log := logger.NewTestLogger(t)
	w := NewWorker(broker, noop, testConfig(), log)

	assert.False(t, w.Alive())
	assert.NoError(t, w.Close(context.Background()))
}
