package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/spin-api/internal/platform/logger"
	"github.com/phrazzld/spin-api/internal/queue"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxClaimErrors = 3
	cfg.CloseTimeout = time.Second
	return cfg
}

func newTestBroker(t *testing.T) *queue.MemoryBroker {
	t.Helper()
	_, log := logger.NewTestLogger(t)
	return queue.NewMemoryBroker(log)
}

func addJob(t *testing.T, b queue.Producer, typ string, class queue.JobClass, priority int) *queue.Job {
	t.Helper()
	job, err := b.AddJob(context.Background(), queue.JobSpec{
		Type: typ,
		Options: queue.JobOptions{
			Priority:    priority,
			Class:       class,
			MaxAttempts: 1,
			Retention:   queue.Retention{KeepCompleted: 100, KeepFailed: 100},
		},
	})
	require.NoError(t, err)
	return job
}

// fakeHandle is a WorkerHandle whose liveness and close behaviour tests
// control directly.
type fakeHandle struct {
	id       string
	alive    atomic.Bool
	started  atomic.Bool
	closeErr error
	panics   bool
	closes   atomic.Int32
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Start() {
	h.started.Store(true)
	h.alive.Store(true)
}

func (h *fakeHandle) Alive() bool { return h.alive.Load() }

func (h *fakeHandle) Close(context.Context) error {
	h.closes.Add(1)
	h.alive.Store(false)
	if h.panics {
		panic("use of closed network connection")
	}
	return h.closeErr
}

// fakeFactory hands out fakeHandles and remembers them.
type fakeFactory struct {
	mu      sync.Mutex
	handles []*fakeHandle
	next    func(h *fakeHandle)
}

func (f *fakeFactory) build(Processor) (WorkerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{id: "fake-" + string(rune('a'+len(f.handles)))}
	if f.next != nil {
		f.next(h)
	}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeFactory) built() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.handles...)
}

var noop = ProcessorFunc(func(context.Context, *queue.Job) error { return nil })

// hungConsumer blocks every Claim until unblock is closed, ignoring ctx, as
// a driver stuck on a half-open connection does.
type hungConsumer struct {
	queue.Consumer
	unblock  chan struct{}
	released atomic.Int32
}

func (c *hungConsumer) Claim(context.Context, string) (*queue.Job, error) {
	<-c.unblock
	return nil, nil
}

func (c *hungConsumer) Release(context.Context, string) (int, error) {
	c.released.Add(1)
	return 0, nil
}
