package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/spin-api/internal/queue"
)

// Manager owns the queue's single worker handle. Only the manager creates or
// destroys it, and it holds its lock for the whole create or destroy so the
// two never interleave.
type Manager struct {
	producer  queue.Producer
	newWorker WorkerFactory
	config    Config
	logger    *slog.Logger

	mu     sync.Mutex
	worker WorkerHandle
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithWorkerFactory replaces how workers are built.
func WithWorkerFactory(f WorkerFactory) ManagerOption {
	return func(m *Manager) { m.newWorker = f }
}

// NewManager creates a Manager with no worker attached. By default workers
// consume from broker.
func NewManager(broker queue.Broker, config Config, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()
	m := &Manager{
		producer: broker,
		config:   config,
		logger:   logger.With("component", "worker_manager"),
	}
	m.newWorker = func(p Processor) (WorkerHandle, error) {
		return NewWorker(broker, p, config, logger), nil
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateWorker attaches and starts a worker running processor. It fails with
// ErrWorkerExists when a handle is already attached, alive or not; a dead
// worker must be destroyed first.
func (m *Manager) CreateWorker(processor Processor) error {
	if processor == nil {
		return fmt.Errorf("create worker: processor is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.worker != nil {
		return fmt.Errorf("%w: %s", ErrWorkerExists, m.worker.ID())
	}

	w, err := m.newWorker(processor)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	w.Start()
	m.worker = w

	m.logger.Info("worker attached", "worker_id", w.ID())
	return nil
}

// DestroyWorker closes the attached worker and detaches it. Close failures
// and panics are logged, never returned: the handle always ends up absent so
// a following CreateWorker can succeed. With no worker attached it does
// nothing.
func (m *Manager) DestroyWorker(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.worker
	if w == nil {
		return
	}
	defer func() { m.worker = nil }()

	ctx, cancel := context.WithTimeout(ctx, m.config.CloseTimeout)
	defer cancel()

	if err := m.closeWorker(ctx, w); err != nil {
		m.logger.WarnContext(ctx, "worker did not close cleanly, detaching anyway",
			"worker_id", w.ID(),
			"error", err)
		return
	}
	m.logger.InfoContext(ctx, "worker detached", "worker_id", w.ID())
}

func (m *Manager) closeWorker(ctx context.Context, w WorkerHandle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return w.Close(ctx)
}

// State reports whether a worker is attached.
func (m *Manager) State() WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.worker == nil {
		return WorkerAbsent
	}
	return WorkerActive
}

// WorkerAlive reports whether an attached worker is still consuming.
func (m *Manager) WorkerAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worker != nil && m.worker.Alive()
}

// AddJob enqueues a job. It works with or without a worker attached.
func (m *Manager) AddJob(ctx context.Context, jobType string, payload any, opts queue.JobOptions) (*queue.Job, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal job payload: %w", err)
		}
		raw = b
	}

	job, err := m.producer.AddJob(ctx, queue.JobSpec{Type: jobType, Payload: raw, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("add %s job: %w", jobType, err)
	}
	m.logger.DebugContext(ctx, "job added",
		"job_id", job.ID,
		"job_type", jobType,
		"priority", job.Priority,
		"class", job.Class,
		"state", job.State)
	return job, nil
}
