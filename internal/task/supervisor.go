package task

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/spin-api/internal/queue"
)

// Supervisor keeps exactly one live worker attached. On each tick it
// replaces a dead worker with destroy-then-create and returns jobs stuck
// with a dead consumer to the queue.
type Supervisor struct {
	manager   *Manager
	consumer  queue.Consumer
	processor Processor
	config    Config
	logger    *slog.Logger

	restarts atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a Supervisor. It does nothing until Start.
func NewSupervisor(manager *Manager, consumer queue.Consumer, processor Processor, config Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		manager:   manager,
		consumer:  consumer,
		processor: processor,
		config:    config.withDefaults(),
		logger:    logger.With("component", "worker_supervisor"),
	}
}

// Start runs Check immediately and then every SupervisorInterval until Stop
// or ctx is cancelled. Starting a running supervisor has no effect.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)

		ticker := time.NewTicker(s.config.SupervisorInterval)
		defer ticker.Stop()

		s.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Check(ctx)
			}
		}
	}(s.done)
}

// Stop halts the supervisor loop and waits for it. The worker is left
// attached; shutting it down is the caller's call.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Restarts returns how many times a worker has been recreated.
func (s *Supervisor) Restarts() uint64 {
	return s.restarts.Load()
}

// Check runs one supervision pass.
func (s *Supervisor) Check(ctx context.Context) {
	if !s.manager.WorkerAlive() {
		s.recreate(ctx)
	}

	n, err := s.consumer.RequeueStalled(ctx, s.config.StalledAfter)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "failed to requeue stalled jobs", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "requeued stalled jobs",
			"count", n,
			"stalled_after", s.config.StalledAfter)
	}
}

func (s *Supervisor) recreate(ctx context.Context) {
	restart := s.manager.State() == WorkerActive
	if restart {
		s.logger.WarnContext(ctx, "worker is dead, replacing it")
	}

	s.manager.DestroyWorker(ctx)
	if err := s.manager.CreateWorker(s.processor); err != nil {
		s.logger.ErrorContext(ctx, "failed to create worker", "error", err)
		return
	}
	if restart {
		s.restarts.Add(1)
	}
}
