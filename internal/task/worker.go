package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/platform/logger"
	"github.com/phrazzld/spin-api/internal/queue"
)

// reportTimeout bounds the broker call that records a job's outcome.
const reportTimeout = 5 * time.Second

// WorkerHandle is what the Manager holds for an attached worker.
type WorkerHandle interface {
	ID() string
	Start()
	// Alive is false once the consumer loop has exited.
	Alive() bool
	// Close stops the consumer loop, waits for in-flight jobs within ctx and
	// returns any jobs still claimed to the queue.
	Close(ctx context.Context) error
}

// WorkerFactory builds a handle bound to processor.
type WorkerFactory func(processor Processor) (WorkerHandle, error)

// Worker is a single consumer loop over a queue.Consumer. It claims up to
// Concurrency jobs at a time and runs each in its own goroutine.
type Worker struct {
	id        string
	consumer  queue.Consumer
	processor Processor
	config    Config
	logger    *slog.Logger

	// loopCtx stops claiming; jobCtx is handed to processors and is only
	// cancelled when a close runs out of time.
	loopCtx    context.Context
	stopLoop   context.CancelFunc
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	slots    chan struct{}
	jobs     sync.WaitGroup
	loopDone chan struct{}

	mu       sync.Mutex
	started  bool
	exitErr  error
	closeErr error
	closed   bool
}

// NewWorker creates a worker. It does not start consuming until Start.
func NewWorker(consumer queue.Consumer, processor Processor, config Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()
	id := "worker-" + uuid.NewString()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	return &Worker{
		id:         id,
		consumer:   consumer,
		processor:  processor,
		config:     config,
		logger:     logger.With("component", "worker", "worker_id", id),
		loopCtx:    loopCtx,
		stopLoop:   stopLoop,
		jobCtx:     jobCtx,
		cancelJobs: cancelJobs,
		slots:      make(chan struct{}, config.Concurrency),
		loopDone:   make(chan struct{}),
	}
}

// ID returns the consumer id the worker claims jobs under.
func (w *Worker) ID() string {
	return w.id
}

// Start launches the consumer loop. Calling it again has no effect.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.loop()
	w.logger.Info("worker started", "concurrency", w.config.Concurrency)
}

// Alive reports whether the consumer loop is still running.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-w.loopDone:
		return false
	default:
		return true
	}
}

// Err returns why the consumer loop exited on its own, if it did.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// Done is closed when the consumer loop exits.
func (w *Worker) Done() <-chan struct{} {
	return w.loopDone
}

func (w *Worker) loop() {
	defer close(w.loopDone)

	failures := 0
	for {
		select {
		case <-w.loopCtx.Done():
			return
		case w.slots <- struct{}{}:
		}

		job, err := w.consumer.Claim(w.loopCtx, w.id)
		if err != nil {
			<-w.slots
			if w.loopCtx.Err() != nil {
				return
			}
			failures++
			w.logger.Warn("claim failed",
				"error", err,
				"consecutive_failures", failures)
			if failures >= w.config.MaxClaimErrors {
				w.mu.Lock()
				w.exitErr = fmt.Errorf("%w: %w", ErrConsumerDead, err)
				w.mu.Unlock()
				w.logger.Error("worker giving up", "error", err)
				return
			}
			if !w.sleep() {
				return
			}
			continue
		}
		failures = 0

		if job != nil && w.loopCtx.Err() != nil {
			// Claimed after Close began. The job stays active under this
			// worker's id until Close releases it or it is requeued as stalled.
			<-w.slots
			w.logger.Warn("claim returned after stop, leaving job for release", "job_id", job.ID)
			return
		}

		if job == nil {
			<-w.slots
			if !w.sleep() {
				return
			}
			continue
		}

		w.jobs.Add(1)
		go w.run(job)
	}
}

// sleep waits one poll interval. It returns false when the loop should stop.
func (w *Worker) sleep() bool {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()
	select {
	case <-w.loopCtx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// run processes one claimed job and reports the outcome to the broker.
func (w *Worker) run(job *queue.Job) {
	defer w.jobs.Done()
	defer func() { <-w.slots }()

	log := w.logger.With(
		"job_id", job.ID,
		"job_type", job.Type,
		"attempt", job.Attempts,
		"priority", job.Priority,
		"class", job.Class)
	ctx := logger.WithLogger(w.jobCtx, log)

	log.Debug("processing job")
	start := time.Now()
	err := w.process(ctx, job)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err == nil {
		if cerr := w.consumer.Complete(reportCtx, job.ID, w.id); cerr != nil {
			log.Error("failed to mark job completed", "error", cerr)
			return
		}
		log.Info("job completed", "duration", time.Since(start))
		return
	}

	state, ferr := w.consumer.Fail(reportCtx, job.ID, w.id, err)
	if ferr != nil {
		log.Error("failed to record job failure", "error", ferr, "cause", err)
		return
	}
	if state == queue.JobStateFailed {
		log.Error("job failed permanently", "error", err, "max_attempts", job.MaxAttempts)
		return
	}
	log.Warn("job failed, will retry", "error", err, "state", state)
}

// process runs the processor, turning a panic into an error.
func (w *Worker) process(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return w.processor.Process(ctx, job)
}

// Close stops claiming, waits for running jobs until ctx is done, then
// releases whatever this worker still holds. Closing twice returns the first
// result.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		err := w.closeErr
		w.mu.Unlock()
		return err
	}
	w.closed = true
	started := w.started
	w.mu.Unlock()

	var errs []error

	// A consumer stuck in Claim on a dead connection may never return, so
	// the loop is only waited for until ctx is done. In-flight jobs are then
	// cancelled rather than awaited.
	w.stopLoop()
	loopExited := true
	if started {
		select {
		case <-w.loopDone:
		case <-ctx.Done():
			loopExited = false
			w.cancelJobs()
			errs = append(errs, fmt.Errorf("waiting for consumer loop: %w", ctx.Err()))
		}
	}

	if loopExited {
		drained := make(chan struct{})
		go func() {
			w.jobs.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-ctx.Done():
			w.cancelJobs()
			errs = append(errs, fmt.Errorf("waiting for in-flight jobs: %w", ctx.Err()))
		}
	}

	if err := w.release(ctx); err != nil {
		errs = append(errs, err)
	}
	w.cancelJobs()

	closeErr := errors.Join(errs...)
	w.mu.Lock()
	w.closeErr = closeErr
	w.mu.Unlock()
	return closeErr
}

// release hands this worker's claimed jobs back to the queue. The broker call
// runs in its own goroutine so a hung connection cannot hold Close past
// reportTimeout.
func (w *Worker) release(ctx context.Context) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := w.consumer.Release(releaseCtx, w.id)
		done <- result{n: n, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("release claimed jobs: %w", r.err)
		}
		if r.n > 0 {
			w.logger.Info("released claimed jobs", "count", r.n)
		}
		return nil
	case <-releaseCtx.Done():
		return fmt.Errorf("release claimed jobs: %w", releaseCtx.Err())
	}
}

var _ WorkerHandle = (*Worker)(nil)
