package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/store"
)

// ErrInvalidJob is returned by AddJob for a spec without a type.
var ErrInvalidJob = errors.New("invalid job")

// readyHeap orders jobs by priority descending, then enqueue sequence.
type readyHeap []*Job

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// delayHeap orders delayed jobs by due time.
type delayHeap []*Job

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].RunAt.Equal(h[j].RunAt) {
		return h[i].RunAt.Before(h[j].RunAt)
	}
	return h[i].Seq < h[j].Seq
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// MemoryBroker is an in-process Broker. Jobs do not survive a restart.
type MemoryBroker struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*Job
	ready     map[JobClass]*readyHeap
	delayed   delayHeap
	paused    map[JobClass]bool
	// finished job ids per class, oldest first
	completed map[JobClass][]uuid.UUID
	failed    map[JobClass][]uuid.UUID
	seq       int64
	now       func() time.Time
	logger    *slog.Logger
}

// MemoryBrokerOption customizes a MemoryBroker.
type MemoryBrokerOption func(*MemoryBroker)

// WithBrokerClock overrides time.Now.
func WithBrokerClock(now func() time.Time) MemoryBrokerOption {
	return func(b *MemoryBroker) { b.now = now }
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker(logger *slog.Logger, opts ...MemoryBrokerOption) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &MemoryBroker{
		jobs:      make(map[uuid.UUID]*Job),
		ready:     make(map[JobClass]*readyHeap),
		paused:    make(map[JobClass]bool),
		completed: make(map[JobClass][]uuid.UUID),
		failed:    make(map[JobClass][]uuid.UUID),
		now:       time.Now,
		logger:    logger.With("component", "memory_broker"),
	}
	for _, c := range Classes {
		b.ready[c] = &readyHeap{}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ Broker = (*MemoryBroker)(nil)

// AddJob implements Producer.
func (b *MemoryBroker) AddJob(ctx context.Context, spec JobSpec) (*Job, error) {
	if spec.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidJob)
	}
	opts := spec.Options.Normalize()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	now := b.now()
	job := &Job{
		ID:          uuid.New(),
		Seq:         b.seq,
		Type:        spec.Type,
		Payload:     append([]byte(nil), spec.Payload...),
		Class:       opts.Class,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		Retention:   opts.Retention,
		CreatedAt:   now,
		RunAt:       now.Add(opts.Delay),
	}
	b.jobs[job.ID] = job
	b.schedule(job, now)

	out := *job
	return &out, nil
}

// schedule places a waiting job in the ready or delayed heap.
func (b *MemoryBroker) schedule(job *Job, now time.Time) {
	if job.RunAt.After(now) {
		job.State = JobStateDelayed
		heap.Push(&b.delayed, job)
		return
	}
	job.State = JobStateWaiting
	heap.Push(b.ready[job.Class], job)
}

// promote moves due delayed jobs to their ready heap.
func (b *MemoryBroker) promote(now time.Time) {
	for b.delayed.Len() > 0 && !b.delayed[0].RunAt.After(now) {
		job := heap.Pop(&b.delayed).(*Job)
		job.State = JobStateWaiting
		heap.Push(b.ready[job.Class], job)
	}
}

// PauseJobClass implements Controller.
func (b *MemoryBroker) PauseJobClass(ctx context.Context, class JobClass) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused[class] = true
	return nil
}

// ResumeJobClass implements Controller.
func (b *MemoryBroker) ResumeJobClass(ctx context.Context, class JobClass) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.paused, class)
	return nil
}

// IsJobClassPaused implements Controller.
func (b *MemoryBroker) IsJobClassPaused(ctx context.Context, class JobClass) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused[class], nil
}

// GetStats implements Controller.
func (b *MemoryBroker) GetStats(ctx context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promote(b.now())

	var s Stats
	for _, job := range b.jobs {
		switch job.State {
		case JobStateActive:
			s.Active++
		case JobStateWaiting:
			s.Waiting++
		case JobStateDelayed:
			s.Delayed++
		case JobStateCompleted:
			s.Completed++
		case JobStateFailed:
			s.Failed++
		}
	}
	return s, nil
}

// Claim implements Consumer.
func (b *MemoryBroker) Claim(ctx context.Context, consumerID string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.promote(now)

	var best *readyHeap
	for _, class := range Classes {
		h := b.ready[class]
		if b.paused[class] || h.Len() == 0 {
			continue
		}
		if best == nil || outranks((*h)[0], (*best)[0]) {
			best = h
		}
	}
	if best == nil {
		return nil, nil
	}

	job := heap.Pop(best).(*Job)
	job.State = JobStateActive
	job.Attempts++
	job.ConsumerID = consumerID
	job.ClaimedAt = now

	out := *job
	return &out, nil
}

func outranks(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

// activeJob returns the job only while consumerID still holds its claim.
func (b *MemoryBroker) activeJob(id uuid.UUID, consumerID string) (*Job, error) {
	job, ok := b.jobs[id]
	if !ok || job.State != JobStateActive || job.ConsumerID != consumerID {
		return nil, fmt.Errorf("%w: no active job %s for consumer %s", store.ErrJobNotFound, id, consumerID)
	}
	return job, nil
}

// Complete implements Consumer.
func (b *MemoryBroker) Complete(ctx context.Context, id uuid.UUID, consumerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, err := b.activeJob(id, consumerID)
	if err != nil {
		return err
	}
	b.finish(job, JobStateCompleted, "")
	return nil
}

// Fail implements Consumer.
func (b *MemoryBroker) Fail(ctx context.Context, id uuid.UUID, consumerID string, cause error) (JobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, err := b.activeJob(id, consumerID)
	if err != nil {
		return "", err
	}

	job.LastError = ErrorText(cause)
	if job.Attempts >= job.MaxAttempts {
		b.finish(job, JobStateFailed, job.LastError)
		return JobStateFailed, nil
	}

	now := b.now()
	job.ConsumerID = ""
	job.ClaimedAt = time.Time{}
	job.RunAt = now.Add(job.Backoff.Next(job.Attempts))
	b.schedule(job, now)
	return job.State, nil
}

// finish moves job to a terminal state and applies its retention policy to
// the finished jobs of the same class.
func (b *MemoryBroker) finish(job *Job, state JobState, lastError string) {
	job.State = state
	job.LastError = lastError
	job.ConsumerID = ""
	job.FinishedAt = b.now()

	switch state {
	case JobStateCompleted:
		b.completed[job.Class] = b.trim(append(b.completed[job.Class], job.ID), job.Retention.KeepCompleted)
	case JobStateFailed:
		b.failed[job.Class] = b.trim(append(b.failed[job.Class], job.ID), job.Retention.KeepFailed)
	}
}

func (b *MemoryBroker) trim(ids []uuid.UUID, keep int) []uuid.UUID {
	for len(ids) > keep {
		delete(b.jobs, ids[0])
		ids = ids[1:]
	}
	return ids
}

// requeue returns an active job to the queue, or fails it when it has no
// attempts left.
func (b *MemoryBroker) requeue(job *Job, now time.Time, reason string) {
	if job.Attempts >= job.MaxAttempts {
		b.finish(job, JobStateFailed, reason)
		return
	}
	job.ConsumerID = ""
	job.ClaimedAt = time.Time{}
	job.RunAt = now
	b.schedule(job, now)
}

// Release implements Consumer.
func (b *MemoryBroker) Release(ctx context.Context, consumerID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	n := 0
	for _, job := range b.jobs {
		if job.State == JobStateActive && job.ConsumerID == consumerID {
			b.requeue(job, now, "released by consumer "+consumerID)
			n++
		}
	}
	return n, nil
}

// RequeueStalled implements Consumer.
func (b *MemoryBroker) RequeueStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, job := range b.jobs {
		if job.State == JobStateActive && job.ClaimedAt.Before(cutoff) {
			b.requeue(job, now, "stalled")
			n++
		}
	}
	if n > 0 {
		b.logger.Warn("requeued stalled jobs", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// GetJob implements Broker.
func (b *MemoryBroker) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promote(b.now())

	job, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	out := *job
	return &out, nil
}
