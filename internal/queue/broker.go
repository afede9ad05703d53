package queue

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Producer enqueues jobs.
type Producer interface {
	AddJob(ctx context.Context, spec JobSpec) (*Job, error)
}

// Controller exposes the broker switches and counters the activity monitor
// works with. PauseJobClass and ResumeJobClass are idempotent.
type Controller interface {
	PauseJobClass(ctx context.Context, class JobClass) error
	ResumeJobClass(ctx context.Context, class JobClass) error
	IsJobClassPaused(ctx context.Context, class JobClass) (bool, error)
	GetStats(ctx context.Context) (Stats, error)
}

// Consumer is the side of the broker a worker talks to.
type Consumer interface {
	// Claim marks the next eligible job active for consumerID and returns it.
	// It returns nil and no error when nothing is eligible.
	Claim(ctx context.Context, consumerID string) (*Job, error)

	// Complete marks a job completed. The job must be active under
	// consumerID; a claim that was released or requeued and picked up by
	// another consumer is reported as store.ErrJobNotFound.
	Complete(ctx context.Context, id uuid.UUID, consumerID string) error

	// Fail records a failed attempt by consumerID. The job is retried after
	// its backoff while attempts remain, otherwise it is marked failed. The
	// resulting state is returned.
	Fail(ctx context.Context, id uuid.UUID, consumerID string, cause error) (JobState, error)

	// Release returns every job active under consumerID to the queue.
	Release(ctx context.Context, consumerID string) (int, error)

	// RequeueStalled returns jobs claimed longer than olderThan ago to the queue.
	RequeueStalled(ctx context.Context, olderThan time.Duration) (int, error)
}

// Broker is the full queue contract.
type Broker interface {
	Producer
	Controller
	Consumer

	// GetJob looks up a job by id. Jobs trimmed by retention are not found.
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
}

// errorTextLimit caps Job.LastError in bytes.
const errorTextLimit = 2000

// ErrorText trims err for storage in Job.LastError. The result is always
// valid UTF-8 so it can be written to a TEXT column.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) <= errorTextLimit {
		return s
	}
	s = s[:errorTextLimit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
