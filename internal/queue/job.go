package queue

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// JobClass groups jobs for pause/resume.
type JobClass string

const (
	// ClassInteractive holds work a user is waiting on. It is never paused
	// by the activity monitor.
	ClassInteractive JobClass = "interactive"
	// ClassBackground holds deferrable work subject to backpressure.
	ClassBackground JobClass = "background"
)

// Classes lists every job class in dispatch preference order.
var Classes = []JobClass{ClassInteractive, ClassBackground}

// Valid reports whether c is a known class.
func (c JobClass) Valid() bool {
	return c == ClassInteractive || c == ClassBackground
}

// BackoffType selects the retry delay curve.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// maxBackoff caps a single retry delay.
const maxBackoff = 24 * time.Hour

// Backoff describes how long to wait before retrying a failed job.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the delay before the retry that follows the given number of
// attempts already made (starting at 1).
func (b Backoff) Next(attempts int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attempts <= 1 {
		return b.Delay
	}
	factor := math.Pow(2, float64(attempts-1))
	d := float64(b.Delay) * factor
	if d > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}

// Retention bounds how many finished jobs the broker keeps for inspection.
// Counts apply per job class, using the policy of the job that just finished.
type Retention struct {
	KeepCompleted int `json:"keepCompleted"`
	KeepFailed    int `json:"keepFailed"`
}

// JobOptions are the broker-facing parameters of a job.
type JobOptions struct {
	Priority    int           `json:"priority"`
	Delay       time.Duration `json:"delay"`
	MaxAttempts int           `json:"maxAttempts"`
	Backoff     Backoff       `json:"backoff"`
	Retention   Retention     `json:"retention"`
	Class       JobClass      `json:"class"`
}

// Normalize returns o with out-of-range fields replaced by safe values.
func (o JobOptions) Normalize() JobOptions {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if !o.Class.Valid() {
		o.Class = ClassBackground
	}
	if o.Backoff.Type != BackoffExponential {
		o.Backoff.Type = BackoffFixed
	}
	if o.Retention.KeepCompleted < 0 {
		o.Retention.KeepCompleted = 0
	}
	if o.Retention.KeepFailed < 0 {
		o.Retention.KeepFailed = 0
	}
	return o
}

// JobSpec is what producers hand to AddJob.
type JobSpec struct {
	Type    string
	Payload json.RawMessage
	Options JobOptions
}

// JobState is the broker-side lifecycle of a job.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Job is a queued unit of work.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Seq         int64           `json:"seq"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Class       JobClass        `json:"class"`
	Priority    int             `json:"priority"`
	State       JobState        `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     Backoff         `json:"backoff"`
	Retention   Retention       `json:"retention"`
	RunAt       time.Time       `json:"runAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	ClaimedAt   time.Time       `json:"claimedAt,omitempty"`
	FinishedAt  time.Time       `json:"finishedAt,omitempty"`
	ConsumerID  string          `json:"consumerId,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

// Stats are point-in-time broker counters.
type Stats struct {
	Active    int `json:"active"`
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
