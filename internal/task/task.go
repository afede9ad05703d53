package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/spin-api/internal/config"
	"github.com/phrazzld/spin-api/internal/queue"
)

// Common errors returned by the task package
var (
	// ErrWorkerExists is returned when creating a worker while one is attached.
	// Two consumers on one queue would double-execute jobs.
	ErrWorkerExists = errors.New("a worker is already attached to the queue")

	// ErrUnknownJobType is returned when no processor handles a job's type.
	ErrUnknownJobType = errors.New("no processor registered for job type")

	// ErrConsumerDead is the exit reason of a worker whose claims kept failing.
	ErrConsumerDead = errors.New("consumer stopped after repeated claim failures")
)

// Processor executes one job. A returned error counts as a failed attempt.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job *queue.Job) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, job *queue.Job) error {
	return f(ctx, job)
}

// WorkerState is the manager-visible state of the worker handle.
type WorkerState string

const (
	WorkerAbsent WorkerState = "absent"
	WorkerActive WorkerState = "active"
)

// Config holds configuration for the worker and its supervisor
type Config struct {
	// Concurrency bounds how many jobs one worker runs at once
	Concurrency int

	// PollInterval is the wait between claims when the queue is empty
	PollInterval time.Duration

	// StalledAfter is how long a job may stay claimed before the
	// supervisor returns it to the queue
	StalledAfter time.Duration

	// SupervisorInterval is how often the supervisor checks the worker
	SupervisorInterval time.Duration

	// CloseTimeout bounds a graceful worker close
	CloseTimeout time.Duration

	// MaxClaimErrors is the number of consecutive failed claims after which
	// the worker gives up and reports itself dead
	MaxClaimErrors int
}

// ConfigFrom maps application config onto a Config.
func ConfigFrom(cfg config.QueueConfig) Config {
	return Config{
		Concurrency:        cfg.Concurrency,
		PollInterval:       cfg.PollInterval,
		StalledAfter:       cfg.StalledAfter,
		SupervisorInterval: cfg.SupervisorInterval,
		CloseTimeout:       cfg.CloseTimeout,
		MaxClaimErrors:     cfg.MaxClaimErrors,
	}
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:        4,
		PollInterval:       500 * time.Millisecond,
		StalledAfter:       10 * time.Minute,
		SupervisorInterval: 15 * time.Second,
		CloseTimeout:       30 * time.Second,
		MaxClaimErrors:     5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StalledAfter <= 0 {
		c.StalledAfter = d.StalledAfter
	}
	if c.SupervisorInterval <= 0 {
		c.SupervisorInterval = d.SupervisorInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.MaxClaimErrors <= 0 {
		c.MaxClaimErrors = d.MaxClaimErrors
	}
	return c
}

// panicError wraps a value recovered from a panicking processor.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("processor panicked: %v", e.value)
}
