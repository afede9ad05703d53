package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/phrazzld/spin-api/internal/queue"
)

// Registry dispatches jobs to processors by job type.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// Register binds jobType to p. Registering a type twice is an error.
func (r *Registry) Register(jobType string, p Processor) error {
	if jobType == "" || p == nil {
		return fmt.Errorf("register processor: job type and processor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processors[jobType]; ok {
		return fmt.Errorf("register processor: job type %q already registered", jobType)
	}
	r.processors[jobType] = p
	return nil
}

// Types returns the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	return types
}

// Process runs the processor registered for job.Type.
func (r *Registry) Process(ctx context.Context, job *queue.Job) error {
	r.mu.RLock()
	p, ok := r.processors[job.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type)
	}
	return p.Process(ctx, job)
}

var _ Processor = (*Registry)(nil)
