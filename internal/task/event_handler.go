package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/spin-api/internal/events"
	"github.com/phrazzld/spin-api/internal/priority"
	"github.com/phrazzld/spin-api/internal/queue"
)

// JobScorer produces broker options for an enqueue request.
type JobScorer interface {
	GetJobOptions(ctx context.Context, req priority.Request) (queue.JobOptions, priority.Decision)
}

// JobAdder enqueues jobs.
type JobAdder interface {
	AddJob(ctx context.Context, jobType string, payload any, opts queue.JobOptions) (*queue.Job, error)
}

// EnqueueEventHandler implements the events.EventHandler interface
// by scoring each enrichment request and adding the resulting job.
type EnqueueEventHandler struct {
	scorer JobScorer
	jobs   JobAdder
	logger *slog.Logger
}

// NewEnqueueEventHandler creates a handler that scores with scorer and
// enqueues through jobs.
func NewEnqueueEventHandler(scorer JobScorer, jobs JobAdder, logger *slog.Logger) *EnqueueEventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnqueueEventHandler{
		scorer: scorer,
		jobs:   jobs,
		logger: logger.With("component", "enqueue_event_handler"),
	}
}

// HandleEvent scores the request and enqueues one enrichment job for it.
func (h *EnqueueEventHandler) HandleEvent(ctx context.Context, event *events.EnrichmentRequestEvent) error {
	if err := event.Validate(); err != nil {
		h.logger.WarnContext(ctx, "dropping invalid enrichment request",
			"event_id", event.ID,
			"error", err)
		return err
	}

	opts, decision := h.scorer.GetJobOptions(ctx, priority.Request{
		Operation:  event.Operation,
		EntityID:   event.EntityID,
		EntityKind: event.EntityKind,
		UserID:     event.UserID,
		SessionID:  event.SessionID,
	})

	job, err := h.jobs.AddJob(ctx, event.JobType(), event.Payload, opts)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to enqueue enrichment job",
			"error", err,
			"event_id", event.ID,
			"operation", event.Operation)
		return fmt.Errorf("enqueue enrichment job: %w", err)
	}

	h.logger.InfoContext(ctx, "enrichment job enqueued",
		"job_id", job.ID,
		"event_id", event.ID,
		"operation", event.Operation,
		"entity_kind", event.EntityKind,
		"entity_id", event.EntityID,
		"tier", decision.Tier,
		"priority", decision.Priority,
		"class", decision.Class,
		"delay_ms", decision.RecommendedDelayMs())
	return nil
}

// Ensure EnqueueEventHandler implements events.EventHandler
var _ events.EventHandler = (*EnqueueEventHandler)(nil)
