package api

import (
	"context"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/api/shared"
	"github.com/phrazzld/spin-api/internal/platform/logger"
	"github.com/phrazzld/spin-api/internal/priority"
	"github.com/phrazzld/spin-api/internal/queue"
	"github.com/phrazzld/spin-api/internal/task"
)

// JobLookup fetches a stored job by id.
type JobLookup interface {
	GetJob(ctx context.Context, id uuid.UUID) (*queue.Job, error)
}

// JobHandler handles the /api/jobs routes.
type JobHandler struct {
	scorer task.JobScorer
	jobs   task.JobAdder
	lookup JobLookup
	types  []string
}

// NewJobHandler creates a JobHandler. types lists the job types a processor
// is registered for; an empty list accepts any type.
func NewJobHandler(scorer task.JobScorer, jobs task.JobAdder, lookup JobLookup, types []string) *JobHandler {
	return &JobHandler{
		scorer: scorer,
		jobs:   jobs,
		lookup: lookup,
		types:  types,
	}
}

// EnqueueJob handles POST /api/jobs. The job is scored against the caller's
// activity and added with the resulting options.
func (h *JobHandler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}
	if len(h.types) > 0 && !slices.Contains(h.types, req.Type) {
		HandleAPIError(w, r, task.ErrUnknownJobType, "")
		return
	}

	actor := actorFromRequest(r, "")
	opts, decision := h.scorer.GetJobOptions(r.Context(), priority.Request{
		Operation:  req.Operation,
		EntityID:   req.EntityID,
		EntityKind: req.EntityKind,
		UserID:     actor.UserID,
		SessionID:  actor.SessionID,
	})

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	job, err := h.jobs.AddJob(r.Context(), req.Type, payload, opts)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to enqueue job")
		return
	}

	logger.FromContext(r.Context()).Info("job enqueued via api",
		"job_id", job.ID,
		"job_type", job.Type,
		"tier", decision.Tier,
		"priority", decision.Priority,
		"class", decision.Class)

	shared.RespondWithJSON(w, r, http.StatusCreated, EnqueueJobResponse{Job: job, Decision: decision})
}

// GetJob handles GET /api/jobs/{id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "Invalid job id")
		return
	}

	job, err := h.lookup.GetJob(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, job)
}
