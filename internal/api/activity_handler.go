package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/api/shared"
	"github.com/phrazzld/spin-api/internal/events"
	"github.com/phrazzld/spin-api/internal/platform/logger"
)

// ActivityRecorder accepts interaction records. Recording never fails from
// the caller's point of view.
type ActivityRecorder interface {
	Record(ctx context.Context, rec activity.Record)
}

// ActivityHandler handles POST /api/activity.
type ActivityHandler struct {
	recorder ActivityRecorder
	emitter  events.EventEmitter
	now      func() time.Time
}

// NewActivityHandler creates an ActivityHandler. emitter may be nil, in
// which case enrich requests are accepted but nothing is enqueued.
func NewActivityHandler(recorder ActivityRecorder, emitter events.EventEmitter) *ActivityHandler {
	return &ActivityHandler{
		recorder: recorder,
		emitter:  emitter,
		now:      time.Now,
	}
}

// RecordActivity records one interaction and, when asked, requests
// enrichment for each touched entity. The record is written before any
// enrichment is scored so the new activity counts toward its priority.
func (h *ActivityHandler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context()).With("component", "activity_handler")

	var req RecordActivityRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	actor := actorFromRequest(r, req.SessionID)
	rec := activity.Record{
		ID:            uuid.New(),
		SessionID:     actor.SessionID,
		UserID:        actor.UserID,
		Operation:     req.Operation,
		OperationType: req.OperationType,
		Entities:      req.Entities,
		Timestamp:     h.now().UTC(),
	}
	if err := rec.Validate(); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	h.recorder.Record(r.Context(), rec)

	requested := 0
	if req.Enrich && h.emitter != nil {
		requested = h.requestEnrichment(r.Context(), log, rec, actor)
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, RecordActivityResponse{
		ID:                  rec.ID,
		SessionID:           rec.SessionID,
		Timestamp:           rec.Timestamp,
		EnrichmentRequested: requested,
	})
}

// requestEnrichment emits one event per distinct entity and returns how many
// were accepted. Emit failures are logged; the activity itself is already
// recorded.
func (h *ActivityHandler) requestEnrichment(ctx context.Context, log *slog.Logger, rec activity.Record, actor activity.Actor) int {
	seen := make(map[activity.EntityRef]bool, len(rec.Entities))
	accepted := 0
	for _, ref := range rec.Entities {
		if seen[ref] {
			continue
		}
		seen[ref] = true

		event, err := events.NewEnrichmentRequestEvent(rec.Operation, ref, actor, nil)
		if err != nil {
			log.WarnContext(ctx, "could not build enrichment request", "entity", ref.String(), "error", err)
			continue
		}
		if err := h.emitter.EmitEvent(ctx, event); err != nil {
			log.ErrorContext(ctx, "enrichment request failed",
				"entity", ref.String(),
				"operation", rec.Operation,
				"error", err)
			continue
		}
		accepted++
	}
	return accepted
}
