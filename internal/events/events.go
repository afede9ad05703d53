package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/activity"
)

// ErrInvalidEvent is returned when an event is missing required fields.
var ErrInvalidEvent = errors.New("invalid enrichment request event")

// EnrichmentRequestEvent asks for metadata enrichment of one entity as a
// consequence of an operation.
type EnrichmentRequestEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Operation is the action that caused the request, e.g. "collection_add"
	Operation string `json:"operation"`

	EntityKind activity.EntityKind `json:"entityKind"`
	EntityID   string              `json:"entityId"`

	// UserID and SessionID identify the actor, when there is one.
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// Payload is passed to the job processor unchanged
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// JobType names the job that enriches this event's entity.
func (e *EnrichmentRequestEvent) JobType() string {
	return "enrich_" + string(e.EntityKind)
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *EnrichmentRequestEvent) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Validate checks the fields every handler relies on.
func (e *EnrichmentRequestEvent) Validate() error {
	if e.Operation == "" {
		return fmt.Errorf("%w: operation is required", ErrInvalidEvent)
	}
	if !e.EntityKind.Valid() {
		return fmt.Errorf("%w: unknown entity kind %q", ErrInvalidEvent, e.EntityKind)
	}
	if e.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidEvent)
	}
	return nil
}

// NewEnrichmentRequestEvent creates an event for ref. A nil payload becomes
// a JSON object naming the entity.
func NewEnrichmentRequestEvent(operation string, ref activity.EntityRef, actor activity.Actor, payload any) (*EnrichmentRequestEvent, error) {
	if payload == nil {
		payload = ref
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal enrichment payload: %w", err)
	}

	event := &EnrichmentRequestEvent{
		ID:         uuid.New(),
		Operation:  operation,
		EntityKind: ref.Kind,
		EntityID:   ref.ID,
		UserID:     actor.UserID,
		SessionID:  actor.SessionID,
		Payload:    payloadBytes,
		CreatedAt:  time.Now().UTC(),
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// EventHandler is implemented by components that react to enrichment
// requests.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *EnrichmentRequestEvent) error
}

// EventEmitter publishes enrichment requests to whoever is listening.
type EventEmitter interface {
	EmitEvent(ctx context.Context, event *EnrichmentRequestEvent) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event *EnrichmentRequestEvent) error

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *EnrichmentRequestEvent) error {
	return f(ctx, event)
}
