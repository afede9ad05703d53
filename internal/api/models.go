package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/monitor"
	"github.com/phrazzld/spin-api/internal/priority"
	"github.com/phrazzld/spin-api/internal/queue"
)

// RecordActivityRequest is the body of POST /api/activity.
type RecordActivityRequest struct {
	// SessionID is used when the X-Session-ID header is absent.
	SessionID     string                 `json:"sessionId,omitempty"`
	Operation     string                 `json:"operation"     validate:"required,max=100"`
	OperationType activity.OperationType `json:"operationType" validate:"required,oneof=query mutation"`
	Entities      []activity.EntityRef   `json:"entities"      validate:"max=50"`
	// Enrich asks for an enrichment job per touched entity.
	Enrich bool `json:"enrich,omitempty"`
}

// RecordActivityResponse acknowledges a recorded interaction.
type RecordActivityResponse struct {
	ID                  uuid.UUID `json:"id"`
	SessionID           string    `json:"sessionId"`
	Timestamp           time.Time `json:"timestamp"`
	EnrichmentRequested int       `json:"enrichmentRequested"`
}

// EnqueueJobRequest is the body of POST /api/jobs.
type EnqueueJobRequest struct {
	Type       string              `json:"type"                 validate:"required,max=100"`
	Operation  string              `json:"operation"            validate:"required,max=100"`
	EntityKind activity.EntityKind `json:"entityKind,omitempty" validate:"omitempty,oneof=album artist track"`
	EntityID   string              `json:"entityId,omitempty"   validate:"required_with=EntityKind"`
	Payload    json.RawMessage     `json:"payload,omitempty"`
}

// EnqueueJobResponse reports the stored job and the scoring behind it.
type EnqueueJobResponse struct {
	Job      *queue.Job        `json:"job"`
	Decision priority.Decision `json:"decision"`
}

// WorkerStatus describes the single queue worker.
type WorkerStatus struct {
	State string `json:"state"`
	Alive bool   `json:"alive"`
}

// QueueStatusResponse is the body of GET /api/queue/status.
type QueueStatusResponse struct {
	Monitor   monitor.Status `json:"monitor"`
	Worker    WorkerStatus   `json:"worker"`
	Threshold int            `json:"priorityThreshold"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Worker string `json:"worker"`
}
