package api

import (
	"context"
	"net/http"

	"github.com/phrazzld/spin-api/internal/api/shared"
	"github.com/phrazzld/spin-api/internal/monitor"
	"github.com/phrazzld/spin-api/internal/task"
)

// MonitorView is the part of the activity monitor the API exposes.
type MonitorView interface {
	GetStatus() monitor.Status
	GetActivityMetrics() monitor.Metrics
	ForceCheck(ctx context.Context) error
}

// WorkerView reports on the queue worker.
type WorkerView interface {
	State() task.WorkerState
	WorkerAlive() bool
}

// QueueHandler serves operator views of the queue.
type QueueHandler struct {
	monitor   MonitorView
	workers   WorkerView
	threshold int
}

// NewQueueHandler creates a QueueHandler. threshold is the priority at or
// above which jobs run as interactive.
func NewQueueHandler(m MonitorView, workers WorkerView, threshold int) *QueueHandler {
	return &QueueHandler{monitor: m, workers: workers, threshold: threshold}
}

// Status handles GET /api/queue/status.
func (h *QueueHandler) Status(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.status())
}

// Metrics handles GET /api/queue/metrics.
func (h *QueueHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.monitor.GetActivityMetrics())
}

// Check handles POST /api/queue/check by running one monitor check now.
func (h *QueueHandler) Check(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.ForceCheck(r.Context()); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, "Activity check failed", err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, h.status())
}

// Health handles GET /health. It reports the worker state but stays 200
// while the supervisor is replacing a dead worker.
func (h *QueueHandler) Health(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{
		Status: "ok",
		Worker: string(h.workers.State()),
	})
}

func (h *QueueHandler) status() QueueStatusResponse {
	return QueueStatusResponse{
		Monitor: h.monitor.GetStatus(),
		Worker: WorkerStatus{
			State: string(h.workers.State()),
			Alive: h.workers.WorkerAlive(),
		},
		Threshold: h.threshold,
	}
}
