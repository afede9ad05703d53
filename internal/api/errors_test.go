package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/events"
	"github.com/phrazzld/spin-api/internal/queue"
	"github.com/phrazzld/spin-api/internal/service/auth"
	"github.com/phrazzld/spin-api/internal/store"
	"github.com/phrazzld/spin-api/internal/task"
	"github.com/stretchr/testify/assert"
)

func TestMapErrorToStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil error", nil, http.StatusInternalServerError},
		{"invalid token", auth.ErrInvalidToken, http.StatusUnauthorized},
		{"expired token", fmt.Errorf("validate: %w", auth.ErrExpiredToken), http.StatusUnauthorized},
		{"job not found", fmt.Errorf("%w: %s", store.ErrJobNotFound, "abc"), http.StatusNotFound},
		{"duplicate", store.ErrActivityRecordExists, http.StatusConflict},
		{"invalid record", fmt.Errorf("%w: session id is required", activity.ErrInvalidRecord), http.StatusBadRequest},
		{"invalid event", events.ErrInvalidEvent, http.StatusBadRequest},
		{"invalid job", queue.ErrInvalidJob, http.StatusBadRequest},
		{"unknown job type", task.ErrUnknownJobType, http.StatusBadRequest},
		{"invalid entity", store.ErrInvalidEntity, http.StatusBadRequest},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MapErrorToStatusCode(tc.err))
		})
	}
}

func TestGetSafeErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "An unexpected error occurred"},
		{"expired token", auth.ErrExpiredToken, "Token expired"},
		{"job not found", fmt.Errorf("%w: 123", store.ErrJobNotFound), "Job not found"},
		{"generic not found", store.ErrNotFound, "Resource not found"},
		{"unknown job type", task.ErrUnknownJobType, "Unknown job type"},
		{
			name: "internal details are hidden",
			err:  errors.New("dial tcp 10.0.0.5:5432: connection refused"),
			want: "An unexpected error occurred",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, GetSafeErrorMessage(tc.err))
		})
	}
}

func TestSanitizeValidationError(t *testing.T) {
	t.Run("field error names the field", func(t *testing.T) {
		err := validator.New().Struct(&EnqueueJobRequest{Operation: "search"})
		assert.Equal(t, "Invalid Type: required field", SanitizeValidationError(err))
	})

	t.Run("oneof", func(t *testing.T) {
		err := validator.New().Struct(&EnqueueJobRequest{Type: "enrich_album", Operation: "search", EntityKind: "playlist", EntityID: "p1"})
		assert.Equal(t, "Invalid EntityKind: invalid value", SanitizeValidationError(err))
	})

	t.Run("domain validation keeps its detail", func(t *testing.T) {
		err := fmt.Errorf("%w: session id is required", activity.ErrInvalidRecord)
		assert.Equal(t, "Validation error: session id is required", SanitizeValidationError(err))
	})

	t.Run("anything else is generic", func(t *testing.T) {
		assert.Equal(t, "Validation error", SanitizeValidationError(errors.New("secret detail")))
	})
}
