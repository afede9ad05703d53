package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/api/shared"
	"github.com/phrazzld/spin-api/internal/events"
	"github.com/phrazzld/spin-api/internal/monitor"
	"github.com/phrazzld/spin-api/internal/queue"
	"github.com/phrazzld/spin-api/internal/service/auth"
	"github.com/phrazzld/spin-api/internal/store"
	"github.com/phrazzld/spin-api/internal/task"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes so internal
// error types never reach the client.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, activity.ErrInvalidRecord),
		errors.Is(err, events.ErrInvalidEvent),
		errors.Is(err, queue.ErrInvalidJob),
		errors.Is(err, task.ErrUnknownJobType):
		return http.StatusBadRequest

	case errors.Is(err, monitor.ErrStopped):
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken):
		return "Invalid token"

	case errors.Is(err, store.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, store.ErrNotFound):
		return "Resource not found"
	case errors.Is(err, store.ErrDuplicate):
		return "Resource already exists"

	case errors.Is(err, activity.ErrInvalidRecord):
		return "Invalid activity record"
	case errors.Is(err, events.ErrInvalidEvent):
		return "Invalid enrichment request"
	case errors.Is(err, task.ErrUnknownJobType):
		return "Unknown job type"
	case errors.Is(err, queue.ErrInvalidJob):
		return "Invalid job"
	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid entity data"

	case errors.Is(err, monitor.ErrStopped):
		return "Activity monitor is stopped"

	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the status and safe message for err. A non-empty
// message overrides the default for that error.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

// SanitizeValidationError turns a validator error into a message naming the
// first offending field without echoing struct internals.
func SanitizeValidationError(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Sprintf("Invalid %s: %s", fe.Field(), validationTagMessage(fe.Tag()))
	}

	// Validate methods on request types report domain errors, not field errors.
	for _, known := range []error{activity.ErrInvalidRecord, events.ErrInvalidEvent, queue.ErrInvalidJob} {
		if errors.Is(err, known) {
			if _, detail, ok := strings.Cut(err.Error(), ": "); ok {
				return "Validation error: " + detail
			}
		}
	}

	return "Validation error"
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	case "dive":
		return "invalid element"
	default:
		return "validation failed"
	}
}
