package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/api/shared"
	"github.com/phrazzld/spin-api/internal/store"
)

// getPathUUID parses the named chi path parameter as a UUID.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	raw := chi.URLParam(r, paramName)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", store.ErrInvalidEntity, paramName)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s has invalid format", store.ErrInvalidEntity, paramName)
	}
	return id, nil
}

// actorFromRequest identifies who is acting: the session from the
// X-Session-ID header (or fallback when absent) and the authenticated user.
func actorFromRequest(r *http.Request, fallbackSession string) activity.Actor {
	sessionID, ok := shared.SessionIDFromContext(r.Context())
	if !ok {
		sessionID = fallbackSession
	}
	userID, _ := shared.UserIDFromContext(r.Context())
	return activity.Actor{SessionID: sessionID, UserID: userID}
}
