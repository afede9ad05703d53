package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/spin-api/internal/api/shared"
	"github.com/phrazzld/spin-api/internal/config"
	"github.com/phrazzld/spin-api/internal/platform/logger"
	"github.com/phrazzld/spin-api/internal/service/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubJWT returns fixed claims or a fixed error from ValidateToken.
type stubJWT struct {
	claims *auth.Claims
	err    error
	seen   string
}

func (s *stubJWT) GenerateToken(context.Context, string) (string, error) {
	return "", errors.New("not implemented")
}

func (s *stubJWT) ValidateToken(_ context.Context, token string) (*auth.Claims, error) {
	s.seen = token
	return s.claims, s.err
}

// echoUser reports the user id it finds in the request context.
func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := shared.UserIDFromContext(r.Context())
		if !ok {
			userID = "anonymous"
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(userID))
	})
}

func TestAuthMiddleware_Authenticate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		header     string
		stub       *stubJWT
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no header is anonymous",
			stub:       &stubJWT{},
			wantStatus: http.StatusOK,
			wantBody:   "anonymous",
		},
		{
			name:       "valid token attaches user",
			header:     "Bearer good",
			stub:       &stubJWT{claims: &auth.Claims{UserID: "user-42"}},
			wantStatus: http.StatusOK,
			wantBody:   "user-42",
		},
		{
			name:       "lowercase scheme accepted",
			header:     "bearer good",
			stub:       &stubJWT{claims: &auth.Claims{UserID: "user-42"}},
			wantStatus: http.StatusOK,
			wantBody:   "user-42",
		},
		{
			name:       "wrong scheme",
			header:     "Basic Zm9vOmJhcg==",
			stub:       &stubJWT{},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "empty bearer",
			header:     "Bearer ",
			stub:       &stubJWT{},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "expired token",
			header:     "Bearer old",
			stub:       &stubJWT{err: auth.ErrExpiredToken},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid token",
			header:     "Bearer forged",
			stub:       &stubJWT{err: auth.ErrInvalidToken},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unexpected validation error",
			header:     "Bearer weird",
			stub:       &stubJWT{err: errors.New("keystore offline")},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/api/activity", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()

			NewAuthMiddleware(tc.stub).Authenticate(echoUser()).ServeHTTP(w, req)

			assert.Equal(t, tc.wantStatus, w.Code)
			if tc.wantBody != "" {
				assert.Equal(t, tc.wantBody, w.Body.String())
			}
		})
	}
}

func TestAuthMiddleware_RealTokens(t *testing.T) {
	svc, err := auth.NewJWTService(config.AuthConfig{
		JWTSecret:     "middleware-secret-that-is-long-enough",
		TokenLifetime: time.Hour,
	})
	require.NoError(t, err)

	token, err := svc.GenerateToken(context.Background(), "user-7")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	NewAuthMiddleware(svc).Authenticate(echoUser()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-7", w.Body.String())
}

func TestSession(t *testing.T) {
	var got string
	var found bool
	h := Session(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, found = shared.SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(shared.SessionHeader, "  sess-9 ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, found)
	assert.Equal(t, "sess-9", got)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, found)
}

func TestTrace(t *testing.T) {
	buf, log := logger.NewTestLogger(t)

	var traceID string
	h := Trace(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("inside handler")
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	require.NotEmpty(t, traceID)
	entries, err := buf.Entries()
	require.NoError(t, err)

	var handlerEntry map[string]any
	for _, e := range entries {
		if e["msg"] == "inside handler" {
			handlerEntry = e
		}
	}
	require.NotNil(t, handlerEntry)
	assert.Equal(t, traceID, handlerEntry["trace_id"])
}
