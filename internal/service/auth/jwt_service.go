// Package auth validates the bearer tokens that identify signed-in users.
// Anonymous sessions need no token; a valid token only attaches a user id to
// the activity a session records.
package auth

import (
	"context"
	"time"
)

// JWTService issues and validates access tokens.
type JWTService interface {
	// GenerateToken creates a signed access token for userID.
	GenerateToken(ctx context.Context, userID string) (string, error)

	// ValidateToken checks signature and time claims and returns the claims.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims are the validated contents of an access token.
type Claims struct {
	UserID    string    `json:"uid,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}
