package activity

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationType distinguishes reads from state changes.
type OperationType string

const (
	OperationQuery    OperationType = "query"
	OperationMutation OperationType = "mutation"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	return t == OperationQuery || t == OperationMutation
}

// EntityKind is the kind of catalogue entity an action touched.
type EntityKind string

const (
	EntityAlbum  EntityKind = "album"
	EntityArtist EntityKind = "artist"
	EntityTrack  EntityKind = "track"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityAlbum, EntityArtist, EntityTrack:
		return true
	}
	return false
}

// EntityRef identifies one catalogue entity.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Record is one tracked interaction. Records are immutable once appended.
type Record struct {
	ID            uuid.UUID
	SessionID     string
	UserID        string // empty for anonymous sessions
	Operation     string
	OperationType OperationType
	Entities      []EntityRef // in the order the action touched them
	Timestamp     time.Time
}

// ErrInvalidRecord is reported when a record fails validation.
var ErrInvalidRecord = errors.New("invalid activity record")

// Validate checks the fields every ledger relies on.
func (r Record) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidRecord)
	}
	if r.Operation == "" {
		return fmt.Errorf("%w: operation is required", ErrInvalidRecord)
	}
	if !r.OperationType.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidRecord, r.OperationType)
	}
	for _, e := range r.Entities {
		if !e.Kind.Valid() {
			return fmt.Errorf("%w: unknown entity kind %q", ErrInvalidRecord, e.Kind)
		}
		if e.ID == "" {
			return fmt.Errorf("%w: empty %s id", ErrInvalidRecord, e.Kind)
		}
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	}
	return nil
}

// ActorKey is the identity used when counting active users: the user id when
// authenticated, the session id otherwise.
func (r Record) ActorKey() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.SessionID
}

// Actor names whose activity to look up. SessionID takes precedence; UserID
// is used when only the user is known, as at server-side enqueue sites.
type Actor struct {
	SessionID string
	UserID    string
}

// IsZero reports whether the actor identifies nobody.
func (a Actor) IsZero() bool {
	return a.SessionID == "" && a.UserID == ""
}

// SessionSummary is what a ledger returns for one actor's history.
type SessionSummary struct {
	FirstAt time.Time
	LastAt  time.Time
	Count   int
	// Recent holds the newest records first, capped by the requested limit.
	Recent []Record
}

// Context is a derived view of an actor's recent activity. It is computed on
// demand and never stored.
type Context struct {
	IsActivelyBrowsing     bool
	RecentlyViewedEntities []EntityRef // most recent first, de-duplicated
	SessionDuration        time.Duration
}

// SessionDurationMs returns the session duration in whole milliseconds.
func (c Context) SessionDurationMs() int64 {
	return c.SessionDuration.Milliseconds()
}

// HasViewed reports whether ref appears in the recently viewed list.
func (c Context) HasViewed(ref EntityRef) bool {
	for _, e := range c.RecentlyViewedEntities {
		if e == ref {
			return true
		}
	}
	return false
}

// EntitySet is a set of entity ids of a single kind.
type EntitySet map[string]struct{}

// Has reports whether id is in the set.
func (s EntitySet) Has(id string) bool {
	_, ok := s[id]
	return ok
}
