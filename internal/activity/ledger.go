package activity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Ledger is the append-only persistence behind the tracker.
type Ledger interface {
	// Append stores one validated record.
	Append(ctx context.Context, rec Record) error

	// SessionActivity summarizes an actor's records and returns up to limit
	// of the newest ones.
	SessionActivity(ctx context.Context, actor Actor, limit int) (SessionSummary, error)

	// CountActiveActors counts distinct ActorKey values with a record at or after since.
	CountActiveActors(ctx context.Context, since time.Time) (int, error)

	// EntityIDs returns the distinct ids of the given kind touched at or after since.
	EntityIDs(ctx context.Context, kind EntityKind, since time.Time) ([]string, error)

	// Prune deletes records older than before and returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// MemoryLedger keeps records in process. It backs the "memory" database
// driver and the tests of everything built on top of a ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

var _ Ledger = (*MemoryLedger)(nil)

// Append implements Ledger.
func (l *MemoryLedger) Append(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.Entities = append([]EntityRef(nil), rec.Entities...)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (a Actor) matches(rec Record) bool {
	if a.SessionID != "" {
		return rec.SessionID == a.SessionID
	}
	return a.UserID != "" && rec.UserID == a.UserID
}

// SessionActivity implements Ledger.
func (l *MemoryLedger) SessionActivity(ctx context.Context, actor Actor, limit int) (SessionSummary, error) {
	var summary SessionSummary
	if actor.IsZero() {
		return summary, nil
	}

	l.mu.RLock()
	var matched []Record
	for _, rec := range l.records {
		if actor.matches(rec) {
			matched = append(matched, rec)
		}
	}
	l.mu.RUnlock()

	if len(matched) == 0 {
		return summary, nil
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	summary.Count = len(matched)
	summary.LastAt = matched[0].Timestamp
	summary.FirstAt = matched[len(matched)-1].Timestamp
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	summary.Recent = matched
	return summary, nil
}

// CountActiveActors implements Ledger.
func (l *MemoryLedger) CountActiveActors(ctx context.Context, since time.Time) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	actors := make(map[string]struct{})
	for _, rec := range l.records {
		if !rec.Timestamp.Before(since) {
			actors[rec.ActorKey()] = struct{}{}
		}
	}
	return len(actors), nil
}

// EntityIDs implements Ledger.
func (l *MemoryLedger) EntityIDs(ctx context.Context, kind EntityKind, since time.Time) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{})
	var ids []string
	for _, rec := range l.records {
		if rec.Timestamp.Before(since) {
			continue
		}
		for _, e := range rec.Entities {
			if e.Kind != kind {
				continue
			}
			if _, ok := seen[e.ID]; !ok {
				seen[e.ID] = struct{}{}
				ids = append(ids, e.ID)
			}
		}
	}
	return ids, nil
}

// Prune implements Ledger.
func (l *MemoryLedger) Prune(ctx context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0]
	var removed int64
	for _, rec := range l.records {
		if rec.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	l.records = kept
	return removed, nil
}

// Len returns the number of stored records.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
