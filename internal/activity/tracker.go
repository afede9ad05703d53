package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/config"
)

// historyLimit bounds how many records a context computation reads.
const historyLimit = 100

// TrackerConfig holds the tunables of a Tracker.
type TrackerConfig struct {
	RecencyWindow       time.Duration
	RecentEntitiesLimit int
	WriteTimeout        time.Duration
	Retention           time.Duration
}

// TrackerConfigFrom maps application config onto a TrackerConfig.
func TrackerConfigFrom(cfg config.ActivityConfig) TrackerConfig {
	return TrackerConfig{
		RecencyWindow:       cfg.RecencyWindow,
		RecentEntitiesLimit: cfg.RecentEntitiesLimit,
		WriteTimeout:        cfg.WriteTimeout,
		Retention:           cfg.Retention,
	}
}

// DefaultTrackerConfig returns a TrackerConfig with reasonable defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		RecencyWindow:       5 * time.Minute,
		RecentEntitiesLimit: 20,
		WriteTimeout:        250 * time.Millisecond,
		Retention:           30 * 24 * time.Hour,
	}
}

// Tracker is the request-path facade over a Ledger.
type Tracker struct {
	ledger  Ledger
	config  TrackerConfig
	logger  *slog.Logger
	sink    ErrorSink
	now     func() time.Time
	dropped atomic.Uint64
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithErrorSink replaces the default logging sink.
func WithErrorSink(sink ErrorSink) TrackerOption {
	return func(t *Tracker) { t.sink = sink }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker writing to ledger.
func NewTracker(ledger Ledger, cfg TrackerConfig, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultTrackerConfig()
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = defaults.RecencyWindow
	}
	if cfg.RecentEntitiesLimit <= 0 {
		cfg.RecentEntitiesLimit = defaults.RecentEntitiesLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	logger = logger.With("component", "activity_tracker")
	t := &Tracker{
		ledger: ledger,
		config: cfg,
		logger: logger,
		sink:   LogSink{Logger: logger},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends rec to the ledger. It never returns or panics: invalid
// records, ledger errors and timeouts go to the error sink. A zero ID or
// timestamp is filled in.
func (t *Tracker) Record(ctx context.Context, rec Record) {
	defer func() {
		if p := recover(); p != nil {
			t.drop(ctx, rec, fmt.Errorf("panic while recording activity: %v", p))
		}
	}()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	if err := rec.Validate(); err != nil {
		t.drop(ctx, rec, err)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.config.WriteTimeout)
	defer cancel()

	if err := t.ledger.Append(writeCtx, rec); err != nil {
		t.drop(ctx, rec, fmt.Errorf("failed to append activity record: %w", err))
	}
}

func (t *Tracker) drop(ctx context.Context, rec Record, err error) {
	t.dropped.Add(1)
	t.sink.Report(ctx, rec, err)
}

// DroppedWrites returns how many records failed to be written.
func (t *Tracker) DroppedWrites() uint64 {
	return t.dropped.Load()
}

// GetActivityContext derives the activity context of actor. An actor with no
// records yields the zero Context.
func (t *Tracker) GetActivityContext(ctx context.Context, actor Actor) (Context, error) {
	var ac Context
	if actor.IsZero() {
		return ac, nil
	}

	summary, err := t.ledger.SessionActivity(ctx, actor, historyLimit)
	if err != nil {
		return ac, fmt.Errorf("failed to read session activity: %w", err)
	}
	if summary.Count == 0 {
		return ac, nil
	}

	now := t.now()
	ac.IsActivelyBrowsing = !summary.LastAt.Before(now.Add(-t.config.RecencyWindow))
	if d := summary.LastAt.Sub(summary.FirstAt); d > 0 {
		ac.SessionDuration = d
	}

	seen := make(map[EntityRef]struct{})
	for _, rec := range summary.Recent {
		// Within one record the last-touched entity is the most recent.
		for i := len(rec.Entities) - 1; i >= 0; i-- {
			e := rec.Entities[i]
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			ac.RecentlyViewedEntities = append(ac.RecentlyViewedEntities, e)
			if len(ac.RecentlyViewedEntities) == t.config.RecentEntitiesLimit {
				return ac, nil
			}
		}
	}
	return ac, nil
}

// GetActiveUserCount counts distinct users (or anonymous sessions) with
// activity inside window.
func (t *Tracker) GetActiveUserCount(ctx context.Context, window time.Duration) (int, error) {
	n, err := t.ledger.CountActiveActors(ctx, t.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to count active users: %w", err)
	}
	return n, nil
}

// GetRecentlyActiveEntities returns the ids of kind that anyone touched inside window.
func (t *Tracker) GetRecentlyActiveEntities(ctx context.Context, kind EntityKind, window time.Duration) (EntitySet, error) {
	ids, err := t.ledger.EntityIDs(ctx, kind, t.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failed to read recently active %s entities: %w", kind, err)
	}
	set := make(EntitySet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Prune removes records older than the configured retention. It is a no-op
// when retention is zero.
func (t *Tracker) Prune(ctx context.Context) (int64, error) {
	if t.config.Retention <= 0 {
		return 0, nil
	}
	removed, err := t.ledger.Prune(ctx, t.now().Add(-t.config.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune activity ledger: %w", err)
	}
	if removed > 0 {
		t.logger.InfoContext(ctx, "pruned activity ledger", "removed", removed)
	}
	return removed, nil
}
