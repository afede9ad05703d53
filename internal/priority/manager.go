package priority

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/config"
	"github.com/phrazzld/spin-api/internal/platform/logger"
	"github.com/phrazzld/spin-api/internal/queue"
)

// ActivitySource is the read side of the activity tracker.
type ActivitySource interface {
	GetActivityContext(ctx context.Context, actor activity.Actor) (activity.Context, error)
	GetRecentlyActiveEntities(ctx context.Context, kind activity.EntityKind, window time.Duration) (activity.EntitySet, error)
}

// PauseSignal reports whether background work is currently paused. It must
// not block.
type PauseSignal interface {
	ShouldPauseBackgroundJobs() bool
}

// Config holds the scoring constants.
type Config struct {
	ActivityBoost     int
	EntityBoost       int
	LoadPenalty       int
	DispatchThreshold int
	DeferDelay        time.Duration
	MaxDelay          time.Duration
	EntityWindow      time.Duration
	ScoringTimeout    time.Duration
}

// ConfigFrom maps application config onto a Config.
func ConfigFrom(cfg config.PriorityConfig) Config {
	return Config{
		ActivityBoost:     cfg.ActivityBoost,
		EntityBoost:       cfg.EntityBoost,
		LoadPenalty:       cfg.LoadPenalty,
		DispatchThreshold: cfg.DispatchThreshold,
		DeferDelay:        cfg.DeferDelay,
		MaxDelay:          cfg.MaxDelay,
		EntityWindow:      cfg.EntityWindow,
		ScoringTimeout:    cfg.ScoringTimeout,
	}
}

// DefaultConfig returns the default scoring constants.
func DefaultConfig() Config {
	return Config{
		ActivityBoost:     25,
		EntityBoost:       15,
		LoadPenalty:       30,
		DispatchThreshold: 60,
		DeferDelay:        2 * time.Minute,
		MaxDelay:          10 * time.Minute,
		EntityWindow:      10 * time.Minute,
		ScoringTimeout:    100 * time.Millisecond,
	}
}

// Request describes a job about to be enqueued.
type Request struct {
	Operation  string              `json:"operation"`
	EntityID   string              `json:"entityId,omitempty"`
	EntityKind activity.EntityKind `json:"entityKind,omitempty"`
	UserID     string              `json:"userId,omitempty"`
	SessionID  string              `json:"sessionId,omitempty"`
}

func (r Request) actor() activity.Actor {
	return activity.Actor{SessionID: r.SessionID, UserID: r.UserID}
}

// Decision is the outcome of scoring a request.
type Decision struct {
	Operation        string         `json:"operation"`
	Tier             string         `json:"tier"`
	Priority         int            `json:"priority"`
	Breakdown        []Contribution `json:"breakdown"`
	RecommendedDelay time.Duration  `json:"recommendedDelay"`
	Class            queue.JobClass `json:"class"`
	// Degraded is set when activity signals could not be read and the
	// decision was made without boosts.
	Degraded bool `json:"degraded,omitempty"`
}

// RecommendedDelayMs returns the delay in milliseconds.
func (d Decision) RecommendedDelayMs() int64 {
	return d.RecommendedDelay.Milliseconds()
}

// Contribution returns the value a named rule contributed, or zero.
func (d Decision) Contribution(rule string) int {
	for _, c := range d.Breakdown {
		if c.Rule == rule {
			return c.Value
		}
	}
	return 0
}

// Manager scores enqueue requests.
type Manager struct {
	config     Config
	tiers      map[string]Tier
	operations map[string]string
	fallback   Tier
	activity   ActivitySource
	signal     PauseSignal
	logger     *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPauseSignal wires the backpressure signal. Without one the manager
// never applies the load penalty.
func WithPauseSignal(signal PauseSignal) Option {
	return func(m *Manager) { m.signal = signal }
}

// WithOperation maps an operation name to an existing tier.
func WithOperation(operation, tier string) Option {
	return func(m *Manager) { m.operations[operation] = tier }
}

// NewManager creates a Manager reading activity signals from source, which
// may be nil.
func NewManager(source ActivitySource, cfg Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DispatchThreshold <= 0 {
		return nil, fmt.Errorf("dispatch threshold must be positive, got %d", cfg.DispatchThreshold)
	}
	if cfg.MaxDelay > 0 && cfg.DeferDelay > cfg.MaxDelay {
		return nil, fmt.Errorf("defer delay %s exceeds max delay %s", cfg.DeferDelay, cfg.MaxDelay)
	}
	if cfg.ScoringTimeout <= 0 {
		cfg.ScoringTimeout = DefaultConfig().ScoringTimeout
	}
	if cfg.EntityWindow <= 0 {
		cfg.EntityWindow = DefaultConfig().EntityWindow
	}

	m := &Manager{
		config:     cfg,
		tiers:      make(map[string]Tier),
		operations: DefaultOperations(),
		activity:   source,
		logger:     logger.With("component", "priority_manager"),
	}
	for _, t := range DefaultTiers() {
		m.tiers[t.Name] = t
	}
	m.fallback = m.tiers[TierSweep]

	for _, opt := range opts {
		opt(m)
	}
	for op, tier := range m.operations {
		if _, ok := m.tiers[tier]; !ok {
			return nil, fmt.Errorf("operation %q maps to unknown tier %q", op, tier)
		}
	}
	return m, nil
}

// Threshold returns the dispatch threshold.
func (m *Manager) Threshold() int {
	return m.config.DispatchThreshold
}

// tierFor resolves an operation to its tier, falling back to the lowest tier.
func (m *Manager) tierFor(ctx context.Context, operation string) Tier {
	if name, ok := m.operations[operation]; ok {
		return m.tiers[name]
	}
	logger.FromContext(ctx).WarnContext(ctx, "unknown operation, using fallback tier",
		"operation", operation,
		"tier", m.fallback.Name)
	return m.fallback
}

// ShouldPauseBackgroundJobs reports the current backpressure signal.
func (m *Manager) ShouldPauseBackgroundJobs() bool {
	return m.signal != nil && m.signal.ShouldPauseBackgroundJobs()
}

// CalculateJobPriority scores a request. It never fails: signals that cannot
// be read within the scoring timeout contribute nothing.
func (m *Manager) CalculateJobPriority(ctx context.Context, req Request) Decision {
	tier := m.tierFor(ctx, req.Operation)
	sig, degraded := m.gather(ctx, req, tier)

	total, breakdown := score(sig, m.config)

	d := Decision{
		Operation: req.Operation,
		Tier:      tier.Name,
		Priority:  total,
		Breakdown: breakdown,
		Class:     queue.ClassBackground,
		Degraded:  degraded,
	}
	if total >= m.config.DispatchThreshold {
		d.Class = queue.ClassInteractive
	}
	if tier.Deferrable && sig.paused {
		d.RecommendedDelay = m.config.DeferDelay
		if m.config.MaxDelay > 0 && d.RecommendedDelay > m.config.MaxDelay {
			d.RecommendedDelay = m.config.MaxDelay
		}
	}

	m.logger.DebugContext(ctx, "scored job",
		"operation", req.Operation,
		"tier", tier.Name,
		"priority", total,
		"class", d.Class,
		"delay_ms", d.RecommendedDelayMs(),
		"degraded", degraded)
	return d
}

// gather reads every signal the rules need. The returned flag is true when
// any activity read failed.
func (m *Manager) gather(ctx context.Context, req Request, tier Tier) (signals, bool) {
	sig := signals{tier: tier, paused: m.ShouldPauseBackgroundJobs()}
	if m.activity == nil {
		return sig, false
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.ScoringTimeout)
	defer cancel()
	log := logger.FromContext(ctx)
	degraded := false

	if actor := req.actor(); !actor.IsZero() {
		ac, err := m.activity.GetActivityContext(ctx, actor)
		if err != nil {
			degraded = true
			log.WarnContext(ctx, "activity context unavailable, scoring without activity boost",
				"operation", req.Operation,
				"error", err)
		} else {
			sig.activity = ac
		}
	}

	if req.EntityID != "" && req.EntityKind.Valid() {
		ref := activity.EntityRef{Kind: req.EntityKind, ID: req.EntityID}
		if sig.activity.HasViewed(ref) {
			sig.entityIsActive = true
			return sig, degraded
		}
		set, err := m.activity.GetRecentlyActiveEntities(ctx, req.EntityKind, m.config.EntityWindow)
		if err != nil {
			degraded = true
			log.WarnContext(ctx, "recent entities unavailable, scoring without entity boost",
				"operation", req.Operation,
				"error", err)
		} else {
			sig.entityIsActive = set.Has(req.EntityID)
		}
	}
	return sig, degraded
}

// GetJobOptions scores a request and returns the broker options for it.
func (m *Manager) GetJobOptions(ctx context.Context, req Request) (queue.JobOptions, Decision) {
	d := m.CalculateJobPriority(ctx, req)
	tier := m.tiers[d.Tier]
	opts := queue.JobOptions{
		Priority:    d.Priority,
		Delay:       d.RecommendedDelay,
		MaxAttempts: tier.MaxAttempts,
		Backoff:     tier.Backoff,
		Retention:   tier.Retention,
		Class:       d.Class,
	}
	return opts.Normalize(), d
}

// IsEligible reports whether a decision's job would be dispatched right now:
// it carries no delay and its class is not paused.
func (m *Manager) IsEligible(d Decision) bool {
	if d.RecommendedDelay > 0 {
		return false
	}
	return d.Class == queue.ClassInteractive || !m.ShouldPauseBackgroundJobs()
}
