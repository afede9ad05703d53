// Package monitor samples user activity and queue depth on a timer and
// pauses or resumes background jobs accordingly.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/spin-api/internal/config"
	"github.com/phrazzld/spin-api/internal/queue"
)

var (
	// ErrAlreadyRunning is returned by Start on a running monitor.
	ErrAlreadyRunning = errors.New("monitor already running")
	// ErrStopped is returned by Start once the monitor has been stopped.
	ErrStopped = errors.New("monitor stopped")
)

// State is the lifecycle state of a Monitor.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ActivityCounter reports how many distinct actors were active recently.
type ActivityCounter interface {
	GetActiveUserCount(ctx context.Context, window time.Duration) (int, error)
}

// Config holds the monitor thresholds.
type Config struct {
	Interval            time.Duration
	ActiveUserWindow    time.Duration
	ActiveUserThreshold int
	MaxActiveJobs       int
	SampleTimeout       time.Duration
}

// ConfigFrom maps application config onto a Config.
func ConfigFrom(cfg config.MonitorConfig) Config {
	return Config{
		Interval:            cfg.Interval,
		ActiveUserWindow:    cfg.ActiveUserWindow,
		ActiveUserThreshold: cfg.ActiveUserThreshold,
		MaxActiveJobs:       cfg.MaxActiveJobs,
		SampleTimeout:       cfg.SampleTimeout,
	}
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		ActiveUserWindow:    5 * time.Minute,
		ActiveUserThreshold: 10,
		MaxActiveJobs:       50,
		SampleTimeout:       5 * time.Second,
	}
}

// ActivityStats is the activity half of a sample.
type ActivityStats struct {
	ActiveUsers int           `json:"activeUsers"`
	Window      time.Duration `json:"window"`
}

// Metrics is the most recent successful sample.
type Metrics struct {
	Activity  ActivityStats `json:"activityStats"`
	Queue     queue.Stats   `json:"queueStats"`
	SampledAt time.Time     `json:"sampledAt"`
}

// Status describes the monitor for operators.
type Status struct {
	Running         bool      `json:"running"`
	State           string    `json:"state"`
	LastCheckedAt   time.Time `json:"lastCheckedAt"`
	CurrentlyPaused bool      `json:"currentlyPaused"`
	LastError       string    `json:"lastError,omitempty"`
	Checks          uint64    `json:"checks"`
}

// Monitor decides whether background jobs may run.
//
// Every check, timer-driven or forced, runs under checkMu so overlapping
// checks cannot interleave their pause and resume calls. The paused flag is
// read without locking by the priority manager on every enqueue.
type Monitor struct {
	config   Config
	activity ActivityCounter
	broker   queue.Controller
	logger   *slog.Logger
	now      func() time.Time

	checkMu sync.Mutex
	paused  atomic.Bool
	checks  atomic.Uint64

	mu            sync.RWMutex
	state         State
	metrics       Metrics
	lastCheckedAt time.Time
	lastErr       error
	cancel        context.CancelFunc
	done          chan struct{}
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates an idle Monitor.
func New(activity ActivityCounter, broker queue.Controller, cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.ActiveUserWindow <= 0 {
		cfg.ActiveUserWindow = defaults.ActiveUserWindow
	}
	if cfg.MaxActiveJobs <= 0 {
		cfg.MaxActiveJobs = defaults.MaxActiveJobs
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = defaults.SampleTimeout
	}
	m := &Monitor{
		config:   cfg,
		activity: activity,
		broker:   broker,
		logger:   logger.With("component", "queue_activity_monitor"),
		now:      time.Now,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start moves an idle monitor to running and begins periodic checks. A
// non-positive interval uses the configured one. The cached pause flag is
// first synced from the broker so a restarted process agrees with a pause
// that outlived it.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRunning:
		return ErrAlreadyRunning
	case StateStopped:
		return ErrStopped
	}
	if interval <= 0 {
		interval = m.config.Interval
	}

	m.syncPaused(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = StateRunning

	go m.loop(loopCtx, interval, m.done)

	m.logger.InfoContext(ctx, "queue activity monitor started",
		"interval", interval,
		"paused", m.paused.Load())
	return nil
}

// syncPaused must be called with checkMu held.
func (m *Monitor) syncPaused(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.config.SampleTimeout)
	defer cancel()

	paused, err := m.broker.IsJobClassPaused(ctx, queue.ClassBackground)
	if err != nil {
		m.logger.WarnContext(ctx, "could not read pause state from broker",
			"error", err)
		return
	}
	m.paused.Store(paused)
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.runCheck(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCheck(ctx)
		}
	}
}

func (m *Monitor) runCheck(ctx context.Context) {
	if err := m.check(ctx); err != nil && ctx.Err() == nil {
		m.logger.WarnContext(ctx, "activity check failed, keeping current state",
			"error", err,
			"paused", m.paused.Load())
	}
}

// ForceCheck runs one check synchronously. It is safe to call concurrently
// with the timer and with other ForceCheck calls.
func (m *Monitor) ForceCheck(ctx context.Context) error {
	return m.check(ctx)
}

// check samples activity and queue depth and flips the background class when
// the decision changed. Any failure leaves the pause state untouched.
func (m *Monitor) check(ctx context.Context) error {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	m.checks.Add(1)

	sample, err := m.sample(ctx)
	if err != nil {
		m.setLastErr(err)
		return err
	}

	m.mu.Lock()
	m.metrics = sample
	m.lastCheckedAt = sample.SampledAt
	m.mu.Unlock()

	shouldPause := sample.Activity.ActiveUsers > m.config.ActiveUserThreshold ||
		sample.Queue.Active >= m.config.MaxActiveJobs

	if shouldPause != m.paused.Load() {
		if err := m.apply(ctx, shouldPause); err != nil {
			m.setLastErr(err)
			return err
		}
		m.paused.Store(shouldPause)
		m.logger.InfoContext(ctx, "background jobs toggled",
			"paused", shouldPause,
			"active_users", sample.Activity.ActiveUsers,
			"active_jobs", sample.Queue.Active,
			"waiting_jobs", sample.Queue.Waiting,
			"delayed_jobs", sample.Queue.Delayed)
	}

	m.setLastErr(nil)
	return nil
}

func (m *Monitor) sample(ctx context.Context) (Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.SampleTimeout)
	defer cancel()

	users, err := m.activity.GetActiveUserCount(ctx, m.config.ActiveUserWindow)
	if err != nil {
		return Metrics{}, fmt.Errorf("sample active users: %w", err)
	}
	stats, err := m.broker.GetStats(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("sample queue stats: %w", err)
	}
	return Metrics{
		Activity:  ActivityStats{ActiveUsers: users, Window: m.config.ActiveUserWindow},
		Queue:     stats,
		SampledAt: m.now(),
	}, nil
}

func (m *Monitor) apply(ctx context.Context, pause bool) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.SampleTimeout)
	defer cancel()

	if pause {
		if err := m.broker.PauseJobClass(ctx, queue.ClassBackground); err != nil {
			return fmt.Errorf("pause background jobs: %w", err)
		}
		return nil
	}
	if err := m.broker.ResumeJobClass(ctx, queue.ClassBackground); err != nil {
		return fmt.Errorf("resume background jobs: %w", err)
	}
	return nil
}

func (m *Monitor) setLastErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// Stop halts periodic checks and waits for an in-flight tick to finish. It
// leaves the broker's pause state as it is. Stopping twice is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	wasRunning := m.state == StateRunning
	m.state = StateStopped
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if !wasRunning {
		return
	}
	cancel()
	<-done
	m.logger.Info("queue activity monitor stopped", "paused", m.paused.Load())
}

// ShouldPauseBackgroundJobs reports the current decision without I/O.
func (m *Monitor) ShouldPauseBackgroundJobs() bool {
	return m.paused.Load()
}

// GetActivityMetrics returns the last successful sample. SampledAt is zero
// before the first one.
func (m *Monitor) GetActivityMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// GetStatus returns the monitor's current status.
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		Running:         m.state == StateRunning,
		State:           m.state.String(),
		LastCheckedAt:   m.lastCheckedAt,
		CurrentlyPaused: m.paused.Load(),
		Checks:          m.checks.Load(),
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}
