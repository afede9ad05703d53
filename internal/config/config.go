package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Activity ActivityConfig `mapstructure:"activity" validate:"required"`
	Priority PriorityConfig `mapstructure:"priority" validate:"required"`
	Monitor  MonitorConfig  `mapstructure:"monitor" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig selects the backend used for both the activity ledger and
// the job broker. "memory" keeps everything in process.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver" validate:"required,oneof=postgres sqlite memory"`
	URL        string `mapstructure:"url" validate:"required_if=Driver postgres"`
	SQLitePath string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`
}

// AuthConfig enables bearer-token identification of users when set.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
	TokenLifetime time.Duration `mapstructure:"token_lifetime" validate:"gt=0"`
}

// ActivityConfig tunes the activity tracker.
type ActivityConfig struct {
	// RecencyWindow is how far back a record counts toward "actively browsing".
	RecencyWindow time.Duration `mapstructure:"recency_window" validate:"gt=0"`
	// RecentEntitiesLimit caps the recently viewed list in an activity context.
	RecentEntitiesLimit int           `mapstructure:"recent_entities_limit" validate:"gt=0"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	// Retention is the age after which ledger records are pruned. Zero disables pruning.
	Retention time.Duration `mapstructure:"retention" validate:"gte=0"`
}

// PriorityConfig holds the scoring constants of the priority manager.
type PriorityConfig struct {
	ActivityBoost     int           `mapstructure:"activity_boost" validate:"gt=0"`
	EntityBoost       int           `mapstructure:"entity_boost" validate:"gt=0"`
	LoadPenalty       int           `mapstructure:"load_penalty" validate:"gt=0"`
	DispatchThreshold int           `mapstructure:"dispatch_threshold" validate:"gt=0"`
	DeferDelay        time.Duration `mapstructure:"defer_delay" validate:"gte=0"`
	MaxDelay          time.Duration `mapstructure:"max_delay" validate:"gt=0"`
	EntityWindow      time.Duration `mapstructure:"entity_window" validate:"gt=0"`
	ScoringTimeout    time.Duration `mapstructure:"scoring_timeout" validate:"gt=0"`
}

// MonitorConfig holds the queue activity monitor thresholds.
type MonitorConfig struct {
	Interval            time.Duration `mapstructure:"interval" validate:"gt=0"`
	ActiveUserWindow    time.Duration `mapstructure:"active_user_window" validate:"gt=0"`
	ActiveUserThreshold int           `mapstructure:"active_user_threshold" validate:"gte=0"`
	MaxActiveJobs       int           `mapstructure:"max_active_jobs" validate:"gt=0"`
	SampleTimeout       time.Duration `mapstructure:"sample_timeout" validate:"gt=0"`
}

// QueueConfig tunes the worker and its supervisor.
type QueueConfig struct {
	Concurrency        int           `mapstructure:"concurrency" validate:"gt=0"`
	PollInterval       time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	StalledAfter       time.Duration `mapstructure:"stalled_after" validate:"gt=0"`
	SupervisorInterval time.Duration `mapstructure:"supervisor_interval" validate:"gt=0"`
	CloseTimeout       time.Duration `mapstructure:"close_timeout" validate:"gt=0"`
	MaxClaimErrors     int           `mapstructure:"max_claim_errors" validate:"gt=0"`
}
