package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. SPIN_SERVER_PORT.
const EnvPrefix = "SPIN"

// setDefaults registers a default for every key. viper only resolves
// environment variables for keys it already knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlite_path", "spin.db")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime", "1h")

	v.SetDefault("activity.recency_window", "5m")
	v.SetDefault("activity.recent_entities_limit", 20)
	v.SetDefault("activity.write_timeout", "250ms")
	v.SetDefault("activity.retention", "720h")

	v.SetDefault("priority.activity_boost", 25)
	v.SetDefault("priority.entity_boost", 15)
	v.SetDefault("priority.load_penalty", 30)
	v.SetDefault("priority.dispatch_threshold", 60)
	v.SetDefault("priority.defer_delay", "2m")
	v.SetDefault("priority.max_delay", "10m")
	v.SetDefault("priority.entity_window", "10m")
	v.SetDefault("priority.scoring_timeout", "100ms")

	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.active_user_window", "5m")
	v.SetDefault("monitor.active_user_threshold", 10)
	v.SetDefault("monitor.max_active_jobs", 50)
	v.SetDefault("monitor.sample_timeout", "5s")

	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.stalled_after", "10m")
	v.SetDefault("queue.supervisor_interval", "15s")
	v.SetDefault("queue.close_timeout", "30s")
	v.SetDefault("queue.max_claim_errors", 5)
}

// Load reads configuration from defaults, an optional config.yaml in the
// working directory and SPIN_* environment variables, in increasing order of
// precedence. A .env file, when present, is loaded into the environment first.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cfg against its struct tags and cross-field rules.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.Priority.DeferDelay > cfg.Priority.MaxDelay {
		return fmt.Errorf("config validation failed: priority.defer_delay (%s) exceeds priority.max_delay (%s)",
			cfg.Priority.DeferDelay, cfg.Priority.MaxDelay)
	}
	return nil
}
