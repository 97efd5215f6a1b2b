package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/trifle-io/stats/pkg/bucket"
)

// Config holds all configuration for the server binary.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Log      LogConfig      `mapstructure:"log" validate:"required"`
	Store    StoreConfig    `mapstructure:"store" validate:"required"`
	Tracking TrackingConfig `mapstructure:"tracking" validate:"required"`
	Buffer   BufferConfig   `mapstructure:"buffer"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `mapstructure:"port" validate:"required"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required"`
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	Driver      string `mapstructure:"driver" validate:"required,oneof=memory badger"`
	Path        string `mapstructure:"path"`
	MaxMemoryMB int64  `mapstructure:"max_memory_mb" validate:"min=0"`
}

// TrackingConfig holds the fan-out granularity set and calendar rules.
type TrackingConfig struct {
	Granularities []string `mapstructure:"granularities" validate:"required,min=1"`
	Timezone      string   `mapstructure:"timezone" validate:"required"`
	WeekStart     string   `mapstructure:"week_start" validate:"required"`
}

// BufferConfig holds write buffer configuration.
type BufferConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxEntries int           `mapstructure:"max_entries" validate:"min=0"`
	FlushEvery time.Duration `mapstructure:"flush_every"`
	Aggregate  bool          `mapstructure:"aggregate"`
}

// Load reads configuration from an optional YAML file plus
// TRIFLE_STATS_* environment overrides, and validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("log.level", "info")
	v.SetDefault("store.driver", "badger")
	v.SetDefault("store.path", "./data/trifle-stats")
	v.SetDefault("store.max_memory_mb", DefaultMaxMemoryMB)
	v.SetDefault("tracking.granularities", []string{"1h", "1d"})
	v.SetDefault("tracking.timezone", DefaultTimezone)
	v.SetDefault("tracking.week_start", DefaultWeekStart)
	v.SetDefault("buffer.enabled", true)
	v.SetDefault("buffer.max_entries", DefaultBufferMaxEntries)
	v.SetDefault("buffer.flush_every", DefaultBufferFlushEvery)
	v.SetDefault("buffer.aggregate", true)

	v.SetEnvPrefix("TRIFLE_STATS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		var msgs []string
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, e := range ve {
				msgs = append(msgs, formatValidationError(e))
			}
		}
		return nil, fmt.Errorf("config validation failed: %s", strings.Join(msgs, ", "))
	}

	// The cross-field rules validator tags can't express
	if _, err := cfg.Tracking.Parse(); err != nil {
		return nil, err
	}
	if cfg.Store.Driver == "badger" && cfg.Store.Path == "" {
		return nil, fmt.Errorf("store.path is required for the badger driver")
	}

	return &cfg, nil
}

// Parse resolves the tracking section into domain values.
func (c TrackingConfig) Parse() (*Tracking, error) {
	grans := make([]bucket.Granularity, 0, len(c.Granularities))
	for _, s := range c.Granularities {
		g, err := bucket.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("tracking.granularities: %w", err)
		}
		grans = append(grans, g)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("tracking.timezone: %w", err)
	}

	weekStart, err := bucket.ParseWeekday(c.WeekStart)
	if err != nil {
		return nil, fmt.Errorf("tracking.week_start: %w", err)
	}

	return &Tracking{
		Granularities: grans,
		Resolver:      bucket.NewResolver(loc, weekStart),
	}, nil
}

// Tracking is the parsed, domain-typed form of TrackingConfig.
type Tracking struct {
	Granularities []bucket.Granularity
	Resolver      bucket.Resolver
}

// formatValidationError formats a single validation error into a readable string.
func formatValidationError(e validator.FieldError) string {
	field := e.Field()
	if e.StructNamespace() != "" {
		parts := strings.Split(e.StructNamespace(), ".")
		if len(parts) >= 2 {
			field = strings.ToLower(strings.Join(parts[1:], "."))
		}
	}

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s (required)", field)
	case "min":
		return fmt.Sprintf("%s (min=%s)", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s (oneof=%s)", field, e.Param())
	default:
		return fmt.Sprintf("%s (%s)", field, e.Tag())
	}
}
