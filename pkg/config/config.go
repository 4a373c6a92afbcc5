package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/quotacontrol/pkg/models"
)

// Config holds all QuotaControl configuration.
type Config struct {
	Listen       string            `yaml:"listen" validate:"required"`
	DBPath       string            `yaml:"db_path" validate:"required"`
	LogLevel     string            `yaml:"log_level"`
	LogFormat    string            `yaml:"log_format" validate:"oneof=json console"`
	KeyPrefix    string            `yaml:"key_prefix" validate:"excludes=:"`
	Cycle        CycleConfig       `yaml:"cycle"`
	RateLimit    RateLimitConfig   `yaml:"rate_limit"`
	DefaultLimit models.Limit      `yaml:"default_limit"`
	Cache        CacheConfig       `yaml:"cache"`
	Usage        UsageConfig       `yaml:"usage"`
	Store        StoreConfig       `yaml:"store"`
	Events       EventsConfig      `yaml:"events"`
	Permissions  PermissionsConfig `yaml:"permissions"`
}

// CycleConfig controls how usage cycles are computed.
// Mode "monthly" starts a cycle on AnchorDay of each month (UTC);
// mode "fixed" cuts time into Period-long windows starting at Epoch.
type CycleConfig struct {
	Mode      string        `yaml:"mode" validate:"oneof=monthly fixed"`
	AnchorDay int           `yaml:"anchor_day" validate:"min=1,max=28"`
	Period    time.Duration `yaml:"period" validate:"required_if=Mode fixed"`
	Epoch     time.Time     `yaml:"epoch"`
}

// RateLimitConfig controls the request rate limiter.
type RateLimitConfig struct {
	Window   time.Duration `yaml:"window" validate:"gt=0"`
	Strategy string        `yaml:"strategy" validate:"oneof=window token"`
}

// CacheConfig controls the quota and permission caches.
type CacheConfig struct {
	Size          int           `yaml:"size" validate:"gt=0"`
	TTL           time.Duration `yaml:"ttl" validate:"gt=0"`
	PermissionTTL time.Duration `yaml:"permission_ttl" validate:"gte=0"`
}

// UsageConfig controls the async usage tracker.
type UsageConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
	MaxPending    int           `yaml:"max_pending" validate:"gte=0"`
}

// StoreConfig controls retries of store I/O.
type StoreConfig struct {
	Retries   uint64        `yaml:"retries"`
	RetryBase time.Duration `yaml:"retry_base" validate:"gt=0"`
}

// EventsConfig controls threshold event delivery.
type EventsConfig struct {
	Sink             string        `yaml:"sink" validate:"oneof=log webhook"`
	WebhookURL       string        `yaml:"webhook_url" validate:"required_if=Sink webhook"`
	DispatchInterval time.Duration `yaml:"dispatch_interval" validate:"gt=0"`
	MaxAttempts      int           `yaml:"max_attempts" validate:"gte=1"`
	BatchSize        int           `yaml:"batch_size" validate:"gte=1"`
	Retention        time.Duration `yaml:"retention" validate:"gt=0"`
	PruneSchedule    string        `yaml:"prune_schedule" validate:"required"`
}

// PermissionsConfig is the static membership table served by the
// permission resolver.
type PermissionsConfig struct {
	Members   []MemberConfig   `yaml:"members" validate:"dive"`
	Resources []ResourceConfig `yaml:"resources" validate:"dive"`
}

// MemberConfig grants a user a permission level on a project.
type MemberConfig struct {
	ProjectID  uint64 `yaml:"project_id" validate:"required"`
	UserID     string `yaml:"user_id" validate:"required"`
	Permission string `yaml:"permission" validate:"oneof=UNAUTHORIZED READ READ_WRITE ADMIN"`
}

// ResourceConfig describes the entitlements of a project.
type ResourceConfig struct {
	ProjectID uint64   `yaml:"project_id" validate:"required"`
	Tier      string   `yaml:"tier"`
	Contracts []string `yaml:"contracts"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:    ":8080",
		DBPath:    "quotacontrol.db",
		LogLevel:  "info",
		LogFormat: "json",
		Cycle: CycleConfig{
			Mode:      "monthly",
			AnchorDay: 1,
		},
		RateLimit: RateLimitConfig{
			Window:   time.Minute,
			Strategy: "window",
		},
		DefaultLimit: models.Limit{
			MaxKeys:   5,
			RateLimit: 1000,
			FreeWarn:  800,
			FreeMax:   1000,
			OverWarn:  1800,
			OverMax:   2000,
		},
		Cache: CacheConfig{
			Size:          10000,
			TTL:           time.Hour,
			PermissionTTL: 10 * time.Second,
		},
		Usage: UsageConfig{
			FlushInterval: time.Minute,
			MaxPending:    10000,
		},
		Store: StoreConfig{
			Retries:   3,
			RetryBase: 50 * time.Millisecond,
		},
		Events: EventsConfig{
			Sink:             "log",
			DispatchInterval: 5 * time.Second,
			MaxAttempts:      10,
			BatchSize:        100,
			Retention:        30 * 24 * time.Hour,
			PruneSchedule:    "@daily",
		},
	}
}

// Load reads a YAML config file, expands environment variables and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints, including the default limit
// invariants freeWarn <= freeMax and overWarn <= overMax.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
