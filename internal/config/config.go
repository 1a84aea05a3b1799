// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github-mirror/internal/pinned"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	HTTPAddr     string `mapstructure:"HTTP_ADDR"`
	GithubToken  string `mapstructure:"GITHUB_TOKEN"`
	GithubLogin  string `mapstructure:"GITHUB_LOGIN"`
	GithubAPIURL string `mapstructure:"GITHUB_API_URL"`
	StoreDriver  string `mapstructure:"STORE_DRIVER"`
	DBPath       string `mapstructure:"DB_PATH"`
	DBURL        string `mapstructure:"DB_URL"`

	PinnedRepos []string      `mapstructure:"PINNED_REPOS"`
	Pinned      []pinned.Repo `mapstructure:"-"`

	BackgroundSyncInterval time.Duration `mapstructure:"BACKGROUND_SYNC_INTERVAL"`
	VisibilityCooldown     time.Duration `mapstructure:"VISIBILITY_COOLDOWN"`
	PurgeAfter             time.Duration `mapstructure:"PURGE_AFTER"`
	SearchCacheTTL         time.Duration `mapstructure:"SEARCH_CACHE_TTL"`
	NetworkProbeInterval   time.Duration `mapstructure:"NETWORK_PROBE_INTERVAL"`

	RateLimitSafeThreshold     int `mapstructure:"RATE_LIMIT_SAFE_THRESHOLD"`
	RateLimitCriticalThreshold int `mapstructure:"RATE_LIMIT_CRITICAL_THRESHOLD"`

	MaxRetries        int           `mapstructure:"MAX_RETRIES"`
	RetryBaseDelay    time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	QueueTickInterval time.Duration `mapstructure:"QUEUE_TICK_INTERVAL"`
	MaxPages          int           `mapstructure:"MAX_PAGES"`
	RunsPerRepo       int           `mapstructure:"RUNS_PER_REPO"`
	HTTPTimeout       time.Duration `mapstructure:"HTTP_TIMEOUT"`
}

var defaults = map[string]any{
	"LOG_LEVEL":                     "info",
	"HTTP_ADDR":                     ":8080",
	"GITHUB_TOKEN":                  "",
	"GITHUB_LOGIN":                  "",
	"GITHUB_API_URL":                "https://api.github.com/",
	"STORE_DRIVER":                  DriverSQLite,
	"DB_PATH":                       "github-mirror.db",
	"DB_URL":                        "",
	"PINNED_REPOS":                  []string{},
	"BACKGROUND_SYNC_INTERVAL":      "30s",
	"VISIBILITY_COOLDOWN":           "30s",
	"PURGE_AFTER":                   "168h",
	"SEARCH_CACHE_TTL":              "5m",
	"NETWORK_PROBE_INTERVAL":        "1m",
	"RATE_LIMIT_SAFE_THRESHOLD":     100,
	"RATE_LIMIT_CRITICAL_THRESHOLD": 30,
	"MAX_RETRIES":                   3,
	"RETRY_BASE_DELAY":              "1s",
	"QUEUE_TICK_INTERVAL":           "100ms",
	"MAX_PAGES":                     10,
	"RUNS_PER_REPO":                 5,
	"HTTP_TIMEOUT":                  "30s",
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()
	// Every key needs a default so Unmarshal sees it through AutomaticEnv.
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.PinnedRepos = compact(c.PinnedRepos)
	repos, err := pinned.ParseRepos(c.PinnedRepos)
	if err != nil {
		return fmt.Errorf("PINNED_REPOS: %w", err)
	}
	c.Pinned = repos

	switch c.StoreDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("DB_PATH is required when STORE_DRIVER is sqlite")
		}
	case DriverPostgres:
		if c.DBURL == "" {
			return errors.New("DB_URL is required when STORE_DRIVER is postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.StoreDriver)
	}

	if c.RateLimitCriticalThreshold < 0 || c.RateLimitCriticalThreshold >= c.RateLimitSafeThreshold {
		return errors.New("RATE_LIMIT_CRITICAL_THRESHOLD must be non-negative and below RATE_LIMIT_SAFE_THRESHOLD")
	}
	if c.MaxRetries < 0 {
		return errors.New("MAX_RETRIES must not be negative")
	}
	if c.BackgroundSyncInterval <= 0 {
		return errors.New("BACKGROUND_SYNC_INTERVAL must be positive")
	}
	return nil
}

// compact trims entries and drops empty ones, so "a/b, c/d," parses cleanly.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
