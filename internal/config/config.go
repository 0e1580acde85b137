package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/civicpulse/backend/internal/rank"
	"github.com/spf13/viper"
)

const (
	envPrefix = "CIVICPULSE"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "civicpulse.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultAdminRole         = "admin"
	defaultShardCount        = 10
	defaultMaxBatchSize      = 100
	defaultMaxClockSkew      = 5 * time.Minute
	defaultRetryAttempts     = 5
	defaultRankMaxLength     = 24
	defaultAnalyticsLimit    = 100
	defaultAnalyticsMaxLimit = 1000
	defaultRateLimitRPS      = 5.0
	defaultRateLimitBurst    = 10
	defaultRetention         = 720 * time.Hour

	maxShardCount   = 100
	maxBatchSize    = 100
	minRankLength   = rank.MinMaxLength
	maxRankLength   = 64
	maxRetryAttempt = 20
)

// AppConfig captures runtime configuration for the API server and maintenance commands.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	DatabaseTracing      bool
	LogLevel             string
	LogDevelopment       bool
	Auth                 AuthConfig
	Votes                VotesConfig
	RankMaxLength        int
	Analytics            AnalyticsConfig
	RateLimit            RateLimitConfig
	IdempotencyRetention time.Duration
}

// AuthConfig describes the session cookie the API trusts.
type AuthConfig struct {
	SigningSecret string
	CookieName    string
	Issuer        string
	AdminRole     string
}

// VotesConfig tunes the vote aggregation engine.
type VotesConfig struct {
	ShardCount    int
	MaxBatchSize  int
	MaxClockSkew  time.Duration
	AtomicBatches bool
	RetryAttempts int
}

// AnalyticsConfig bounds analytics result sizes.
type AnalyticsConfig struct {
	DefaultLimit int
	MaxLimit     int
}

// RateLimitConfig sets the per-caller token bucket for vote submission.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.tracing", false)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.development", false)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", "")
	configViper.SetDefault("auth.admin_role", defaultAdminRole)
	configViper.SetDefault("votes.shard_count", defaultShardCount)
	configViper.SetDefault("votes.max_batch_size", defaultMaxBatchSize)
	configViper.SetDefault("votes.max_clock_skew", defaultMaxClockSkew)
	configViper.SetDefault("votes.atomic_batches", true)
	configViper.SetDefault("votes.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("rank.max_length", defaultRankMaxLength)
	configViper.SetDefault("analytics.default_limit", defaultAnalyticsLimit)
	configViper.SetDefault("analytics.max_limit", defaultAnalyticsMaxLimit)
	configViper.SetDefault("ratelimit.rps", defaultRateLimitRPS)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)
	configViper.SetDefault("idempotency.retention", defaultRetention)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseTracing: configViper.GetBool("database.tracing"),
		LogLevel:        configViper.GetString("log.level"),
		LogDevelopment:  configViper.GetBool("log.development"),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			CookieName:    configViper.GetString("auth.cookie_name"),
			Issuer:        configViper.GetString("auth.issuer"),
			AdminRole:     configViper.GetString("auth.admin_role"),
		},
		Votes: VotesConfig{
			ShardCount:    configViper.GetInt("votes.shard_count"),
			MaxBatchSize:  configViper.GetInt("votes.max_batch_size"),
			MaxClockSkew:  configViper.GetDuration("votes.max_clock_skew"),
			AtomicBatches: configViper.GetBool("votes.atomic_batches"),
			RetryAttempts: configViper.GetInt("votes.retry_attempts"),
		},
		RankMaxLength: configViper.GetInt("rank.max_length"),
		Analytics: AnalyticsConfig{
			DefaultLimit: configViper.GetInt("analytics.default_limit"),
			MaxLimit:     configViper.GetInt("analytics.max_limit"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: configViper.GetFloat64("ratelimit.rps"),
			Burst:             configViper.GetInt("ratelimit.burst"),
		},
		IdempotencyRetention: configViper.GetDuration("idempotency.retention"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Auth.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.Auth.AdminRole) == "" {
		return fmt.Errorf("auth.admin_role is required")
	}
	if c.Votes.ShardCount < 1 || c.Votes.ShardCount > maxShardCount {
		return fmt.Errorf("votes.shard_count must be between 1 and %d", maxShardCount)
	}
	if c.Votes.MaxBatchSize < 1 || c.Votes.MaxBatchSize > maxBatchSize {
		return fmt.Errorf("votes.max_batch_size must be between 1 and %d", maxBatchSize)
	}
	if c.Votes.MaxClockSkew < 0 {
		return fmt.Errorf("votes.max_clock_skew must not be negative")
	}
	if c.Votes.RetryAttempts < 1 || c.Votes.RetryAttempts > maxRetryAttempt {
		return fmt.Errorf("votes.retry_attempts must be between 1 and %d", maxRetryAttempt)
	}
	if c.RankMaxLength < minRankLength || c.RankMaxLength > maxRankLength {
		return fmt.Errorf("rank.max_length must be between %d and %d", minRankLength, maxRankLength)
	}
	if c.Analytics.MaxLimit < 1 {
		return fmt.Errorf("analytics.max_limit must be positive")
	}
	if c.Analytics.DefaultLimit < 1 || c.Analytics.DefaultLimit > c.Analytics.MaxLimit {
		return fmt.Errorf("analytics.default_limit must be between 1 and analytics.max_limit")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("ratelimit.rps and ratelimit.burst must be positive")
	}
	if c.IdempotencyRetention <= 0 {
		return fmt.Errorf("idempotency.retention must be positive")
	}
	return nil
}
