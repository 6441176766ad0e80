// Package config holds the runtime settings of creditd.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
)

const (
	defaultDatabaseURL    = "sqlite:///tmp/storycredits.db"
	defaultGRPCListenAddr = ":7000"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultServiceIssuer  = "storycredits"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultSweepInterval  = 10 * time.Minute
	defaultSweepLookback  = 24 * time.Hour
	defaultSweepBatchSize = 200
	defaultRequestTimeout = 5 * time.Second
	defaultEventsQueue    = "storycredits:attempts"
	defaultEventsChannel  = "generation_attempts"
	defaultRedisAddr      = "localhost:6379"

	unmeteredToken = "unmetered"
)

// EventsSource selects where terminal job events are consumed from.
type EventsSource string

const (
	EventsNone     EventsSource = "none"
	EventsRedis    EventsSource = "redis"
	EventsPostgres EventsSource = "postgres"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for creditd.
type Config struct {
	DatabaseURL string

	// GRPCListenAddr and HTTPListenAddr enable their surface when set.
	GRPCListenAddr string
	HTTPListenAddr string
	AllowedOrigins []string
	RequestTimeout time.Duration

	ServiceTokenSecret string
	ServiceTokenIssuer string

	// SessionSigningKey enables the UI read endpoints.
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	SweepEnabled   bool
	SweepInterval  time.Duration
	SweepLookback  time.Duration
	SweepBatchSize int

	EventsSource  EventsSource
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EventsQueue   string
	EventsChannel string

	TierAllowances ledger.TierAllowances
	DefaultTier    ledger.Tier
	AutoProvision  bool
}

// Default returns a configuration with every default applied.
func Default() Config {
	cfg := Config{AutoProvision: true, SweepEnabled: true}
	cfg.applyDefaults()
	return cfg
}

// Validate applies defaults and rejects inconsistent settings.
func (cfg *Config) Validate() error {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("%w: database url is required", ErrInvalidConfig)
	}
	if cfg.GRPCListenAddr == "" && cfg.HTTPListenAddr == "" {
		return fmt.Errorf("%w: at least one of grpc or http listen addr is required", ErrInvalidConfig)
	}
	if cfg.HTTPListenAddr != "" && len(cfg.ServiceTokenSecret) == 0 {
		return fmt.Errorf("%w: service token secret is required for the http surface", ErrInvalidConfig)
	}
	if cfg.SweepInterval <= 0 || cfg.SweepLookback <= 0 || cfg.SweepBatchSize <= 0 {
		return fmt.Errorf("%w: sweep interval, lookback and batch size must be positive", ErrInvalidConfig)
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	}
	switch cfg.EventsSource {
	case EventsNone:
	case EventsRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" || strings.TrimSpace(cfg.EventsQueue) == "" {
			return fmt.Errorf("%w: redis events need an address and a queue", ErrInvalidConfig)
		}
		if cfg.RedisDB < 0 {
			return fmt.Errorf("%w: redis db must not be negative", ErrInvalidConfig)
		}
	case EventsPostgres:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("%w: postgres events need a postgres database url", ErrInvalidConfig)
		}
		if strings.TrimSpace(cfg.EventsChannel) == "" {
			return fmt.Errorf("%w: postgres events need a channel", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown events source %q", ErrInvalidConfig, cfg.EventsSource)
	}
	if _, err := cfg.TierAllowances.For(cfg.DefaultTier); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	if cfg.GRPCListenAddr == "" && cfg.HTTPListenAddr == "" {
		cfg.GRPCListenAddr = defaultGRPCListenAddr
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cfg.ServiceTokenIssuer = defaultIfEmpty(cfg.ServiceTokenIssuer, defaultServiceIssuer)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.SweepLookback == 0 {
		cfg.SweepLookback = defaultSweepLookback
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = defaultSweepBatchSize
	}
	source := EventsSource(strings.ToLower(strings.TrimSpace(string(cfg.EventsSource))))
	if source == "" {
		source = EventsNone
	}
	cfg.EventsSource = source
	cfg.RedisAddr = defaultIfEmpty(cfg.RedisAddr, defaultRedisAddr)
	cfg.EventsQueue = defaultIfEmpty(cfg.EventsQueue, defaultEventsQueue)
	cfg.EventsChannel = defaultIfEmpty(cfg.EventsChannel, defaultEventsChannel)
	if cfg.TierAllowances == nil {
		cfg.TierAllowances = ledger.DefaultTierAllowances()
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = ledger.TierBasic
	}
}

// IsPostgresURL reports whether databaseURL names a PostgreSQL server.
func IsPostgresURL(databaseURL string) bool {
	lowered := strings.ToLower(strings.TrimSpace(databaseURL))
	return strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://")
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParseTierAllowances reads "tier=credits" pairs separated by commas, for
// example "basic=5,starter=30,creator=100,professional=unmetered". Tiers
// missing from raw keep their default allowance.
func ParseTierAllowances(raw string) (ledger.TierAllowances, error) {
	allowances := ledger.DefaultTierAllowances()
	for _, pair := range ParseAllowedOrigins(raw) {
		name, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("%w: tier allowance %q must be tier=credits", ErrInvalidConfig, pair)
		}
		tier, err := ledger.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		value = strings.ToLower(strings.TrimSpace(value))
		if value == unmeteredToken {
			allowances[tier] = ledger.TierAllowance{Unmetered: true}
			continue
		}
		credits, err := strconv.ParseInt(value, 10, 64)
		if err != nil || credits < 0 {
			return nil, fmt.Errorf("%w: tier %s allowance %q is not a non-negative integer", ErrInvalidConfig, tier, value)
		}
		allowances[tier] = ledger.TierAllowance{Credits: ledger.Credits(credits)}
	}
	return allowances, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
