package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                     = "UNDERTOW"
	defaultHTTPAddress            = "0.0.0.0:8080"
	defaultDatabasePath           = "undertow.db"
	defaultLogLevel               = "info"
	defaultTokenIssuer            = "undertow-auth"
	defaultSnapshotEditThreshold  = 50
	defaultSnapshotIdleSeconds    = 45
	defaultDrainTimeoutSeconds    = 5.0
	defaultEmptyDocByteThreshold  = 2
	defaultRateLimitCount         = 20
	defaultRateLimitWindowSeconds = 60
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress           string
	DatabasePath          string
	LogLevel              string
	SigningSecret         string
	TokenIssuer           string
	RedisAddress          string
	SnapshotEditThreshold int
	SnapshotIdle          time.Duration
	DrainTimeout          time.Duration
	EmptyDocByteThreshold int
	RateLimitCount        int
	RateLimitWindow       time.Duration
}

// SyncConfig groups the session tuning knobs handed to the sync endpoint.
type SyncConfig struct {
	SnapshotEditThreshold int
	SnapshotIdle          time.Duration
	DrainTimeout          time.Duration
	EmptyDocByteThreshold int
}

// Sync extracts the session tuning knobs.
func (c AppConfig) Sync() SyncConfig {
	return SyncConfig{
		SnapshotEditThreshold: c.SnapshotEditThreshold,
		SnapshotIdle:          c.SnapshotIdle,
		DrainTimeout:          c.DrainTimeout,
		EmptyDocByteThreshold: c.EmptyDocByteThreshold,
	}
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("redis.addr", "")
	configViper.SetDefault("sync.snapshot_edit_threshold", defaultSnapshotEditThreshold)
	configViper.SetDefault("sync.snapshot_idle_seconds", defaultSnapshotIdleSeconds)
	configViper.SetDefault("sync.drain_timeout_seconds", defaultDrainTimeoutSeconds)
	configViper.SetDefault("sync.empty_document_byte_threshold", defaultEmptyDocByteThreshold)
	configViper.SetDefault("ratelimit.count", defaultRateLimitCount)
	configViper.SetDefault("ratelimit.window_seconds", defaultRateLimitWindowSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		SigningSecret:         configViper.GetString("auth.signing_secret"),
		TokenIssuer:           configViper.GetString("auth.issuer"),
		RedisAddress:          configViper.GetString("redis.addr"),
		SnapshotEditThreshold: configViper.GetInt("sync.snapshot_edit_threshold"),
		SnapshotIdle:          time.Duration(configViper.GetInt("sync.snapshot_idle_seconds")) * time.Second,
		DrainTimeout:          time.Duration(configViper.GetFloat64("sync.drain_timeout_seconds") * float64(time.Second)),
		EmptyDocByteThreshold: configViper.GetInt("sync.empty_document_byte_threshold"),
		RateLimitCount:        configViper.GetInt("ratelimit.count"),
		RateLimitWindow:       time.Duration(configViper.GetInt("ratelimit.window_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SnapshotEditThreshold <= 0 {
		return fmt.Errorf("sync.snapshot_edit_threshold must be positive")
	}
	if c.SnapshotIdle <= 0 {
		return fmt.Errorf("sync.snapshot_idle_seconds must be positive")
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("sync.drain_timeout_seconds must be positive")
	}
	if c.EmptyDocByteThreshold < 0 {
		return fmt.Errorf("sync.empty_document_byte_threshold must not be negative")
	}
	if c.RateLimitCount <= 0 {
		return fmt.Errorf("ratelimit.count must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("ratelimit.window_seconds must be positive")
	}
	return nil
}
