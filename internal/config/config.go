package config

import (
	"errors"
	"fmt"
	"time"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	DatabaseDriver string        `mapstructure:"database_driver" yaml:"database_driver"`
	DatabasePath   string        `mapstructure:"database_path" yaml:"database_path"`
	DatabaseURL    string        `mapstructure:"database_url" yaml:"database_url"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout" yaml:"store_timeout"`

	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`

	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	MaxMessageBytes    int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	MaxTextLength      int           `mapstructure:"max_text_length" yaml:"max_text_length"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	DeletedMarker      string        `mapstructure:"deleted_marker" yaml:"deleted_marker"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,

		LogLevel:  "info",
		LogFormat: "console",

		DatabaseDriver: DriverSQLite,
		DatabasePath:   "wirechat.db",
		StoreTimeout:   5 * time.Second,

		JWTSecret:   "change-me",
		JWTIssuer:   "wirechat",
		JWTAudience: "wirechat",
		TokenTTL:    24 * time.Hour,

		HandshakeTimeout:   10 * time.Second,
		MaxMessageBytes:    1 << 20,
		MaxTextLength:      4000,
		RateLimitPerMinute: 120,
		DeletedMarker:      "This message was deleted",
	}
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			errs = append(errs, errors.New("database_path is required for sqlite"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for postgres"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown database_driver %q", c.DatabaseDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("handshake_timeout must be positive"))
	}
	if c.MaxTextLength <= 0 {
		errs = append(errs, errors.New("max_text_length must be positive"))
	}
	return errors.Join(errs...)
}
