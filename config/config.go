// Package config loads the adapter configuration from a JSON or YAML file, with environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Keys for the configuration file.
const (
	ClientIDKey     = "client_id"
	ClientSecretKey = "client_secret"
	ScopesKey       = "scopes"
	PolicyKey       = "policy"
	RequestCodeKey  = "request_code"
	LogLevelKey     = "log_level"
	LogPathKey      = "log_path"
	SentryDSNKey    = "sentry_dsn"
	FlowTimeoutKey  = "flow_timeout"

	OTELEndpointKey     = "otel.endpoint"
	OTELHeadersKey      = "otel.headers"
	OTELInsecureKey     = "otel.insecure"
	TracesSampleRateKey = "otel.traces_sample_rate"
	MetricsIntervalKey  = "otel.metrics_interval"
)

// Environment variables that override the file.
const (
	EnvClientID     = "NATIVEAUTH_CLIENT_ID"
	EnvClientSecret = "NATIVEAUTH_CLIENT_SECRET"
	EnvLogLevel     = "NATIVEAUTH_LOG_LEVEL"
	EnvPolicy       = "NATIVEAUTH_POLICY"
	EnvOTELEndpoint = "NATIVEAUTH_OTEL_ENDPOINT"
)

const (
	defaultRequestCode = 9001
	defaultFlowTimeout = 5 * time.Minute
	defaultSampleRate  = 1.0
	maxClientIDLength  = 256
)

var (
	ErrMissingClientID   = errors.New("client id is required")
	ErrMalformedClientID = errors.New("client id is malformed")

	clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

	// placeholders shipped in sample configs
	placeholderClientIDs = []string{"YOUR_WEB_CLIENT_ID", "YOUR_CLIENT_ID"}

	envOverrides = map[string]string{
		EnvClientID:     ClientIDKey,
		EnvClientSecret: ClientSecretKey,
		EnvLogLevel:     LogLevelKey,
		EnvPolicy:       PolicyKey,
		EnvOTELEndpoint: OTELEndpointKey,
	}
)

// Config is the adapter configuration.
type Config struct {
	ClientID     string        `koanf:"client_id"`
	ClientSecret string        `koanf:"client_secret"`
	Scopes       []string      `koanf:"scopes"`
	Policy       string        `koanf:"policy"`
	RequestCode  int           `koanf:"request_code"`
	LogLevel     string        `koanf:"log_level"`
	LogPath      string        `koanf:"log_path"`
	SentryDSN    string        `koanf:"sentry_dsn"`
	FlowTimeout  time.Duration `koanf:"flow_timeout"`
	OTEL         OTEL          `koanf:"otel"`
}

// OTEL selects the OpenTelemetry collector. Export is disabled without an endpoint.
type OTEL struct {
	Endpoint         string            `koanf:"endpoint"`
	Headers          map[string]string `koanf:"headers"`
	Insecure         bool              `koanf:"insecure"`
	TracesSampleRate float64           `koanf:"traces_sample_rate"`
	MetricsInterval  time.Duration     `koanf:"metrics_interval"`
}

// Default returns a configuration with every optional key at its default.
func Default() *Config {
	return &Config{
		Policy:      "reject",
		RequestCode: defaultRequestCode,
		LogLevel:    "info",
		FlowTimeout: defaultFlowTimeout,
		OTEL:        OTEL{TracesSampleRate: defaultSampleRate},
	}
}

// Load reads the configuration at path, applies environment overrides and validates it. The
// parser is picked from the file extension.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw, parser)
}

// Parse loads a configuration from raw bytes, applies environment overrides and validates it.
func Parse(raw []byte, parser koanf.Parser) (*Config, error) {
	k := koanf.New(".")
	def := Default()
	for key, value := range map[string]any{
		PolicyKey:           def.Policy,
		RequestCodeKey:      def.RequestCode,
		LogLevelKey:         def.LogLevel,
		FlowTimeoutKey:      def.FlowTimeout.String(),
		TracesSampleRateKey: def.OTEL.TracesSampleRate,
	} {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("setting default %s: %w", key, err)
		}
	}
	if len(raw) > 0 {
		if err := k.Load(rawbytes.Provider(raw), parser); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	for env, key := range envOverrides {
		if value, ok := os.LookupEnv(env); ok {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("applying %s: %w", env, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the required keys. A configuration that fails validation is fatal; there is
// nothing to retry.
func (c *Config) Validate() error {
	if err := ValidateClientID(c.ClientID); err != nil {
		return err
	}
	if c.RequestCode < 0 || c.RequestCode > 0xffff {
		// Android only allows the lower 16 bits for request codes
		return fmt.Errorf("request code %d out of range", c.RequestCode)
	}
	if c.FlowTimeout < 0 {
		return fmt.Errorf("flow timeout %s is negative", c.FlowTimeout)
	}
	if c.OTEL.TracesSampleRate < 0 || c.OTEL.TracesSampleRate > 1 {
		return fmt.Errorf("traces sample rate %v not in [0, 1]", c.OTEL.TracesSampleRate)
	}
	return nil
}

// ValidateClientID checks that id looks like a provider client identifier.
func ValidateClientID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrMissingClientID
	}
	if len(id) > maxClientIDLength || !clientIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrMalformedClientID, id)
	}
	for _, p := range placeholderClientIDs {
		if strings.EqualFold(id, p) {
			return fmt.Errorf("%w: %q is a placeholder", ErrMalformedClientID, id)
		}
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Parser(), nil
	case ".yaml", ".yml":
		return YAMLParser(), nil
	default:
		return nil, fmt.Errorf("unsupported config file type %q", filepath.Ext(path))
	}
}
