package resilient

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"golang.org/x/time/rate"
)

// Values accepted for Config.Env; only EnvProduction switches on pinning
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"

	// EnvPrefix namespaces the environment variables LoadConfig reads
	EnvPrefix = "RESILIENT_"
)

// Config holds everything NewFromConfig needs to build a client
type Config struct {
	Env         string            `koanf:"env" validate:"oneof=development production test"`
	Log         LogConfig         `koanf:"log"`
	Retry       RetryConfig       `koanf:"retry"`
	Timeout     time.Duration     `koanf:"timeout" validate:"gte=0"`
	RateLimit   RateLimitConfig   `koanf:"ratelimit"`
	Correlation CorrelationConfig `koanf:"correlation"`
	Pinning     PinningConfig     `koanf:"pinning"`
}

// LogConfig holds logging preferences
type LogConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	Pretty bool   `koanf:"pretty"`
}

// RetryConfig maps onto RetryPolicy
type RetryConfig struct {
	MaxRetries int           `koanf:"maxretries" validate:"gte=0"`
	BaseDelay  time.Duration `koanf:"basedelay" validate:"gte=0"`
	Multiplier float64       `koanf:"multiplier" validate:"gte=1"`
}

// RateLimitConfig caps outgoing attempts; an RPS of zero disables it
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps" validate:"gte=0"`
	Burst int     `koanf:"burst" validate:"gte=0"`
}

// CorrelationConfig holds request freshness settings
type CorrelationConfig struct {
	MaxAge time.Duration `koanf:"maxage" validate:"gte=0"`
}

// PinningConfig holds certificate pins and what to do without them
type PinningConfig struct {
	Enforce       bool         `koanf:"enforce"`
	AllowUnpinned []string     `koanf:"allowunpinned"`
	Hosts         []HostPinSet `koanf:"hosts" validate:"dive"`
}

// HostPinSet is the pin list for one host. Hosts are a list rather than a map
// since koanf splits keys on dots.
type HostPinSet struct {
	Host string   `koanf:"host" validate:"required,hostname_rfc1123"`
	Pins []string `koanf:"pins" validate:"required,min=1,dive,startswith=sha256/"`
}

// IsProduction reports whether Env is production
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// RetryPolicy returns the RetryPolicy described by c.Retry
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        c.Retry.MaxRetries,
		BaseDelay:         c.Retry.BaseDelay,
		BackoffMultiplier: c.Retry.Multiplier,
		ShouldRetry:       IsRetryable,
	}
}

// PinMap returns the configured pins keyed by host
func (c *Config) PinMap() map[string][]string {
	m := make(map[string][]string, len(c.Pinning.Hosts))
	for _, h := range c.Pinning.Hosts {
		m[h.Host] = append(m[h.Host], h.Pins...)
	}

	return m
}

// LoadConfig loads configuration from multiple sources with priority:
// 1. Environment variables prefixed RESILIENT_ (highest priority)
// 2. The YAML file at path, if path is set
// 3. Default values (lowest priority)
//
// A missing YAML file is not an error.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultConfig(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	// RESILIENT_RETRY_MAXRETRIES -> retry.maxretries
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "_", ".")

			if key == "pinning.allowunpinned" {
				return key, strings.Split(value, ",")
			}

			return key, value
		},
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns the configuration LoadConfig starts from
func DefaultConfig() *Config {
	return &Config{
		Env:         EnvDevelopment,
		Log:         LogConfig{Level: "info"},
		Retry:       RetryConfig{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, Multiplier: 2},
		Timeout:     DefaultTimeout,
		Correlation: CorrelationConfig{MaxAge: DefaultMaxRequestAge},
	}
}

func defaultConfig() map[string]any {
	d := DefaultConfig()

	return map[string]any{
		"env":                d.Env,
		"log.level":          d.Log.Level,
		"log.pretty":         d.Log.Pretty,
		"retry.maxretries":   d.Retry.MaxRetries,
		"retry.basedelay":    d.Retry.BaseDelay.String(),
		"retry.multiplier":   d.Retry.Multiplier,
		"timeout":            d.Timeout.String(),
		"ratelimit.rps":      0,
		"ratelimit.burst":    0,
		"correlation.maxage": d.Correlation.MaxAge.String(),
		"pinning.enforce":    false,
	}
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks c against its field constraints
func (c *Config) Validate() error {
	return configValidator.Struct(c)
}

// NewFromConfig builds an HttpClient from cfg. The returned client has no
// metrics sink; set Sink to attach one.
func NewFromConfig(cfg *Config) (*HttpClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	h := New()
	h.Production = cfg.IsProduction()
	h.RetryPolicy = cfg.RetryPolicy()
	h.Timeout = cfg.Timeout
	h.Pins = NewPinRegistry(cfg.PinMap())
	h.Pinning = PinningPolicy{
		Enforce:       cfg.Pinning.Enforce,
		AllowUnpinned: cfg.Pinning.AllowUnpinned,
	}
	h.Logger = NewLogger(cfg.Log.Level, cfg.Log.Pretty, os.Stderr)

	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}

		h.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}

	return h, nil
}
