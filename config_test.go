package resilient

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "resilient.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
	assert.False(t, cfg.IsProduction())

	p := cfg.RetryPolicy()
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.InDelta(t, 2.0, p.BackoffMultiplier, 0)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Correlation.MaxAge)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_File(t *testing.T) {
	pin := PinFor([]byte("spki"))

	path := writeConfig(t, `
env: production
log:
  level: debug
retry:
  maxretries: 4
  basedelay: 250ms
  multiplier: 1.5
timeout: 3s
ratelimit:
  rps: 10
  burst: 5
pinning:
  enforce: true
  allowunpinned: [localhost]
  hosts:
    - host: api.notion.com
      pins: ["`+pin+`"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, RetryConfig{MaxRetries: 4, BaseDelay: 250 * time.Millisecond, Multiplier: 1.5}, cfg.Retry)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, RateLimitConfig{RPS: 10, Burst: 5}, cfg.RateLimit)
	assert.True(t, cfg.Pinning.Enforce)
	assert.Equal(t, []string{"localhost"}, cfg.Pinning.AllowUnpinned)
	assert.Equal(t, map[string][]string{"api.notion.com": {pin}}, cfg.PinMap())

	// defaults still fill the gaps
	assert.Equal(t, DefaultMaxRequestAge, cfg.Correlation.MaxAge)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "retry:\n  maxretries: 4\n")

	t.Setenv("RESILIENT_RETRY_MAXRETRIES", "7")
	t.Setenv("RESILIENT_TIMEOUT", "750ms")
	t.Setenv("RESILIENT_PINNING_ALLOWUNPINNED", "localhost,127.0.0.1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Retry.MaxRetries)
	assert.Equal(t, 750*time.Millisecond, cfg.Timeout)
	assert.Equal(t, []string{"localhost", "127.0.0.1"}, cfg.Pinning.AllowUnpinned)
}

func TestLoadConfig_Invalid(t *testing.T) {
	for _, test := range []struct {
		name string
		yaml string
	}{
		{"unknown env", "env: staging\n"},
		{"shrinking backoff", "retry:\n  multiplier: 0.5\n"},
		{"negative retries", "retry:\n  maxretries: -1\n"},
		{"unknown log level", "log:\n  level: loud\n"},
		{"pin without prefix", "pinning:\n  hosts:\n    - host: api.notion.com\n      pins: [\"md5/abc\"]\n"},
		{"host without pins", "pinning:\n  hosts:\n    - host: api.notion.com\n"},
		{"unparsable yaml", "retry: [\n"},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, test.yaml))
			assert.Error(t, err)
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Env = EnvProduction
	cfg.Timeout = 2 * time.Second
	cfg.RateLimit = RateLimitConfig{RPS: 5}
	cfg.Pinning = PinningConfig{
		Enforce:       true,
		AllowUnpinned: []string{"localhost"},
		Hosts:         []HostPinSet{{Host: "api.notion.com", Pins: []string{PinFor([]byte("spki"))}}},
	}

	h, err := NewFromConfig(cfg)
	require.NoError(t, err)

	assert.True(t, h.Production)
	assert.Equal(t, 2*time.Second, h.Timeout)
	assert.Equal(t, 2, h.RetryPolicy.MaxRetries)
	assert.NotNil(t, h.RetryPolicy.ShouldRetry)
	assert.Equal(t, PinningPolicy{Enforce: true, AllowUnpinned: []string{"localhost"}}, h.Pinning)
	assert.Len(t, h.Pins.Pins("api.notion.com"), 1)

	require.NotNil(t, h.Limiter)
	assert.Equal(t, 1, h.Limiter.Burst())
	assert.Nil(t, h.Sink)
}

func TestNewFromConfig_NoLimiter(t *testing.T) {
	h, err := NewFromConfig(DefaultConfig())
	require.NoError(t, err)

	assert.Nil(t, h.Limiter)
	assert.False(t, h.Production)
}

func TestNewFromConfig_Invalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.Multiplier = 0

	_, err := NewFromConfig(cfg)
	assert.Error(t, err)
}
