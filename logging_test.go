package resilient

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	for _, test := range []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	} {
		t.Run(test.level, func(t *testing.T) {
			assert.Equal(t, test.expect, NewLogger(test.level, false, new(bytes.Buffer)).GetLevel())
		})
	}
}

func TestNewLogger_Output(t *testing.T) {
	buf := new(bytes.Buffer)

	log := NewLogger("info", false, buf)
	log.Debug().Msg("hidden")
	log.Info().Str("host", "api.notion.com").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"shown"`)
	assert.Contains(t, out, `"host":"api.notion.com"`)
	assert.Contains(t, out, `"caller":"logging_test.go:`)
}

func TestNewLogger_Pretty(t *testing.T) {
	buf := new(bytes.Buffer)

	log := NewLogger("info", true, buf)
	log.Info().Msg("pretty")

	assert.Contains(t, buf.String(), "pretty")
	assert.NotContains(t, buf.String(), `"message"`)
}
