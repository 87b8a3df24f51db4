package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"trace": LogTrace,
		"debug": LogDebug,
		"info":  LogInfo,
		"warn":  LogWarn,
		"error": LogError,
		"off":   LogOff,
	}
	for input, want := range cases {
		got, err := ParseLogLevel(input)
		assert.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
}

func TestParseColorMode(t *testing.T) {
	for input, want := range map[string]ColorMode{
		"auto": ColorAuto, "always": ColorAlways, "never": ColorNever,
	} {
		got, err := ParseColorMode(input)
		assert.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseColorMode("sometimes")
	assert.Error(t, err)
}
