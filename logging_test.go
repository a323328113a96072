package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		t.Run(format, func(t *testing.T) {
			log, err := newLogger(&Config{logFormat: format, logLevel: "warn"})
			require.NoError(t, err)

			assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
			assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
		})
	}
}

func TestVerboseForcesDebug(t *testing.T) {
	log, err := newLogger(&Config{logFormat: "json", logLevel: "error", verbose: true})
	require.NoError(t, err)

	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLoggerRejectsBadSettings(t *testing.T) {
	_, err := newLogger(&Config{logFormat: "json", logLevel: "loud"})
	assert.Error(t, err)

	_, err = newLogger(&Config{logFormat: "xml", logLevel: "info"})
	assert.Error(t, err)
}
