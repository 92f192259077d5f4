package pkg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{name: "default config", cfg: nil},
		{name: "json", cfg: &Config{Level: "debug", Format: "json"}},
		{name: "invalid level falls back to info", cfg: &Config{Level: "loud", Format: "json"}},
		{name: "async console", cfg: &Config{Level: "warn", Format: "console", AsyncWrite: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			require.NoError(t, err)
			require.NotNil(t, logger)

			logger.Debug().Str("case", tt.name).Msg("logger created")
			assert.NoError(t, logger.Close())
		})
	}
}

func TestLoggerLevel(t *testing.T) {
	logger, err := New(&Config{Level: "loud", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, "info", logger.GetLevel().String())

	logger, err = New(&Config{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, "debug", logger.GetLevel().String())
}

func TestLoggerFileOutput(t *testing.T) {
	tests := []struct {
		name  string
		async bool
	}{
		{name: "sync"},
		{name: "async", async: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "logs", "sim.log")

			cfg := DefaultConfig()
			cfg.Format = "json"
			cfg.File.Enable = true
			cfg.File.Path = path
			cfg.AsyncWrite = tt.async

			logger, err := New(cfg)
			require.NoError(t, err)

			child := logger.WithFields(Fields{"node": "n1"})
			child.Info().Msg("written to file")
			logger.Info().Msg("parent line")
			require.NoError(t, child.Close())
			require.NoError(t, logger.Close())

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Contains(t, string(data), "written to file")
			assert.Contains(t, string(data), `"node":"n1"`)
			assert.Contains(t, string(data), "parent line")
		})
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Error().Msg("discarded")
	assert.NoError(t, logger.WithFields(Fields{"k": "v"}).Close())
	assert.NoError(t, logger.Close())
}
