package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParseLevel(tt.input), "input: %q", tt.input)
	}
}

func TestReplace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Replace(zap.New(core))

	Info("array: peer joined", zap.String("peer", "a"))
	Warn("array: dial failed")
	Debug("noise")

	restore()

	require.Equal(t, 3, logs.Len())
	assert.Equal(t, "array: peer joined", logs.All()[0].Message)
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
}

func TestInitFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	restore := Replace(nil)
	defer restore()

	Init(&Config{Level: "info", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	Info("written to file")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestSetLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "level.log")
	restore := Replace(nil)
	defer restore()

	Init(&Config{Level: "warn", Format: "console", Output: "file", FilePath: path})
	Info("dropped")
	SetLevel("debug")
	Debug("kept")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestInitWithoutSinks(t *testing.T) {
	restore := Replace(nil)
	defer restore()

	Init(&Config{Output: "file"})
	assert.NotPanics(t, func() { Info("nowhere") })
}
