package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core).Sugar())

	Logger().Infof("opened %s", "COM3")
	Logger().Infow("frame", "index", 3)

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "opened COM3", entries[0].Message)
		assert.Equal(t, int64(3), entries[1].ContextMap()["index"])
	}
}

func TestSetLogger_NilIsNoop(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	SetLogger(nil)
	assert.NotNil(t, Logger())
	assert.NotPanics(t, func() { Logger().Infof("test message: %s", "value") })
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
		ok   bool
	}{
		{"debug", zapcore.DebugLevel, true},
		{" INFO ", zapcore.InfoLevel, true},
		{"", zapcore.InfoLevel, true},
		{"warning", zapcore.WarnLevel, true},
		{"error", zapcore.ErrorLevel, true},
		{"verbose", zapcore.InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

func TestSetLevel(t *testing.T) {
	original := Level()
	defer SetLevel(original)

	SetLevel(zapcore.DebugLevel)
	assert.Equal(t, zapcore.DebugLevel, Level())
}
