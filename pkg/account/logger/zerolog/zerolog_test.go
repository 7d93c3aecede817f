package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropdrive/opadvisor/pkg/account"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }},
		{"info", func(l *Logger) { l.Info("msg") }},
		{"warn", func(l *Logger) { l.Warn("msg") }},
		{"error", func(l *Logger) { l.Error("msg") }},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			zlog := zerolog.New(&buf)
			tt.log(NewLogger(&zlog))

			line := decodeLine(t, &buf)
			assert.Equal(t, tt.level, line["level"])
			assert.Equal(t, "msg", line["message"])
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	zlog := zerolog.New(&buf)
	logger := NewLogger(&zlog)

	logger.Info("subscription synced",
		account.F("subscription_id", "sub_123"),
		account.F("uploads_limit", 50),
		account.F("error", errors.New("boom")),
	)

	line := decodeLine(t, &buf)
	assert.Equal(t, "sub_123", line["subscription_id"])
	assert.EqualValues(t, 50, line["uploads_limit"])
	assert.Equal(t, "boom", line["error"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	zlog := zerolog.New(&buf).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	logger.Debug("debug message")
	logger.Info("info message")
	assert.Zero(t, buf.Len())

	logger.Warn("warn message")
	assert.NotZero(t, buf.Len())
}

func TestLogger_NilLogger(t *testing.T) {
	logger := NewLogger(nil)
	assert.NotPanics(t, func() {
		logger.Error("dropped", account.F("key", "value"))
	})
}
