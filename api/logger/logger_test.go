package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer

	l := New(&buf, "test", "debug").With(F("address", "AA:BB:CC:DD:EE:FF"))
	l.Info("connected", F("scope", "link"), Err(errors.New("boom")))

	entry := map[string]any{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "connected", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "test", entry["service"])
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", entry["address"])
	assert.Equal(t, "link", entry["scope"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer

	l := New(&buf, "test", "warn")
	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
	assert.Equal(t, zerolog.Disabled, ParseLevel("disabled"))
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		l := Nop().With(F("k", "v"))
		l.Error("nothing")
	})
}
