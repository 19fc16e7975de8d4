package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("client_added", "client_id", "a")
	assert.Zero(t, buf.Len())

	logger.Warn("broadcast_send_failed", "client_id", "a")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "broadcast_send_failed", rec["msg"])
	assert.Equal(t, "a", rec["client_id"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("DEBUG", "text", &buf)
	require.NoError(t, err)
	logger.Debug("endpoint_connected", "endpoint", "upstream")
	assert.Contains(t, buf.String(), "msg=endpoint_connected endpoint=upstream")
}

func TestNewRejectsUnknown(t *testing.T) {
	_, err := New("loud", "text", nil)
	assert.Error(t, err)
	_, err = New("info", "xml", nil)
	assert.Error(t, err)

	lvl, err := ParseLevel("error")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, lvl)
}
