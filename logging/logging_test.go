package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWithSinksSplitsByLevel(t *testing.T) {
	var out, errOut bytes.Buffer
	logger, err := NewWithSinks("info", zapcore.AddSync(&out), zapcore.AddSync(&errOut))
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("epoch finished", zap.Int("epoch", 3))
	logger.Error("checkpoint failed")
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "epoch finished", entry["msg"])
	assert.Equal(t, float64(3), entry["epoch"])

	assert.Contains(t, errOut.String(), "checkpoint failed")
	assert.NotContains(t, out.String(), "hidden")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("chatty")
	assert.Error(t, err)

	logger, err := New("WARN")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
