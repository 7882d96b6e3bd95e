package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New("loud", "")
	assert.Error(t, err)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "matchd.log")

	logger, sync, err := New("warn", path)
	require.NoError(t, err)

	logger.Info("hidden", "symbol", "BTC-USDT")
	logger.Warn("order book halted", "symbol", "BTC-USDT")
	_ = sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"msg":"order book halted"`)
	assert.Contains(t, lines[0], `"symbol":"BTC-USDT"`)
	assert.Contains(t, lines[0], `"level":"WARN"`)
}
