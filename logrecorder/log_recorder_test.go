package logrecorder

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info")

	logger.Debug("不输出")
	logger.With("session", "abc").WithGroup("tp").Info("发送完成", "frames", 3)

	out := buf.String()
	assert.NotContains(t, out, "不输出")
	assert.Contains(t, out, "INFO: 发送完成 session=abc tp.frames=3")
	assert.True(t, strings.HasSuffix(out, "\n"))

	SetLevel("debug")
	logger.Debug("现在输出")
	assert.Contains(t, buf.String(), "DEBUG: 现在输出")
}

func TestRotatingWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRotatingWriter(dir, "uds_")
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)
	path := w.Path()
	assert.True(t, strings.HasPrefix(path, dir))

	require.NoError(t, w.Rotate())
	_, err = w.Write([]byte("world\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "world")
}

func TestInitAndRotate(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger, stop, err := InitAndRotate(t.TempDir(), "can_log_", "info", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, logger, slog.Default())
	logger.Info("started")
	time.Sleep(30 * time.Millisecond)
	stop()
	stop()
}
