package applog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G5unit/ripples/channel"
	"github.com/G5unit/ripples/config"
	"github.com/G5unit/ripples/metrics"
)

func testLoop(t *testing.T, chans int) (*Loop, []*channel.Log, string) {
	t.Helper()
	cfg := config.Default()
	cfg.AppLogPath = t.TempDir()

	channels := make([]*channel.Log, chans)
	for i := range channels {
		channels[i] = channel.NewLog()
	}
	return NewLoop(cfg, channels, metrics.New()), channels, cfg.AppLogFile()
}

func Test_CollectAndWrite(t *testing.T) {
	l, channels, path := testLoop(t, 3)

	require.NoError(t, channels[0].Send(&channel.LogMsg{Msg: "first message"}))
	require.NoError(t, channels[2].Send(&channel.LogMsg{Msg: "second message"}))

	now := time.Now()
	l.ensureOpen(now)
	require.GreaterOrEqual(t, l.fd, 0)

	count, fatal := l.collect(now)
	assert.Equal(t, 2, count)
	assert.False(t, fatal)
	l.write(count)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], " - first message")
	assert.Contains(t, lines[1], " - second message")

	// Timestamp prefix parses as RFC 3339 Nano.
	ts := strings.SplitN(lines[0], " - ", 2)[0]
	_, err = time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func Test_CollectFatalFlag(t *testing.T) {
	l, channels, _ := testLoop(t, 1)

	require.NoError(t, channels[0].Send(&channel.LogMsg{Msg: "going down", Fatal: true}))

	now := time.Now()
	l.ensureOpen(now)
	_, fatal := l.collect(now)
	assert.True(t, fatal)
}

func Test_OpenFailureBackoff(t *testing.T) {
	cfg := config.Default()
	cfg.AppLogPath = filepath.Join(t.TempDir(), "no", "such", "dir")

	m := metrics.New()
	l := NewLoop(cfg, []*channel.Log{channel.NewLog()}, m)

	now := time.Now()
	l.ensureOpen(now)
	assert.Equal(t, -1, l.fd)
	assert.Equal(t, uint64(1), m.App.AppLogOpenError.Load())

	// Within the backoff window the open is not retried.
	l.ensureOpen(now.Add(time.Second))
	assert.Equal(t, uint64(1), m.App.AppLogOpenError.Load())

	l.ensureOpen(now.Add(6 * time.Second))
	assert.Equal(t, uint64(2), m.App.AppLogOpenError.Load())
}

func Test_DropWithoutSink(t *testing.T) {
	cfg := config.Default()
	cfg.AppLogPath = filepath.Join(t.TempDir(), "absent")

	m := metrics.New()
	ch := channel.NewLog()
	l := NewLoop(cfg, []*channel.Log{ch}, m)

	require.NoError(t, ch.Send(&channel.LogMsg{Msg: "lost"}))
	count, _ := l.collect(time.Now())
	assert.Equal(t, 1, count)
	assert.Equal(t, uint64(1), m.App.AppLogWriteError.Load())
}
