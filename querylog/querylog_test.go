package querylog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G5unit/ripples/channel"
	"github.com/G5unit/ripples/config"
	"github.com/G5unit/ripples/metrics"
)

func testLoop(t *testing.T) *Loop {
	t.Helper()
	cfg := config.Default()
	cfg.QueryLogPath = t.TempDir()
	return NewLoop(cfg, []*channel.Control{channel.NewControl()},
		channel.NewLog(), metrics.New())
}

func Test_OpenFileTimestamped(t *testing.T) {
	l := testLoop(t)

	require.NoError(t, l.openFile())
	require.GreaterOrEqual(t, l.fd, 0)

	entries, err := os.ReadDir(l.cfg.QueryLogPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), l.cfg.QueryLogBaseName+"_")
}

func Test_FlipProtocol(t *testing.T) {
	l := testLoop(t)
	ch := l.shardChannels[0]

	// Fake shard: serve one flip, surrendering a filled buffer.
	go func() {
		for {
			msg := ch.Recv()
			if msg == nil {
				time.Sleep(time.Microsecond)
				continue
			}
			msg.Data = []byte("{\"c_ip\":\"198.51.100.7\"}\n")
			msg.Result = 24
			ch.Reply(msg)
			return
		}
	}()

	buf := l.flip(ch)
	assert.Equal(t, 24, len(buf))
}

func Test_WriteAllAndRotation(t *testing.T) {
	l := testLoop(t)
	l.cfg.QueryLogRotateSize = 10

	require.NoError(t, l.openFile())

	entries, err := os.ReadDir(l.cfg.QueryLogPath)
	require.NoError(t, err)
	first := entries[0].Name()

	line := []byte("0123456789ABCDEF\n")
	require.NoError(t, writeAll(l.fd, line))
	l.fileSize += len(line)
	require.GreaterOrEqual(t, l.fileSize, l.cfg.QueryLogRotateSize)

	// Past the rotate size a fresh timestamped file takes over.
	require.NoError(t, os.NewFile(uintptr(l.fd), "querylog").Close())
	l.fd = -1
	time.Sleep(time.Millisecond)
	require.NoError(t, l.openFile())
	assert.Equal(t, 0, l.fileSize)

	entries, err = os.ReadDir(l.cfg.QueryLogPath)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	data, err := os.ReadFile(filepath.Join(l.cfg.QueryLogPath, first))
	require.NoError(t, err)
	assert.Equal(t, line, data)
}
