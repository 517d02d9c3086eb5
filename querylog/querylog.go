// Package querylog implements the query log worker. It round robins the
// shards: each gets a flip message, surrenders its inactive buffer over
// the control channel, and the worker writes that region to disk. The
// current file rotates to a fresh timestamped name once it crosses the
// configured size.
package querylog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/G5unit/ripples/channel"
	"github.com/G5unit/ripples/config"
	"github.com/G5unit/ripples/metrics"
)

const (
	// replyWait is the sleep step while waiting for a shard's flip
	// reply.
	replyWait = 10 * time.Microsecond

	// idleSleep is the loop sleep after a full round that wrote
	// nothing.
	idleSleep = time.Millisecond

	// openRetryWait is how long to wait after a failed file open.
	openRetryWait = time.Second
)

// Loop is the query log worker.
type Loop struct {
	cfg           *config.Config
	shardChannels []*channel.Control
	appLog        *channel.Log
	metrics       *metrics.Metrics

	msgIDBase uint64

	fd       int
	fileSize int
}

// NewLoop returns a query log worker over the per shard channels.
func NewLoop(cfg *config.Config, shardChannels []*channel.Control,
	appLog *channel.Log, m *metrics.Metrics) *Loop {
	return &Loop{
		cfg:           cfg,
		shardChannels: shardChannels,
		appLog:        appLog,
		metrics:       m,
		fd:            -1,
	}
}

func (l *Loop) logApp(msg string) {
	if l.appLog.Send(&channel.LogMsg{Msg: msg}) != nil {
		l.metrics.App.AppLogWriteError.Add(1)
	}
}

// openFile creates a timestamped query log file for append writes.
func (l *Loop) openFile() error {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	name := filepath.Join(l.cfg.QueryLogPath,
		fmt.Sprintf("%s_%s", l.cfg.QueryLogBaseName, ts))
	fd, err := unix.Open(name, unix.O_CREAT|unix.O_WRONLY|unix.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("error opening query log file %s: %w", name, err)
	}
	l.fd = fd
	l.fileSize = 0
	return nil
}

// Run flips and drains each shard in turn, forever. It blocks; callers
// run it on its own goroutine.
func (l *Loop) Run() {
	for {
		if l.fd < 0 {
			if err := l.openFile(); err != nil {
				l.logApp(err.Error())
				l.metrics.App.QueryLogOpenError.Add(1)
				time.Sleep(openRetryWait)
				continue
			}
		}

		written := 0
		for _, ch := range l.shardChannels {
			buf := l.flip(ch)
			if len(buf) > 0 {
				if err := writeAll(l.fd, buf); err != nil {
					// Close and let the reopen path recover.
					unix.Close(l.fd)
					l.fd = -1
					break
				}
			}

			l.fileSize += len(buf)
			written += len(buf)
			if l.fileSize >= l.cfg.QueryLogRotateSize {
				unix.Close(l.fd)
				l.fd = -1
				if err := l.openFile(); err != nil {
					l.logApp(err.Error())
					l.metrics.App.QueryLogOpenError.Add(1)
					time.Sleep(openRetryWait)
					break
				}
			}
		}

		if written == 0 {
			time.Sleep(idleSleep)
		}
	}
}

// flip sends the buffer flip message to one shard and spins until the
// shard surrenders its inactive buffer.
func (l *Loop) flip(ch *channel.Control) []byte {
	msg := &channel.Msg{
		ID: channel.NextMsgID(&l.msgIDBase),
		Op: channel.OpQueryLogFlip,
	}
	if err := ch.Send(msg); err != nil {
		// One outstanding transaction per direction; full is an
		// impossible state.
		panic("querylog: control channel full")
	}

	for {
		reply := ch.RecvReply()
		if reply == nil {
			time.Sleep(replyWait)
			continue
		}
		buf, _ := reply.Data.([]byte)
		reply.Data = nil
		return buf
	}
}

// writeAll writes buf fully, retrying short writes.
func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return os.NewSyscallError("write", err)
		}
		buf = buf[n:]
	}
	return nil
}
