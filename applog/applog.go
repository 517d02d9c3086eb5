// Package applog implements the application log worker: it drains every
// producer's log channel, prefixes each message with an RFC 3339 Nano
// timestamp, and appends the batch to the log file with one vectored
// write. The file is kept open across batches. A failed write closes it
// and the next iteration reopens it; a failed open is retried after a
// backoff. A message flagged fatal exits the process once written.
package applog

import (
	"fmt"
	"os"
	"time"

	"github.com/semihalev/zlog/v2"
	"golang.org/x/sys/unix"

	"github.com/G5unit/ripples/channel"
	"github.com/G5unit/ripples/config"
	"github.com/G5unit/ripples/metrics"
)

const (
	// openRetryWait is how long to wait before retrying a failed open.
	openRetryWait = 5 * time.Second

	// idleSleep is the loop sleep when no messages arrived.
	idleSleep = time.Millisecond
)

var newline = []byte{'\n'}

// Loop is the application log worker.
type Loop struct {
	cfg      *config.Config
	channels []*channel.Log
	metrics  *metrics.Metrics

	fd           int
	nextOpenTime time.Time

	// batch is the vectored write staging area: timestamp, message and
	// newline slices for each collected message.
	batch [][]byte
}

// NewLoop returns an application log worker draining channels.
func NewLoop(cfg *config.Config, channels []*channel.Log, m *metrics.Metrics) *Loop {
	return &Loop{
		cfg:      cfg,
		channels: channels,
		metrics:  m,
		fd:       -1,
		batch:    make([][]byte, 0, len(channels)*3),
	}
}

// Run drains the channels forever. It blocks; callers run it on its own
// goroutine.
func (l *Loop) Run() {
	for {
		now := time.Now()
		l.ensureOpen(now)

		count, fatal := l.collect(now)
		if count > 0 {
			l.write(count)
			if fatal {
				os.Exit(1)
			}
		} else {
			time.Sleep(idleSleep)
		}
	}
}

// ensureOpen opens the log file for append when closed and the retry
// backoff elapsed.
func (l *Loop) ensureOpen(now time.Time) {
	if l.fd >= 0 || now.Before(l.nextOpenTime) {
		return
	}
	fd, err := unix.Open(l.cfg.AppLogFile(),
		unix.O_CREAT|unix.O_WRONLY|unix.O_APPEND, 0o644)
	if err != nil {
		zlog.Error("Application log open failed", "file", l.cfg.AppLogFile(),
			"error", err.Error())
		l.metrics.App.AppLogOpenError.Add(1)
		l.nextOpenTime = now.Add(openRetryWait)
		return
	}
	l.fd = fd
}

// collect drains one message from each channel into the write batch.
// Returns the message count and whether any message was fatal.
func (l *Loop) collect(now time.Time) (int, bool) {
	var (
		count   int
		fatal   bool
		tsBytes []byte
	)
	l.batch = l.batch[:0]

	for _, ch := range l.channels {
		msg := ch.Recv()
		if msg == nil {
			continue
		}
		count++

		if msg.Fatal {
			fmt.Fprintln(os.Stderr, msg.Msg)
			fatal = true
		}

		if l.fd < 0 {
			// No sink; count the drop and move on.
			l.metrics.App.AppLogWriteError.Add(1)
			continue
		}

		if tsBytes == nil {
			tsBytes = now.UTC().AppendFormat(make([]byte, 0, 40), time.RFC3339Nano)
			tsBytes = append(tsBytes, " - "...)
		}
		l.batch = append(l.batch, tsBytes, []byte(msg.Msg), newline)
	}
	return count, fatal
}

// write flushes the batch with a single vectored write. A short or failed
// write closes the file for the reopen path to recover.
func (l *Loop) write(count int) {
	if l.fd < 0 || len(l.batch) == 0 {
		return
	}

	want := 0
	for _, b := range l.batch {
		want += len(b)
	}

	n, err := unix.Writev(l.fd, l.batch)
	if err != nil || n < want {
		zlog.Error("Application log write failed", "file", l.cfg.AppLogFile())
		l.metrics.App.AppLogWriteError.Add(uint64(count))
		unix.Close(l.fd)
		l.fd = -1
		l.nextOpenTime = time.Time{}
	}
}
