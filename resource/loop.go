package resource

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"

	"github.com/G5unit/ripples/channel"
	"github.com/G5unit/ripples/metrics"
)

// Acknowledgment barrier timing: shards are polled every microsecond; a
// shard not acknowledging within ten seconds means its loop blocked, which
// must not happen, and the process exits.
const (
	ackPollStep = time.Microsecond
	ackWaitMax  = 10 * time.Second
)

// Loop is the resource worker.
type Loop struct {
	resources []*Resource

	// shardChannels has one control channel per shard.
	shardChannels []*channel.Control
	appLog        *channel.Log
	metrics       *metrics.Metrics

	msgIDBase uint64
}

// NewLoop returns a resource worker over the canonical resource list.
func NewLoop(resources []*Resource, shardChannels []*channel.Control,
	appLog *channel.Log, m *metrics.Metrics) *Loop {
	return &Loop{
		resources:     resources,
		shardChannels: shardChannels,
		appLog:        appLog,
		metrics:       m,
	}
}

func (l *Loop) logApp(msg string, fatal bool) {
	if l.appLog.Send(&channel.LogMsg{Msg: msg, Fatal: fatal}) != nil {
		l.metrics.App.AppLogWriteError.Add(1)
	}
}

// Run checks each resource on its schedule, publishing changed artifacts
// to every shard and releasing the previous artifact only after the full
// acknowledgment barrier. It blocks forever; callers run it on its own
// goroutine.
//
// An fsnotify watcher on the resource directories wakes the loop ahead of
// schedule when something in them changes; the stat based check remains
// authoritative, the watcher only trims detection latency.
func (l *Loop) Run() {
	wake := make(chan struct{}, 1)
	l.watch(wake)

	for {
		now := time.Now()
		next := now.Add(10 * time.Second)

		for _, r := range l.resources {
			if now.Before(r.nextCheck) {
				if r.nextCheck.Before(next) {
					next = r.nextCheck
				}
				continue
			}

			l.checkOne(r)

			r.nextCheck = time.Now().Add(r.UpdateFreq)
			if r.nextCheck.Before(next) {
				next = r.nextCheck
			}
		}

		wait := time.Until(next)
		if wait <= 0 {
			continue
		}
		select {
		case <-wake:
		case <-time.After(wait):
		}
	}
}

// checkOne runs one check/load/publish cycle for r.
func (l *Loop) checkOne(r *Resource) {
	artifact, changed, err := r.CheckLoad(r)
	if err != nil {
		l.logApp(fmt.Sprintf("Error loading resource %q: %v", r.Name, err), false)
		l.metrics.App.ResourceReloadError.Add(1)
		return
	}
	if !changed {
		return
	}

	r.incoming = artifact
	if !l.publish(r, artifact) {
		// Fatal was already logged; the application log worker exits
		// the process once the message is written.
		return
	}

	// Every shard switched; the old artifact has no readers left.
	r.current = r.incoming
	r.incoming = nil

	zlog.Info("Resource updated", "name", r.Name, "file", r.Filepath)
}

// publish broadcasts the artifact to every shard, then spins on the
// acknowledgment barrier.
func (l *Loop) publish(r *Resource, artifact any) bool {
	acked := make([]bool, len(l.shardChannels))
	for _, ch := range l.shardChannels {
		msg := &channel.Msg{
			ID:   channel.NextMsgID(&l.msgIDBase),
			Op:   channel.OpSetResource,
			Data: artifact,
		}
		if err := ch.Send(msg); err != nil {
			// Capacity two with one outstanding transaction per
			// direction; a full queue is an impossible state.
			panic("resource: control channel full")
		}
	}

	deadline := time.Now().Add(ackWaitMax)
	for {
		if l.allAcked(acked) {
			return true
		}
		if time.Now().After(deadline) {
			l.logApp(fmt.Sprintf("Shard resource update timed out (10s) for "+
				"resource %q", r.Name), true)
			return false
		}
		time.Sleep(ackPollStep)
	}
}

func (l *Loop) allAcked(acked []bool) bool {
	for i, ch := range l.shardChannels {
		if acked[i] {
			continue
		}
		msg := ch.RecvReply()
		if msg == nil {
			return false
		}
		msg.Data = nil
		acked[i] = true
	}
	return true
}

// watch wires fsnotify on the resource directories. Watch failures are
// logged and ignored; the periodic stat still covers detection.
func (l *Loop) watch(wake chan<- struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zlog.Error("Resource watcher create failed", "error", err.Error())
		return
	}

	dirs := make(map[string]bool)
	for _, r := range l.resources {
		dir := filepath.Dir(r.Filepath)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			zlog.Error("Resource watcher add failed", "dir", dir, "error", err.Error())
			continue
		}
		dirs[dir] = true
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				for _, r := range l.resources {
					if filepath.Base(event.Name) == filepath.Base(r.Filepath) {
						r.nextCheck = time.Time{}
						select {
						case wake <- struct{}{}:
						default:
						}
						break
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				zlog.Error("Resource watcher error", "error", err.Error())
			}
		}
	}()
}
