// Package resource implements the periodic loader that publishes read
// only artifacts to every shard. Change detection is a filesystem stat on
// a per resource schedule, with an fsnotify watcher waking the loop early
// when the file's directory changes. A loaded artifact is broadcast over
// every shard's control channel and the previous artifact is dropped only
// after all shards acknowledge the swap.
package resource

import (
	"fmt"
	"os"
	"time"
)

// CheckLoadFunc checks a resource for change and, when changed, loads and
// transforms it into a consumable artifact. Returns (artifact, true) on
// change, (nil, false) when unchanged, or an error.
type CheckLoadFunc func(r *Resource) (any, bool, error)

// Resource describes one file backed artifact.
type Resource struct {
	Name     string
	Filepath string

	// UpdateFreq is how often to check the file for change.
	UpdateFreq time.Duration

	// CheckLoad detects change and builds the artifact.
	CheckLoad CheckLoadFunc

	// changeTime is the file change time of the currently loaded
	// artifact.
	changeTime time.Time

	// current is the artifact all shards reference; it is replaced only
	// after every shard acknowledged the incoming one.
	current  any
	incoming any

	nextCheck time.Time
}

// statChanged stats the resource file and reports whether its change time
// moved since the current artifact was loaded.
func statChanged(r *Resource) (os.FileInfo, bool, error) {
	fi, err := os.Stat(r.Filepath)
	if err != nil {
		return nil, false, fmt.Errorf("resource file %s: %w", r.Name, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, false, fmt.Errorf("resource file %s: not a regular file", r.Name)
	}
	if fi.ModTime().Equal(r.changeTime) {
		return fi, false, nil
	}
	return fi, true, nil
}

// RawFileCheckLoad loads the resource file as raw bytes when it changed.
func RawFileCheckLoad(r *Resource) (any, bool, error) {
	fi, changed, err := statChanged(r)
	if err != nil || !changed {
		return nil, false, err
	}
	data, err := os.ReadFile(r.Filepath)
	if err != nil {
		return nil, false, fmt.Errorf("resource file %s: %w", r.Name, err)
	}
	r.changeTime = fi.ModTime()
	return data, true, nil
}

// ZoneCheckLoad returns a CheckLoadFunc that parses the file with parse
// when it changed.
func ZoneCheckLoad(parse func(data []byte) (any, error)) CheckLoadFunc {
	return func(r *Resource) (any, bool, error) {
		fi, changed, err := statChanged(r)
		if err != nil || !changed {
			return nil, false, err
		}
		data, err := os.ReadFile(r.Filepath)
		if err != nil {
			return nil, false, fmt.Errorf("resource file %s: %w", r.Name, err)
		}
		artifact, err := parse(data)
		if err != nil {
			return nil, false, fmt.Errorf("resource file %s: %w", r.Name, err)
		}
		r.changeTime = fi.ModTime()
		return artifact, true, nil
	}
}
