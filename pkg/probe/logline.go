package probe

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/clusterup/clusterup/pkg/cluster"
)

// LogLine reports ready once a line matching Pattern appears in the
// instance's log file. The file is watched with fsnotify and read
// incrementally, so each Ready call is a cheap flag check once the
// watcher is running.
type LogLine struct {
	// FileKey is the configuration key holding the log file path
	// ("stdout_log" by default).
	FileKey string

	// Pattern is the regular expression the readiness line must match.
	Pattern string

	mu      sync.Mutex
	started bool
	matched bool
	offset  int64
	re      *regexp.Regexp
	watcher *fsnotify.Watcher
	path    string
}

// Ready starts the watcher on first call and reports whether the pattern
// has been observed.
func (p *LogLine) Ready(_ context.Context, target cluster.Target) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.matched {
		return true
	}

	if !p.started {
		key := p.FileKey
		if key == "" {
			key = "stdout_log"
		}
		path, ok := target.ConfigValue(key)
		if !ok {
			return false
		}
		if err := p.start(path); err != nil {
			return false
		}
	}

	// The file may have been written before the watcher attached, or an
	// event may have arrived since the last call.
	p.scanLocked()
	return p.matched
}

func (p *LogLine) Kind() string { return "logline" }

// start compiles the pattern and attaches a watcher to the log file's
// directory (the file itself may not exist yet).
func (p *LogLine) start(path string) error {
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	p.re = re
	p.watcher = watcher
	p.path = path
	p.started = true

	go p.watch(watcher)
	return nil
}

// watch marks the probe matched as soon as an appended chunk contains the
// pattern, so Ready calls need not rescan unchanged files.
func (p *LogLine) watch(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != p.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				p.mu.Lock()
				p.scanLocked()
				done := p.matched
				p.mu.Unlock()
				if done {
					p.Close()
					return
				}
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// scanLocked reads newly appended bytes and checks them for the pattern.
// Single-line readiness messages are assumed; a match split exactly
// across two reads is caught on the next full-line write.
func (p *LogLine) scanLocked() {
	if p.matched || !p.started {
		return
	}

	f, err := os.Open(p.path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(p.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return
	}
	p.offset += int64(len(data))

	if p.re.Match(data) {
		p.matched = true
	}
}

// Close stops the watcher. Safe to call multiple times.
func (p *LogLine) Close() {
	p.mu.Lock()
	w := p.watcher
	p.watcher = nil
	p.mu.Unlock()
	if w != nil {
		w.Close()
	}
}
