// Package watch reports video files that appear in watched directories once
// they stop changing.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"vidpano/internal/fsutil"
)

// Event is a video that has been created or rewritten and then left alone
// for the settle delay.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // created, modified
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// Watcher monitors directories for new videos.
type Watcher struct {
	watcher *fsnotify.Watcher
	dirs    []string
	settle  time.Duration
	log     *slog.Logger

	// Ready receives settled videos. It is closed when Run returns.
	Ready chan Event
}

type pending struct {
	op   string
	last time.Time
}

// New creates a watcher over dirs. A file is reported once no write has
// touched it for settle.
func New(dirs []string, settle time.Duration, log *slog.Logger) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("watch: no directories given")
	}
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	return &Watcher{
		watcher: fw,
		dirs:    dirs,
		settle:  settle,
		log:     log,
		Ready:   make(chan Event, 16),
	}, nil
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.Ready)
	defer w.watcher.Close()

	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.log.Info("watching directory", "dir", dir, "settle", w.settle)
	}

	tick := max(w.settle/4, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	seen := make(map[string]pending)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !interesting(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				seen[ev.Name] = pending{op: "created", last: time.Now()}
			case ev.Has(fsnotify.Write):
				p, ok := seen[ev.Name]
				if !ok {
					p.op = "modified"
				}
				p.last = time.Now()
				seen[ev.Name] = p
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				delete(seen, ev.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case now := <-ticker.C:
			for path, p := range seen {
				if now.Sub(p.last) < w.settle {
					continue
				}
				delete(seen, path)
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				ev := Event{Path: path, Operation: p.op, Time: now, Size: info.Size()}
				select {
				case w.Ready <- ev:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// interesting reports visible video files.
func interesting(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	return fsutil.IsVideoFile(path)
}
