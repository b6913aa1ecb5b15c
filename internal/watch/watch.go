// Package watch rebuilds a tile index when its directory changes.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"tilescan/internal/pattern"
	"tilescan/internal/series"
)

const defaultDebounce = 500 * time.Millisecond

// Builder constructs a fresh index. Every rebuild is a full rescan.
type Builder func() (*series.Index, error)

// Event reports one rebuild. Index is nil when the rebuild failed, which is normal while
// a directory is still being filled.
type Event struct {
	Time    time.Time       `json:"time"`
	Op      string          `json:"op"`
	Path    string          `json:"path"`
	Summary *series.Summary `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
	Err     error           `json:"-"`
	Index   *series.Index   `json:"-"`
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long the directory must stay quiet before a rebuild.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// Watcher monitors one directory. Changes to files the rule matches schedule a rebuild;
// everything else is ignored.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	rule     *pattern.Rule
	build    Builder
	debounce time.Duration
	log      *slog.Logger
	events   chan Event
}

// New watches dir for files matching pat.
func New(dir, pat string, build Builder, opts ...Option) (*Watcher, error) {
	rule, err := pattern.Compile(pat)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		watcher:  fw,
		dir:      dir,
		rule:     rule,
		build:    build,
		debounce: defaultDebounce,
		log:      slog.Default(),
		events:   make(chan Event, 16),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Events delivers one Event per rebuild. It is closed when Run returns.
func (w *Watcher) Events() <-chan Event { return w.events }

// Run processes filesystem events until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.watcher.Close()

	w.log.Info("watching directory", "dir", w.dir, "pattern", w.rule.Pattern())

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	var pending fsnotify.Event
	armed := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			op := operation(event.Op)
			if op == "" || !w.relevant(event.Name) {
				continue
			}
			w.log.Debug("tile change", "op", op, "path", event.Name)
			pending = event
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			armed = true

		case <-timer.C:
			armed = false
			w.publish(ctx, w.rebuild(pending))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(path string) bool {
	if filepath.Dir(path) != filepath.Clean(w.dir) {
		return false
	}
	_, ok := w.rule.Match(filepath.Base(path))
	return ok
}

func (w *Watcher) rebuild(trigger fsnotify.Event) Event {
	ev := Event{
		Time: time.Now(),
		Op:   operation(trigger.Op),
		Path: trigger.Name,
	}
	idx, err := w.build()
	if err != nil {
		ev.Err = err
		ev.Error = err.Error()
		w.log.Warn("index rebuild failed", "dir", w.dir, "error", err)
		return ev
	}
	summary := idx.Summary()
	ev.Summary = &summary
	ev.Index = idx
	w.log.Info("index rebuilt", "dir", w.dir, "images", idx.NumImages(), "channels", idx.NumChannels())
	return ev
}

func (w *Watcher) publish(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

func operation(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "deleted"
	case op.Has(fsnotify.Rename):
		return "renamed"
	default:
		return ""
	}
}
