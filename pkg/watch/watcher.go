// Package watch turns filesystem activity into debounced rebuild triggers
// and keeps a supervised command in sync with the source tree.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultDebounce = 2 * time.Second

// Watcher observes one or more source trees and coalesces bursts of
// filesystem events into single triggers. Every qualifying event pushes the
// quiet-period deadline out, so a trigger fires only once the tree has been
// still for the full debounce window.
type Watcher struct {
	paths    []string
	ignore   []string
	skipDirs []string
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	pending  int
	lastPath string

	triggers chan struct{}
}

type WatcherOptions struct {
	// Paths are the roots to watch, recursively.
	Paths []string
	// Ignore holds extra patterns. Globs apply per path component, plain
	// strings match a component exactly, and patterns containing a
	// separator match against the whole root-relative path.
	Ignore []string
	// SkipDirs are directories whose subtrees never count as changes.
	// Build output lives here so rebuilds cannot retrigger themselves.
	SkipDirs []string
	// Debounce is the quiet period required before a trigger fires.
	Debounce time.Duration
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if len(opts.Paths) == 0 {
		return nil, errors.New("watcher requires at least one path")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	w := &Watcher{
		ignore:   opts.Ignore,
		debounce: opts.Debounce,
		triggers: make(chan struct{}, 1),
	}
	for _, p := range opts.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve watch path %s", p)
		}
		w.paths = append(w.paths, abs)
	}
	for _, d := range opts.SkipDirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve skip dir %s", d)
		}
		w.skipDirs = append(w.skipDirs, abs)
	}
	return w, nil
}

// Triggers delivers one value per settled burst of changes. The channel has
// capacity one: triggers raised while a consumer is busy collapse into a
// single pending delivery.
func (w *Watcher) Triggers() <-chan struct{} {
	return w.triggers
}

// Run blocks watching the configured roots until ctx is cancelled. Watch
// registration errors on the roots themselves are fatal; everything after
// that is logged and skipped.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer func() { _ = fsw.Close() }()

	for _, root := range w.paths {
		if err := w.addDirsRecursive(fsw, root); err != nil {
			return err
		}
	}
	log.Debug().Strs("paths", w.paths).Dur("debounce", w.debounce).Msg("watching for changes")

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if w.ignored(ev.Name) {
		return
	}
	// New directories must join the watch set before their contents change.
	if ev.Op&fsnotify.Create == fsnotify.Create {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = w.addDirsRecursive(fsw, ev.Name)
		}
	}
	log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("change detected")
	w.trigger(ev.Name)
}

// trigger records the event and arms the debounce timer, pushing any pending
// deadline out.
func (w *Watcher) trigger(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending++
	w.lastPath = path
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

// fire drains the coalesced burst into a single trigger delivery.
func (w *Watcher) fire() {
	w.mu.Lock()
	count := w.pending
	last := w.lastPath
	w.pending = 0
	w.lastPath = ""
	w.mu.Unlock()
	if count == 0 {
		return
	}

	log.Info().Int("events", count).Str("last", last).Msg("changes settled")
	select {
	case w.triggers <- struct{}{}:
	default:
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = 0
	w.lastPath = ""
}

func (w *Watcher) addDirsRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return errors.Wrapf(err, "watch %s", root)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			log.Warn().Str("dir", path).Err(err).Msg("watch add failed")
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	clean := filepath.Clean(path)
	for _, dir := range w.skipDirs {
		if clean == dir || strings.HasPrefix(clean, dir+string(filepath.Separator)) {
			return true
		}
	}
	if isEditorNoise(filepath.Base(clean)) {
		return true
	}
	parts := w.relComponents(clean)
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		if strings.HasPrefix(part, ".") {
			return true
		}
		for _, pat := range w.ignore {
			if matchesIgnore(part, pat) {
				return true
			}
		}
	}

	// Separator-bearing patterns match against the whole root-relative path.
	rel := filepath.Join(parts...)
	for _, pat := range w.ignore {
		if !strings.ContainsRune(pat, filepath.Separator) {
			continue
		}
		if ok, err := filepath.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// relComponents returns the path split relative to the first watch root that
// contains it. Components outside every root reduce to the base name so an
// absolute prefix cannot accidentally match an ignore rule.
func (w *Watcher) relComponents(path string) []string {
	for _, root := range w.paths {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return strings.Split(rel, string(filepath.Separator))
	}
	return []string{filepath.Base(path)}
}

func isEditorNoise(base string) bool {
	if strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".swx") {
		return true
	}
	if strings.HasPrefix(base, ".#") ||
		(strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#")) {
		return true
	}
	return base == ".DS_Store" || base == "Thumbs.db"
}

func matchesIgnore(component, pattern string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := filepath.Match(pattern, component)
		return err == nil && ok
	}
	return component == pattern
}
