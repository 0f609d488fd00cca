// Package watch turns file system events under a directory mount into
// registry invalidations.
//
// Events matching the configured glob patterns are collected until the
// debounce window closes; the callback then receives the changed files as
// module paths under the mount prefix.
package watch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/chazu/hotload/pkg/source"
)

const defaultDebounce = 100 * time.Millisecond

// defaultIgnores are always excluded regardless of configured patterns.
var defaultIgnores = []string{
	"**/.git/**",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.DS_Store",
}

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("watch: Run called more than once")

// Config holds the parameters for a Watcher.
type Config struct {
	// Dir is the directory mount being watched.
	Dir *source.Dir

	// Prefix is the mount prefix Dir is served under. Defaults to "/".
	Prefix string

	// Patterns select which files trigger callbacks, relative to the Dir
	// root. Empty watches every non-ignored file.
	Patterns []string

	// Ignore extends the built-in ignore patterns.
	Ignore []string

	// Debounce is the quiet period after the last event before the callback
	// fires. Zero or negative means 100ms.
	Debounce time.Duration

	// OnChange receives the deduplicated, sorted module paths that changed.
	OnChange func(ctx context.Context, paths []string) error

	Logger logr.Logger
}

// Watcher monitors a directory mount. Run must be called exactly once.
type Watcher struct {
	cfg      Config
	fsw      *fsnotify.Watcher
	ignores  []string
	debounce time.Duration
	root     string
	prefix   string
	log      logr.Logger
	started  atomic.Bool
}

// New validates cfg and registers every non-ignored directory under the
// mount root.
func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == nil {
		return nil, fmt.Errorf("watch: no directory given")
	}
	if err := validatePatterns(cfg.Patterns, "watch"); err != nil {
		return nil, err
	}
	if err := validatePatterns(cfg.Ignore, "ignore"); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "/"
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		ignores:  slices.Concat(defaultIgnores, cfg.Ignore),
		debounce: debounce,
		root:     cfg.Dir.Root(),
		prefix:   prefix,
		log:      log.WithName("watch").WithValues("prefix", prefix),
	}
	if err := w.addDirectories(); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes events until ctx is done. It returns nil on cancellation
// and an error if the underlying watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		running atomic.Bool
	)

	// fire skips if a previous callback is still running and re-arms the
	// timer so the pending set is not lost.
	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !running.CompareAndSwap(false, true) {
			w.log.V(1).Info("previous reload still running, deferring")
			mu.Lock()
			if timer != nil {
				timer.Reset(w.debounce)
			}
			mu.Unlock()
			return
		}
		defer running.Store(false)

		mu.Lock()
		if len(pending) == 0 {
			mu.Unlock()
			return
		}
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()

		w.log.V(1).Info("files changed", "paths", changed)
		if w.cfg.OnChange != nil {
			if err := w.cfg.OnChange(ctx, changed); err != nil {
				w.log.Error(err, "reload callback failed")
			}
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			w.log.Error(err, "close fsnotify")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watch: fsnotify event channel closed unexpectedly")
			}
			if evt.Has(fsnotify.Create) {
				w.maybeAddDir(evt.Name)
			}

			p, ok := w.modulePath(evt.Name)
			if !ok {
				continue
			}

			mu.Lock()
			pending[p] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watch: fsnotify error channel closed unexpectedly")
			}
			if isFatalFsnotifyError(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.log.Error(err, "fsnotify error")
		}
	}
}

// modulePath maps a file event to the module path it invalidates, or
// reports false if the file is ignored or matches no pattern.
func (w *Watcher) modulePath(file string) (string, bool) {
	rel, ok := w.cfg.Dir.Rel(file)
	if !ok {
		return "", false
	}
	// Patterns are relative to the root, without the leading slash.
	match := rel[1:]
	if match == "" || w.isIgnored(match) || !w.matchesPatterns(match) {
		return "", false
	}
	if w.prefix == "/" {
		return rel, true
	}
	return w.prefix + rel, true
}

func (w *Watcher) addDirectories() error {
	err := filepath.WalkDir(w.root, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.log.Info("skipping inaccessible path", "path", p, "error", walkErr.Error())
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignoredDir(p) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", p, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: walk directory tree: %w", err)
	}
	return nil
}

// maybeAddDir extends the watch to directories created after startup.
func (w *Watcher) maybeAddDir(p string) {
	info, err := os.Stat(p)
	if err != nil || !info.IsDir() || w.ignoredDir(p) {
		return
	}
	if err := w.fsw.Add(p); err != nil {
		w.log.Error(err, "add new directory", "path", p)
	}
}

func (w *Watcher) ignoredDir(p string) bool {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	return w.isIgnored(rel) || w.isIgnored(rel+"/")
}

func (w *Watcher) isIgnored(rel string) bool {
	return matchAny(w.ignores, rel)
}

func (w *Watcher) matchesPatterns(rel string) bool {
	return len(w.cfg.Patterns) == 0 || matchAny(w.cfg.Patterns, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if matched, err := doublestar.Match(pat, rel); err == nil && matched {
			return true
		}
	}
	return false
}

func validatePatterns(patterns []string, label string) error {
	for _, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("watch: invalid %s pattern %q: %w", label, pat, doublestar.ErrBadPattern)
		}
	}
	return nil
}
