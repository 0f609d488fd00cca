package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/chazu/hotload/pkg/source"
)

func newDir(t *testing.T) *source.Dir {
	t.Helper()
	d, err := source.NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func write(t *testing.T, d *source.Dir, p, content string) {
	t.Helper()
	file := d.Resolve(p)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

// start runs w in the background and stops it when the test ends.
func start(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})
}

func TestWatcherDebounce(t *testing.T) {
	d := newDir(t)

	var (
		mu    sync.Mutex
		calls [][]string
	)
	done := make(chan struct{})

	w, err := New(Config{
		Dir:      d,
		Prefix:   "/app",
		Patterns: []string{"**/*.cue"},
		Debounce: 150 * time.Millisecond,
		OnChange: func(_ context.Context, paths []string) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, paths)
			if len(calls) == 1 {
				close(done)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	start(t, w)

	for _, p := range []string{"/a.cue", "/b.cue", "/a.cue", "/notes.txt"} {
		write(t, d, p, "x: 1")
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
	// Allow a second, unexpected callback to surface.
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("callback fired %d times, want 1: %v", len(calls), calls)
	}
	if want := []string{"/app/a.cue", "/app/b.cue"}; !slices.Equal(calls[0], want) {
		t.Errorf("changed = %v, want %v", calls[0], want)
	}
}

func TestWatcherNewDirectory(t *testing.T) {
	d := newDir(t)
	got := make(chan []string, 4)

	w, err := New(Config{
		Dir:      d,
		Debounce: 50 * time.Millisecond,
		OnChange: func(_ context.Context, paths []string) error {
			got <- paths
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	start(t, w)

	if err := os.Mkdir(d.Resolve("/lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Let the create event register the new directory before writing into it.
	time.Sleep(200 * time.Millisecond)
	write(t, d, "/lib/x.hcl", "x = 1")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case paths := <-got:
			if slices.Contains(paths, "/lib/x.hcl") {
				return
			}
		case <-deadline:
			t.Fatal("change in a new directory was not reported")
		}
	}
}

func TestModulePath(t *testing.T) {
	d := newDir(t)
	w, err := New(Config{
		Dir:      d,
		Prefix:   "/mods",
		Patterns: []string{"**/*.cue", "*.hcl"},
		Ignore:   []string{"vendor/**"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = w.fsw.Close() })

	tests := []struct {
		file string
		want string
		ok   bool
	}{
		{"a.cue", "/mods/a.cue", true},
		{"deep/b.cue", "/mods/deep/b.cue", true},
		{"top.hcl", "/mods/top.hcl", true},
		{"deep/nested.hcl", "", false},
		{"vendor/v.cue", "", false},
		{".git/HEAD", "", false},
		{"a.cue.swp", "", false},
		{"../outside.cue", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			got, ok := w.modulePath(filepath.Join(d.Root(), filepath.FromSlash(tt.file)))
			if got != tt.want || ok != tt.ok {
				t.Errorf("modulePath(%s) = (%q, %v), want (%q, %v)", tt.file, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRootPrefix(t *testing.T) {
	d := newDir(t)
	w, err := New(Config{Dir: d})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = w.fsw.Close() })

	if got, ok := w.modulePath(filepath.Join(d.Root(), "x", "y.cue")); !ok || got != "/x/y.cue" {
		t.Errorf("modulePath() = (%q, %v)", got, ok)
	}
	if _, ok := w.modulePath(d.Root()); ok {
		t.Error("the mount root itself mapped to a module path")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	d := newDir(t)
	tests := map[string]Config{
		"no dir":      {},
		"bad pattern": {Dir: d, Patterns: []string{"[unclosed"}},
		"bad ignore":  {Dir: d, Ignore: []string{"{a,b"}},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := New(cfg); err == nil {
				t.Error("New() succeeded")
			}
		})
	}
}

func TestRunTwice(t *testing.T) {
	w, err := New(Config{Dir: newDir(t)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	start(t, w)
	// Give the first Run a moment to claim the watcher.
	time.Sleep(20 * time.Millisecond)

	if err := w.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
}
