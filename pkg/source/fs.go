package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	hotcue "github.com/chazu/hotload/cue"
)

// FS serves files from an fs.FS, typically an embed.FS bundled with the
// binary.
type FS struct {
	fsys fs.FS
	name string
}

// NewFS returns a transport over fsys. name appears in Source.Origin.
func NewFS(fsys fs.FS, name string) *FS {
	return &FS{fsys: fsys, name: name}
}

// Embedded returns the transport over the standard modules shipped with
// hotload. It is normally mounted at /std.
func Embedded() (*FS, error) {
	sub, err := fs.Sub(hotcue.StdFS, hotcue.StdDir)
	if err != nil {
		return nil, fmt.Errorf("open embedded modules: %w", err)
	}
	return NewFS(sub, "embedded"), nil
}

// Type returns the transport type
func (f *FS) Type() string {
	return "embedded"
}

// Fetch reads p from the file system.
func (f *FS) Fetch(ctx context.Context, p string) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := relative(p)
	if name == "" {
		return nil, notFound(p)
	}
	text, err := fs.ReadFile(f.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(p)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s from %s: %w", name, f.name, err)
	}

	return &Source{
		Path:   p,
		Text:   text,
		Digest: contentDigest(f.name, text),
		Origin: fmt.Sprintf("%s://%s", f.name, name),
	}, nil
}

// List returns every non-hidden file as a normalized path.
func (f *FS) List() ([]string, error) {
	var paths []string
	err := fs.WalkDir(f.fsys, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name != "." && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		paths = append(paths, clean(name))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", f.name, err)
	}
	return paths, nil
}
