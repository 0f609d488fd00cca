package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Dir serves files under a root directory on disk.
type Dir struct {
	root string
}

// NewDir returns a transport rooted at root.
func NewDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve source root %s: %w", root, err)
	}
	return &Dir{root: abs}, nil
}

// Type returns the transport type
func (d *Dir) Type() string {
	return "file"
}

// Root returns the absolute root directory.
func (d *Dir) Root() string { return d.root }

// Resolve maps a normalized path to its file on disk.
func (d *Dir) Resolve(p string) string {
	return filepath.Join(d.root, filepath.FromSlash(relative(p)))
}

// Rel maps a file on disk back to a normalized path. It reports false for
// files outside the root.
func (d *Dir) Rel(file string) (string, bool) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(d.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return clean(filepath.ToSlash(rel)), true
}

// Fetch reads the file for p.
func (d *Dir) Fetch(ctx context.Context, p string) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file := d.Resolve(p)
	text, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(p)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}

	return &Source{
		Path:   p,
		Text:   text,
		Digest: contentDigest("file", text),
		Origin: "file://" + file,
	}, nil
}
