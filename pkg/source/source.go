// Package source provides the transports that fetch module source text by
// normalized path. Paths are slash separated and rooted at "/"; each
// transport maps them onto its own storage.
package source

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrNotFound is wrapped by every transport when a path does not exist.
var ErrNotFound = errors.New("source not found")

// Source is the fetched text of one module.
type Source struct {
	// Path is the normalized path the source was requested under.
	Path string

	// Text is the raw module text.
	Text []byte

	// Digest is a content-addressable identifier for Text.
	// For Git: commit SHA plus content hash
	// For OCI: manifest digest plus content hash
	// Otherwise: content hash
	Digest string

	// Origin describes where the text came from, for logging.
	Origin string
}

// Transport fetches module source text.
type Transport interface {
	// Fetch returns the source at path, or an error wrapping ErrNotFound.
	Fetch(ctx context.Context, path string) (*Source, error)

	// Type returns the transport type (for logging and metrics).
	Type() string
}

// Syncer is implemented by transports backed by a remote that can move,
// such as a Git branch or an OCI tag. Sync refreshes the local view and
// returns the normalized paths whose content changed.
type Syncer interface {
	Sync(ctx context.Context) ([]string, error)
}

// Credentials authenticate against Git remotes and OCI registries.
type Credentials struct {
	Username string
	Password string
	// Token is sent as a bearer token to registries and as a basic-auth
	// password to Git hosts.
	Token string
	// SSHKey is a PEM private key for Git over SSH.
	SSHKey     []byte
	Passphrase string
}

func notFound(p string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, p)
}

func contentDigest(prefix string, text []byte) string {
	return fmt.Sprintf("%s:%x", prefix, xxhash.Sum64(text))
}

// clean returns p as a rooted, slash-cleaned path.
func clean(p string) string {
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

// relative strips the leading slash so p can index an fs.FS or a bundle.
func relative(p string) string {
	return strings.TrimPrefix(clean(p), "/")
}
