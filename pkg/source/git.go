package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-logr/logr"
)

// GitRef contains parsed Git reference information
type GitRef struct {
	URL  string
	Ref  string // branch, tag, or commit SHA
	Path string // subdirectory served as the transport root
}

// GitOptions configure a Git transport.
type GitOptions struct {
	// WorkDir holds checkouts. Defaults to the system temp dir.
	WorkDir     string
	Credentials *Credentials
	Cache       *DiskCache
	Logger      logr.Logger
}

// Git serves files from a checkout of a Git repository. Sync fetches the
// current head of the ref and reports the files that changed.
type Git struct {
	ref     *GitRef
	auth    transport.AuthMethod
	workDir string
	cache   *DiskCache
	log     logr.Logger

	mu   sync.RWMutex
	dir  string
	repo *git.Repository
	head plumbing.Hash
}

// NewGit returns a transport for ref, in the form
// https://host/org/repo.git?ref=main&path=modules. The repository is cloned
// on first Fetch.
func NewGit(ref string, opts GitOptions) (*Git, error) {
	gitRef, err := parseGitRef(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid Git reference: %w", err)
	}
	auth, err := gitAuth(opts.Credentials)
	if err != nil {
		return nil, fmt.Errorf("git auth: %w", err)
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}

	return &Git{
		ref:     gitRef,
		auth:    auth,
		workDir: opts.WorkDir,
		cache:   opts.Cache,
		log:     opts.Logger.WithName("git").WithValues("url", gitRef.URL),
	}, nil
}

// Type returns the transport type
func (g *Git) Type() string {
	return "git"
}

// Head returns the checked out commit, or the zero hash before the first
// clone.
func (g *Git) Head() plumbing.Hash {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.head
}

// Fetch returns p from the checkout, cloning on first use.
func (g *Git) Fetch(ctx context.Context, p string) (*Source, error) {
	if err := g.ensure(ctx); err != nil {
		return nil, err
	}

	// Hold the read lock so Sync cannot remove the checkout mid-read.
	g.mu.RLock()
	defer g.mu.RUnlock()
	dir, head := g.dir, g.head.String()

	name := relative(p)
	cacheKey := fmt.Sprintf("git:%s:%s:%s", g.ref.URL, head, filepath.ToSlash(filepath.Join(g.ref.Path, name)))
	if g.cache != nil {
		if cached, err := g.cache.Get(cacheKey); err == nil {
			return g.source(p, cached, head), nil
		}
	}

	text, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(g.ref.Path), filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(p)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s at %s: %w", name, head, err)
	}

	if g.cache != nil {
		if err := g.cache.Set(cacheKey, text); err != nil {
			g.log.Error(err, "failed to cache file", "path", p)
		}
	}
	return g.source(p, text, head), nil
}

func (g *Git) source(p string, text []byte, head string) *Source {
	return &Source{
		Path:   p,
		Text:   text,
		Digest: contentDigest("git:"+head, text),
		Origin: fmt.Sprintf("git://%s@%s", g.ref.URL, head[:7]),
	}
}

func (g *Git) ensure(ctx context.Context) error {
	g.mu.RLock()
	ready := g.repo != nil
	g.mu.RUnlock()
	if ready {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.repo != nil {
		return nil
	}
	dir, repo, head, err := g.clone(ctx)
	if err != nil {
		return err
	}
	g.dir, g.repo, g.head = dir, repo, head
	return nil
}

// Sync clones the ref again and, if its head moved, swaps the checkout and
// returns the paths under the served subdirectory that changed.
func (g *Git) Sync(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.repo == nil {
		dir, repo, head, err := g.clone(ctx)
		if err != nil {
			return nil, err
		}
		g.dir, g.repo, g.head = dir, repo, head
		return nil, nil
	}

	dir, repo, head, err := g.clone(ctx)
	if err != nil {
		return nil, err
	}
	if head == g.head {
		os.RemoveAll(dir)
		return nil, nil
	}

	changed, err := g.diff(g.repo, g.head, repo, head)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	g.log.Info("ref moved", "from", g.head.String(), "to", head.String(), "changed", len(changed))
	os.RemoveAll(g.dir)
	g.dir, g.repo, g.head = dir, repo, head
	return changed, nil
}

// Close removes the checkout.
func (g *Git) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dir == "" {
		return nil
	}
	err := os.RemoveAll(g.dir)
	g.dir, g.repo, g.head = "", nil, plumbing.ZeroHash
	return err
}

func (g *Git) clone(ctx context.Context) (string, *git.Repository, plumbing.Hash, error) {
	dir, err := os.MkdirTemp(g.workDir, "hotload-git-*")
	if err != nil {
		return "", nil, plumbing.ZeroHash, fmt.Errorf("create checkout dir: %w", err)
	}
	fail := func(err error) (string, *git.Repository, plumbing.Hash, error) {
		os.RemoveAll(dir)
		return "", nil, plumbing.ZeroHash, err
	}

	opts := &git.CloneOptions{
		URL:      g.ref.URL,
		Auth:     g.auth,
		Depth:    1,
		Progress: io.Discard,
	}
	sha := isCommitSHA(g.ref.Ref)
	if g.ref.Ref != "" {
		if sha {
			// A specific commit needs full history.
			opts.Depth = 0
		} else {
			opts.ReferenceName = plumbing.NewBranchReferenceName(g.ref.Ref)
			opts.SingleBranch = true
		}
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil && g.ref.Ref != "" && !sha {
		// Not a branch; try it as a tag.
		os.RemoveAll(dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(err)
		}
		opts.ReferenceName = plumbing.NewTagReferenceName(g.ref.Ref)
		repo, err = git.PlainCloneContext(ctx, dir, false, opts)
	}
	if err != nil {
		return fail(fmt.Errorf("clone %s: %w", g.ref.URL, err))
	}

	if sha {
		hash, err := repo.ResolveRevision(plumbing.Revision(g.ref.Ref))
		if err != nil {
			return fail(fmt.Errorf("resolve revision %s: %w", g.ref.Ref, err))
		}
		wt, err := repo.Worktree()
		if err != nil {
			return fail(fmt.Errorf("worktree: %w", err))
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash}); err != nil {
			return fail(fmt.Errorf("checkout %s: %w", hash, err))
		}
	}

	head, err := repo.Head()
	if err != nil {
		return fail(fmt.Errorf("read HEAD: %w", err))
	}
	return dir, repo, head.Hash(), nil
}

// diff compares the trees of two commits, possibly from different clones.
func (g *Git) diff(oldRepo *git.Repository, oldHead plumbing.Hash, newRepo *git.Repository, newHead plumbing.Hash) ([]string, error) {
	oldTree, err := commitTree(oldRepo, oldHead)
	if err != nil {
		return nil, err
	}
	newTree, err := commitTree(newRepo, newHead)
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTree(oldTree, newTree)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	seen := make(map[string]struct{})
	for _, ch := range changes {
		for _, name := range []string{ch.From.Name, ch.To.Name} {
			if p, ok := g.served(name); ok {
				seen[p] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}

// served maps a repository path to a normalized path under ref.Path.
func (g *Git) served(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if g.ref.Path == "" {
		return clean(name), true
	}
	prefix := strings.Trim(g.ref.Path, "/") + "/"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	return clean(strings.TrimPrefix(name, prefix)), true
}

func commitTree(repo *git.Repository, hash plumbing.Hash) (*object.Tree, error) {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree of %s: %w", hash, err)
	}
	return tree, nil
}

func isCommitSHA(ref string) bool {
	if len(ref) != 40 && len(ref) != 7 {
		return false
	}
	for _, r := range ref {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// parseGitRef parses a Git reference string
// Format: https://github.com/org/repo.git?ref=v1.0.0&path=modules
func parseGitRef(ref string) (*GitRef, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("git URL %q has no scheme", ref)
	}

	query := u.Query()
	u.RawQuery = ""
	cleanURL := u.String()
	if !strings.HasSuffix(cleanURL, ".git") && u.Scheme != "file" {
		cleanURL += ".git"
	}

	return &GitRef{
		URL:  cleanURL,
		Ref:  query.Get("ref"),
		Path: strings.Trim(query.Get("path"), "/"),
	}, nil
}

// gitAuth builds Git authentication from credentials
func gitAuth(creds *Credentials) (transport.AuthMethod, error) {
	switch {
	case creds == nil:
		return nil, nil
	case len(creds.SSHKey) > 0:
		keys, err := ssh.NewPublicKeys("git", creds.SSHKey, creds.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("parse SSH key: %w", err)
		}
		return keys, nil
	case creds.Token != "":
		return &http.BasicAuth{Username: "x-access-token", Password: creds.Token}, nil
	case creds.Username != "":
		return &http.BasicAuth{Username: creds.Username, Password: creds.Password}, nil
	default:
		return nil, fmt.Errorf("credentials carry no SSH key, token or username")
	}
}
