package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/chazu/hotload/pkg/source"
)

// StdPrefix is where the embedded standard modules are mounted unless the
// configuration mounts something else there.
const StdPrefix = "/std"

// Blob cache limits for Git and OCI mounts
const (
	blobCacheEntries = 1024
	blobCacheTTL     = 7 * 24 * time.Hour
)

// Transport builds the mount table described by c. Relative dir refs are
// resolved against the working directory.
func (c *Config) Transport(log logr.Logger) (*source.Mux, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	mux := source.NewMux()
	var cache *source.DiskCache
	blobCache := func() (*source.DiskCache, error) {
		if cache != nil {
			return cache, nil
		}
		dir, err := c.cacheDir()
		if err != nil {
			return nil, err
		}
		cache, err = source.NewDiskCache(source.DiskCacheOptions{
			Dir:        filepath.Join(dir, "blobs"),
			MaxEntries: blobCacheEntries,
			TTL:        blobCacheTTL,
			Logger:     log,
		})
		return cache, err
	}

	stdMounted := false
	for i, m := range c.Mounts {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("mounts[%d]: %w", i, err)
		}

		var (
			t   source.Transport
			err error
		)
		switch m.Type {
		case MountDir:
			t, err = source.NewDir(m.Ref)

		case MountEmbedded:
			t, err = source.Embedded()

		case MountGit:
			var creds *source.Credentials
			if creds, err = m.Credentials.source(); err != nil {
				break
			}
			var dc *source.DiskCache
			if dc, err = blobCache(); err != nil {
				break
			}
			dir, _ := c.cacheDir()
			t, err = source.NewGit(m.Ref, source.GitOptions{
				WorkDir:     filepath.Join(dir, "git"),
				Credentials: creds,
				Cache:       dc,
				Logger:      log,
			})

		case MountOCI:
			var creds *source.Credentials
			if creds, err = m.Credentials.source(); err != nil {
				break
			}
			var dc *source.DiskCache
			if dc, err = blobCache(); err != nil {
				break
			}
			t, err = source.NewOCI(m.Ref, source.OCIOptions{
				PlainHTTP:   m.PlainHTTP,
				Credentials: creds,
				Cache:       dc,
				Logger:      log,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("mount %s (%s): %w", m.Prefix, m.Type, err)
		}

		prefix := path.Clean(m.Prefix)
		if prefix == StdPrefix {
			stdMounted = true
		}
		mux.Mount(prefix, t)
		log.V(1).Info("mounted transport", "prefix", prefix, "type", t.Type(), "ref", m.Ref)
	}

	if !stdMounted {
		std, err := source.Embedded()
		if err != nil {
			return nil, err
		}
		mux.Mount(StdPrefix, std)
	}
	return mux, nil
}

func (c *Config) cacheDir() (string, error) {
	if c.CacheDir != "" {
		return c.CacheDir, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(dir, "hotload"), nil
}

// source converts file credentials, reading the SSH key if one is named.
func (c Credentials) source() (*source.Credentials, error) {
	if c == (Credentials{}) {
		return nil, nil
	}
	creds := &source.Credentials{
		Username:   c.Username,
		Password:   c.Password,
		Token:      c.Token,
		Passphrase: c.Passphrase,
	}
	if c.SSHKeyFile != "" {
		key, err := os.ReadFile(c.SSHKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		creds.SSHKey = key
	}
	return creds, nil
}
