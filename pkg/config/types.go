// Package config loads hotload configuration using Viper with CUE as the
// file format. Files are validated against the #Config schema embedded in
// the cue package; HOTLOAD_* environment variables override file values.
package config

import (
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/multierr"
)

// MountType selects the transport serving a mount.
type MountType string

const (
	// MountDir serves files from a local directory.
	MountDir MountType = "dir"
	// MountGit serves files from a Git checkout.
	MountGit MountType = "git"
	// MountOCI serves files from an OCI artifact.
	MountOCI MountType = "oci"
	// MountEmbedded serves the standard modules bundled with the binary.
	MountEmbedded MountType = "embedded"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the runtime configuration.
type Config struct {
	// BaseDir resolves bare import specifiers and relative paths.
	BaseDir         string `mapstructure:"baseDir"`
	CaseInsensitive bool   `mapstructure:"caseInsensitive"`

	// Entry is the module fetched at startup.
	Entry string `mapstructure:"entry"`

	Mounts []Mount     `mapstructure:"mounts"`
	Watch  WatchConfig `mapstructure:"watch"`

	// SyncInterval polls Git and OCI mounts for new content. Zero disables
	// polling.
	SyncInterval time.Duration `mapstructure:"syncInterval"`

	RefetchConcurrency int    `mapstructure:"refetchConcurrency"`
	MetricsBindAddress string `mapstructure:"metricsBindAddress"`

	// CacheDir holds Git checkouts and the blob cache.
	CacheDir string `mapstructure:"cacheDir"`

	Development bool `mapstructure:"development"`

	HostExtensions   []string `mapstructure:"hostExtensions"`
	ModuleExtensions []string `mapstructure:"moduleExtensions"`
}

// Mount attaches a transport under a path prefix.
type Mount struct {
	Prefix      string      `mapstructure:"prefix"`
	Type        MountType   `mapstructure:"type"`
	Ref         string      `mapstructure:"ref"`
	Credentials Credentials `mapstructure:"credentials"`
	PlainHTTP   bool        `mapstructure:"plainHTTP"`
}

// Credentials authenticate Git and OCI mounts.
type Credentials struct {
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Token      string `mapstructure:"token"`
	SSHKeyFile string `mapstructure:"sshKeyFile"`
	Passphrase string `mapstructure:"passphrase"`
}

// WatchConfig controls the file watcher used for hot reload.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Patterns []string      `mapstructure:"patterns"`
	Ignore   []string      `mapstructure:"ignore"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		BaseDir: "/",
		Mounts: []Mount{
			{Prefix: "/", Type: MountDir, Ref: "."},
		},
		Watch: WatchConfig{
			Patterns: []string{"**/*.cue", "**/*.hcl"},
			Ignore:   []string{"**/.git/**"},
			Debounce: 100 * time.Millisecond,
		},
		RefetchConcurrency: 8,
		MetricsBindAddress: "0",
		HostExtensions:     []string{".so"},
		ModuleExtensions:   []string{".cue", ".hcl", ""},
	}
}

// Validate checks the constraints the schema cannot express and reports
// every violation.
func (c *Config) Validate() error {
	var errs error
	if c.RefetchConcurrency < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%w: refetchConcurrency must be at least 1", ErrInvalidConfig))
	}
	if c.Watch.Debounce < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: watch.debounce must not be negative", ErrInvalidConfig))
	}
	if c.SyncInterval < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: syncInterval must not be negative", ErrInvalidConfig))
	}

	seen := make(map[string]int)
	for i, m := range c.Mounts {
		if err := m.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("mounts[%d]: %w", i, err))
			continue
		}
		prefix := path.Clean(m.Prefix)
		if first, ok := seen[prefix]; ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: mounts[%d]: prefix %q already mounted by mounts[%d]", ErrInvalidConfig, i, m.Prefix, first))
			continue
		}
		seen[prefix] = i
	}
	return errs
}

// Validate checks a single mount.
func (m Mount) Validate() error {
	if !path.IsAbs(m.Prefix) {
		return fmt.Errorf("%w: prefix %q must start with /", ErrInvalidConfig, m.Prefix)
	}
	switch m.Type {
	case MountDir, MountGit, MountOCI:
		if m.Ref == "" {
			return fmt.Errorf("%w: %s mount %s needs a ref", ErrInvalidConfig, m.Type, m.Prefix)
		}
	case MountEmbedded:
	default:
		return fmt.Errorf("%w: unknown mount type %q", ErrInvalidConfig, m.Type)
	}
	return nil
}
