package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	hotcue "github.com/chazu/hotload/cue"
)

// EnvPrefix prefixes environment overrides, e.g. HOTLOAD_ENTRY or
// HOTLOAD_WATCH_DEBOUNCE.
const EnvPrefix = "HOTLOAD"

// LoadOptions select the configuration file.
type LoadOptions struct {
	// ConfigFilePath is a CUE file. Empty means defaults plus environment.
	ConfigFilePath string
}

// Load reads the configuration file, applies environment overrides on top
// and validates the result.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := newViper()
	if opts.ConfigFilePath != "" {
		if err := loadCUEIntoViper(v, opts.ConfigFilePath); err != nil {
			return nil, fmt.Errorf("load configuration %s: %w", opts.ConfigFilePath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultConfig()
	v.SetDefault("baseDir", defaults.BaseDir)
	v.SetDefault("caseInsensitive", defaults.CaseInsensitive)
	v.SetDefault("entry", defaults.Entry)
	v.SetDefault("mounts", defaults.Mounts)
	v.SetDefault("watch.enabled", defaults.Watch.Enabled)
	v.SetDefault("watch.patterns", defaults.Watch.Patterns)
	v.SetDefault("watch.ignore", defaults.Watch.Ignore)
	v.SetDefault("watch.debounce", defaults.Watch.Debounce)
	v.SetDefault("syncInterval", defaults.SyncInterval)
	v.SetDefault("refetchConcurrency", defaults.RefetchConcurrency)
	v.SetDefault("metricsBindAddress", defaults.MetricsBindAddress)
	v.SetDefault("cacheDir", defaults.CacheDir)
	v.SetDefault("development", defaults.Development)
	v.SetDefault("hostExtensions", defaults.HostExtensions)
	v.SetDefault("moduleExtensions", defaults.ModuleExtensions)
	return v
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config
// schema, and merges its contents into Viper.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	configMap, err := decodeCUE(data, path)
	if err != nil {
		return err
	}

	// Merge into Viper (preserves defaults, allows env overrides)
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

func decodeCUE(data []byte, filename string) (map[string]any, error) {
	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(hotcue.ConfigSchema)
	if schemaValue.Err() != nil {
		return nil, fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(filename))
	if userValue.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, userValue.Err())
	}

	// Unify with schema to validate against #Config definition
	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return configMap, nil
}
