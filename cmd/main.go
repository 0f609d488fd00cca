/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/chazu/hotload/internal/watch"
	"github.com/chazu/hotload/pkg/compiler"
	"github.com/chazu/hotload/pkg/config"
	"github.com/chazu/hotload/pkg/environment"
	"github.com/chazu/hotload/pkg/metrics"
	"github.com/chazu/hotload/pkg/registry"
	"github.com/chazu/hotload/pkg/source"
)

// Flags holds the command-line configuration. Set flags override the
// configuration file and environment.
type Flags struct {
	ConfigFile  string
	Entry       string
	Watch       bool
	GraphFile   string
	MetricsAddr string
	Development bool
}

// parseFlags parses command-line flags and returns configuration
func parseFlags() Flags {
	f := Flags{}
	flag.StringVar(&f.ConfigFile, "config", "", "Path to a CUE configuration file.")
	flag.StringVar(&f.Entry, "entry", "", "Module to fetch at startup, e.g. /main.cue.")
	flag.BoolVar(&f.Watch, "watch", false, "Reload modules when files under dir mounts change.")
	flag.StringVar(&f.GraphFile, "graph", "", "Write the import graph in DOT format to this file after loading. Use - for stdout.")
	flag.StringVar(&f.MetricsAddr, "metrics-bind-address", "", "The address the metrics endpoint binds to. "+
		"Use :8080 to serve metrics, or leave as 0 to disable the metrics service.")
	flag.BoolVar(&f.Development, "development", false, "Use human-readable development logging.")
	flag.Parse()
	return f
}

// apply overlays explicitly set flags onto cfg.
func (f Flags) apply(cfg *config.Config) {
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "entry":
			cfg.Entry = f.Entry
		case "watch":
			cfg.Watch.Enabled = f.Watch
		case "metrics-bind-address":
			cfg.MetricsBindAddress = f.MetricsAddr
		case "development":
			cfg.Development = f.Development
		}
	})
}

func newLogger(development bool) (logr.Logger, func(), error) {
	var (
		zl  *zap.Logger
		err error
	)
	if development {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

// serveMetrics serves the hotload registry until ctx is done. "0" or an
// empty address disables it.
func serveMetrics(ctx context.Context, addr string, log logr.Logger) {
	if addr == "" || addr == "0" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(err, "metrics server failed")
	}
}

// newWatchers creates one watcher per dir mount.
func newWatchers(cfg *config.Config, mux *source.Mux, reg *registry.Registry, log logr.Logger) ([]*watch.Watcher, error) {
	var watchers []*watch.Watcher
	for _, m := range cfg.Mounts {
		if m.Type != config.MountDir {
			continue
		}
		prefix := path.Clean(m.Prefix)
		t, _, err := mux.Route(prefix)
		if err != nil {
			return nil, err
		}
		dir, ok := t.(*source.Dir)
		if !ok {
			continue
		}
		w, err := watch.New(watch.Config{
			Dir:      dir,
			Prefix:   prefix,
			Patterns: cfg.Watch.Patterns,
			Ignore:   cfg.Watch.Ignore,
			Debounce: cfg.Watch.Debounce,
			OnChange: watch.Reload(reg, log),
			Logger:   log,
		})
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", prefix, err)
		}
		watchers = append(watchers, w)
	}
	return watchers, nil
}

// syncLoop polls Git and OCI mounts and invalidates what changed.
func syncLoop(ctx context.Context, interval time.Duration, mux *source.Mux, reg *registry.Registry, log logr.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reload := watch.Reload(reg, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		changed, err := mux.Sync(ctx)
		if err != nil {
			log.Error(err, "sync failed")
		}
		if len(changed) == 0 {
			continue
		}
		log.Info("remote modules changed", "paths", changed)
		if err := reload(ctx, changed); err != nil {
			log.Error(err, "reload after sync failed")
		}
	}
}

func writeGraph(env *environment.Environment, file string) error {
	snap, err := env.Graph()
	if err != nil {
		return err
	}
	if file == "-" {
		return snap.DOT(os.Stdout)
	}
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()
	return snap.DOT(f)
}

func run(ctx context.Context, flags Flags, setupLog logr.Logger) error {
	cfg, err := config.Load(ctx, config.LoadOptions{ConfigFilePath: flags.ConfigFile})
	if err != nil {
		return err
	}
	flags.apply(cfg)
	if cfg.Entry == "" {
		return fmt.Errorf("no entry module: pass -entry or set entry in the configuration")
	}

	log, flush, err := newLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer flush()

	mux, err := cfg.Transport(log)
	if err != nil {
		return fmt.Errorf("build transports: %w", err)
	}
	reg := registry.New(registry.Options{
		Base:            cfg.BaseDir,
		CaseInsensitive: cfg.CaseInsensitive,
		Transport:       mux,
		Compiler:        compiler.Default(),
		Logger:          log,
	})

	var host environment.HostLoader
	if t, _, err := mux.Route("/"); err == nil {
		if dir, ok := t.(*source.Dir); ok {
			host = environment.NewPluginHost(dir.Root())
		}
	}
	env := environment.New(environment.Options{
		Name:           "main",
		Registry:       reg,
		HostLoader:     host,
		Kinds:          environment.ExtensionKinds(cfg.ModuleExtensions, cfg.HostExtensions),
		MaxConcurrency: cfg.RefetchConcurrency,
		Logger:         log,
	})
	defer env.Close(context.Background())

	res := env.FetchPath(ctx, cfg.Entry)
	if !res.OK() {
		return fmt.Errorf("load %s: %w", cfg.Entry, res.Err())
	}
	out, err := json.MarshalIndent(res.Value().Map(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode exports: %w", err)
	}
	fmt.Println(string(out))

	if flags.GraphFile != "" {
		if err := writeGraph(env, flags.GraphFile); err != nil {
			return fmt.Errorf("write graph: %w", err)
		}
	}

	if !cfg.Watch.Enabled && cfg.SyncInterval == 0 {
		return nil
	}

	var watchers []*watch.Watcher
	if cfg.Watch.Enabled {
		if watchers, err = newWatchers(cfg, mux, reg, log); err != nil {
			return err
		}
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		serveMetrics(ctx, cfg.MetricsBindAddress, log)
		return nil
	})
	if cfg.SyncInterval > 0 {
		p.Go(func(ctx context.Context) error {
			syncLoop(ctx, cfg.SyncInterval, mux, reg, log)
			return nil
		})
	}
	for _, w := range watchers {
		p.Go(w.Run)
	}
	setupLog.Info("watching for changes", "entry", cfg.Entry, "watchers", len(watchers), "syncInterval", cfg.SyncInterval)
	return p.Wait()
}

func main() {
	flags := parseFlags()
	setupLog, flush, err := newLogger(flags.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLog = setupLog.WithName("setup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags, setupLog); err != nil {
		setupLog.Error(err, "hotload failed")
		stop()
		flush()
		os.Exit(1)
	}
	flush()
}
