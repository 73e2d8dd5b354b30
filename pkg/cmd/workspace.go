package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"github.com/fdm2-org/fdm/pkg/config"
	"github.com/fdm2-org/fdm/pkg/fetch"
	"github.com/fdm2-org/fdm/pkg/installer"
	"github.com/fdm2-org/fdm/pkg/project"
	"github.com/fdm2-org/fdm/pkg/registry"
	"github.com/fdm2-org/fdm/pkg/source"
	"github.com/fdm2-org/fdm/pkg/store"
)

// workspace bundles what the project commands share: the project layout,
// its manifest and the registry mirror inside it.
type workspace struct {
	layout   project.Layout
	manifest *config.Manifest
	registry *registry.Registry
	logger   *log.Logger
	fetcher  *fetch.CircuitBreakerFetcher
}

func openWorkspace(ctx context.Context) (*workspace, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	layout, err := project.Find(wd)
	if err != nil {
		return nil, fmt.Errorf("%w (run fdm init first)", err)
	}

	m, err := config.LoadManifest(layout.Manifest())
	if err != nil {
		return nil, err
	}

	reg, err := newRegistry(ctx, layout.Registry())
	if err != nil {
		return nil, err
	}

	return &workspace{
		layout:   layout,
		manifest: m,
		registry: reg,
		logger:   loggerFromContext(ctx),
	}, nil
}

// newRegistry builds a registry for the configured source and target
// platform. It does not touch the mirror.
func newRegistry(ctx context.Context, mirror string) (*registry.Registry, error) {
	host, err := DevCfg.Platform()
	if err != nil {
		return nil, err
	}
	return registry.New(registry.Options{
		Path:   mirror,
		Source: registrySource(),
		Host:   host,
		Logger: loggerFromContext(ctx),
	}), nil
}

// registrySource maps the configured location to a source. In offline mode
// --local is always a directory, even when it looks like a bare name.
func registrySource() source.Source {
	if DevCfg.Offline {
		if src, ok := source.FromLocation(DevCfg.Local).(*source.LocalSource); ok {
			return src
		}
		return &source.LocalSource{Path: DevCfg.Local}
	}
	return source.FromLocation(DevCfg.RegistryLocation())
}

// prepareRegistry syncs the mirror, or with sync false loads the mirror
// already on disk.
func prepareRegistry(ctx context.Context, reg *registry.Registry, sync bool) error {
	logger := loggerFromContext(ctx)
	if !sync {
		return reg.LoadMirror()
	}

	p := newProgress(logger)
	if err := reg.Sync(ctx); err != nil {
		return err
	}
	p.done(fmt.Sprintf("Synced registry %s (%d packages)", DevCfg.RegistryLocation(), reg.Index().Len()))
	return nil
}

// installer returns an installer sharing the workspace's fetcher, so breaker
// state and the DNS cache carry across every download of a run.
func (w *workspace) installer() *installer.Installer {
	if w.fetcher == nil {
		w.fetcher = fetch.NewCircuitBreakerFetcher(fetch.NewFetcher(fetch.WithUserAgent("fdm/" + Version)))
	}
	return &installer.Installer{
		Registry: w.registry,
		Fetcher:  w.fetcher,
		Cache:    store.New(w.layout.Cache()),
		Libs:     store.New(w.layout.Libs()),
		Jobs:     DevCfg.Jobs,
		Logger:   w.logger,
	}
}

func (w *workspace) Close() error {
	if w.fetcher == nil {
		return nil
	}
	return w.fetcher.Close()
}
