// Package registry owns the local registry mirror and the index built from
// it. A Registry is created by the caller and passed to whatever needs it;
// there is no process-wide instance.
//
// All access goes through one mutex. Sync holds it for the whole clone and
// rebuild, and installs the new index with a single pointer swap, so queries
// observe either the old index or the new one in full. Queries hold it only
// for the lookup itself.
package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/fdm2-org/fdm/pkg/index"
	"github.com/fdm2-org/fdm/pkg/source"
	"github.com/fdm2-org/fdm/pkg/store"
	"github.com/fdm2-org/fdm/pkg/types"
)

var (
	// ErrRegistryUnavailable means the mirror could not be cloned or read.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrDependencyNotFound means the index has no artifact for a request.
	ErrDependencyNotFound = errors.New("dependency not found")
)

// NotFoundError reports which step of a lookup missed.
type NotFoundError struct {
	Name    string
	Request types.DependencyRequest
	Arch    types.PlatformArch // platform the lookup used
	Reason  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s %s for %s: %s",
		ErrDependencyNotFound, e.Name, e.Request.Version, e.Request.Distribution, e.Arch, e.Reason)
}

func (e *NotFoundError) Unwrap() error {
	return ErrDependencyNotFound
}

// Options configures a Registry.
type Options struct {
	// Path is the mirror directory, normally fdm/reg in the project.
	Path string
	// Source is where Sync clones the registry from.
	Source source.Source
	// Host is the platform used for requests that do not pin one.
	Host types.PlatformArch
	// Logger defaults to log.Default().
	Logger *log.Logger
}

type Registry struct {
	mu     sync.Mutex
	path   string
	src    source.Source
	host   types.PlatformArch
	logger *log.Logger

	idx    *index.Index
	loaded bool
	commit string
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		path:   opts.Path,
		src:    opts.Source,
		host:   opts.Host,
		logger: logger.WithPrefix("registry"),
	}
}

// Sync refreshes the mirror from the source and rebuilds the index. The
// upstream is cloned into a sibling staging directory and indexed there; only
// when both succeed does it replace the mirror and the index. On failure the
// previous mirror and index stay in place.
func (r *Registry) Sync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.src == nil {
		return fmt.Errorf("%w: no registry source configured", ErrRegistryUnavailable)
	}

	present, err := store.NonEmpty(r.path)
	if err != nil {
		return fmt.Errorf("%w: checking mirror %s: %w", ErrRegistryUnavailable, r.path, err)
	}
	if present {
		r.logger.Info("refreshing registry mirror", "source", r.src.Location(), "path", r.path)
	} else {
		r.logger.Info("cloning registry", "source", r.src.Location(), "path", r.path)
	}

	parent := filepath.Dir(r.path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrRegistryUnavailable, parent, err)
	}

	staging := filepath.Join(parent, store.StagingPrefix+filepath.Base(r.path)+"-"+uuid.NewString())
	snap, err := r.src.Clone(ctx, staging)
	if err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
	}

	idx, err := index.LoadDir(staging)
	if err != nil {
		os.RemoveAll(staging)
		return err
	}

	if err := r.swapMirror(staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("%w: installing mirror: %w", ErrRegistryUnavailable, err)
	}

	r.idx = idx
	r.loaded = true
	r.commit = snap.Commit
	r.logger.Info("registry synced", "packages", idx.Len(), "commit", shortCommit(snap.Commit))
	return nil
}

// swapMirror replaces the mirror directory with staging.
func (r *Registry) swapMirror(staging string) error {
	old := ""
	if _, err := os.Lstat(r.path); err == nil {
		old = filepath.Join(filepath.Dir(r.path), store.StagingPrefix+"old-"+uuid.NewString())
		if err := os.Rename(r.path, old); err != nil {
			return err
		}
	}
	if err := os.Rename(staging, r.path); err != nil {
		if old != "" {
			os.Rename(old, r.path)
		}
		return err
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			r.logger.Warn("could not remove previous mirror", "path", old, "err", err)
		}
	}
	return nil
}

// LoadMirror builds the index from the mirror already on disk, without
// contacting the source.
func (r *Registry) LoadMirror() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	present, err := store.NonEmpty(r.path)
	if err != nil {
		return fmt.Errorf("%w: checking mirror %s: %w", ErrRegistryUnavailable, r.path, err)
	}
	if !present {
		return fmt.Errorf("%w: no mirror at %s", ErrRegistryUnavailable, r.path)
	}

	idx, err := index.LoadDir(r.path)
	if err != nil {
		return err
	}
	r.idx = idx
	r.loaded = true
	r.logger.Debug("registry loaded from mirror", "packages", idx.Len())
	return nil
}

// Synced reports whether an index has been installed, by Sync or LoadMirror.
func (r *Registry) Synced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Commit returns the mirror commit recorded by the last successful Sync.
func (r *Registry) Commit() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commit
}

// Path returns the mirror directory.
func (r *Registry) Path() string {
	return r.path
}

// Host returns the platform used for requests without a pinned arch.
func (r *Registry) Host() types.PlatformArch {
	return r.host
}

// Index returns the currently installed index. It is immutable and may be
// used after the lock is released; a later Sync installs a new one rather
// than changing it.
func (r *Registry) Index() *index.Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idx
}

// Contains reports whether the index has a download URL for req.
func (r *Registry) Contains(name string, req types.DependencyRequest) bool {
	_, err := r.Get(name, req)
	return err == nil
}

// Get returns the download URL for req. Sources requests are looked up under
// the "any" platform whatever arch they carry; other distributions use the
// pinned arch or the host.
func (r *Registry) Get(name string, req types.DependencyRequest) (*url.URL, error) {
	r.mu.Lock()
	idx := r.idx
	r.mu.Unlock()

	arch := req.ResolvedArch(r.host)
	notFound := func(reason string) error {
		return &NotFoundError{Name: name, Request: req, Arch: arch, Reason: reason}
	}

	pkg, ok := idx.Package(name)
	if !ok {
		return nil, notFound("package is not in the registry")
	}
	desc, ok := pkg.Versions[req.Version]
	if !ok {
		return nil, notFound("version is not published")
	}
	platforms, ok := desc.Distributions[req.Distribution]
	if !ok {
		return nil, notFound("distribution is not published for this version")
	}
	u, ok := platforms[arch]
	if !ok {
		return nil, notFound("no artifact for this platform")
	}

	// Callers get their own copy so the index stays immutable.
	cp := *u
	return &cp, nil
}

// DirectDependencies returns the dependency edges declared by name at
// req.Version. A package or version missing from the index yields an empty
// map, not an error.
func (r *Registry) DirectDependencies(name string, req types.DependencyRequest) map[string]types.DependencyRequest {
	desc, ok := r.Index().Descriptor(name, req.Version)
	if !ok {
		return map[string]types.DependencyRequest{}
	}
	return maps.Clone(desc.Dependencies)
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
