// Package installer materializes resolved dependencies: it downloads each
// artifact once into the cache and unpacks it into the project's library
// tree.
//
// Cache entries live at <cache>/<name>_<dist>_<version>_<arch> and hold the
// downloaded archive. An entry is written in a staging directory and renamed
// into place only after its archive has been downloaded and extracted, so an
// interrupted run never leaves something that looks like a hit.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fdm2-org/fdm/pkg/archive"
	"github.com/fdm2-org/fdm/pkg/fetch"
	"github.com/fdm2-org/fdm/pkg/registry"
	"github.com/fdm2-org/fdm/pkg/store"
	"github.com/fdm2-org/fdm/pkg/types"
)

// DefaultJobs bounds concurrent downloads when Installer.Jobs is unset.
const DefaultJobs = 4

// stampFile records, inside a staged library directory, which cache entry
// it was extracted from.
const stampFile = ".fdm-artifact"

// Registry is the part of *registry.Registry the installer needs.
type Registry interface {
	Get(name string, req types.DependencyRequest) (*url.URL, error)
	Host() types.PlatformArch
}

// ProgressFunc is called as archive bytes arrive. total is -1 when the
// server does not report a size.
type ProgressFunc func(name string, written, total int64)

// DependencyError identifies the dependency a failure belongs to.
type DependencyError struct {
	Name    string
	Request types.DependencyRequest
	Err     error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s %s: %v", e.Name, e.Request, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// Staged is one library made available to the build.
type Staged struct {
	Name string
	Path string
}

// Result is the outcome of InstallAll. Both slices are sorted by name.
type Result struct {
	Staged []Staged
	Failed []*DependencyError
}

// Names returns the names of the staged libraries, the input to build file
// generation.
func (r *Result) Names() []string {
	names := make([]string, len(r.Staged))
	for i, s := range r.Staged {
		names[i] = s.Name
	}
	return names
}

type Installer struct {
	Registry Registry
	Fetcher  fetch.FetcherInterface
	// Cache holds downloaded archives, normally fdm/cache.
	Cache store.Store
	// Libs holds extracted libraries, normally fdm/pack/libs.
	Libs store.Store
	// Jobs bounds parallel materializations in InstallAll.
	Jobs int
	// StopOnError makes InstallAll abort on the first failure instead of
	// collecting every failure.
	StopOnError bool
	Progress    ProgressFunc
	Logger      *log.Logger

	flight singleflight.Group
	mu     sync.Mutex
	calls  map[string]*sharedCall
}

// sharedCall is the context a shared materialization runs under. It is
// canceled once every caller waiting on it has gone away.
type sharedCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (inst *Installer) logger() *log.Logger {
	if inst.Logger != nil {
		return inst.Logger
	}
	return log.Default()
}

// Materialize makes (name, req) available under the library tree and returns
// its path. A populated cache entry means no network access; a populated
// library directory extracted from the same entry means no work at all.
// Concurrent calls for the same artifact share one download, which keeps
// running for as long as any of the callers' contexts is live.
func (inst *Installer) Materialize(ctx context.Context, name string, req types.DependencyRequest) (string, error) {
	key := req.Key(name, inst.Registry.Host())
	k := key.String()

	call := inst.join(ctx, k)
	ch := inst.flight.DoChan(k, func() (any, error) {
		p, err := inst.materialize(call.ctx, name, req, key)
		if err != nil {
			return nil, &DependencyError{Name: name, Request: req, Err: err}
		}
		return p, nil
	})

	select {
	case r := <-ch:
		inst.leave(k, call)
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		inst.leave(k, call)
		return "", &DependencyError{Name: name, Request: req, Err: ctx.Err()}
	}
}

// join registers the caller with the shared call for k, starting a new one
// when none is running.
func (inst *Installer) join(ctx context.Context, k string) *sharedCall {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	call := inst.calls[k]
	if call == nil {
		sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		call = &sharedCall{ctx: sctx, cancel: cancel}
		if inst.calls == nil {
			inst.calls = make(map[string]*sharedCall)
		}
		inst.calls[k] = call
	}
	call.waiters++
	return call
}

func (inst *Installer) leave(k string, call *sharedCall) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	call.waiters--
	if call.waiters > 0 {
		return
	}
	// The last caller is gone. Later callers must not join a canceled run.
	call.cancel()
	delete(inst.calls, k)
	inst.flight.Forget(k)
}

func (inst *Installer) materialize(ctx context.Context, name string, req types.DependencyRequest, key types.Key) (string, error) {
	logger := inst.logger().With("package", name, "key", key)
	entry := key.String()
	target := inst.Libs.Path(name)

	hit, err := inst.Cache.Exists(entry)
	if err != nil {
		return "", fmt.Errorf("checking cache: %w", err)
	}

	if hit {
		if inst.stagedFrom(name) == entry {
			logger.Debug("already staged")
			return target, nil
		}

		archivePath, err := inst.cachedArchive(entry)
		if err != nil {
			return "", err
		}
		if archivePath != "" {
			logger.Debug("cache hit, extracting")
			if err := inst.extract(ctx, archivePath, name, entry); err != nil {
				return "", err
			}
			return target, nil
		}

		logger.Warn("cache entry holds no archive, fetching again")
		if err := inst.Cache.Remove(entry); err != nil {
			return "", fmt.Errorf("removing broken cache entry: %w", err)
		}
	}

	// The registry lock is held only for this lookup, never for the download.
	u, err := inst.Registry.Get(name, req)
	if err != nil {
		return "", err
	}

	staging, err := inst.Cache.Stage()
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	archivePath := filepath.Join(staging, archiveName(u))
	logger.Info("fetching", "url", u.Redacted())
	if err := inst.download(ctx, name, u, archivePath); err != nil {
		return "", err
	}

	if err := inst.extract(ctx, archivePath, name, entry); err != nil {
		return "", err
	}

	if err := inst.Cache.Commit(staging, entry); err != nil {
		return "", fmt.Errorf("committing cache entry: %w", err)
	}
	committed = true

	return target, nil
}

func (inst *Installer) download(ctx context.Context, name string, u *url.URL, dest string) error {
	art, err := inst.Fetcher.Fetch(ctx, u.String())
	if err != nil {
		return err
	}
	defer art.Body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", fetch.ErrDownloadFailed, filepath.Base(dest), err)
	}

	total := art.Size
	if total < 0 && inst.Progress != nil {
		// Some mirrors stream without a length but answer HEAD with one.
		if size, err := inst.Fetcher.Head(ctx, u.String()); err == nil {
			total = size
		} else {
			inst.logger().Debug("size unknown", "package", name, "err", err)
		}
	}

	pr := &progressReader{r: art.Body, name: name, total: total, fn: inst.Progress}
	if _, err := io.Copy(f, pr); err != nil {
		f.Close()
		return fmt.Errorf("%w: streaming %s: %w", fetch.ErrDownloadFailed, u.Redacted(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: writing %s: %w", fetch.ErrDownloadFailed, filepath.Base(dest), err)
	}

	inst.logger().Debug("downloaded", "package", name, "size", humanize.Bytes(uint64(pr.written)))
	return nil
}

// extract unpacks archivePath into a staging directory in the library tree
// and swaps it in for the package's directory.
func (inst *Installer) extract(ctx context.Context, archivePath, name, entry string) error {
	staging, err := inst.Libs.Stage()
	if err != nil {
		return err
	}

	if err := archive.Extract(ctx, archivePath, staging); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, stampFile), []byte(entry+"\n"), 0o644); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("writing %s: %w", stampFile, err)
	}
	if err := inst.Libs.Replace(staging, name); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("staging %s: %w", name, err)
	}
	return nil
}

// stagedFrom returns the cache entry the library directory for name was
// extracted from, or "" when it is missing.
func (inst *Installer) stagedFrom(name string) string {
	data, err := os.ReadFile(filepath.Join(inst.Libs.Path(name), stampFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// cachedArchive returns the archive stored in a cache entry, or "" if the
// entry holds none.
func (inst *Installer) cachedArchive(entry string) (string, error) {
	dir := inst.Cache.Path(entry)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading cache entry: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", nil
}

// archiveName keeps the URL's file name so the archive format stays
// recognizable by extension.
func archiveName(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" || strings.HasPrefix(base, ".") {
		return "artifact"
	}
	return base
}

// InstallAll materializes every dependency of res with at most Jobs running
// at once. Unless StopOnError is set, every dependency is attempted and the
// returned error joins all failures.
func (inst *Installer) InstallAll(ctx context.Context, res *registry.Resolution) (*Result, error) {
	jobs := inst.Jobs
	if jobs <= 0 {
		jobs = DefaultJobs
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)

	result := &Result{}
	var mu sync.Mutex

	for _, name := range res.Names() {
		req := res.Dependencies[name]
		g.Go(func() error {
			p, err := inst.Materialize(gctx, name, req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var de *DependencyError
				if !errors.As(err, &de) {
					de = &DependencyError{Name: name, Request: req, Err: err}
				}
				result.Failed = append(result.Failed, de)
				if inst.StopOnError {
					return de
				}
				return nil
			}
			result.Staged = append(result.Staged, Staged{Name: name, Path: p})
			return nil
		})
	}

	waitErr := g.Wait()

	sort.Slice(result.Staged, func(i, j int) bool { return result.Staged[i].Name < result.Staged[j].Name })
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Name < result.Failed[j].Name })

	if waitErr != nil {
		return result, waitErr
	}
	if len(result.Failed) > 0 {
		errs := make([]error, len(result.Failed))
		for i, de := range result.Failed {
			errs[i] = de
		}
		return result, errors.Join(errs...)
	}
	return result, nil
}

// progressReader reports bytes read to a ProgressFunc.
type progressReader struct {
	r       io.Reader
	name    string
	total   int64
	written int64
	fn      ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.written += int64(n)
		if p.fn != nil {
			p.fn(p.name, p.written, p.total)
		}
	}
	return n, err
}
