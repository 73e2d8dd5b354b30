package registry

import (
	"slices"
	"sort"

	"github.com/fdm2-org/fdm/pkg/index"
	"github.com/fdm2-org/fdm/pkg/types"
)

// Resolution is the transitive closure of one or more dependency requests.
type Resolution struct {
	// Dependencies is the flat result: one request per package name. When a
	// name is reached through several edges with different requests, the
	// last one visited wins.
	Dependencies map[string]types.DependencyRequest
	// Collisions lists, for every name that was requested in more than one
	// distinct way, each distinct request in the order first seen, except
	// that the request kept in Dependencies is always last.
	Collisions map[string][]types.DependencyRequest
}

// Names returns the resolved package names in lexical order.
func (r *Resolution) Names() []string {
	names := make([]string, 0, len(r.Dependencies))
	for name := range r.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve expands the dependency edges reachable from (name, req). The root
// itself is not part of the result.
func (r *Registry) Resolve(name string, req types.DependencyRequest) *Resolution {
	w := newWalker(r.Index(), r.host)
	w.expand(name, req)
	return w.resolution()
}

// ResolveAll expands every direct request and returns them together with
// their transitive dependencies. Direct requests are recorded after all
// expansion, so a request written in the manifest always overrides one
// reached through the graph.
func (r *Registry) ResolveAll(direct map[string]types.DependencyRequest) *Resolution {
	w := newWalker(r.Index(), r.host)

	names := sortedKeys(direct)
	for _, name := range names {
		w.expand(name, direct[name])
	}
	for _, name := range names {
		w.record(name, direct[name])
	}

	res := w.resolution()
	for name, requests := range res.Collisions {
		r.logger.Warn("conflicting requests, keeping the last one",
			"package", name, "requests", len(requests), "kept", requests[len(requests)-1])
	}
	return res
}

// walker performs the depth-first expansion over one index snapshot. Keys
// are expanded at most once, which bounds the walk on cyclic graphs.
type walker struct {
	idx     *index.Index
	host    types.PlatformArch
	visited map[types.Key]struct{}
	deps    map[string]types.DependencyRequest
	seen    map[string][]types.DependencyRequest
}

func newWalker(idx *index.Index, host types.PlatformArch) *walker {
	return &walker{
		idx:     idx,
		host:    host,
		visited: make(map[types.Key]struct{}),
		deps:    make(map[string]types.DependencyRequest),
		seen:    make(map[string][]types.DependencyRequest),
	}
}

func (w *walker) expand(name string, req types.DependencyRequest) {
	key := req.Key(name, w.host)
	if _, ok := w.visited[key]; ok {
		return
	}
	w.visited[key] = struct{}{}

	desc, ok := w.idx.Descriptor(name, req.Version)
	if !ok {
		return
	}
	// Sorted so that last-write-wins is reproducible between runs.
	for _, dep := range sortedKeys(desc.Dependencies) {
		depReq := desc.Dependencies[dep]
		w.record(dep, depReq)
		w.expand(dep, depReq)
	}
}

func (w *walker) record(name string, req types.DependencyRequest) {
	w.deps[name] = req
	if !slices.ContainsFunc(w.seen[name], req.Equal) {
		w.seen[name] = append(w.seen[name], req)
	}
}

func (w *walker) resolution() *Resolution {
	res := &Resolution{
		Dependencies: w.deps,
		Collisions:   make(map[string][]types.DependencyRequest),
	}
	for name, requests := range w.seen {
		if len(requests) > 1 {
			// Move the surviving request last.
			kept := w.deps[name]
			ordered := slices.DeleteFunc(slices.Clone(requests), kept.Equal)
			res.Collisions[name] = append(ordered, kept)
		}
	}
	return res
}

func sortedKeys(m map[string]types.DependencyRequest) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
