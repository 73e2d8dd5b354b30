// Package index models the registry index: for every package, the versions
// the registry offers and, per version, where each distribution can be
// downloaded and which other packages it depends on.
//
// An Index is built in one pass from the registry's YAML documents and is
// never modified afterwards; a registry refresh builds a new one.
package index

import (
	"net/url"
	"slices"
	"sort"

	"github.com/fdm2-org/fdm/pkg/types"
)

// Index maps package names to their published versions. The zero value and
// a nil *Index are both valid, empty indexes.
type Index struct {
	packages map[string]*Package
}

// Package holds every published version of one package.
type Package struct {
	Name     string
	Versions map[types.Version]*Descriptor
}

// Descriptor is the registry record for one (package, version).
type Descriptor struct {
	// Distributions maps a distribution to its download URL per platform.
	// DistSources entries are only ever keyed by ArchAny.
	Distributions map[types.Distribution]map[types.PlatformArch]*url.URL
	// Dependencies are the direct dependency edges of this version.
	Dependencies map[string]types.DependencyRequest
	// Unrecognized keeps distribution/platform tags this version of fdm does
	// not understand, keyed by the raw tag then the raw platform string.
	// Lookups never match them.
	Unrecognized map[string]map[string]*url.URL
}

func newDescriptor() *Descriptor {
	return &Descriptor{
		Distributions: make(map[types.Distribution]map[types.PlatformArch]*url.URL),
		Dependencies:  make(map[string]types.DependencyRequest),
	}
}

// Lookup returns the download URL that req selects on host, if any.
func (d *Descriptor) Lookup(req types.DependencyRequest, host types.PlatformArch) (*url.URL, bool) {
	if d == nil {
		return nil, false
	}
	platforms, ok := d.Distributions[req.Distribution]
	if !ok {
		return nil, false
	}
	u, ok := platforms[req.ResolvedArch(host)]
	return u, ok
}

// Package returns the named package.
func (i *Index) Package(name string) (*Package, bool) {
	if i == nil {
		return nil, false
	}
	p, ok := i.packages[name]
	return p, ok
}

// Descriptor returns the record for name at exactly version.
func (i *Index) Descriptor(name string, version types.Version) (*Descriptor, bool) {
	p, ok := i.Package(name)
	if !ok {
		return nil, false
	}
	d, ok := p.Versions[version]
	return d, ok
}

// Names returns all package names in lexical order.
func (i *Index) Names() []string {
	if i == nil {
		return nil
	}
	names := make([]string, 0, len(i.packages))
	for name := range i.packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of packages in the index.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.packages)
}

// SortedVersions returns the package's versions in ascending order.
func (p *Package) SortedVersions() []types.Version {
	versions := make([]types.Version, 0, len(p.Versions))
	for v := range p.Versions {
		versions = append(versions, v)
	}
	slices.SortFunc(versions, types.Version.Compare)
	return versions
}

// Versions returns the published versions of name in ascending order, or nil
// when the package is unknown.
func (i *Index) Versions(name string) []types.Version {
	p, ok := i.Package(name)
	if !ok {
		return nil
	}
	return p.SortedVersions()
}
