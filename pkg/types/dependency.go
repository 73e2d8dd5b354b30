package types

import (
	"fmt"
	"strings"
)

// DependencyRequest names an exact artifact: one version of one distribution,
// optionally pinned to a platform. A nil Arch means "whatever the host
// platform is at resolution time". It is used both for manifest entries and
// for the dependency edges declared in registry descriptors.
type DependencyRequest struct {
	Version      Version
	Distribution Distribution
	Arch         *PlatformArch
}

// ParseDependencyRequest builds a request from its string form as found in
// fdm.toml and in registry index documents. An empty arch leaves Arch unset.
func ParseDependencyRequest(version, distribution, arch string) (DependencyRequest, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return DependencyRequest{}, err
	}

	req := DependencyRequest{
		Version:      v,
		Distribution: ParseDistribution(distribution),
	}

	if strings.TrimSpace(arch) != "" {
		p, err := ParsePlatformArch(arch)
		if err != nil {
			return DependencyRequest{}, err
		}
		req.Arch = &p
	}

	return req, nil
}

// ResolvedArch returns the platform this request is looked up under: ArchAny
// for platform-independent distributions, the pinned Arch when set, and host
// otherwise.
func (r DependencyRequest) ResolvedArch(host PlatformArch) PlatformArch {
	if r.Distribution.PlatformIndependent() {
		return ArchAny
	}
	if r.Arch != nil {
		return *r.Arch
	}
	return host
}

// Key returns the composite identity of the artifact this request selects for
// the named package on host.
func (r DependencyRequest) Key(name string, host PlatformArch) Key {
	return Key{
		Name:         name,
		Distribution: r.Distribution,
		Version:      r.Version,
		Arch:         r.ResolvedArch(host),
	}
}

// Equal reports whether two requests are identical, comparing Arch by value.
func (r DependencyRequest) Equal(o DependencyRequest) bool {
	if r.Version != o.Version || r.Distribution != o.Distribution {
		return false
	}
	if r.Arch == nil || o.Arch == nil {
		return r.Arch == nil && o.Arch == nil
	}
	return *r.Arch == *o.Arch
}

func (r DependencyRequest) String() string {
	arch := "host"
	if r.Arch != nil {
		arch = r.Arch.String()
	}
	return fmt.Sprintf("%s (%s/%s)", r.Version, r.Distribution, arch)
}

// Key identifies one artifact across the four lookup dimensions. Two requests
// that resolve to the same Key select the same file in the registry and share
// one cache entry.
type Key struct {
	Name         string
	Distribution Distribution
	Version      Version
	Arch         PlatformArch
}

// String renders the key as "{name}_{distribution}_{version}_{arch}", the
// cache directory name. Version, distribution and platform strings never
// contain an underscore, so the rendering is unique per key.
func (k Key) String() string {
	return fmt.Sprintf("%s_%s_%s_%s", k.Name, k.Distribution, k.Version, k.Arch)
}
