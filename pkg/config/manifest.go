package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/fdm2-org/fdm/pkg/types"
)

// ManifestFileName is the project manifest, kept at the project root.
const ManifestFileName = "fdm.toml"

// ErrInvalidManifest is wrapped by every manifest validation error.
var ErrInvalidManifest = errors.New("invalid manifest")

type Manifest struct {
	Package      PackageInfo               `toml:"package"`
	Dependencies map[string]DependencySpec `toml:"dependencies,omitempty"`
}

type PackageInfo struct {
	Name        string   `toml:"name"`
	Version     string   `toml:"version"`
	Authors     []string `toml:"authors,omitempty"`
	BuildSystem string   `toml:"build_system,omitempty"`
}

// DependencySpec is one [dependencies] entry. Arch is optional and pins the
// artifact to a platform other than the host.
type DependencySpec struct {
	Version      string `toml:"version"`
	Distribution string `toml:"distribution"`
	Arch         string `toml:"arch,omitempty"`
}

// Build systems fdm knows how to scaffold for.
const (
	BuildSystemCMake = "cmake"
	BuildSystemCargo = "cargo"
)

func UnmarshalManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return m, nil
}

func (m *Manifest) Marshal() ([]byte, error) {
	return toml.Marshal(m)
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	m, err := UnmarshalManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func SaveManifest(path string, m *Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Validate checks the package table and every dependency entry.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Package.Name) == "" {
		return fmt.Errorf("%w: package.name is required", ErrInvalidManifest)
	}
	if _, err := types.ParseVersion(m.Package.Version); err != nil {
		return fmt.Errorf("%w: package.version: %w", ErrInvalidManifest, err)
	}
	_, err := m.Requests()
	return err
}

// Requests converts the [dependencies] table into the direct dependency set
// handed to the resolver.
func (m *Manifest) Requests() (map[string]types.DependencyRequest, error) {
	reqs := make(map[string]types.DependencyRequest, len(m.Dependencies))
	for _, name := range slices.Sorted(maps.Keys(m.Dependencies)) {
		spec := m.Dependencies[name]
		if strings.TrimSpace(spec.Distribution) == "" {
			return nil, fmt.Errorf("%w: dependency %q: distribution is required", ErrInvalidManifest, name)
		}
		req, err := types.ParseDependencyRequest(spec.Version, spec.Distribution, spec.Arch)
		if err != nil {
			return nil, fmt.Errorf("%w: dependency %q: %w", ErrInvalidManifest, name, err)
		}
		reqs[name] = req
	}
	return reqs, nil
}

// AddDependency records req under name, replacing any previous entry.
func (m *Manifest) AddDependency(name string, req types.DependencyRequest) {
	if m.Dependencies == nil {
		m.Dependencies = make(map[string]DependencySpec)
	}
	spec := DependencySpec{
		Version:      req.Version.String(),
		Distribution: req.Distribution.String(),
	}
	if req.Arch != nil {
		spec.Arch = req.Arch.String()
	}
	m.Dependencies[name] = spec
}
