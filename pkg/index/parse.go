package index

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fdm2-org/fdm/pkg/types"
	yaml "go.yaml.in/yaml/v3"
)

const (
	fieldDependencies = "dependencies"
	fieldSource       = "source"

	recordVersion      = "version"
	recordDistribution = "distribution"
	recordArch         = "arch"
)

// ErrMalformedIndex is returned when a registry document violates the index
// schema. A registry that produces it cannot be used at all.
var ErrMalformedIndex = errors.New("malformed registry index")

// DocumentError locates a schema violation inside a registry document.
type DocumentError struct {
	Package string
	Version string
	Field   string
	Err     error
}

func (e *DocumentError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: package %q", ErrMalformedIndex, e.Package)
	if e.Version != "" {
		fmt.Fprintf(&b, " version %q", e.Version)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %q", e.Field)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *DocumentError) Unwrap() []error {
	return []error{ErrMalformedIndex, e.Err}
}

// Document is one registry index file. Name is the package it describes,
// taken from the file stem.
type Document struct {
	Name string
	Data []byte
}

// Build parses every document and merges them into one Index. The first
// error aborts the build; no partial index is ever returned.
func Build(docs []Document) (*Index, error) {
	idx := &Index{packages: make(map[string]*Package, len(docs))}
	for _, doc := range docs {
		if _, dup := idx.packages[doc.Name]; dup {
			return nil, &DocumentError{Package: doc.Name, Err: errors.New("package is defined by more than one document")}
		}
		pkg, err := Parse(doc.Name, doc.Data)
		if err != nil {
			return nil, err
		}
		idx.packages[doc.Name] = pkg
	}
	return idx, nil
}

// LoadDir walks root for *.yml and *.yaml documents and builds an Index from
// them. Version control metadata directories are skipped.
func LoadDir(root string) (*Index, error) {
	var docs []Document
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		docs = append(docs, Document{
			Name: strings.TrimSuffix(d.Name(), ext),
			Data: data,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading registry documents in %s: %w", root, err)
	}
	return Build(docs)
}

// Parse decodes one package document: a mapping from version string to
// descriptor. Versions and other scalars are taken verbatim from the
// document text, so an unquoted 1.10 stays 1.10 rather than becoming a
// float.
func Parse(name string, data []byte) (*Package, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &DocumentError{Package: name, Err: err}
	}

	pkg := &Package{
		Name:     name,
		Versions: make(map[types.Version]*Descriptor),
	}
	if len(doc.Content) == 0 {
		return pkg, nil
	}
	root := deref(doc.Content[0])
	if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
		return pkg, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, &DocumentError{Package: name, Err: errors.New("document must map versions to descriptors")}
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		rawVersion, err := scalar(root.Content[i])
		if err != nil {
			return nil, &DocumentError{Package: name, Err: fmt.Errorf("version key: %w", err)}
		}
		v, err := types.ParseVersion(rawVersion)
		if err != nil {
			return nil, &DocumentError{Package: name, Version: rawVersion, Err: err}
		}
		if _, dup := pkg.Versions[v]; dup {
			return nil, &DocumentError{Package: name, Version: rawVersion, Err: fmt.Errorf("version %s is listed more than once", v)}
		}
		desc, err := parseDescriptor(root.Content[i+1])
		if err != nil {
			var de *DocumentError
			if errors.As(err, &de) {
				de.Package, de.Version = name, rawVersion
				return nil, de
			}
			return nil, &DocumentError{Package: name, Version: rawVersion, Err: err}
		}
		pkg.Versions[v] = desc
	}
	return pkg, nil
}

// deref follows YAML aliases to the node they point at.
func deref(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

// scalar returns the literal text of a scalar node.
func scalar(n *yaml.Node) (string, error) {
	n = deref(n)
	if n == nil || n.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("expected a scalar, found %s", kindName(n))
	}
	return n.Value, nil
}

func kindName(n *yaml.Node) string {
	if n == nil {
		return "nothing"
	}
	switch n.Kind {
	case yaml.SequenceNode:
		return "a sequence"
	case yaml.MappingNode:
		return "a mapping"
	case yaml.ScalarNode:
		return "a scalar"
	default:
		return "an unsupported node"
	}
}

func parseDescriptor(body *yaml.Node) (*Descriptor, error) {
	body = deref(body)
	if body == nil || body.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("descriptor must be a mapping, found %s", kindName(body))
	}

	desc := newDescriptor()
	seen := make(map[string]bool, len(body.Content)/2)
	for i := 0; i+1 < len(body.Content); i += 2 {
		field, err := scalar(body.Content[i])
		if err != nil {
			return nil, fmt.Errorf("descriptor key: %w", err)
		}
		if seen[field] {
			return nil, &DocumentError{Field: field, Err: errors.New("field is listed more than once")}
		}
		seen[field] = true

		value := body.Content[i+1]
		switch field {
		case fieldDependencies:
			err = parseDependencies(desc, value)
		case fieldSource:
			err = parseSource(desc, value)
		default:
			err = parseDistribution(desc, field, value)
		}
		if err != nil {
			return nil, &DocumentError{Field: field, Err: err}
		}
	}
	return desc, nil
}

func parseDependencies(desc *Descriptor, value *yaml.Node) error {
	value = deref(value)
	if value == nil || value.Kind != yaml.SequenceNode {
		return fmt.Errorf("must be a sequence of mappings, found %s", kindName(value))
	}

	for _, entry := range value.Content {
		entry = deref(entry)
		if entry == nil || entry.Kind != yaml.MappingNode {
			return fmt.Errorf("dependency entry must be a mapping, found %s", kindName(entry))
		}
		switch len(entry.Content) / 2 {
		case 0:
			return errors.New("empty dependency entry")
		case 1:
		default:
			return fmt.Errorf("dependency entry must name exactly one package, found %d", len(entry.Content)/2)
		}

		depName, err := scalar(entry.Content[0])
		if err != nil {
			return fmt.Errorf("dependency name: %w", err)
		}
		req, err := parseDependencyRecord(entry.Content[1])
		if err != nil {
			return fmt.Errorf("dependency %q: %w", depName, err)
		}
		if _, dup := desc.Dependencies[depName]; dup {
			return fmt.Errorf("dependency %q is listed more than once", depName)
		}
		desc.Dependencies[depName] = req
	}
	return nil
}

// parseDependencyRecord reads the only legal shape of a dependency: version,
// distribution and an optional arch. Any other key is rejected.
func parseDependencyRecord(n *yaml.Node) (types.DependencyRequest, error) {
	n = deref(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return types.DependencyRequest{}, fmt.Errorf("must be a mapping, found %s", kindName(n))
	}

	fields := make(map[string]string, 3)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, err := scalar(n.Content[i])
		if err != nil {
			return types.DependencyRequest{}, err
		}
		switch key {
		case recordVersion, recordDistribution, recordArch:
		default:
			return types.DependencyRequest{}, fmt.Errorf("unknown field %q", key)
		}
		if _, dup := fields[key]; dup {
			return types.DependencyRequest{}, fmt.Errorf("field %q is listed more than once", key)
		}
		val, err := scalar(n.Content[i+1])
		if err != nil {
			return types.DependencyRequest{}, fmt.Errorf("field %q: %w", key, err)
		}
		fields[key] = val
	}

	if strings.TrimSpace(fields[recordDistribution]) == "" {
		return types.DependencyRequest{}, errors.New("distribution is required")
	}
	return types.ParseDependencyRequest(fields[recordVersion], fields[recordDistribution], fields[recordArch])
}

func parseSource(desc *Descriptor, value *yaml.Node) error {
	raw, err := scalar(value)
	if err != nil {
		return fmt.Errorf("must be a single URL: %w", err)
	}
	u, err := parseURL(raw)
	if err != nil {
		return err
	}
	return addURL(desc, types.DistSources, types.ArchAny, u)
}

func parseDistribution(desc *Descriptor, tag string, value *yaml.Node) error {
	value = deref(value)
	if value == nil || value.Kind != yaml.MappingNode {
		return fmt.Errorf("must map platforms to URLs, found %s", kindName(value))
	}

	dist := types.ParseDistribution(tag)
	for i := 0; i+1 < len(value.Content); i += 2 {
		rawPlatform, err := scalar(value.Content[i])
		if err != nil {
			return fmt.Errorf("platform key: %w", err)
		}
		rawURL, err := scalar(value.Content[i+1])
		if err != nil {
			return fmt.Errorf("platform %q: %w", rawPlatform, err)
		}
		u, err := parseURL(rawURL)
		if err != nil {
			return fmt.Errorf("platform %q: %w", rawPlatform, err)
		}

		platform, perr := types.ParsePlatformArch(rawPlatform)
		if dist == types.DistUnknown || perr != nil {
			addUnrecognized(desc, tag, rawPlatform, u)
			continue
		}

		switch {
		case dist.PlatformIndependent() && platform != types.ArchAny:
			return fmt.Errorf("platform %q: %s distributions may only be listed under %q", rawPlatform, dist, types.ArchAny)
		case !dist.PlatformIndependent() && platform == types.ArchAny:
			return fmt.Errorf("platform %q: %s distributions must name a concrete platform", rawPlatform, dist)
		}
		if err := addURL(desc, dist, platform, u); err != nil {
			return err
		}
	}
	return nil
}

func addURL(desc *Descriptor, dist types.Distribution, platform types.PlatformArch, u *url.URL) error {
	platforms, ok := desc.Distributions[dist]
	if !ok {
		platforms = make(map[types.PlatformArch]*url.URL)
		desc.Distributions[dist] = platforms
	}
	if _, dup := platforms[platform]; dup {
		return fmt.Errorf("%s/%s is listed more than once", dist, platform)
	}
	platforms[platform] = u
	return nil
}

func addUnrecognized(desc *Descriptor, tag, platform string, u *url.URL) {
	if desc.Unrecognized == nil {
		desc.Unrecognized = make(map[string]map[string]*url.URL)
	}
	if desc.Unrecognized[tag] == nil {
		desc.Unrecognized[tag] = make(map[string]*url.URL)
	}
	desc.Unrecognized[tag][platform] = u
}

// parseURL accepts absolute URLs with a host, plus file:// URLs used by
// offline registries.
func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("invalid URL %q: missing scheme", raw)
	}
	if u.Host == "" && u.Scheme != "file" {
		return nil, fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return u, nil
}
