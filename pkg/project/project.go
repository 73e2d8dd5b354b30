// Package project locates and scaffolds fdm projects: the fdm.toml manifest
// and the fdm/ working tree next to it.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fdm2-org/fdm/pkg/config"
)

const ManifestFile = config.ManifestFileName

// WorkDir is the directory fdm keeps its mirror, cache and staged libraries
// in. It is never committed.
const WorkDir = "fdm"

// GitignoreEntries are added to .gitignore by Init.
var GitignoreEntries = []string{
	WorkDir + "/",
	config.LocalConfigFile,
}

// ErrNoManifest is returned by Find when no directory up to the filesystem
// root holds an fdm.toml.
var ErrNoManifest = errors.New("no " + ManifestFile + " found")

// Layout names the paths of one project.
type Layout struct {
	Root string
}

// Manifest is the path of fdm.toml.
func (l Layout) Manifest() string { return filepath.Join(l.Root, ManifestFile) }

// Registry is the registry mirror, fdm/reg.
func (l Layout) Registry() string { return filepath.Join(l.Root, WorkDir, "reg") }

// Cache holds downloaded archives, fdm/cache.
func (l Layout) Cache() string { return filepath.Join(l.Root, WorkDir, "cache") }

// Libs holds extracted libraries, fdm/pack/libs.
func (l Layout) Libs() string { return filepath.Join(l.Root, WorkDir, "pack", "libs") }

// Find walks up from dir to the nearest directory holding fdm.toml.
func Find(dir string) (Layout, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return Layout{}, err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
			return Layout{Root: dir}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Layout{}, ErrNoManifest
		}
		dir = parent
	}
}

// InferName derives a project name from the given directory path.
func InferName(dir string) string {
	return filepath.Base(dir)
}

// Init creates an fdm.toml manifest in dir for a new package at version
// 0.1.0. Returns an error if the manifest already exists.
func Init(dir, name, buildSystem string) error {
	path := filepath.Join(dir, ManifestFile)

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", ManifestFile)
	}

	m := &config.Manifest{
		Package: config.PackageInfo{
			Name:        name,
			Version:     "0.1.0",
			BuildSystem: buildSystem,
		},
		Dependencies: map[string]config.DependencySpec{},
	}
	if err := m.Validate(); err != nil {
		return err
	}

	return config.SaveManifest(path, m)
}

// EnsureGitignore ensures that each entry appears somewhere in the .gitignore
// file within dir. Only entries not already present are appended. Returns the
// list of entries that were actually added.
func EnsureGitignore(dir string, entries []string) ([]string, error) {
	path := filepath.Join(dir, ".gitignore")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		present[strings.TrimSpace(line)] = true
	}

	var toAdd []string
	for _, entry := range entries {
		if !present[entry] {
			toAdd = append(toAdd, entry)
		}
	}

	if len(toAdd) == 0 {
		return nil, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	// Ensure we start on a new line if file doesn't end with one.
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return nil, err
		}
	}

	for _, entry := range toAdd {
		if _, err := f.WriteString(entry + "\n"); err != nil {
			return nil, err
		}
	}

	return toAdd, nil
}
