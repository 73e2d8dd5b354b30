// Package source fetches a registry's index documents onto local disk. A
// registry location is either a git remote, which is cloned, or a directory
// on the local filesystem, used for offline registries.
package source

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
)

type Source interface {
	// Clone writes a complete copy of the registry into dest, which must not
	// exist yet. A failed Clone may leave a partial dest behind; callers clone
	// into a scratch directory and discard it on error.
	Clone(ctx context.Context, dest string) (*Snapshot, error)

	// Location is the remote URL or local path the source reads from.
	Location() string
}

// Snapshot describes a completed clone.
type Snapshot struct {
	Dir    string // Path of the cloned registry on disk
	Commit string // HEAD commit of the clone, empty for plain directories
}

// FromLocation picks the Source for a registry location. Paths (absolute,
// ./ or ../ prefixed) and file:// URLs produce a LocalSource. Anything else
// is treated as a git remote.
func FromLocation(loc string) Source {
	if path, ok := localPath(loc); ok {
		return &LocalSource{Path: path}
	}
	return &GitSource{URL: normalizeGitURL(loc), Shallow: true}
}

// localPath reports whether loc names a local directory and returns it.
func localPath(loc string) (string, bool) {
	if strings.HasPrefix(loc, "file://") {
		u, err := url.Parse(loc)
		if err != nil {
			return "", false
		}
		return filepath.FromSlash(u.Path), true
	}
	if strings.HasPrefix(loc, "./") || strings.HasPrefix(loc, "../") || filepath.IsAbs(loc) {
		return loc, true
	}
	return "", false
}

// normalizeGitURL appends ".git" to HTTP(S) remotes that lack it. Some forges
// only serve the smart protocol on the suffixed path.
func normalizeGitURL(raw string) string {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(u.Path, ".git") {
		u.Path += ".git"
	}
	return u.String()
}
