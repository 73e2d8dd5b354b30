// Package store manages a directory tree whose entries are published
// atomically: content is written into a staging directory and renamed into
// place once complete, so a reader never observes a half-written entry.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	dirPerm = 0o755

	// StagingPrefix marks in-progress directories. They are never reported
	// by Exists and are safe to delete when no fdm process is running.
	StagingPrefix = ".tmp-"
)

type Store interface {
	// Root returns the store root directory.
	Root() string
	// Path returns the filesystem path for the given segments joined under
	// the store root. Does not create or verify the path.
	Path(segments ...string) string
	// Exists reports whether the entry at segments is present: a regular
	// file, or a directory with at least one child. Empty directories are
	// leftovers of interrupted work and count as absent.
	Exists(segments ...string) (bool, error)
	// EnsureDir creates the directory at segments, including parents.
	EnsureDir(segments ...string) error
	// Remove deletes the entire tree at segments.
	Remove(segments ...string) error
	// Stage creates a fresh, uniquely named staging directory under the
	// store root and returns its path.
	Stage() (string, error)
	// Commit moves a staging directory to segments. If another writer
	// published the entry first, the staging directory is discarded and the
	// existing entry is kept.
	Commit(staging string, segments ...string) error
	// Replace moves a staging directory to segments, discarding whatever
	// was there before.
	Replace(staging string, segments ...string) error
}

func New(root string) Store {
	return &store{root: root}
}

type store struct {
	root string
}

var _ Store = &store{}

func (s *store) Root() string {
	return s.root
}

func (s *store) Path(segments ...string) string {
	return filepath.Join(append([]string{s.root}, segments...)...)
}

func (s *store) Exists(segments ...string) (bool, error) {
	return NonEmpty(s.Path(segments...))
}

func (s *store) EnsureDir(segments ...string) error {
	return os.MkdirAll(s.Path(segments...), dirPerm)
}

func (s *store) Remove(segments ...string) error {
	return os.RemoveAll(s.Path(segments...))
}

func (s *store) Stage() (string, error) {
	if err := os.MkdirAll(s.root, dirPerm); err != nil {
		return "", fmt.Errorf("creating store root: %w", err)
	}
	dir := s.Path(StagingPrefix + uuid.NewString())
	if err := os.Mkdir(dir, dirPerm); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	return dir, nil
}

func (s *store) Commit(staging string, segments ...string) error {
	return Publish(staging, s.Path(segments...))
}

func (s *store) Replace(staging string, segments ...string) error {
	dest := s.Path(segments...)
	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	return os.Rename(staging, dest)
}

// Publish renames staging to dest. An empty directory at dest is replaced;
// a non-empty one wins and staging is removed.
func Publish(staging, dest string) error {
	present, err := NonEmpty(dest)
	if err != nil {
		return err
	}
	if present {
		return os.RemoveAll(staging)
	}

	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return err
	}
	// A leftover empty directory would make the rename fail.
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.Rename(staging, dest); err != nil {
		if present, _ := NonEmpty(dest); present {
			return os.RemoveAll(staging)
		}
		return err
	}
	return nil
}

// NonEmpty reports whether path is a regular file or a directory with at
// least one entry.
func NonEmpty(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return true, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsStaging reports whether a directory name belongs to an in-progress write.
func IsStaging(name string) bool {
	return strings.HasPrefix(name, StagingPrefix)
}
