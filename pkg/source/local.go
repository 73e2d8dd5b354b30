package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
)

// LocalSource copies a registry from a directory on disk. A directory that
// is itself a git work tree is cloned so the copy records its commit.
type LocalSource struct {
	Path string
}

var _ Source = &LocalSource{}

func (l *LocalSource) Location() string { return l.Path }

func (l *LocalSource) Clone(ctx context.Context, dest string) (*Snapshot, error) {
	absPath, err := filepath.Abs(l.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path for %q: %w", l.Path, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("local registry path does not exist: %s", absPath)
		}
		return nil, fmt.Errorf("checking local registry path %s: %w", absPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local registry path is not a directory: %s", absPath)
	}

	if _, err := git.PlainOpen(absPath); err == nil {
		repo, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{URL: absPath})
		if err != nil {
			return nil, fmt.Errorf("cloning %s: %w", absPath, err)
		}
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("reading HEAD of %s: %w", absPath, err)
		}
		return &Snapshot{Dir: dest, Commit: head.Hash().String()}, nil
	}

	if err := copyTree(ctx, absPath, dest); err != nil {
		return nil, fmt.Errorf("copying %s: %w", absPath, err)
	}
	return &Snapshot{Dir: dest}, nil
}

// copyTree copies regular files and directories from src to dst. Symlinks
// and other special files are skipped.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
