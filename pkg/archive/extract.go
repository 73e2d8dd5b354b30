// Package archive unpacks distribution archives into a library directory.
// Registry archives wrap their content in a single top-level directory,
// which is stripped on extraction.
package archive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// ErrExtractionFailed is wrapped by every extraction error.
var ErrExtractionFailed = errors.New("extraction failed")

// Extract unpacks the archive at archivePath into dest, dropping the first
// path component of every entry. Entries that would land outside dest are
// rejected, including paths reached through symlinks the archive itself
// created. dest is created if needed.
func Extract(ctx context.Context, archivePath, dest string) error {
	format, err := DetectFormat(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	defer root.Close()

	switch format {
	case FormatZip:
		err = extractZip(ctx, archivePath, root)
	case FormatTar, FormatTarGz, FormatTarXz, FormatTarZst:
		err = extractTarFile(ctx, archivePath, format, root)
	default:
		err = fmt.Errorf("unrecognized archive format: %s", filepath.Base(archivePath))
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExtractionFailed, filepath.Base(archivePath), err)
	}
	return nil
}

func extractTarFile(ctx context.Context, archivePath string, format Format, root *os.Root) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	switch format {
	case FormatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	case FormatTarXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("opening xz stream: %w", err)
		}
		r = xr
	case FormatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("opening zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	return extractTar(ctx, tar.NewReader(r), root)
}

// extractTar writes entries through root, so no entry can be created
// outside it even when an earlier entry planted a symlink.
func extractTar(ctx context.Context, tr *tar.Reader, root *os.Root) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		rel, ok, err := stripComponent(h.Name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		switch h.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(rel, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(root, rel, tr, os.FileMode(h.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if !symlinkStaysInside(rel, h.Linkname) {
				return fmt.Errorf("symlink %q points outside the archive root: %q", h.Name, h.Linkname)
			}
			if dir, found := symlinkedParent(root, rel); found {
				return fmt.Errorf("symlink %q is placed under another symlink %q", h.Name, dir)
			}
			if err := root.MkdirAll(filepath.Dir(rel), 0o755); err != nil {
				return err
			}
			if err := root.Symlink(h.Linkname, rel); err != nil {
				return err
			}
		case tar.TypeLink:
			linkRel, ok, err := stripComponent(h.Linkname)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("hard link %q has no target", h.Name)
			}
			if err := root.MkdirAll(filepath.Dir(rel), 0o755); err != nil {
				return err
			}
			if err := root.Link(linkRel, rel); err != nil {
				return err
			}
		default:
			// Device nodes, FIFOs and pax metadata carry no library content.
		}
	}
}

func extractZip(ctx context.Context, archivePath string, root *os.Root) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, ok, err := stripComponent(zf.Name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if zf.FileInfo().IsDir() {
			if err := root.MkdirAll(rel, 0o755); err != nil {
				return err
			}
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeFile(root, rel, rc, zf.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// stripComponent drops the leading path component of an archive entry name.
// ok is false for entries that are the top-level directory itself or that
// sit directly at the archive root.
func stripComponent(name string) (rel string, ok bool, err error) {
	slashed := strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "./")
	if path.IsAbs(slashed) {
		return "", false, fmt.Errorf("entry %q has an absolute path", name)
	}

	_, rest, found := strings.Cut(slashed, "/")
	rest = strings.TrimSuffix(rest, "/")
	if !found || rest == "" {
		return "", false, nil
	}

	rel = filepath.FromSlash(rest)
	if !filepath.IsLocal(rel) {
		return "", false, fmt.Errorf("entry %q escapes the destination directory", name)
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return "", false, nil
	}
	return rel, true, nil
}

// symlinkStaysInside reports whether a link at rel pointing to linkname
// resolves inside the extraction root.
func symlinkStaysInside(rel, linkname string) bool {
	if filepath.IsAbs(linkname) || path.IsAbs(linkname) {
		return false
	}
	resolved := filepath.Join(filepath.Dir(rel), filepath.FromSlash(linkname))
	return filepath.IsLocal(resolved)
}

// symlinkedParent reports the first directory above rel that is itself a
// symlink. A link resolved lexically against its own path is only safe
// when nothing above it redirects that path.
func symlinkedParent(root *os.Root, rel string) (string, bool) {
	for dir := filepath.Dir(rel); dir != "."; dir = filepath.Dir(dir) {
		fi, err := root.Lstat(dir)
		if err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return dir, true
		}
	}
	return "", false
}

func writeFile(root *os.Root, rel string, r io.Reader, mode os.FileMode) error {
	if err := root.MkdirAll(filepath.Dir(rel), 0o755); err != nil {
		return err
	}

	perm := mode.Perm() & 0o755
	if perm == 0 {
		perm = 0o644
	}
	out, err := root.OpenFile(rel, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
