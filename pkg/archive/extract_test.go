package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

type entry struct {
	name     string
	body     string
	dir      bool
	linkname string
}

var zlibEntries = []entry{
	{name: "zlib-1.2.11/", dir: true},
	{name: "zlib-1.2.11/include/", dir: true},
	{name: "zlib-1.2.11/include/zlib.h", body: "#define ZLIB_VERSION \"1.2.11\"\n"},
	{name: "zlib-1.2.11/lib/libz.a", body: "!<arch>\n"},
}

func buildTar(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		h := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		switch {
		case e.dir:
			h.Typeflag, h.Mode, h.Size = tar.TypeDir, 0o755, 0
		case e.linkname != "":
			h.Typeflag, h.Linkname, h.Size = tar.TypeSymlink, e.linkname, 0
		}
		if err := tw.WriteHeader(h); err != nil {
			t.Fatal(err)
		}
		if h.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func compress(t *testing.T, format Format, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case FormatTar:
		return raw
	case FormatTarGz:
		w = gzip.NewWriter(&buf)
	case FormatTarXz:
		w, err = xz.NewWriter(&buf)
	case FormatTarZst:
		w, err = zstd.NewWriter(&buf)
	default:
		t.Fatalf("compress: unsupported format %v", format)
	}
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildZip(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if !e.dir {
			if _, err := w.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeArchive(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func assertZlibTree(t *testing.T, dest string) {
	t.Helper()
	got, err := os.ReadFile(filepath.Join(dest, "include", "zlib.h"))
	if err != nil {
		t.Fatalf("include/zlib.h missing: %v", err)
	}
	if string(got) != "#define ZLIB_VERSION \"1.2.11\"\n" {
		t.Errorf("zlib.h = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dest, "lib", "libz.a")); err != nil {
		t.Errorf("lib/libz.a missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "zlib-1.2.11")); !os.IsNotExist(err) {
		t.Errorf("top-level directory was not stripped (stat err = %v)", err)
	}
}

func TestExtractFormats(t *testing.T) {
	tests := map[string]struct {
		file string
		data func(t *testing.T) []byte
	}{
		"tar.gz": {
			file: "zlib.tar.gz",
			data: func(t *testing.T) []byte { return compress(t, FormatTarGz, buildTar(t, zlibEntries)) },
		},
		"tgz": {
			file: "zlib.tgz",
			data: func(t *testing.T) []byte { return compress(t, FormatTarGz, buildTar(t, zlibEntries)) },
		},
		"tar.xz": {
			file: "zlib.tar.xz",
			data: func(t *testing.T) []byte { return compress(t, FormatTarXz, buildTar(t, zlibEntries)) },
		},
		"tar.zst": {
			file: "zlib.tar.zst",
			data: func(t *testing.T) []byte { return compress(t, FormatTarZst, buildTar(t, zlibEntries)) },
		},
		"tar": {
			file: "zlib.tar",
			data: func(t *testing.T) []byte { return buildTar(t, zlibEntries) },
		},
		"zip": {
			file: "zlib.zip",
			data: func(t *testing.T) []byte { return buildZip(t, zlibEntries) },
		},
		"misnamed gzip": {
			file: "download",
			data: func(t *testing.T) []byte { return compress(t, FormatTarGz, buildTar(t, zlibEntries)) },
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			archivePath := writeArchive(t, tc.file, tc.data(t))
			dest := filepath.Join(t.TempDir(), "libs", "zlib")

			if err := Extract(context.Background(), archivePath, dest); err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			assertZlibTree(t, dest)
		})
	}
}

func TestExtractSkipsRootFiles(t *testing.T) {
	entries := append([]entry{{name: "README", body: "root file"}}, zlibEntries...)
	archivePath := writeArchive(t, "zlib.tar", buildTar(t, entries))
	dest := t.TempDir()

	if err := Extract(context.Background(), archivePath, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "README")); !os.IsNotExist(err) {
		t.Errorf("root-level file was extracted (stat err = %v)", err)
	}
	assertZlibTree(t, dest)
}

func TestExtractSymlink(t *testing.T) {
	entries := append([]entry{}, zlibEntries...)
	entries = append(entries, entry{name: "zlib-1.2.11/lib/libz.so", linkname: "libz.a"})
	archivePath := writeArchive(t, "zlib.tar", buildTar(t, entries))
	dest := t.TempDir()

	if err := Extract(context.Background(), archivePath, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	target, err := os.Readlink(filepath.Join(dest, "lib", "libz.so"))
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	if target != "libz.a" {
		t.Errorf("link target = %q, want libz.a", target)
	}
}

func TestExtractRejectsUnsafeEntries(t *testing.T) {
	tests := map[string][]entry{
		"dot-dot traversal": {
			{name: "top/../../evil.txt", body: "x"},
		},
		"absolute path": {
			{name: "/etc/evil.txt", body: "x"},
		},
		"escaping symlink": {
			{name: "top/lib/escape", linkname: "../../../etc/passwd"},
		},
		"absolute symlink": {
			{name: "top/lib/escape", linkname: "/etc/passwd"},
		},
		"symlink chain": {
			{name: "top/a", linkname: "."},
			{name: "top/a/b", linkname: ".."},
			{name: "top/b/escaped.txt", body: "x"},
		},
	}

	for name, entries := range tests {
		t.Run(name, func(t *testing.T) {
			archivePath := writeArchive(t, "bad.tar", buildTar(t, entries))
			parent := t.TempDir()
			err := Extract(context.Background(), archivePath, filepath.Join(parent, "dest"))
			if !errors.Is(err, ErrExtractionFailed) {
				t.Errorf("Extract() error = %v, want ErrExtractionFailed", err)
			}

			siblings, err := os.ReadDir(parent)
			if err != nil {
				t.Fatal(err)
			}
			for _, s := range siblings {
				if s.Name() != "dest" {
					t.Errorf("extraction wrote %s outside the destination", s.Name())
				}
			}
		})
	}
}

func TestExtractRejectsZipTraversal(t *testing.T) {
	archivePath := writeArchive(t, "bad.zip", buildZip(t, []entry{{name: "top/../../evil.txt", body: "x"}}))
	err := Extract(context.Background(), archivePath, t.TempDir())
	if !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("Extract() error = %v, want ErrExtractionFailed", err)
	}
}

func TestExtractCorruptArchive(t *testing.T) {
	tests := map[string]struct {
		file string
		data []byte
	}{
		"truncated gzip": {file: "a.tar.gz", data: []byte{0x1f, 0x8b, 0x08}},
		"unknown format": {file: "a.bin", data: []byte("definitely not an archive")},
		"empty file":     {file: "a.zip", data: nil},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			archivePath := writeArchive(t, tc.file, tc.data)
			err := Extract(context.Background(), archivePath, t.TempDir())
			if !errors.Is(err, ErrExtractionFailed) {
				t.Errorf("Extract() error = %v, want ErrExtractionFailed", err)
			}
		})
	}
}

func TestExtractMissingArchive(t *testing.T) {
	err := Extract(context.Background(), filepath.Join(t.TempDir(), "nope.tar.gz"), t.TempDir())
	if !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("Extract() error = %v, want ErrExtractionFailed", err)
	}
}

func TestExtractCanceled(t *testing.T) {
	archivePath := writeArchive(t, "zlib.tar", buildTar(t, zlibEntries))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Extract(ctx, archivePath, t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Errorf("Extract() error = %v, want context.Canceled", err)
	}
}

func TestFormatFromName(t *testing.T) {
	tests := map[string]Format{
		"https://example.com/zlib-1.2.11.tar.gz": FormatTarGz,
		"zlib.TGZ":                               FormatTarGz,
		"zlib.tar.xz":                            FormatTarXz,
		"zlib.tar.zst":                           FormatTarZst,
		"zlib.tar":                               FormatTar,
		"zlib-win.zip":                           FormatZip,
		"zlib.7z":                                FormatUnknown,
		"no-extension":                           FormatUnknown,
	}

	for input, want := range tests {
		t.Run(input, func(t *testing.T) {
			if got := FormatFromName(input); got != want {
				t.Errorf("FormatFromName(%q) = %v, want %v", input, got, want)
			}
		})
	}
}
