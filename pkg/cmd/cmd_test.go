package cmd

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"sigs.k8s.io/yaml"

	"github.com/fdm2-org/fdm/pkg/config"
	"github.com/fdm2-org/fdm/pkg/project"
)

// writeArchive writes a .tar.gz holding files under one top-level directory.
func writeArchive(t *testing.T, path, top string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: top + "/" + name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// setupOffline builds a local registry whose artifacts are file:// URLs and
// a project depending on it, then changes into the project.
func setupOffline(t *testing.T, manifest string) (registryDir, projectDir string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	artifacts := t.TempDir()
	writeArchive(t, filepath.Join(artifacts, "png.tar.gz"), "libpng-1.6.40", map[string]string{"png.h": "png"})
	writeArchive(t, filepath.Join(artifacts, "zlib.tar.gz"), "zlib-1.3.0", map[string]string{"zlib.h": "zlib"})

	registryDir = t.TempDir()
	docs := map[string]string{
		"p/png.yml": `
1.6.40:
  source: file://` + filepath.ToSlash(filepath.Join(artifacts, "png.tar.gz")) + `
  dependencies:
    - zlib: { version: "1.3.0", distribution: src }
`,
		"z/zlib.yml": `
1.3.0:
  source: file://` + filepath.ToSlash(filepath.Join(artifacts, "zlib.tar.gz")) + `
`,
	}
	for name, doc := range docs {
		p := filepath.Join(registryDir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	projectDir = t.TempDir()
	if err := os.WriteFile(filepath.Join(projectDir, config.ManifestFileName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(projectDir)
	return registryDir, projectDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

const appManifest = `
[package]
name = "app"
version = "0.1.0"

[dependencies]
png = { version = "1.6.40", distribution = "src" }
`

func TestLoadOffline(t *testing.T) {
	reg, project := setupOffline(t, appManifest)

	out, err := execute(t, "load", "--offline", "--local", reg)
	if err != nil {
		t.Fatalf("load error = %v\n%s", err, out)
	}

	for name, file := range map[string]string{"png": "png.h", "zlib": "zlib.h"} {
		p := filepath.Join(project, "fdm", "pack", "libs", name, file)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s not staged: %v", p, err)
		}
	}
	if !strings.Contains(out, "png") || !strings.Contains(out, "zlib") {
		t.Errorf("output does not list staged libraries:\n%s", out)
	}

	// The mirror is reusable without syncing.
	if out, err := execute(t, "load", "--no-sync", "--offline", "--local", reg); err != nil {
		t.Fatalf("load --no-sync error = %v\n%s", err, out)
	}
}

func TestLoadOfflineBareLocalName(t *testing.T) {
	reg, project := setupOffline(t, appManifest)
	if err := os.CopyFS(filepath.Join(project, "myreg"), os.DirFS(reg)); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "load", "--offline", "--local", "myreg")
	if err != nil {
		t.Fatalf("load --local myreg error = %v\n%s", err, out)
	}
	if _, err := os.Stat(filepath.Join(project, "fdm", "pack", "libs", "zlib", "zlib.h")); err != nil {
		t.Errorf("zlib not staged: %v", err)
	}
}

func TestLocalConfigFromSubdirectory(t *testing.T) {
	reg, project := setupOffline(t, appManifest)
	local := "offline = true\nlocal = " + strconv.Quote(reg) + "\n"
	if err := os.WriteFile(filepath.Join(project, config.LocalConfigFile), []byte(local), 0o644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(project, "src")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(sub)

	out, err := execute(t, "resolve")
	if err != nil {
		t.Fatalf("resolve from a subdirectory error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "zlib") {
		t.Errorf("resolve output = %q", out)
	}
}

func TestLoadReportsFailures(t *testing.T) {
	reg, _ := setupOffline(t, appManifest+`missing = { version = "1.0.0", distribution = "static" }
`)

	out, err := execute(t, "load", "--offline", "--local", reg)
	if err == nil {
		t.Fatal("load error = nil, want failure for missing")
	}
	if !strings.Contains(err.Error(), "1 of 3") {
		t.Errorf("error = %v, want a count of failed dependencies", err)
	}
	if !strings.Contains(out, "missing") {
		t.Errorf("output does not name the failed dependency:\n%s", out)
	}
}

func TestResolveOffline(t *testing.T) {
	reg, _ := setupOffline(t, appManifest)

	out, err := execute(t, "resolve", "--offline", "--local", reg)
	if err != nil {
		t.Fatalf("resolve error = %v", err)
	}
	if !strings.Contains(out, "png") || !strings.Contains(out, "zlib") {
		t.Errorf("resolve output = %q", out)
	}

	if _, err := execute(t, "resolve", "--offline", "--local", reg, "png", "9.9.9", "src"); err == nil {
		t.Error("resolve of an unpublished version succeeded")
	}
}

func TestResolveStructuredOutput(t *testing.T) {
	reg, _ := setupOffline(t, appManifest)

	for _, format := range []string{"yaml", "json"} {
		t.Run(format, func(t *testing.T) {
			out, err := execute(t, "resolve", "--offline", "--local", reg, "-o", format)
			if err != nil {
				t.Fatalf("resolve -o %s error = %v", format, err)
			}
			var report resolutionReport
			if err := yaml.Unmarshal([]byte(out), &report); err != nil {
				t.Fatalf("decoding %s output: %v\n%s", format, err, out)
			}
			if len(report.Packages) != 2 {
				t.Fatalf("got %d packages, want 2:\n%s", len(report.Packages), out)
			}
			for _, pkg := range report.Packages {
				if !pkg.Available {
					t.Errorf("%s reported unavailable", pkg.Name)
				}
			}
			if report.Packages[0].Name != "png" || report.Packages[1].Version != "1.3.0" {
				t.Errorf("packages = %+v", report.Packages)
			}
		})
	}

	if _, err := execute(t, "resolve", "--offline", "--local", reg, "-o", "xml"); err == nil {
		t.Error("resolve -o xml succeeded")
	}
}

func TestRegistryList(t *testing.T) {
	reg, _ := setupOffline(t, appManifest)

	out, err := execute(t, "registry", "list", "--sync", "--offline", "--local", reg)
	if err != nil {
		t.Fatalf("registry list error = %v", err)
	}
	for _, want := range []string{"png", "1.6.40", "zlib", "sources"} {
		if !strings.Contains(out, want) {
			t.Errorf("registry list output missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, "registry", "list", "--offline", "--local", reg, "ghost"); err == nil {
		t.Error("listing an unknown package succeeded")
	}
}

func TestOfflineRequiresLocal(t *testing.T) {
	setupOffline(t, appManifest)
	if _, err := execute(t, "load", "--offline"); err == nil {
		t.Error("load --offline without --local succeeded")
	}
}

func TestChangedFlags(t *testing.T) {
	root := NewRootCmd()
	if err := root.PersistentFlags().Parse([]string{"--jobs", "3", "-v", "--arch", "linux-x64"}); err != nil {
		t.Fatal(err)
	}

	got := changedFlags(root.PersistentFlags())
	want := map[string]any{config.KeyJobs: 3, config.KeyVerbose: true, config.KeyArch: "linux-x64"}
	if len(got) != len(want) {
		t.Fatalf("changedFlags() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("changedFlags()[%s] = %v, want %v", k, got[k], v)
		}
	}
}

func TestWorkspaceSharesFetcher(t *testing.T) {
	DevCfg = &config.DevConfig{}
	ws := &workspace{layout: project.Layout{Root: t.TempDir()}}

	first, second := ws.installer(), ws.installer()
	if first.Fetcher != second.Fetcher {
		t.Error("installers built from one workspace use different fetchers")
	}
	if err := ws.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
