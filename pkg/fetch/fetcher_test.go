package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchSuccess(t *testing.T) {
	content := "archive bytes"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Length", "13")
		_, _ = w.Write([]byte(content))
	}))
	defer server.Close()

	f := NewFetcher()
	artifact, err := f.Fetch(context.Background(), server.URL+"/zlib.tar.gz")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	if artifact.Size != 13 {
		t.Errorf("Size = %d, want 13", artifact.Size)
	}
	if artifact.ContentType != "application/gzip" {
		t.Errorf("ContentType = %q, want application/gzip", artifact.ContentType)
	}

	body, err := io.ReadAll(artifact.Body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(body) != content {
		t.Errorf("body = %q, want %q", body, content)
	}
}

func TestFetcherClose(t *testing.T) {
	f := NewFetcher()
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	select {
	case <-f.stopped:
	default:
		t.Error("DNS refresh still running after Close")
	}
}

func TestFetchStatusErrors(t *testing.T) {
	tests := map[string]struct {
		status  int
		want    error
		attempt int32
	}{
		"not found": {
			status:  http.StatusNotFound,
			want:    ErrNotFound,
			attempt: 1,
		},
		"forbidden": {
			status:  http.StatusForbidden,
			want:    ErrDownloadFailed,
			attempt: 1,
		},
		"server error retried": {
			status:  http.StatusBadGateway,
			want:    ErrUpstreamDown,
			attempt: 3,
		},
		"rate limit retried": {
			status:  http.StatusTooManyRequests,
			want:    ErrRateLimited,
			attempt: 3,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			f := NewFetcher(WithMaxRetries(2), WithBaseDelay(time.Millisecond))
			_, err := f.Fetch(context.Background(), server.URL+"/a.tar.gz")
			if !errors.Is(err, tc.want) {
				t.Errorf("Fetch() error = %v, want %v", err, tc.want)
			}
			if !errors.Is(err, ErrDownloadFailed) {
				t.Errorf("Fetch() error = %v does not wrap ErrDownloadFailed", err)
			}
			if got := attempts.Load(); got != tc.attempt {
				t.Errorf("attempts = %d, want %d", got, tc.attempt)
			}
		})
	}
}

func TestFetchRetryRecovers(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	f := NewFetcher(WithBaseDelay(5 * time.Millisecond))
	artifact, err := f.Fetch(context.Background(), server.URL+"/a.tar.gz")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestFetchContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	f := NewFetcher()
	if _, err := f.Fetch(ctx, server.URL+"/a.tar.gz"); err == nil {
		t.Error("expected error on context cancellation")
	}
}

func TestFetchUnknownSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Transfer-Encoding", "chunked")
		_, _ = w.Write([]byte("chunk1"))
	}))
	defer server.Close()

	f := NewFetcher()
	artifact, err := f.Fetch(context.Background(), server.URL+"/a.tar.gz")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	if artifact.Size != -1 {
		t.Errorf("Size = %d, want -1 for unknown", artifact.Size)
	}
}

func TestFetchUserAgent(t *testing.T) {
	var receivedUA atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedUA.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := NewFetcher(WithUserAgent("fdm-test/2.0"))
	artifact, _ := f.Fetch(context.Background(), server.URL+"/a.tar.gz")
	if artifact != nil {
		_ = artifact.Body.Close()
	}

	if got, _ := receivedUA.Load().(string); got != "fdm-test/2.0" {
		t.Errorf("User-Agent = %q, want fdm-test/2.0", got)
	}
}

func TestFetchFileURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zlib.tar.gz")
	if err := os.WriteFile(path, []byte("local archive"), 0o644); err != nil {
		t.Fatal(err)
	}
	fileURL := (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()

	f := NewFetcher()
	artifact, err := f.Fetch(context.Background(), fileURL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	if artifact.Size != int64(len("local archive")) {
		t.Errorf("Size = %d, want %d", artifact.Size, len("local archive"))
	}
	body, _ := io.ReadAll(artifact.Body)
	if string(body) != "local archive" {
		t.Errorf("body = %q", body)
	}

	size, err := f.Head(context.Background(), fileURL)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if size != artifact.Size {
		t.Errorf("Head size = %d, want %d", size, artifact.Size)
	}
}

func TestFetchFileURLMissing(t *testing.T) {
	missing := (&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(t.TempDir(), "nope.tar.gz"))}).String()

	_, err := NewFetcher().Fetch(context.Background(), missing)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestHead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Method = %s, want HEAD", r.Method)
		}
		w.Header().Set("Content-Length", "12345")
	}))
	defer server.Close()

	size, err := NewFetcher().Head(context.Background(), server.URL+"/a.tar.gz")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if size != 12345 {
		t.Errorf("size = %d, want 12345", size)
	}
}

func TestHeadNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewFetcher().Head(context.Background(), server.URL+"/missing.tar.gz")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Head = %v, want ErrNotFound", err)
	}
}
