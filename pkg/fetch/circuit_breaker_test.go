package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func TestCircuitBreakerFetchSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("test content"))
	}))
	defer server.Close()

	cbFetcher := NewCircuitBreakerFetcher(NewFetcher())

	artifact, err := cbFetcher.Fetch(context.Background(), server.URL+"/a.tar.gz")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	body, _ := io.ReadAll(artifact.Body)
	if string(body) != "test content" {
		t.Errorf("body = %q, want %q", body, "test content")
	}

	host := hostOf(server.URL)
	if got := cbFetcher.States()[host]; got != "closed" {
		t.Errorf("state for %s = %q, want closed", host, got)
	}
}

func TestCircuitBreakerTrips(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	cbFetcher := NewCircuitBreakerFetcher(NewFetcher(WithBaseDelay(time.Millisecond)))

	for i := 0; i < 5; i++ {
		if _, err := cbFetcher.Fetch(context.Background(), server.URL+"/a.tar.gz"); err == nil {
			t.Fatalf("Fetch %d succeeded, want error", i+1)
		}
	}

	_, err := cbFetcher.Fetch(context.Background(), server.URL+"/a.tar.gz")
	if !errors.Is(err, ErrUpstreamDown) {
		t.Errorf("Fetch() after trip error = %v, want ErrUpstreamDown", err)
	}
	if got := hits.Load(); got != 5 {
		t.Errorf("server hits = %d, want 5", got)
	}

	host := hostOf(server.URL)
	if got := cbFetcher.States()[host]; got != "open" {
		t.Errorf("state for %s = %q, want open", host, got)
	}
	if got := cbFetcher.OpenHosts(); len(got) != 1 || got[0] != host {
		t.Errorf("OpenHosts() = %v, want [%s]", got, host)
	}
	if err := cbFetcher.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestCircuitBreakerHead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1234")
	}))
	defer server.Close()

	size, err := NewCircuitBreakerFetcher(NewFetcher()).Head(context.Background(), server.URL+"/a.tar.gz")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if size != 1234 {
		t.Errorf("size = %d, want 1234", size)
	}
}

func TestHostOf(t *testing.T) {
	tests := map[string]struct {
		input string
		want  string
	}{
		"https":     {input: "https://mirror.example.com/zlib.tar.gz", want: "mirror.example.com"},
		"with port": {input: "http://127.0.0.1:8080/a.zip", want: "127.0.0.1:8080"},
		"file":      {input: (&url.URL{Scheme: "file", Path: "/srv/a.zip"}).String(), want: "file"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := hostOf(tc.input); got != tc.want {
				t.Errorf("hostOf(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}
