// Package fetch streams distribution archives from the URLs listed in the
// registry index, with retry, per-host circuit breaking and DNS caching.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"
)

var (
	// ErrDownloadFailed is wrapped by every failure to obtain an artifact.
	ErrDownloadFailed = errors.New("download failed")

	ErrNotFound     = fmt.Errorf("%w: artifact not found", ErrDownloadFailed)
	ErrRateLimited  = fmt.Errorf("%w: rate limited by upstream", ErrDownloadFailed)
	ErrUpstreamDown = fmt.Errorf("%w: upstream unavailable", ErrDownloadFailed)
)

// Artifact is an open download. The caller must close Body.
type Artifact struct {
	Body        io.ReadCloser
	Size        int64 // -1 if unknown
	ContentType string
}

// FetcherInterface is implemented by Fetcher and CircuitBreakerFetcher.
type FetcherInterface interface {
	Fetch(ctx context.Context, url string) (*Artifact, error)
	Head(ctx context.Context, url string) (size int64, err error)
}

// Fetcher downloads artifacts over HTTP(S), or reads them from disk for
// file:// URLs.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

var _ FetcherInterface = &Fetcher{}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithMaxRetries sets how many times a rate-limited or failing request is
// retried.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		f.maxRetries = n
	}
}

// WithBaseDelay sets the first retry delay. Later delays grow exponentially.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		f.baseDelay = d
	}
}

// NewFetcher creates a Fetcher whose dialer resolves hosts through a DNS
// cache refreshed every five minutes. Close stops the refresh.
func NewFetcher(opts ...Option) *Fetcher {
	resolver := &dnscache.Resolver{}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-done:
				return
			}
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	f := &Fetcher{
		client: &http.Client{
			Timeout: 30 * time.Minute, // prebuilt toolchains can be large
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					host, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					ips, err := resolver.LookupHost(ctx, host)
					if err != nil {
						return nil, err
					}
					for _, ip := range ips {
						conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
						if err == nil {
							return conn, nil
						}
					}
					return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
				},
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		userAgent:  "fdm/1.0",
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   30 * time.Second,
		done:       done,
		stopped:    stopped,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Close stops the DNS cache refresh and drops idle connections. It is safe
// to call more than once.
func (f *Fetcher) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
		<-f.stopped
		f.client.CloseIdleConnections()
	})
	return nil
}

// newBackOff returns the retry schedule for one Fetch call: exponential
// growth from baseDelay with 10% jitter.
func (f *Fetcher) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.baseDelay
	b.RandomizationFactor = 0.1
	b.Multiplier = 2.0
	b.MaxInterval = f.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Fetch opens the artifact at rawURL. Rate limiting and server errors are
// retried; not-found and other client errors are returned immediately.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Artifact, error) {
	if isFileURL(rawURL) {
		return openFile(rawURL)
	}

	var lastErr error
	b := f.newBackOff()

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.NextBackOff()):
			}
		}

		artifact, err := f.doFetch(ctx, rawURL)
		if err == nil {
			return artifact, nil
		}

		lastErr = err

		if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamDown) {
			continue
		}
		return nil, err
	}

	return nil, lastErr
}

func (f *Fetcher) doFetch(ctx context.Context, rawURL string) (*Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", ErrDownloadFailed, err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Artifact{
			Body:        resp.Body,
			Size:        contentLength(resp),
			ContentType: resp.Header.Get("Content-Type"),
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)

	case resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		return nil, ErrRateLimited

	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamDown, resp.StatusCode)

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrDownloadFailed, resp.StatusCode, string(body))
	}
}

// Head reports the artifact size without downloading it, or -1 when the
// server does not say.
func (f *Fetcher) Head(ctx context.Context, rawURL string) (int64, error) {
	if isFileURL(rawURL) {
		info, err := os.Stat(filePath(rawURL))
		if err != nil {
			return 0, fileError(rawURL, err)
		}
		return info.Size(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: creating request: %w", ErrDownloadFailed, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: head request: %w", ErrDownloadFailed, err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: unexpected status %d", ErrDownloadFailed, resp.StatusCode)
	}
	return contentLength(resp), nil
}

func contentLength(resp *http.Response) int64 {
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return n
		}
	}
	return -1
}

func isFileURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme == "file"
}

func filePath(rawURL string) string {
	u, _ := url.Parse(rawURL)
	return u.Path
}

func openFile(rawURL string) (*Artifact, error) {
	path := filePath(rawURL)
	file, err := os.Open(path)
	if err != nil {
		return nil, fileError(rawURL, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fileError(rawURL, err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrDownloadFailed, path)
	}
	return &Artifact{Body: file, Size: info.Size()}, nil
}

func fileError(rawURL string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	}
	return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
}
