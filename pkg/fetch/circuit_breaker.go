package fetch

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// CircuitBreakerFetcher wraps a Fetcher with one circuit breaker per host,
// so an unreachable mirror fails fast for the remaining dependencies.
type CircuitBreakerFetcher struct {
	fetcher   *Fetcher
	threshold int64
	breakers  map[string]*circuit.Breaker
	mu        sync.RWMutex
}

var _ FetcherInterface = &CircuitBreakerFetcher{}

// NewCircuitBreakerFetcher creates a breaker wrapper that trips a host after
// five consecutive failures.
func NewCircuitBreakerFetcher(f *Fetcher) *CircuitBreakerFetcher {
	return &CircuitBreakerFetcher{
		fetcher:   f,
		threshold: 5,
		breakers:  make(map[string]*circuit.Breaker),
	}
}

func (cbf *CircuitBreakerFetcher) getBreaker(host string) *circuit.Breaker {
	cbf.mu.RLock()
	breaker, exists := cbf.breakers[host]
	cbf.mu.RUnlock()

	if exists {
		return breaker
	}

	cbf.mu.Lock()
	defer cbf.mu.Unlock()

	if breaker, exists := cbf.breakers[host]; exists {
		return breaker
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(cbf.threshold),
	})

	cbf.breakers[host] = breaker
	return breaker
}

func (cbf *CircuitBreakerFetcher) Fetch(ctx context.Context, fetchURL string) (*Artifact, error) {
	host := hostOf(fetchURL)
	breaker := cbf.getBreaker(host)

	if !breaker.Ready() {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", host, ErrUpstreamDown)
	}

	var artifact *Artifact
	err := breaker.Call(func() error {
		var fetchErr error
		artifact, fetchErr = cbf.fetcher.Fetch(ctx, fetchURL)
		return fetchErr
	}, 0)
	if err != nil {
		return nil, err
	}

	return artifact, nil
}

func (cbf *CircuitBreakerFetcher) Head(ctx context.Context, headURL string) (size int64, err error) {
	host := hostOf(headURL)
	breaker := cbf.getBreaker(host)

	if !breaker.Ready() {
		return 0, fmt.Errorf("circuit breaker open for %s: %w", host, ErrUpstreamDown)
	}

	err = breaker.Call(func() error {
		var headErr error
		size, headErr = cbf.fetcher.Head(ctx, headURL)
		return headErr
	}, 0)

	return size, err
}

// States reports "open" or "closed" for every host seen so far.
func (cbf *CircuitBreakerFetcher) States() map[string]string {
	cbf.mu.RLock()
	defer cbf.mu.RUnlock()

	states := make(map[string]string, len(cbf.breakers))
	for host, breaker := range cbf.breakers {
		if breaker.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

// OpenHosts lists, sorted, the hosts whose breaker has tripped.
func (cbf *CircuitBreakerFetcher) OpenHosts() []string {
	var hosts []string
	for host, state := range cbf.States() {
		if state == "open" {
			hosts = append(hosts, host)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// Close releases the wrapped Fetcher.
func (cbf *CircuitBreakerFetcher) Close() error {
	return cbf.fetcher.Close()
}

// hostOf groups URLs by host. file:// URLs share one breaker.
func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.Host == "" {
		return parsed.Scheme
	}
	return parsed.Host
}
