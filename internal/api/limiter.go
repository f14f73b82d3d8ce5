package api

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// Throttling defaults.
const (
	// DefaultMaxConcurrencyPerHost limits parallel requests to a single host.
	DefaultMaxConcurrencyPerHost = 10
	// DefaultDelayBetweenHostRequests is the minimum delay between request starts to the same host.
	DefaultDelayBetweenHostRequests = 10 * time.Millisecond
)

// hostLimiter controls per-host request concurrency and spacing.
type hostLimiter struct {
	mu          sync.Mutex
	maxInFlight int
	delay       time.Duration
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

func newHostLimiter(maxInFlight int, delay time.Duration) *hostLimiter {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxConcurrencyPerHost
	}
	return &hostLimiter{
		maxInFlight: maxInFlight,
		delay:       delay,
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for the host, blocking if necessary, then waits out
// the minimum delay since the previous request start.
func (hl *hostLimiter) acquire(ctx context.Context, host string) error {
	hl.mu.Lock()
	sem, ok := hl.semaphores[host]
	if !ok {
		sem = make(chan struct{}, hl.maxInFlight)
		hl.semaphores[host] = sem
	}
	hl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		hl.mu.Lock()
		wait := hl.delay - time.Since(hl.lastRequest[host])
		if wait <= 0 || hl.lastRequest[host].IsZero() {
			hl.lastRequest[host] = time.Now()
			hl.mu.Unlock()
			return nil
		}
		hl.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			<-sem
			return ctx.Err()
		}
	}
}

// release returns a slot for the host.
func (hl *hostLimiter) release(host string) {
	hl.mu.Lock()
	sem := hl.semaphores[host]
	hl.mu.Unlock()
	<-sem
}

// ThrottledFetcher bounds in-flight requests per host and spaces their starts.
type ThrottledFetcher struct {
	inner   Fetcher
	limiter *hostLimiter
}

// NewThrottledFetcher wraps inner. maxInFlight <= 0 selects
// DefaultMaxConcurrencyPerHost.
func NewThrottledFetcher(inner Fetcher, maxInFlight int, delay time.Duration) *ThrottledFetcher {
	return &ThrottledFetcher{
		inner:   inner,
		limiter: newHostLimiter(maxInFlight, delay),
	}
}

// Fetch implements Fetcher.
func (f *ThrottledFetcher) Fetch(ctx context.Context, req *Request) ([]byte, error) {
	host := extractHost(req.URL)
	if err := f.limiter.acquire(ctx, host); err != nil {
		return nil, fmt.Errorf("throttle cancelled for %s: %w", req.URL, err)
	}
	defer f.limiter.release(host)
	return f.inner.Fetch(ctx, req)
}

func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
