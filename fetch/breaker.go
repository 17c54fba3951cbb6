package fetch

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/semverx/registry/internal/core"
)

// BreakerStore wraps a Store with per-host circuit breakers so one dead
// artifact host cannot soak every install in retries.
type BreakerStore struct {
	store    Store
	breakers map[string]*circuit.Breaker
	mu       sync.RWMutex
}

// NewBreakerStore wraps store with circuit breaking.
func NewBreakerStore(store Store) *BreakerStore {
	return &BreakerStore{
		store:    store,
		breakers: make(map[string]*circuit.Breaker),
	}
}

// breaker returns or creates the circuit breaker for a host. Breakers trip
// after 5 consecutive failures and reopen on an exponential schedule.
func (b *BreakerStore) breaker(host string) *circuit.Breaker {
	b.mu.RLock()
	br, exists := b.breakers[host]
	b.mu.RUnlock()
	if exists {
		return br
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if br, exists := b.breakers[host]; exists {
		return br
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	br = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	b.breakers[host] = br
	return br
}

// Fetch streams an artifact through the host's breaker.
func (b *BreakerStore) Fetch(ctx context.Context, fetchURL string) (*Artifact, error) {
	br := b.breaker(hostOf(fetchURL))
	if !br.Ready() {
		return nil, fmt.Errorf("circuit open for %s: %w", hostOf(fetchURL), ErrStoreDown)
	}

	var artifact *Artifact
	err := br.Call(func() error {
		var fetchErr error
		artifact, fetchErr = b.store.Fetch(ctx, fetchURL)
		return fetchErr
	}, 0)
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// FetchVerified downloads and verifies an artifact through the host's breaker.
func (b *BreakerStore) FetchVerified(ctx context.Context, fetchURL string, sum core.Checksum) ([]byte, error) {
	br := b.breaker(hostOf(fetchURL))
	if !br.Ready() {
		return nil, fmt.Errorf("circuit open for %s: %w", hostOf(fetchURL), ErrStoreDown)
	}

	var data []byte
	err := br.Call(func() error {
		var fetchErr error
		data, fetchErr = b.store.FetchVerified(ctx, fetchURL, sum)
		return fetchErr
	}, 0)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// States reports each host's breaker state for health checks.
func (b *BreakerStore) States() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	states := make(map[string]string, len(b.breakers))
	for host, br := range b.breakers {
		if br.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

// hostOf extracts the host for breaker grouping.
func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}
