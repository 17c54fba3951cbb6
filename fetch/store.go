// Package fetch implements the registry core's artifact-store collaborator:
// streaming tarball downloads with retry and DNS caching, per-host circuit
// breaking, and checksum verification against the digest recorded on a
// package-version record.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/dnscache"

	"github.com/semverx/registry/internal/core"
)

var (
	// ErrNotFound means the artifact does not exist upstream.
	ErrNotFound = errors.New("artifact not found")
	// ErrRateLimited means the upstream store throttled the request.
	ErrRateLimited = errors.New("rate limited by artifact store")
	// ErrStoreDown means the upstream store is unavailable.
	ErrStoreDown = errors.New("artifact store unavailable")
	// ErrChecksumMismatch means the downloaded bytes do not hash to the
	// digest the record declares.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Artifact is one streamed download.
type Artifact struct {
	Body        io.ReadCloser
	Size        int64 // -1 if unknown
	ContentType string
	ETag        string
}

// Store is the artifact-store interface the registry core consumes.
type Store interface {
	// Fetch streams the artifact at url. The caller closes Body.
	Fetch(ctx context.Context, url string) (*Artifact, error)
	// FetchVerified downloads the artifact fully and verifies it against
	// sum byte-for-byte. A zero sum skips verification.
	FetchVerified(ctx context.Context, url string, sum core.Checksum) ([]byte, error)
}

// Client downloads artifacts over HTTP.
type Client struct {
	http       *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Client) { f.http = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Client) { f.userAgent = ua }
}

// WithMaxRetries sets the maximum retry attempts.
func WithMaxRetries(n int) Option {
	return func(f *Client) { f.maxRetries = n }
}

// WithBaseDelay sets the base delay for exponential backoff.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Client) { f.baseDelay = d }
}

// NewClient creates an artifact client. The transport caches DNS lookups,
// refreshed every five minutes, since artifact hosts are few and hot.
func NewClient(opts ...Option) *Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{
		Timeout:   15 * time.Second,
		KeepAlive: 60 * time.Second, // downloads reuse connections for minutes
	}

	c := &Client{
		http: &http.Client{
			Timeout: 10 * time.Minute, // tarballs can be large
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					host, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					ips, err := resolver.LookupHost(ctx, host)
					if err != nil {
						return nil, err
					}
					var lastErr error
					for _, ip := range ips {
						conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
						if err == nil {
							return conn, nil
						}
						lastErr = err
					}
					if lastErr == nil {
						return nil, fmt.Errorf("dialing %s: resolver returned no addresses", host)
					}
					return nil, fmt.Errorf("dialing %s: no resolved address reachable: %w", host, lastErr)
				},
				MaxIdleConns:          32,
				MaxIdleConnsPerHost:   4, // few artifact hosts, long transfers
				IdleConnTimeout:       2 * time.Minute,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		userAgent:  "semverx-registry/1.0",
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch streams an artifact, retrying rate limits and upstream outages with
// exponential backoff. Not-found and client errors are never retried.
func (c *Client) Fetch(ctx context.Context, url string) (*Artifact, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with 10% jitter.
			delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			delay += time.Duration(float64(delay) * (rand.Float64() * 0.1))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		artifact, err := c.doFetch(ctx, url)
		if err == nil {
			return artifact, nil
		}
		lastErr = err

		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrStoreDown) {
			continue
		}
		return nil, err
	}

	return nil, lastErr
}

func (c *Client) doFetch(ctx context.Context, url string) (*Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching artifact: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		size := int64(-1)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				size = n
			}
		}
		return &Artifact{
			Body:        resp.Body,
			Size:        size,
			ContentType: resp.Header.Get("Content-Type"),
			ETag:        resp.Header.Get("ETag"),
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, ErrNotFound

	case resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		return nil, ErrRateLimited

	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, ErrStoreDown

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// FetchVerified downloads the full artifact and compares its SHA-256 digest
// against sum byte-for-byte. The digest is opaque to the registry core; a
// zero sum skips verification.
func (c *Client) FetchVerified(ctx context.Context, url string, sum core.Checksum) ([]byte, error) {
	artifact, err := c.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = artifact.Body.Close() }()

	data, err := io.ReadAll(artifact.Body)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}

	if sum.IsZero() {
		return data, nil
	}
	got := sha256.Sum256(data)
	if !bytes.Equal(got[:], sum[:]) {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrChecksumMismatch, sum, core.Checksum(got))
	}
	return data, nil
}
