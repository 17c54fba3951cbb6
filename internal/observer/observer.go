// Package observer implements the registry's consumer-observer mechanism:
// per-package subscriptions with a bounded subscriber list, update event
// classification, and delivery under a sliding-window rate limit.
package observer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/semverx/registry/internal/fault"
	"github.com/semverx/registry/internal/semver"
)

var (
	// ErrTooManySubscribers is returned once a package's subscriber cap is
	// reached. The caller may retry after other subscribers leave.
	ErrTooManySubscribers = errors.New("too many subscribers")
	// ErrRateLimited is returned when the package's notification window is
	// full. The event is dropped; the hub never buffers. The caller retries
	// or queues on its side.
	ErrRateLimited = errors.New("rate limited")
)

const (
	// DefaultSubscriberCap bounds the subscriber list per package.
	DefaultSubscriberCap = 100
	// DefaultMaxUpdatesPerSec is the notification rate limit per package.
	DefaultMaxUpdatesPerSec = 10

	minUpdatesPerSec = 5
	maxUpdatesPerSec = 10

	window = time.Second
)

// Kind classifies an update event for subscribers.
type Kind string

const (
	// KindOptIn is the default: the subscriber must act to upgrade.
	KindOptIn Kind = "opt-in"
	// KindMandatory marks security fixes and Danger-or-worse faults.
	KindMandatory Kind = "mandatory"
	// KindStaleRelease marks age-based staleness, computed externally.
	KindStaleRelease Kind = "stale-release"
)

// Event is one package update notification.
type Event struct {
	PackageID  string
	OldVersion *semver.Version
	NewVersion semver.Version
	Kind       Kind
	FaultLevel int
}

// ClassifyKind derives an event kind: stale wins when flagged externally,
// then Danger-band-or-higher faults and security fixes force mandatory,
// everything else is opt-in.
func ClassifyKind(faultLevel int, securityFix, stale bool) Kind {
	if stale {
		return KindStaleRelease
	}
	if securityFix || fault.Classify(faultLevel) >= fault.Danger {
		return KindMandatory
	}
	return KindOptIn
}

// Handler receives delivered events. Errors are isolated per subscriber.
type Handler func(context.Context, Event) error

// Subscription is one observer registration.
type Subscription struct {
	ID           string
	PackageID    string
	handler      Handler
	created      time.Time
	lastNotified time.Time
}

// Delivery is the aggregate result of one notify call. Individual handler
// failures never block delivery to other subscribers; they are collected
// here instead.
type Delivery struct {
	Delivered int
	Failed    map[string]error // subscription id -> handler error
}

// Hub maintains subscriptions and delivers update events.
type Hub struct {
	clk       clock.Clock
	log       *zap.Logger
	cap       int
	maxPerSec int

	mu   sync.Mutex
	pkgs map[string]*pkgState
	byID map[string]string // subscription id -> package id
}

// pkgState carries one package's subscribers and rate-limit window. Each
// package locks independently so notify calls for different packages never
// contend.
type pkgState struct {
	mu     sync.Mutex
	subs   []*Subscription
	window []time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithClock injects the clock used for the rate-limit window.
func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clk = c }
}

// WithSubscriberCap sets the per-package subscriber cap.
func WithSubscriberCap(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.cap = n
		}
	}
}

// WithMaxUpdatesPerSec sets the per-package notification rate limit,
// clamped to the 5-10 range deployment policy allows.
func WithMaxUpdatesPerSec(n int) Option {
	return func(h *Hub) {
		if n < minUpdatesPerSec {
			n = minUpdatesPerSec
		}
		if n > maxUpdatesPerSec {
			n = maxUpdatesPerSec
		}
		h.maxPerSec = n
	}
}

// NewHub creates an observer hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clk:       clock.New(),
		log:       zap.NewNop(),
		cap:       DefaultSubscriberCap,
		maxPerSec: DefaultMaxUpdatesPerSec,
		pkgs:      make(map[string]*pkgState),
		byID:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) pkg(packageID string) *pkgState {
	h.mu.Lock()
	defer h.mu.Unlock()
	ps, ok := h.pkgs[packageID]
	if !ok {
		ps = &pkgState{}
		h.pkgs[packageID] = ps
	}
	return ps
}

// Subscribe registers a handler for a package's updates and returns the
// subscription id. Fails with ErrTooManySubscribers at the cap.
func (h *Hub) Subscribe(packageID string, handler Handler) (string, error) {
	// Snapshot the cap while holding h.mu; SetSubscriberCap writes it under
	// the same lock.
	h.mu.Lock()
	ps, ok := h.pkgs[packageID]
	if !ok {
		ps = &pkgState{}
		h.pkgs[packageID] = ps
	}
	limit := h.cap
	h.mu.Unlock()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.subs) >= limit {
		return "", ErrTooManySubscribers
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		PackageID: packageID,
		handler:   handler,
		created:   h.clk.Now(),
	}
	ps.subs = append(ps.subs, sub)

	h.mu.Lock()
	h.byID[sub.ID] = packageID
	h.mu.Unlock()

	h.log.Debug("subscribed",
		zap.String("package", packageID),
		zap.String("subscription", sub.ID))
	return sub.ID, nil
}

// Unsubscribe removes a subscription. Removing an unknown or already-removed
// id is a no-op.
func (h *Hub) Unsubscribe(subscriptionID string) {
	h.mu.Lock()
	packageID, ok := h.byID[subscriptionID]
	if ok {
		delete(h.byID, subscriptionID)
	}
	ps := h.pkgs[packageID]
	h.mu.Unlock()
	if !ok || ps == nil {
		return
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, sub := range ps.subs {
		if sub.ID == subscriptionID {
			ps.subs = append(ps.subs[:i], ps.subs[i+1:]...)
			return
		}
	}
}

// Subscribers returns the number of active subscriptions for a package.
func (h *Hub) Subscribers(packageID string) int {
	h.mu.Lock()
	ps := h.pkgs[packageID]
	h.mu.Unlock()
	if ps == nil {
		return 0
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.subs)
}

// SetSubscriberCap lowers or raises the per-package cap at runtime. When a
// package's live list exceeds the new cap, the oldest subscriptions are
// evicted first.
func (h *Hub) SetSubscriberCap(n int) {
	if n <= 0 {
		return
	}

	h.mu.Lock()
	h.cap = n
	pkgs := make([]*pkgState, 0, len(h.pkgs))
	for _, ps := range h.pkgs {
		pkgs = append(pkgs, ps)
	}
	h.mu.Unlock()

	for _, ps := range pkgs {
		ps.mu.Lock()
		for len(ps.subs) > n {
			evicted := ps.subs[0]
			ps.subs = ps.subs[1:]
			h.mu.Lock()
			delete(h.byID, evicted.ID)
			h.mu.Unlock()
			h.log.Warn("subscription evicted by cap change",
				zap.String("package", evicted.PackageID),
				zap.String("subscription", evicted.ID))
		}
		ps.mu.Unlock()
	}
}

// Notify delivers an event to every active subscriber of the package, under
// the package's sliding one-second rate-limit window. A full window drops
// the event with ErrRateLimited. Handler failures are isolated per
// subscriber and reported in the aggregate result.
func (h *Hub) Notify(ctx context.Context, packageID string, ev Event) (*Delivery, error) {
	ps := h.pkg(packageID)
	now := h.clk.Now()

	ps.mu.Lock()
	// Drop window entries older than the trailing 1000ms.
	cutoff := now.Add(-window)
	kept := ps.window[:0]
	for _, t := range ps.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	ps.window = kept

	if len(ps.window) >= h.maxPerSec {
		ps.mu.Unlock()
		h.log.Debug("notification rate limited", zap.String("package", packageID))
		return nil, ErrRateLimited
	}
	ps.window = append(ps.window, now)

	targets := make([]*Subscription, len(ps.subs))
	copy(targets, ps.subs)
	for _, sub := range targets {
		sub.lastNotified = now
	}
	ps.mu.Unlock()

	res := &Delivery{Failed: make(map[string]error)}
	var resMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, sub := range targets {
		g.Go(func() error {
			if err := sub.handler(gctx, ev); err != nil {
				resMu.Lock()
				res.Failed[sub.ID] = err
				resMu.Unlock()
				h.log.Warn("delivery failed",
					zap.String("package", packageID),
					zap.String("subscription", sub.ID),
					zap.Error(err))
				return nil
			}
			resMu.Lock()
			res.Delivered++
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return res, nil
}
