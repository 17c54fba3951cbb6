// Package registry implements a fault-tolerant package registry core for the
// SemVerX versioning scheme: a balanced package-version index, a dependency
// resolver with Eulerian, Hamiltonian, A* and hybrid strategies, a banded
// fault engine with bounded auto-recovery, and a rate-limited observer hub.
//
// Basic usage:
//
//	reg := registry.New()
//
//	err := reg.Publish(ctx, &registry.Record{
//		PackageID: "core",
//		Version:   registry.MustParseVersion("2.stable.1.stable.0.stable"),
//		License:   "MIT",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	plan, err := reg.Resolve(ctx, "core", "2.stable.*.*.*.*", "hybrid")
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, rec := range plan.Records {
//		fmt.Println(rec.PURL())
//	}
//
// Transport, persistence and access control are collaborators outside this
// core: requests must already be authorized when they arrive here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/git-pkgs/purl"
	"github.com/github/go-spdx/v2/spdxexp"
	"go.uber.org/zap"

	"github.com/semverx/registry/fetch"
	"github.com/semverx/registry/internal/core"
	"github.com/semverx/registry/internal/depgraph"
	"github.com/semverx/registry/internal/fault"
	"github.com/semverx/registry/internal/index"
	"github.com/semverx/registry/internal/observer"
	"github.com/semverx/registry/internal/resolve"
	"github.com/semverx/registry/internal/semver"
)

var (
	// ErrInvalidRecord is returned when a published record is structurally
	// unusable: empty package id or missing version channels.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrInvalidLicense is returned when a record's license is not a valid
	// SPDX expression.
	ErrInvalidLicense = errors.New("invalid license expression")
	// ErrRecordFrozen is returned when an operation targets a record the
	// fault engine froze pending manual review.
	ErrRecordFrozen = errors.New("record frozen pending review")
)

// Registry is the resolution-and-storage core. It owns the index, fault
// engine and observer hub; create one at service start and share it.
type Registry struct {
	ix     *index.Index
	faults *fault.Engine
	hub    *observer.Hub
	store  fetch.Store
	log    *zap.Logger

	hamBudget time.Duration
	heuristic resolve.Heuristic
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	log       *zap.Logger
	store     fetch.Store
	hubOpts   []observer.Option
	hamBudget time.Duration
	heuristic resolve.Heuristic
}

// WithLogger sets the logger shared by the core's components.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithStore sets the artifact-store collaborator used by Install.
func WithStore(s fetch.Store) Option {
	return func(o *options) { o.store = s }
}

// WithSubscriberCap sets the observer hub's per-package subscriber cap.
func WithSubscriberCap(n int) Option {
	return func(o *options) { o.hubOpts = append(o.hubOpts, observer.WithSubscriberCap(n)) }
}

// WithMaxUpdatesPerSec sets the notification rate limit (clamped to 5-10).
func WithMaxUpdatesPerSec(n int) Option {
	return func(o *options) { o.hubOpts = append(o.hubOpts, observer.WithMaxUpdatesPerSec(n)) }
}

// WithHamiltonianBudget bounds the Hamiltonian search per resolution call.
func WithHamiltonianBudget(d time.Duration) Option {
	return func(o *options) { o.hamBudget = d }
}

// WithHeuristic sets the A* heuristic for path-seeking resolutions. The
// default is the zero heuristic.
func WithHeuristic(h Heuristic) Option {
	return func(o *options) { o.heuristic = h }
}

// New creates a registry core. Without WithStore, Install performs no
// artifact download and trusts the declared checksums.
func New(opts ...Option) *Registry {
	o := &options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	ix := index.New()
	return &Registry{
		ix:        ix,
		faults:    fault.New(ix, fault.WithLogger(o.log)),
		hub:       observer.NewHub(append(o.hubOpts, observer.WithLogger(o.log))...),
		store:     o.store,
		log:       o.log,
		hamBudget: o.hamBudget,
		heuristic: o.heuristic,
	}
}

// Publish validates and inserts a new package-version record, then reports
// the release to subscribers. The index rejects duplicate identities.
func (r *Registry) Publish(ctx context.Context, rec *Record) error {
	if rec == nil || rec.PackageID == "" {
		return fmt.Errorf("%w: missing package id", ErrInvalidRecord)
	}
	if rec.Version.MajorChannel == "" || rec.Version.MinorChannel == "" || rec.Version.PatchChannel == "" {
		return fmt.Errorf("%w: version channels unset on %s", ErrInvalidRecord, rec.PackageID)
	}
	if rec.License != "" {
		if ok, bad := spdxexp.ValidateLicenses([]string{rec.License}); !ok {
			return fmt.Errorf("%w: %v", ErrInvalidLicense, bad)
		}
	}

	// Capture the previously newest version for the update event before the
	// insert changes the answer.
	var old *semver.Version
	if existing := r.ix.FindRange(rec.PackageID, matchAll); len(existing) > 0 {
		v := existing[len(existing)-1].Version
		old = &v
	}

	if err := r.ix.Insert(rec); err != nil {
		return err
	}
	r.log.Info("published",
		zap.String("package", rec.PackageID),
		zap.String("version", rec.Version.String()))

	r.publishEvent(ctx, rec.PackageID, observer.Event{
		PackageID:  rec.PackageID,
		OldVersion: old,
		NewVersion: rec.Version,
		Kind:       observer.ClassifyKind(0, false, false),
	})
	return nil
}

var matchAll = semver.MustParseRange("*.*.*.*.*.*")

// publishEvent reports a state change to the hub and stamps the record's
// last-notified time on success. A full rate-limit window drops the event;
// the hub never buffers and observer pressure must not fail the registry
// operation that caused the event.
func (r *Registry) publishEvent(ctx context.Context, packageID string, ev observer.Event) {
	if _, err := r.hub.Notify(ctx, packageID, ev); err != nil {
		r.log.Warn("update event dropped",
			zap.String("package", packageID),
			zap.Error(err))
		return
	}

	// Deprecation events outlive their record; a miss here is normal.
	err := r.ix.Update(packageID, ev.NewVersion, func(rec *core.Record) error {
		rec.LastNotified = time.Now()
		return nil
	})
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		r.log.Warn("last-notified stamp failed",
			zap.String("package", packageID),
			zap.Error(err))
	}
}

// Resolve locates the best version of packageID matching rangeText, expands
// its dependency graph and runs the requested strategy ("eulerian",
// "hamiltonian", "astar", "hybrid" or empty for hybrid). Non-clean Eulerian
// outcomes feed the fault engine: a disconnected graph lands the root record
// in the Danger band.
func (r *Registry) Resolve(ctx context.Context, packageID, rangeText, strategyText string) (*Plan, error) {
	strategy, err := resolve.ParseStrategy(strategyText)
	if err != nil {
		return nil, err
	}

	root, err := r.pickRoot(packageID, rangeText)
	if err != nil {
		return nil, err
	}

	g, err := depgraph.Build(r.ix, root)
	if err != nil {
		return nil, err
	}

	params := resolve.Params{Budget: r.hamBudget, Heuristic: r.heuristic}
	if strategy == resolve.AStar {
		// Bare resolve has no separate goal; the root is its own target and
		// A* degenerates to validating the root's reachability.
		params.Target = root
	}

	res, err := resolve.Resolve(ctx, g, strategy, params)
	if err != nil {
		return nil, err
	}

	if res.FaultLevel > 0 {
		if _, ferr := r.faults.Apply(root.PackageID, root.Version, res.FaultLevel, res.Connectivity.String()); ferr != nil {
			return nil, ferr
		}
	}
	return res, nil
}

// Explain answers why a dependency enters a package's plan: it runs A* from
// the best version of packageID matching rangeText toward the named
// dependency and returns the cheapest require chain. Unreachable targets
// report ErrNoSafePath.
func (r *Registry) Explain(ctx context.Context, packageID, rangeText, depID string, depVersion Version) (*Plan, error) {
	root, err := r.pickRoot(packageID, rangeText)
	if err != nil {
		return nil, err
	}
	goal, err := r.ix.Find(depID, depVersion)
	if err != nil {
		return nil, err
	}

	g, err := depgraph.Build(r.ix, root)
	if err != nil {
		return nil, err
	}
	h := r.heuristic
	if h == nil {
		h = resolve.HeuristicVersionDistance
	}
	return resolve.Resolve(ctx, g, resolve.AStar, resolve.Params{
		Target:    goal,
		Heuristic: h,
	})
}

// pickRoot finds the highest version of packageID matching rangeText.
func (r *Registry) pickRoot(packageID, rangeText string) (*Record, error) {
	rng, err := semver.ParseRange(rangeText)
	if err != nil {
		return nil, err
	}
	candidates := r.ix.FindRange(packageID, rng)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no version of %s matches %s", resolve.ErrEmptyGraph, packageID, rangeText)
	}
	return candidates[len(candidates)-1], nil
}

// Install resolves packageID under the hybrid strategy, verifies every
// planned artifact against its declared checksum, and returns the root
// record. A checksum mismatch classifies as a Critical fault: the affected
// record rolls back to its pre-install checkpoint and the install fails.
func (r *Registry) Install(ctx context.Context, packageID, rangeText string) (*Record, error) {
	root, err := r.pickRoot(packageID, rangeText)
	if err != nil {
		return nil, err
	}
	if root.Frozen {
		return nil, fmt.Errorf("%w: %s", ErrRecordFrozen, root.Key())
	}

	g, err := depgraph.Build(r.ix, root)
	if err != nil {
		return nil, err
	}
	if _, err := resolve.Resolve(ctx, g, resolve.Hybrid, resolve.Params{
		Target: root,
		Budget: r.hamBudget,
	}); err != nil {
		return nil, err
	}

	// Verify the full closure, not just the plan's path: every record the
	// install would materialize must match its declared checksum.
	for _, key := range g.Keys() {
		if err := r.verifyArtifact(ctx, g.Node(key).Rec); err != nil {
			return nil, err
		}
	}

	if err := r.ix.Update(root.PackageID, root.Version, func(rec *core.Record) error {
		rec.LastUpdate = time.Now()
		rec.UpdateCount++
		return nil
	}); err != nil {
		return nil, err
	}

	r.log.Info("installed",
		zap.String("package", root.PackageID),
		zap.String("version", root.Version.String()),
		zap.Int("records", g.Len()))
	return r.ix.Find(root.PackageID, root.Version)
}

// verifyArtifact downloads and checks one planned record's tarball. Records
// without an artifact reference, and registries without a store, skip
// verification.
func (r *Registry) verifyArtifact(ctx context.Context, rec *Record) error {
	if r.store == nil || rec.TarballURL == "" {
		return nil
	}

	r.faults.Checkpoint(rec)
	if _, err := r.store.FetchVerified(ctx, rec.TarballURL, rec.Checksum); err != nil {
		if errors.Is(err, fetch.ErrChecksumMismatch) {
			if _, ferr := r.faults.Apply(rec.PackageID, rec.Version, 20, "artifact checksum mismatch"); ferr != nil {
				return errors.Join(err, ferr)
			}
			r.publishEvent(ctx, rec.PackageID, observer.Event{
				PackageID:  rec.PackageID,
				NewVersion: rec.Version,
				Kind:       observer.ClassifyKind(20, false, false),
				FaultLevel: 20,
			})
		}
		return fmt.Errorf("verifying %s: %w", rec.Key(), err)
	}
	return nil
}

// Deprecate removes a package-version from the index and reports it to
// subscribers as a stale release. Edges elsewhere that named the record
// disappear from graphs at the next resolution.
func (r *Registry) Deprecate(ctx context.Context, packageID string, version Version) error {
	if err := r.ix.Remove(packageID, version); err != nil {
		return err
	}
	r.log.Info("deprecated",
		zap.String("package", packageID),
		zap.String("version", version.String()))

	r.publishEvent(ctx, packageID, observer.Event{
		PackageID:  packageID,
		NewVersion: version,
		Kind:       observer.KindStaleRelease,
	})
	return nil
}

// ReportFault feeds external evidence (failed canary, operator escalation)
// into the fault engine for one record, then reports the resulting state
// change to subscribers.
func (r *Registry) ReportFault(ctx context.Context, packageID string, version Version, level int, reason string) (*FaultRecord, error) {
	fr, err := r.faults.Apply(packageID, version, level, reason)
	if err != nil {
		return nil, err
	}

	r.publishEvent(ctx, packageID, observer.Event{
		PackageID:  packageID,
		NewVersion: version,
		Kind:       observer.ClassifyKind(level, false, false),
		FaultLevel: level,
	})
	return fr, nil
}

// Checkpoint snapshots a record's current state so a later fault can roll it
// back. Callers take a checkpoint before risky mutations.
func (r *Registry) Checkpoint(packageID string, version Version) error {
	rec, err := r.ix.Find(packageID, version)
	if err != nil {
		return err
	}
	r.faults.Checkpoint(rec)
	return nil
}

// ClearFault resolves a record's fault after manual review.
func (r *Registry) ClearFault(packageID string, version Version) error {
	return r.faults.ClearFault(packageID, version)
}

// Find returns the record with the exact identity.
func (r *Registry) Find(packageID string, version Version) (*Record, error) {
	return r.ix.Find(packageID, version)
}

// FindRange returns all records of packageID matching rangeText, ascending.
func (r *Registry) FindRange(packageID, rangeText string) ([]*Record, error) {
	rng, err := semver.ParseRange(rangeText)
	if err != nil {
		return nil, err
	}
	return r.ix.FindRange(packageID, rng), nil
}

// Subscribe registers a handler for a package's update events.
func (r *Registry) Subscribe(packageID string, handler observer.Handler) (string, error) {
	return r.hub.Subscribe(packageID, handler)
}

// Unsubscribe removes a subscription; unknown ids are a no-op.
func (r *Registry) Unsubscribe(subscriptionID string) {
	r.hub.Unsubscribe(subscriptionID)
}

// Notify delivers an externally classified update event to a package's
// subscribers under the hub's rate limit.
func (r *Registry) Notify(ctx context.Context, packageID string, ev Event) (*Delivery, error) {
	return r.hub.Notify(ctx, packageID, ev)
}

// InstallPURL installs from a package URL such as
// "pkg:semverx/core@2.stable.1.stable.0.stable". A version-less PURL
// installs the newest version.
func (r *Registry) InstallPURL(ctx context.Context, purlStr string) (*Record, error) {
	p, err := purl.Parse(purlStr)
	if err != nil {
		return nil, err
	}

	name := p.Name
	if p.Namespace != "" {
		name = p.Namespace + "/" + p.Name
	}
	rangeText := "*.*.*.*.*.*"
	if p.Version != "" {
		rangeText = p.Version
	}
	return r.Install(ctx, name, rangeText)
}
