package registry

import (
	"github.com/git-pkgs/purl"

	"github.com/semverx/registry/internal/core"
	"github.com/semverx/registry/internal/fault"
	"github.com/semverx/registry/internal/observer"
	"github.com/semverx/registry/internal/resolve"
	"github.com/semverx/registry/internal/semver"
)

// Versioning types and helpers.
type (
	Version = semver.Version
	Channel = semver.Channel
	Range   = semver.Range
)

const (
	ChannelLegacy       = semver.Legacy
	ChannelExperimental = semver.Experimental
	ChannelStable       = semver.Stable
	ChannelLTS          = semver.LTS
)

var (
	ParseVersion     = semver.Parse
	MustParseVersion = semver.MustParse
	CompareVersions  = semver.Compare
	ParseRange       = semver.ParseRange
	MustParseRange   = semver.MustParseRange

	ErrMalformedVersion = semver.ErrMalformedVersion
	ErrMalformedRange   = semver.ErrMalformedRange
)

// Record types.
type (
	Record         = core.Record
	DependencyEdge = core.DependencyEdge
	Checksum       = core.Checksum
	AccessTier     = core.AccessTier
	AccessLevel    = core.AccessLevel
)

const (
	TierLive   = core.TierLive
	TierLocal  = core.TierLocal
	TierRemote = core.TierRemote

	LevelPublic    = core.LevelPublic
	LevelProtected = core.LevelProtected
	LevelPrivate   = core.LevelPrivate
)

var (
	ParseChecksum = core.ParseChecksum

	ErrNotFound         = core.ErrNotFound
	ErrDuplicateVersion = core.ErrDuplicateVersion
)

// Resolution types. Plan is the outcome of a resolution: the strategy and
// connectivity observed, the ordered path, and the full record set.
type (
	Plan      = resolve.Result
	Strategy  = resolve.Strategy
	Heuristic = resolve.Heuristic
)

const (
	Eulerian    = resolve.Eulerian
	Hamiltonian = resolve.Hamiltonian
	AStar       = resolve.AStar
	Hybrid      = resolve.Hybrid
)

var (
	ParseStrategy = resolve.ParseStrategy
	HeuristicZero = resolve.HeuristicZero
	ErrEmptyGraph = resolve.ErrEmptyGraph
	ErrNoSafePath = resolve.ErrNoSafePath
	ErrTimeBudget = resolve.ErrTimeBudget
)

// Fault types.
type (
	Band        = fault.Band
	FaultRecord = fault.Record
)

const (
	BandWarning        = fault.Warning
	BandDanger         = fault.Danger
	BandObserverActive = fault.ObserverActive
	BandCritical       = fault.Critical
	BandHealing        = fault.Healing
	BandTermination    = fault.Termination
)

var (
	ClassifyFault     = fault.Classify
	ErrRollbackFailed = fault.ErrRollbackFailed
)

// Observer types.
type (
	Event    = observer.Event
	Kind     = observer.Kind
	Handler  = observer.Handler
	Delivery = observer.Delivery
)

const (
	KindOptIn        = observer.KindOptIn
	KindMandatory    = observer.KindMandatory
	KindStaleRelease = observer.KindStaleRelease
)

var (
	ClassifyKind          = observer.ClassifyKind
	ErrTooManySubscribers = observer.ErrTooManySubscribers
	ErrRateLimited        = observer.ErrRateLimited
)

// PURL is a package URL in the "pkg:semverx/name@version" form.
type PURL = purl.PURL

// ParsePURL parses a package URL string.
var ParsePURL = purl.Parse
