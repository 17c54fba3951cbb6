// Package fault implements the registry's recovery state machine: a 34-level
// fault taxonomy partitioned into six bands, each mapped to one recovery
// policy. Transitions are one-shot per event and rollback is transactional
// against the index.
package fault

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/semverx/registry/internal/core"
	"github.com/semverx/registry/internal/index"
	"github.com/semverx/registry/internal/semver"
)

// ErrRollbackFailed is fatal: the snapshot restore could not complete and the
// record was left unchanged. No further automatic action may run on the
// record; the caller must surface the failure.
var ErrRollbackFailed = errors.New("rollback failed")

// MaxLevel is the highest fault level in the taxonomy.
const MaxLevel = 33

// Band is one contiguous range of fault levels sharing a recovery policy.
type Band int

const (
	Warning        Band = iota // 0-5
	Danger                     // 6-11
	ObserverActive             // 12-17
	Critical                   // 18-23
	Healing                    // 24-29
	Termination                // 30-33
)

func (b Band) String() string {
	switch b {
	case Warning:
		return "warning"
	case Danger:
		return "danger"
	case ObserverActive:
		return "observer-active"
	case Critical:
		return "critical"
	case Healing:
		return "healing"
	case Termination:
		return "termination"
	}
	return fmt.Sprintf("band(%d)", int(b))
}

// Classify maps a fault level to its band. Levels beyond the taxonomy clamp
// to Termination, negative levels to Warning.
func Classify(level int) Band {
	switch {
	case level <= 5:
		return Warning
	case level <= 11:
		return Danger
	case level <= 17:
		return ObserverActive
	case level <= 23:
		return Critical
	case level <= 29:
		return Healing
	default:
		return Termination
	}
}

// Action is the recovery action a band prescribes.
type Action int

const (
	// ActionLog records the fault and nothing else.
	ActionLog Action = iota
	// ActionFreeze blocks future updates on the record pending manual review.
	ActionFreeze
	// ActionRollback restores the record to its pre-fault snapshot.
	ActionRollback
)

func (a Action) String() string {
	switch a {
	case ActionLog:
		return "log"
	case ActionFreeze:
		return "freeze"
	case ActionRollback:
		return "rollback"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ActionFor returns the recovery action for a band. Healing is observational:
// the record is already recovering, so the engine only logs.
func ActionFor(b Band) Action {
	switch b {
	case Danger:
		return ActionFreeze
	case ObserverActive, Critical, Termination:
		return ActionRollback
	default:
		return ActionLog
	}
}

// Record is one transient fault classification. It is not persisted beyond
// the faultState snapshot on the affected index record.
type Record struct {
	Level      int
	Band       Band
	Action     Action
	RolledBack bool
	Frozen     bool
}

// Engine drives fault classification and recovery against the index.
type Engine struct {
	ix  *index.Index
	log *zap.Logger

	mu        sync.Mutex
	snapshots map[string]*core.Record
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates a fault engine operating on ix.
func New(ix *index.Index, opts ...Option) *Engine {
	e := &Engine{
		ix:        ix,
		log:       zap.NewNop(),
		snapshots: make(map[string]*core.Record),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Checkpoint snapshots a record's current state before a change that might
// later need rolling back. The newest snapshot per record wins.
func (e *Engine) Checkpoint(rec *core.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshots[rec.Key()] = rec.Clone()
}

// Apply classifies one fault event against a record and performs the band's
// recovery action. Exactly one fault record is produced per event; no further
// escalation happens within the call.
func (e *Engine) Apply(packageID string, version semver.Version, level int, reason string) (*Record, error) {
	band := Classify(level)
	fr := &Record{Level: level, Band: band, Action: ActionFor(band)}

	fields := []zap.Field{
		zap.String("package", packageID),
		zap.String("version", version.String()),
		zap.Int("level", level),
		zap.Stringer("band", band),
		zap.String("reason", reason),
	}

	switch fr.Action {
	case ActionLog:
		if err := e.ix.Update(packageID, version, func(r *core.Record) error {
			r.FaultState = level
			return nil
		}); err != nil {
			return nil, err
		}
		e.log.Warn("fault recorded", fields...)

	case ActionFreeze:
		if err := e.ix.Update(packageID, version, func(r *core.Record) error {
			r.FaultState = level
			r.Frozen = true
			return nil
		}); err != nil {
			return nil, err
		}
		fr.Frozen = true
		e.log.Error("record frozen, manual review required", fields...)

	case ActionRollback:
		freeze := band == Termination
		if err := e.rollback(packageID, version, freeze); err != nil {
			return nil, err
		}
		fr.RolledBack = true
		fr.Frozen = freeze
		e.log.Error("record rolled back", append(fields, zap.Bool("frozen", freeze))...)
	}

	return fr, nil
}

// rollback restores the record to its checkpointed snapshot. The restore is
// transactional: the single index update either fully applies the snapshot or
// leaves the record untouched.
func (e *Engine) rollback(packageID string, version semver.Version, freeze bool) error {
	key := packageID + "@" + version.String()

	e.mu.Lock()
	snap, ok := e.snapshots[key]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no snapshot for %s", ErrRollbackFailed, key)
	}

	err := e.ix.Update(packageID, version, func(r *core.Record) error {
		restored := snap.Clone()
		restored.RolledBack = true
		restored.Frozen = snap.Frozen || freeze
		*r = *restored
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}

	e.mu.Lock()
	delete(e.snapshots, key)
	e.mu.Unlock()
	return nil
}

// ClearFault resolves a fault after manual review: the level returns to zero
// and the record thaws.
func (e *Engine) ClearFault(packageID string, version semver.Version) error {
	return e.ix.Update(packageID, version, func(r *core.Record) error {
		r.FaultState = 0
		r.Frozen = false
		return nil
	})
}
