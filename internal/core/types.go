// Package core provides the shared record types for the registry index,
// resolver, fault engine and observer hub.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/semverx/registry/internal/semver"
)

// AccessTier is the endpoint tier a record is served from. The core carries
// it for the transport layer but never interprets it.
type AccessTier string

const (
	TierLive   AccessTier = "live"
	TierLocal  AccessTier = "local"
	TierRemote AccessTier = "remote"
)

// AccessLevel is the record's visibility classification. Consumed by the
// access-control collaborator, not by this core.
type AccessLevel string

const (
	LevelPublic    AccessLevel = "public"
	LevelProtected AccessLevel = "protected"
	LevelPrivate   AccessLevel = "private"
)

// Checksum is an opaque SHA-256-class digest, compared byte-for-byte.
type Checksum [sha256.Size]byte

// ParseChecksum decodes a hex-encoded 32-byte digest.
func ParseChecksum(s string) (Checksum, error) {
	var c Checksum
	b, err := hex.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("decoding checksum: %w", err)
	}
	if len(b) != sha256.Size {
		return c, fmt.Errorf("checksum must be %d bytes, got %d", sha256.Size, len(b))
	}
	copy(c[:], b)
	return c, nil
}

func (c Checksum) String() string { return hex.EncodeToString(c[:]) }

// IsZero reports whether no checksum was supplied.
func (c Checksum) IsZero() bool { return c == Checksum{} }

// DependencyEdge is one directed dependency declared by a record: the
// dependent owns the edge, the target is named by id and version range.
type DependencyEdge struct {
	DependencyID string
	Range        semver.Range
	Optional     bool
}

// Record is one package-version entry in the index, identified by
// (PackageID, Version). Mutable fields change only through index updates.
type Record struct {
	PackageID string
	Version   semver.Version

	Name        string
	Description string
	Author      string
	License     string

	TarballURL string
	Checksum   Checksum

	Tier  AccessTier
	Level AccessLevel

	Dependencies []DependencyEdge

	// Fault engine bookkeeping.
	FaultState int
	Frozen     bool
	RolledBack bool

	// Observer hub bookkeeping.
	LastNotified time.Time

	LastUpdate  time.Time
	UpdateCount uint32
}

// Key returns the record's canonical "id@version" identity string.
func (r *Record) Key() string {
	return r.PackageID + "@" + r.Version.String()
}

// PURL returns the record's package URL in the semverx namespace,
// e.g. "pkg:semverx/core@2.stable.1.stable.0.stable".
func (r *Record) PURL() string {
	return fmt.Sprintf("pkg:semverx/%s@%s", r.PackageID, r.Version)
}

// Clone returns a deep copy of the record. The index hands out clones so
// readers never alias tree-owned state.
func (r *Record) Clone() *Record {
	c := *r
	c.Dependencies = make([]DependencyEdge, len(r.Dependencies))
	copy(c.Dependencies, r.Dependencies)
	return &c
}
