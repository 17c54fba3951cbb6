// Package index implements the registry's ordered package-version store:
// a height-balanced binary search tree keyed by (packageID, version) with
// O(log n) insert, lookup, update and removal, plus bound-pruned range
// queries.
//
// Ordering uses the package id as primary key and the numeric version triple
// as secondary key. Versions whose numeric triples are equal but whose
// channels differ are distinct identities; the tree breaks such ties on the
// channel triple so every identity has exactly one slot.
//
// The index is safe for concurrent use: reads take a shared lock, writes an
// exclusive one. Publishes are rare relative to lookups, so a whole-index
// write lock is sufficient.
package index

import (
	"fmt"
	"strings"
	"sync"

	"github.com/semverx/registry/internal/core"
	"github.com/semverx/registry/internal/semver"
)

// Index is the balanced package-version store.
type Index struct {
	mu   sync.RWMutex
	root *node
	size int
}

type node struct {
	rec    *core.Record
	left   *node
	right  *node
	height int
}

// New creates an empty index.
func New() *Index {
	return &Index{}
}

// compareKeys orders two (packageID, version) identities. The numeric triple
// governs version order; equal triples fall back to the channel triple so
// distinct identities never collide.
func compareKeys(aID string, a semver.Version, bID string, b semver.Version) int {
	if c := strings.Compare(aID, bID); c != 0 {
		return c
	}
	if c := semver.Compare(a, b); c != 0 {
		return c
	}
	if c := strings.Compare(string(a.MajorChannel), string(b.MajorChannel)); c != 0 {
		return c
	}
	if c := strings.Compare(string(a.MinorChannel), string(b.MinorChannel)); c != 0 {
		return c
	}
	return strings.Compare(string(a.PatchChannel), string(b.PatchChannel))
}

// Len returns the number of records in the index.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.size
}

// Insert adds a record. It fails with core.ErrDuplicateVersion when the
// (packageID, version) identity is already present.
func (ix *Index) Insert(rec *core.Record) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	root, err := insert(ix.root, rec.Clone())
	if err != nil {
		return err
	}
	ix.root = root
	ix.size++
	return nil
}

func insert(n *node, rec *core.Record) (*node, error) {
	if n == nil {
		return &node{rec: rec, height: 1}, nil
	}

	c := compareKeys(rec.PackageID, rec.Version, n.rec.PackageID, n.rec.Version)
	switch {
	case c == 0:
		return nil, fmt.Errorf("%w: %s", core.ErrDuplicateVersion, rec.Key())
	case c < 0:
		child, err := insert(n.left, rec)
		if err != nil {
			return nil, err
		}
		n.left = child
	default:
		child, err := insert(n.right, rec)
		if err != nil {
			return nil, err
		}
		n.right = child
	}
	return rebalance(n), nil
}

// Find returns a copy of the record with the exact (packageID, version)
// identity, or a NotFoundError wrapping core.ErrNotFound.
func (ix *Index) Find(packageID string, version semver.Version) (*core.Record, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := ix.root
	for n != nil {
		c := compareKeys(packageID, version, n.rec.PackageID, n.rec.Version)
		switch {
		case c == 0:
			return n.rec.Clone(), nil
		case c < 0:
			n = n.left
		default:
			n = n.right
		}
	}
	return nil, &core.NotFoundError{PackageID: packageID, Version: version.String()}
}

// FindRange returns all records of packageID whose version satisfies rng, in
// ascending version order. Literal numeric fields in the range prune the
// traversal so only candidate subtrees are visited.
func (ix *Index) FindRange(packageID string, rng semver.Range) []*core.Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	lo, hi := versionBounds(rng)
	var out []*core.Record
	scanRange(ix.root, packageID, lo, hi, rng, &out)
	return out
}

// versionBounds derives inclusive numeric bounds from the range's literal
// fields. A literal field narrows its bound only while every more significant
// field is also literal; past the first wildcard the remainder is unbounded.
func versionBounds(rng semver.Range) (lo, hi semver.Version) {
	const maxField = ^uint(0)
	literal, value := rng.NumericBounds()

	lo = semver.Version{}
	hi = semver.Version{Major: maxField, Minor: maxField, Patch: maxField}

	if !literal[0] {
		return lo, hi
	}
	lo.Major, hi.Major = value[0], value[0]
	if !literal[1] {
		return lo, hi
	}
	lo.Minor, hi.Minor = value[1], value[1]
	if !literal[2] {
		return lo, hi
	}
	lo.Patch, hi.Patch = value[2], value[2]
	return lo, hi
}

func scanRange(n *node, packageID string, lo, hi semver.Version, rng semver.Range, out *[]*core.Record) {
	if n == nil {
		return
	}

	idCmp := strings.Compare(packageID, n.rec.PackageID)

	// Descend left unless everything there sorts before (packageID, lo).
	if idCmp < 0 || (idCmp == 0 && semver.Compare(n.rec.Version, lo) >= 0) {
		scanRange(n.left, packageID, lo, hi, rng, out)
	}

	if idCmp == 0 &&
		semver.Compare(n.rec.Version, lo) >= 0 &&
		semver.Compare(n.rec.Version, hi) <= 0 &&
		rng.Matches(n.rec.Version) {
		*out = append(*out, n.rec.Clone())
	}

	// Descend right unless everything there sorts after (packageID, hi).
	if idCmp > 0 || (idCmp == 0 && semver.Compare(n.rec.Version, hi) <= 0) {
		scanRange(n.right, packageID, lo, hi, rng, out)
	}
}

// Update locates a record and applies mutate to a private copy, then swaps
// the copy in. The identity key must not change; a mutator error or a key
// change leaves the stored record untouched.
func (ix *Index) Update(packageID string, version semver.Version, mutate func(*core.Record) error) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n := ix.root
	for n != nil {
		c := compareKeys(packageID, version, n.rec.PackageID, n.rec.Version)
		switch {
		case c == 0:
			fresh := n.rec.Clone()
			if err := mutate(fresh); err != nil {
				return err
			}
			if fresh.PackageID != packageID || fresh.Version != version {
				return fmt.Errorf("update may not change record identity %s", n.rec.Key())
			}
			n.rec = fresh
			return nil
		case c < 0:
			n = n.left
		default:
			n = n.right
		}
	}
	return &core.NotFoundError{PackageID: packageID, Version: version.String()}
}

// Remove deletes the record with the exact identity, rebalancing along the
// modified path. Dependency edges elsewhere that name the removed record are
// not tracked here; the graph recomputes reachability per resolution call.
func (ix *Index) Remove(packageID string, version semver.Version) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	root, removed := remove(ix.root, packageID, version)
	if !removed {
		return &core.NotFoundError{PackageID: packageID, Version: version.String()}
	}
	ix.root = root
	ix.size--
	return nil
}

func remove(n *node, packageID string, version semver.Version) (*node, bool) {
	if n == nil {
		return nil, false
	}

	c := compareKeys(packageID, version, n.rec.PackageID, n.rec.Version)
	var removed bool
	switch {
	case c < 0:
		n.left, removed = remove(n.left, packageID, version)
	case c > 0:
		n.right, removed = remove(n.right, packageID, version)
	default:
		switch {
		case n.left == nil:
			return n.right, true
		case n.right == nil:
			return n.left, true
		default:
			// Two children: replace with the in-order successor.
			succ := n.right
			for succ.left != nil {
				succ = succ.left
			}
			n.rec = succ.rec
			n.right, _ = remove(n.right, succ.rec.PackageID, succ.rec.Version)
			removed = true
		}
	}
	if !removed {
		return n, false
	}
	return rebalance(n), true
}

// InOrder returns copies of all records in ascending key order.
func (ix *Index) InOrder() []*core.Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*core.Record, 0, ix.size)
	var walk func(*node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		walk(n.left)
		out = append(out, n.rec.Clone())
		walk(n.right)
	}
	walk(ix.root)
	return out
}

// Height returns the tree height, 0 for an empty index.
func (ix *Index) Height() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return height(ix.root)
}

func height(n *node) int {
	if n == nil {
		return 0
	}
	return n.height
}

func balanceFactor(n *node) int {
	return height(n.left) - height(n.right)
}

func (n *node) updateHeight() {
	l, r := height(n.left), height(n.right)
	if l > r {
		n.height = l + 1
	} else {
		n.height = r + 1
	}
}

func rotateRight(n *node) *node {
	pivot := n.left
	n.left = pivot.right
	pivot.right = n
	n.updateHeight()
	pivot.updateHeight()
	return pivot
}

func rotateLeft(n *node) *node {
	pivot := n.right
	n.right = pivot.left
	pivot.left = n
	n.updateHeight()
	pivot.updateHeight()
	return pivot
}

// rebalance restores the AVL invariant at n after an insert or removal in
// one of its subtrees.
func rebalance(n *node) *node {
	n.updateHeight()
	switch bf := balanceFactor(n); {
	case bf > 1:
		if balanceFactor(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case bf < -1:
		if balanceFactor(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}
