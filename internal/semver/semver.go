// Package semver implements the extended six-field version scheme used by the
// registry: major.minor.patch, each numeric field carrying its own release
// channel (legacy, experimental, stable, lts).
//
// The text form is exactly six dot-separated fields:
//
//	2.stable.1.stable.0.stable
//
// Ordering is lexicographic on the numeric triple only; channels are part of
// a version's identity but never of its ordering.
package semver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedVersion is returned when version text cannot be parsed.
var ErrMalformedVersion = errors.New("malformed version")

// Channel is the release-maturity tag attached to each numeric field.
type Channel string

const (
	Legacy       Channel = "legacy"
	Experimental Channel = "experimental"
	Stable       Channel = "stable"
	LTS          Channel = "lts"
)

// ParseChannel validates a channel token.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case Legacy, Experimental, Stable, LTS:
		return Channel(s), nil
	}
	return "", fmt.Errorf("%w: unknown channel %q", ErrMalformedVersion, s)
}

// Cost returns the channel's contribution to the A* version-distance
// heuristic. Stable and LTS are free; experimental and legacy are penalized.
func (c Channel) Cost() uint {
	switch c {
	case Experimental:
		return 5
	case Legacy:
		return 10
	default:
		return 0
	}
}

// Version is an immutable extended semantic version.
type Version struct {
	Major        uint
	Minor        uint
	Patch        uint
	MajorChannel Channel
	MinorChannel Channel
	PatchChannel Channel
}

// Parse parses version text of the form
// "major.majorChannel.minor.minorChannel.patch.patchChannel".
func Parse(text string) (Version, error) {
	parts := strings.Split(text, ".")
	if len(parts) != 6 {
		return Version{}, fmt.Errorf("%w: want 6 fields, got %d in %q", ErrMalformedVersion, len(parts), text)
	}

	nums := make([]uint, 3)
	for i, idx := range []int{0, 2, 4} {
		n, err := strconv.ParseUint(parts[idx], 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("%w: numeric field %q in %q", ErrMalformedVersion, parts[idx], text)
		}
		nums[i] = uint(n)
	}

	chans := make([]Channel, 3)
	for i, idx := range []int{1, 3, 5} {
		c, err := ParseChannel(parts[idx])
		if err != nil {
			return Version{}, fmt.Errorf("%w in %q", err, text)
		}
		chans[i] = c
	}

	return Version{
		Major:        nums[0],
		Minor:        nums[1],
		Patch:        nums[2],
		MajorChannel: chans[0],
		MinorChannel: chans[1],
		PatchChannel: chans[2],
	}, nil
}

// MustParse is Parse for tests and literals; it panics on malformed text.
func MustParse(text string) Version {
	v, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the canonical six-field text form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%s.%d.%s.%d.%s",
		v.Major, v.MajorChannel, v.Minor, v.MinorChannel, v.Patch, v.PatchChannel)
}

// Compare orders versions lexicographically on (major, minor, patch).
// Channels never affect the result: two versions with equal numeric triples
// compare equal even when their channels differ.
func Compare(a, b Version) int {
	if a.Major != b.Major {
		if a.Major < b.Major {
			return -1
		}
		return 1
	}
	if a.Minor != b.Minor {
		if a.Minor < b.Minor {
			return -1
		}
		return 1
	}
	if a.Patch != b.Patch {
		if a.Patch < b.Patch {
			return -1
		}
		return 1
	}
	return 0
}

// Distance is the weighted numeric distance between two versions,
// 100 per major step, 10 per minor, 1 per patch. Used as the A* heuristic
// together with Channel.Cost.
func Distance(a, b Version) uint {
	d := absDiff(a.Major, b.Major)*100 +
		absDiff(a.Minor, b.Minor)*10 +
		absDiff(a.Patch, b.Patch)
	return d
}

func absDiff(a, b uint) uint {
	if a > b {
		return a - b
	}
	return b - a
}
