package semver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedRange is returned when range text cannot be parsed.
var ErrMalformedRange = errors.New("malformed range")

// numPattern matches one numeric field of a range: a literal or a wildcard.
type numPattern struct {
	wildcard bool
	value    uint
}

func (p numPattern) matches(n uint) bool {
	return p.wildcard || p.value == n
}

func (p numPattern) String() string {
	if p.wildcard {
		return "*"
	}
	return strconv.FormatUint(uint64(p.value), 10)
}

// channelPattern matches one channel field: a wildcard or a channel set.
type channelPattern struct {
	wildcard bool
	allowed  []Channel
}

func (p channelPattern) matches(c Channel) bool {
	if p.wildcard {
		return true
	}
	for _, a := range p.allowed {
		if a == c {
			return true
		}
	}
	return false
}

func (p channelPattern) String() string {
	if p.wildcard {
		return "*"
	}
	if len(p.allowed) == 1 {
		return string(p.allowed[0])
	}
	parts := make([]string, len(p.allowed))
	for i, c := range p.allowed {
		parts[i] = string(c)
	}
	return "{" + strings.Join(parts, "|") + "}"
}

// Range is a predicate over Version built from six sub-patterns, one per
// version field. Numeric fields accept a literal or "*"; channel fields
// accept a channel name, "*", or an alternation like "{stable|experimental}".
type Range struct {
	major, minor, patch       numPattern
	majorCh, minorCh, patchCh channelPattern
	text                      string
}

// ParseRange parses range text such as "2.stable.*.{stable|lts}.*.*".
func ParseRange(text string) (Range, error) {
	parts := strings.Split(text, ".")
	if len(parts) != 6 {
		return Range{}, fmt.Errorf("%w: want 6 fields, got %d in %q", ErrMalformedRange, len(parts), text)
	}

	var nums [3]numPattern
	for i, idx := range []int{0, 2, 4} {
		p, err := parseNumPattern(parts[idx])
		if err != nil {
			return Range{}, fmt.Errorf("%w in %q", err, text)
		}
		nums[i] = p
	}

	var chans [3]channelPattern
	for i, idx := range []int{1, 3, 5} {
		p, err := parseChannelPattern(parts[idx])
		if err != nil {
			return Range{}, fmt.Errorf("%w in %q", err, text)
		}
		chans[i] = p
	}

	return Range{
		major: nums[0], minor: nums[1], patch: nums[2],
		majorCh: chans[0], minorCh: chans[1], patchCh: chans[2],
		text: text,
	}, nil
}

// MustParseRange is ParseRange for tests and literals; it panics on error.
func MustParseRange(text string) Range {
	r, err := ParseRange(text)
	if err != nil {
		panic(err)
	}
	return r
}

func parseNumPattern(s string) (numPattern, error) {
	if s == "*" {
		return numPattern{wildcard: true}, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return numPattern{}, fmt.Errorf("%w: numeric field %q", ErrMalformedRange, s)
	}
	return numPattern{value: uint(n)}, nil
}

func parseChannelPattern(s string) (channelPattern, error) {
	if s == "*" {
		return channelPattern{wildcard: true}, nil
	}
	if strings.HasPrefix(s, "{") {
		if !strings.HasSuffix(s, "}") {
			return channelPattern{}, fmt.Errorf("%w: unterminated channel set %q", ErrMalformedRange, s)
		}
		inner := s[1 : len(s)-1]
		if inner == "" {
			return channelPattern{}, fmt.Errorf("%w: empty channel set", ErrMalformedRange)
		}
		var allowed []Channel
		for _, tok := range strings.Split(inner, "|") {
			c, err := ParseChannel(tok)
			if err != nil {
				return channelPattern{}, fmt.Errorf("%w: channel set %q", ErrMalformedRange, s)
			}
			allowed = append(allowed, c)
		}
		return channelPattern{allowed: allowed}, nil
	}
	c, err := ParseChannel(s)
	if err != nil {
		return channelPattern{}, fmt.Errorf("%w: channel field %q", ErrMalformedRange, s)
	}
	return channelPattern{allowed: []Channel{c}}, nil
}

// Matches reports whether v satisfies all six sub-patterns.
func (r Range) Matches(v Version) bool {
	return r.major.matches(v.Major) &&
		r.majorCh.matches(v.MajorChannel) &&
		r.minor.matches(v.Minor) &&
		r.minorCh.matches(v.MinorChannel) &&
		r.patch.matches(v.Patch) &&
		r.patchCh.matches(v.PatchChannel)
}

// String returns the original range text.
func (r Range) String() string { return r.text }

// NumericBounds returns, for each numeric field in (major, minor, patch)
// order, whether the field is a literal and its literal value. The index uses
// literal prefixes to prune subtree scans during range queries.
func (r Range) NumericBounds() (literal [3]bool, value [3]uint) {
	for i, p := range [3]numPattern{r.major, r.minor, r.patch} {
		if !p.wildcard {
			literal[i] = true
			value[i] = p.value
		}
	}
	return literal, value
}
