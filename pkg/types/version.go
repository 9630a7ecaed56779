package types

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-version"
)

// Version is a release version: either SemVer or an RFC 3339 timestamp
// (used by date-versioned releases such as nightly builds).
type Version struct {
	raw    string
	semver *version.Version
	ts     time.Time
}

// ParseVersion parses a SemVer string or an RFC 3339 timestamp.
func ParseVersion(s string) (Version, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return Version{raw: s, ts: ts}, nil
	}
	v, err := version.NewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return Version{raw: s, semver: v}, nil
}

// IsTimestamp reports whether this is a timestamp version.
func (v Version) IsTimestamp() bool {
	return v.semver == nil
}

// Compare returns -1, 0 or 1 ordering v against o. Timestamp versions
// order after SemVer versions, matching the channel convention that
// date-stamped builds supersede tagged releases.
func (v Version) Compare(o Version) int {
	switch {
	case v.semver != nil && o.semver != nil:
		return v.semver.Compare(o.semver)
	case v.IsTimestamp() && o.IsTimestamp():
		switch {
		case v.ts.Before(o.ts):
			return -1
		case v.ts.After(o.ts):
			return 1
		default:
			return 0
		}
	case v.IsTimestamp():
		return 1
	default:
		return -1
	}
}

// Satisfies reports whether v meets the given constraint set. Comma
// separates AND-ed constraints, e.g. ">= 1.2.0, < 2.0.0". An empty
// constraint is satisfied by anything. Timestamp versions satisfy only
// the empty constraint.
func (v Version) Satisfies(constraint string) bool {
	if constraint == "" {
		return true
	}
	if v.semver == nil {
		return false
	}
	cs, err := version.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return cs.Check(v.semver)
}

func (v Version) String() string {
	return v.raw
}
