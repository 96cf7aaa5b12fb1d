package cluster

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a node release in major.minor.patch form.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses "1.2.3", "1.2" or "v1.2.3".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParseVersion is ParseVersion for constants; it panics on malformed input.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

func (v Version) OnOrAfter(o Version) bool {
	return v.Compare(o) >= 0
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// MinNodeVersion returns the oldest version among nodes. Nodes that did not
// report a parseable version count as the zero version, so a single unknown
// node disables any version-gated feature. ok is false for an empty cluster.
func MinNodeVersion(nodes []NodeInfo) (oldest Version, ok bool) {
	for i, n := range nodes {
		v, err := ParseVersion(n.Version)
		if err != nil {
			v = Version{}
		}
		if i == 0 || v.Compare(oldest) < 0 {
			oldest = v
		}
	}
	return oldest, len(nodes) > 0
}

// VersionGate reports whether a feature is available on a cluster whose
// oldest node runs the given version. The boundary is supplied by the caller
// so it can follow release-specific wire format changes.
type VersionGate interface {
	Supports(minNodeVersion Version) bool
}

// SinceVersion is a VersionGate that opens at a fixed release.
type SinceVersion Version

func (s SinceVersion) Supports(v Version) bool {
	return v.OnOrAfter(Version(s))
}

// VersionGateFunc adapts a function to VersionGate.
type VersionGateFunc func(Version) bool

func (f VersionGateFunc) Supports(v Version) bool { return f(v) }
