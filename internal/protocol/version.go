package protocol

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Version is a (major, minor, patch) protocol version announced by a client.
type Version struct {
	Major uint16
	Minor uint16
	Patch uint16
}

var (
	// LegacyVersion is assumed for clients that never send VERSION.
	LegacyVersion = Version{Major: 2}
	// StructuredVersion is the first version that receives framed CALL_EVENT pushes.
	StructuredVersion = Version{Major: 3}
	// CurrentVersion is what the server reports in its VERSION response.
	CurrentVersion = Version{Major: 3, Minor: 1}
)

// Compare orders versions lexicographically by major, minor, patch and
// returns -1, 0 or +1.
func (v Version) Compare(o Version) int {
	if c := cmp.Compare(v.Major, o.Major); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Minor, o.Minor); c != 0 {
		return c
	}
	return cmp.Compare(v.Patch, o.Patch)
}

// AtLeast reports v >= o.
func (v Version) AtLeast(o Version) bool {
	return v.Compare(o) >= 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion accepts "major", "major.minor" or "major.minor.patch".
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return Version{}, fmt.Errorf("protocol: invalid version %q", s)
	}
	var nums [3]uint16
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Version{}, fmt.Errorf("protocol: invalid version %q: %w", s, err)
		}
		nums[i] = uint16(n)
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

