package region

import (
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a region: the prefix-bit slice of a subspace of a space.
// It is comparable, so it can be used directly as a map key.
type ID struct {
	Space    uint32 `json:"space"`
	Subspace uint16 `json:"subspace"`
	Prefix   uint8  `json:"prefix"`
	Mask     uint64 `json:"mask"`
}

// String renders the ID as "<space>-<subspace>-<prefix>-<mask>". The mask is
// always 16 hex digits, so distinct IDs never render the same.
func (id ID) String() string {
	return fmt.Sprintf("%d-%d-%d-%016x", id.Space, id.Subspace, id.Prefix, id.Mask)
}

// Compare orders IDs by space, subspace, prefix and then mask.
func (id ID) Compare(other ID) int {
	switch {
	case id.Space != other.Space:
		return cmp(id.Space < other.Space)
	case id.Subspace != other.Subspace:
		return cmp(id.Subspace < other.Subspace)
	case id.Prefix != other.Prefix:
		return cmp(id.Prefix < other.Prefix)
	case id.Mask != other.Mask:
		return cmp(id.Mask < other.Mask)
	}
	return 0
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

func cmp(less bool) int {
	if less {
		return -1
	}
	return 1
}

// ParseID is the inverse of ID.String.
func ParseID(s string) (ID, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return ID{}, fmt.Errorf("invalid region id %q: want 4 dash-separated fields", s)
	}
	space, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return ID{}, fmt.Errorf("invalid region id %q: space: %w", s, err)
	}
	subspace, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return ID{}, fmt.Errorf("invalid region id %q: subspace: %w", s, err)
	}
	prefix, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return ID{}, fmt.Errorf("invalid region id %q: prefix: %w", s, err)
	}
	if len(parts[3]) != 16 {
		return ID{}, fmt.Errorf("invalid region id %q: mask must be 16 hex digits", s)
	}
	mask, err := strconv.ParseUint(parts[3], 16, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid region id %q: mask: %w", s, err)
	}
	return ID{
		Space:    uint32(space),
		Subspace: uint16(subspace),
		Prefix:   uint8(prefix),
		Mask:     mask,
	}, nil
}
