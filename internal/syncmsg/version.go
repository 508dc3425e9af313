package syncmsg

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ZeroVersion is the version of an empty remote history.
const ZeroVersion Version = "0"

var ErrInvalidVersion = errors.New("syncmsg: invalid version")

// Version is a position in the remote change history.
// It is a non-negative decimal integer of arbitrary size, kept as a string on the wire.
type Version string

// ParseVersion validates s and returns it in canonical form (no sign, no leading zeros).
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ZeroVersion, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return ZeroVersion, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	return Version(n.String()), nil
}

// VersionFromInt is a convenience for tests and counters.
func VersionFromInt(n int64) Version {
	if n < 0 {
		return ZeroVersion
	}
	return Version(big.NewInt(n).String())
}

func (v Version) bigInt() *big.Int {
	n, ok := new(big.Int).SetString(strings.TrimSpace(string(v)), 10)
	if !ok || n.Sign() < 0 {
		return new(big.Int)
	}
	return n
}

// Cmp compares two versions numerically. Unparsable values count as zero.
func (v Version) Cmp(other Version) int {
	return v.bigInt().Cmp(other.bigInt())
}

func (v Version) Greater(other Version) bool {
	return v.Cmp(other) > 0
}

func (v Version) IsZero() bool {
	return v.bigInt().Sign() == 0
}

// Next returns v+1.
func (v Version) Next() Version {
	return Version(new(big.Int).Add(v.bigInt(), big.NewInt(1)).String())
}

func (v Version) String() string {
	if v == "" {
		return string(ZeroVersion)
	}
	return string(v)
}

// MaxVersion returns the greater of a and b.
func MaxVersion(a, b Version) Version {
	if b.Greater(a) {
		return b
	}
	return a
}
