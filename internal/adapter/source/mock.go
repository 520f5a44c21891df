package source

import (
	"crypto/sha1"
	"encoding/binary"
)

// HashFloat maps s to a stable fraction in [0, 1). Mock modes use it to
// derive plausible, repeatable values from their inputs so the platform runs
// offline with no randomness.
func HashFloat(s string) float64 {
	h := sha1.Sum([]byte(s))
	u := binary.BigEndian.Uint32(h[:4])
	return float64(u%1000) / 1000.0
}

// HashPick selects one option deterministically from s. Weights skew toward
// the earlier options: option i wins with weight 2^(n-i).
func HashPick(s string, options ...string) string {
	if len(options) == 0 {
		return ""
	}
	total := 0
	weights := make([]int, len(options))
	for i := range options {
		weights[i] = 1 << (len(options) - 1 - i)
		total += weights[i]
	}
	h := sha1.Sum([]byte(s))
	v := int(binary.BigEndian.Uint32(h[4:8])) % total
	if v < 0 {
		v = -v
	}
	for i, w := range weights {
		if v < w {
			return options[i]
		}
		v -= w
	}
	return options[len(options)-1]
}
