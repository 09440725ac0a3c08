package poll

import "math/bits"

// bitReverse32 maps a monotone identifier to a near-uniform position on
// [0, 2^32). Consecutive ids land maximally far apart, which is what
// spreads host/scheme fire times across the polling cycle.
func bitReverse32(v uint32) uint32 {
	return bits.Reverse32(v)
}
