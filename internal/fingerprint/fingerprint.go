// Package fingerprint computes the short, deliberately weak content hash used
// as the sync engine's optimistic precondition token. It must reproduce the
// remote peer's hash bit-for-bit; that compatibility, not collision
// resistance, is the requirement here.
package fingerprint

import "strconv"

// Of iterates over the Unicode scalar values of s, folding h = h*31 + c in a
// signed 32-bit window with wraparound, then renders the result as base-36
// (leading "-" for negative values, "0" for zero).
func Of(s string) string {
	var h int32
	for _, r := range s {
		h = h*31 + r
	}
	return strconv.FormatInt(int64(h), 36)
}
