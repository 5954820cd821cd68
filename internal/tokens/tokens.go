// Package tokens provides a cheap character-based token estimate.
//
// The estimate is a reconciliation figure, not a source of truth: when
// the upstream reports authoritative usage metadata, that metadata wins.
// The estimator only decomposes combined counts (for example, splitting
// an image's token cost out of a combined prompt count by subtracting
// the text-only estimate).
package tokens

// Estimate returns the approximate token count for text: one token per
// four characters, rounded up. Empty text estimates to zero.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
