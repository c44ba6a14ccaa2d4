// Package pathenc encodes opaque watch keys so they can safely traverse a
// path boundary (a filename component or a hierarchical-store node name).
package pathenc

import "strings"

// slashSentinel is the literal substitution used in place of '/' at the
// path boundary. Huskar keys are otherwise opaque, so this is the only
// character that needs escaping.
const slashSentinel = "%SLASH%"

// Encode replaces every '/' in key with the slash sentinel.
func Encode(key string) string {
	return strings.ReplaceAll(key, "/", slashSentinel)
}

// Decode reverses Encode. Decode(Encode(s)) == s for all s.
func Decode(key string) string {
	return strings.ReplaceAll(key, slashSentinel, "/")
}
