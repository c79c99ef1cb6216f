// Package sanitize strips document-store operator-injection characters and
// reserved field names from caller-supplied metadata before it is written to
// a group, permission, or user document. See spec section 4.3/9: keys
// prefixed "$" or containing "." are operator injection vectors for a
// MongoDB-shaped document store and must never reach a write; reserved keys
// belong to the engine, not the caller.
package sanitize

import "strings"

// Metadata strips $-prefixed and dotted keys, plus any key named in
// reserved, from data. The input is never mutated; a new map is returned.
func Metadata(data map[string]any, reserved ...string) map[string]any {
	out := make(map[string]any, len(data))
	isReserved := make(map[string]struct{}, len(reserved))
	for _, r := range reserved {
		isReserved[r] = struct{}{}
	}
	for k, v := range data {
		if strings.HasPrefix(k, "$") || strings.Contains(k, ".") {
			continue
		}
		if _, skip := isReserved[k]; skip {
			continue
		}
		out[k] = v
	}
	return out
}
