package store

// ToInt coerces a bson-decoded numeric value (int32, int64, float64, or int)
// into an int. Returns 0 for anything else, since the only numeric fields in
// this schema are "position", always written by this engine itself.
func ToInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// ExtractMetadata splits a raw decoded document into its reserved fields
// (returned separately by the caller, which already knows their names) and
// everything else, which is caller metadata. The Mongo-assigned "_id" field
// is always excluded from metadata.
func ExtractMetadata(raw map[string]any, reserved ...string) map[string]any {
	skip := make(map[string]struct{}, len(reserved)+1)
	skip["_id"] = struct{}{}
	for _, r := range reserved {
		skip[r] = struct{}{}
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if _, ok := skip[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}
