package types

// DedupeStrings returns items with duplicates removed, first occurrence
// wins, order preserved. Blank entries are dropped.
func DedupeStrings(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

// CloneStrings returns a fresh copy of items, never nil.
func CloneStrings(items []string) []string {
	out := make([]string, len(items))
	copy(out, items)
	return out
}
