package override

// Merge folds patches onto base in order and returns a new value. Neither base nor
// any patch is modified and the result shares no maps or slices with them.
func Merge(base map[string]any, patches ...map[string]any) map[string]any {
	acc, _ := DeepClone(base).(map[string]any)
	if acc == nil {
		acc = make(map[string]any)
	}
	for _, patch := range patches {
		acc = mergeStep(acc, patch)
	}
	return acc
}

// mergeStep applies one patch to acc in place. acc must be exclusively owned by the
// caller; values taken from patch are cloned first.
//
// Top-level rules:
//   - nil or absent value: no change
//   - array: replaces the accumulator value
//   - object merging into an object: combined one level deep, each non-nil sub-value
//     replacing the accumulator's sub-value wholesale
//   - anything else: overwrites
func mergeStep(acc, patch map[string]any) map[string]any {
	for key, value := range patch {
		if value == nil {
			continue
		}

		group, isGroup := value.(map[string]any)
		current, accIsGroup := acc[key].(map[string]any)
		if !isGroup || !accIsGroup {
			acc[key] = DeepClone(value)
			continue
		}

		combined := make(map[string]any, len(current)+len(group))
		for k, v := range current {
			combined[k] = v
		}
		for k, v := range group {
			if v == nil {
				continue
			}
			combined[k] = DeepClone(v)
		}
		acc[key] = combined
	}
	return acc
}

// DeepClone copies JSON values recursively. Scalars are returned as is.
func DeepClone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = DeepClone(item)
		}
		return out
	case []any:
		if val == nil {
			return []any(nil)
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DeepClone(item)
		}
		return out
	default:
		return val
	}
}
