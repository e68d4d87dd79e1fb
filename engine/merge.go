package engine

import "strings"

// deepMerge combines two JSON-shaped documents: nested maps merge
// recursively, arrays and scalars replace, and the overlay wins ties.
// Neither input is mutated; the result shares no map structure with
// either.
func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = cloneJSON(v)
	}
	for k, v := range overlay {
		bm, bok := out[k].(map[string]any)
		om, ook := v.(map[string]any)
		if bok && ook {
			out[k] = deepMerge(bm, om)
			continue
		}
		out[k] = cloneJSON(v)
	}
	return out
}

// cloneJSON deep-copies maps and slices; scalars pass through.
func cloneJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneJSON(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneJSON(e)
		}
		return out
	default:
		return v
	}
}

// lookupPath walks a dot-separated path through nested maps. An empty path
// returns doc itself.
func lookupPath(doc any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes v at a dot-separated path inside doc, creating intermediate
// maps as needed. Returns the updated document; when path is empty v itself
// is the result.
func setPath(doc any, path string, v any) any {
	if path == "" {
		return v
	}
	segs := strings.Split(path, ".")
	root, ok := doc.(map[string]any)
	if !ok {
		root = map[string]any{}
	} else {
		root = cloneJSON(root).(map[string]any)
	}
	cur := root
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = v
			break
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return root
}
