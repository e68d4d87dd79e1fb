package engine

import "github.com/loomworks/loom/dsl"

// aggregateChain folds a settled attempt chain into the step's result.
// With no on_success policy the last result stands. Strategies:
//
//   - replace: the last attempt's result.
//   - collect: the raw per-attempt results, in order.
//   - append: the arrays found at merge_path in each attempt,
//     concatenated into one flat array (pagination's page-merge).
func aggregateChain(pol *dsl.OnSuccessPolicy, results []any) any {
	if len(results) == 0 {
		return nil
	}
	last := results[len(results)-1]
	if pol == nil {
		return last
	}
	switch pol.Collect {
	case dsl.CollectCollect:
		out := make([]any, len(results))
		copy(out, results)
		return out
	case dsl.CollectAppend:
		var merged []any
		for _, r := range results {
			v, ok := lookupPath(r, pol.MergePath)
			if !ok {
				continue
			}
			if arr, isArr := v.([]any); isArr {
				merged = append(merged, arr...)
				continue
			}
			merged = append(merged, v)
		}
		if merged == nil {
			merged = []any{}
		}
		return merged
	default:
		return last
	}
}
