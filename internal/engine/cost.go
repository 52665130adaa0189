package engine

import (
	"sort"

	"renderq/internal/domain"
)

// UnitCost is the credit cost of one task: the workflow base cost plus the
// per-unit contribution of every input with a cost configuration. An
// array-valued input contributes its element count.
func UnitCost(wf domain.Workflow, values map[string]any) float64 {
	cost := wf.BaseCost
	for name, in := range wf.Inputs {
		if in.CostPerUnit == 0 {
			continue
		}
		v, ok := values[name]
		if !ok {
			continue
		}
		if n, ok := numericValue(v); ok {
			cost += n * in.CostPerUnit
		}
	}
	return cost
}

// Cost is the total charge for an admission: unit cost scaled by repeat count
// and batch size.
func Cost(wf domain.Workflow, values map[string]any, repeat, batch int) float64 {
	if repeat < 1 {
		repeat = 1
	}
	if batch < 1 {
		batch = 1
	}
	return UnitCost(wf, values) * float64(repeat) * float64(batch)
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case []any:
		return float64(len(n)), true
	}
	return 0, false
}

// ExpandBatches cross-expands array-valued inputs into independent input
// tuples. With no arrays it returns the values unchanged as a single tuple.
func ExpandBatches(values map[string]any) []map[string]any {
	var arrayFields []string
	for name, v := range values {
		if arr, ok := v.([]any); ok && len(arr) > 0 {
			arrayFields = append(arrayFields, name)
		}
	}
	if len(arrayFields) == 0 {
		return []map[string]any{values}
	}
	sort.Strings(arrayFields)

	tuples := []map[string]any{copyValues(values)}
	for _, field := range arrayFields {
		arr := values[field].([]any)
		next := make([]map[string]any, 0, len(tuples)*len(arr))
		for _, base := range tuples {
			for _, alt := range arr {
				tuple := copyValues(base)
				tuple[field] = alt
				next = append(next, tuple)
			}
		}
		tuples = next
	}
	return tuples
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
