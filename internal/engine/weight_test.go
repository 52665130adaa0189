package engine_test

import (
	"testing"
	"time"

	"renderq/internal/domain"
	"renderq/internal/engine"
)

func TestTimeBiasBounds(t *testing.T) {
	for _, ts := range []time.Time{
		time.UnixMilli(0),
		time.UnixMilli(149_999),
		time.UnixMilli(299_999),
		time.UnixMilli(300_000),
		time.Date(2025, 6, 1, 12, 34, 56, 789e6, time.UTC),
	} {
		b := engine.TimeBias(ts)
		if b < 0 || b >= 2 {
			t.Fatalf("TimeBias(%v) = %v, want [0, 2)", ts, b)
		}
	}
	// rises within a window
	early := engine.TimeBias(time.UnixMilli(1_000))
	late := engine.TimeBias(time.UnixMilli(200_000))
	if early >= late {
		t.Fatalf("bias not rising: %v >= %v", early, late)
	}
	// resets at the window boundary
	if engine.TimeBias(time.UnixMilli(300_000)) != 0 {
		t.Fatalf("bias did not reset at window boundary")
	}
}

func TestWeightComposition(t *testing.T) {
	now := time.UnixMilli(150_000) // bias exactly 1
	w := engine.Weight(now, 3, -0.5)
	if w != 3.5 {
		t.Fatalf("weight = %v, want 3.5", w)
	}
}

func TestRepeatPenaltyMonotonic(t *testing.T) {
	prev := -1.0
	for pass := 0; pass < 10; pass++ {
		p := engine.RepeatPenalty(pass)
		if p <= prev {
			t.Fatalf("penalty not strictly rising at pass %d", pass)
		}
		if p >= 1 {
			t.Fatalf("penalty %v crosses a whole weight class", p)
		}
		prev = p
	}
}

func TestUnitCost(t *testing.T) {
	wf := domain.Workflow{
		BaseCost: 10,
		Inputs: map[string]domain.Input{
			"steps":  {Type: domain.InputNumber, CostPerUnit: 2},
			"images": {Type: domain.InputFile, CostPerUnit: 5},
			"prompt": {Type: domain.InputString},
		},
	}
	got := engine.UnitCost(wf, map[string]any{
		"steps":  float64(3),
		"images": []any{"a.png", "b.png"},
		"prompt": "scenery",
	})
	if got != 26 { // 10 + 3*2 + 2*5
		t.Fatalf("unit cost = %v, want 26", got)
	}
	// inputs without a cost configuration contribute nothing
	if engine.UnitCost(wf, map[string]any{"prompt": "x"}) != 10 {
		t.Fatalf("base-only cost wrong")
	}
}

func TestCostScalesByRepeatAndBatch(t *testing.T) {
	wf := domain.Workflow{
		BaseCost: 10,
		Inputs: map[string]domain.Input{
			"steps": {Type: domain.InputNumber, CostPerUnit: 2},
		},
	}
	values := map[string]any{"steps": float64(3)}
	if got := engine.Cost(wf, values, 2, 1); got != 32 {
		t.Fatalf("cost = %v, want 32", got)
	}
	if got := engine.Cost(wf, values, 0, 0); got != 16 {
		t.Fatalf("cost with zero factors = %v, want clamped 16", got)
	}
}

func TestExpandBatches(t *testing.T) {
	values := map[string]any{
		"prompt": []any{"a", "b", "c"},
		"scale":  []any{float64(1), float64(2)},
		"steps":  float64(20),
	}
	tuples := engine.ExpandBatches(values)
	if len(tuples) != 6 {
		t.Fatalf("tuples = %d, want 3x2", len(tuples))
	}
	seen := map[string]bool{}
	for _, tuple := range tuples {
		p, ok := tuple["prompt"].(string)
		if !ok {
			t.Fatalf("prompt not scalarized: %v", tuple["prompt"])
		}
		s, ok := tuple["scale"].(float64)
		if !ok {
			t.Fatalf("scale not scalarized: %v", tuple["scale"])
		}
		if tuple["steps"] != float64(20) {
			t.Fatalf("scalar field mutated: %v", tuple["steps"])
		}
		key := p + "/" + string(rune('0'+int(s)))
		if seen[key] {
			t.Fatalf("duplicate tuple %s", key)
		}
		seen[key] = true
	}

	// no arrays: single tuple untouched
	single := engine.ExpandBatches(map[string]any{"steps": float64(1)})
	if len(single) != 1 {
		t.Fatalf("scalar-only expansion = %d tuples", len(single))
	}
}
