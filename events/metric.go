// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

// Metric evaluates a named formula against a set of hardware counter
// values, satisfying [perf.Metric].
type Metric struct {
	required []string
	formula  func(values map[string]float64) (float64, bool)
}

// RequiredCounterNames returns the hardware counter names this metric's
// formula reads.
func (m *Metric) RequiredCounterNames() []string { return m.required }

// Calculate evaluates the metric's formula against values, keyed by
// hardware counter name. Returns false if a required value is missing or
// the formula is undefined for the given inputs (e.g. division by zero).
func (m *Metric) Calculate(values map[string]float64) (float64, bool) {
	return m.formula(values)
}

// NewMetric builds a Metric from the counter names its formula reads and
// the formula itself.
func NewMetric(required []string, formula func(map[string]float64) (float64, bool)) *Metric {
	return &Metric{required: required, formula: formula}
}

func ratio(values map[string]float64, num, den string) (float64, bool) {
	n, ok1 := values[num]
	d, ok2 := values[den]
	if !ok1 || !ok2 || d == 0 {
		return 0, false
	}
	return n / d, true
}

// builtinMetrics are the five generalized metrics
// counter_definition.cpp's headers name but don't define the formulas for;
// the formulas here are the standard perf-analysis definitions (recorded as
// an Open Question resolution in DESIGN.md).
func builtinMetrics() map[string]*Metric {
	return map[string]*Metric{
		"CyclesPerInstruction": NewMetric(
			[]string{"cycles", "instructions"},
			func(v map[string]float64) (float64, bool) { return ratio(v, "cycles", "instructions") },
		),
		"CacheHitRatio": NewMetric(
			[]string{"cache-references", "cache-misses"},
			func(v map[string]float64) (float64, bool) {
				missRatio, ok := ratio(v, "cache-misses", "cache-references")
				if !ok {
					return 0, false
				}
				return 1 - missRatio, true
			},
		),
		"DTLBMissRatio": NewMetric(
			[]string{"dTLB-loads", "dTLB-load-misses"},
			func(v map[string]float64) (float64, bool) { return ratio(v, "dTLB-load-misses", "dTLB-loads") },
		),
		"ITLBMissRatio": NewMetric(
			[]string{"iTLB-loads", "iTLB-load-misses"},
			func(v map[string]float64) (float64, bool) { return ratio(v, "iTLB-load-misses", "iTLB-loads") },
		),
		"L1DataMissRatio": NewMetric(
			[]string{"L1-dcache-loads", "L1-dcache-load-misses"},
			func(v map[string]float64) (float64, bool) { return ratio(v, "L1-dcache-load-misses", "L1-dcache-loads") },
		),
	}
}
