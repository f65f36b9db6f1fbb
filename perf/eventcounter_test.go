// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"errors"
	"testing"
)

type fakeMetric struct {
	required []string
	calc     func(map[string]float64) (float64, bool)
}

func (m fakeMetric) RequiredCounterNames() []string { return m.required }
func (m fakeMetric) Calculate(v map[string]float64) (float64, bool) { return m.calc(v) }

type fakeDefs struct {
	counters map[string]CounterConfig
	metrics  map[string]Metric
}

func (d fakeDefs) Counter(name string) (CounterConfig, bool) { c, ok := d.counters[name]; return c, ok }
func (d fakeDefs) IsMetric(name string) bool                 { _, ok := d.metrics[name]; return ok }
func (d fakeDefs) Metric(name string) (Metric, bool)         { m, ok := d.metrics[name]; return m, ok }

func newFakeDefs() fakeDefs {
	return fakeDefs{
		counters: map[string]CounterConfig{
			"cycles":       cpuCyclesConfig(),
			"instructions": instructionsConfig(),
		},
		metrics: map[string]Metric{
			"ipc": fakeMetric{
				required: []string{"cycles", "instructions"},
				calc: func(v map[string]float64) (float64, bool) {
					c, ok1 := v["cycles"]
					i, ok2 := v["instructions"]
					if !ok1 || !ok2 || c == 0 {
						return 0, false
					}
					return i / c, true
				},
			},
		},
	}
}

func TestEventCounterAddUnknownName(t *testing.T) {
	ec := NewEventCounter(newFakeDefs(), NewConfig(), TargetThisGoroutine)
	if err := ec.Add("not-a-real-counter"); !errors.Is(err, ErrUnknownName) {
		t.Fatalf("got %v, want ErrUnknownName", err)
	}
}

func TestEventCounterMetricPullsHiddenCounters(t *testing.T) {
	ec := NewEventCounter(newFakeDefs(), NewConfig(), TargetThisGoroutine)
	if err := ec.Add("ipc"); err != nil {
		t.Fatal(err)
	}
	if len(ec.events) != 3 { // cycles (hidden), instructions (hidden), ipc
		t.Fatalf("got %d events, want 3", len(ec.events))
	}
	for _, e := range ec.events {
		if !e.isMetric && !e.hidden {
			t.Fatalf("counter %q pulled in by metric should be hidden", e.name)
		}
	}

	// Explicitly adding one of the pulled-in counters un-hides it.
	if err := ec.Add("cycles"); err != nil {
		t.Fatal(err)
	}
	cyclesEvt := ec.findEvent("cycles")
	if cyclesEvt == nil || cyclesEvt.hidden {
		t.Fatal("explicit Add should un-hide an existing metric-pulled counter")
	}
}

func TestEventCounterGroupBreakAndCapacity(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxCountersPerGroup = 1
	cfg.MaxGroups = 1
	ec := NewEventCounter(newFakeDefs(), cfg, TargetThisGoroutine)
	if err := ec.Add("cycles"); err != nil {
		t.Fatal(err)
	}
	if err := ec.Add(""); !errors.Is(err, ErrTooManyGroups) {
		t.Fatalf("group break with no room for a new group: got %v, want ErrTooManyGroups", err)
	}
	if err := ec.Add("instructions"); !errors.Is(err, ErrTooManyCounters) {
		t.Fatalf("got %v, want ErrTooManyCounters", err)
	}
}

func TestEventCounterStartStopResult(t *testing.T) {
	ec := NewEventCounter(newFakeDefs(), NewConfig(), TargetThisGoroutine)
	if err := ec.Add("cycles"); err != nil {
		t.Fatal(err)
	}
	if err := ec.Add("instructions"); err != nil {
		t.Fatal(err)
	}
	if err := ec.Add("ipc"); err != nil {
		t.Fatal(err)
	}

	if err := ec.Start(); err != nil {
		skipIfNoPerf(t, err)
		t.Fatal(err)
	}
	sum := 0
	for i := 0; i < 1_000_000; i++ {
		sum += i
	}
	if err := ec.Stop(); err != nil {
		t.Fatal(err)
	}
	_ = sum

	res := ec.Result(1)
	if _, ok := res.Get("cycles"); !ok {
		t.Fatal("cycles was added explicitly before the metric and should not be hidden")
	}
	if _, ok := res.Get("ipc"); !ok {
		t.Fatal("ipc metric missing from result")
	}
}
