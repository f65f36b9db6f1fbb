// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perfbench

import (
	"fmt"
	"sync"
	"testing"

	"github.com/toge/perf-cpp/events"
	"github.com/toge/perf-cpp/hwinfo"
	"github.com/toge/perf-cpp/perf"
)

// TODO: Support derived events that use event groups.

// defaultCounters are the events Open measures by default, named through
// the events package's typed Event constants.
var defaultCounters = []events.Event{
	events.EventCPUCycles,
	events.EventInstructions,
	events.EventCacheMisses,
	events.EventCacheReferences,
}

var defaultEvents = counterNames(defaultCounters)

func counterNames(evs []events.Event) []string {
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.String()
	}
	return names
}

var defaultDefs = sync.OnceValue(func() *events.Definitions {
	return events.NewDefinitions(hwinfo.New())
})

type countersOS struct {
	b  testingB
	bN int

	ec       *perf.EventCounter
	baseline perf.CounterResult
}

var printUnits = sync.OnceFunc(func() {
	// Print unit metadata.
	for _, name := range defaultEvents {
		// Currently all events are better=lower.
		fmt.Printf("Unit %s better=lower\n", name)
	}
	fmt.Printf("\n")
})

// testingB is the *testing.B interface needed by Counters. Used for testing.
type testingB interface {
	ReportMetric(n float64, unit string)
	Logf(format string, args ...any)
	Cleanup(func())
}

var openErrors sync.Map

func openOS(b *testing.B) *Counters {
	printUnits()
	return open(b, b.N)
}

func open(b testingB, bN int) *Counters {
	ec := perf.NewEventCounter(defaultDefs(), perf.NewConfig(), perf.TargetThisGoroutine)
	for _, name := range defaultEvents {
		if err := ec.Add(name); err != nil {
			msg := fmt.Sprintf("error adding counter %s: %v", name, err)
			if _, prev := openErrors.Swap(msg, true); !prev {
				b.Logf("%s", msg)
			}
		}
	}

	cs := &Counters{countersOS{b: b, bN: bN, ec: ec}}

	b.Cleanup(cs.close)

	if err := ec.Start(); err != nil {
		msg := fmt.Sprintf("error starting counters: %v", err)
		if _, prev := openErrors.Swap(msg, true); !prev {
			b.Logf("%s", msg)
		}
	}

	return cs
}

func (cs *Counters) startOS() {
	if err := cs.ec.Start(); err != nil {
		cs.b.Logf("error starting counters: %v", err)
	}
}

func (cs *Counters) stopOS() {
	if err := cs.ec.Stop(); err != nil {
		cs.b.Logf("error stopping counters: %v", err)
	}
}

// resetOS re-baselines the reported totals. A running EventCounter is
// stopped and started again, which reopens its counters from zero, so no
// baseline is kept. A stopped EventCounter keeps reporting its last
// result, so that result is recorded as the baseline and subtracted from
// every later read.
func (cs *Counters) resetOS() {
	wasStarted := cs.ec.Started()
	if wasStarted {
		if err := cs.ec.Stop(); err != nil {
			cs.b.Logf("error reading counters for reset: %v", err)
			return
		}
	}
	cs.baseline = perf.CounterResult{}
	if !wasStarted {
		cs.baseline = cs.ec.Result(1)
	}
	if wasStarted {
		if err := cs.ec.Start(); err != nil {
			cs.b.Logf("error restarting counters after reset: %v", err)
		}
	}
}

func (cs *Counters) totalOS(name string) (float64, bool) {
	res := cs.ec.Result(float64(cs.bN))
	v, ok := res.Get(name)
	if !ok {
		return 0, false
	}
	if base, ok := cs.baseline.Get(name); ok {
		v -= base / float64(cs.bN)
	}
	return v, true
}

func (cs *Counters) close() {
	if cs.b == nil {
		return
	}

	cs.stopOS()
	res := cs.ec.Result(float64(cs.bN))
	for i, name := range res.Names {
		v := res.Values[i]
		if base, ok := cs.baseline.Get(name); ok {
			v -= base / float64(cs.bN)
		}
		cs.b.ReportMetric(v, name+"/op")
	}
	cs.b = nil
}
