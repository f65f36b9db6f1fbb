// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/toge/perf-cpp/hwinfo"
	"github.com/toge/perf-cpp/perf"
)

// generalizedCounterNames are the ~25 names initialize_generalized_counters
// registers in the original implementation: plain hardware counters plus
// the cache-event family resolveBuiltinEvent already knows how to decode.
var generalizedCounterNames = []string{
	"cycles", "instructions",
	"cache-references", "cache-misses",
	"branch-instructions", "branch-misses",
	"bus-cycles", "ref-cycles",
	"stalled-cycles-frontend", "stalled-cycles-backend",
	"L1-dcache-loads", "L1-dcache-load-misses", "L1-dcache-stores",
	"L1-icache-loads", "L1-icache-load-misses",
	"LLC-loads", "LLC-load-misses", "LLC-stores",
	"dTLB-loads", "dTLB-load-misses",
	"iTLB-loads", "iTLB-load-misses",
	"branch-loads", "branch-load-misses",
	"node-loads", "node-load-misses",
}

// Definitions resolves counter and metric names for [perf.EventCounter] and
// [perf.Sampler], generalizing this package's name-only catalogue
// (resolveBuiltinEvent, ParseEvent) to the CounterConfig/Metric shape
// spec.md §6's CounterDefinitions contract requires.
type Definitions struct {
	mu       sync.Mutex
	counters map[string]perf.CounterConfig
	metrics  map[string]*Metric
}

// NewDefinitions builds a Definitions with the builtin generalized-counter
// table, the five builtin metrics, and (when hw reports a matching vendor)
// AMD IBS / Intel PEBS counters registered via sysfs lookups.
func NewDefinitions(hw *hwinfo.Info) *Definitions {
	d := &Definitions{
		counters: make(map[string]perf.CounterConfig),
		metrics:  builtinMetrics(),
	}
	for _, name := range generalizedCounterNames {
		if ev, ok := resolveBuiltinEvent("", name); ok {
			d.counters[name] = perf.CounterConfig{Type: ev.pmu, EventID: ev.config}
		}
	}
	if hw != nil {
		d.registerAMDIBS(hw)
		d.registerIntelPEBS(hw)
	}
	return d
}

func (d *Definitions) registerAMDIBS(hw *hwinfo.Info) {
	if !hw.IsAMD() || !hw.IsAMDIBSSupported() {
		return
	}
	if opType, ok := hw.AMDIBSOpType(); ok {
		d.counters["ibs-op"] = perf.CounterConfig{Type: uint32(opType)}
	}
	if fetchType, ok := hw.AMDIBSFetchType(); ok {
		d.counters["ibs-fetch"] = perf.CounterConfig{Type: uint32(fetchType)}
	}
}

func (d *Definitions) registerIntelPEBS(hw *hwinfo.Info) {
	if !hw.IsIntel() {
		return
	}
	if id, ok := hw.IntelPEBSMemLoadsAuxEventID(); ok {
		d.counters["mem-loads-aux"] = perf.CounterConfig{Type: unix.PERF_TYPE_RAW, EventID: id}
	}
	if id, ok := hw.IntelPEBSMemLoadsEventID(); ok {
		d.counters["mem-loads"] = perf.CounterConfig{Type: unix.PERF_TYPE_RAW, EventID: id}
	}
	if id, ok := hw.IntelPEBSMemStoresEventID(); ok {
		d.counters["mem-stores"] = perf.CounterConfig{Type: unix.PERF_TYPE_RAW, EventID: id}
	}
}

// Counter resolves name to a CounterConfig, first against the registered
// table (builtin, IBS/PEBS, and anything added by AddCounter/
// ReadCounterConfiguration), then by falling back to this package's
// sysfs/PMU-string event parser (ParseEvent) for any name found in
// /sys/bus/event_source/devices but not in the fixed table.
func (d *Definitions) Counter(name string) (perf.CounterConfig, bool) {
	d.mu.Lock()
	cfg, ok := d.counters[name]
	d.mu.Unlock()
	if ok {
		return cfg, true
	}

	ev, err := ParseEvent(name)
	if err != nil {
		return perf.CounterConfig{}, false
	}
	var attr unix.PerfEventAttr
	if err := ev.SetAttrs(&attr); err != nil {
		return perf.CounterConfig{}, false
	}
	return perf.CounterConfig{Type: attr.Type, EventID: attr.Config, EventIDExtension: [2]uint64{attr.Ext1, attr.Ext2}}, true
}

// IsMetric reports whether name is a registered metric.
func (d *Definitions) IsMetric(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.metrics[name]
	return ok
}

// Metric resolves name to a Metric.
func (d *Definitions) Metric(name string) (perf.Metric, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.metrics[name]
	if !ok {
		return nil, false
	}
	return m, true
}

// AddCounter registers or overwrites a single counter definition.
func (d *Definitions) AddCounter(name string, cfg perf.CounterConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters[name] = cfg
}

// AddMetric registers or overwrites a single metric definition.
func (d *Definitions) AddMetric(name string, m *Metric) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics[name] = m
}

// ReadCounterConfiguration loads additional counter definitions from a CSV
// stream of "name,type,config[,config1[,config2]]" rows, supplementing the
// builtin table — ported from read_counter_configuration. The original
// implementation parses the type field with strtoul on the raw decimal/hex
// string; a transcription bug there silently accepted a type field with
// trailing garbage (e.g. "4x" parsed as 4). This version requires the whole
// field to parse cleanly and reports an error otherwise.
func (d *Definitions) ReadCounterConfiguration(r io.Reader) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, ",")
		if len(fields) < 3 {
			return fmt.Errorf("counter configuration line %d: expected at least 3 fields, got %d", line, len(fields))
		}
		name := strings.TrimSpace(fields[0])
		typ, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 0, 32)
		if err != nil {
			return fmt.Errorf("counter configuration line %d: bad type field %q: %w", line, fields[1], err)
		}
		config, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 0, 64)
		if err != nil {
			return fmt.Errorf("counter configuration line %d: bad config field %q: %w", line, fields[2], err)
		}
		cfg := perf.CounterConfig{Type: uint32(typ), EventID: config}
		for i, extField := range fields[3:] {
			if i >= 2 {
				break
			}
			ext, err := strconv.ParseUint(strings.TrimSpace(extField), 0, 64)
			if err != nil {
				return fmt.Errorf("counter configuration line %d: bad extension field %q: %w", line, extField, err)
			}
			cfg.EventIDExtension[i] = ext
		}
		d.counters[name] = cfg
	}
	return sc.Err()
}
