// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import "sort"

// MultiThreadEventCounter owns one EventCounter per worker thread, each
// counting the calling process's default target. Per spec.md §4.5, Result
// sums hardware values across instances before normalization.
type MultiThreadEventCounter struct {
	counters []*EventCounter
}

// NewMultiThreadEventCounter builds n EventCounters, each configured by cfg
// and resolved against defs, all targeting the calling process.
func NewMultiThreadEventCounter(defs Definitions, cfg Config, n int) *MultiThreadEventCounter {
	m := &MultiThreadEventCounter{counters: make([]*EventCounter, n)}
	for i := range m.counters {
		m.counters[i] = NewEventCounter(defs, cfg, TargetThisGoroutine)
	}
	return m
}

// Add adds name to every constituent EventCounter.
func (m *MultiThreadEventCounter) Add(name string) error {
	for _, ec := range m.counters {
		if err := ec.Add(name); err != nil {
			return err
		}
	}
	return nil
}

// Counter returns the EventCounter for worker index i.
func (m *MultiThreadEventCounter) Counter(i int) *EventCounter { return m.counters[i] }

// Start starts every constituent counter.
func (m *MultiThreadEventCounter) Start() error {
	for _, ec := range m.counters {
		if err := ec.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every constituent counter, attempting all regardless of
// earlier failures.
func (m *MultiThreadEventCounter) Stop() error {
	var firstErr error
	for _, ec := range m.counters {
		if err := ec.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Result sums each named value across every constituent counter, then
// divides by normalization.
func (m *MultiThreadEventCounter) Result(normalization float64) CounterResult {
	return sumResults(m.counters, normalization)
}

// MultiProcessEventCounter owns one EventCounter per target process id.
type MultiProcessEventCounter struct {
	counters []*EventCounter
}

// NewMultiProcessEventCounter builds one EventCounter per pid, each with
// Config.ProcessID set to that pid.
func NewMultiProcessEventCounter(defs Definitions, cfg Config, pids []int) *MultiProcessEventCounter {
	m := &MultiProcessEventCounter{counters: make([]*EventCounter, len(pids))}
	for i, pid := range pids {
		c := cfg
		c.ProcessID = pid
		m.counters[i] = NewEventCounter(defs, c, TargetPID(pid))
	}
	return m
}

func (m *MultiProcessEventCounter) Add(name string) error {
	for _, ec := range m.counters {
		if err := ec.Add(name); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiProcessEventCounter) Counter(i int) *EventCounter { return m.counters[i] }

func (m *MultiProcessEventCounter) Start() error {
	for _, ec := range m.counters {
		if err := ec.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiProcessEventCounter) Stop() error {
	var firstErr error
	for _, ec := range m.counters {
		if err := ec.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiProcessEventCounter) Result(normalization float64) CounterResult {
	return sumResults(m.counters, normalization)
}

// MultiCoreEventCounter owns one EventCounter per CPU id, each counting all
// processes (process_id = -1) on its assigned CPU.
type MultiCoreEventCounter struct {
	counters []*EventCounter
}

// NewMultiCoreEventCounter builds one EventCounter per cpu id.
func NewMultiCoreEventCounter(defs Definitions, cfg Config, cpus []int) *MultiCoreEventCounter {
	m := &MultiCoreEventCounter{counters: make([]*EventCounter, len(cpus))}
	for i, cpu := range cpus {
		c := cfg
		c.ProcessID = -1
		c.CPU = cpu
		m.counters[i] = NewEventCounter(defs, c, TargetCPU(cpu))
	}
	return m
}

func (m *MultiCoreEventCounter) Add(name string) error {
	for _, ec := range m.counters {
		if err := ec.Add(name); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiCoreEventCounter) Counter(i int) *EventCounter { return m.counters[i] }

func (m *MultiCoreEventCounter) Start() error {
	for _, ec := range m.counters {
		if err := ec.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiCoreEventCounter) Stop() error {
	var firstErr error
	for _, ec := range m.counters {
		if err := ec.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiCoreEventCounter) Result(normalization float64) CounterResult {
	return sumResults(m.counters, normalization)
}

func sumResults(counters []*EventCounter, normalization float64) CounterResult {
	if normalization == 0 {
		normalization = 1
	}
	sums := make(map[string]float64)
	var order []string
	for _, ec := range counters {
		r := ec.Result(1)
		for i, n := range r.Names {
			if _, seen := sums[n]; !seen {
				order = append(order, n)
			}
			sums[n] += r.Values[i]
		}
	}
	var out CounterResult
	for _, n := range order {
		out.Names = append(out.Names, n)
		out.Values = append(out.Values, sums[n]/normalization)
	}
	return out
}

// MultiThreadSampler owns one Sampler per worker thread, each targeting the
// calling process.
type MultiThreadSampler struct {
	samplers []*Sampler
}

// NewMultiThreadSampler builds n Samplers, sharing defs/values/cfg, each
// targeting the calling goroutine's thread. Callers must still install
// trigger groups on each returned Sampler via Sampler(i).
func NewMultiThreadSampler(defs Definitions, values *SampleValues, cfg SampleConfig, n int) *MultiThreadSampler {
	m := &MultiThreadSampler{samplers: make([]*Sampler, n)}
	for i := range m.samplers {
		m.samplers[i] = NewSampler(defs, values, cfg, TargetThisGoroutine)
	}
	return m
}

func (m *MultiThreadSampler) Sampler(i int) *Sampler { return m.samplers[i] }

func (m *MultiThreadSampler) Start() error {
	for _, s := range m.samplers {
		if err := s.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiThreadSampler) Stop() error {
	var firstErr error
	for _, s := range m.samplers {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiThreadSampler) Close() {
	for _, s := range m.samplers {
		s.Close()
	}
}

// Result concatenates every constituent Sampler's samples and, when
// sortByTime is true and every sampler recorded TIME, stably sorts the
// combined result by timestamp.
func (m *MultiThreadSampler) Result(sortByTime bool) []Sample {
	return mergeSamplerResults(m.samplers, sortByTime)
}

// MultiCoreSampler owns one Sampler per CPU id. Per the original
// implementation, cpu assignment happens lazily: constituents are built
// with no CPU bound, and Open assigns cpu ids in order immediately before
// opening descriptors (see DESIGN.md's Open Question resolution for why
// this asymmetry with MultiCoreEventCounter's eager assignment is kept).
type MultiCoreSampler struct {
	defs   Definitions
	values *SampleValues
	cfg    SampleConfig
	cpus   []int

	samplers      []*Sampler
	triggerGroups [][]Trigger
}

// NewMultiCoreSampler builds a MultiCoreSampler for the given cpu ids. No
// Sampler is constructed until TriggerGroup/Open is called.
func NewMultiCoreSampler(defs Definitions, values *SampleValues, cfg SampleConfig, cpus []int) *MultiCoreSampler {
	return &MultiCoreSampler{defs: defs, values: values, cfg: cfg, cpus: cpus}
}

// TriggerGroup installs one trigger group, applied to every per-cpu
// Sampler once constructed.
func (m *MultiCoreSampler) TriggerGroup(triggers ...Trigger) {
	m.triggerGroups = append(m.triggerGroups, triggers)
}

// Open lazily constructs one Sampler per cpu id, assigning cpu ids in
// order, then opens each.
func (m *MultiCoreSampler) Open() error {
	if m.samplers == nil {
		m.samplers = make([]*Sampler, len(m.cpus))
		for i, cpu := range m.cpus {
			c := m.cfg
			c.CPU = cpu
			c.ProcessID = -1
			s := NewSampler(m.defs, m.values, c, TargetCPU(cpu))
			for _, tg := range m.triggerGroups {
				if err := s.TriggerGroup(tg...); err != nil {
					return err
				}
			}
			m.samplers[i] = s
		}
	}
	for _, s := range m.samplers {
		if err := s.Open(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiCoreSampler) Start() error {
	if err := m.Open(); err != nil {
		return err
	}
	for _, s := range m.samplers {
		if err := s.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiCoreSampler) Stop() error {
	var firstErr error
	for _, s := range m.samplers {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiCoreSampler) Close() {
	for _, s := range m.samplers {
		s.Close()
	}
}

func (m *MultiCoreSampler) Result(sortByTime bool) []Sample {
	return mergeSamplerResults(m.samplers, sortByTime)
}

func mergeSamplerResults(samplers []*Sampler, sortByTime bool) []Sample {
	var all []Sample
	allHaveTime := true
	for _, s := range samplers {
		if s.values == nil || !s.values.time {
			allHaveTime = false
		}
		all = append(all, s.Result(false)...)
	}
	if sortByTime && allHaveTime {
		sort.SliceStable(all, func(i, j int) bool {
			if all[i].Time == nil || all[j].Time == nil {
				return false
			}
			return *all[i].Time < *all[j].Time
		})
	}
	return all
}
