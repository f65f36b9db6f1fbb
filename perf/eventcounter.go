// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

// event is one entry in an EventCounter's insertion-ordered event list: a
// tagged union of hardware-counter reference (groupIndex/inGroupIndex into
// counter) and metric reference (by name), per spec.md §3/§4.3.
type event struct {
	name        string
	isMetric    bool
	groupIndex  int
	inGroupIndex int
	hidden      bool
}

// EventCounter resolves counter and metric names against a Definitions
// catalogue, groups the resolved hardware counters into kernel Groups
// respecting Config's capacity limits, and evaluates metrics against the
// grouped results. Not safe for concurrent use.
type EventCounter struct {
	defs   Definitions
	cfg    Config
	target Target

	events []event
	groups []*Group

	opened  bool
	started bool
}

// NewEventCounter returns an EventCounter that resolves names against defs,
// uses cfg for capacity and target, and measures target.
func NewEventCounter(defs Definitions, cfg Config, target Target) *EventCounter {
	return &EventCounter{defs: defs, cfg: cfg, target: target, groups: []*Group{{}}}
}

// Started reports whether Start has been called without a matching Stop.
func (ec *EventCounter) Started() bool { return ec.started }

func (ec *EventCounter) findEvent(name string) *event {
	for i := range ec.events {
		if ec.events[i].name == name {
			return &ec.events[i]
		}
	}
	return nil
}

// Add resolves name against the Definitions catalogue and adds it to the
// current group, per the four-case semantics of spec.md §4.3. An empty name
// starts a new group (a "group break").
func (ec *EventCounter) Add(name string) error {
	if name == "" {
		return ec.breakGroup()
	}
	if cfg, ok := ec.defs.Counter(name); ok {
		return ec.addCounter(name, cfg, false)
	}
	if m, ok := ec.defs.Metric(name); ok {
		for _, req := range m.RequiredCounterNames() {
			cfg, ok := ec.defs.Counter(req)
			if !ok {
				return openFailure(req, ErrUnknownCounterForMetric)
			}
			if err := ec.addCounter(req, cfg, true); err != nil {
				return err
			}
		}
		ec.events = append(ec.events, event{name: name, isMetric: true})
		return nil
	}
	return openFailure(name, ErrUnknownName)
}

func (ec *EventCounter) breakGroup() error {
	last := ec.groups[len(ec.groups)-1]
	if last.Len() == 0 {
		return nil
	}
	if len(ec.groups) >= ec.cfg.MaxGroups {
		return ErrTooManyGroups
	}
	ec.groups = append(ec.groups, &Group{})
	return nil
}

func (ec *EventCounter) addCounter(name string, cfg CounterConfig, hidden bool) error {
	if existing := ec.findEvent(name); existing != nil {
		existing.hidden = existing.hidden && hidden
		return nil
	}

	last := ec.groups[len(ec.groups)-1]
	if last.Len() >= ec.cfg.MaxCountersPerGroup || last.Len() >= MaxMembers {
		if len(ec.groups) >= ec.cfg.MaxGroups {
			return ErrTooManyCounters
		}
		ec.groups = append(ec.groups, &Group{})
		last = ec.groups[len(ec.groups)-1]
	}

	groupIndex := len(ec.groups) - 1
	inGroupIndex := last.Len()
	last.Add(name, cfg)
	ec.events = append(ec.events, event{
		name: name, groupIndex: groupIndex, inGroupIndex: inGroupIndex, hidden: hidden,
	})
	return nil
}

// Start opens (if needed) then starts every group, in insertion order. Any
// error aborts the sequence; already-opened groups are closed before the
// error is returned.
func (ec *EventCounter) Start() error {
	if err := ec.open(); err != nil {
		return err
	}
	for _, g := range ec.groups {
		if err := g.Start(); err != nil {
			for _, og := range ec.groups {
				og.Close()
			}
			ec.opened = false
			return err
		}
	}
	ec.started = true
	return nil
}

func (ec *EventCounter) open() error {
	if ec.opened {
		return nil
	}
	pid, cpu := ec.target.pidCPU()
	if ec.cfg.ProcessID != 0 {
		pid = ec.cfg.ProcessID
	}
	if ec.cfg.CPU >= 0 {
		cpu = ec.cfg.CPU
	}
	params := openParams{
		pid:                 pid,
		cpu:                 cpu,
		includeKernel:       ec.cfg.IncludeKernel,
		includeUser:         ec.cfg.IncludeUser,
		includeHypervisor:   ec.cfg.IncludeHypervisor,
		includeIdle:         ec.cfg.IncludeIdle,
		includeGuest:        ec.cfg.IncludeGuest,
		includeChildThreads: ec.cfg.IncludeChildThreads,
		inheritThreadOnly:   ec.cfg.InheritThreadOnly,
	}
	for i, g := range ec.groups {
		if g.Len() == 0 {
			continue
		}
		if err := g.Open(params); err != nil {
			for j := 0; j < i; j++ {
				ec.groups[j].Close()
			}
			return err
		}
	}
	ec.opened = true
	return nil
}

// Stop stops then closes every group. Every group is attempted regardless
// of earlier failures; the first error encountered is returned. Calling
// Stop when the counter isn't started is a no-op.
func (ec *EventCounter) Stop() error {
	if !ec.started {
		return nil
	}
	var firstErr error
	for _, g := range ec.groups {
		if g.Len() == 0 {
			continue
		}
		if err := g.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, g := range ec.groups {
		g.Close()
	}
	ec.opened = false
	ec.started = false
	return firstErr
}

// Result evaluates every event against the grouped hardware results,
// normalizing raw counter values by dividing by normalization (1 by
// default), per spec.md §4.3's two-pass result construction.
func (ec *EventCounter) Result(normalization float64) CounterResult {
	if normalization == 0 {
		normalization = 1
	}
	hw := make(map[string]float64)
	for _, e := range ec.events {
		if e.isMetric {
			continue
		}
		hw[e.name] = ec.groups[e.groupIndex].Get(e.inGroupIndex) / normalization
	}

	var res CounterResult
	for _, e := range ec.events {
		if e.isMetric {
			m, ok := ec.defs.Metric(e.name)
			if !ok {
				continue
			}
			v, ok := m.Calculate(hw)
			if !ok {
				continue
			}
			res.Names = append(res.Names, e.name)
			res.Values = append(res.Values, v)
			continue
		}
		if e.hidden {
			continue
		}
		res.Names = append(res.Names, e.name)
		res.Values = append(res.Values, hw[e.name])
	}
	return res
}
