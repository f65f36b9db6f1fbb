// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxMembers is the maximum number of Counters a Group may hold: one
// leader plus up to seven followers, matching the kernel's own grouped
// scheduling limit.
const MaxMembers = 8

// readFormat is the kernel's PERF_FORMAT_GROUP|ID|TOTAL_TIME_ENABLED|
// TOTAL_TIME_RUNNING layout: {count_members, time_enabled, time_running,
// [{value,id}...]}.
type readFormat struct {
	countMembers uint64
	timeEnabled  uint64
	timeRunning  uint64
	values       [MaxMembers]struct {
		value uint64
		id    uint64
	}
}

func readReadFormat(fd int) (readFormat, error) {
	var buf [8 * (3 + 2*MaxMembers)]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return readFormat{}, err
	}
	if n < 24 {
		return readFormat{}, fmt.Errorf("short read: %d bytes", n)
	}
	var rf readFormat
	rf.countMembers = binary.NativeEndian.Uint64(buf[0:])
	rf.timeEnabled = binary.NativeEndian.Uint64(buf[8:])
	rf.timeRunning = binary.NativeEndian.Uint64(buf[16:])
	off := 24
	for i := uint64(0); i < rf.countMembers && i < MaxMembers && off+16 <= n; i++ {
		rf.values[i].value = binary.NativeEndian.Uint64(buf[off:])
		rf.values[i].id = binary.NativeEndian.Uint64(buf[off+8:])
		off += 16
	}
	return rf, nil
}

func (rf readFormat) valueForID(id uint64) (uint64, bool) {
	for i := uint64(0); i < rf.countMembers && i < MaxMembers; i++ {
		if rf.values[i].id == id {
			return rf.values[i].value, true
		}
	}
	return 0, false
}

// Group is an ordered sequence of up to MaxMembers Counters sharing a
// leader. The leader's descriptor is the target of every read and ioctl.
// After stop, Group holds a multiplexing correction factor derived from
// the leader's time_enabled/time_running snapshots.
type Group struct {
	names    []string
	configs  []CounterConfig
	counters []*Counter
	ids      []uint64

	start, end readFormat
	correction float64

	opened bool
}

// Add appends a CounterConfig to this group. No capacity check is
// performed here — capacity discipline belongs to EventCounter (§4.3) and
// Sampler (§4.4).
func (g *Group) Add(name string, cfg CounterConfig) {
	g.names = append(g.names, name)
	g.configs = append(g.configs, cfg)
}

// Len returns the number of members added so far.
func (g *Group) Len() int { return len(g.configs) }

// Open opens every member in insertion order. Member 0 opens with
// leader_fd=-1; subsequent members pass the leader's descriptor.
func (g *Group) Open(params openParams) error {
	if g.opened {
		return nil
	}
	g.counters = make([]*Counter, len(g.configs))
	for i, cfg := range g.configs {
		role := counterRole{
			isLeader:       i == 0,
			isSecretLeader: i == 1 && len(g.configs) > 0 && g.configs[0].IsAuxiliary(),
			leaderFD:       -1,
		}
		if i > 0 {
			role.leaderFD = g.counters[0].fd
		}
		c := &Counter{}
		if err := c.open(g.names[i], cfg, role, params); err != nil {
			g.closeOpened(i)
			return err
		}
		g.counters[i] = c
	}
	g.ids = make([]uint64, len(g.counters))
	for i, c := range g.counters {
		g.ids[i] = c.id
	}
	g.opened = true
	return nil
}

func (g *Group) closeOpened(n int) {
	for i := 0; i < n; i++ {
		if g.counters[i] != nil {
			g.counters[i].close()
		}
	}
}

// Start resets and enables the group, then snapshots the start values.
// Fails with ErrEmptyGroup if empty, or ErrStartFailure if the leader read
// returns no bytes.
func (g *Group) Start() error {
	if len(g.counters) == 0 {
		return ErrEmptyGroup
	}
	leaderFD := g.counters[0].fd
	if _, err := unix.IoctlGetInt(leaderFD, unix.PERF_EVENT_IOC_RESET); err != nil {
		return openFailure("group reset", err)
	}
	if _, err := unix.IoctlGetInt(leaderFD, unix.PERF_EVENT_IOC_ENABLE); err != nil {
		return openFailure("group enable", err)
	}
	rf, err := readReadFormat(leaderFD)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailure, err)
	}
	g.start = rf
	return nil
}

// Stop reads the end snapshot, disables the group, and computes the
// multiplexing correction. When time_running == 0, the correction is
// defined as 0 (spec.md §9; the original C++ leaves this undefined).
func (g *Group) Stop() error {
	if len(g.counters) == 0 {
		return ErrEmptyGroup
	}
	leaderFD := g.counters[0].fd
	rf, err := readReadFormat(leaderFD)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStopFailure, err)
	}
	g.end = rf
	if _, err := unix.IoctlGetInt(leaderFD, unix.PERF_EVENT_IOC_DISABLE); err != nil {
		return fmt.Errorf("%w: %v", ErrStopFailure, err)
	}

	dTimeRunning := g.end.timeRunning - g.start.timeRunning
	dTimeEnabled := g.end.timeEnabled - g.start.timeEnabled
	if dTimeRunning == 0 {
		g.correction = 0
	} else {
		g.correction = float64(dTimeEnabled) / float64(dTimeRunning)
	}
	return nil
}

// Get returns the corrected value for the member at index, looked up by
// its kernel-assigned id in both snapshots. Returns 0 if the id isn't
// present in either snapshot.
func (g *Group) Get(index int) float64 {
	if index < 0 || index >= len(g.ids) {
		return 0
	}
	id := g.ids[index]
	startVal, startOK := g.start.valueForID(id)
	endVal, endOK := g.end.valueForID(id)
	if !startOK || !endOK {
		return 0
	}
	diff := int64(endVal) - int64(startVal)
	if diff < 0 {
		diff = 0
	}
	return float64(diff) * g.correction
}

// Correction returns the multiplexing correction factor computed by Stop.
func (g *Group) Correction() float64 { return g.correction }

// LeaderIsAuxiliary reports whether this group's first member is the
// non-sampling auxiliary leader event (see [CounterConfig.IsAuxiliary]).
func (g *Group) LeaderIsAuxiliary() bool {
	return len(g.configs) > 0 && g.configs[0].IsAuxiliary()
}

// LeaderFD returns the leader's raw file descriptor, or -1 if not open.
// Used by Sampler to select the mmap target.
func (g *Group) LeaderFD() int {
	if len(g.counters) == 0 {
		return -1
	}
	return g.counters[0].fd
}

// MemberFD returns the raw descriptor of the member at index, or -1.
func (g *Group) MemberFD(index int) int {
	if index < 0 || index >= len(g.counters) {
		return -1
	}
	return g.counters[index].fd
}

// Close closes all members in order.
func (g *Group) Close() {
	for _, c := range g.counters {
		c.close()
	}
	g.counters = nil
	g.opened = false
}
