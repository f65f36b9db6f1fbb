// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import "golang.org/x/sys/unix"

// Mode is the privilege level a Sample was recorded in, derived from the
// record header's misc bits.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeKernel
	ModeUser
	ModeHypervisor
	ModeGuestKernel
	ModeGuestUser
)

func (m Mode) String() string {
	switch m {
	case ModeKernel:
		return "kernel"
	case ModeUser:
		return "user"
	case ModeHypervisor:
		return "hypervisor"
	case ModeGuestKernel:
		return "guest-kernel"
	case ModeGuestUser:
		return "guest-user"
	default:
		return "unknown"
	}
}

func modeFromMisc(misc uint16) Mode {
	switch misc & unix.PERF_RECORD_MISC_CPUMODE_MASK {
	case unix.PERF_RECORD_MISC_KERNEL:
		return ModeKernel
	case unix.PERF_RECORD_MISC_USER:
		return ModeUser
	case unix.PERF_RECORD_MISC_HYPERVISOR:
		return ModeHypervisor
	case unix.PERF_RECORD_MISC_GUEST_KERNEL:
		return ModeGuestKernel
	case unix.PERF_RECORD_MISC_GUEST_USER:
		return ModeGuestUser
	default:
		return ModeUnknown
	}
}

// CounterValue is one member of a PERF_SAMPLE_READ block embedded in a
// Sample, already scaled by that block's own multiplexing correction.
type CounterValue struct {
	Name  string
	Value float64
}

// Weight is either a single scalar cost or, on kernels new enough to
// report PERF_SAMPLE_WEIGHT_STRUCT, a triple of cache/retirement/var3
// latencies. Exactly one of Scalar or the struct fields is populated,
// mirroring the mutually exclusive WEIGHT/WEIGHT_STRUCT sample bits.
type Weight struct {
	Scalar uint64

	CacheLatency                 uint32
	InstructionRetirementLatency uint16
	Var3                         uint16
	IsStruct                     bool
}

// DataSource decodes PERF_SAMPLE_DATA_SRC, classifying a memory access.
type DataSource struct {
	Raw uint64
}

// opType is the mem_op field of perf_mem_data_src: bits 0-4, a bitmask
// (NA=0x01, LOAD=0x02, STORE=0x04, PFETCH=0x08, EXEC=0x10), not an enum.
func (d DataSource) opType() uint64 { return d.Raw & 0x1f }

// memLevel is the mem_lvl field: bits 5-13, also a bitmask
// (NA=0x01, HIT=0x02, MISS=0x04, L1=0x08, LFB=0x10, L2=0x20, L3=0x40,
// LOC_RAM=0x80, ...).
func (d DataSource) memLevel() uint64 { return (d.Raw >> 5) & 0x1ff }

func (d DataSource) IsLoad() bool  { return d.opType()&0x02 != 0 }
func (d DataSource) IsStore() bool { return d.opType()&0x04 != 0 }

func (d DataSource) IsMemHit() bool      { return d.memLevel()&0x02 != 0 }
func (d DataSource) IsMemMiss() bool     { return d.memLevel()&0x04 != 0 }
func (d DataSource) IsMemL1() bool       { return d.memLevel()&0x08 != 0 }
func (d DataSource) IsMemLFB() bool      { return d.memLevel()&0x10 != 0 }
func (d DataSource) IsMemL2() bool       { return d.memLevel()&0x20 != 0 }
func (d DataSource) IsMemL3() bool       { return d.memLevel()&0x40 != 0 }
func (d DataSource) IsMemLocalRAM() bool { return d.memLevel()&0x80 != 0 }

// Branch is one entry of a PERF_SAMPLE_BRANCH_STACK record.
type Branch struct {
	From, To  uint64
	Mispred   bool
	Predicted bool
	InTx      bool
	Abort     bool
	Cycles    uint16
}

// TransactionAbort decodes PERF_SAMPLE_TRANSACTION.
type TransactionAbort struct {
	Raw uint64
}

// ContextSwitch decodes a SWITCH/SWITCH_CPU_WIDE record.
type ContextSwitch struct {
	Out      bool
	Preempt  bool
	CPUWide  bool
	PID, TID uint32 // only set for CPUWide
}

// CGroup decodes a CGROUP record.
type CGroup struct {
	ID   uint64
	Path string
}

// Throttle decodes a THROTTLE/UNTHROTTLE record.
type Throttle struct {
	Enabled  bool // false for UNTHROTTLE
	Time     uint64
	StreamID uint64
}

// Sample is one decoded ring-buffer record. Mode is always populated for
// SAMPLE records; every other field is present only if the matching
// sample-mask bit was set when the owning Sampler was opened.
type Sample struct {
	Mode Mode

	IsExactIP bool

	Identifier   *uint64
	IP           *uint64
	PID, TID     *uint32
	Time         *uint64
	Addr         *uint64
	StreamID     *uint64
	CPU          *uint32
	Period       *uint64
	Counters     []CounterValue
	Callchain    []uint64
	Raw          []byte
	Branches     []Branch
	RegsUser     []uint64
	RegsUserABI  *uint64
	StackUser    []byte
	Weight       *Weight
	DataSrc      *DataSource
	Transaction  *TransactionAbort
	RegsIntr     []uint64
	RegsIntrABI  *uint64
	PhysAddr     *uint64
	CgroupID     *uint64
	DataPageSize *uint64
	CodePageSize *uint64

	// LossCount is set instead of the fields above when this entry
	// decodes a LOST record.
	LossCount *uint64
	// Switch is set instead when this entry decodes a SWITCH record.
	Switch *ContextSwitch
	// Cgroup is set instead when this entry decodes a CGROUP record.
	Cgroup *CGroup
	// ThrottleEvent is set instead when this entry decodes a
	// THROTTLE/UNTHROTTLE record.
	ThrottleEvent *Throttle
}
