// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import "golang.org/x/sys/unix"

// SampleValues declaratively selects which per-sample fields a Sampler
// should request, plus the ancillary choices (branch type mask,
// user/kernel register sets, max call-stack depth, context-switch/cgroup/
// throttle inclusion, and the names of any auxiliary read counters) named
// in spec.md §3.
type SampleValues struct {
	instructionPointer bool
	processThreadID    bool
	time               bool
	address            bool
	streamID           bool
	cpu                bool
	period             bool
	read               bool
	callchain          bool
	raw                bool
	branchStack        bool
	registersUser      bool
	registersKernel    bool
	weight             bool
	weightStruct       bool
	dataSource         bool
	transaction        bool
	physicalAddress    bool
	dataPageSize       bool
	codePageSize       bool
	identifier         bool

	branchMask     uint64
	userRegsMask   uint64
	kernelRegsMask uint64
	stackUserSize  uint32
	maxStack       uint16

	includeContextSwitch bool
	includeCgroup        bool
	includeThrottle      bool

	readCounters []string
}

// NewSampleValues returns a zero SampleValues; use the With* methods to
// enable fields, matching the declarative-configuration style spec.md §3
// describes.
func NewSampleValues() *SampleValues { return &SampleValues{} }

func (s *SampleValues) WithInstructionPointer() *SampleValues { s.instructionPointer = true; return s }
func (s *SampleValues) WithProcessThreadID() *SampleValues    { s.processThreadID = true; return s }
func (s *SampleValues) WithTime() *SampleValues               { s.time = true; return s }
func (s *SampleValues) WithAddress() *SampleValues            { s.address = true; return s }
func (s *SampleValues) WithStreamID() *SampleValues           { s.streamID = true; return s }
func (s *SampleValues) WithCPU() *SampleValues                { s.cpu = true; return s }
func (s *SampleValues) WithPeriod() *SampleValues             { s.period = true; return s }
func (s *SampleValues) WithIdentifier() *SampleValues         { s.identifier = true; return s }
func (s *SampleValues) WithCallchain() *SampleValues          { s.callchain = true; return s }
func (s *SampleValues) WithRaw() *SampleValues                { s.raw = true; return s }
func (s *SampleValues) WithDataSource() *SampleValues         { s.dataSource = true; return s }
func (s *SampleValues) WithTransaction() *SampleValues        { s.transaction = true; return s }
func (s *SampleValues) WithPhysicalAddress() *SampleValues    { s.physicalAddress = true; return s }
func (s *SampleValues) WithDataPageSize() *SampleValues       { s.dataPageSize = true; return s }
func (s *SampleValues) WithCodePageSize() *SampleValues       { s.codePageSize = true; return s }
func (s *SampleValues) WithContextSwitch() *SampleValues      { s.includeContextSwitch = true; return s }
func (s *SampleValues) WithCgroup() *SampleValues             { s.includeCgroup = true; return s }
func (s *SampleValues) WithThrottle() *SampleValues           { s.includeThrottle = true; return s }

func (s *SampleValues) WithWeight() *SampleValues       { s.weight = true; return s }
func (s *SampleValues) WithWeightStruct() *SampleValues { s.weightStruct = true; return s }

func (s *SampleValues) WithBranchStack(mask uint64) *SampleValues {
	s.branchStack = true
	s.branchMask = mask
	return s
}

func (s *SampleValues) WithUserRegisters(mask uint64) *SampleValues {
	s.registersUser = true
	s.userRegsMask = mask
	return s
}

func (s *SampleValues) WithKernelRegisters(mask uint64) *SampleValues {
	s.registersKernel = true
	s.kernelRegsMask = mask
	return s
}

func (s *SampleValues) WithUserStackSize(size uint32) *SampleValues {
	s.stackUserSize = size
	return s
}

func (s *SampleValues) WithMaxCallstack(n uint16) *SampleValues {
	s.maxStack = n
	return s
}

// WithReadCounters requests that every sample also carry a grouped read of
// the named counters (PERF_SAMPLE_READ), in addition to the trigger names
// that a Sampler automatically appends.
func (s *SampleValues) WithReadCounters(names ...string) *SampleValues {
	s.read = true
	s.readCounters = append(s.readCounters, names...)
	return s
}

func (s SampleValues) mask() uint64 {
	var m uint64
	if s.identifier {
		m |= unix.PERF_SAMPLE_IDENTIFIER
	}
	if s.instructionPointer {
		m |= unix.PERF_SAMPLE_IP
	}
	if s.processThreadID {
		m |= unix.PERF_SAMPLE_TID
	}
	if s.time {
		m |= unix.PERF_SAMPLE_TIME
	}
	if s.address {
		m |= unix.PERF_SAMPLE_ADDR
	}
	if s.streamID {
		m |= unix.PERF_SAMPLE_STREAM_ID
	}
	if s.cpu {
		m |= unix.PERF_SAMPLE_CPU
	}
	if s.period {
		m |= unix.PERF_SAMPLE_PERIOD
	}
	if s.read {
		m |= unix.PERF_SAMPLE_READ
	}
	if s.callchain {
		m |= unix.PERF_SAMPLE_CALLCHAIN
	}
	if s.raw {
		m |= unix.PERF_SAMPLE_RAW
	}
	if s.branchStack {
		m |= unix.PERF_SAMPLE_BRANCH_STACK
	}
	if s.registersUser {
		m |= unix.PERF_SAMPLE_REGS_USER
	}
	// PERF_SAMPLE_STACK_USER is implied whenever a user stack size was
	// configured, regardless of which register set was requested.
	if s.stackUserSize > 0 {
		m |= unix.PERF_SAMPLE_STACK_USER
	}
	if s.weight {
		m |= unix.PERF_SAMPLE_WEIGHT
	}
	if s.weightStruct && hasFeature(featureSampleWeightStruct) {
		m |= unix.PERF_SAMPLE_WEIGHT_STRUCT
	}
	if s.dataSource {
		m |= unix.PERF_SAMPLE_DATA_SRC
	}
	if s.transaction {
		m |= unix.PERF_SAMPLE_TRANSACTION
	}
	if s.registersKernel {
		m |= unix.PERF_SAMPLE_REGS_INTR
	}
	if s.physicalAddress && hasFeature(featureSamplePhysAddr) {
		m |= unix.PERF_SAMPLE_PHYS_ADDR
	}
	if s.includeCgroup && hasFeature(featureSampleCgroup) {
		m |= unix.PERF_SAMPLE_CGROUP
	}
	if s.dataPageSize && hasFeature(featureSampleDataPageSize) {
		m |= unix.PERF_SAMPLE_DATA_PAGE_SIZE
	}
	if s.codePageSize && hasFeature(featureSampleCodePageSize) {
		m |= unix.PERF_SAMPLE_CODE_PAGE_SIZE
	}
	return m
}
