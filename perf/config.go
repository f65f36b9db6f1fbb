// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

// Precision is the requested instruction-pointer skid for sampling events.
// Higher values request stricter accuracy. Precision may be downgraded
// during open (see the precision fallback loop in [Counter.open]) but is
// never silently upgraded.
type Precision int

const (
	AllowArbitrarySkid Precision = iota
	MustHaveConstantSkid
	RequestZeroSkid
	MustHaveZeroSkid
)

func (p Precision) String() string {
	switch p {
	case AllowArbitrarySkid:
		return "AllowArbitrarySkid"
	case MustHaveConstantSkid:
		return "MustHaveConstantSkid"
	case RequestZeroSkid:
		return "RequestZeroSkid"
	case MustHaveZeroSkid:
		return "MustHaveZeroSkid"
	default:
		return "Precision(?)"
	}
}

// PeriodOrFrequency is a tagged union: either a sample period (one record
// every N occurrences of the event) or a sample frequency (a target number
// of records per second, with the kernel adjusting the effective period).
type PeriodOrFrequency struct {
	isFreq bool
	value  uint64
}

// Period requests one sample record every n occurrences of the event.
func Period(n uint64) PeriodOrFrequency { return PeriodOrFrequency{false, n} }

// Frequency requests approximately n sample records per second.
func Frequency(n uint64) PeriodOrFrequency { return PeriodOrFrequency{true, n} }

func (p PeriodOrFrequency) IsFrequency() bool { return p.isFreq }
func (p PeriodOrFrequency) Value() uint64     { return p.value }

// Config holds the options that govern how an [EventCounter] or [Sampler]
// opens its groups. Construct with [NewConfig] (or [NewSampleConfig] for
// sampling) to get the documented defaults, then adjust fields directly.
type Config struct {
	// MaxGroups bounds the number of kernel groups an EventCounter/Sampler
	// may open.
	MaxGroups int
	// MaxCountersPerGroup bounds the number of members per group, in
	// addition to the kernel's own MAX_MEMBERS limit.
	MaxCountersPerGroup int

	IncludeKernel       bool
	IncludeUser         bool
	IncludeHypervisor   bool
	IncludeIdle         bool
	IncludeGuest        bool
	IncludeChildThreads bool

	// InheritThreadOnly narrows IncludeChildThreads' inheritance to new
	// threads of the monitored process, excluding forked child processes.
	// Ignored on kernels older than 5.13 (see featureInheritThread).
	InheritThreadOnly bool

	// ProcessID selects which process/thread to monitor: 0 = calling
	// thread, -1 = any, >0 = a specific pid/tid.
	ProcessID int
	// CPU selects which CPU to monitor, or -1 for any CPU.
	CPU int
}

// NewConfig returns a Config with the documented defaults, mirroring the
// original C++ implementation's Config default member initializers.
func NewConfig() Config {
	return Config{
		MaxGroups:           5,
		MaxCountersPerGroup: 4,
		IncludeKernel:       true,
		IncludeUser:         true,
		IncludeHypervisor:   true,
		IncludeIdle:         true,
		IncludeGuest:        true,
		IncludeChildThreads: false,
		InheritThreadOnly:   false,
		ProcessID:           0,
		CPU:                 -1,
	}
}

// SampleConfig extends Config with the parameters specific to sampling:
// ring buffer sizing and the default precision/cadence applied to triggers
// that don't override them.
type SampleConfig struct {
	Config

	// BufferPages is the total number of pages mapped per ring buffer: one
	// header page plus a power-of-two number of data pages.
	BufferPages int

	PeriodOrFreq PeriodOrFrequency
	Precision    Precision
}

// NewSampleConfig returns a SampleConfig with the documented defaults,
// mirroring original_source/include/perfcpp/config.h's SampleConfig.
func NewSampleConfig() SampleConfig {
	return SampleConfig{
		Config:       NewConfig(),
		BufferPages:  8192 + 1,
		PeriodOrFreq: Period(4000),
		Precision:    MustHaveConstantSkid,
	}
}
