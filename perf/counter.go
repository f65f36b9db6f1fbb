// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"errors"
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// auxEventID is the event id the upstream kernel PMU uses for the
// Sapphire-Rapids/Alder-Lake "auxiliary" memory-sampling leader event. A
// CounterConfig with this event id must occupy slot 0 of its group and
// carries no samples of its own; see the secret-leader rule in
// [Sampler.Open].
const auxEventID = 0x8203

// CounterConfig is an immutable description of one hardware event: which
// kernel PMU class it belongs to, its primary and extension config words,
// and (for sampling) the precision and cadence it should be opened with.
type CounterConfig struct {
	Type              uint32
	EventID           uint64
	EventIDExtension  [2]uint64
	Precision         Precision
	PeriodOrFreq      PeriodOrFrequency
}

// IsAuxiliary reports whether this config describes the non-sampling
// auxiliary leader event required ahead of certain Intel memory-sampling
// events. Only [events.Definitions]'s hwinfo-gated PEBS registration ever
// produces a CounterConfig with this event id, so there is exactly one
// path that can make a group's leader auxiliary (see DESIGN.md's Open
// Question resolution for the unification spec.md §9 asks for).
func (c CounterConfig) IsAuxiliary() bool {
	return c.Type == unix.PERF_TYPE_RAW && c.EventID == auxEventID
}

// String renders a short debug form of this config, serving the role the
// original C++ Counter::to_string()/print_type_to_stream() debug dump
// played: opt in via %v instead of threading an is_debug flag through
// every call.
func (c CounterConfig) String() string {
	return fmt.Sprintf("CounterConfig{type=%#x, event=%#x, ext=[%#x,%#x], precision=%v}",
		c.Type, c.EventID, c.EventIDExtension[0], c.EventIDExtension[1], c.Precision)
}

// counterRole carries the role flags a Counter is opened with: whether it
// is the group leader, whether it's the "secret" auxiliary-group leader
// that actually drives sampling and the ring buffer, and which leader
// descriptor to join.
type counterRole struct {
	isLeader       bool
	isSecretLeader bool
	leaderFD       int // valid fd of the group leader, or -1 when isLeader
}

// openParams carries the process/cpu target and include-flags shared by
// every counter in a group, plus the optional sampling configuration.
type openParams struct {
	pid, cpu                                                   int
	includeKernel, includeUser, includeHypervisor, includeIdle bool
	includeGuest, includeChildThreads, inheritThreadOnly       bool
	sampling                                                   *SampleValues
	bufferPages                                                int
}

// Bits of perf_event_attr's flag bitfield added after write_backward (the
// newest one golang.org/x/sys/unix names) but not yet exposed as PerfBit*
// constants: cgroup is bit 32, inherit_thread is bit 35. See
// include/uapi/linux/perf_event.h.
const (
	perfBitCgroup        = uint64(1) << 32
	perfBitInheritThread = uint64(1) << 35
)

// Counter is a runtime instance bound to one CounterConfig, holding the
// kernel-assigned id and file descriptor (-1 when closed). It exclusively
// owns its descriptor; Close is idempotent.
type Counter struct {
	name   string
	config CounterConfig
	role   counterRole
	fd     int
	id     uint64
}

func (c *Counter) open(name string, cfg CounterConfig, role counterRole, params openParams) error {
	c.name = name
	c.config = cfg
	c.role = role
	c.fd = -1

	precision := cfg.Precision
	for {
		attr := buildAttr(cfg, role, params, precision)
		fd, err := unix.PerfEventOpen(&attr, params.pid, params.cpu, role.leaderFD, unix.PERF_FLAG_FD_CLOEXEC)
		if err == nil {
			c.fd = fd
			break
		}
		if params.sampling != nil && precision > 0 && (errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.EOPNOTSUPP)) {
			precision--
			continue
		}
		return openFailure(name, wrapErrno(err))
	}
	cfg.Precision = precision
	c.config = cfg

	var id uint64
	if err := ioctlID(c.fd, &id); err != nil {
		unix.Close(c.fd)
		c.fd = -1
		return openFailure(name, wrapErrno(err))
	}
	c.id = id
	return nil
}

func wrapErrno(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &syscallErrorValue{errno}
	}
	return err
}

type syscallErrorValue struct{ errno syscall.Errno }

func (e *syscallErrorValue) Error() string { return e.errno.Error() }
func (e *syscallErrorValue) Unwrap() error { return e.errno }

func ioctlID(fd int, id *uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.PERF_EVENT_IOC_ID), uintptr(unsafe.Pointer(id)))
	if errno != 0 {
		return errno
	}
	return nil
}

func buildAttr(cfg CounterConfig, role counterRole, params openParams, precision Precision) unix.PerfEventAttr {
	var attr unix.PerfEventAttr
	attr.Size = uint32(unsafe.Sizeof(attr))
	attr.Type = cfg.Type
	attr.Config = cfg.EventID
	attr.Ext1 = cfg.EventIDExtension[0]
	attr.Ext2 = cfg.EventIDExtension[1]

	var bits uint64
	if role.isLeader {
		bits |= unix.PerfBitDisabled
	}
	if params.includeChildThreads {
		bits |= unix.PerfBitInherit
		if params.inheritThreadOnly && hasFeature(featureInheritThread) {
			bits |= perfBitInheritThread
		}
	}
	if !params.includeKernel {
		bits |= unix.PerfBitExcludeKernel
	}
	if !params.includeUser {
		bits |= unix.PerfBitExcludeUser
	}
	if !params.includeHypervisor {
		bits |= unix.PerfBitExcludeHv
	}
	if !params.includeIdle {
		bits |= unix.PerfBitExcludeIdle
	}
	if !params.includeGuest {
		bits |= unix.PerfBitExcludeGuest
	}

	readFormat := uint64(unix.PERF_FORMAT_GROUP | unix.PERF_FORMAT_ID)
	if role.isLeader {
		readFormat |= unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING
	}
	attr.Read_format = readFormat

	if params.sampling != nil {
		bits |= unix.PerfBitSampleIDAll
		if precision&1 != 0 {
			bits |= unix.PerfBitPreciseIPBit1
		}
		if precision&2 != 0 {
			bits |= unix.PerfBitPreciseIPBit2
		}

		if cfg.PeriodOrFreq.IsFrequency() {
			bits |= unix.PerfBitFreq
		}
		attr.Sample = cfg.PeriodOrFreq.Value()

		// Sample-type mask and ancillary sampling fields are only set on
		// the leader (or secret leader), matching the original C++'s
		// "only set if is_group_leader || is_secret_leader" rule.
		if role.isLeader || role.isSecretLeader {
			attr.Sample_type = params.sampling.mask()
			branchMask := params.sampling.branchMask
			if !hasFeature(featureSampleBranchCall) {
				branchMask &^= unix.PERF_SAMPLE_BRANCH_CALL
			}
			if branchMask != 0 && hasFeature(featureSampleBranchIndJump) {
				attr.Branch_sample_type = branchMask
			}
			if params.sampling.maxStack != 0 && hasFeature(featureSampleMaxStack) {
				attr.Sample_max_stack = uint16(params.sampling.maxStack)
			}
			attr.Sample_regs_user = params.sampling.userRegsMask
			attr.Sample_regs_intr = params.sampling.kernelRegsMask
			attr.Sample_stack_user = params.sampling.stackUserSize
			if params.sampling.includeContextSwitch && hasFeature(featureRecordSwitch) {
				bits |= unix.PerfBitContextSwitch
			}
			if params.sampling.includeCgroup && hasFeature(featureRecordCgroup) {
				bits |= perfBitCgroup
			}
		}
	}

	attr.Bits = bits
	return attr
}

// close releases the descriptor. Idempotent.
func (c *Counter) close() {
	if c == nil || c.fd < 0 {
		return
	}
	unix.Close(c.fd)
	c.fd = -1
}

// Target specifies what goroutine, thread, or CPU a counting/sampling
// engine should be pinned to for the duration of a measurement, following
// the same goroutine-pinning idiom as the original single-counter API.
type Target interface {
	pidCPU() (pid, cpu int)
	open()
	close()
}

type targetThisGoroutine struct{}

func (targetThisGoroutine) pidCPU() (pid, cpu int) { return 0, -1 }
func (targetThisGoroutine) open()                  { runtime.LockOSThread() }
func (targetThisGoroutine) close()                 { runtime.UnlockOSThread() }

// TargetThisGoroutine monitors the OS thread the calling goroutine is
// running on when the engine opens its descriptors (pid 0, any CPU).
// EventCounter and Sampler do not call [runtime.LockOSThread], so the
// goroutine is not pinned to that thread during the measurement.
var TargetThisGoroutine = targetThisGoroutine{}

// TargetPID monitors an already-running process or thread id.
type TargetPID int

func (t TargetPID) pidCPU() (pid, cpu int) { return int(t), -1 }
func (t TargetPID) open()                  {}
func (t TargetPID) close()                 {}

// TargetCPU monitors all processes on a specific CPU.
type TargetCPU int

func (t TargetCPU) pidCPU() (pid, cpu int) { return -1, int(t) }
func (t TargetCPU) open()                  {}
func (t TargetCPU) close()                 {}
