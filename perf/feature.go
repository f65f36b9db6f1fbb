// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// feature names a kernel capability this package may need to gate on.
// The floors below are carried over verbatim from
// original_source/include/perfcpp/feature.h.
type feature int

const (
	featureSampleBranchIndJump feature = iota
	featureRecordSwitch
	featureSampleBranchCall
	featureSampleMaxStack
	featureSamplePhysAddr
	featureRecordMiscSwitchOutPreempt
	featureRecordCgroup
	featureSampleCgroup
	featureSampleDataPageSize
	featureSampleCodePageSize
	featureSampleWeightStruct
	featureCgroupSwitches
	featureInheritThread
)

type kernelVersion struct {
	major, minor int
}

func (v kernelVersion) less(other kernelVersion) bool {
	if v.major != other.major {
		return v.major < other.major
	}
	return v.minor < other.minor
}

var featureFloors = map[feature]kernelVersion{
	featureSampleBranchIndJump:        {4, 2},
	featureRecordSwitch:               {4, 3},
	featureSampleBranchCall:           {4, 4},
	featureSampleMaxStack:             {4, 8},
	featureSamplePhysAddr:             {4, 13},
	featureRecordMiscSwitchOutPreempt: {4, 17},
	featureRecordCgroup:               {5, 7},
	featureSampleCgroup:               {5, 7},
	featureSampleDataPageSize:         {5, 11},
	featureSampleCodePageSize:         {5, 11},
	featureSampleWeightStruct:         {5, 12},
	featureCgroupSwitches:             {5, 13},
	featureInheritThread:              {5, 13},
}

var runningKernel = sync.OnceValue(func() kernelVersion {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		// Assume the oldest supported kernel if we can't determine the
		// running version; every gated feature will be disabled.
		return kernelVersion{4, 0}
	}
	release := unixCString(uts.Release[:])
	return parseKernelVersion(release)
})

func unixCString(b []byte) string {
	n := len(b)
	for i, c := range b {
		if c == 0 {
			n = i
			break
		}
	}
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = byte(b[i])
	}
	return string(buf)
}

func parseKernelVersion(release string) kernelVersion {
	parts := strings.SplitN(release, ".", 3)
	v := kernelVersion{4, 0}
	if len(parts) >= 1 {
		if n, err := strconv.Atoi(parts[0]); err == nil {
			v.major = n
		}
	}
	if len(parts) >= 2 {
		// Trim anything after the minor version (e.g. "15-generic").
		minorStr := parts[1]
		for i, c := range minorStr {
			if c < '0' || c > '9' {
				minorStr = minorStr[:i]
				break
			}
		}
		if n, err := strconv.Atoi(minorStr); err == nil {
			v.minor = n
		}
	}
	return v
}

// CgroupSwitchesSupported reports whether the running kernel supports the
// PERF_COUNT_SW_CGROUP_SWITCHES software event (5.13+), letting callers
// outside this package (events.Definitions' builtin counter table) decide
// whether to register a counter the kernel would otherwise reject.
func CgroupSwitchesSupported() bool { return hasFeature(featureCgroupSwitches) }

func hasFeature(f feature) bool {
	floor, ok := featureFloors[f]
	if !ok {
		return true
	}
	return !runningKernel().less(floor)
}
