// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"errors"
	"testing"
)

func TestSamplerRejectsMetricTrigger(t *testing.T) {
	s := NewSampler(newFakeDefs(), NewSampleValues(), NewSampleConfig(), TargetThisGoroutine)
	err := s.TriggerGroup(NewTrigger("ipc"))
	if !errors.Is(err, ErrMetricAsTrigger) {
		t.Fatalf("got %v, want ErrMetricAsTrigger", err)
	}
}

func TestSamplerNoTriggers(t *testing.T) {
	s := NewSampler(newFakeDefs(), NewSampleValues(), NewSampleConfig(), TargetThisGoroutine)
	if err := s.Open(); !errors.Is(err, ErrNoTriggers) {
		t.Fatalf("got %v, want ErrNoTriggers", err)
	}
}

func TestSamplerOpenStartStopClose(t *testing.T) {
	cfg := NewSampleConfig()
	cfg.BufferPages = 8 + 1
	values := NewSampleValues().WithInstructionPointer().WithTime().WithProcessThreadID()

	s := NewSampler(newFakeDefs(), values, cfg, TargetThisGoroutine)
	if err := s.TriggerGroup(NewTrigger("cycles").WithPeriodOrFrequency(Period(1000))); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(); err != nil {
		skipIfNoPerf(t, err)
		t.Fatal(err)
	}
	defer s.Close()

	sum := 0
	for i := 0; i < 5_000_000; i++ {
		sum += i
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	_ = sum

	samples := s.Result(true)
	t.Logf("decoded %d samples", len(samples))
	for _, smp := range samples {
		if smp.LossCount == nil && smp.Switch == nil && smp.Cgroup == nil && smp.ThrottleEvent == nil {
			if smp.Mode == ModeUnknown {
				t.Error("sample record decoded with unknown privilege mode")
			}
		}
	}
}

func TestWrapCopyNoWrap(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	got := wrapCopy(data, 2, 4, 8)
	want := []byte{3, 4, 5, 6}
	if string(got) != string(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestWrapCopyWraps(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	got := wrapCopy(data, 6, 4, 8)
	want := []byte{7, 8, 1, 2}
	if string(got) != string(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
