// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package hwinfo

import (
	"os"
	"testing"
)

func TestNewReportsAtMostOneVendor(t *testing.T) {
	info := New()
	if info.IsIntel() && info.IsAMD() {
		t.Fatal("a CPU cannot be both Intel and AMD")
	}
}

func TestIsIntelAuxCounterRequiredImpliesIntel(t *testing.T) {
	info := New()
	if info.IsIntelAuxCounterRequired() && !info.IsIntel() {
		t.Fatal("aux counter requirement should imply Intel")
	}
}

func TestIntelPEBSEventIDsRequireIntel(t *testing.T) {
	info := &Info{vendor: 0, family: 6, model: 0x8F}
	if _, ok := info.IntelPEBSMemLoadsEventID(); ok {
		t.Fatal("non-Intel Info should never resolve a PEBS event id")
	}
}

func TestAMDIBSRequiresAMD(t *testing.T) {
	info := &Info{vendor: 0}
	if info.IsAMDIBSSupported() {
		t.Fatal("non-AMD Info should never report IBS support")
	}
	if _, ok := info.AMDIBSOpType(); ok {
		t.Fatal("non-AMD Info should never resolve an IBS op type")
	}
}

func TestParseEventUmaskFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/mem-loads"
	if err := os.WriteFile(path, []byte("event=0xcd,umask=0x1,ldlat=3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, ok := parseEventUmaskFromFile(path)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if id != 0x1cd {
		t.Fatalf("got config %#x, want %#x", id, 0x1cd)
	}
}

func TestParseEventUmaskFromFileMissing(t *testing.T) {
	if _, ok := parseEventUmaskFromFile("/nonexistent/path"); ok {
		t.Fatal("expected failure for a nonexistent file")
	}
}
