// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
)

func sampleResult() CounterResult {
	return CounterResult{
		Names:  []string{"cycles", "instructions", "ipc"},
		Values: []float64{1e9, 5e8, 0.5},
	}
}

func TestCounterResultJSONRoundTrip(t *testing.T) {
	r := sampleResult()
	b, err := r.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var m map[string]float64
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(m) != len(r.Names) {
		t.Fatalf("got %d entries, want %d", len(m), len(r.Names))
	}
	for i, name := range r.Names {
		got, ok := m[name]
		if !ok {
			t.Errorf("missing %q in JSON output", name)
			continue
		}
		if got != r.Values[i] {
			t.Errorf("%s: got %v, want %v", name, got, r.Values[i])
		}
	}
}

func TestCounterResultCSVRoundTrip(t *testing.T) {
	r := sampleResult()
	b, err := r.CSV(',', true)
	if err != nil {
		t.Fatalf("CSV: %v", err)
	}
	rows, err := csv.NewReader(strings.NewReader(string(b))).ReadAll()
	if err != nil {
		t.Fatalf("parsing CSV output: %v", err)
	}
	if len(rows) != len(r.Names)+1 {
		t.Fatalf("got %d rows, want %d", len(rows), len(r.Names)+1)
	}
	if got := rows[0]; len(got) != 2 || got[0] != "counter" || got[1] != "value" {
		t.Errorf("header row = %v, want [counter value]", got)
	}
	for i, name := range r.Names {
		row := rows[i+1]
		if row[0] != name {
			t.Errorf("row %d: got name %q, want %q", i, row[0], name)
		}
		got, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		if got != r.Values[i] {
			t.Errorf("row %d: got value %v, want %v", i, got, r.Values[i])
		}
	}
}

func TestCounterResultCSVNoHeader(t *testing.T) {
	r := sampleResult()
	b, err := r.CSV(';', false)
	if err != nil {
		t.Fatalf("CSV: %v", err)
	}
	cr := csv.NewReader(strings.NewReader(string(b)))
	cr.Comma = ';'
	rows, err := cr.ReadAll()
	if err != nil {
		t.Fatalf("parsing CSV output: %v", err)
	}
	if len(rows) != len(r.Names) {
		t.Fatalf("got %d rows, want %d", len(rows), len(r.Names))
	}
	if rows[0][0] != r.Names[0] {
		t.Errorf("row 0: got %q, want %q (no header row expected)", rows[0][0], r.Names[0])
	}
}

// TestCounterResultTablePreservesOrder checks that Table's rendering lists
// every counter in insertion order, even though it can't be parsed back
// into a map the way JSON/CSV can.
func TestCounterResultTablePreservesOrder(t *testing.T) {
	r := sampleResult()
	table := r.Table()
	lastIdx := -1
	for _, name := range r.Names {
		idx := strings.Index(table, name)
		if idx < 0 {
			t.Fatalf("Table() missing counter %q:\n%s", name, table)
		}
		if idx < lastIdx {
			t.Errorf("counter %q appears out of order in Table():\n%s", name, table)
		}
		lastIdx = idx
	}
}

func TestCounterResultGet(t *testing.T) {
	r := sampleResult()
	for i, name := range r.Names {
		v, ok := r.Get(name)
		if !ok || v != r.Values[i] {
			t.Errorf("Get(%q) = (%v, %v), want (%v, true)", name, v, ok, r.Values[i])
		}
	}
	if _, ok := r.Get("nonexistent"); ok {
		t.Errorf("Get(nonexistent) = ok, want !ok")
	}
}
