// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
)

// CounterResult is the ordered set of counter/metric values an EventCounter
// (or Multi*EventCounter) produced for one measurement, in event insertion
// order, per spec.md §4.3/§6.
type CounterResult struct {
	Names  []string
	Values []float64
}

// Get returns the value recorded for name, or (0, false) if name wasn't
// part of this result.
func (r CounterResult) Get(name string) (float64, bool) {
	for i, n := range r.Names {
		if n == name {
			return r.Values[i], true
		}
	}
	return 0, false
}

// JSON renders this result as a single-line JSON object, {"name": value,
// ...}, matching CounterResult::to_json's compact form.
func (r CounterResult) JSON() ([]byte, error) {
	m := make(map[string]float64, len(r.Names))
	for i, n := range r.Names {
		m[n] = r.Values[i]
	}
	return json.Marshal(m)
}

// CSV renders this result as CSV using delim as the field separator.
// header, when true, emits a leading "counter,value" row.
func (r CounterResult) CSV(delim rune, header bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = delim
	if header {
		if err := w.Write([]string{"counter", "value"}); err != nil {
			return nil, err
		}
	}
	for i, n := range r.Names {
		row := []string{n, strconv.FormatFloat(r.Values[i], 'f', -1, 64)}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Table renders this result as a two-column "Value | Counter" table with a
// "|----|----|"-style separator line, matching CounterResult::to_string's
// right-aligned value column.
func (r CounterResult) Table() string {
	valueWidth, nameWidth := len("Value"), len("Counter")
	rendered := make([]string, len(r.Names))
	for i, v := range r.Values {
		rendered[i] = strconv.FormatFloat(v, 'f', 2, 64)
		if len(rendered[i]) > valueWidth {
			valueWidth = len(rendered[i])
		}
		if len(r.Names[i]) > nameWidth {
			nameWidth = len(r.Names[i])
		}
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%*s | %-*s\n", valueWidth, "Value", nameWidth, "Counter")
	fmt.Fprintf(&b, "%s-|-%s\n", dashes(valueWidth), dashes(nameWidth))
	for i := range r.Names {
		fmt.Fprintf(&b, "%*s | %-*s\n", valueWidth, rendered[i], nameWidth, r.Names[i])
	}
	return b.String()
}

func dashes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '-'
	}
	return string(b)
}
