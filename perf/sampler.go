// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Definitions resolves counter and metric names for [EventCounter] and
// [Sampler]. [events.Definitions] satisfies this interface.
type Definitions interface {
	Counter(name string) (CounterConfig, bool)
	IsMetric(name string) bool
	Metric(name string) (Metric, bool)
}

// Metric evaluates a named formula against a set of hardware counter
// results.
type Metric interface {
	RequiredCounterNames() []string
	Calculate(values map[string]float64) (float64, bool)
}

// Trigger names one counter to open as a sampling source (or, within a
// multi-member trigger group, a co-scheduled counter). Precision and
// PeriodOrFreq, when set, override the Sampler's SampleConfig defaults for
// this trigger only.
type Trigger struct {
	Name         string
	Precision    *Precision
	PeriodOrFreq *PeriodOrFrequency
}

// NewTrigger names a counter or event to sample on, using the Sampler's
// default precision and cadence.
func NewTrigger(name string) Trigger { return Trigger{Name: name} }

// WithPrecision overrides the Sampler default precision for this trigger.
func (t Trigger) WithPrecision(p Precision) Trigger {
	t.Precision = &p
	return t
}

// WithPeriodOrFrequency overrides the Sampler default cadence for this
// trigger.
func (t Trigger) WithPeriodOrFrequency(p PeriodOrFrequency) Trigger {
	t.PeriodOrFreq = &p
	return t
}

// SampleCounter pairs one opened trigger Group with its mmap'd ring buffer
// and the ordered counter-name list needed to interpret any PERF_SAMPLE_READ
// block embedded in its records. Close unmaps the buffer and closes the
// group.
type SampleCounter struct {
	group        *Group
	counterNames []string
	ring         []byte
	pageSize     int

	sampleMask      uint64
	userRegsMask    uint64
	kernelRegsMask  uint64
	includeThrottle bool
}

func (sc *SampleCounter) header() *unix.PerfEventMmapPage {
	return (*unix.PerfEventMmapPage)(unsafe.Pointer(&sc.ring[0]))
}

func (sc *SampleCounter) data() []byte {
	return sc.ring[sc.pageSize:]
}

func (sc *SampleCounter) close() {
	if sc.ring != nil {
		unix.Munmap(sc.ring)
		sc.ring = nil
	}
	if sc.group != nil {
		sc.group.Close()
	}
}

// Sampler records timestamped Samples from one or more trigger groups, each
// opened as its own kernel group with its own ring buffer, per spec.md §4.4.
// Not safe for concurrent use; fan out with MultiThreadSampler or
// MultiCoreSampler instead.
type Sampler struct {
	defs   Definitions
	values *SampleValues
	cfg    SampleConfig
	target Target

	triggerGroups [][]Trigger
	counters      []*SampleCounter
	opened        bool
}

// NewSampler returns a Sampler that resolves names against defs, requests
// the fields named in values for every trigger, and uses cfg for capacity,
// target, and default precision/cadence.
func NewSampler(defs Definitions, values *SampleValues, cfg SampleConfig, target Target) *Sampler {
	return &Sampler{defs: defs, values: values, cfg: cfg, target: target}
}

// TriggerGroup installs one trigger group: every named counter in triggers
// is opened into a single kernel group, sharing that group's ring buffer.
// Rejected with ErrMetricAsTrigger if any name resolves to a metric.
func (s *Sampler) TriggerGroup(triggers ...Trigger) error {
	for _, t := range triggers {
		if s.defs.IsMetric(t.Name) {
			return openFailure(t.Name, ErrMetricAsTrigger)
		}
	}
	s.triggerGroups = append(s.triggerGroups, triggers)
	return nil
}

func (s *Sampler) resolve(t Trigger) (CounterConfig, error) {
	cfg, ok := s.defs.Counter(t.Name)
	if !ok {
		return CounterConfig{}, openFailure(t.Name, ErrUnknownName)
	}
	if t.Precision != nil {
		cfg.Precision = *t.Precision
	} else {
		cfg.Precision = s.cfg.Precision
	}
	if t.PeriodOrFreq != nil {
		cfg.PeriodOrFreq = *t.PeriodOrFreq
	} else {
		cfg.PeriodOrFreq = s.cfg.PeriodOrFreq
	}
	return cfg, nil
}

// Open resolves and opens every installed trigger group, mmapping each
// group's ring buffer. Fails with ErrNoTriggers if no trigger group was
// installed. Idempotent once opened.
func (s *Sampler) Open() error {
	if s.opened {
		return nil
	}
	if len(s.triggerGroups) == 0 {
		return ErrNoTriggers
	}

	pid, cpu := s.target.pidCPU()
	if s.cfg.ProcessID != 0 {
		pid = s.cfg.ProcessID
	}
	if s.cfg.CPU >= 0 {
		cpu = s.cfg.CPU
	}
	params := openParams{
		pid:                 pid,
		cpu:                 cpu,
		includeKernel:       s.cfg.IncludeKernel,
		includeUser:         s.cfg.IncludeUser,
		includeHypervisor:   s.cfg.IncludeHypervisor,
		includeIdle:         s.cfg.IncludeIdle,
		includeGuest:        s.cfg.IncludeGuest,
		includeChildThreads: s.cfg.IncludeChildThreads,
		inheritThreadOnly:   s.cfg.InheritThreadOnly,
		sampling:            s.values,
		bufferPages:         s.cfg.BufferPages,
	}

	s.counters = make([]*SampleCounter, 0, len(s.triggerGroups))
	for _, triggers := range s.triggerGroups {
		sc, err := s.openOne(triggers, params)
		if err != nil {
			s.closeOpened()
			return err
		}
		s.counters = append(s.counters, sc)
	}
	s.opened = true
	return nil
}

func (s *Sampler) openOne(triggers []Trigger, params openParams) (*SampleCounter, error) {
	g := &Group{}
	names := make([]string, 0, len(triggers))
	for _, t := range triggers {
		cfg, err := s.resolve(t)
		if err != nil {
			return nil, err
		}
		g.Add(t.Name, cfg)
		names = append(names, t.Name)
	}
	if s.values != nil && s.values.read {
		for _, rn := range s.values.readCounters {
			cfg, ok := s.defs.Counter(rn)
			if !ok {
				return nil, openFailure(rn, ErrUnknownName)
			}
			g.Add(rn, cfg)
			names = append(names, rn)
		}
	}

	if err := g.Open(params); err != nil {
		return nil, err
	}

	// Secret-leader rule: when the leader is the Sapphire-Rapids/Alder-Lake
	// auxiliary event, the second member drives sampling and is the mmap
	// target (spec.md §4.4).
	mmapFD := g.LeaderFD()
	if g.LeaderIsAuxiliary() && g.Len() > 1 {
		mmapFD = g.MemberFD(1)
	}

	pageSize := unix.Getpagesize()
	size := s.cfg.BufferPages * pageSize
	ring, err := unix.Mmap(mmapFD, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("%w: %v", ErrBufferAllocationFailure, err)
	}

	sc := &SampleCounter{group: g, counterNames: names, ring: ring, pageSize: pageSize}
	if s.values != nil {
		sc.sampleMask = s.values.mask()
		sc.userRegsMask = s.values.userRegsMask
		sc.kernelRegsMask = s.values.kernelRegsMask
		sc.includeThrottle = s.values.includeThrottle
	}
	return sc, nil
}

func (s *Sampler) closeOpened() {
	for _, sc := range s.counters {
		sc.close()
	}
	s.counters = nil
}

// Start opens (if not already open) then enables every trigger group.
func (s *Sampler) Start() error {
	if err := s.Open(); err != nil {
		return err
	}
	for _, sc := range s.counters {
		if _, err := unix.IoctlGetInt(sc.group.LeaderFD(), unix.PERF_EVENT_IOC_ENABLE); err != nil {
			return openFailure("sampler start", wrapErrno(err))
		}
	}
	return nil
}

// Stop disables every trigger group. It does not unmap buffers or close
// descriptors; Result remains valid until Close.
func (s *Sampler) Stop() error {
	for _, sc := range s.counters {
		if _, err := unix.IoctlGetInt(sc.group.LeaderFD(), unix.PERF_EVENT_IOC_DISABLE); err != nil {
			return openFailure("sampler stop", wrapErrno(err))
		}
	}
	return nil
}

// Close unmaps every ring buffer and closes every descriptor. Idempotent;
// Open may be called again afterward.
func (s *Sampler) Close() {
	s.closeOpened()
	s.opened = false
}

// Result decodes every ring buffer exactly once and returns the combined
// Samples. When sortByTime is true and every buffer recorded TIME, the
// result is stably sorted by timestamp across buffers; otherwise Samples
// are returned as a per-buffer concatenation in trigger-group insertion
// order (spec.md §4.4 "Ordering").
func (s *Sampler) Result(sortByTime bool) []Sample {
	var out []Sample
	allHaveTime := s.values != nil && s.values.time
	for _, sc := range s.counters {
		samples := sc.decode()
		out = append(out, samples...)
	}
	if sortByTime && allHaveTime {
		sort.SliceStable(out, func(i, j int) bool {
			ti, tj := out[i].Time, out[j].Time
			if ti == nil || tj == nil {
				return false
			}
			return *ti < *tj
		})
	}
	return out
}

// decode walks this buffer's records once, from the current tail to the
// Data_head snapshot taken at call time. Per spec.md §5 the consumer never
// advances Data_tail: Result is meant to be called once, after Stop.
func (sc *SampleCounter) decode() []Sample {
	hdr := sc.header()
	head := atomic.LoadUint64(&hdr.Data_head)
	tail := atomic.LoadUint64(&hdr.Data_tail)
	data := sc.data()
	size := uint64(len(data))
	if size == 0 {
		return nil
	}

	var out []Sample
	for tail < head {
		start := tail % size
		rec := readRecord(data, start, size)
		if rec == nil {
			break
		}
		// A malformed zero-size record would spin forever; bail out.
		if rec.size == 0 {
			break
		}
		if s, ok := sc.decodeRecord(rec); ok {
			out = append(out, s)
		}
		tail += uint64(rec.size)
	}
	return out
}

type rawRecord struct {
	typ  uint32
	misc uint16
	size uint16
	body []byte
}

// readRecord copies one {type,misc,size}+payload record out of the ring,
// reassembling it contiguously if it wraps past the end of the data area —
// the same technique used by every mmap-based perf_event_open reader.
func readRecord(data []byte, start, size uint64) *rawRecord {
	hdrBuf := wrapCopy(data, start, 8, size)
	typ := binary.NativeEndian.Uint32(hdrBuf[0:])
	misc := binary.NativeEndian.Uint16(hdrBuf[4:])
	sz := binary.NativeEndian.Uint16(hdrBuf[6:])
	if sz < 8 {
		return nil
	}
	body := wrapCopy(data, start+8, uint64(sz)-8, size)
	return &rawRecord{typ: typ, misc: misc, size: sz, body: body}
}

// wrapCopy returns n bytes starting at offset off within a ring of the
// given size, copying into a fresh slice only when the requested range
// wraps past the end.
func wrapCopy(data []byte, off, n, size uint64) []byte {
	off %= size
	end := off + n
	if end <= size {
		return data[off:end]
	}
	buf := make([]byte, n)
	k := copy(buf, data[off:])
	copy(buf[k:], data[:n-uint64(k)])
	return buf
}

func (sc *SampleCounter) decodeRecord(rec *rawRecord) (Sample, bool) {
	switch rec.typ {
	case unix.PERF_RECORD_SAMPLE:
		return sc.decodeSample(rec), true
	case unix.PERF_RECORD_LOST:
		return sc.decodeLost(rec), true
	case unix.PERF_RECORD_SWITCH:
		return sc.decodeSwitch(rec, false), true
	case unix.PERF_RECORD_SWITCH_CPU_WIDE:
		return sc.decodeSwitch(rec, true), true
	case unix.PERF_RECORD_CGROUP:
		return sc.decodeCgroup(rec), true
	case unix.PERF_RECORD_THROTTLE:
		if !sc.includeThrottle {
			return Sample{}, false
		}
		return sc.decodeThrottle(rec, true), true
	case unix.PERF_RECORD_UNTHROTTLE:
		if !sc.includeThrottle {
			return Sample{}, false
		}
		return sc.decodeThrottle(rec, false), true
	default:
		return Sample{}, false
	}
}

type fieldReader struct {
	b   []byte
	off int
}

func (r *fieldReader) u32() uint32 {
	v := binary.NativeEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}
func (r *fieldReader) u64() uint64 {
	v := binary.NativeEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}
func (r *fieldReader) skip(n int) { r.off += n }
func (r *fieldReader) bytes(n int) []byte {
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}
func (r *fieldReader) remaining() bool { return r.off < len(r.b) }

func (sc *SampleCounter) decodeSample(rec *rawRecord) Sample {
	var s Sample
	s.Mode = modeFromMisc(rec.misc)
	s.IsExactIP = rec.misc&unix.PERF_RECORD_MISC_EXACT_IP != 0
	mask := sc.sampleMask
	r := &fieldReader{b: rec.body}

	if mask&unix.PERF_SAMPLE_IDENTIFIER != 0 && r.remaining() {
		v := r.u64()
		s.Identifier = &v
	}
	if mask&unix.PERF_SAMPLE_IP != 0 && r.remaining() {
		v := r.u64()
		s.IP = &v
	}
	if mask&unix.PERF_SAMPLE_TID != 0 && r.remaining() {
		pid := r.u32()
		tid := r.u32()
		s.PID, s.TID = &pid, &tid
	}
	if mask&unix.PERF_SAMPLE_TIME != 0 && r.remaining() {
		v := r.u64()
		s.Time = &v
	}
	if mask&unix.PERF_SAMPLE_ADDR != 0 && r.remaining() {
		v := r.u64()
		s.Addr = &v
	}
	if mask&unix.PERF_SAMPLE_STREAM_ID != 0 && r.remaining() {
		v := r.u64()
		s.StreamID = &v
	}
	if mask&unix.PERF_SAMPLE_CPU != 0 && r.remaining() {
		v := r.u32()
		r.skip(4) // reserved
		s.CPU = &v
	}
	if mask&unix.PERF_SAMPLE_PERIOD != 0 && r.remaining() {
		v := r.u64()
		s.Period = &v
	}
	if mask&unix.PERF_SAMPLE_READ != 0 && r.remaining() {
		s.Counters = sc.decodeReadBlock(r)
	}
	if mask&unix.PERF_SAMPLE_CALLCHAIN != 0 && r.remaining() {
		n := r.u64()
		s.Callchain = make([]uint64, 0, n)
		for i := uint64(0); i < n; i++ {
			s.Callchain = append(s.Callchain, r.u64())
		}
	}
	if mask&unix.PERF_SAMPLE_RAW != 0 && r.remaining() {
		n := r.u32()
		s.Raw = append([]byte(nil), r.bytes(int(n))...)
	}
	if mask&unix.PERF_SAMPLE_BRANCH_STACK != 0 && r.remaining() {
		n := r.u64()
		s.Branches = make([]Branch, 0, n)
		for i := uint64(0); i < n; i++ {
			from := r.u64()
			to := r.u64()
			flags := r.u64()
			s.Branches = append(s.Branches, Branch{
				From:      from,
				To:        to,
				Mispred:   flags&0x1 != 0,
				Predicted: flags&0x2 != 0,
				InTx:      flags&0x4 != 0,
				Abort:     flags&0x8 != 0,
				Cycles:    uint16((flags >> 4) & 0xffff),
			})
		}
	}
	if mask&unix.PERF_SAMPLE_REGS_USER != 0 && r.remaining() {
		abi := r.u64()
		s.RegsUserABI = &abi
		if abi != 0 {
			s.RegsUser = decodeRegSet(r, sc.userRegsMask)
		}
	}
	if mask&unix.PERF_SAMPLE_STACK_USER != 0 && r.remaining() {
		n := r.u64()
		if n > 0 {
			s.StackUser = append([]byte(nil), r.bytes(int(n))...)
			r.u64() // dyn_size: kernel always appends this when size > 0
		}
	}
	if mask&unix.PERF_SAMPLE_WEIGHT_STRUCT != 0 && r.remaining() {
		raw := r.u64()
		s.Weight = &Weight{
			IsStruct:                     true,
			CacheLatency:                 uint32(raw),
			InstructionRetirementLatency: uint16(raw >> 32),
			Var3:                         uint16(raw >> 48),
		}
	} else if mask&unix.PERF_SAMPLE_WEIGHT != 0 && r.remaining() {
		v := r.u64()
		s.Weight = &Weight{Scalar: v}
	}
	if mask&unix.PERF_SAMPLE_DATA_SRC != 0 && r.remaining() {
		v := r.u64()
		s.DataSrc = &DataSource{Raw: v}
	}
	if mask&unix.PERF_SAMPLE_TRANSACTION != 0 && r.remaining() {
		v := r.u64()
		s.Transaction = &TransactionAbort{Raw: v}
	}
	if mask&unix.PERF_SAMPLE_REGS_INTR != 0 && r.remaining() {
		abi := r.u64()
		s.RegsIntrABI = &abi
		if abi != 0 {
			s.RegsIntr = decodeRegSet(r, sc.kernelRegsMask)
		}
	}
	if mask&unix.PERF_SAMPLE_PHYS_ADDR != 0 && r.remaining() {
		v := r.u64()
		s.PhysAddr = &v
	}
	if mask&unix.PERF_SAMPLE_CGROUP != 0 && r.remaining() {
		v := r.u64()
		s.CgroupID = &v
	}
	if mask&unix.PERF_SAMPLE_DATA_PAGE_SIZE != 0 && r.remaining() {
		v := r.u64()
		s.DataPageSize = &v
	}
	if mask&unix.PERF_SAMPLE_CODE_PAGE_SIZE != 0 && r.remaining() {
		v := r.u64()
		s.CodePageSize = &v
	}
	return s
}

func decodeRegSet(r *fieldReader, mask uint64) []uint64 {
	n := popcount64(mask)
	regs := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		regs = append(regs, r.u64())
	}
	return regs
}

func popcount64(v uint64) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}

// decodeReadBlock interprets a PERF_SAMPLE_READ block using this
// SampleCounter's read_format (GROUP mode is always configured by
// buildAttr, so the layout is {count,time_enabled,time_running,
// [{value,id}...]}). If the embedded member count doesn't match the
// opened group, per spec.md §4.4 the block is dropped but the sample kept.
func (sc *SampleCounter) decodeReadBlock(r *fieldReader) []CounterValue {
	count := r.u64()
	timeEnabled := r.u64()
	timeRunning := r.u64()
	type kv struct {
		value, id uint64
	}
	entries := make([]kv, 0, count)
	for i := uint64(0); i < count; i++ {
		v := r.u64()
		id := r.u64()
		entries = append(entries, kv{v, id})
	}
	if int(count) != len(sc.counterNames) {
		return nil
	}
	correction := 0.0
	if timeRunning != 0 {
		correction = float64(timeEnabled) / float64(timeRunning)
	}
	out := make([]CounterValue, 0, len(entries))
	for i, e := range entries {
		name := ""
		if i < len(sc.counterNames) {
			name = sc.counterNames[i]
		}
		out = append(out, CounterValue{Name: name, Value: float64(e.value) * correction})
	}
	return out
}

func sampleIDTrailer(r *fieldReader, mask uint64) (pid, tid *uint32, t, streamID *uint64, cpu *uint32, id *uint64) {
	if mask&unix.PERF_SAMPLE_TID != 0 && r.remaining() {
		p := r.u32()
		tt := r.u32()
		pid, tid = &p, &tt
	}
	if mask&unix.PERF_SAMPLE_TIME != 0 && r.remaining() {
		v := r.u64()
		t = &v
	}
	if mask&unix.PERF_SAMPLE_STREAM_ID != 0 && r.remaining() {
		v := r.u64()
		streamID = &v
	}
	if mask&unix.PERF_SAMPLE_CPU != 0 && r.remaining() {
		v := r.u32()
		r.skip(4)
		cpu = &v
	}
	if mask&unix.PERF_SAMPLE_IDENTIFIER != 0 && r.remaining() {
		v := r.u64()
		id = &v
	}
	return
}

func (sc *SampleCounter) decodeLost(rec *rawRecord) Sample {
	r := &fieldReader{b: rec.body}
	r.u64() // id
	count := r.u64()
	pid, tid, t, streamID, cpu, ident := sampleIDTrailer(r, sc.sampleMask)
	return Sample{
		Mode: modeFromMisc(rec.misc), LossCount: &count,
		PID: pid, TID: tid, Time: t, StreamID: streamID, CPU: cpu, Identifier: ident,
	}
}

func (sc *SampleCounter) decodeSwitch(rec *rawRecord, cpuWide bool) Sample {
	r := &fieldReader{b: rec.body}
	cs := ContextSwitch{
		Out: rec.misc&unix.PERF_RECORD_MISC_SWITCH_OUT != 0,
		// The preempt bit was only added in 4.17; older kernels can set
		// misc bits perf_event_open doesn't know about, so don't trust it.
		Preempt: hasFeature(featureRecordMiscSwitchOutPreempt) && rec.misc&unix.PERF_RECORD_MISC_SWITCH_OUT_PREEMPT != 0,
		CPUWide: cpuWide,
	}
	if cpuWide {
		cs.PID = r.u32()
		cs.TID = r.u32()
	}
	pid, tid, t, streamID, cpu, ident := sampleIDTrailer(r, sc.sampleMask)
	return Sample{
		Mode: modeFromMisc(rec.misc), Switch: &cs,
		PID: pid, TID: tid, Time: t, StreamID: streamID, CPU: cpu, Identifier: ident,
	}
}

func (sc *SampleCounter) decodeCgroup(rec *rawRecord) Sample {
	r := &fieldReader{b: rec.body}
	id := r.u64()
	path := cString(r.b[r.off:])
	return Sample{Mode: modeFromMisc(rec.misc), Cgroup: &CGroup{ID: id, Path: path}}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (sc *SampleCounter) decodeThrottle(rec *rawRecord, enabled bool) Sample {
	r := &fieldReader{b: rec.body}
	t := r.u64()
	streamID := r.u64()
	pid, tid, _, trailerStream, cpu, ident := sampleIDTrailer(r, sc.sampleMask)
	_ = trailerStream
	th := Throttle{Enabled: enabled, Time: t, StreamID: streamID}
	return Sample{
		Mode: modeFromMisc(rec.misc), ThrottleEvent: &th,
		PID: pid, TID: tid, CPU: cpu, Identifier: ident,
	}
}
