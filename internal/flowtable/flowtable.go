// Package flowtable implements the bounded, 5-tuple-keyed connection
// tracker described in spec §4.2: admission-controlled flow creation,
// O(1) running-moment aggregates on the write path, lazy derived stats on
// read, and a TCP state machine.
//
// The lookup key is the *canonical* orientation of the 5-tuple (the
// endpoint with the numerically smaller (ip,port) pair is treated as
// "source") rather than the packet's literal (src,dst) order. This is the
// resolution of spec §9's direction-inference open question recorded in
// DESIGN.md: without it, a three-way TCP handshake's SYN/ACK packet
// (which arrives with src and dst swapped relative to the initial SYN)
// would hash to an unrelated table entry and the state machine in spec
// §4.2 step 7 could never observe the full handshake.
package flowtable

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"nidscore/internal/model"
)

const defaultShardCount = 256

// shard is one partition of the table: its own map plus its own lock, so
// a reader (stats, snapshot) only has to pause the single shard it is
// touching rather than the whole table (spec §5 shared-resource policy).
type shard struct {
	mu    sync.RWMutex
	flows map[model.ConnectionKey]*FlowStats
}

// FlowStats is the aggregate entity owned by the Flow Table (spec §3).
type FlowStats struct {
	Key       model.ConnectionKey // canonical orientation
	StartTime time.Time
	LastSeen  time.Time
	State     model.ConnectionState

	FwdPackets     uint64
	FwdBytes       uint64
	FwdIAT         Moments
	FwdLen         Moments
	FwdHeaderBytes uint64
	FwdPshCount    uint64
	FwdUrgCount    uint64
	InitFwdWin     uint32
	hasInitFwdWin  bool
	lastFwdTime    time.Time
	hasFwd         bool

	BwdPackets     uint64
	BwdBytes       uint64
	BwdIAT         Moments
	BwdLen         Moments
	BwdHeaderBytes uint64
	BwdPshCount    uint64
	BwdUrgCount    uint64
	InitBwdWin     uint32
	hasInitBwdWin  bool
	lastBwdTime    time.Time
	hasBwd         bool

	SynCount uint64
	AckCount uint64
	FinCount uint64
	RstCount uint64
	PshCount uint64
	UrgCount uint64

	FlowIAT Moments // gap between any two consecutive packets, either direction

	ActiveTimes Moments
	IdleTimes   Moments
	burstStart  time.Time
	lastAnyTime time.Time
	hasAny      bool
}

// Duration is last_seen - start_time, in seconds (spec §3 invariant).
func (f *FlowStats) Duration() float64 {
	d := f.LastSeen.Sub(f.StartTime).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

func newFlowStats(key model.ConnectionKey, ts time.Time) *FlowStats {
	return &FlowStats{
		Key:       key,
		StartTime: ts,
		LastSeen:  ts,
		State:     model.StateUnknown,
	}
}

// apply folds one packet's contribution into the flow, per spec §4.2's
// update algorithm steps 3-8. Only ever called by the single writer
// holding the owning shard's lock.
func (f *FlowStats) apply(pkt *model.ParsedPacket, isFwd bool, ts time.Time) {
	if isFwd {
		if f.hasFwd {
			f.FwdIAT.Add(ts.Sub(f.lastFwdTime).Seconds())
		}
		f.hasFwd = true
		f.lastFwdTime = ts
		f.FwdPackets++
		f.FwdBytes += uint64(pkt.RawLength)
		f.FwdLen.Add(float64(pkt.RawLength))
		if pkt.HasTCP {
			f.FwdHeaderBytes += uint64(int(pkt.TCP.DataOffset) * 4)
			if pkt.TCP.Flags&model.FlagPSH != 0 {
				f.FwdPshCount++
			}
			if pkt.TCP.Flags&model.FlagURG != 0 {
				f.FwdUrgCount++
			}
			if !f.hasInitFwdWin {
				f.InitFwdWin = uint32(pkt.TCP.Window)
				f.hasInitFwdWin = true
			}
		}
	} else {
		if f.hasBwd {
			f.BwdIAT.Add(ts.Sub(f.lastBwdTime).Seconds())
		}
		f.hasBwd = true
		f.lastBwdTime = ts
		f.BwdPackets++
		f.BwdBytes += uint64(pkt.RawLength)
		f.BwdLen.Add(float64(pkt.RawLength))
		if pkt.HasTCP {
			f.BwdHeaderBytes += uint64(int(pkt.TCP.DataOffset) * 4)
			if pkt.TCP.Flags&model.FlagPSH != 0 {
				f.BwdPshCount++
			}
			if pkt.TCP.Flags&model.FlagURG != 0 {
				f.BwdUrgCount++
			}
			if !f.hasInitBwdWin {
				f.InitBwdWin = uint32(pkt.TCP.Window)
				f.hasInitBwdWin = true
			}
		}
	}

	if pkt.HasTCP {
		flags := pkt.TCP.Flags
		if flags&model.FlagSYN != 0 {
			f.SynCount++
		}
		if flags&model.FlagACK != 0 {
			f.AckCount++
		}
		if flags&model.FlagFIN != 0 {
			f.FinCount++
		}
		if flags&model.FlagRST != 0 {
			f.RstCount++
		}
		if flags&model.FlagPSH != 0 {
			f.PshCount++
		}
		if flags&model.FlagURG != 0 {
			f.UrgCount++
		}
		f.transitionState(flags)
	}

	f.splitActiveIdle(ts)
	f.LastSeen = ts
}

// activeIdleGapSeconds is the DESIGN.md-recorded resolution of spec §9's
// active/idle open question: a gap larger than this ends the current
// active burst and starts an idle period.
const activeIdleGapSeconds = 1.0

func (f *FlowStats) splitActiveIdle(ts time.Time) {
	if !f.hasAny {
		f.burstStart = ts
		f.lastAnyTime = ts
		f.hasAny = true
		return
	}
	gap := ts.Sub(f.lastAnyTime).Seconds()
	f.FlowIAT.Add(gap)
	if gap > activeIdleGapSeconds {
		f.ActiveTimes.Add(f.lastAnyTime.Sub(f.burstStart).Seconds())
		f.IdleTimes.Add(gap)
		f.burstStart = ts
	}
	f.lastAnyTime = ts
}

// transitionState implements the TCP state table in spec §4.2 step 7.
func (f *FlowStats) transitionState(flags uint8) {
	syn := flags&model.FlagSYN != 0
	ack := flags&model.FlagACK != 0
	fin := flags&model.FlagFIN != 0
	rst := flags&model.FlagRST != 0

	switch f.State {
	case model.StateUnknown:
		if syn && !ack {
			f.State = model.StateSynSent
		}
	case model.StateSynSent:
		if syn && ack {
			f.State = model.StateSynReceived
		}
	case model.StateSynReceived:
		if ack {
			f.State = model.StateEstablished
		}
	case model.StateEstablished:
		if fin {
			f.State = model.StateFinWait
		} else if rst {
			f.State = model.StateClosed
		}
	case model.StateFinWait:
		if fin || rst {
			f.State = model.StateClosed
		}
	}
}

// clone returns a value copy safe to hand to a caller outside the shard
// lock (spec §5: readers get a copy-on-read snapshot).
func (f *FlowStats) clone() *FlowStats {
	c := *f
	return &c
}

// Table is the bounded ConnectionKey -> FlowStats map (spec §4.2).
type Table struct {
	shards         []*shard
	shardMask      uint64
	maxConnections int
	timeout        time.Duration
	size           int64 // atomic, total live entries across all shards

	// Lifetime totals, distinct from size's live gauge, mirroring
	// original_source's connection_tracker.cpp total_connections and
	// expired_connections counters. Atomic, monotonically increasing.
	totalCreated int64
	totalExpired int64
}

// New creates a Table with the given capacity and expiry timeout.
func New(maxConnections int, timeout time.Duration) *Table {
	t := &Table{
		shards:         make([]*shard, defaultShardCount),
		shardMask:      uint64(defaultShardCount - 1),
		maxConnections: maxConnections,
		timeout:        timeout,
	}
	for i := range t.shards {
		t.shards[i] = &shard{flows: make(map[model.ConnectionKey]*FlowStats)}
	}
	return t
}

// keyBytes packs a ConnectionKey's five fields into a fixed-size buffer
// for hashing, incorporating all of them per spec §9's hash requirement.
func keyBytes(k model.ConnectionKey) [13]byte {
	var b [13]byte
	binary.BigEndian.PutUint32(b[0:4], k.SrcIP)
	binary.BigEndian.PutUint32(b[4:8], k.DstIP)
	binary.BigEndian.PutUint16(b[8:10], k.SrcPort)
	binary.BigEndian.PutUint16(b[10:12], k.DstPort)
	b[12] = k.Protocol
	return b
}

func (t *Table) shardFor(k model.ConnectionKey) *shard {
	b := keyBytes(k)
	h := xxhash.Sum64(b[:])
	return t.shards[h&t.shardMask]
}

// Size returns the current number of live flows.
func (t *Table) Size() int {
	return int(atomic.LoadInt64(&t.size))
}

func (t *Table) full() bool {
	return atomic.LoadInt64(&t.size) >= int64(t.maxConnections)
}

// Totals returns the table's lifetime flow-creation and flow-expiry
// counts (total_connections/expired_connections), independent of Size's
// current-live-flow gauge. Read-only, intended for the statistics task.
func (t *Table) Totals() (created, expired int64) {
	return atomic.LoadInt64(&t.totalCreated), atomic.LoadInt64(&t.totalExpired)
}

// Update locates or creates the flow for pkt and folds its contribution
// in, per spec §4.2. Admission rejection and state-machine no-ops are
// silent — this never returns an error (spec §4.2 failure semantics).
func (t *Table) Update(pkt *model.ParsedPacket) {
	litKey := pkt.Key()
	canonKey, isFwd := litKey.Canonical()
	ts := time.Unix(0, pkt.Timestamp)
	sh := t.shardFor(canonKey)

	sh.mu.Lock()
	flow, ok := sh.flows[canonKey]
	if !ok {
		if t.full() {
			sh.mu.Unlock()
			t.ExpireOld(ts)
			sh.mu.Lock()
		}
		if t.full() {
			sh.mu.Unlock()
			return
		}
		flow = newFlowStats(canonKey, ts)
		sh.flows[canonKey] = flow
		atomic.AddInt64(&t.size, 1)
		atomic.AddInt64(&t.totalCreated, 1)
	}
	flow.apply(pkt, isFwd, ts)
	sh.mu.Unlock()
}

// Get returns a copy-on-read view of the flow for pkt's 5-tuple, or false
// if no flow is tracked for it. Idempotent: it never mutates state (spec
// §4.2 `get` operation).
func (t *Table) Get(pkt *model.ParsedPacket) (*FlowStats, bool) {
	canonKey, _ := pkt.Key().Canonical()
	sh := t.shardFor(canonKey)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	flow, ok := sh.flows[canonKey]
	if !ok {
		return nil, false
	}
	return flow.clone(), true
}

// ExpireOld removes every flow whose last_seen is older than the table's
// timeout relative to now, or whose TCP state has reached CLOSED (spec
// §4.2 `expire_old`). Returns the number of entries removed.
func (t *Table) ExpireOld(now time.Time) int {
	removed := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for k, f := range sh.flows {
			if now.Sub(f.LastSeen) > t.timeout || f.State == model.StateClosed {
				delete(sh.flows, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		atomic.AddInt64(&t.size, -int64(removed))
		atomic.AddInt64(&t.totalExpired, int64(removed))
	}
	return removed
}

// Snapshot returns a stable, copy-on-read slice of every tracked flow
// (spec §4.2 `snapshot`), safe to hand to an exporter running on another
// goroutine.
func (t *Table) Snapshot() []*FlowStats {
	var out []*FlowStats
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, f := range sh.flows {
			out = append(out, f.clone())
		}
		sh.mu.RUnlock()
	}
	return out
}

// Clear drops every tracked flow (spec §4.2 `clear`).
func (t *Table) Clear() {
	for _, sh := range t.shards {
		sh.mu.Lock()
		sh.flows = make(map[model.ConnectionKey]*FlowStats)
		sh.mu.Unlock()
	}
	atomic.StoreInt64(&t.size, 0)
}

// DerivedStats are the lazily-computed quantities in spec §4.2's "Derived
// features (lazy)" subsection: sample (N-1) mean/stddev, recomputed on
// read rather than on every packet.
type DerivedStats struct {
	FwdPacketRate float64
	FwdIATMean    float64
	FwdIATStd     float64
	BwdIATMean    float64
	BwdIATStd     float64
	FwdLenMean    float64
	FwdLenStd     float64
	BwdLenMean    float64
	BwdLenStd     float64
}

// Derive computes the lazy derived view for a flow snapshot.
func Derive(f *FlowStats) DerivedStats {
	d := DerivedStats{
		FwdIATMean: f.FwdIAT.Mean(),
		FwdIATStd:  f.FwdIAT.SampleStdDev(),
		BwdIATMean: f.BwdIAT.Mean(),
		BwdIATStd:  f.BwdIAT.SampleStdDev(),
		FwdLenMean: f.FwdLen.Mean(),
		FwdLenStd:  f.FwdLen.SampleStdDev(),
		BwdLenMean: f.BwdLen.Mean(),
		BwdLenStd:  f.BwdLen.SampleStdDev(),
	}
	if dur := f.Duration(); dur > 0 {
		d.FwdPacketRate = float64(f.FwdPackets) / dur
	}
	return d
}
