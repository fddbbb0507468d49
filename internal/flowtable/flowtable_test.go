package flowtable

import (
	"testing"
	"time"

	"nidscore/internal/model"
)

func tcpPacket(ts time.Time, srcIP, dstIP uint32, srcPort, dstPort uint16, flags uint8, length int) *model.ParsedPacket {
	return &model.ParsedPacket{
		Timestamp: ts.UnixNano(),
		RawLength: length,
		IP: model.IPv4Header{
			Version:  4,
			Protocol: model.ProtoTCP,
			SrcIP:    srcIP,
			DstIP:    dstIP,
		},
		HasTCP: true,
		TCP: model.TCPHeader{
			SrcPort:    srcPort,
			DstPort:    dstPort,
			DataOffset: 5,
			Flags:      flags,
			Window:     8192,
		},
	}
}

const (
	ipA = 0x0A000001
	ipB = 0x0A000002
)

func TestUpdate_FlowInvariants(t *testing.T) {
	ft := New(16, time.Minute)
	base := time.Unix(1000, 0)

	ft.Update(tcpPacket(base, ipA, ipB, 40000, 22, model.FlagSYN, 60))
	ft.Update(tcpPacket(base.Add(10*time.Millisecond), ipB, ipA, 22, 40000, model.FlagSYN|model.FlagACK, 60))

	view, ok := ft.Get(tcpPacket(base, ipA, ipB, 40000, 22, 0, 0))
	if !ok {
		t.Fatal("expected flow to be tracked")
	}
	if view.LastSeen.Before(view.StartTime) {
		t.Errorf("last_seen %v before start_time %v", view.LastSeen, view.StartTime)
	}
	if view.FwdPackets+view.BwdPackets != 2 {
		t.Errorf("expected 2 total packets, got fwd=%d bwd=%d", view.FwdPackets, view.BwdPackets)
	}
	if view.Duration() < 0 {
		t.Errorf("duration must be non-negative, got %f", view.Duration())
	}
}

// TestUpdate_StateMachineAcrossSwappedDirection drives a full three-way
// handshake where the SYN+ACK and final ACK arrive with src/dst swapped
// relative to the initial SYN, and asserts all three packets progress one
// single flow's state machine (spec §8 testable property 4).
func TestUpdate_StateMachineAcrossSwappedDirection(t *testing.T) {
	ft := New(16, time.Minute)
	base := time.Unix(2000, 0)

	syn := tcpPacket(base, ipA, ipB, 40000, 22, model.FlagSYN, 60)
	ft.Update(syn)
	if v, _ := ft.Get(syn); v.State != model.StateSynSent {
		t.Fatalf("after SYN: expected SYN_SENT, got %s", v.State)
	}

	synAck := tcpPacket(base.Add(5*time.Millisecond), ipB, ipA, 22, 40000, model.FlagSYN|model.FlagACK, 60)
	ft.Update(synAck)
	if v, _ := ft.Get(syn); v.State != model.StateSynReceived {
		t.Fatalf("after SYN+ACK: expected SYN_RECEIVED, got %s", v.State)
	}

	ack := tcpPacket(base.Add(10*time.Millisecond), ipA, ipB, 40000, 22, model.FlagACK, 60)
	ft.Update(ack)
	v, ok := ft.Get(syn)
	if !ok {
		t.Fatal("flow vanished")
	}
	if v.State != model.StateEstablished {
		t.Fatalf("after final ACK: expected ESTABLISHED, got %s", v.State)
	}
	if v.FwdPackets != 2 || v.BwdPackets != 1 {
		t.Errorf("expected 2 forward / 1 backward packets, got fwd=%d bwd=%d", v.FwdPackets, v.BwdPackets)
	}

	fin := tcpPacket(base.Add(20*time.Millisecond), ipA, ipB, 40000, 22, model.FlagFIN, 60)
	ft.Update(fin)
	rst := tcpPacket(base.Add(30*time.Millisecond), ipB, ipA, 22, 40000, model.FlagRST, 60)
	ft.Update(rst)
	if v, _ := ft.Get(syn); v.State != model.StateClosed {
		t.Fatalf("after FIN then RST: expected CLOSED, got %s", v.State)
	}
}

func TestUpdate_AdmissionBound(t *testing.T) {
	const max = 8
	ft := New(max, time.Hour)
	base := time.Unix(3000, 0)

	for i := 0; i < max+5; i++ {
		srcPort := uint16(30000 + i)
		pkt := tcpPacket(base.Add(time.Duration(i)*time.Millisecond), ipA, ipB, srcPort, 80, model.FlagSYN, 60)
		ft.Update(pkt)
	}

	if got := ft.Size(); got != max {
		t.Fatalf("expected table size to stay at cap %d, got %d", max, got)
	}
}

func TestTotals_TrackLifetimeCountsDistinctFromSize(t *testing.T) {
	ft := New(16, time.Minute)
	base := time.Unix(5000, 0)

	for i := 0; i < 3; i++ {
		srcPort := uint16(40000 + i)
		ft.Update(tcpPacket(base, ipA, ipB, srcPort, 22, model.FlagSYN, 60))
	}
	if created, expired := ft.Totals(); created != 3 || expired != 0 {
		t.Fatalf("expected totals (3, 0) after 3 new flows, got (%d, %d)", created, expired)
	}
	if ft.Size() != 3 {
		t.Fatalf("expected live size 3, got %d", ft.Size())
	}

	// Re-touching an existing flow must not bump the lifetime creation count.
	ft.Update(tcpPacket(base, ipA, ipB, 40000, 22, model.FlagACK, 60))
	if created, _ := ft.Totals(); created != 3 {
		t.Fatalf("expected lifetime creations to stay at 3 after a repeat packet, got %d", created)
	}

	removed := ft.ExpireOld(base.Add(time.Hour))
	if removed != 3 {
		t.Fatalf("expected all 3 flows to age out, got %d", removed)
	}
	if created, expired := ft.Totals(); created != 3 || expired != 3 {
		t.Fatalf("expected totals (3, 3) after expiry, got (%d, %d)", created, expired)
	}
	if ft.Size() != 0 {
		t.Fatalf("expected live size 0 after expiry, got %d", ft.Size())
	}
}

func TestExpireOld_RemovesAgedAndClosedFlows(t *testing.T) {
	ft := New(16, 5*time.Second)
	base := time.Unix(4000, 0)

	stale := tcpPacket(base, ipA, ipB, 40000, 22, model.FlagSYN, 60)
	ft.Update(stale)

	fresh := tcpPacket(base, ipA, ipB, 40001, 22, model.FlagSYN, 60)
	ft.Update(fresh)

	// Independently close the fresh flow via RST so it is evictable
	// regardless of age. RST only closes an ESTABLISHED (or FIN_WAIT)
	// flow, so the handshake is completed first.
	ft.Update(tcpPacket(base, ipB, ipA, 22, 40001, model.FlagSYN|model.FlagACK, 60))
	ft.Update(tcpPacket(base, ipA, ipB, 40001, 22, model.FlagACK, 60))
	ft.Update(tcpPacket(base, ipA, ipB, 40001, 22, model.FlagRST, 60))

	removed := ft.ExpireOld(base.Add(1 * time.Second))
	if removed != 1 {
		t.Fatalf("expected only the CLOSED flow to be removed at +1s, got %d", removed)
	}

	removed = ft.ExpireOld(base.Add(10 * time.Second))
	if removed != 1 {
		t.Fatalf("expected the aged-out SYN_SENT flow to be removed at +10s, got %d", removed)
	}

	if ft.Size() != 0 {
		t.Fatalf("expected empty table after both expirations, got size %d", ft.Size())
	}
}

func TestSnapshot_ReturnsIndependentCopies(t *testing.T) {
	ft := New(16, time.Minute)
	base := time.Unix(5000, 0)
	ft.Update(tcpPacket(base, ipA, ipB, 40000, 22, model.FlagSYN, 60))

	snap := ft.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 flow in snapshot, got %d", len(snap))
	}
	snap[0].FwdPackets = 999 // mutate the copy

	live, ok := ft.Get(tcpPacket(base, ipA, ipB, 40000, 22, 0, 0))
	if !ok {
		t.Fatal("flow missing from live table")
	}
	if live.FwdPackets == 999 {
		t.Fatal("snapshot copy aliased live flow state")
	}
}

func TestClear_EmptiesTable(t *testing.T) {
	ft := New(16, time.Minute)
	base := time.Unix(6000, 0)
	ft.Update(tcpPacket(base, ipA, ipB, 40000, 22, model.FlagSYN, 60))
	ft.Clear()
	if ft.Size() != 0 {
		t.Fatalf("expected size 0 after Clear, got %d", ft.Size())
	}
}
