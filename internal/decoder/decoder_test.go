package decoder

import (
	"bytes"
	"encoding/binary"
	"testing"

	"nidscore/internal/model"
)

// buildFrame assembles a synthetic Ethernet/IPv4/TCP|UDP frame for testing.
// ihl is in 32-bit words (5 == no IP options). proto is 6 (TCP) or 17 (UDP).
func buildFrame(t *testing.T, proto uint8, ihl int, payload []byte, tcpFlags uint8) []byte {
	t.Helper()
	var buf bytes.Buffer

	// Ethernet header.
	buf.Write(make([]byte, 6)) // dst mac
	buf.Write(make([]byte, 6)) // src mac
	binary.Write(&buf, binary.BigEndian, uint16(model.EtherTypeIPv4))

	ipHdrLen := ihl * 4
	ipOpts := ipHdrLen - 20

	var transport []byte
	switch proto {
	case model.ProtoTCP:
		th := make([]byte, 20)
		binary.BigEndian.PutUint16(th[0:2], 40000)
		binary.BigEndian.PutUint16(th[2:4], 22)
		th[12] = 5 << 4 // data offset = 5 words, no TCP options
		th[13] = tcpFlags
		transport = append(th, payload...)
	case model.ProtoUDP:
		uh := make([]byte, 8)
		binary.BigEndian.PutUint16(uh[0:2], 40000)
		binary.BigEndian.PutUint16(uh[2:4], 53)
		binary.BigEndian.PutUint16(uh[4:6], uint16(8+len(payload)))
		transport = append(uh, payload...)
	}

	totalLen := ipHdrLen + len(transport)

	ipHdr := make([]byte, ipHdrLen)
	ipHdr[0] = byte(4<<4 | ihl)
	binary.BigEndian.PutUint16(ipHdr[2:4], uint16(totalLen))
	ipHdr[9] = proto
	binary.BigEndian.PutUint32(ipHdr[12:16], 0x0A000005) // 10.0.0.5
	binary.BigEndian.PutUint32(ipHdr[16:20], 0x0A00000A) // 10.0.0.10
	_ = ipOpts

	buf.Write(ipHdr)
	buf.Write(transport)
	return buf.Bytes()
}

func TestDecode_TCPRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	frame := buildFrame(t, model.ProtoTCP, 5, payload, model.FlagSYN)

	d := New()
	pkt, err := d.Decode(frame, len(frame), 1234)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pkt.IP.SrcIP != 0x0A000005 || pkt.IP.DstIP != 0x0A00000A {
		t.Errorf("unexpected IPs: src=%x dst=%x", pkt.IP.SrcIP, pkt.IP.DstIP)
	}
	if !pkt.HasTCP {
		t.Fatal("expected HasTCP")
	}
	if pkt.TCP.SrcPort != 40000 || pkt.TCP.DstPort != 22 {
		t.Errorf("unexpected ports: %d -> %d", pkt.TCP.SrcPort, pkt.TCP.DstPort)
	}
	if pkt.TCP.Flags != model.FlagSYN {
		t.Errorf("expected SYN flag, got %08b", pkt.TCP.Flags)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Errorf("payload mismatch: got %q want %q", pkt.Payload, payload)
	}
}

// TestDecode_PayloadLongerThanRuleScanCapIsNotTruncated guards against
// conflating the decoder's no-cap contract (spec §4.1, testable property
// 1) with the rule engine's independent 1024-byte match-time scan cap
// (spec §4.4): Decode must hand back every payload byte regardless of
// length.
func TestDecode_PayloadLongerThanRuleScanCapIsNotTruncated(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 2048)
	frame := buildFrame(t, model.ProtoTCP, 5, payload, model.FlagACK)

	d := New()
	pkt, err := d.Decode(frame, len(frame), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pkt.Payload) != len(payload) {
		t.Fatalf("expected full %d-byte payload, got %d bytes", len(payload), len(pkt.Payload))
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Error("payload bytes mismatch beyond the rule engine's 1024-byte scan cap")
	}
}

func TestDecode_UDPRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	frame := buildFrame(t, model.ProtoUDP, 5, payload, 0)

	d := New()
	pkt, err := d.Decode(frame, len(frame), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pkt.HasUDP {
		t.Fatal("expected HasUDP")
	}
	if pkt.UDP.DstPort != 53 {
		t.Errorf("expected dst port 53, got %d", pkt.UDP.DstPort)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Errorf("payload mismatch: got %q want %q", pkt.Payload, payload)
	}
}

func TestDecode_TruncatedBelowEthernet(t *testing.T) {
	d := New()
	_, err := d.Decode(make([]byte, 13), 13, 0)
	if err != ErrTooShort {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if d.Stats.ParseErrors != 1 {
		t.Errorf("expected parse_errors incremented, got %d", d.Stats.ParseErrors)
	}
}

func TestDecode_UnsupportedEthertype(t *testing.T) {
	frame := make([]byte, 14)
	binary.BigEndian.PutUint16(frame[12:14], 0x86DD) // IPv6
	d := New()
	_, err := d.Decode(frame, len(frame), 0)
	if err != ErrUnsupportedEthertype {
		t.Fatalf("expected ErrUnsupportedEthertype, got %v", err)
	}
}

func TestDecode_TruncatedIPHeader(t *testing.T) {
	frame := make([]byte, 20) // ethernet + 6 bytes of IP, not enough for fixed header
	binary.BigEndian.PutUint16(frame[12:14], uint16(model.EtherTypeIPv4))
	frame[14] = 4<<4 | 5
	d := New()
	_, err := d.Decode(frame, len(frame), 0)
	if err != ErrTooShort {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestDecode_BadIPVersion(t *testing.T) {
	frame := make([]byte, 34)
	binary.BigEndian.PutUint16(frame[12:14], uint16(model.EtherTypeIPv4))
	frame[14] = 6<<4 | 5 // version 6
	d := New()
	_, err := d.Decode(frame, len(frame), 0)
	if err != ErrBadIPVersion {
		t.Fatalf("expected ErrBadIPVersion, got %v", err)
	}
}

func TestDecode_IPPresentTransportMissing(t *testing.T) {
	// Full IPv4 header present (34 bytes) but no room for a TCP header.
	frame := make([]byte, 34)
	binary.BigEndian.PutUint16(frame[12:14], uint16(model.EtherTypeIPv4))
	frame[14] = 4<<4 | 5
	frame[23] = model.ProtoTCP
	d := New()
	pkt, err := d.Decode(frame, len(frame), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt.HasTCP || pkt.HasUDP {
		t.Error("expected neither HasTCP nor HasUDP for a transport-truncated frame")
	}
}

func TestDecode_AllPrefixesOfValidFrameBelow34(t *testing.T) {
	frame := buildFrame(t, model.ProtoTCP, 5, []byte("x"), model.FlagSYN)
	for n := 0; n < 34; n++ {
		d := New()
		_, err := d.Decode(frame[:n], n, 0)
		if err == nil {
			t.Errorf("prefix length %d: expected an error", n)
		}
	}
}
