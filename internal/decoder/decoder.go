// Package decoder implements the zero-copy Ethernet/IPv4/TCP|UDP header
// walk described in spec §4.1. Decode is a pure function: it never
// allocates beyond the returned *model.ParsedPacket, and it never retains
// a reference longer than the caller's buffer lives.
package decoder

import (
	"encoding/binary"
	"errors"

	"nidscore/internal/model"
)

// Decode error taxonomy (spec §4.1, §7). These are sentinel values so
// callers can classify without string matching.
var (
	ErrTooShort             = errors.New("decoder: frame too short")
	ErrUnsupportedEthertype = errors.New("decoder: unsupported ethertype")
	ErrBadIPVersion         = errors.New("decoder: bad IP version")
)

const (
	ethHeaderLen = 14
	ipv4FixedLen = 20
	tcpFixedLen  = 20
	udpFixedLen  = 8
)

// Stats are the decoder's ambient counters (spec §4.1 side effects).
// Decode updates them with plain (non-atomic) increments; the header walk
// itself (decode) is a pure function with no shared state.
type Stats struct {
	PacketsParsed uint64
	ParseErrors   uint64
}

// Decoder wraps the packet-id counter. A single Decoder must only be used
// from one goroutine (the hot capture loop) — spec §5 forbids the
// decoder from blocking or synchronizing.
type Decoder struct {
	nextPacketID uint64
	Stats        Stats
}

// New returns a Decoder with its packet-id counter starting at 1.
func New() *Decoder {
	return &Decoder{}
}

// Decode performs the fixed layered walk described in spec §4.1:
// Ethernet (require len>=14, ethertype==0x0800) -> IPv4 (require
// len>=34, IHL*4>=20) -> TCP|UDP transport header, with the payload slice
// referencing buf directly (no copy).
func (d *Decoder) Decode(buf []byte, capLen int, timestampNanos int64) (*model.ParsedPacket, error) {
	pkt, err := decode(buf, capLen, timestampNanos)
	if err != nil {
		d.Stats.ParseErrors++
		return nil, err
	}
	d.nextPacketID++
	pkt.PacketID = d.nextPacketID
	d.Stats.PacketsParsed++
	return pkt, nil
}

func decode(buf []byte, capLen int, timestampNanos int64) (*model.ParsedPacket, error) {
	if capLen < ethHeaderLen || len(buf) < ethHeaderLen {
		return nil, ErrTooShort
	}

	pkt := &model.ParsedPacket{
		Timestamp: timestampNanos,
		RawLength: capLen,
	}

	copy(pkt.Eth.DstMAC[:], buf[0:6])
	copy(pkt.Eth.SrcMAC[:], buf[6:12])
	pkt.Eth.EtherType = binary.BigEndian.Uint16(buf[12:14])

	if pkt.Eth.EtherType != model.EtherTypeIPv4 {
		return nil, ErrUnsupportedEthertype
	}

	if capLen < ethHeaderLen+ipv4FixedLen {
		return nil, ErrTooShort
	}

	ipStart := ethHeaderLen
	verIHL := buf[ipStart]
	version := verIHL >> 4
	if version != 4 {
		return nil, ErrBadIPVersion
	}
	ihl := int(verIHL & 0x0F)
	hdrLen := ihl * 4
	if hdrLen < ipv4FixedLen {
		return nil, ErrTooShort
	}
	if capLen < ethHeaderLen+hdrLen {
		return nil, ErrTooShort
	}

	pkt.IP.Version = version
	pkt.IP.IHL = uint8(ihl)
	pkt.IP.HeaderLen = hdrLen
	pkt.IP.TotalLen = binary.BigEndian.Uint16(buf[ipStart+2 : ipStart+4])
	pkt.IP.Protocol = buf[ipStart+9]
	pkt.IP.SrcIP = binary.BigEndian.Uint32(buf[ipStart+12 : ipStart+16])
	pkt.IP.DstIP = binary.BigEndian.Uint32(buf[ipStart+16 : ipStart+20])

	transportStart := ethHeaderLen + hdrLen
	remaining := capLen - transportStart

	switch pkt.IP.Protocol {
	case model.ProtoTCP:
		if remaining < tcpFixedLen {
			// IP header fully present, transport header is not: the packet
			// is still valid per spec §8 property 2, just with no TCP view.
			pkt.Payload = nil
			return pkt, nil
		}
		t := buf[transportStart:]
		pkt.HasTCP = true
		pkt.TCP.SrcPort = binary.BigEndian.Uint16(t[0:2])
		pkt.TCP.DstPort = binary.BigEndian.Uint16(t[2:4])
		pkt.TCP.Seq = binary.BigEndian.Uint32(t[4:8])
		pkt.TCP.Ack = binary.BigEndian.Uint32(t[8:12])
		dataOffset := t[12] >> 4
		pkt.TCP.DataOffset = dataOffset
		pkt.TCP.Flags = t[13] & 0x3F
		pkt.TCP.Window = binary.BigEndian.Uint16(t[14:16])
		pkt.TCP.Checksum = binary.BigEndian.Uint16(t[16:18])
		pkt.TCP.Urgent = binary.BigEndian.Uint16(t[18:20])

		tcpHdrLen := int(dataOffset) * 4
		if tcpHdrLen < tcpFixedLen || remaining < tcpHdrLen {
			pkt.Payload = nil
			return pkt, nil
		}
		payloadStart := transportStart + tcpHdrLen
		pkt.Payload = buf[payloadStart:capLen]

	case model.ProtoUDP:
		if remaining < udpFixedLen {
			pkt.Payload = nil
			return pkt, nil
		}
		u := buf[transportStart:]
		pkt.HasUDP = true
		pkt.UDP.SrcPort = binary.BigEndian.Uint16(u[0:2])
		pkt.UDP.DstPort = binary.BigEndian.Uint16(u[2:4])
		pkt.UDP.Length = binary.BigEndian.Uint16(u[4:6])
		pkt.UDP.Checksum = binary.BigEndian.Uint16(u[6:8])

		payloadStart := transportStart + udpFixedLen
		if payloadStart > capLen {
			payloadStart = capLen
		}
		pkt.Payload = buf[payloadStart:capLen]

	default:
		// Other protocols: no transport header, empty payload, still valid.
		pkt.Payload = nil
	}

	return pkt, nil
}
