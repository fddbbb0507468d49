// Package model holds the value types shared across the capture, flow
// tracking, feature extraction and rule evaluation stages.
package model

import "fmt"

// Ethertype and IP protocol numbers the decoder understands.
const (
	EtherTypeIPv4 = 0x0800

	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// TCP flag bits as they sit in the low 6 bits of the flags byte. CWR/ECE
// are not exposed by this decoder (spec §4.1).
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

// ConnectionState is the TCP state machine used by the flow table.
type ConnectionState uint8

const (
	StateUnknown ConnectionState = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait:
		return "FIN_WAIT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Severity is the alert severity enumeration. Its JSON/text encodings are
// the only externally observable form; the ordinal is not part of the
// contract (spec §9).
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Lower renders the severity the way the alert log JSON wants it.
func (s Severity) Lower() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity accepts either case spelling used in rule definitions.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "LOW", "low":
		return SeverityLow, nil
	case "MEDIUM", "medium":
		return SeverityMedium, nil
	case "HIGH", "high":
		return SeverityHigh, nil
	case "CRITICAL", "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

// ConnectionKey is the directional 5-tuple used to look up a flow. IPs are
// kept as raw 32-bit network-order integers, per spec §4.1 — string
// formatting only happens when rendering an alert.
type ConnectionKey struct {
	SrcIP    uint32
	DstIP    uint32
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// Canonical returns the key oriented so that the numerically smaller
// (ip,port) endpoint is first, plus whether the receiver was already in
// that orientation. The Flow Table keys its map on this canonical form
// so that both directions of a connection (e.g. a SYN and the reply
// SYN+ACK, which arrives with src/dst swapped) land on the same entry;
// the returned bool tells the caller whether a given packet was
// forward or backward relative to that entry — see DESIGN.md.
func (k ConnectionKey) Canonical() (ConnectionKey, bool) {
	leftLower := k.SrcIP < k.DstIP || (k.SrcIP == k.DstIP && k.SrcPort <= k.DstPort)
	if leftLower {
		return k, true
	}
	return ConnectionKey{
		SrcIP:    k.DstIP,
		DstIP:    k.SrcIP,
		SrcPort:  k.DstPort,
		DstPort:  k.SrcPort,
		Protocol: k.Protocol,
	}, false
}

// EthHeader is the decoded Ethernet II header.
type EthHeader struct {
	DstMAC    [6]byte
	SrcMAC    [6]byte
	EtherType uint16
}

// IPv4Header is the decoded fixed part of an IPv4 header.
type IPv4Header struct {
	Version    uint8
	IHL        uint8 // header length in 32-bit words
	TotalLen   uint16
	Protocol   uint8
	SrcIP      uint32
	DstIP      uint32
	HeaderLen  int // IHL*4, bytes
}

// TCPHeader is the decoded fixed part of a TCP header.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8 // header length in 32-bit words
	Flags      uint8 // low 6 bits: FIN SYN RST PSH ACK URG
	Window     uint16
	Checksum   uint16
	Urgent     uint16
}

// UDPHeader is the decoded UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// ParsedPacket is a view over an immutable byte buffer plus decoded
// headers. It is only valid for the duration of one decode-to-engine pass
// and must not outlive the buffer it was decoded from (spec §3/§9).
type ParsedPacket struct {
	Timestamp  int64 // unix nanoseconds
	PacketID   uint64
	RawLength  int
	Eth        EthHeader
	IP         IPv4Header
	HasTCP     bool
	TCP        TCPHeader
	HasUDP     bool
	UDP        UDPHeader
	Payload    []byte // references the original buffer; never copied
}

// Key builds the directional 5-tuple for this packet.
func (p *ParsedPacket) Key() ConnectionKey {
	var srcPort, dstPort uint16
	if p.HasTCP {
		srcPort, dstPort = p.TCP.SrcPort, p.TCP.DstPort
	} else if p.HasUDP {
		srcPort, dstPort = p.UDP.SrcPort, p.UDP.DstPort
	}
	return ConnectionKey{
		SrcIP:    p.IP.SrcIP,
		DstIP:    p.IP.DstIP,
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Protocol: p.IP.Protocol,
	}
}

// Flags returns the TCP flag byte, or 0 for non-TCP packets.
func (p *ParsedPacket) Flags() uint8 {
	if !p.HasTCP {
		return 0
	}
	return p.TCP.Flags
}

// ProtocolName renders "TCP"/"UDP"/"OTHER" for alert rendering.
func (p *ParsedPacket) ProtocolName() string {
	switch p.IP.Protocol {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return "OTHER"
	}
}

// IPString renders a raw 32-bit network-order IP as a dotted quad.
func IPString(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// Alert is an immutable record emitted by the rule engine.
type Alert struct {
	AlertID        uint64
	Timestamp      int64 // unix nanoseconds
	RuleID         uint32
	RuleName       string
	Severity       Severity
	SrcIP          string
	SrcPort        uint16
	DstIP          string
	DstPort        uint16
	Protocol       string
	Description    string
	MatchedContent string
}
