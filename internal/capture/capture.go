// Package capture adapts gopacket/pcap into the narrow byte-stream
// interface the orchestrator's hot loop wants (spec §1/§6 lists the
// capture source as an out-of-scope external collaborator). Grounded on
// the teacher's pkg/pcap/reader.go (offline replay) and
// cmd/ns-probe/main.go's pcap.OpenLive usage (live capture).
package capture

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// Source yields raw frame bytes and their capture timestamp, one call per
// packet, until it is exhausted or the underlying handle is closed.
type Source interface {
	// Next returns the next captured frame. err == io.EOF-equivalent is
	// signaled by a non-nil error from the pcap layer when a file source
	// runs out of packets; callers should treat any non-nil error as "stop".
	Next() (data []byte, capLen int, ts time.Time, err error)
	Close()
}

// OfflineSource replays a pcap file, end to end, once.
type OfflineSource struct {
	handle *pcap.Handle
	src    *gopacket.PacketSource
}

// OpenOffline opens a pcap capture file for replay.
func OpenOffline(path string) (*OfflineSource, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("capture: opening pcap file %s: %w", path, err)
	}
	return &OfflineSource{
		handle: handle,
		src:    gopacket.NewPacketSource(handle, handle.LinkType()),
	}, nil
}

// Next returns the next packet in the file, or an error once the file is
// exhausted.
func (s *OfflineSource) Next() ([]byte, int, time.Time, error) {
	packet, err := s.src.NextPacket()
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	data := packet.Data()
	return data, len(data), packet.Metadata().Timestamp, nil
}

// Close releases the pcap file handle.
func (s *OfflineSource) Close() {
	s.handle.Close()
}

// LiveSource captures from a live network interface.
type LiveSource struct {
	handle *pcap.Handle
	src    *gopacket.PacketSource
}

// LiveOptions configures a live capture (spec §6, out-of-scope collaborator
// configuration surface).
type LiveOptions struct {
	Interface   string
	SnapshotLen int32
	Promiscuous bool
	Timeout     time.Duration
}

// OpenLive opens a live capture on the given network interface.
func OpenLive(opts LiveOptions) (*LiveSource, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = pcap.BlockForever
	}
	snapLen := opts.SnapshotLen
	if snapLen <= 0 {
		snapLen = 65536
	}
	handle, err := pcap.OpenLive(opts.Interface, snapLen, opts.Promiscuous, timeout)
	if err != nil {
		return nil, fmt.Errorf("capture: opening interface %s: %w", opts.Interface, err)
	}
	return &LiveSource{
		handle: handle,
		src:    gopacket.NewPacketSource(handle, handle.LinkType()),
	}, nil
}

// Next blocks until the next packet arrives on the live interface.
func (s *LiveSource) Next() ([]byte, int, time.Time, error) {
	packet, err := s.src.NextPacket()
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	data := packet.Data()
	return data, len(data), packet.Metadata().Timestamp, nil
}

// Close releases the live capture handle.
func (s *LiveSource) Close() {
	s.handle.Close()
}
