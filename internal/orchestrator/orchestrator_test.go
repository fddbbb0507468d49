package orchestrator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"testing"
	"time"

	"nidscore/internal/alerting"
	"nidscore/internal/decoder"
	"nidscore/internal/features"
	"nidscore/internal/flowtable"
	"nidscore/internal/model"
	"nidscore/internal/rules"
)

// fakeSource replays a fixed slice of frames, then reports itself
// exhausted via errSourceExhausted.
type fakeSource struct {
	frames [][]byte
	times  []time.Time
	i      int
}

func (f *fakeSource) Next() ([]byte, int, time.Time, error) {
	if f.i >= len(f.frames) {
		return nil, 0, time.Time{}, errSourceExhausted
	}
	data := f.frames[f.i]
	ts := f.times[f.i]
	f.i++
	return data, len(data), ts, nil
}

func (f *fakeSource) Close() {}

// recordingSink captures every published feature vector instead of
// writing it anywhere.
type recordingSink struct {
	published []features.FeatureVector
}

func (s *recordingSink) Publish(fv features.FeatureVector) error {
	s.published = append(s.published, fv)
	return nil
}

func (s *recordingSink) Close() error { return nil }

// buildTCPFrame assembles a synthetic Ethernet/IPv4/TCP frame, mirroring
// the decoder package's own test helper.
func buildTCPFrame(srcPort, dstPort uint16, flags uint8) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 6))
	buf.Write(make([]byte, 6))
	binary.Write(&buf, binary.BigEndian, uint16(model.EtherTypeIPv4))

	th := make([]byte, 20)
	binary.BigEndian.PutUint16(th[0:2], srcPort)
	binary.BigEndian.PutUint16(th[2:4], dstPort)
	th[12] = 5 << 4
	th[13] = flags

	ipHdr := make([]byte, 20)
	ipHdr[0] = 4<<4 | 5
	binary.BigEndian.PutUint16(ipHdr[2:4], uint16(20+len(th)))
	ipHdr[9] = model.ProtoTCP
	binary.BigEndian.PutUint32(ipHdr[12:16], 0x0A000001)
	binary.BigEndian.PutUint32(ipHdr[16:20], 0x0A000002)

	buf.Write(ipHdr)
	buf.Write(th)
	return buf.Bytes()
}

func sshScanRule() rules.SignatureRule {
	return rules.SignatureRule{
		RuleID:        1001,
		Name:          "ssh-syn-scan",
		Protocol:      rules.ProtocolTCP,
		SrcIPFilter:   "any",
		DstIPFilter:   "any",
		DstPorts:      []uint16{22},
		TCPFlagsMask:  model.FlagSYN | model.FlagACK,
		TCPFlagsValue: model.FlagSYN,
		Severity:      model.SeverityMedium,
		Action:        rules.ActionAlert,
		Enabled:       true,
	}
}

// TestRun_DrainsSourceDetectsAlertAndPublishesFeatures exercises the full
// hot loop end to end: a SYN scan frame triggers a rule alert that lands
// in the alert log, and a three-way handshake's ESTABLISHED flow gets a
// feature vector published once Run drains its fake source.
func TestRun_DrainsSourceDetectsAlertAndPublishesFeatures(t *testing.T) {
	engine, err := rules.NewEngine([]rules.SignatureRule{sshScanRule()})
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}

	logPath := t.TempDir() + "/alerts.jsonl"
	alertLogger, err := alerting.NewLogger(logPath)
	if err != nil {
		t.Fatalf("opening alert log: %v", err)
	}
	defer alertLogger.Close()

	snk := &recordingSink{}
	table := flowtable.New(16, time.Minute)

	base := time.Unix(1000, 0)
	src := &fakeSource{
		frames: [][]byte{
			buildTCPFrame(40000, 22, model.FlagSYN),
			buildTCPFrame(22, 40000, model.FlagSYN|model.FlagACK),
			buildTCPFrame(40000, 22, model.FlagACK),
		},
		times: []time.Time{base, base.Add(5 * time.Millisecond), base.Add(10 * time.Millisecond)},
	}

	orc := New(Options{
		Source:        src,
		Decoder:       decoder.New(),
		FlowTable:     table,
		Rules:         engine,
		Sink:          snk,
		Alerts:        alertLogger,
		ExpirySweep:   time.Hour,
		FeatureEveryN: 1,
	})

	if err := orc.Run(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(snk.published) != 3 {
		t.Fatalf("expected a feature vector per packet (FeatureEveryN=1), got %d", len(snk.published))
	}
	last := snk.published[len(snk.published)-1]
	if last.TotalFwdPackets != 2 || last.TotalBwdPackets != 1 {
		t.Errorf("expected final snapshot fwd=2/bwd=1, got fwd=%v bwd=%v", last.TotalFwdPackets, last.TotalBwdPackets)
	}

	if table.Size() != 1 {
		t.Fatalf("expected exactly one tracked flow, got %d", table.Size())
	}

	// Only the initial SYN to port 22 matches the SSH scan rule.
	logData, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading alert log: %v", err)
	}
	if n := bytes.Count(logData, []byte("\n")); n != 1 {
		t.Fatalf("expected exactly one alert line in the alert log, got %d", n)
	}
}

// TestRun_StopIsCooperative verifies Stop prevents Run from consuming any
// further packets from the source, matching the polled-stop-flag contract
// of a single-producer single-consumer hot loop.
func TestRun_StopIsCooperative(t *testing.T) {
	engine, err := rules.NewEngine(nil)
	if err != nil {
		t.Fatalf("building empty engine: %v", err)
	}
	table := flowtable.New(16, time.Minute)
	src := &fakeSource{
		frames: [][]byte{buildTCPFrame(1, 2, model.FlagSYN)},
		times:  []time.Time{time.Unix(0, 0)},
	}

	orc := New(Options{
		Source:      src,
		Decoder:     decoder.New(),
		FlowTable:   table,
		Rules:       engine,
		ExpirySweep: time.Hour,
	})
	orc.Stop()

	if err := orc.Run(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if src.i != 0 {
		t.Fatalf("expected Stop before Run to prevent any packets from being consumed, consumed %d", src.i)
	}
}

func TestRun_PropagatesUnrecoverableSourceError(t *testing.T) {
	engine, err := rules.NewEngine(nil)
	if err != nil {
		t.Fatalf("building empty engine: %v", err)
	}
	boom := errors.New("interface down")
	src := &erroringSource{err: boom}

	orc := New(Options{
		Source:      src,
		Decoder:     decoder.New(),
		FlowTable:   flowtable.New(16, time.Minute),
		Rules:       engine,
		ExpirySweep: time.Hour,
	})

	if err := orc.Run(); !errors.Is(err, boom) {
		t.Fatalf("expected Run to propagate the source error, got %v", err)
	}
}

type erroringSource struct{ err error }

func (s *erroringSource) Next() ([]byte, int, time.Time, error) {
	return nil, 0, time.Time{}, s.err
}
func (s *erroringSource) Close() {}
