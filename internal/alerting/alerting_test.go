package alerting

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"
	"time"

	"nidscore/internal/model"
)

func TestLogger_WritesOneJSONObjectPerLine(t *testing.T) {
	path := t.TempDir() + "/alerts.jsonl"
	logger, err := NewLogger(path)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	a1 := model.Alert{
		AlertID:   1,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixNano(),
		RuleID:    1001,
		RuleName:  "ssh-syn-scan",
		Severity:  model.SeverityMedium,
		SrcIP:     "10.0.0.1",
		SrcPort:   40000,
		DstIP:     "10.0.0.2",
		DstPort:   22,
		Protocol:  "tcp",
	}
	a2 := a1
	a2.AlertID = 2
	a2.RuleID = 1002

	if err := logger.Write(a1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := logger.Write(a2); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening alert log: %v", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var rec logRecord
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if rec.AlertID != 1 || rec.RuleID != 1001 || rec.Severity != "medium" {
		t.Errorf("unexpected decoded record: %+v", rec)
	}
	if rec.Timestamp != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected timestamp formatting: %q", rec.Timestamp)
	}

	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("line 2 is not valid JSON: %v", err)
	}
	if rec.AlertID != 2 || rec.RuleID != 1002 {
		t.Errorf("unexpected second decoded record: %+v", rec)
	}
}

func TestDigest_FlushesOnStopEvenBeforeFirstTick(t *testing.T) {
	d := NewDigest(SMTPConfig{Host: "localhost", Port: 2525, From: "nids@example.com", To: "soc@example.com"}, time.Hour)
	d.Record(model.Alert{AlertID: 1, RuleName: "test-rule", Severity: model.SeverityHigh})

	d.Start()
	// Stop should flush immediately rather than waiting for the hour-long
	// tick; send() will fail since nothing is listening on :2525, but flush
	// swallows that error (logged, not returned) so Stop must still return
	// promptly.
	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return promptly")
	}
}
