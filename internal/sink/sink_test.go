package sink

import (
	"bufio"
	"os"
	"strings"
	"testing"

	"nidscore/internal/features"
)

func TestCSVSink_WritesHeaderOnceThenRows(t *testing.T) {
	path := t.TempDir() + "/features.csv"

	s, err := NewCSVSink(path)
	if err != nil {
		t.Fatalf("NewCSVSink: %v", err)
	}
	fv := features.FeatureVector{Duration: 3, TotalFwdPackets: 2, TotalBwdPackets: 1}
	if err := s.Publish(fv); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := s.Publish(fv); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening the same path must not duplicate the header.
	s2, err := NewCSVSink(path)
	if err != nil {
		t.Fatalf("reopening NewCSVSink: %v", err)
	}
	if err := s2.Publish(fv); err != nil {
		t.Fatalf("Publish after reopen: %v", err)
	}
	if err := s2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening written file: %v", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 4 {
		t.Fatalf("expected 1 header + 3 rows, got %d lines: %v", len(lines), lines)
	}
	if lines[0] != features.Header {
		t.Errorf("first line is not the CSV header: %q", lines[0])
	}
	for _, row := range lines[1:] {
		if strings.Count(row, ",") != strings.Count(features.Header, ",") {
			t.Errorf("row has wrong column count: %q", row)
		}
	}
}

func TestMulti_FansOutAndCollectsErrors(t *testing.T) {
	a := &recordingSink{}
	b := &failingSink{err: errBoom}
	c := &recordingSink{}

	m := NewMulti(a, b, c)
	fv := features.FeatureVector{Duration: 1}
	err := m.Publish(fv)
	if err != errBoom {
		t.Fatalf("expected Publish to surface the failing sink's error, got %v", err)
	}
	if len(a.published) != 1 || len(c.published) != 1 {
		t.Fatalf("expected every sink to receive the vector regardless of a sibling's error")
	}

	if err := m.Close(); err != nil {
		t.Fatalf("unexpected Close error: %v", err)
	}
}

type recordingSink struct{ published []features.FeatureVector }

func (s *recordingSink) Publish(fv features.FeatureVector) error {
	s.published = append(s.published, fv)
	return nil
}
func (s *recordingSink) Close() error { return nil }

var errBoom = &sinkError{"boom"}

type sinkError struct{ msg string }

func (e *sinkError) Error() string { return e.msg }

type failingSink struct{ err error }

func (s *failingSink) Publish(features.FeatureVector) error { return s.err }
func (s *failingSink) Close() error                          { return nil }
