// Package sink publishes FeatureVectors to downstream consumers (spec §6
// "Feature sink"). Grounded on the teacher's internal/probe/publisher.go
// (NATS two-frame publish shape) and internal/engine/impl/exact's
// ClickHouse writer (connect/create-table/batch-insert pattern).
package sink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/nats-io/nats.go"

	"nidscore/internal/config"
	"nidscore/internal/features"
)

// Sink publishes one feature vector. Implementations must be safe to call
// from the single orchestrator goroutine; no sink is required to be safe
// for concurrent use from multiple goroutines.
type Sink interface {
	Publish(fv features.FeatureVector) error
	Close() error
}

// CSVSink appends one row per published vector to a file, writing the
// header once on creation (spec §6 CSV format).
type CSVSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewCSVSink opens (or creates) path and writes the CSV header if the
// file is new/empty.
func NewCSVSink(path string) (*CSVSink, error) {
	info, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: opening csv file %s: %w", path, err)
	}
	s := &CSVSink{file: f, writer: bufio.NewWriter(f)}
	if statErr != nil || info.Size() == 0 {
		if _, err := s.writer.WriteString(features.Header + "\n"); err != nil {
			f.Close()
			return nil, fmt.Errorf("sink: writing csv header: %w", err)
		}
	}
	return s, nil
}

// Publish appends one CSV row and flushes it immediately — the hot path
// trades a little throughput for a sink that never loses a row on crash.
func (s *CSVSink) Publish(fv features.FeatureVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.WriteString(fv.CSVRow() + "\n"); err != nil {
		return fmt.Errorf("sink: writing csv row: %w", err)
	}
	return s.writer.Flush()
}

// Close flushes and closes the underlying file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// NATSSink publishes a two-frame message per vector: frame 1 is a topic
// string, frame 2 is the JSON-encoded feature vector (spec §6 message-bus
// format). Grounded on internal/probe/publisher.go's NewPublisher/Publish
// shape, rebuilt against plain JSON since the teacher's protobuf schema
// was not present in the retrieval pack (see DESIGN.md).
type NATSSink struct {
	nc    *nats.Conn
	topic string
}

// NewNATSSink connects to a NATS server and prepares to publish on topic.
func NewNATSSink(url, topic string) (*NATSSink, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("sink: connecting to nats at %s: %w", url, err)
	}
	if topic == "" {
		topic = "features"
	}
	return &NATSSink{nc: nc, topic: topic}, nil
}

// Publish JSON-encodes fv and publishes it on the sink's topic.
func (s *NATSSink) Publish(fv features.FeatureVector) error {
	data, err := fv.JSON()
	if err != nil {
		return fmt.Errorf("sink: encoding feature vector: %w", err)
	}
	return s.nc.Publish(s.topic, data)
}

// Close drains and closes the NATS connection.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}

const createFlowFeaturesTable = `
CREATE TABLE IF NOT EXISTS flow_features (
	Timestamp     DateTime,
	Duration      Float64,
	TotalFwdBytes Float64,
	TotalBwdBytes Float64,
	FeaturesJSON  String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY Timestamp;
`

// ClickHouseSink inserts feature vectors into a flow_features table, one
// PrepareBatch/Send round trip per published vector (vectors are not
// accumulated across Publish calls). Grounded on internal/engine/impl/exact/writer_clickhouse.go's
// connect/create-table/PrepareBatch pattern, repurposed for this domain's
// feature vectors instead of the teacher's generic flow_metrics schema.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects, pings, and ensures the destination table
// exists.
func NewClickHouseSink(cfg config.ClickHouseSinkConfig) (*ClickHouseSink, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("sink: opening clickhouse connection: %w", err)
	}
	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("sink: pinging clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createFlowFeaturesTable); err != nil {
		return nil, fmt.Errorf("sink: creating flow_features table: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

// Publish inserts one row. FeaturesJSON carries the full 76-column vector
// so the schema does not need to track every column as its own type.
func (s *ClickHouseSink) Publish(fv features.FeatureVector) error {
	ctx := context.Background()
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO flow_features")
	if err != nil {
		return fmt.Errorf("sink: preparing clickhouse batch: %w", err)
	}
	data, err := fv.JSON()
	if err != nil {
		return fmt.Errorf("sink: encoding feature vector: %w", err)
	}
	if err := batch.Append(time.Now(), fv.Duration, fv.TotalFwdBytes, fv.TotalBwdBytes, string(data)); err != nil {
		return fmt.Errorf("sink: appending to clickhouse batch: %w", err)
	}
	return batch.Send()
}

// Close closes the ClickHouse connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

// Multi fans out one published vector to every wrapped sink, collecting
// (not short-circuiting on) the first error encountered.
type Multi struct {
	sinks []Sink
}

// NewMulti wraps zero or more sinks behind one Sink.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Publish calls Publish on every wrapped sink.
func (m *Multi) Publish(fv features.FeatureVector) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Publish(fv); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every wrapped sink.
func (m *Multi) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
