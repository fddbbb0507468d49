// Package alerting renders rule-engine Alerts to the JSONL alert log
// (spec §6) and, as a supplemented feature (DESIGN.md), periodically
// mails a consolidated digest of alerts seen since the last send.
// Grounded on the teacher's internal/alerter/alerter.go (ticker-driven
// Start/Stop, consolidated-notification body assembly) and
// internal/notification/notifier.go (SMTP transport), adapted from
// per-Task alert messages to this domain's rule-engine Alert type.
package alerting

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/smtp"
	"os"
	"strings"
	"sync"
	"time"

	"nidscore/internal/model"
)

// logRecord is the JSONL alert-log schema (spec §6): one object per line.
type logRecord struct {
	AlertID     uint64 `json:"alert_id"`
	Timestamp   string `json:"timestamp"`
	RuleID      uint32 `json:"rule_id"`
	RuleName    string `json:"rule_name"`
	Severity    string `json:"severity"`
	SrcIP       string `json:"src_ip"`
	SrcPort     uint16 `json:"src_port"`
	DstIP       string `json:"dst_ip"`
	DstPort     uint16 `json:"dst_port"`
	Protocol    string `json:"protocol"`
	Description string `json:"description"`
}

// Logger appends one JSON object per line to an alert log file.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewLogger opens (creating if necessary) the alert log at path.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("alerting: opening alert log %s: %w", path, err)
	}
	return &Logger{file: f, writer: bufio.NewWriter(f)}, nil
}

// Write appends one alert as a JSON line (spec §6 "Alert log" format).
func (l *Logger) Write(a model.Alert) error {
	rec := logRecord{
		AlertID:     a.AlertID,
		Timestamp:   time.Unix(0, a.Timestamp).UTC().Format("2006-01-02T15:04:05Z"),
		RuleID:      a.RuleID,
		RuleName:    a.RuleName,
		Severity:    a.Severity.Lower(),
		SrcIP:       a.SrcIP,
		SrcPort:     a.SrcPort,
		DstIP:       a.DstIP,
		DstPort:     a.DstPort,
		Protocol:    a.Protocol,
		Description: a.Description,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("alerting: encoding alert %d: %w", a.AlertID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("alerting: writing alert log line: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return err
	}
	return l.writer.Flush()
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// SMTPConfig is the digest's mail transport configuration.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// Digest batches alerts and mails a consolidated summary on a fixed
// period, rather than one email per alert — grounded on the teacher's
// Alerter.evaluateAllTasks consolidated-notification shape.
type Digest struct {
	period time.Duration
	cfg    SMTPConfig
	auth   smtp.Auth

	mu      sync.Mutex
	pending []model.Alert

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDigest creates a Digest that mails every period.
func NewDigest(cfg SMTPConfig, period time.Duration) *Digest {
	return &Digest{
		period: period,
		cfg:    cfg,
		auth:   smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host),
		stopCh: make(chan struct{}),
	}
}

// Record queues an alert for the next digest send.
func (d *Digest) Record(a model.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, a)
}

// Start runs the periodic send loop until Stop is called.
func (d *Digest) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.flush()
			case <-d.stopCh:
				d.flush()
				return
			}
		}
	}()
}

// Stop sends any remaining queued alerts and stops the send loop.
func (d *Digest) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Digest) flush() {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := d.send(batch); err != nil {
		fmt.Fprintf(os.Stderr, "alerting: failed to send digest for %d alert(s): %v\n", len(batch), err)
	}
}

func (d *Digest) send(batch []model.Alert) error {
	var lines []string
	for _, a := range batch {
		lines = append(lines, fmt.Sprintf("[%s] rule_id=%d %s %s:%d -> %s:%d (%s)",
			a.Severity, a.RuleID, a.RuleName, a.SrcIP, a.SrcPort, a.DstIP, a.DstPort, a.Description))
	}
	subject := fmt.Sprintf("nidscore alert digest (%d alert(s))", len(batch))
	body := strings.Join(lines, "\n")

	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	recipients := strings.Split(d.cfg.To, ",")
	msg := []byte("To: " + d.cfg.To + "\r\n" +
		"From: " + d.cfg.From + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" + body)

	if err := smtp.SendMail(addr, d.auth, d.cfg.From, recipients, msg); err != nil {
		return fmt.Errorf("alerting: sending digest email: %w", err)
	}
	return nil
}
