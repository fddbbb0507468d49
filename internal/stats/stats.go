// Package stats runs the background counters task: atomic packet/alert
// counters, a periodic one-line summary log, a Prometheus registry, and a
// small gorilla/mux HTTP server exposing /metrics, /stats and /healthz
// (spec §9 supplemented feature — the source program logs ad hoc
// counters with no structured exporter). Grounded on the teacher's
// internal/engine/manager/manager.go ticker-driven goroutine +
// sync.WaitGroup Start/Stop shape, and on prometheus/client_golang +
// gorilla/mux usage elsewhere in the retrieved pack (see DESIGN.md).
package stats

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters are the ambient, lock-free packet/flow/alert counters the rest
// of the pipeline bumps as it runs. PacketsByProtocol and AlertsBySeverity
// are snapshotted copies, safe to range over.
type Counters struct {
	PacketsDecoded uint64
	BytesDecoded   uint64
	ParseErrors    uint64
	FlowsActive    uint64
	FlowsExpired   uint64
	FlowsTotal     uint64
	AlertsRaised   uint64
	FeaturesSunk   uint64

	PacketsByProtocol map[string]uint64
	AlertsBySeverity  map[string]uint64

	// Rule engine counters mirrored from rules.Engine.Counters, per
	// SPEC_FULL.md's hybrid_ids::RuleEngine-derived supplemented feature.
	PacketsEvaluated uint64
	RuleMatches      uint64
	AlertsGenerated  uint64
}

// Task owns the Counters, a Prometheus registry mirroring them, and an
// HTTP server exposing them.
type Task struct {
	counters Counters

	labelMu           sync.Mutex
	packetsByProtocol map[string]uint64
	alertsBySeverity  map[string]uint64

	registry          *prometheus.Registry
	packetsDecoded    prometheus.Counter
	packetsByProtoVec *prometheus.CounterVec
	bytesDecoded      prometheus.Counter
	parseErrors       prometheus.Counter
	flowsActive       prometheus.Gauge
	flowsExpired      prometheus.Counter
	flowsTotal        prometheus.Gauge // set from flowtable.Table's own monotonic counter
	alertsRaised      *prometheus.CounterVec
	featuresSunk      prometheus.Counter
	packetsEvaluated  prometheus.Gauge // set from rules.Engine's own monotonic counter
	ruleMatches       prometheus.Gauge
	alertsGenerated   prometheus.Gauge

	summaryInterval time.Duration
	server          *http.Server

	// lastSummary* track the previous logSummary call so packets/s and
	// Mbps (spec §9) are computed over the actual elapsed interval rather
	// than assumed to equal summaryInterval.
	lastSummaryAt      time.Time
	lastSummaryPackets uint64
	lastSummaryBytes   uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Task with its own Prometheus registry and gorilla/mux
// router bound to listenAddr (not yet serving — call Start).
func New(listenAddr string, summaryInterval time.Duration) *Task {
	t := &Task{
		registry:          prometheus.NewRegistry(),
		summaryInterval:   summaryInterval,
		packetsByProtocol: make(map[string]uint64),
		alertsBySeverity:  make(map[string]uint64),
		stopCh:            make(chan struct{}),
	}

	t.packetsDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nids", Name: "packets_decoded_total", Help: "Packets successfully decoded.",
	})
	t.packetsByProtoVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nids", Name: "packets_decoded_by_protocol_total", Help: "Packets successfully decoded, by protocol.",
	}, []string{"protocol"})
	t.bytesDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nids", Name: "bytes_decoded_total", Help: "Captured bytes of successfully decoded packets.",
	})
	t.parseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nids", Name: "parse_errors_total", Help: "Packets that failed to decode.",
	})
	t.flowsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nids", Name: "flows_active", Help: "Flows currently tracked in the flow table.",
	})
	t.flowsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nids", Name: "flows_expired_total", Help: "Flows removed by expiry or closure.",
	})
	t.flowsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nids", Name: "flows_total", Help: "Lifetime count of flows admitted into the flow table (total_connections).",
	})
	t.alertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nids", Name: "alerts_total", Help: "Alerts raised by the rule engine, by severity.",
	}, []string{"severity"})
	t.featuresSunk = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nids", Name: "features_sunk_total", Help: "Feature vectors published to sinks.",
	})
	t.packetsEvaluated = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nids", Name: "rule_packets_evaluated", Help: "Lifetime count of packets run through the rule engine.",
	})
	t.ruleMatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nids", Name: "rule_matches", Help: "Lifetime count of individual rule predicate matches.",
	})
	t.alertsGenerated = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nids", Name: "rule_alerts_generated", Help: "Lifetime count of alerts emitted by the rule engine.",
	})
	t.registry.MustRegister(
		t.packetsDecoded, t.packetsByProtoVec, t.bytesDecoded, t.parseErrors,
		t.flowsActive, t.flowsExpired, t.flowsTotal, t.alertsRaised, t.featuresSunk,
		t.packetsEvaluated, t.ruleMatches, t.alertsGenerated,
	)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/stats", t.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/healthz", t.handleHealthz).Methods(http.MethodGet)
	t.server = &http.Server{Addr: listenAddr, Handler: router}

	return t
}

// IncPacketsDecoded bumps the decoded-packet counter, its per-protocol
// breakdown, and the decoded-byte counter used for Mbps throughput.
func (t *Task) IncPacketsDecoded(protocol string, byteLen int) {
	atomic.AddUint64(&t.counters.PacketsDecoded, 1)
	atomic.AddUint64(&t.counters.BytesDecoded, uint64(byteLen))
	t.packetsDecoded.Inc()
	t.bytesDecoded.Add(float64(byteLen))
	t.packetsByProtoVec.WithLabelValues(protocol).Inc()

	t.labelMu.Lock()
	t.packetsByProtocol[protocol]++
	t.labelMu.Unlock()
}

// IncParseErrors bumps the parse-error counter.
func (t *Task) IncParseErrors() {
	atomic.AddUint64(&t.counters.ParseErrors, 1)
	t.parseErrors.Inc()
}

// SetFlowsActive sets the current flow-table size gauge.
func (t *Task) SetFlowsActive(n int) {
	atomic.StoreUint64(&t.counters.FlowsActive, uint64(n))
	t.flowsActive.Set(float64(n))
}

// IncFlowsExpired bumps the expired-flow counter by delta.
func (t *Task) IncFlowsExpired(delta int) {
	if delta <= 0 {
		return
	}
	atomic.AddUint64(&t.counters.FlowsExpired, uint64(delta))
	t.flowsExpired.Add(float64(delta))
}

// SetFlowsTotal mirrors flowtable.Table's own monotonic lifetime
// flow-creation counter (total_connections), read periodically rather
// than bumped per packet.
func (t *Task) SetFlowsTotal(total int64) {
	atomic.StoreUint64(&t.counters.FlowsTotal, uint64(total))
	t.flowsTotal.Set(float64(total))
}

// IncAlertsRaised bumps the alert counter and its per-severity breakdown.
func (t *Task) IncAlertsRaised(severity string) {
	atomic.AddUint64(&t.counters.AlertsRaised, 1)
	t.alertsRaised.WithLabelValues(severity).Inc()

	t.labelMu.Lock()
	t.alertsBySeverity[severity]++
	t.labelMu.Unlock()
}

// IncFeaturesSunk bumps the published-feature-vector counter.
func (t *Task) IncFeaturesSunk() {
	atomic.AddUint64(&t.counters.FeaturesSunk, 1)
	t.featuresSunk.Inc()
}

// SetRuleCounters mirrors rules.Engine's own monotonic evaluation
// counters (packets_evaluated, rule_matches, alerts_generated), read
// periodically rather than bumped from the hot loop.
func (t *Task) SetRuleCounters(packetsEvaluated, ruleMatches, alertsGenerated uint64) {
	atomic.StoreUint64(&t.counters.PacketsEvaluated, packetsEvaluated)
	atomic.StoreUint64(&t.counters.RuleMatches, ruleMatches)
	atomic.StoreUint64(&t.counters.AlertsGenerated, alertsGenerated)
	t.packetsEvaluated.Set(float64(packetsEvaluated))
	t.ruleMatches.Set(float64(ruleMatches))
	t.alertsGenerated.Set(float64(alertsGenerated))
}

// Snapshot returns a consistent-enough copy of the counters for logging.
func (t *Task) Snapshot() Counters {
	t.labelMu.Lock()
	byProto := make(map[string]uint64, len(t.packetsByProtocol))
	for k, v := range t.packetsByProtocol {
		byProto[k] = v
	}
	bySeverity := make(map[string]uint64, len(t.alertsBySeverity))
	for k, v := range t.alertsBySeverity {
		bySeverity[k] = v
	}
	t.labelMu.Unlock()

	return Counters{
		PacketsDecoded:    atomic.LoadUint64(&t.counters.PacketsDecoded),
		BytesDecoded:      atomic.LoadUint64(&t.counters.BytesDecoded),
		ParseErrors:       atomic.LoadUint64(&t.counters.ParseErrors),
		FlowsActive:       atomic.LoadUint64(&t.counters.FlowsActive),
		FlowsExpired:      atomic.LoadUint64(&t.counters.FlowsExpired),
		FlowsTotal:        atomic.LoadUint64(&t.counters.FlowsTotal),
		AlertsRaised:      atomic.LoadUint64(&t.counters.AlertsRaised),
		FeaturesSunk:      atomic.LoadUint64(&t.counters.FeaturesSunk),
		PacketsByProtocol: byProto,
		AlertsBySeverity:  bySeverity,
		PacketsEvaluated:  atomic.LoadUint64(&t.counters.PacketsEvaluated),
		RuleMatches:       atomic.LoadUint64(&t.counters.RuleMatches),
		AlertsGenerated:   atomic.LoadUint64(&t.counters.AlertsGenerated),
	}
}

func (t *Task) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t.Snapshot())
}

func (t *Task) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Start runs the HTTP server and the periodic summary-line logger in the
// background.
func (t *Task) Start() {
	t.lastSummaryAt = time.Now()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("stats: http server error: %v", err)
		}
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.summaryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.logSummary()
			case <-t.stopCh:
				return
			}
		}
	}()
}

// logSummary prints the periodic one-line statistics summary spec §9
// requires: packet counts per protocol, throughput (packets/s, Mbps),
// and alert counts per severity.
func (t *Task) logSummary() {
	c := t.Snapshot()

	now := time.Now()
	elapsed := now.Sub(t.lastSummaryAt).Seconds()
	var packetsPerSec, mbps float64
	if elapsed > 0 {
		packetsPerSec = float64(c.PacketsDecoded-t.lastSummaryPackets) / elapsed
		mbps = float64(c.BytesDecoded-t.lastSummaryBytes) * 8 / 1e6 / elapsed
	}
	t.lastSummaryAt = now
	t.lastSummaryPackets = c.PacketsDecoded
	t.lastSummaryBytes = c.BytesDecoded

	log.Printf("stats: packets=%d (%.1f pkt/s, %.2f Mbps) by_protocol=%v parse_errors=%d "+
		"flows_active=%d flows_expired=%d flows_total=%d alerts=%d by_severity=%v features_sunk=%d "+
		"rule_packets_evaluated=%d rule_matches=%d rule_alerts_generated=%d",
		c.PacketsDecoded, packetsPerSec, mbps, c.PacketsByProtocol, c.ParseErrors,
		c.FlowsActive, c.FlowsExpired, c.FlowsTotal, c.AlertsRaised, c.AlertsBySeverity, c.FeaturesSunk,
		c.PacketsEvaluated, c.RuleMatches, c.AlertsGenerated)
}

// Stop shuts down the HTTP server and the summary logger.
func (t *Task) Stop() {
	close(t.stopCh)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.server.Shutdown(ctx); err != nil {
		log.Printf("stats: error shutting down http server: %v", err)
	}
	t.wg.Wait()
}
