// Package orchestrator wires capture -> decode -> flow table -> feature
// extraction -> rule evaluation -> sinks/alerts into the single-producer,
// single-consumer cooperative hot loop spec §5 mandates: no worker pool
// on this path, a polled stop flag instead of a hard cancellation.
// Grounded on the teacher's internal/engine/manager/manager.go Start/Stop
// lifecycle shape and cmd/ns-engine/main.go's signal handling, simplified
// down from the teacher's channel-fed worker pool to match spec §5.
package orchestrator

import (
	"errors"
	"io"
	"log"
	"sync/atomic"
	"time"

	"nidscore/internal/alerting"
	"nidscore/internal/capture"
	"nidscore/internal/decoder"
	"nidscore/internal/features"
	"nidscore/internal/flowtable"
	"nidscore/internal/rules"
	"nidscore/internal/sink"
	"nidscore/internal/stats"
)

// Options bundles every collaborator the hot loop needs. Source, Decoder,
// FlowTable and Rules are required; Sink, Alerts, Digest and Stats may be
// nil.
type Options struct {
	Source        capture.Source
	Decoder       *decoder.Decoder
	FlowTable     *flowtable.Table
	Rules         *rules.Engine
	Sink          sink.Sink
	Alerts        *alerting.Logger
	Digest        *alerting.Digest // optional
	Stats         *stats.Task
	ExpirySweep   time.Duration
	FeatureEveryN uint64 // on every Nth decoded packet (counted across all flows), publish that packet's flow vector; 0 disables periodic publish
}

// Orchestrator runs the hot loop described in spec §5.
type Orchestrator struct {
	opts Options

	stopped   atomic.Bool
	packetSeq uint64
}

// New builds an Orchestrator from opts.
func New(opts Options) *Orchestrator {
	return &Orchestrator{opts: opts}
}

// Run processes packets from the source until it is exhausted, Stop is
// called, or the source returns an unrecoverable error. It is the only
// goroutine that touches the flow table, decoder, or rule engine's hot
// path — readers (stats, sinks) only ever see copy-on-read snapshots.
func (o *Orchestrator) Run() error {
	lastSweep := time.Now()
	sweepEvery := o.opts.ExpirySweep
	if sweepEvery <= 0 {
		sweepEvery = 10 * time.Second
	}

	for {
		if o.stopped.Load() {
			return nil
		}

		data, capLen, ts, err := o.opts.Source.Next()
		if err != nil {
			if errors.Is(err, errSourceExhausted) || errors.Is(err, io.EOF) {
				return nil
			}
			// A live capture erroring mid-stream (e.g. interface down) is
			// fatal to the loop; an offline replay hitting EOF is caught
			// above and treated as a normal, clean end of run.
			return err
		}

		pkt, err := o.opts.Decoder.Decode(data, capLen, ts.UnixNano())
		if err != nil {
			if o.opts.Stats != nil {
				o.opts.Stats.IncParseErrors()
			}
			continue
		}
		if o.opts.Stats != nil {
			o.opts.Stats.IncPacketsDecoded(pkt.ProtocolName(), capLen)
		}

		o.opts.FlowTable.Update(pkt)

		if now := ts; now.Sub(lastSweep) >= sweepEvery {
			removed := o.opts.FlowTable.ExpireOld(now)
			if o.opts.Stats != nil {
				o.opts.Stats.IncFlowsExpired(removed)
				o.opts.Stats.SetFlowsActive(o.opts.FlowTable.Size())
				created, _ := o.opts.FlowTable.Totals()
				o.opts.Stats.SetFlowsTotal(created)
				packetsEvaluated, ruleMatches, alertsGenerated := o.opts.Rules.Counters()
				o.opts.Stats.SetRuleCounters(packetsEvaluated, ruleMatches, alertsGenerated)
			}
			lastSweep = now
		}

		o.packetSeq++
		if o.opts.FeatureEveryN > 0 && o.packetSeq%o.opts.FeatureEveryN == 0 {
			if flow, ok := o.opts.FlowTable.Get(pkt); ok {
				fv := features.Extract(flow)
				if o.opts.Sink != nil {
					if err := o.opts.Sink.Publish(fv); err != nil {
						log.Printf("orchestrator: failed to publish feature vector: %v", err)
					} else if o.opts.Stats != nil {
						o.opts.Stats.IncFeaturesSunk()
					}
				}
			}
		}

		for _, alert := range o.opts.Rules.Evaluate(pkt) {
			if o.opts.Stats != nil {
				o.opts.Stats.IncAlertsRaised(alert.Severity.Lower())
			}
			if o.opts.Alerts != nil {
				if err := o.opts.Alerts.Write(alert); err != nil {
					log.Printf("orchestrator: failed to write alert log: %v", err)
				}
			}
			if o.opts.Digest != nil {
				o.opts.Digest.Record(alert)
			}
		}
	}
}

// errSourceExhausted lets a Source signal a clean stop without using
// io.EOF, which capture.OfflineSource's gopacket layer already owns.
var errSourceExhausted = errors.New("orchestrator: source exhausted")

// Stop requests the hot loop exit after its current packet. It does not
// block; callers that need to know the loop has actually exited should
// wait on whatever Run() is running in (e.g. join the goroutine running it).
func (o *Orchestrator) Stop() {
	o.stopped.Store(true)
}
