package main

import (
	"fmt"

	"nidscore/internal/alerting"
	"nidscore/internal/capture"
	"nidscore/internal/config"
	"nidscore/internal/decoder"
	"nidscore/internal/flowtable"
	"nidscore/internal/orchestrator"
	"nidscore/internal/rules"
	"nidscore/internal/sink"
	"nidscore/internal/stats"
)

// pipeline bundles every long-lived component built from one config file,
// so replay/live commands can assemble, run, and tear one down uniformly.
type pipeline struct {
	cfg   *config.Config
	orc   *orchestrator.Orchestrator
	sink  sink.Sink
	alert *alerting.Logger
	dig   *alerting.Digest
	stat  *stats.Task
}

// buildRuleEngine builds the engine's rule set. Rules are supplied
// programmatically via rules.DefaultRules (spec.md's Non-goals excludes
// on-disk rule persistence); cfg.RuleEnabledOverrides only toggles which
// of those are active. cfg.RulesFile is an escape hatch that replaces
// the built-in set entirely with a custom YAML rule file, for operators
// or tests that need one.
func buildRuleEngine(cfg *config.Config) (*rules.Engine, error) {
	defs := rules.DefaultRules()
	if cfg.RulesFile != "" {
		ruleSet, err := config.LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		defs, err = rules.FromDefs(ruleSet)
		if err != nil {
			return nil, err
		}
	} else {
		defs = rules.ApplyEnabledOverrides(defs, cfg.RuleEnabledOverrides)
	}
	return rules.NewEngine(defs)
}

func buildPipeline(cfg *config.Config, src capture.Source) (*pipeline, error) {
	flowTimeout, err := cfg.FlowTable.Duration()
	if err != nil {
		return nil, fmt.Errorf("parsing flow_table.timeout: %w", err)
	}
	sweepInterval, err := cfg.FlowTable.SweepInterval()
	if err != nil {
		return nil, fmt.Errorf("parsing flow_table.expiry_sweep_interval: %w", err)
	}
	maxConns := cfg.FlowTable.MaxConnections
	if maxConns <= 0 {
		maxConns = 100000
	}
	table := flowtable.New(maxConns, flowTimeout)

	engine, err := buildRuleEngine(cfg)
	if err != nil {
		return nil, err
	}

	var sinks []sink.Sink
	if cfg.Sinks.CSV.Enabled {
		s, err := sink.NewCSVSink(cfg.Sinks.CSV.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Sinks.NATS.Enabled {
		s, err := sink.NewNATSSink(cfg.Sinks.NATS.URL, cfg.Sinks.NATS.Topic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Sinks.ClickHouse.Enabled {
		s, err := sink.NewClickHouseSink(cfg.Sinks.ClickHouse)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	multiSink := sink.NewMulti(sinks...)

	var alertLogger *alerting.Logger
	if cfg.Alerting.LogPath != "" {
		alertLogger, err = alerting.NewLogger(cfg.Alerting.LogPath)
		if err != nil {
			return nil, err
		}
	}

	var digest *alerting.Digest
	if cfg.Alerting.DigestEnabled {
		period, err := cfg.Alerting.Period()
		if err != nil {
			return nil, fmt.Errorf("parsing alerting.digest_period: %w", err)
		}
		digest = alerting.NewDigest(alerting.SMTPConfig{
			Host:     cfg.Alerting.SMTP.Host,
			Port:     cfg.Alerting.SMTP.Port,
			Username: cfg.Alerting.SMTP.Username,
			Password: cfg.Alerting.SMTP.Password,
			From:     cfg.Alerting.SMTP.From,
			To:       cfg.Alerting.SMTP.To,
		}, period)
		digest.Start()
	}

	var statsTask *stats.Task
	if cfg.Stats.ListenAddr != "" {
		summaryInterval, err := cfg.Stats.Interval()
		if err != nil {
			return nil, fmt.Errorf("parsing stats.summary_interval: %w", err)
		}
		statsTask = stats.New(cfg.Stats.ListenAddr, summaryInterval)
		statsTask.Start()
	}

	orc := orchestrator.New(orchestrator.Options{
		Source:        src,
		Decoder:       decoder.New(),
		FlowTable:     table,
		Rules:         engine,
		Sink:          multiSink,
		Alerts:        alertLogger,
		Digest:        digest,
		Stats:         statsTask,
		ExpirySweep:   sweepInterval,
		FeatureEveryN: 1,
	})

	return &pipeline{cfg: cfg, orc: orc, sink: multiSink, alert: alertLogger, dig: digest, stat: statsTask}, nil
}

// Close tears down every component the pipeline started, collecting (not
// short-circuiting on) the first error.
func (p *pipeline) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.dig != nil {
		p.dig.Stop()
	}
	if p.stat != nil {
		p.stat.Stop()
	}
	if p.sink != nil {
		record(p.sink.Close())
	}
	if p.alert != nil {
		record(p.alert.Close())
	}
	return firstErr
}
