// Package config loads the YAML configuration file that wires together
// every ambient and domain component: capture source, flow table bounds,
// rule set, feature sinks, alert log/digest, and the stats HTTP endpoint.
// Grounded on the teacher's internal/config/config.go (same
// gopkg.in/yaml.v3 + os.ReadFile + yaml.Unmarshal loader shape).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CaptureConfig selects and configures the packet source (spec §6).
type CaptureConfig struct {
	Mode        string `yaml:"mode"` // "offline" or "live"
	PcapFile    string `yaml:"pcap_file"`
	Interface   string `yaml:"interface"`
	SnapshotLen int32  `yaml:"snapshot_len"`
	Promiscuous bool   `yaml:"promiscuous"`
}

// FlowTableConfig bounds the connection tracker (spec §4.2).
type FlowTableConfig struct {
	MaxConnections int    `yaml:"max_connections"`
	Timeout        string `yaml:"timeout"`
	ExpirySweep    string `yaml:"expiry_sweep_interval"`
}

// Duration parses Timeout, defaulting to 120s per spec §4.2's example.
func (c FlowTableConfig) Duration() (time.Duration, error) {
	if c.Timeout == "" {
		return 120 * time.Second, nil
	}
	return time.ParseDuration(c.Timeout)
}

// SweepInterval parses ExpirySweep, defaulting to 10s.
func (c FlowTableConfig) SweepInterval() (time.Duration, error) {
	if c.ExpirySweep == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(c.ExpirySweep)
}

// CSVSinkConfig writes feature vectors to a local file (spec §6).
type CSVSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// NATSSinkConfig publishes feature vectors as two-frame messages (spec §6).
type NATSSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Topic   string `yaml:"topic"`
}

// ClickHouseSinkConfig configures the sink that inserts feature vectors
// into ClickHouse.
type ClickHouseSinkConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SinkConfig groups every configured feature-vector destination.
type SinkConfig struct {
	CSV        CSVSinkConfig        `yaml:"csv"`
	NATS       NATSSinkConfig       `yaml:"nats"`
	ClickHouse ClickHouseSinkConfig `yaml:"clickhouse"`
}

// SMTPConfig is the digest notifier's mail transport, grounded on the
// teacher's internal/config SMTPConfig / internal/notification usage.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// AlertingConfig configures the JSONL alert log plus the consolidated
// SMTP digest (spec §9 supplemented feature).
type AlertingConfig struct {
	LogPath       string     `yaml:"log_path"`
	DigestEnabled bool       `yaml:"digest_enabled"`
	DigestPeriod  string     `yaml:"digest_period"`
	SMTP          SMTPConfig `yaml:"smtp"`
}

// Period parses DigestPeriod, defaulting to 5m.
func (c AlertingConfig) Period() (time.Duration, error) {
	if c.DigestPeriod == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(c.DigestPeriod)
}

// StatsConfig configures the background counters task and its HTTP
// endpoints (spec §9 supplemented feature).
type StatsConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	SummaryInterval string `yaml:"summary_interval"`
}

// Interval parses SummaryInterval, defaulting to 10s.
func (c StatsConfig) Interval() (time.Duration, error) {
	if c.SummaryInterval == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(c.SummaryInterval)
}

// Config is the top-level configuration struct for the whole program.
//
// Rules themselves are supplied programmatically, not persisted to disk
// (spec.md's Non-goals). RuleEnabledOverrides only flips which of the
// built-in rules (rules.DefaultRules) are active; RulesFile is an escape
// hatch for tests/operators who want a wholly custom rule set loaded
// from YAML instead of the built-in one, not the production default path.
type Config struct {
	Capture              CaptureConfig   `yaml:"capture"`
	FlowTable            FlowTableConfig `yaml:"flow_table"`
	RuleEnabledOverrides map[uint32]bool `yaml:"rule_enabled_overrides"`
	RulesFile            string          `yaml:"rules_file"`
	Sinks                SinkConfig      `yaml:"sinks"`
	Alerting             AlertingConfig  `yaml:"alerting"`
	Stats                StatsConfig     `yaml:"stats"`
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// RuleDef is the on-disk YAML shape for one signature rule (spec §4.4's
// schema), used only by the RulesFile escape hatch (see Config) and by
// tests — the production binary builds its rule set from
// rules.DefaultRules, not from disk.
type RuleDef struct {
	RuleID          uint32   `yaml:"rule_id"`
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Protocol        string   `yaml:"protocol"` // "tcp", "udp", or "any"
	SrcIP           string   `yaml:"src_ip"`
	DstIP           string   `yaml:"dst_ip"`
	SrcPorts        []uint16 `yaml:"src_ports"`
	DstPorts        []uint16 `yaml:"dst_ports"`
	TCPFlagsMask    []string `yaml:"tcp_flags_mask"`
	TCPFlagsValue   []string `yaml:"tcp_flags_value"`
	ContentPatterns []string `yaml:"content_patterns"`
	RegexPatterns   []string `yaml:"regex_patterns"`
	Severity        string   `yaml:"severity"`
	Action          string   `yaml:"action"`
	Enabled         bool     `yaml:"enabled"`
}

// RuleSetFile is the on-disk shape of the rules YAML file.
type RuleSetFile struct {
	Rules []RuleDef `yaml:"rules"`
}

// LoadRules reads and parses the rule-set YAML file at path. Only used
// when Config.RulesFile is explicitly set; the default rule supply is
// programmatic (see RuleDef).
func LoadRules(path string) (*RuleSetFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading rules file %s: %w", path, err)
	}
	var rs RuleSetFile
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("config: parsing rules file %s: %w", path, err)
	}
	return &rs, nil
}
