package rules

import (
	"fmt"
	"strings"

	"nidscore/internal/config"
	"nidscore/internal/model"
)

var flagBits = map[string]uint8{
	"FIN": model.FlagFIN,
	"SYN": model.FlagSYN,
	"RST": model.FlagRST,
	"PSH": model.FlagPSH,
	"ACK": model.FlagACK,
	"URG": model.FlagURG,
}

func parseFlagList(names []string) (uint8, error) {
	var mask uint8
	for _, n := range names {
		bit, ok := flagBits[strings.ToUpper(n)]
		if !ok {
			return 0, fmt.Errorf("unknown TCP flag %q", n)
		}
		mask |= bit
	}
	return mask, nil
}

func parseProtocol(s string) (ProtocolFilter, error) {
	switch strings.ToLower(s) {
	case "", "any":
		return ProtocolAny, nil
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	default:
		return ProtocolAny, fmt.Errorf("unknown protocol %q", s)
	}
}

// DefaultRules returns the built-in signature rule set: rules are
// supplied programmatically (spec.md's Non-goals explicitly excludes
// loading them from an on-disk format), mirroring
// hybrid_ids::RuleEngine::load_rules' six default rules one for one.
// cmd/nids wires this in directly; ApplyEnabledOverrides below lets an
// operator toggle which of these are Enabled from YAML, and
// FromDef/FromDefs (fed by config.RuleDef/LoadRules) replace the set with
// a custom one for tests or operators that want it.
func DefaultRules() []SignatureRule {
	return []SignatureRule{
		{
			RuleID:        1001,
			Name:          "SSH Scan Detection",
			Description:   "Multiple SSH connection attempts detected",
			Protocol:      ProtocolTCP,
			SrcIPFilter:   "any",
			DstIPFilter:   "any",
			DstPorts:      []uint16{22},
			TCPFlagsMask:  model.FlagSYN,
			TCPFlagsValue: model.FlagSYN,
			Severity:      model.SeverityMedium,
			Action:        ActionAlert,
			Enabled:       true,
		},
		{
			RuleID:          1002,
			Name:            "SQL Injection Attempt",
			Description:     "Possible SQL injection in HTTP request",
			Protocol:        ProtocolTCP,
			SrcIPFilter:     "any",
			DstIPFilter:     "any",
			DstPorts:        []uint16{80, 443, 8080},
			ContentPatterns: []string{"union select", "or 1=1", "' or '1'='1"},
			Severity:        model.SeverityHigh,
			Action:          ActionAlert,
			Enabled:         true,
		},
		{
			RuleID:        1003,
			Name:          "Port Scan Detection",
			Description:   "SYN packet to commonly scanned port",
			Protocol:      ProtocolTCP,
			SrcIPFilter:   "any",
			DstIPFilter:   "any",
			DstPorts:      []uint16{21, 22, 23, 25, 80, 443, 3389, 8080},
			TCPFlagsMask:  model.FlagSYN | model.FlagACK,
			TCPFlagsValue: model.FlagSYN,
			Severity:      model.SeverityMedium,
			Action:        ActionAlert,
			Enabled:       true,
		},
		{
			RuleID:          1004,
			Name:            "FTP Authentication Attempt",
			Description:     "FTP USER or PASS command detected",
			Protocol:        ProtocolTCP,
			SrcIPFilter:     "any",
			DstIPFilter:     "any",
			DstPorts:        []uint16{21},
			ContentPatterns: []string{"USER ", "PASS "},
			Severity:        model.SeverityLow,
			Action:          ActionAlert,
			Enabled:         true,
		},
		{
			RuleID:      1005,
			Name:        "DNS Query",
			Description: "DNS query packet detected",
			Protocol:    ProtocolUDP,
			SrcIPFilter: "any",
			DstIPFilter: "any",
			DstPorts:    []uint16{53},
			Severity:    model.SeverityLow,
			Action:      ActionLog,
			Enabled:     false, // too noisy by default
		},
		{
			RuleID:      1006,
			Name:        "Telnet Connection",
			Description: "Unencrypted Telnet connection detected",
			Protocol:    ProtocolTCP,
			SrcIPFilter: "any",
			DstIPFilter: "any",
			DstPorts:    []uint16{23},
			Severity:    model.SeverityMedium,
			Action:      ActionAlert,
			Enabled:     true,
		},
	}
}

// ApplyEnabledOverrides flips Enabled on rules named by rule_id in
// overrides, leaving every other field (and every rule not mentioned)
// untouched. Lets a YAML config toggle the built-in rule set without
// rules themselves living on disk.
func ApplyEnabledOverrides(defs []SignatureRule, overrides map[uint32]bool) []SignatureRule {
	if len(overrides) == 0 {
		return defs
	}
	out := make([]SignatureRule, len(defs))
	copy(out, defs)
	for i, r := range out {
		if enabled, ok := overrides[r.RuleID]; ok {
			out[i].Enabled = enabled
		}
	}
	return out
}

// FromDef converts the on-disk YAML rule shape into the engine's
// SignatureRule. Not used by the production binary's default rule
// supply (see DefaultRules) — kept for tests and for an operator who
// wants to supply a wholly custom rule set from a file instead of the
// built-in one.
func FromDef(def config.RuleDef) (SignatureRule, error) {
	proto, err := parseProtocol(def.Protocol)
	if err != nil {
		return SignatureRule{}, err
	}
	mask, err := parseFlagList(def.TCPFlagsMask)
	if err != nil {
		return SignatureRule{}, fmt.Errorf("tcp_flags_mask: %w", err)
	}
	value, err := parseFlagList(def.TCPFlagsValue)
	if err != nil {
		return SignatureRule{}, fmt.Errorf("tcp_flags_value: %w", err)
	}
	severity, err := model.ParseSeverity(def.Severity)
	if err != nil {
		return SignatureRule{}, err
	}

	action := Action(strings.ToLower(def.Action))
	switch action {
	case ActionAlert, ActionLog, ActionDrop:
	default:
		return SignatureRule{}, fmt.Errorf("unknown action %q", def.Action)
	}

	srcIP, dstIP := def.SrcIP, def.DstIP
	if srcIP == "" {
		srcIP = "any"
	}
	if dstIP == "" {
		dstIP = "any"
	}

	return SignatureRule{
		RuleID:          def.RuleID,
		Name:            def.Name,
		Description:     def.Description,
		Protocol:        proto,
		SrcIPFilter:     srcIP,
		DstIPFilter:     dstIP,
		SrcPorts:        def.SrcPorts,
		DstPorts:        def.DstPorts,
		TCPFlagsMask:    mask,
		TCPFlagsValue:   value,
		ContentPatterns: def.ContentPatterns,
		RegexPatterns:   def.RegexPatterns,
		Severity:        severity,
		Action:          action,
		Enabled:         def.Enabled,
	}, nil
}

// FromDefs converts every rule in a RuleSetFile, in file order. Like
// FromDef, this is a convenience/test path, not the production default.
func FromDefs(file *config.RuleSetFile) ([]SignatureRule, error) {
	out := make([]SignatureRule, 0, len(file.Rules))
	for _, def := range file.Rules {
		r, err := FromDef(def)
		if err != nil {
			return nil, fmt.Errorf("rule_id %d: %w", def.RuleID, err)
		}
		out = append(out, r)
	}
	return out, nil
}
