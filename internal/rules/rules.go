// Package rules implements the signature-based detection engine described
// in spec §4.4: a declarative, short-circuit predicate bundle per rule,
// pre-indexed by (protocol, dst_port) so the hot path avoids a linear scan
// over the whole rule set (spec §4.4 "Indexing" / §9 redesign note).
package rules

import (
	"bytes"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"nidscore/internal/model"
)

// maxPayloadScan is the match-time payload cap (spec §4.4): content and
// regex matching never examine more than this many bytes. The decoder
// itself does not cap the payload.
const maxPayloadScan = 1024

// ProtocolFilter is a rule's required IP protocol, or "any".
type ProtocolFilter uint8

const (
	ProtocolAny ProtocolFilter = iota
	ProtocolTCP
	ProtocolUDP
)

// Action is what the engine should logically do on a match. Only "alert"
// currently produces an Alert value; "log"/"drop" are accepted schema
// values a caller's orchestrator can branch on (spec §4.4 rule schema).
type Action string

const (
	ActionAlert Action = "alert"
	ActionLog   Action = "log"
	ActionDrop  Action = "drop"
)

// SignatureRule is the declarative predicate bundle spec §4.4 defines.
// Once loaded into an Engine it is never mutated structurally — only its
// Enabled flag flips, via Engine.SetEnabled.
type SignatureRule struct {
	RuleID          uint32
	Name            string
	Description     string
	Protocol        ProtocolFilter
	SrcIPFilter     string // dotted quad, or "any"
	DstIPFilter     string
	SrcPorts        []uint16 // empty means "any"
	DstPorts        []uint16
	TCPFlagsMask    uint8
	TCPFlagsValue   uint8
	ContentPatterns []string // case-insensitive literal substrings
	RegexPatterns   []string // case-insensitive regular expressions
	Severity        model.Severity
	Action          Action
	Enabled         bool
}

type compiledRule struct {
	rule SignatureRule

	srcIPAny bool
	srcIP    uint32
	dstIPAny bool
	dstIP    uint32

	srcPortSet map[uint16]struct{}
	dstPortSet map[uint16]struct{}

	contentTrie     *ahocorasick.Trie
	hasContent      bool
	regexes         []*regexp.Regexp
	hasRegex        bool

	enabled atomic.Bool
	index   int // insertion order, used to keep candidate merges deterministic
}

type indexKey struct {
	proto   uint8 // 0 means "any protocol" bucket
	port    uint16
	anyPort bool
}

// Engine evaluates packets against a loaded, fixed rule set (spec §4.4).
type Engine struct {
	rules    []*compiledRule
	byID     map[uint32]*compiledRule
	byBucket map[indexKey][]int // bucket -> ascending indices into rules

	nextAlertID uint64 // atomic, ascending across the engine's lifetime

	// Read-only evaluation counters mirroring hybrid_ids::RuleEngine's
	// private packets_evaluated_/alerts_generated_/rule_matches_ fields,
	// surfaced for the statistics task. All atomic.
	packetsEvaluated uint64
	ruleMatches      uint64
	alertsGenerated  uint64

	regexMu    sync.Mutex
	regexCache map[string]*regexp.Regexp
}

// NewEngine compiles a fixed rule set. Rules are evaluated, per packet, in
// the order they appear here (spec §4.4 short-circuit matching order and
// §9's ordering-preservation redesign note).
func NewEngine(defs []SignatureRule) (*Engine, error) {
	e := &Engine{
		byID:       make(map[uint32]*compiledRule, len(defs)),
		byBucket:   make(map[indexKey][]int),
		regexCache: make(map[string]*regexp.Regexp),
	}

	for i, def := range defs {
		cr, err := e.compile(def, i)
		if err != nil {
			return nil, fmt.Errorf("rules: compiling rule_id %d: %w", def.RuleID, err)
		}
		if _, dup := e.byID[def.RuleID]; dup {
			return nil, fmt.Errorf("rules: duplicate rule_id %d", def.RuleID)
		}
		e.rules = append(e.rules, cr)
		e.byID[def.RuleID] = cr
		e.index(cr)
	}
	return e, nil
}

// Rules returns every loaded rule's definition, in load order, along with
// its current enabled state. Intended for inspection (e.g. a CLI "rules
// list" subcommand), not the hot path.
func (e *Engine) Rules() []SignatureRule {
	out := make([]SignatureRule, len(e.rules))
	for i, cr := range e.rules {
		r := cr.rule
		r.Enabled = cr.enabled.Load()
		out[i] = r
	}
	return out
}

func (e *Engine) compile(def SignatureRule, idx int) (*compiledRule, error) {
	cr := &compiledRule{rule: def, index: idx}
	cr.enabled.Store(def.Enabled)

	var err error
	cr.srcIPAny, cr.srcIP, err = parseIPFilter(def.SrcIPFilter)
	if err != nil {
		return nil, fmt.Errorf("src_ip_filter: %w", err)
	}
	cr.dstIPAny, cr.dstIP, err = parseIPFilter(def.DstIPFilter)
	if err != nil {
		return nil, fmt.Errorf("dst_ip_filter: %w", err)
	}

	if len(def.SrcPorts) > 0 {
		cr.srcPortSet = make(map[uint16]struct{}, len(def.SrcPorts))
		for _, p := range def.SrcPorts {
			cr.srcPortSet[p] = struct{}{}
		}
	}
	if len(def.DstPorts) > 0 {
		cr.dstPortSet = make(map[uint16]struct{}, len(def.DstPorts))
		for _, p := range def.DstPorts {
			cr.dstPortSet[p] = struct{}{}
		}
	}

	if len(def.ContentPatterns) > 0 {
		lowered := make([]string, len(def.ContentPatterns))
		for i, p := range def.ContentPatterns {
			lowered[i] = strings.ToLower(p)
		}
		cr.contentTrie = ahocorasick.NewTrieBuilder().AddStrings(lowered).Build()
		cr.hasContent = true
	}

	for _, pattern := range def.RegexPatterns {
		re := e.compileRegexCached(pattern)
		if re == nil {
			continue // compilation failures are skipped silently, spec §4.4
		}
		cr.regexes = append(cr.regexes, re)
	}
	cr.hasRegex = len(def.RegexPatterns) > 0

	return cr, nil
}

// compileRegexCached compiles pattern once per source string and caches
// the result (or the failure) across the engine's lifetime, per spec
// §4.4's "compiled once and cached by their source string" requirement.
func (e *Engine) compileRegexCached(pattern string) *regexp.Regexp {
	e.regexMu.Lock()
	defer e.regexMu.Unlock()
	if re, ok := e.regexCache[pattern]; ok {
		return re
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		e.regexCache[pattern] = nil
		return nil
	}
	e.regexCache[pattern] = re
	return re
}

func parseIPFilter(s string) (isAny bool, ip uint32, err error) {
	if s == "" || strings.EqualFold(s, "any") {
		return true, 0, nil
	}
	parsed := net.ParseIP(s)
	v4 := parsed.To4()
	if v4 == nil {
		return false, 0, fmt.Errorf("not a valid IPv4 dotted quad: %q", s)
	}
	return false, uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), nil
}

// index registers a compiled rule into every bucket a packet could match
// it from: its (protocol, dst_port) combination, with "any" wildcards
// expanding to the corresponding wildcard bucket.
func (e *Engine) index(cr *compiledRule) {
	protos := []uint8{0}
	switch cr.rule.Protocol {
	case ProtocolTCP:
		protos = []uint8{model.ProtoTCP}
	case ProtocolUDP:
		protos = []uint8{model.ProtoUDP}
	}

	var keys []indexKey
	if len(cr.dstPortSet) == 0 {
		for _, p := range protos {
			keys = append(keys, indexKey{proto: p, anyPort: true})
		}
	} else {
		for port := range cr.dstPortSet {
			for _, p := range protos {
				keys = append(keys, indexKey{proto: p, port: port})
			}
		}
	}
	for _, k := range keys {
		e.byBucket[k] = append(e.byBucket[k], cr.index)
	}
}

// SetEnabled flips a loaded rule's enabled flag in place, per spec §4.4
// ("enabled in place; never mutated structurally after load"). Returns
// false if no rule with that id is loaded.
func (e *Engine) SetEnabled(ruleID uint32, enabled bool) bool {
	cr, ok := e.byID[ruleID]
	if !ok {
		return false
	}
	cr.enabled.Store(enabled)
	return true
}

// candidates gathers every compiled-rule index that could possibly match
// the packet's (protocol, dst_port), deduplicated and sorted by original
// insertion order so evaluation order matches the full-scan semantics
// (spec §4.4 "observable semantics are unchanged").
func (e *Engine) candidates(proto uint8, dstPort uint16) []int {
	seen := make(map[int]struct{})
	var out []int
	add := func(key indexKey) {
		for _, idx := range e.byBucket[key] {
			if _, dup := seen[idx]; dup {
				continue
			}
			seen[idx] = struct{}{}
			out = append(out, idx)
		}
	}
	add(indexKey{proto: proto, port: dstPort})
	add(indexKey{proto: proto, anyPort: true})
	add(indexKey{proto: 0, port: dstPort})
	add(indexKey{proto: 0, anyPort: true})
	sort.Ints(out)
	return out
}

// Evaluate runs pkt against every candidate rule in insertion order,
// short-circuiting per spec §4.4's matching order, and returns one Alert
// per rule whose predicates all hold and whose action is "alert".
func (e *Engine) Evaluate(pkt *model.ParsedPacket) []model.Alert {
	atomic.AddUint64(&e.packetsEvaluated, 1)

	var dstPort uint16
	if pkt.HasTCP {
		dstPort = pkt.TCP.DstPort
	} else if pkt.HasUDP {
		dstPort = pkt.UDP.DstPort
	}

	var alerts []model.Alert
	for _, idx := range e.candidates(pkt.IP.Protocol, dstPort) {
		cr := e.rules[idx]
		if !cr.enabled.Load() {
			continue
		}
		matchedContent, matched := e.matches(cr, pkt)
		if !matched {
			continue
		}
		atomic.AddUint64(&e.ruleMatches, 1)
		if cr.rule.Action != ActionAlert {
			continue
		}
		alerts = append(alerts, e.buildAlert(cr, pkt, matchedContent))
	}
	if len(alerts) > 0 {
		atomic.AddUint64(&e.alertsGenerated, uint64(len(alerts)))
	}
	return alerts
}

// Counters returns a snapshot of the engine's lifetime evaluation
// counters: packets run through Evaluate, rule predicate matches
// (regardless of action), and alerts actually emitted. Read-only,
// intended for the statistics task (SPEC_FULL.md's rule-engine
// counters, mirroring hybrid_ids::RuleEngine's private fields).
func (e *Engine) Counters() (packetsEvaluated, ruleMatches, alertsGenerated uint64) {
	return atomic.LoadUint64(&e.packetsEvaluated),
		atomic.LoadUint64(&e.ruleMatches),
		atomic.LoadUint64(&e.alertsGenerated)
}

func (e *Engine) matches(cr *compiledRule, pkt *model.ParsedPacket) (matchedContent string, ok bool) {
	switch cr.rule.Protocol {
	case ProtocolTCP:
		if pkt.IP.Protocol != model.ProtoTCP {
			return "", false
		}
	case ProtocolUDP:
		if pkt.IP.Protocol != model.ProtoUDP {
			return "", false
		}
	}

	if !cr.srcIPAny && pkt.IP.SrcIP != cr.srcIP {
		return "", false
	}
	if !cr.dstIPAny && pkt.IP.DstIP != cr.dstIP {
		return "", false
	}

	srcPort, dstPort := portsOf(pkt)
	if cr.srcPortSet != nil {
		if _, ok := cr.srcPortSet[srcPort]; !ok {
			return "", false
		}
	}
	if cr.dstPortSet != nil {
		if _, ok := cr.dstPortSet[dstPort]; !ok {
			return "", false
		}
	}

	if cr.rule.TCPFlagsMask != 0 {
		if !pkt.HasTCP {
			return "", false
		}
		if pkt.TCP.Flags&cr.rule.TCPFlagsMask != cr.rule.TCPFlagsValue {
			return "", false
		}
	}

	payload := pkt.Payload
	if len(payload) > maxPayloadScan {
		payload = payload[:maxPayloadScan]
	}

	if cr.hasContent {
		lowered := bytes.ToLower(payload)
		found := cr.contentTrie.Match(lowered)
		if len(found) == 0 {
			return "", false
		}
		present := make(map[string]struct{}, len(found))
		for _, m := range found {
			present[m.MatchString()] = struct{}{}
		}
		// Report the first pattern by the rule's declared order, not by
		// where it happens to occur in the payload.
		for _, pattern := range cr.rule.ContentPatterns {
			if _, ok := present[strings.ToLower(pattern)]; ok {
				matchedContent = strings.ToLower(pattern)
				break
			}
		}
	}

	if cr.hasRegex {
		anyRegexMatched := false
		for _, re := range cr.regexes {
			if re.Match(payload) {
				anyRegexMatched = true
				break
			}
		}
		if !anyRegexMatched {
			return "", false
		}
	}

	return matchedContent, true
}

func portsOf(pkt *model.ParsedPacket) (src, dst uint16) {
	if pkt.HasTCP {
		return pkt.TCP.SrcPort, pkt.TCP.DstPort
	}
	if pkt.HasUDP {
		return pkt.UDP.SrcPort, pkt.UDP.DstPort
	}
	return 0, 0
}

func (e *Engine) buildAlert(cr *compiledRule, pkt *model.ParsedPacket, matchedContent string) model.Alert {
	srcPort, dstPort := portsOf(pkt)
	id := atomic.AddUint64(&e.nextAlertID, 1)
	return model.Alert{
		AlertID:        id,
		Timestamp:      pkt.Timestamp,
		RuleID:         cr.rule.RuleID,
		RuleName:       cr.rule.Name,
		Severity:       cr.rule.Severity,
		SrcIP:          model.IPString(pkt.IP.SrcIP),
		SrcPort:        srcPort,
		DstIP:          model.IPString(pkt.IP.DstIP),
		DstPort:        dstPort,
		Protocol:       pkt.ProtocolName(),
		Description:    cr.rule.Description,
		MatchedContent: matchedContent,
	}
}
