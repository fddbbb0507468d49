// Package features projects a flow table entry into the fixed 76-column
// CIC-IDS-2017-style feature vector described in spec §4.3/§6 (spec.md's
// prose rounds this to "78 columns"; its own column list enumerates 76 —
// Header below follows the enumerated list). Extract is a pure function
// of *flowtable.FlowStats: equal inputs yield byte-equal CSV and JSON
// output (spec §8 testable property 7).
package features

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"nidscore/internal/flowtable"
)

// Header is the CSV header row, column order identical to spec §6 and to
// FeatureVector's field order below — this exact ordering is the wire
// contract with downstream consumers.
const Header = "duration,total_fwd_packets,total_bwd_packets,total_fwd_bytes,total_bwd_bytes," +
	"fwd_pkt_len_max,fwd_pkt_len_min,fwd_pkt_len_mean,fwd_pkt_len_std," +
	"bwd_pkt_len_max,bwd_pkt_len_min,bwd_pkt_len_mean,bwd_pkt_len_std," +
	"flow_bytes_per_sec,flow_packets_per_sec,flow_iat_mean,flow_iat_std,flow_iat_max,flow_iat_min," +
	"fwd_iat_total,fwd_iat_mean,fwd_iat_std,fwd_iat_max,fwd_iat_min," +
	"bwd_iat_total,bwd_iat_mean,bwd_iat_std,bwd_iat_max,bwd_iat_min," +
	"fwd_psh_flags,bwd_psh_flags,fwd_urg_flags,bwd_urg_flags," +
	"fwd_header_len,bwd_header_len,fwd_packets_per_sec,bwd_packets_per_sec," +
	"pkt_len_min,pkt_len_max,pkt_len_mean,pkt_len_std,pkt_len_variance," +
	"fin_flag_count,syn_flag_count,rst_flag_count,psh_flag_count,ack_flag_count,urg_flag_count,cwe_flag_count,ece_flag_count," +
	"down_up_ratio,avg_packet_size,avg_fwd_segment_size,avg_bwd_segment_size," +
	"fwd_bulk_rate_avg,fwd_bulk_size_avg,fwd_bulk_packets_avg,bwd_bulk_rate_avg,bwd_bulk_size_avg,bwd_bulk_packets_avg," +
	"subflow_fwd_packets,subflow_fwd_bytes,subflow_bwd_packets,subflow_bwd_bytes," +
	"init_fwd_win_bytes,init_bwd_win_bytes,act_data_pkt_fwd,min_seg_size_fwd," +
	"active_mean,active_std,active_max,active_min," +
	"idle_mean,idle_std,idle_max,idle_min"

// FeatureVector is the 76-field projection. Field order matches Header
// exactly; CSVRow and JSON both derive from this single order.
type FeatureVector struct {
	Duration         float64
	TotalFwdPackets  float64
	TotalBwdPackets  float64
	TotalFwdBytes    float64
	TotalBwdBytes    float64
	FwdPktLenMax     float64
	FwdPktLenMin     float64
	FwdPktLenMean    float64
	FwdPktLenStd     float64
	BwdPktLenMax     float64
	BwdPktLenMin     float64
	BwdPktLenMean    float64
	BwdPktLenStd     float64
	FlowBytesPerSec  float64
	FlowPacketsPerSec float64
	FlowIATMean      float64
	FlowIATStd       float64
	FlowIATMax       float64
	FlowIATMin       float64
	FwdIATTotal      float64
	FwdIATMean       float64
	FwdIATStd        float64
	FwdIATMax        float64
	FwdIATMin        float64
	BwdIATTotal      float64
	BwdIATMean       float64
	BwdIATStd        float64
	BwdIATMax        float64
	BwdIATMin        float64
	FwdPshFlags      float64
	BwdPshFlags      float64
	FwdUrgFlags      float64
	BwdUrgFlags      float64
	FwdHeaderLen     float64
	BwdHeaderLen     float64
	FwdPacketsPerSec float64
	BwdPacketsPerSec float64
	PktLenMin        float64
	PktLenMax        float64
	PktLenMean       float64
	PktLenStd        float64
	PktLenVariance   float64
	FinFlagCount     float64
	SynFlagCount     float64
	RstFlagCount     float64
	PshFlagCount     float64
	AckFlagCount     float64
	UrgFlagCount     float64
	CweFlagCount     float64
	EceFlagCount     float64
	DownUpRatio      float64
	AvgPacketSize    float64
	AvgFwdSegmentSize float64
	AvgBwdSegmentSize float64
	FwdBulkRateAvg   float64
	FwdBulkSizeAvg   float64
	FwdBulkPacketsAvg float64
	BwdBulkRateAvg   float64
	BwdBulkSizeAvg   float64
	BwdBulkPacketsAvg float64
	SubflowFwdPackets float64
	SubflowFwdBytes  float64
	SubflowBwdPackets float64
	SubflowBwdBytes  float64
	InitFwdWinBytes  float64
	InitBwdWinBytes  float64
	ActDataPktFwd    float64
	MinSegSizeFwd    float64
	ActiveMean       float64
	ActiveStd        float64
	ActiveMax        float64
	ActiveMin        float64
	IdleMean         float64
	IdleStd          float64
	IdleMax          float64
	IdleMin          float64
}

// Extract projects a flow's accumulated statistics into a FeatureVector,
// per spec §4.3's formulas. It reads only its argument and package
// constants, so it is safe to call concurrently on distinct flows and is
// deterministic for a given *flowtable.FlowStats value (spec §8 property 7).
func Extract(f *flowtable.FlowStats) FeatureVector {
	duration := f.Duration()

	var fv FeatureVector
	fv.Duration = duration
	fv.TotalFwdPackets = float64(f.FwdPackets)
	fv.TotalBwdPackets = float64(f.BwdPackets)
	fv.TotalFwdBytes = float64(f.FwdBytes)
	fv.TotalBwdBytes = float64(f.BwdBytes)

	fv.FwdPktLenMax = f.FwdLen.Max()
	fv.FwdPktLenMin = f.FwdLen.Min()
	fv.FwdPktLenMean = f.FwdLen.Mean()
	fv.FwdPktLenStd = f.FwdLen.PopStdDev()

	fv.BwdPktLenMax = f.BwdLen.Max()
	fv.BwdPktLenMin = f.BwdLen.Min()
	fv.BwdPktLenMean = f.BwdLen.Mean()
	fv.BwdPktLenStd = f.BwdLen.PopStdDev()

	if duration > 0 {
		fv.FlowBytesPerSec = float64(f.FwdBytes+f.BwdBytes) / duration
		fv.FlowPacketsPerSec = float64(f.FwdPackets+f.BwdPackets) / duration
		fv.FwdPacketsPerSec = float64(f.FwdPackets) / duration
		fv.BwdPacketsPerSec = float64(f.BwdPackets) / duration
	}

	fv.FlowIATMean = f.FlowIAT.Mean()
	fv.FlowIATStd = f.FlowIAT.PopStdDev()
	fv.FlowIATMax = f.FlowIAT.Max()
	fv.FlowIATMin = f.FlowIAT.Min()

	fv.FwdIATTotal = f.FwdIAT.Total()
	fv.FwdIATMean = f.FwdIAT.Mean()
	fv.FwdIATStd = f.FwdIAT.PopStdDev()
	fv.FwdIATMax = f.FwdIAT.Max()
	fv.FwdIATMin = f.FwdIAT.Min()

	fv.BwdIATTotal = f.BwdIAT.Total()
	fv.BwdIATMean = f.BwdIAT.Mean()
	fv.BwdIATStd = f.BwdIAT.PopStdDev()
	fv.BwdIATMax = f.BwdIAT.Max()
	fv.BwdIATMin = f.BwdIAT.Min()

	fv.FwdPshFlags = float64(f.FwdPshCount)
	fv.BwdPshFlags = float64(f.BwdPshCount)
	fv.FwdUrgFlags = float64(f.FwdUrgCount)
	fv.BwdUrgFlags = float64(f.BwdUrgCount)

	fv.FwdHeaderLen = float64(f.FwdHeaderBytes)
	fv.BwdHeaderLen = float64(f.BwdHeaderBytes)

	allLen := flowtable.Merge(f.FwdLen, f.BwdLen)
	fv.PktLenMin = allLen.Min()
	fv.PktLenMax = allLen.Max()
	fv.PktLenMean = allLen.Mean()
	fv.PktLenStd = allLen.PopStdDev()
	fv.PktLenVariance = allLen.PopVariance()

	fv.FinFlagCount = float64(f.FinCount)
	fv.SynFlagCount = float64(f.SynCount)
	fv.RstFlagCount = float64(f.RstCount)
	fv.PshFlagCount = float64(f.PshCount)
	fv.AckFlagCount = float64(f.AckCount)
	fv.UrgFlagCount = float64(f.UrgCount)
	// CWE/ECE are not decoded by this capture path (spec §4.1 does not
	// expose them); the columns are carried for schema compatibility and
	// always report 0.
	fv.CweFlagCount = 0
	fv.EceFlagCount = 0

	if f.FwdBytes > 0 {
		fv.DownUpRatio = float64(f.BwdBytes) / float64(f.FwdBytes)
	}

	totalPackets := f.FwdPackets + f.BwdPackets
	totalBytes := f.FwdBytes + f.BwdBytes
	if totalPackets > 0 {
		fv.AvgPacketSize = float64(totalBytes) / float64(totalPackets)
	}
	if f.FwdPackets > 0 {
		fv.AvgFwdSegmentSize = float64(f.FwdBytes) / float64(f.FwdPackets)
	}
	if f.BwdPackets > 0 {
		fv.AvgBwdSegmentSize = float64(f.BwdBytes) / float64(f.BwdPackets)
	}

	if f.FwdPackets >= 4 && duration > 0 {
		fv.FwdBulkRateAvg = float64(f.FwdBytes) / duration
		fv.FwdBulkSizeAvg = fv.AvgFwdSegmentSize
		fv.FwdBulkPacketsAvg = float64(f.FwdPackets) / 4.0
	}
	if f.BwdPackets >= 4 && duration > 0 {
		fv.BwdBulkRateAvg = float64(f.BwdBytes) / duration
		fv.BwdBulkSizeAvg = fv.AvgBwdSegmentSize
		fv.BwdBulkPacketsAvg = float64(f.BwdPackets) / 4.0
	}

	fv.SubflowFwdPackets = float64(f.FwdPackets)
	fv.SubflowFwdBytes = float64(f.FwdBytes)
	fv.SubflowBwdPackets = float64(f.BwdPackets)
	fv.SubflowBwdBytes = float64(f.BwdBytes)

	fv.InitFwdWinBytes = float64(f.InitFwdWin)
	fv.InitBwdWinBytes = float64(f.InitBwdWin)
	fv.ActDataPktFwd = float64(f.FwdPackets) // simplified: every forward packet counted as carrying data
	fv.MinSegSizeFwd = f.FwdLen.Min()

	fv.ActiveMean = f.ActiveTimes.Mean()
	fv.ActiveStd = f.ActiveTimes.PopStdDev()
	fv.ActiveMax = f.ActiveTimes.Max()
	fv.ActiveMin = f.ActiveTimes.Min()

	fv.IdleMean = f.IdleTimes.Mean()
	fv.IdleStd = f.IdleTimes.PopStdDev()
	fv.IdleMax = f.IdleTimes.Max()
	fv.IdleMin = f.IdleTimes.Min()

	return fv
}

// CSVRow renders the vector as one fixed-point (6 fractional digits) CSV
// row, column order matching Header exactly (spec §6).
func (fv FeatureVector) CSVRow() string {
	vals := fv.values()
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'f', 6, 64)
	}
	return strings.Join(parts, ",")
}

// JSON renders the vector as a JSON object with the same field names as
// the CSV columns, numeric values only (spec §6 message-bus contract).
func (fv FeatureVector) JSON() ([]byte, error) {
	m := fv.namedValues()
	return json.Marshal(m)
}

func (fv FeatureVector) values() []float64 {
	return []float64{
		fv.Duration, fv.TotalFwdPackets, fv.TotalBwdPackets, fv.TotalFwdBytes, fv.TotalBwdBytes,
		fv.FwdPktLenMax, fv.FwdPktLenMin, fv.FwdPktLenMean, fv.FwdPktLenStd,
		fv.BwdPktLenMax, fv.BwdPktLenMin, fv.BwdPktLenMean, fv.BwdPktLenStd,
		fv.FlowBytesPerSec, fv.FlowPacketsPerSec, fv.FlowIATMean, fv.FlowIATStd, fv.FlowIATMax, fv.FlowIATMin,
		fv.FwdIATTotal, fv.FwdIATMean, fv.FwdIATStd, fv.FwdIATMax, fv.FwdIATMin,
		fv.BwdIATTotal, fv.BwdIATMean, fv.BwdIATStd, fv.BwdIATMax, fv.BwdIATMin,
		fv.FwdPshFlags, fv.BwdPshFlags, fv.FwdUrgFlags, fv.BwdUrgFlags,
		fv.FwdHeaderLen, fv.BwdHeaderLen, fv.FwdPacketsPerSec, fv.BwdPacketsPerSec,
		fv.PktLenMin, fv.PktLenMax, fv.PktLenMean, fv.PktLenStd, fv.PktLenVariance,
		fv.FinFlagCount, fv.SynFlagCount, fv.RstFlagCount, fv.PshFlagCount, fv.AckFlagCount, fv.UrgFlagCount, fv.CweFlagCount, fv.EceFlagCount,
		fv.DownUpRatio, fv.AvgPacketSize, fv.AvgFwdSegmentSize, fv.AvgBwdSegmentSize,
		fv.FwdBulkRateAvg, fv.FwdBulkSizeAvg, fv.FwdBulkPacketsAvg, fv.BwdBulkRateAvg, fv.BwdBulkSizeAvg, fv.BwdBulkPacketsAvg,
		fv.SubflowFwdPackets, fv.SubflowFwdBytes, fv.SubflowBwdPackets, fv.SubflowBwdBytes,
		fv.InitFwdWinBytes, fv.InitBwdWinBytes, fv.ActDataPktFwd, fv.MinSegSizeFwd,
		fv.ActiveMean, fv.ActiveStd, fv.ActiveMax, fv.ActiveMin,
		fv.IdleMean, fv.IdleStd, fv.IdleMax, fv.IdleMin,
	}
}

var columnNames = strings.Split(Header, ",")

func (fv FeatureVector) namedValues() map[string]float64 {
	vals := fv.values()
	if len(vals) != len(columnNames) {
		panic(fmt.Sprintf("features: column/value count mismatch: %d columns, %d values", len(columnNames), len(vals)))
	}
	m := make(map[string]float64, len(vals))
	for i, name := range columnNames {
		m[name] = vals[i]
	}
	return m
}
