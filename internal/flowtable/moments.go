package flowtable

import "math"

// Moments tracks running count/sum/sum-of-squares/min/max for a sample
// stream without keeping the raw samples, per spec §9's "running
// statistics" redesign recommendation — mean and std become O(1) to
// compute and memory stays O(1) per flow regardless of packet count.
type Moments struct {
	count int64
	sum   float64
	sumSq float64
	min   float64
	max   float64
}

// Add folds a new sample into the running moments.
func (m *Moments) Add(x float64) {
	if m.count == 0 {
		m.min, m.max = x, x
	} else {
		if x < m.min {
			m.min = x
		}
		if x > m.max {
			m.max = x
		}
	}
	m.count++
	m.sum += x
	m.sumSq += x * x
}

// Count returns the number of samples folded in so far.
func (m *Moments) Count() int64 { return m.count }

// Total returns the running sum.
func (m *Moments) Total() float64 { return m.sum }

// Mean returns the arithmetic mean, or 0 for an empty sample.
func (m *Moments) Mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Min returns the minimum sample seen, or 0 for an empty sample.
func (m *Moments) Min() float64 {
	if m.count == 0 {
		return 0
	}
	return m.min
}

// Max returns the maximum sample seen, or 0 for an empty sample.
func (m *Moments) Max() float64 {
	if m.count == 0 {
		return 0
	}
	return m.max
}

// variance returns the biased (population, divisor N) or unbiased
// (sample, divisor N-1) variance computed from the running sums.
func (m *Moments) variance(sample bool) float64 {
	if m.count == 0 {
		return 0
	}
	n := float64(m.count)
	mean := m.sum / n
	// E[x^2] - mean^2, guarded against tiny negative values from
	// floating point cancellation.
	v := m.sumSq/n - mean*mean
	if v < 0 {
		v = 0
	}
	if sample {
		if m.count < 2 {
			return 0
		}
		return v * n / (n - 1)
	}
	return v
}

// SampleStdDev is the sample standard deviation (divisor N-1), 0 when
// fewer than 2 samples — the convention the Flow Table's lazy derived
// view uses (spec §4.2).
func (m *Moments) SampleStdDev() float64 {
	return math.Sqrt(m.variance(true))
}

// PopStdDev is the population standard deviation (divisor N), 0 for an
// empty sample — the convention the CSV/JSON feature contract uses
// (spec §4.3).
func (m *Moments) PopStdDev() float64 {
	return math.Sqrt(m.variance(false))
}

// PopVariance is PopStdDev squared, exposed directly to avoid a
// sqrt-then-square round trip for the CSV's pkt_len_variance column.
func (m *Moments) PopVariance() float64 {
	return m.variance(false)
}

// Merge algebraically combines two independent accumulators' running sums
// into a new one, equivalent to having added every sample from both into
// a single Moments from the start. Used to compute the flow-wide
// pkt_len_* columns from the forward/backward accumulators without
// storing or replaying raw samples.
func Merge(a, b Moments) Moments {
	if a.count == 0 {
		return b
	}
	if b.count == 0 {
		return a
	}
	m := Moments{
		count: a.count + b.count,
		sum:   a.sum + b.sum,
		sumSq: a.sumSq + b.sumSq,
		min:   a.min,
		max:   a.max,
	}
	if b.min < m.min {
		m.min = b.min
	}
	if b.max > m.max {
		m.max = b.max
	}
	return m
}
