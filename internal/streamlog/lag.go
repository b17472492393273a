package streamlog

import "fmt"

// Lag measures a group's progress on a partition or a log. Lower is the
// committed position, Upper the end position.
type Lag struct {
	Lower int64
	Upper int64
}

// LagOf is a lag of n records out of n.
func LagOf(n int64) Lag { return Lag{Upper: n} }

func LagBetween(lower, upper int64) Lag { return Lag{Lower: lower, Upper: upper} }

// Lag is the number of records not yet committed.
func (l Lag) Lag() int64 {
	if l.Upper < l.Lower {
		return 0
	}
	return l.Upper - l.Lower
}

// Total is the number of records written.
func (l Lag) Total() int64 { return l.Upper }

func (l Lag) String() string {
	return fmt.Sprintf("Lag{lag=%d, lower=%d, upper=%d}", l.Lag(), l.Lower, l.Upper)
}

// SumLags adds lags component-wise.
func SumLags(lags ...Lag) Lag {
	var out Lag
	for _, l := range lags {
		out.Lower += l.Lower
		out.Upper += l.Upper
	}
	return out
}

// Latency is how far a group is behind in time. Lower is the timestamp of
// the last committed record, Upper the append time of the last record and
// Key the key of the last committed record, empty when nothing is pending.
type Latency struct {
	Lower int64
	Upper int64
	Key   string
	Lag   Lag
}

// LatencyMillis is Upper-Lower while records are pending, 0 otherwise.
func (l Latency) LatencyMillis() int64 {
	if l.Lag.Lag() == 0 || l.Lower == 0 || l.Upper < l.Lower {
		return 0
	}
	return l.Upper - l.Lower
}

func (l Latency) String() string {
	return fmt.Sprintf("Latency{latency=%dms, lower=%d, upper=%d, key=%q, %s}", l.LatencyMillis(), l.Lower, l.Upper, l.Key, l.Lag)
}

// SumLatencies keeps the largest latency and sums the lags.
func SumLatencies(ls ...Latency) Latency {
	var out Latency
	best := -1
	lags := make([]Lag, 0, len(ls))
	for i, l := range ls {
		lags = append(lags, l.Lag)
		if best < 0 || l.LatencyMillis() > ls[best].LatencyMillis() {
			best = i
		}
	}
	if best >= 0 {
		out.Lower, out.Upper, out.Key = ls[best].Lower, ls[best].Upper, ls[best].Key
	}
	out.Lag = SumLags(lags...)
	return out
}
