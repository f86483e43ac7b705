package confirm

import (
	"sync"
)

// Strategy identifies which confirmation path produced a metric.
type Strategy string

const (
	StrategyEvent Strategy = "event"
	StrategyPoll  Strategy = "poll"
)

// ringCapacity bounds the process-wide metrics buffer.
const ringCapacity = 100

// Metric records one completed confirmation attempt.
type Metric struct {
	Strategy  Strategy `json:"strategy"`
	Attempts  int      `json:"attempts"`
	ElapsedMs int64    `json:"elapsedMs"`
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
}

// Ring is a fixed-capacity FIFO buffer of confirmation metrics. Once full
// it evicts oldest-first.
type Ring struct {
	mu    sync.Mutex
	buf   []Metric
	next  int
	count int
}

// NewRing creates an empty metrics ring.
func NewRing() *Ring {
	return &Ring{buf: make([]Metric, ringCapacity)}
}

// Append adds m, evicting the oldest entry when full.
func (r *Ring) Append(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Len returns the number of stored metrics.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Snapshot returns the stored metrics, oldest first.
func (r *Ring) Snapshot() []Metric {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Metric, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Aggregate summarizes ring contents for one strategy. It backs runtime
// strategy-weighting decisions.
type Aggregate struct {
	Strategy     Strategy `json:"strategy"`
	Count        int      `json:"count"`
	SuccessRate  float64  `json:"successRate"`
	AvgLatencyMs float64  `json:"avgLatencyMs"`
	AvgAttempts  float64  `json:"avgAttempts"`
}

// Aggregates returns per-strategy summaries of the ring contents.
func (r *Ring) Aggregates() []Aggregate {
	metrics := r.Snapshot()

	byStrategy := map[Strategy]*Aggregate{}
	var successes = map[Strategy]int{}
	var order []Strategy
	for _, m := range metrics {
		agg, ok := byStrategy[m.Strategy]
		if !ok {
			agg = &Aggregate{Strategy: m.Strategy}
			byStrategy[m.Strategy] = agg
			order = append(order, m.Strategy)
		}
		agg.Count++
		agg.AvgLatencyMs += float64(m.ElapsedMs)
		agg.AvgAttempts += float64(m.Attempts)
		if m.Success {
			successes[m.Strategy]++
		}
	}

	out := make([]Aggregate, 0, len(order))
	for _, s := range order {
		agg := byStrategy[s]
		agg.SuccessRate = float64(successes[s]) / float64(agg.Count)
		agg.AvgLatencyMs /= float64(agg.Count)
		agg.AvgAttempts /= float64(agg.Count)
		out = append(out, *agg)
	}
	return out
}
