package telemetry

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyRecorder tracks a latency distribution with a DDSketch.
// The sketch gives relative-accuracy quantiles at fixed memory, which is
// what the write path needs: p99 write latency without unbounded samples.
type LatencyRecorder struct {
	mu     sync.Mutex
	sketch *ddsketch.DDSketch
	count  int64
	sum    time.Duration
	max    time.Duration
}

// NewLatencyRecorder creates a recorder with the given relative accuracy
// (0.01 = 1% error).
func NewLatencyRecorder(accuracy float64) *LatencyRecorder {
	if accuracy <= 0 || accuracy > 1 {
		accuracy = 0.01
	}

	r := &LatencyRecorder{}
	if sketch, err := ddsketch.NewDefaultDDSketch(accuracy); err == nil {
		r.sketch = sketch
	}
	return r
}

// Record adds one observed latency.
func (r *LatencyRecorder) Record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	r.sum += d
	if d > r.max {
		r.max = d
	}
	if r.sketch != nil {
		r.sketch.Add(float64(d.Microseconds()))
	}
}

// Quantile returns the latency at quantile q (0.0-1.0). Returns zero when
// nothing has been recorded.
func (r *LatencyRecorder) Quantile(q float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sketch == nil || r.count == 0 {
		return 0
	}
	v, err := r.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return time.Duration(v) * time.Microsecond
}

// Snapshot returns summary statistics.
func (r *LatencyRecorder) Snapshot() LatencySnapshot {
	r.mu.Lock()
	count := r.count
	sum := r.sum
	max := r.max
	r.mu.Unlock()

	var mean time.Duration
	if count > 0 {
		mean = sum / time.Duration(count)
	}

	return LatencySnapshot{
		Count: count,
		Mean:  mean,
		Max:   max,
		P50:   r.Quantile(0.50),
		P99:   r.Quantile(0.99),
	}
}

// LatencySnapshot holds summary latency statistics.
type LatencySnapshot struct {
	Count int64
	Mean  time.Duration
	Max   time.Duration
	P50   time.Duration
	P99   time.Duration
}
