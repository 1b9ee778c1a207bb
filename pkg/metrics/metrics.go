package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Operations recorded by the worker.
const (
	OpFetch        = "fetch"
	OpInstall      = "install"
	OpOutboxReplay = "outbox.replay"
)

// Recorder keeps latency sketches per operation and counters per request outcome.
type Recorder struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	outcomes         map[string]int64
	relativeAccuracy float64
}

// NewRecorder creates a recorder.
// relativeAccuracy is the accuracy of the quantile estimates, e.g. 0.01 for 1%.
func NewRecorder(relativeAccuracy float64) *Recorder {
	return &Recorder{
		sketches:         make(map[string]*ddsketch.DDSketch),
		outcomes:         make(map[string]int64),
		relativeAccuracy: relativeAccuracy,
	}
}

// Observe records the duration of one operation.
func (r *Recorder) Observe(operation string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sketch, ok := r.sketches[operation]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(r.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(r.relativeAccuracy)
		}
		r.sketches[operation] = sketch
	}
	sketch.Add(float64(d.Microseconds()) / 1000.0)
}

// Time runs fn and records its duration, whether or not it fails.
func (r *Recorder) Time(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.Observe(operation, time.Since(start))
	return err
}

// Count increments the counter of a request outcome.
func (r *Recorder) Count(outcome string) {
	r.mu.Lock()
	r.outcomes[outcome]++
	r.mu.Unlock()
}

// Latency summarizes the durations of one operation in milliseconds.
type Latency struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Min       float64 `json:"min_ms"`
	P50       float64 `json:"p50_ms"`
	P90       float64 `json:"p90_ms"`
	P99       float64 `json:"p99_ms"`
	Max       float64 `json:"max_ms"`
}

func (l Latency) String() string {
	if l.Count == 0 {
		return fmt.Sprintf("%s: no data", l.Operation)
	}
	return fmt.Sprintf("%s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		l.Operation, l.Count, l.Min, l.P50, l.P90, l.P99, l.Max)
}

// Snapshot is a point-in-time copy of all recorded data.
type Snapshot struct {
	Latencies []Latency        `json:"latencies"`
	Outcomes  map[string]int64 `json:"outcomes"`
}

// Latency returns the summary of one operation.
func (r *Recorder) Latency(operation string) (Latency, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latency(operation)
}

func (r *Recorder) latency(operation string) (Latency, error) {
	sketch, ok := r.sketches[operation]
	if !ok {
		return Latency{}, fmt.Errorf("no data for operation: %s", operation)
	}
	l := Latency{Operation: operation, Count: int64(sketch.GetCount())}
	if l.Count == 0 {
		return l, nil
	}
	l.Min, _ = sketch.GetMinValue()
	l.P50, _ = sketch.GetValueAtQuantile(0.50)
	l.P90, _ = sketch.GetValueAtQuantile(0.90)
	l.P99, _ = sketch.GetValueAtQuantile(0.99)
	l.Max, _ = sketch.GetMaxValue()
	return l, nil
}

// Snapshot returns all latencies, sorted by operation, and the outcome counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		Latencies: make([]Latency, 0, len(r.sketches)),
		Outcomes:  make(map[string]int64, len(r.outcomes)),
	}
	for op := range r.sketches {
		if l, err := r.latency(op); err == nil {
			s.Latencies = append(s.Latencies, l)
		}
	}
	sort.Slice(s.Latencies, func(i, j int) bool { return s.Latencies[i].Operation < s.Latencies[j].Operation })
	for k, v := range r.outcomes {
		s.Outcomes[k] = v
	}
	return s
}
