package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// StageSnapshot is the payload of GET /v1/perf/latency.
type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// p95 budgets per stage, in milliseconds.
var stageTargets = map[string]float64{
	StageFirstToken:   600,
	StageFirstForward: 800,
	StagePersist:      50,
}

// latencyRing keeps the most recent samples of one stage.
type latencyRing struct {
	samples []float64
	pos     int
	size    int
	last    float64
}

func (r *latencyRing) add(ms float64) {
	r.samples[r.pos] = ms
	r.pos = (r.pos + 1) % len(r.samples)
	if r.size < len(r.samples) {
		r.size++
	}
	r.last = ms
}

func (r *latencyRing) stats(stage string) StageStats {
	sorted := slices.Clone(r.samples[:r.size])
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return StageStats{
		Stage:       stage,
		Samples:     r.size,
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(r.size)),
		P50MS:       round2(quantile(sorted, 0.50)),
		P95MS:       round2(quantile(sorted, 0.95)),
		P99MS:       round2(quantile(sorted, 0.99)),
		MaxMS:       round2(sorted[r.size-1]),
		TargetP95MS: stageTargets[stage],
	}
}

// stageWindow aggregates stream latencies and named event counters for the
// perf endpoint. Prometheus carries the long-term series.
type stageWindow struct {
	mu         sync.Mutex
	capacity   int
	rings      map[string]*latencyRing
	indicators map[string]int
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	w := &stageWindow{capacity: capacity}
	w.clear()
	return w
}

func (w *stageWindow) clear() {
	w.rings = map[string]*latencyRing{}
	w.indicators = map[string]int{}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &latencyRing{samples: make([]float64, w.capacity)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *stageWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		if r := w.rings[stage]; r.size > 0 {
			snap.Stages = append(snap.Stages, r.stats(stage))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func (w *stageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.clear()
	w.mu.Unlock()
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	switch n := len(sorted); {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
