package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// TaskReactionStats describes the recent reaction times of one task.
type TaskReactionStats struct {
	Task       string  `json:"task"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	WindowMS   float64 `json:"response_window_ms,omitempty"`
	OverWindow int     `json:"over_window"`
}

type OutcomeCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TrialWindowSnapshot struct {
	GeneratedAt time.Time           `json:"generated_at"`
	WindowSize  int                 `json:"window_size"`
	Tasks       []TaskReactionStats `json:"tasks"`
	Outcomes    []OutcomeCount      `json:"outcomes,omitempty"`
}

// trialWindow keeps the last maxSamples reaction times per task plus
// running counts of non-scored outcomes.
type trialWindow struct {
	mu         sync.RWMutex
	maxSamples int
	tasks      map[string]*ring
	outcomes   map[string]int
}

type ring struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func (r *ring) push(v float64) {
	r.values[r.next] = v
	r.last = v
	r.next++
	if r.next >= len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (r *ring) samples() []float64 {
	n := r.next
	if r.filled {
		n = len(r.values)
	}
	out := make([]float64, n)
	copy(out, r.values[:n])
	return out
}

func newTrialWindow(maxSamples int) *trialWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &trialWindow{
		maxSamples: maxSamples,
		tasks:      make(map[string]*ring),
		outcomes:   make(map[string]int),
	}
}

func (w *trialWindow) Observe(task string, ms float64) {
	task = strings.TrimSpace(task)
	if task == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.tasks[task]
	if !ok {
		r = &ring{values: make([]float64, w.maxSamples)}
		w.tasks[task] = r
	}
	r.push(ms)
}

func (w *trialWindow) ObserveOutcome(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.outcomes[name]++
	w.mu.Unlock()
}

func (w *trialWindow) Snapshot() TrialWindowSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.tasks))
	for name := range w.tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	tasks := make([]TaskReactionStats, 0, len(names))
	for _, name := range names {
		r := w.tasks[name]
		samples := r.samples()
		if len(samples) == 0 {
			continue
		}
		sort.Float64s(samples)
		limit := responseWindowMS(name)
		sum := 0.0
		over := 0
		for _, v := range samples {
			sum += v
			if limit > 0 && v > limit {
				over++
			}
		}
		tasks = append(tasks, TaskReactionStats{
			Task:       name,
			Samples:    len(samples),
			LastMS:     round2(r.last),
			AvgMS:      round2(sum / float64(len(samples))),
			P50MS:      round2(quantile(samples, 0.50)),
			P95MS:      round2(quantile(samples, 0.95)),
			WindowMS:   limit,
			OverWindow: over,
		})
	}

	outcomeNames := make([]string, 0, len(w.outcomes))
	for name, count := range w.outcomes {
		if count > 0 {
			outcomeNames = append(outcomeNames, name)
		}
	}
	sort.Strings(outcomeNames)
	outcomes := make([]OutcomeCount, 0, len(outcomeNames))
	for _, name := range outcomeNames {
		outcomes = append(outcomes, OutcomeCount{Name: name, Count: w.outcomes[name]})
	}

	return TrialWindowSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Tasks:       tasks,
		Outcomes:    outcomes,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// responseWindowMS mirrors the default plan's per-task response windows.
func responseWindowMS(task string) float64 {
	switch task {
	case "nback", "stroop":
		return 3000
	case "reaction":
		return 2000
	default:
		return 0
	}
}
