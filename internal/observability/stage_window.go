package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Startup stages recorded by the call controller.
const (
	StageProvision       = "provision"
	StageCreateTransport = "create_transport"
	StageJoin            = "join"
	StageStartTotal      = "start_total"
)

// startupStages is the reporting order, with the p95 budget of each stage.
var startupStages = []struct {
	name     string
	budgetMS float64
}{
	{StageProvision, 800},
	{StageCreateTransport, 150},
	{StageJoin, 1500},
	{StageStartTotal, 2500},
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	BudgetP95MS float64 `json:"budget_p95_ms"`
	OverBudget  bool    `json:"over_budget"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// stageWindow keeps the last size durations of every startup stage.
// Unknown stage names are ignored.
type stageWindow struct {
	mu      sync.Mutex
	size    int
	samples map[string][]float64
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{size: size, samples: make(map[string][]float64)}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if ms < 0 || math.IsNaN(ms) || !knownStage(stage) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := append(w.samples[stage], ms)
	if len(s) > w.size {
		s = s[len(s)-w.size:]
	}
	w.samples[stage] = s
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      []StageStats{},
	}
	for _, st := range startupStages {
		recent := w.samples[st.name]
		if len(recent) == 0 {
			continue
		}
		sorted := slices.Clone(recent)
		slices.Sort(sorted)
		sum := 0.0
		for _, v := range sorted {
			sum += v
		}
		p95 := quantile(sorted, 0.95)
		out.Stages = append(out.Stages, StageStats{
			Stage:       st.name,
			Samples:     len(sorted),
			LastMS:      round2(recent[len(recent)-1]),
			AvgMS:       round2(sum / float64(len(sorted))),
			P50MS:       round2(quantile(sorted, 0.50)),
			P95MS:       round2(p95),
			BudgetP95MS: st.budgetMS,
			OverBudget:  p95 > st.budgetMS,
		})
	}
	return out
}

func (w *stageWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.samples)
}

func knownStage(name string) bool {
	for _, st := range startupStages {
		if st.name == name {
			return true
		}
	}
	return false
}

// quantile interpolates linearly between the two nearest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := math.Max(0, math.Min(1, q)) * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
