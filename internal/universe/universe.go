// Package universe narrows the tradable symbol set: liquidity and
// model-performance eligibility gates, exclusion list, and top-K ranking.
// An empty result is valid; the cycle controller decides what to do
// with it.
package universe

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cryptoclaude/trading-core/internal/market"
	"github.com/cryptoclaude/trading-core/internal/observ"
	"github.com/cryptoclaude/trading-core/internal/params"
)

// RefDailyDollarVolume is the dollar volume that earns a full liquidity
// score. Thinner books score proportionally lower.
const RefDailyDollarVolume = 10_000_000.0

// Tracker warmup and decay. Until minObservations outcomes are recorded
// a symbol reports the neutral hit rate.
const (
	perfDecay       = 0.9
	minObservations = 5
	neutralHitRate  = 0.5
)

// SymbolScore is the per-symbol eligibility breakdown.
type SymbolScore struct {
	Symbol           string  `json:"symbol"`
	Liquidity        float64 `json:"liquidity"`         // [0, 1]
	ModelPerformance float64 `json:"model_performance"` // decayed hit rate
	Combined         float64 `json:"combined"`          // liquidity * performance
	Eligible         bool    `json:"eligible"`
	Reason           string  `json:"reason,omitempty"` // why ineligible
}

// View is one filtered universe.
type View struct {
	Symbols     []string               `json:"symbols"` // ranked, eligible, truncated
	Scores      map[string]SymbolScore `json:"scores"`  // every candidate
	GeneratedAt time.Time              `json:"generated_at"`
}

// Tracker maintains the exponentially decayed directional hit rate per
// symbol, fed by the cycle controller after each realized outcome.
type Tracker struct {
	mu    sync.RWMutex
	rates map[string]*trackState
}

type trackState struct {
	rate float64
	obs  int
}

func NewTracker() *Tracker {
	return &Tracker{rates: make(map[string]*trackState)}
}

// Record folds one prediction outcome into the symbol's hit rate.
func (t *Tracker) Record(symbol string, correct bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.rates[symbol]
	if !ok {
		st = &trackState{rate: neutralHitRate}
		t.rates[symbol] = st
	}
	hit := 0.0
	if correct {
		hit = 1.0
	}
	st.rate = perfDecay*st.rate + (1-perfDecay)*hit
	st.obs++
}

// Performance reports the decayed hit rate, neutral until warmed.
func (t *Tracker) Performance(symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.rates[symbol]
	if !ok || st.obs < minObservations {
		return neutralHitRate
	}
	return st.rate
}

// Filter ranks candidates against the eligibility gates.
type Filter struct {
	snap    *market.Snapshot
	params  *params.Store
	tracker *Tracker
	now     func() time.Time
}

func NewFilter(snap *market.Snapshot, ps *params.Store, tracker *Tracker) *Filter {
	return &Filter{
		snap:    snap,
		params:  ps,
		tracker: tracker,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Filter evaluates every candidate and returns the ranked eligible set
// truncated to the configured maximum. Candidates with no price data
// score zero liquidity and fall out at the gate.
func (f *Filter) Filter(candidates []string) (View, error) {
	minLiq := f.params.MustFloat(params.MinLiquidityScore)
	minPerf := f.params.MustFloat(params.MinModelPerformance)
	maxSize := f.params.MustInt(params.MaxUniverseSize)
	excluded := excludedSet(f.params.MustString(params.ExcludedSymbols))

	v := View{
		Scores:      make(map[string]SymbolScore, len(candidates)),
		GeneratedAt: f.now(),
	}

	eligible := make([]SymbolScore, 0, len(candidates))
	for _, sym := range candidates {
		sc := SymbolScore{
			Symbol:           sym,
			Liquidity:        f.liquidityScore(sym),
			ModelPerformance: f.tracker.Performance(sym),
		}
		sc.Combined = sc.Liquidity * sc.ModelPerformance

		switch {
		case excluded[strings.ToUpper(sym)]:
			sc.Reason = "excluded"
		case sc.Liquidity < minLiq:
			sc.Reason = "illiquid"
		case sc.ModelPerformance < minPerf:
			sc.Reason = "model underperforming"
		default:
			sc.Eligible = true
		}
		v.Scores[sym] = sc
		if sc.Eligible {
			eligible = append(eligible, sc)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Combined != eligible[j].Combined {
			return eligible[i].Combined > eligible[j].Combined
		}
		return eligible[i].Symbol < eligible[j].Symbol
	})
	if len(eligible) > maxSize {
		eligible = eligible[:maxSize]
	}
	for _, sc := range eligible {
		v.Symbols = append(v.Symbols, sc.Symbol)
	}

	observ.SetGauge("universe_size", float64(len(v.Symbols)), nil)
	observ.Log("universe_filtered", map[string]any{
		"candidates": len(candidates),
		"eligible":   len(v.Symbols),
	})
	return v, nil
}

// liquidityScore maps average ring dollar volume against the reference.
func (f *Filter) liquidityScore(symbol string) float64 {
	ring, err := f.snap.Ring(symbol)
	if err != nil || len(ring) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range ring {
		sum += p.Price * p.Volume
	}
	avg := sum / float64(len(ring))
	score := avg / RefDailyDollarVolume
	if score > 1 {
		score = 1
	}
	return score
}

func excludedSet(csv string) map[string]bool {
	out := make(map[string]bool)
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out[strings.ToUpper(s)] = true
		}
	}
	return out
}
