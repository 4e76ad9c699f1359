// Package strategy turns ranked predictions into market-neutral
// long/short pairs and target position weights. The build is a pure
// function of predictions, the current portfolio view, and parameters;
// identical inputs always produce identical targets.
package strategy

import (
	"math"
	"sort"

	"github.com/cryptoclaude/trading-core/internal/alerts"
	"github.com/cryptoclaude/trading-core/internal/forecast"
	"github.com/cryptoclaude/trading-core/internal/observ"
	"github.com/cryptoclaude/trading-core/internal/params"
	"github.com/cryptoclaude/trading-core/internal/portfolio"
	"github.com/cryptoclaude/trading-core/internal/risk"
)

// Pair is one matched long/short allocation.
type Pair struct {
	LongSymbol       string  `json:"long_symbol"`
	ShortSymbol      string  `json:"short_symbol"`
	PairConfidence   float64 `json:"pair_confidence"`
	PairCorrelation  float64 `json:"pair_correlation"`
	PairVolatility   float64 `json:"pair_volatility"` // worst leg, annualized
	AllocationWeight float64 `json:"allocation_weight"`
}

// Sector co-membership proxies pairwise correlation until realized pair
// correlations are estimated. Same-sector legs hedge tighter.
const (
	corrSameSector  = 0.92
	corrCrossSector = 0.88
)

// Target is one desired position expressed as a portfolio weight.
type Target struct {
	Symbol        string  `json:"symbol"`
	TargetWeight  float64 `json:"target_weight"` // signed, [-1, 1]
	IsLong        bool    `json:"is_long"`
	StopLossLevel float64 `json:"stop_loss_level"`
	Confidence    float64 `json:"confidence"`
	CurrentWeight float64 `json:"current_weight"`
}

// Builder assembles pairs and targets from predictions.
type Builder struct {
	params  *params.Store
	bus     *alerts.Bus
	sectors risk.SectorClassifier
}

func NewBuilder(ps *params.Store, bus *alerts.Bus) *Builder {
	return &Builder{params: ps, bus: bus, sectors: risk.DefaultSectors()}
}

// BuildTargets runs the full pairing pipeline. prices supplies the
// current price per symbol for stop-loss levels; symbols missing a price
// are not pairable. An empty result with no error means no viable book
// this cycle.
func (b *Builder) BuildTargets(preds []forecast.Prediction, view portfolio.View, prices map[string]float64) ([]Target, []Pair) {
	confMin := b.params.MustFloat(params.ConfidenceThreshold)
	corrMin := b.params.MustFloat(params.CorrelationThreshold)
	maxPairs := b.params.MustInt(params.MaxPairs)
	minPairs := b.params.MustInt(params.MinPairs)
	k := b.params.MustFloat(params.AllocationExponent)
	investRatio := b.params.MustFloat(params.TotalInvestmentRatio)
	cashBuffer := b.params.MustFloat(params.CashBufferPct)
	pairCap := b.params.MustFloat(params.MaxSinglePairAlloc)

	// The target book size caps the pair count: one pair is two
	// positions.
	if half := b.params.MustInt(params.TargetPortfolioSize) / 2; half > 0 && half < maxPairs {
		maxPairs = half
	}

	var head, tail []forecast.Prediction
	for _, p := range preds {
		if p.Confidence < confMin {
			continue
		}
		if _, ok := prices[p.Symbol]; !ok {
			continue
		}
		switch {
		case p.ExpectedReturn > 0:
			head = append(head, p)
		case p.ExpectedReturn < 0:
			tail = append(tail, p)
		}
	}
	// Predictions arrive sorted return desc; the tail pairs best shorts
	// (most negative) first.
	sort.SliceStable(tail, func(i, j int) bool {
		if tail[i].ExpectedReturn != tail[j].ExpectedReturn {
			return tail[i].ExpectedReturn < tail[j].ExpectedReturn
		}
		return tail[i].Symbol < tail[j].Symbol
	})
	if len(head) > maxPairs {
		head = head[:maxPairs]
	}
	if len(tail) > maxPairs {
		tail = tail[:maxPairs]
	}

	n := len(head)
	if len(tail) < n {
		n = len(tail)
	}

	// Pairs whose legs do not clear the correlation gate are dropped;
	// a weakly correlated pair is two directional bets, not a hedge.
	pairs := make([]Pair, 0, n)
	for i := 0; i < n; i++ {
		corr := b.pairCorrelation(head[i].Symbol, tail[i].Symbol)
		if corr <= corrMin {
			observ.IncCounter("strategy_pairs_dropped_total", map[string]string{"reason": "correlation"})
			continue
		}
		pairs = append(pairs, Pair{
			LongSymbol:      head[i].Symbol,
			ShortSymbol:     tail[i].Symbol,
			PairConfidence:  math.Min(head[i].Confidence, tail[i].Confidence),
			PairCorrelation: corr,
			PairVolatility:  math.Max(head[i].Volatility, tail[i].Volatility),
		})
	}

	if len(pairs) < minPairs {
		if b.bus != nil {
			b.bus.Publish(alerts.Alert{
				Category:     alerts.CategoryTrading,
				Severity:     alerts.Warning,
				Component:    "strategy",
				Code:         "INSUFFICIENT_PAIRS",
				Message:      "not enough long/short candidates to build a book",
				TriggerValue: float64(len(pairs)),
				Threshold:    float64(minPairs),
			})
		}
		return nil, nil
	}

	budget := investRatio * (1 - cashBuffer)
	allocate(pairs, k, budget, pairCap)
	scaleToVolTarget(pairs, b.params.MustFloat(params.TargetVolatility))

	targets := b.toTargets(pairs, view, prices)
	b.enforceExposure(targets)
	sortTargets(targets)

	observ.SetGauge("strategy_pairs", float64(len(pairs)), nil)
	return targets, pairs
}

// pairCorrelation is the sector-proxy correlation between two legs.
func (b *Builder) pairCorrelation(long, short string) float64 {
	if b.sectors.Sector(long) == b.sectors.Sector(short) {
		return corrSameSector
	}
	return corrCrossSector
}

// scaleToVolTarget shrinks allocations uniformly when the forecast book
// volatility exceeds the target. Targeting never levers a quiet book up.
func scaleToVolTarget(pairs []Pair, target float64) {
	if target <= 0 {
		return
	}
	sum, n := 0.0, 0
	for _, p := range pairs {
		if p.PairVolatility > 0 {
			sum += p.PairVolatility
			n++
		}
	}
	if n == 0 {
		return
	}
	avg := sum / float64(n)
	if avg <= target {
		return
	}
	f := target / avg
	for i := range pairs {
		pairs[i].AllocationWeight *= f
	}
	observ.SetGauge("strategy_vol_scale", f, nil)
}

// allocate distributes the budget proportionally to confidence^k, then
// clamps to the per-pair cap and renormalizes the unclamped remainder.
// Monotone: once clamped, a pair stays clamped, so the loop converges
// within len(pairs) iterations.
func allocate(pairs []Pair, k, budget, pairCap float64) {
	total := 0.0
	for i := range pairs {
		pairs[i].AllocationWeight = math.Pow(pairs[i].PairConfidence, k)
		total += pairs[i].AllocationWeight
	}
	if total <= 0 {
		return
	}
	for i := range pairs {
		pairs[i].AllocationWeight = pairs[i].AllocationWeight / total * budget
	}

	clamped := make([]bool, len(pairs))
	for iter := 0; iter < len(pairs); iter++ {
		overflow := 0.0
		freeTotal := 0.0
		for i := range pairs {
			if clamped[i] {
				continue
			}
			if pairs[i].AllocationWeight > pairCap {
				overflow += pairs[i].AllocationWeight - pairCap
				pairs[i].AllocationWeight = pairCap
				clamped[i] = true
			} else {
				freeTotal += pairs[i].AllocationWeight
			}
		}
		if overflow == 0 || freeTotal <= 0 {
			break
		}
		for i := range pairs {
			if !clamped[i] {
				pairs[i].AllocationWeight += overflow * pairs[i].AllocationWeight / freeTotal
			}
		}
	}
}

func (b *Builder) toTargets(pairs []Pair, view portfolio.View, prices map[string]float64) []Target {
	targets := make([]Target, 0, 2*len(pairs))
	for _, p := range pairs {
		if p.AllocationWeight <= 0 {
			continue
		}
		targets = append(targets,
			Target{
				Symbol:        p.LongSymbol,
				TargetWeight:  p.AllocationWeight,
				IsLong:        true,
				StopLossLevel: prices[p.LongSymbol] * (1 + portfolio.PositionStopLoss),
				Confidence:    p.PairConfidence,
				CurrentWeight: view.Weight(p.LongSymbol),
			},
			Target{
				Symbol:        p.ShortSymbol,
				TargetWeight:  -p.AllocationWeight,
				IsLong:        false,
				StopLossLevel: prices[p.ShortSymbol] * (1 - portfolio.PositionStopLoss),
				Confidence:    p.PairConfidence,
				CurrentWeight: view.Weight(p.ShortSymbol),
			})
	}
	return targets
}

// enforceExposure scales long and short sides down uniformly when they
// breach the configured exposure caps.
func (b *Builder) enforceExposure(targets []Target) {
	maxGross := b.params.MustFloat(params.MaxGrossExposure)
	maxLong := b.params.MustFloat(params.MaxLongExposure)
	maxShort := b.params.MustFloat(params.MaxShortExposure)

	longSum, shortSum := 0.0, 0.0
	for _, t := range targets {
		if t.TargetWeight > 0 {
			longSum += t.TargetWeight
		} else {
			shortSum += -t.TargetWeight
		}
	}

	scaleSide(targets, true, factor(longSum, maxLong))
	scaleSide(targets, false, factor(shortSum, maxShort))

	gross := 0.0
	for _, t := range targets {
		gross += math.Abs(t.TargetWeight)
	}
	if f := factor(gross, maxGross); f < 1 {
		for i := range targets {
			targets[i].TargetWeight *= f
		}
	}
}

func factor(sum, limit float64) float64 {
	if sum > limit && sum > 0 {
		return limit / sum
	}
	return 1
}

func scaleSide(targets []Target, long bool, f float64) {
	if f >= 1 {
		return
	}
	for i := range targets {
		if (targets[i].TargetWeight > 0) == long {
			targets[i].TargetWeight *= f
		}
	}
}

func sortTargets(targets []Target) {
	sort.SliceStable(targets, func(i, j int) bool {
		ai, aj := math.Abs(targets[i].TargetWeight), math.Abs(targets[j].TargetWeight)
		if ai != aj {
			return ai > aj
		}
		return targets[i].Symbol < targets[j].Symbol
	})
}
