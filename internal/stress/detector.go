package stress

import (
	"math"

	"github.com/cryptoclaude/trading-core/internal/market"
	"github.com/cryptoclaude/trading-core/internal/observ"
	"github.com/cryptoclaude/trading-core/internal/params"
)

// Detector names.
const (
	DetectorFlashCrash      = "flash_crash"
	DetectorVolatilitySpike = "volatility_spike"
	DetectorCorrelation     = "correlation_breakdown"
	DetectorLiquidity       = "liquidity_drop"
)

const shortVolWindow = 10

// DetectorResult is one detector evaluation.
type DetectorResult struct {
	Name      string  `json:"name"`
	Firing    bool    `json:"firing"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Symbol    string  `json:"symbol,omitempty"` // worst offender, where applicable
}

// Monitor evaluates crisis detectors over the live market rings.
type Monitor struct {
	snap   *market.Snapshot
	params *params.Store
}

func NewMonitor(snap *market.Snapshot, ps *params.Store) *Monitor {
	return &Monitor{snap: snap, params: ps}
}

// Evaluate runs every detector over the given symbols. Intensity is the
// fraction of detectors firing.
func (m *Monitor) Evaluate(symbols []string) (float64, []DetectorResult) {
	results := []DetectorResult{
		m.flashCrash(symbols),
		m.volatilitySpike(symbols),
		m.correlation(symbols),
		m.liquidity(symbols),
	}
	firing := 0
	for _, r := range results {
		if r.Firing {
			firing++
			observ.IncCounter("stress_detector_fired_total", map[string]string{"detector": r.Name})
		}
	}
	intensity := float64(firing) / float64(len(results))
	observ.SetGauge("stress_intensity", intensity, nil)
	return intensity, results
}

// flashCrash fires on the largest drop across the last two updates of
// any symbol.
func (m *Monitor) flashCrash(symbols []string) DetectorResult {
	threshold := m.params.MustFloat(params.FlashCrashDropPct)
	r := DetectorResult{Name: DetectorFlashCrash, Threshold: threshold}

	for _, sym := range symbols {
		ring, err := m.snap.Ring(sym)
		if err != nil || len(ring) < 3 {
			continue
		}
		n := len(ring)
		ref := ring[n-3].Price
		if ref <= 0 {
			continue
		}
		drop := (ref - ring[n-1].Price) / ref
		if drop > r.Value {
			r.Value = drop
			r.Symbol = sym
		}
	}
	r.Firing = r.Value >= threshold
	return r
}

// volatilitySpike compares short-window to full-ring volatility.
func (m *Monitor) volatilitySpike(symbols []string) DetectorResult {
	threshold := m.params.MustFloat(params.VolSpikeRatio)
	r := DetectorResult{Name: DetectorVolatilitySpike, Threshold: threshold}

	for _, sym := range symbols {
		ring, err := m.snap.Ring(sym)
		if err != nil || len(ring) < shortVolWindow+2 {
			continue
		}
		rets := ringReturns(ring)
		longVol := stddev(rets)
		shortVol := stddev(rets[len(rets)-shortVolWindow:])
		if longVol <= 0 {
			continue
		}
		if ratio := shortVol / longVol; ratio > r.Value {
			r.Value = ratio
			r.Symbol = sym
		}
	}
	r.Firing = r.Value >= threshold
	return r
}

// correlation fires when the average pairwise return correlation across
// the tracked symbols spikes, the signature of everything selling off
// together.
func (m *Monitor) correlation(symbols []string) DetectorResult {
	threshold := m.params.MustFloat(params.CorrSpikeLevel)
	r := DetectorResult{Name: DetectorCorrelation, Threshold: threshold}

	series := make([][]float64, 0, len(symbols))
	minLen := math.MaxInt
	for _, sym := range symbols {
		ring, err := m.snap.Ring(sym)
		if err != nil || len(ring) < 3 {
			continue
		}
		rets := ringReturns(ring)
		series = append(series, rets)
		if len(rets) < minLen {
			minLen = len(rets)
		}
	}
	if len(series) < 2 {
		return r
	}

	sum, n := 0.0, 0
	for i := 0; i < len(series); i++ {
		for j := i + 1; j < len(series); j++ {
			a := series[i][len(series[i])-minLen:]
			b := series[j][len(series[j])-minLen:]
			sum += pearson(a, b)
			n++
		}
	}
	if n > 0 {
		r.Value = sum / float64(n)
	}
	r.Firing = r.Value >= threshold
	return r
}

// liquidity fires when recent volume collapses against the ring baseline.
func (m *Monitor) liquidity(symbols []string) DetectorResult {
	threshold := m.params.MustFloat(params.LiquidityDropRatio)
	r := DetectorResult{Name: DetectorLiquidity, Threshold: threshold}

	for _, sym := range symbols {
		ring, err := m.snap.Ring(sym)
		if err != nil || len(ring) < 6 {
			continue
		}
		half := len(ring) / 2
		base := avgVolume(ring[:half])
		recent := avgVolume(ring[half:])
		if base <= 0 {
			continue
		}
		drop := 1 - recent/base
		if drop > r.Value {
			r.Value = drop
			r.Symbol = sym
		}
	}
	r.Firing = r.Value >= threshold
	return r
}

func ringReturns(ring []market.PricePoint) []float64 {
	out := make([]float64, 0, len(ring)-1)
	for i := 1; i < len(ring); i++ {
		if ring[i-1].Price > 0 {
			out = append(out, ring[i].Price/ring[i-1].Price-1)
		}
	}
	return out
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func pearson(a, b []float64) float64 {
	n := len(a)
	if n != len(b) || n < 2 {
		return 0
	}
	ma, mb := 0.0, 0.0
	for i := 0; i < n; i++ {
		ma += a[i]
		mb += b[i]
	}
	ma /= float64(n)
	mb /= float64(n)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va <= 0 || vb <= 0 {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}

func avgVolume(ring []market.PricePoint) float64 {
	if len(ring) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range ring {
		sum += p.Volume
	}
	return sum / float64(len(ring))
}
