package strategy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoclaude/trading-core/internal/alerts"
	"github.com/cryptoclaude/trading-core/internal/forecast"
	"github.com/cryptoclaude/trading-core/internal/params"
	"github.com/cryptoclaude/trading-core/internal/portfolio"
)

func testBuilder(t *testing.T) (*Builder, *params.Store, *alerts.Bus) {
	t.Helper()
	ps := params.New()
	bus := alerts.NewBus(10 * time.Minute)
	return NewBuilder(ps, bus), ps, bus
}

func emptyView() portfolio.View {
	return portfolio.NewLedger("test", 100000, 3).View()
}

func TestSimpleLongShortBuild(t *testing.T) {
	b, ps, _ := testBuilder(t)
	require.NoError(t, ps.Set(params.MaxPairs, 10))
	require.NoError(t, ps.Set(params.MinPairs, 1))
	require.NoError(t, ps.Set(params.ConfidenceThreshold, 0.5))
	require.NoError(t, ps.Set(params.TotalInvestmentRatio, 0.8))
	require.NoError(t, ps.Set(params.CashBufferPct, 0.1))
	require.NoError(t, ps.Set(params.MaxSinglePairAlloc, 0.2))

	preds := []forecast.Prediction{
		{Symbol: "BTC", ExpectedReturn: 0.05, Confidence: 0.8},
		{Symbol: "ETH", ExpectedReturn: 0.03, Confidence: 0.7},
		{Symbol: "ADA", ExpectedReturn: -0.02, Confidence: 0.6},
	}
	prices := map[string]float64{"BTC": 60000, "ETH": 3000, "ADA": 0.5}

	targets, pairs := b.BuildTargets(preds, emptyView(), prices)

	// One short candidate limits the book to one pair: BTC vs ADA.
	require.Len(t, pairs, 1)
	assert.Equal(t, "BTC", pairs[0].LongSymbol)
	assert.Equal(t, "ADA", pairs[0].ShortSymbol)
	assert.InDelta(t, 0.6, pairs[0].PairConfidence, 1e-9)
	assert.InDelta(t, 0.2, pairs[0].AllocationWeight, 1e-9, "0.72 budget clamped to the pair cap")

	require.Len(t, targets, 2)
	assert.InDelta(t, 0.0, targets[0].TargetWeight+targets[1].TargetWeight, 1e-9, "market neutral")
	for _, tgt := range targets {
		assert.InDelta(t, 0.2, math.Abs(tgt.TargetWeight), 1e-9)
	}
}

func TestStopLevelsOnLossSide(t *testing.T) {
	b, ps, _ := testBuilder(t)
	require.NoError(t, ps.Set(params.MinPairs, 1))
	require.NoError(t, ps.Set(params.ConfidenceThreshold, 0.5))

	preds := []forecast.Prediction{
		{Symbol: "BTC", ExpectedReturn: 0.05, Confidence: 0.8},
		{Symbol: "ADA", ExpectedReturn: -0.02, Confidence: 0.6},
	}
	prices := map[string]float64{"BTC": 60000, "ADA": 0.5}

	targets, _ := b.BuildTargets(preds, emptyView(), prices)
	require.Len(t, targets, 2)

	byName := map[string]Target{}
	for _, tgt := range targets {
		byName[tgt.Symbol] = tgt
	}
	assert.InDelta(t, 57000, byName["BTC"].StopLossLevel, 1e-6, "long stop 5% below entry")
	assert.InDelta(t, 0.525, byName["ADA"].StopLossLevel, 1e-9, "short stop 5% above entry")
	assert.True(t, byName["BTC"].IsLong)
	assert.False(t, byName["ADA"].IsLong)
}

func TestInsufficientPairsAlert(t *testing.T) {
	b, ps, bus := testBuilder(t)
	require.NoError(t, ps.Set(params.MinPairs, 3))
	require.NoError(t, ps.Set(params.ConfidenceThreshold, 0.5))

	preds := []forecast.Prediction{
		{Symbol: "BTC", ExpectedReturn: 0.05, Confidence: 0.8},
		{Symbol: "ADA", ExpectedReturn: -0.02, Confidence: 0.6},
	}
	targets, pairs := b.BuildTargets(preds, emptyView(), map[string]float64{"BTC": 1, "ADA": 1})

	assert.Empty(t, targets)
	assert.Empty(t, pairs)
	active := bus.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "INSUFFICIENT_PAIRS", active[0].Code)
}

func TestCorrelationGateRejectsWeakPairs(t *testing.T) {
	b, ps, bus := testBuilder(t)
	require.NoError(t, ps.Set(params.MinPairs, 1))
	require.NoError(t, ps.Set(params.ConfidenceThreshold, 0.5))
	require.NoError(t, ps.Set(params.CorrelationThreshold, 0.95))

	// BTC/ADA sit in different sectors; at the maximum threshold no
	// pair clears the gate.
	preds := []forecast.Prediction{
		{Symbol: "BTC", ExpectedReturn: 0.05, Confidence: 0.8},
		{Symbol: "ADA", ExpectedReturn: -0.02, Confidence: 0.8},
	}
	targets, pairs := b.BuildTargets(preds, emptyView(), map[string]float64{"BTC": 1, "ADA": 1})

	assert.Empty(t, targets)
	assert.Empty(t, pairs)
	var found bool
	for _, a := range bus.Active() {
		if a.Code == "INSUFFICIENT_PAIRS" {
			found = true
		}
	}
	assert.True(t, found, "gated-out book surfaces as an alert")
}

func TestCorrelationGatePrefersSameSector(t *testing.T) {
	b, ps, _ := testBuilder(t)
	require.NoError(t, ps.Set(params.MinPairs, 1))
	require.NoError(t, ps.Set(params.ConfidenceThreshold, 0.5))
	require.NoError(t, ps.Set(params.CorrelationThreshold, 0.90))

	// ETH/SOL share a sector and clear 0.90; the BTC/ADA cross-sector
	// pair does not.
	preds := []forecast.Prediction{
		{Symbol: "ETH", ExpectedReturn: 0.06, Confidence: 0.9},
		{Symbol: "BTC", ExpectedReturn: 0.04, Confidence: 0.9},
		{Symbol: "SOL", ExpectedReturn: -0.05, Confidence: 0.9},
		{Symbol: "ADA", ExpectedReturn: -0.02, Confidence: 0.9},
	}
	prices := map[string]float64{"ETH": 1, "BTC": 1, "SOL": 1, "ADA": 1}

	_, pairs := b.BuildTargets(preds, emptyView(), prices)
	require.Len(t, pairs, 1)
	assert.Equal(t, "ETH", pairs[0].LongSymbol)
	assert.Equal(t, "SOL", pairs[0].ShortSymbol)
	assert.InDelta(t, 0.92, pairs[0].PairCorrelation, 1e-9)
}

func TestVolTargetScalesAllocationsDown(t *testing.T) {
	b, ps, _ := testBuilder(t)
	require.NoError(t, ps.Set(params.MinPairs, 1))
	require.NoError(t, ps.Set(params.ConfidenceThreshold, 0.5))
	require.NoError(t, ps.Set(params.TargetVolatility, 0.15))

	calm := []forecast.Prediction{
		{Symbol: "BTC", ExpectedReturn: 0.05, Confidence: 0.8, Volatility: 0.10},
		{Symbol: "ADA", ExpectedReturn: -0.02, Confidence: 0.8, Volatility: 0.10},
	}
	wild := []forecast.Prediction{
		{Symbol: "BTC", ExpectedReturn: 0.05, Confidence: 0.8, Volatility: 0.45},
		{Symbol: "ADA", ExpectedReturn: -0.02, Confidence: 0.8, Volatility: 0.45},
	}
	prices := map[string]float64{"BTC": 1, "ADA": 1}

	_, calmPairs := b.BuildTargets(calm, emptyView(), prices)
	_, wildPairs := b.BuildTargets(wild, emptyView(), prices)
	require.Len(t, calmPairs, 1)
	require.Len(t, wildPairs, 1)

	assert.InDelta(t, calmPairs[0].AllocationWeight/3, wildPairs[0].AllocationWeight, 1e-9,
		"0.45 forecast vol against a 0.15 target scales the book by a third")
}

func TestTargetPortfolioSizeCapsPairs(t *testing.T) {
	b, ps, _ := testBuilder(t)
	require.NoError(t, ps.Set(params.MinPairs, 1))
	require.NoError(t, ps.Set(params.ConfidenceThreshold, 0.5))
	require.NoError(t, ps.Set(params.TargetPortfolioSize, 2))

	preds := []forecast.Prediction{
		{Symbol: "L1", ExpectedReturn: 0.06, Confidence: 0.9},
		{Symbol: "L2", ExpectedReturn: 0.05, Confidence: 0.9},
		{Symbol: "L3", ExpectedReturn: 0.04, Confidence: 0.9},
		{Symbol: "S1", ExpectedReturn: -0.06, Confidence: 0.9},
		{Symbol: "S2", ExpectedReturn: -0.05, Confidence: 0.9},
		{Symbol: "S3", ExpectedReturn: -0.04, Confidence: 0.9},
	}
	prices := map[string]float64{"L1": 1, "L2": 1, "L3": 1, "S1": 1, "S2": 1, "S3": 1}

	targets, pairs := b.BuildTargets(preds, emptyView(), prices)
	assert.Len(t, pairs, 1, "two target positions allow one pair")
	assert.Len(t, targets, 2)
}

func TestConfidenceThresholdDropsPredictions(t *testing.T) {
	b, ps, bus := testBuilder(t)
	require.NoError(t, ps.Set(params.MinPairs, 1))
	require.NoError(t, ps.Set(params.ConfidenceThreshold, 0.9))

	preds := []forecast.Prediction{
		{Symbol: "BTC", ExpectedReturn: 0.05, Confidence: 0.8},
		{Symbol: "ADA", ExpectedReturn: -0.02, Confidence: 0.6},
	}
	targets, _ := b.BuildTargets(preds, emptyView(), map[string]float64{"BTC": 1, "ADA": 1})
	assert.Empty(t, targets)
	assert.NotEmpty(t, bus.Active())
}

func TestClampRenormalizeFixpoint(t *testing.T) {
	b, ps, _ := testBuilder(t)
	require.NoError(t, ps.Set(params.MinPairs, 1))
	require.NoError(t, ps.Set(params.ConfidenceThreshold, 0.5))
	require.NoError(t, ps.Set(params.TotalInvestmentRatio, 1.0))
	require.NoError(t, ps.Set(params.CashBufferPct, 0.0))
	require.NoError(t, ps.Set(params.MaxSinglePairAlloc, 0.3))

	// Three pairs, one dominant confidence that must be clamped.
	preds := []forecast.Prediction{
		{Symbol: "L1", ExpectedReturn: 0.06, Confidence: 0.95},
		{Symbol: "L2", ExpectedReturn: 0.05, Confidence: 0.6},
		{Symbol: "L3", ExpectedReturn: 0.04, Confidence: 0.6},
		{Symbol: "S1", ExpectedReturn: -0.06, Confidence: 0.95},
		{Symbol: "S2", ExpectedReturn: -0.05, Confidence: 0.6},
		{Symbol: "S3", ExpectedReturn: -0.04, Confidence: 0.6},
	}
	prices := map[string]float64{"L1": 1, "L2": 1, "L3": 1, "S1": 1, "S2": 1, "S3": 1}

	_, pairs := b.BuildTargets(preds, emptyView(), prices)
	require.Len(t, pairs, 3)

	sum := 0.0
	for _, p := range pairs {
		assert.LessOrEqual(t, p.AllocationWeight, 0.3+1e-9)
		sum += p.AllocationWeight
	}
	assert.InDelta(t, 0.9, sum, 1e-9, "caps bind at 3x0.3, remainder stays in cash")
}

func TestExposureScaling(t *testing.T) {
	b, ps, _ := testBuilder(t)
	require.NoError(t, ps.Set(params.MinPairs, 1))
	require.NoError(t, ps.Set(params.ConfidenceThreshold, 0.5))
	require.NoError(t, ps.Set(params.TotalInvestmentRatio, 1.0))
	require.NoError(t, ps.Set(params.CashBufferPct, 0.0))
	require.NoError(t, ps.Set(params.MaxSinglePairAlloc, 1.0))
	require.NoError(t, ps.Set(params.MaxLongExposure, 0.5))
	require.NoError(t, ps.Set(params.MaxShortExposure, 0.5))
	require.NoError(t, ps.Set(params.MaxGrossExposure, 0.8))

	preds := []forecast.Prediction{
		{Symbol: "BTC", ExpectedReturn: 0.05, Confidence: 0.9},
		{Symbol: "ADA", ExpectedReturn: -0.03, Confidence: 0.9},
	}
	targets, _ := b.BuildTargets(preds, emptyView(), map[string]float64{"BTC": 1, "ADA": 1})
	require.Len(t, targets, 2)

	gross, longSum, shortSum := 0.0, 0.0, 0.0
	for _, tgt := range targets {
		gross += math.Abs(tgt.TargetWeight)
		if tgt.TargetWeight > 0 {
			longSum += tgt.TargetWeight
		} else {
			shortSum += -tgt.TargetWeight
		}
	}
	assert.LessOrEqual(t, longSum, 0.5+1e-9)
	assert.LessOrEqual(t, shortSum, 0.5+1e-9)
	assert.LessOrEqual(t, gross, 0.8+1e-9)
}

func TestTargetsSortedByAbsWeight(t *testing.T) {
	b, ps, _ := testBuilder(t)
	require.NoError(t, ps.Set(params.MinPairs, 1))
	require.NoError(t, ps.Set(params.ConfidenceThreshold, 0.5))
	require.NoError(t, ps.Set(params.MaxSinglePairAlloc, 0.6))

	preds := []forecast.Prediction{
		{Symbol: "L1", ExpectedReturn: 0.06, Confidence: 0.9},
		{Symbol: "L2", ExpectedReturn: 0.05, Confidence: 0.6},
		{Symbol: "S1", ExpectedReturn: -0.06, Confidence: 0.9},
		{Symbol: "S2", ExpectedReturn: -0.05, Confidence: 0.6},
	}
	prices := map[string]float64{"L1": 1, "L2": 1, "S1": 1, "S2": 1}

	targets, _ := b.BuildTargets(preds, emptyView(), prices)
	require.Len(t, targets, 4)
	for i := 1; i < len(targets); i++ {
		prev, cur := math.Abs(targets[i-1].TargetWeight), math.Abs(targets[i].TargetWeight)
		if prev == cur {
			assert.Less(t, targets[i-1].Symbol, targets[i].Symbol)
		} else {
			assert.Greater(t, prev, cur)
		}
	}
}

func TestDisjointSides(t *testing.T) {
	b, ps, _ := testBuilder(t)
	require.NoError(t, ps.Set(params.MinPairs, 1))
	require.NoError(t, ps.Set(params.ConfidenceThreshold, 0.5))

	// Zero expected return lands on neither side.
	preds := []forecast.Prediction{
		{Symbol: "BTC", ExpectedReturn: 0.0, Confidence: 0.9},
		{Symbol: "ADA", ExpectedReturn: -0.02, Confidence: 0.9},
	}
	targets, pairs := b.BuildTargets(preds, emptyView(), map[string]float64{"BTC": 1, "ADA": 1})
	assert.Empty(t, targets)
	assert.Empty(t, pairs)
}
