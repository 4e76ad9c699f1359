package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoclaude/trading-core/internal/alerts"
	"github.com/cryptoclaude/trading-core/internal/forecast"
	"github.com/cryptoclaude/trading-core/internal/market"
	"github.com/cryptoclaude/trading-core/internal/paper"
	"github.com/cryptoclaude/trading-core/internal/params"
	"github.com/cryptoclaude/trading-core/internal/planner"
	"github.com/cryptoclaude/trading-core/internal/portfolio"
	"github.com/cryptoclaude/trading-core/internal/strategy"
	"github.com/cryptoclaude/trading-core/internal/universe"
)

var t0 = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

type rig struct {
	engine *Engine
	ledger *portfolio.Ledger
	snap   *market.Snapshot
	ps     *params.Store
	bus    *alerts.Bus
	paper  *paper.Engine
}

func newRig(t *testing.T, symbols []string) *rig {
	t.Helper()
	ledger := portfolio.NewLedger("test", 100000, 3)
	snap := market.NewSnapshot(50)
	ps := params.New()
	bus := alerts.NewBus(10 * time.Minute)
	tracker := universe.NewTracker()

	log, err := paper.NewTradeLog(filepath.Join(t.TempDir(), "trades.jsonl"), 90)
	require.NoError(t, err)
	pe := paper.NewEngine(ledger, snap, log, paper.Config{SlippageBpsBase: 1, FeeBps: 10})

	fc := forecast.NewMomentumForecaster(snap)
	e := New(Deps{
		Ledger:   ledger,
		Snapshot: snap,
		Forecast: fc,
		Universe: universe.NewFilter(snap, ps, tracker),
		Tracker:  tracker,
		Builder:  strategy.NewBuilder(ps, bus),
		Planner:  planner.New(ps, bus, 10, 5),
		Paper:    pe,
		Params:   ps,
		Bus:      bus,
		Symbols:  symbols,
		Deadline: 30 * time.Second,
	})
	e.now = func() time.Time { return t0 }
	return &rig{engine: e, ledger: ledger, snap: snap, ps: ps, bus: bus, paper: pe}
}

// seedMarket writes a liquid trending series for a symbol.
func seedMarket(t *testing.T, snap *market.Snapshot, sym string, step float64) {
	t.Helper()
	price := 100.0
	for i := 0; i < 30; i++ {
		require.NoError(t, snap.UpdatePrice(sym, market.PricePoint{
			Timestamp: t0.Add(time.Duration(i-30) * time.Minute),
			Price:     price, Volume: 200000, Provider: "test",
		}))
		price *= 1 + step
	}
}

func TestCycleNoUniverse(t *testing.T) {
	r := newRig(t, []string{"BTC"})

	sum, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "NO_UNIVERSE", sum.Aborted)
	assert.Equal(t, StateIdle, r.engine.State())

	var found bool
	for _, a := range r.bus.Active() {
		if a.Code == "NO_UNIVERSE" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestFullCycleOpensPairs(t *testing.T) {
	r := newRig(t, []string{"UPA", "UPB", "DNA", "DNB"})
	seedMarket(t, r.snap, "UPA", 0.004)
	seedMarket(t, r.snap, "UPB", 0.003)
	seedMarket(t, r.snap, "DNA", -0.004)
	seedMarket(t, r.snap, "DNB", -0.003)
	require.NoError(t, r.ps.Set(params.MinPairs, 1))
	require.NoError(t, r.ps.Set(params.ConfidenceThreshold, 0.6))

	sum, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, sum.Aborted)
	assert.Equal(t, 4, sum.UniverseSize)
	assert.GreaterOrEqual(t, sum.Pairs, 1)
	assert.Greater(t, sum.OrdersFilled, 0)
	assert.Zero(t, sum.OrdersRejected)
	assert.Equal(t, StateIdle, r.engine.State())

	view := r.ledger.View()
	assert.NotEmpty(t, view.Positions)
	var long, short bool
	for _, p := range view.Positions {
		if p.IsLong {
			long = true
		} else {
			short = true
		}
	}
	assert.True(t, long && short, "book is long/short")
}

func TestStopLossSweepForceCloses(t *testing.T) {
	r := newRig(t, []string{"BTC"})
	seedMarket(t, r.snap, "BTC", 0)

	require.NoError(t, r.ledger.Open("BTC", 10, 100, 2, true, t0.Add(-time.Hour)))
	// Price collapses through the 95 stop.
	r.ledger.MarkPrices(map[string]float64{"BTC": 90}, t0)
	require.NoError(t, r.snap.UpdatePrice("BTC", market.PricePoint{
		Timestamp: t0, Price: 90, Volume: 200000, Provider: "test",
	}))

	sum, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.StopsClosed)
	assert.NotContains(t, r.ledger.View().Positions, "BTC")

	trades := r.ledger.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, "stop-loss", trades[0].Reason)
	assert.Negative(t, trades[0].RealizedPnL)

	var alerted bool
	for _, a := range r.bus.Active() {
		if a.Code == "STOP_LOSS_TRIGGERED" && a.Symbol == "BTC" {
			alerted = true
		}
	}
	assert.True(t, alerted)
}

func TestStoppedIsTerminalUntilReset(t *testing.T) {
	r := newRig(t, []string{"BTC"})

	r.engine.EmergencyStop("operator")
	assert.Equal(t, StateStopped, r.engine.State())
	assert.True(t, r.paper.EmergencyStopped())

	_, err := r.engine.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	r.engine.Reset()
	assert.Equal(t, StateIdle, r.engine.State())
	assert.False(t, r.paper.EmergencyStopped())

	_, err = r.engine.RunCycle(context.Background())
	assert.NoError(t, err)
}

func TestPortfolioStopHaltsEngine(t *testing.T) {
	r := newRig(t, []string{"BTC"})
	seedMarket(t, r.snap, "BTC", 0)

	// Leveraged long, then a 20% equity drawdown.
	require.NoError(t, r.ledger.Open("BTC", 2000, 100, 3, true, t0.Add(-time.Hour)))
	r.ledger.MarkPrices(map[string]float64{"BTC": 90}, t0)
	r.ledger.RecordValue()

	sum, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)

	// The 10% single-print drop rides through the sweep (stop fires) and
	// then the portfolio stop halts the machine.
	assert.Equal(t, "PORTFOLIO_STOP", sum.Aborted)
	assert.Equal(t, StateStopped, r.engine.State())
	assert.True(t, r.ledger.Stopped())
}

func TestValidatePlanAllowsDeRisking(t *testing.T) {
	r := newRig(t, []string{"BTC"})

	// Drawn-down leveraged book: margin 80000 against 120000 available.
	require.NoError(t, r.ledger.Open("BTC", 6, 40000, 3, true, t0.Add(-time.Hour)))
	r.ledger.MarkPrices(map[string]float64{"BTC": 30000}, t0)
	view := r.ledger.View()
	require.Greater(t, view.MarginUtilization, 0.6)

	closeOut := planner.Order{
		ID: "btc-close", Symbol: "BTC", Side: planner.Sell,
		Quantity: 6, Price: 30000, Leverage: 3, Reason: "close", CreatedAt: t0,
	}
	assert.NoError(t, r.engine.validatePlan([]planner.Order{closeOut}),
		"a pure close releases margin and must clear the utilization gate")
}

func TestHighMarginUsagePlanRejectedEngineKeepsCycling(t *testing.T) {
	r := newRig(t, []string{"BTC"})

	// 800k notional at 3x wants 267k of the 240k usable margin.
	overdraw := planner.Order{
		ID: "btc-big", Symbol: "BTC", Side: planner.Buy,
		Quantity: 16, Price: 50000, Leverage: 3, TargetWeight: 0.2, CreatedAt: t0,
	}
	err := r.engine.validatePlan([]planner.Order{overdraw})
	require.Error(t, err)

	var found bool
	for _, a := range r.bus.Active() {
		if a.Code == "HIGH_MARGIN_USAGE" {
			found = true
		}
	}
	assert.True(t, found)

	// Rejection is per-cycle, not terminal: the next tick still runs.
	sum, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, r.engine.State())
	assert.NotEqual(t, "MARGIN_CALL", sum.Aborted)
}

func TestPlanRejectedWholesaleOnConcentration(t *testing.T) {
	r := newRig(t, []string{"UPA", "UPB", "DNA", "DNB"})
	seedMarket(t, r.snap, "UPA", 0.004)
	seedMarket(t, r.snap, "UPB", 0.003)
	seedMarket(t, r.snap, "DNA", -0.004)
	seedMarket(t, r.snap, "DNB", -0.003)
	require.NoError(t, r.ps.Set(params.MinPairs, 1))
	require.NoError(t, r.ps.Set(params.ConfidenceThreshold, 0.6))
	// Position cap below what the builder allocates: every plan fails.
	require.NoError(t, r.ps.Set(params.MaxPositionSize, 0.05))

	sum, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "PLAN_REJECTED", sum.Aborted)
	assert.Positive(t, sum.OrdersPlanned)
	assert.Zero(t, sum.OrdersFilled, "rejected wholesale, nothing executes")
	assert.Empty(t, r.ledger.View().Positions)
	assert.Equal(t, StateIdle, r.engine.State(), "rejection is not a halt")

	var found bool
	for _, a := range r.bus.Active() {
		if a.Code == "CONCENTRATION_LIMIT" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSectorTiltCapRejectsPlan(t *testing.T) {
	r := newRig(t, []string{"ETH", "SOL"})

	// Two longs in one sector: 0.35 net tilt against the 0.25 cap.
	orders := []planner.Order{
		{ID: "eth", Symbol: "ETH", Side: planner.Buy, Quantity: 200, Price: 100, Leverage: 3, TargetWeight: 0.2, CreatedAt: t0},
		{ID: "sol", Symbol: "SOL", Side: planner.Buy, Quantity: 150, Price: 100, Leverage: 3, TargetWeight: 0.15, CreatedAt: t0},
	}
	err := r.engine.validatePlan(orders)
	require.Error(t, err)

	var found bool
	for _, a := range r.bus.Active() {
		if a.Code == "SECTOR_LIMIT" {
			found = true
		}
	}
	assert.True(t, found)

	// A market-neutral book nets to zero tilt and passes.
	neutral := []planner.Order{
		{ID: "eth-n", Symbol: "ETH", Side: planner.Buy, Quantity: 200, Price: 100, Leverage: 3, TargetWeight: 0.2, CreatedAt: t0},
		{ID: "sol-n", Symbol: "SOL", Side: planner.Sell, Quantity: 200, Price: 100, Leverage: 3, TargetWeight: -0.2, CreatedAt: t0},
	}
	assert.NoError(t, r.engine.validatePlan(neutral))

	// Disabling the constraint admits the tilted plan.
	require.NoError(t, r.ps.Set(params.EnableSectorConstraint, false))
	assert.NoError(t, r.engine.validatePlan(orders))
}

func TestModelFeedbackReachesTracker(t *testing.T) {
	r := newRig(t, []string{"UPA", "UPB", "DNA", "DNB"})
	seedMarket(t, r.snap, "UPA", 0.004)
	seedMarket(t, r.snap, "UPB", 0.003)
	seedMarket(t, r.snap, "DNA", -0.004)
	seedMarket(t, r.snap, "DNB", -0.003)
	require.NoError(t, r.ps.Set(params.MinPairs, 1))
	require.NoError(t, r.ps.Set(params.ConfidenceThreshold, 0.6))

	_, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, r.engine.prevPreds, "predictions remembered for next cycle")

	_, err = r.engine.RunCycle(context.Background())
	require.NoError(t, err)
}

func TestOverlappingCycleSkipped(t *testing.T) {
	r := newRig(t, []string{"BTC"})
	r.engine.mu.Lock()
	r.engine.running = true
	r.engine.mu.Unlock()

	sum, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Number, "overlapping tick dropped")
}
