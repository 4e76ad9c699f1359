package paper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoclaude/trading-core/internal/market"
	"github.com/cryptoclaude/trading-core/internal/planner"
	"github.com/cryptoclaude/trading-core/internal/portfolio"
)

var t0 = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func testEngine(t *testing.T, cash float64) (*Engine, *portfolio.Ledger, *market.Snapshot) {
	t.Helper()
	ledger := portfolio.NewLedger("test", cash, 3)
	snap := market.NewSnapshot(10)
	log, err := NewTradeLog(filepath.Join(t.TempDir(), "trades.jsonl"), 90)
	require.NoError(t, err)

	e := NewEngine(ledger, snap, log, Config{SlippageBpsBase: 5, SlippageBpsPerMM: 2, FeeBps: 10})
	e.now = func() time.Time { return t0 }
	return e, ledger, snap
}

func setPrice(t *testing.T, snap *market.Snapshot, sym string, price float64) {
	t.Helper()
	require.NoError(t, snap.UpdatePrice(sym, market.PricePoint{
		Timestamp: t0, Price: price, Volume: 1000, Provider: "test",
	}))
}

func buyOrder(sym string, qty, price, lev float64) planner.Order {
	return planner.Order{
		ID: sym + "-buy", Symbol: sym, Side: planner.Buy,
		Quantity: qty, Price: price, Leverage: lev, Reason: "open long", CreatedAt: t0,
	}
}

func TestFillAppliesSlippageAndFee(t *testing.T) {
	e, ledger, snap := testEngine(t, 100000)
	setPrice(t, snap, "BTC", 50000)

	fills, err := e.Execute(context.Background(), []planner.Order{buyOrder("BTC", 1, 50000, 2)})
	require.NoError(t, err)
	require.Len(t, fills, 1)

	f := fills[0]
	assert.Equal(t, StatusFilled, f.Status)
	// 5 base + 2 * (50000/1e6) = 5.1 bps, buy pays up.
	assert.InDelta(t, 5.1, f.SlippageBps, 1e-9)
	assert.InDelta(t, 50000*(1+5.1/10000), f.FillPrice, 1e-6)
	assert.InDelta(t, f.FillPrice*10/10000, f.Fee, 1e-6)

	v := ledger.View()
	require.Contains(t, v.Positions, "BTC")
	assert.InDelta(t, f.FillPrice, v.Positions["BTC"].EntryPrice, 1e-9)
}

func TestSellSlippageIsAdverse(t *testing.T) {
	e, ledger, snap := testEngine(t, 100000)
	setPrice(t, snap, "ETH", 3000)
	require.NoError(t, ledger.Open("ETH", 10, 3000, 2, true, t0))

	sell := planner.Order{
		ID: "eth-close", Symbol: "ETH", Side: planner.Sell,
		Quantity: 10, Price: 3000, Leverage: 2, Reason: "close",
	}
	fills, err := e.Execute(context.Background(), []planner.Order{sell})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Less(t, fills[0].FillPrice, 3000.0, "seller receives less than mid")
	assert.Negative(t, fills[0].RealizedPnL, "slippage turns a flat close into a small loss")
	assert.NotContains(t, ledger.View().Positions, "ETH")
}

func TestInsufficientMarginRejectsWithoutMutation(t *testing.T) {
	e, ledger, snap := testEngine(t, 1000)
	setPrice(t, snap, "BTC", 60000)
	before := ledger.View()

	fills, err := e.Execute(context.Background(), []planner.Order{buyOrder("BTC", 1, 60000, 3)})
	require.NoError(t, err)
	require.Len(t, fills, 1)

	assert.Equal(t, StatusRejected, fills[0].Status)
	assert.Contains(t, fills[0].Error, "insufficient margin")

	after := ledger.View()
	assert.Equal(t, before.CashBalance, after.CashBalance, "rejected order must not move cash")
	assert.Empty(t, after.Positions)
}

func TestPriorityLaneDrainsFirst(t *testing.T) {
	e, _, snap := testEngine(t, 100000)
	setPrice(t, snap, "BTC", 100)
	setPrice(t, snap, "ETH", 100)

	normal := buyOrder("BTC", 1, 100, 1)
	protective := planner.Order{
		ID: "protect", Symbol: "ETH", Side: planner.Buy, Quantity: 1, Price: 100,
		Leverage: 1, Reason: "hedge", Protective: true,
	}
	e.Submit(normal)
	e.Submit(protective)

	fills, err := e.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "ETH", fills[0].Order.Symbol, "protective order jumps the queue")
	assert.Equal(t, "BTC", fills[1].Order.Symbol)
}

func TestEmergencyStopRejectsAllButCloseAll(t *testing.T) {
	e, ledger, snap := testEngine(t, 100000)
	setPrice(t, snap, "BTC", 100)
	require.NoError(t, ledger.Open("BTC", 10, 100, 1, true, t0))

	e.SetEmergencyStop(true)

	fills, err := e.Execute(context.Background(), []planner.Order{buyOrder("BTC", 1, 100, 1)})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, fills[0].Status)

	closeAll := planner.Order{
		ID: "close-all", Symbol: "BTC", Side: planner.Sell, Quantity: 10,
		Price: 100, Leverage: 1, Reason: "close", CloseAll: true,
	}
	fills, err = e.Execute(context.Background(), []planner.Order{closeAll})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, fills[0].Status)
	assert.Empty(t, ledger.View().Positions)
}

func TestExecuteRevertRoundTrip(t *testing.T) {
	e, ledger, snap := testEngine(t, 100000)
	setPrice(t, snap, "BTC", 50000)
	before := ledger.View()

	fills, err := e.Execute(context.Background(), []planner.Order{buyOrder("BTC", 1, 50000, 2)})
	require.NoError(t, err)
	require.Equal(t, StatusFilled, fills[0].Status)

	require.NoError(t, e.Revert(fills))
	after := ledger.View()
	assert.InDelta(t, before.CashBalance, after.CashBalance, 1e-6)
	assert.InDelta(t, before.MarginUsed, after.MarginUsed, 1e-6)
	assert.Empty(t, after.Positions)
}

func TestRevertReduceRestoresEntryPrice(t *testing.T) {
	e, ledger, snap := testEngine(t, 100000)
	e.slippageBpsBase, e.slippageBpsPerMM, e.feeBps = 0, 0, 0
	require.NoError(t, ledger.Open("BTC", 2, 100, 1, true, t0))

	// Trim half the position after the price runs up.
	setPrice(t, snap, "BTC", 110)
	trim := planner.Order{
		ID: "btc-trim", Symbol: "BTC", Side: planner.Sell,
		Quantity: 1, Price: 110, Leverage: 1, Reason: "rebalance long down",
	}
	fills, err := e.Execute(context.Background(), []planner.Order{trim})
	require.NoError(t, err)
	require.Equal(t, StatusFilled, fills[0].Status)
	assert.InDelta(t, 10, fills[0].RealizedPnL, 1e-9)

	require.NoError(t, e.Revert(fills))
	pos, ok := ledger.View().Positions["BTC"]
	require.True(t, ok)
	assert.InDelta(t, 2, pos.Quantity, 1e-9)
	assert.InDelta(t, 100, pos.EntryPrice, 1e-9,
		"basis must not blend with the reverted fill price")
}

func TestDuplicateOrderSuppressed(t *testing.T) {
	e, _, snap := testEngine(t, 100000)
	setPrice(t, snap, "BTC", 100)

	o := buyOrder("BTC", 1, 100, 1)
	fills, err := e.Execute(context.Background(), []planner.Order{o})
	require.NoError(t, err)
	require.Equal(t, StatusFilled, fills[0].Status)

	fills, err = e.Execute(context.Background(), []planner.Order{o})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, fills[0].Status)
	assert.Contains(t, fills[0].Error, "duplicate")
}

func TestNoPriceRejects(t *testing.T) {
	e, _, _ := testEngine(t, 100000)
	fills, err := e.Execute(context.Background(), []planner.Order{buyOrder("XXX", 1, 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, fills[0].Status)
}

func TestHistoryInExecutionOrder(t *testing.T) {
	e, _, snap := testEngine(t, 100000)
	setPrice(t, snap, "BTC", 100)
	setPrice(t, snap, "ETH", 100)

	_, err := e.Execute(context.Background(), []planner.Order{
		buyOrder("BTC", 1, 100, 1), buyOrder("ETH", 1, 100, 1),
	})
	require.NoError(t, err)

	h := e.History()
	require.Len(t, h, 2)
	assert.Equal(t, "BTC", h[0].Order.Symbol)
	assert.Equal(t, "ETH", h[1].Order.Symbol)
}
