// Package portfolio models the margin account: open positions with
// leverage, cash, margin usage, and the portfolio value history ring.
// The trading engine is the single owner; every other component reads
// through View snapshots.
package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Hard account limits.
const (
	DefaultMaxLeverage     = 3.0  // default 3:1, configurable per portfolio
	MaxLeverageLimit       = 5.0  // absolute maximum leverage allowed
	MarginUtilizationLimit = 0.80 // use at most 80% of available margin
	PositionStopLoss       = -0.05
	PortfolioStopLoss      = -0.15
	MarginCallThreshold    = 0.90
	ValueHistoryCapacity   = 100
)

var (
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrUnknownPosition    = errors.New("unknown position")
	ErrStopped            = errors.New("portfolio stopped")
)

// Position is one open leveraged position. Quantity is always positive;
// direction is carried by IsLong.
type Position struct {
	Symbol            string    `json:"symbol"`
	Quantity          float64   `json:"quantity"`
	EntryPrice        float64   `json:"entry_price"`
	CurrentPrice      float64   `json:"current_price"`
	IsLong            bool      `json:"is_long"`
	LeverageRatio     float64   `json:"leverage_ratio"`
	EntryTime         time.Time `json:"entry_time"`
	MarginRequirement float64   `json:"margin_requirement"`
	StopLossPrice     float64   `json:"stop_loss_price"`
	StopTriggered     bool      `json:"stop_triggered"`
}

// Value is the position's current market value.
func (p Position) Value() float64 {
	return p.Quantity * p.CurrentPrice
}

// PnL is the signed unrealized profit and loss.
func (p Position) PnL() float64 {
	if p.IsLong {
		return p.Quantity * (p.CurrentPrice - p.EntryPrice)
	}
	return p.Quantity * (p.EntryPrice - p.CurrentPrice)
}

// HoursHeld reports how long the position has been open.
func (p Position) HoursHeld(now time.Time) float64 {
	return now.Sub(p.EntryTime).Hours()
}

// StopBreached reports whether the current price crossed the stop level.
func (p Position) StopBreached() bool {
	if p.IsLong {
		return p.CurrentPrice <= p.StopLossPrice
	}
	return p.CurrentPrice >= p.StopLossPrice
}

// ClosedTrade records a fully closed position for attribution.
type ClosedTrade struct {
	Symbol      string    `json:"symbol"`
	Quantity    float64   `json:"quantity"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	IsLong      bool      `json:"is_long"`
	RealizedPnL float64   `json:"realized_pnl"`
	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time"`
	Reason      string    `json:"reason"`
}

// View is a read-only point-in-time snapshot of the account.
type View struct {
	StrategyName      string              `json:"strategy_name"`
	TotalValue        float64             `json:"total_value"`
	CashBalance       float64             `json:"cash_balance"`
	MarginUsed        float64             `json:"margin_used"`
	AvailableMargin   float64             `json:"available_margin"`
	CurrentLeverage   float64             `json:"current_leverage"`
	MarginUtilization float64             `json:"margin_utilization"`
	MaxLeverage       float64             `json:"max_leverage"`
	StopTriggered     bool                `json:"stop_triggered"`
	Positions         map[string]Position `json:"positions"`
	ValueHistory      []float64           `json:"value_history"`
	PeakValue         float64             `json:"peak_value"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// GrossExposure is the sum of absolute position values.
func (v View) GrossExposure() float64 {
	g := 0.0
	for _, p := range v.Positions {
		g += p.Value()
	}
	return g
}

// Weight returns a position's signed weight of total value.
func (v View) Weight(symbol string) float64 {
	p, ok := v.Positions[symbol]
	if !ok || v.TotalValue <= 0 {
		return 0
	}
	w := p.Value() / v.TotalValue
	if !p.IsLong {
		w = -w
	}
	return w
}

// Drawdown is the fractional decline from the peak portfolio value.
func (v View) Drawdown() float64 {
	if v.PeakValue <= 0 {
		return 0
	}
	dd := (v.PeakValue - v.TotalValue) / v.PeakValue
	if dd < 0 {
		return 0
	}
	return dd
}

// Ledger is the mutable account. All mutation goes through the execution
// simulator under the engine's ownership.
type Ledger struct {
	mu           sync.RWMutex
	strategy     string
	cash         float64
	marginUsed   float64
	maxLeverage  float64
	positions    map[string]*Position
	closed       []ClosedTrade
	valueHistory []float64
	peak         float64
	stopped      bool
	updatedAt    time.Time
}

// NewLedger creates a portfolio with the given starting cash. maxLeverage
// is clamped into [1, MaxLeverageLimit].
func NewLedger(strategy string, initialCash, maxLeverage float64) *Ledger {
	if maxLeverage < 1 {
		maxLeverage = 1
	}
	if maxLeverage > MaxLeverageLimit {
		maxLeverage = MaxLeverageLimit
	}
	l := &Ledger{
		strategy:    strategy,
		cash:        initialCash,
		maxLeverage: maxLeverage,
		positions:   make(map[string]*Position),
		peak:        initialCash,
		updatedAt:   time.Now().UTC(),
	}
	l.valueHistory = append(l.valueHistory, initialCash)
	return l
}

func (l *Ledger) equityLocked() float64 {
	eq := l.cash + l.marginUsed
	for _, p := range l.positions {
		eq += p.PnL()
	}
	if eq < 0 {
		eq = 0
	}
	return eq
}

func (l *Ledger) grossLocked() float64 {
	g := 0.0
	for _, p := range l.positions {
		g += p.Value()
	}
	return g
}

// View returns a consistent snapshot of the account.
func (l *Ledger) View() View {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.viewLocked()
}

func (l *Ledger) viewLocked() View {
	eq := l.equityLocked()
	avail := eq * l.maxLeverage
	util := 0.0
	if avail > 0 {
		util = l.marginUsed / avail
	}
	lev := 1.0
	if eq > 0 && l.grossLocked() > 0 {
		lev = l.grossLocked() / eq
		if lev < 1 {
			lev = 1
		}
	}
	v := View{
		StrategyName:      l.strategy,
		TotalValue:        eq,
		CashBalance:       l.cash,
		MarginUsed:        l.marginUsed,
		AvailableMargin:   avail,
		CurrentLeverage:   lev,
		MarginUtilization: util,
		MaxLeverage:       l.maxLeverage,
		StopTriggered:     l.stopped,
		Positions:         make(map[string]Position, len(l.positions)),
		ValueHistory:      make([]float64, len(l.valueHistory)),
		PeakValue:         l.peak,
		UpdatedAt:         l.updatedAt,
	}
	for s, p := range l.positions {
		v.Positions[s] = *p
	}
	copy(v.ValueHistory, l.valueHistory)
	return v
}

// Open creates or extends a position. Margin for the new quantity is
// posted from cash; the call fails with ErrInsufficientMargin when the
// post-trade utilization would exceed MarginUtilizationLimit or cash
// would go negative.
func (l *Ledger) Open(symbol string, quantity, price, leverage float64, isLong bool, now time.Time) error {
	if quantity <= 0 || price <= 0 || math.IsNaN(quantity) || math.IsNaN(price) {
		return fmt.Errorf("open %s: non-positive quantity/price", symbol)
	}
	if leverage < 1 {
		leverage = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return fmt.Errorf("open %s: %w", symbol, ErrStopped)
	}
	if leverage > l.maxLeverage {
		leverage = l.maxLeverage
	}

	margin := quantity * price / leverage
	if margin > l.cash {
		return fmt.Errorf("open %s: margin %.2f exceeds cash %.2f: %w", symbol, margin, l.cash, ErrInsufficientMargin)
	}

	eq := l.equityLocked()
	avail := eq * l.maxLeverage
	if avail <= 0 || (l.marginUsed+margin)/avail > MarginUtilizationLimit {
		return fmt.Errorf("open %s: utilization above %.0f%%: %w", symbol, MarginUtilizationLimit*100, ErrInsufficientMargin)
	}

	existing, ok := l.positions[symbol]
	if ok && existing.IsLong != isLong {
		return fmt.Errorf("open %s: opposite-direction position exists, close first", symbol)
	}

	l.cash -= margin
	l.marginUsed += margin

	if ok {
		totalQty := existing.Quantity + quantity
		existing.EntryPrice = (existing.EntryPrice*existing.Quantity + price*quantity) / totalQty
		existing.Quantity = totalQty
		existing.CurrentPrice = price
		existing.MarginRequirement += margin
		existing.StopLossPrice = stopPrice(existing.EntryPrice, isLong)
	} else {
		l.positions[symbol] = &Position{
			Symbol:            symbol,
			Quantity:          quantity,
			EntryPrice:        price,
			CurrentPrice:      price,
			IsLong:            isLong,
			LeverageRatio:     leverage,
			EntryTime:         now,
			MarginRequirement: margin,
			StopLossPrice:     stopPrice(price, isLong),
		}
	}
	l.touchLocked(now)
	return nil
}

// stopPrice places the stop on the loss side of entry for the direction.
func stopPrice(entry float64, isLong bool) float64 {
	if isLong {
		return entry * (1 + PositionStopLoss)
	}
	return entry * (1 - PositionStopLoss)
}

// Reduce closes part or all of a position at the given price, releasing
// margin proportionally and realizing pnl into cash. Closing the full
// quantity removes the position and records a ClosedTrade.
func (l *Ledger) Reduce(symbol string, quantity, price float64, reason string, now time.Time) (float64, error) {
	if quantity <= 0 || price <= 0 {
		return 0, fmt.Errorf("reduce %s: non-positive quantity/price", symbol)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok {
		return 0, fmt.Errorf("reduce %s: %w", symbol, ErrUnknownPosition)
	}
	if quantity > p.Quantity+1e-12 {
		quantity = p.Quantity
	}

	fraction := quantity / p.Quantity
	releasedMargin := p.MarginRequirement * fraction

	var pnl float64
	if p.IsLong {
		pnl = quantity * (price - p.EntryPrice)
	} else {
		pnl = quantity * (p.EntryPrice - price)
	}

	l.cash += releasedMargin + pnl
	l.marginUsed -= releasedMargin
	if l.marginUsed < 0 {
		l.marginUsed = 0
	}

	p.Quantity -= quantity
	p.MarginRequirement -= releasedMargin
	p.CurrentPrice = price
	if p.Quantity <= 1e-12 {
		l.closed = append(l.closed, ClosedTrade{
			Symbol:      symbol,
			Quantity:    quantity,
			EntryPrice:  p.EntryPrice,
			ExitPrice:   price,
			IsLong:      p.IsLong,
			RealizedPnL: pnl,
			EntryTime:   p.EntryTime,
			ExitTime:    now,
			Reason:      reason,
		})
		delete(l.positions, symbol)
	}
	l.touchLocked(now)
	return pnl, nil
}

// ApplyFee debits (or, negative, refunds) a trading fee against cash.
func (l *Ledger) ApplyFee(amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash -= amount
}

// MarkPrices refreshes current prices from the given map and re-evaluates
// stop flags. Unknown symbols are skipped.
func (l *Ledger) MarkPrices(prices map[string]float64, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sym, p := range l.positions {
		if px, ok := prices[sym]; ok && px > 0 {
			p.CurrentPrice = px
			if p.StopBreached() {
				p.StopTriggered = true
			}
		}
	}
	l.touchLocked(now)
}

// RecordValue appends the current equity to the value-history ring and
// updates the peak. Returns the recorded value.
func (l *Ledger) RecordValue() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	eq := l.equityLocked()
	l.valueHistory = append(l.valueHistory, eq)
	if len(l.valueHistory) > ValueHistoryCapacity {
		l.valueHistory = l.valueHistory[len(l.valueHistory)-ValueHistoryCapacity:]
	}
	if eq > l.peak {
		l.peak = eq
	}
	return eq
}

// CheckPortfolioStop trips the portfolio stop when drawdown from peak
// breaches PortfolioStopLoss. Returns whether the stop is (now) triggered.
func (l *Ledger) CheckPortfolioStop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return true
	}
	if l.peak <= 0 {
		return false
	}
	dd := (l.peak - l.equityLocked()) / l.peak
	if dd >= -PortfolioStopLoss {
		l.stopped = true
	}
	return l.stopped
}

// TripStop forces the portfolio stop (emergency protection path).
func (l *Ledger) TripStop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
}

// ResetStop clears the stop flag after explicit operator reset.
func (l *Ledger) ResetStop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = false
}

// Stopped reports the stop flag.
func (l *Ledger) Stopped() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stopped
}

// ClosedTrades returns the session's closed-trade history.
func (l *Ledger) ClosedTrades() []ClosedTrade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ClosedTrade, len(l.closed))
	copy(out, l.closed)
	return out
}

func (l *Ledger) touchLocked(now time.Time) {
	if now.After(l.updatedAt) {
		l.updatedAt = now
	}
}
