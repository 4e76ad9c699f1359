// Package planner diffs target weights against current positions and
// emits idempotent order descriptors. Planning is pure: identical inputs
// produce identical order lists, and no portfolio state is touched here.
package planner

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cryptoclaude/trading-core/internal/alerts"
	"github.com/cryptoclaude/trading-core/internal/observ"
	"github.com/cryptoclaude/trading-core/internal/params"
	"github.com/cryptoclaude/trading-core/internal/portfolio"
	"github.com/cryptoclaude/trading-core/internal/strategy"
)

// Side is the order direction in signed-exposure terms: BUY raises the
// signed weight, SELL lowers it.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Order is a descriptor, not an action; the execution simulator decides
// its fate.
type Order struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      float64   `json:"quantity"` // positive, units of the asset
	Price         float64   `json:"price"`    // reference price at plan time
	Leverage      float64   `json:"leverage"`
	TargetWeight  float64   `json:"target_weight"`
	EstimatedCost float64   `json:"estimated_cost"` // fee + half-spread on the notional
	Reason        string    `json:"reason"`
	Protective    bool      `json:"protective"` // priority lane in the queue
	CloseAll      bool      `json:"close_all"`  // honored even under emergency stop
	CreatedAt     time.Time `json:"created_at"`
}

// Notional is the order's dollar size at the reference price.
func (o Order) Notional() float64 {
	return o.Quantity * o.Price
}

// InfeasibleOrder marks a target that cannot be funded after netting.
type InfeasibleOrder struct {
	Symbol string
	Reason string
}

func (e InfeasibleOrder) Error() string {
	return fmt.Sprintf("infeasible order for %s: %s", e.Symbol, e.Reason)
}

// Planner builds order lists from targets.
type Planner struct {
	params        *params.Store
	bus           *alerts.Bus
	feeBps        float64
	halfSpreadBps float64
}

func New(ps *params.Store, bus *alerts.Bus, feeBps, halfSpreadBps float64) *Planner {
	return &Planner{params: ps, bus: bus, feeBps: feeBps, halfSpreadBps: halfSpreadBps}
}

// Plan computes the orders that move the book from the current view to
// the targets. lastRebalance gates churn; now is passed in so planning
// stays deterministic under test.
func (p *Planner) Plan(targets []strategy.Target, view portfolio.View, prices map[string]float64, lastRebalance, now time.Time) []Order {
	minValue := p.params.MustFloat(params.MinRebalanceValueUSD)
	minFraction := p.params.MustFloat(params.RebalanceThreshold)
	minInterval := time.Duration(p.params.MustInt(params.MinRebalanceInterval)) * time.Second
	forceDev := p.params.MustFloat(params.ForceRebalanceDev)

	if !p.shouldRebalance(targets, view, lastRebalance, now, minInterval, forceDev) {
		return nil
	}

	targeted := make(map[string]bool, len(targets))
	var orders []Order

	for _, tgt := range targets {
		targeted[tgt.Symbol] = true
		price, ok := prices[tgt.Symbol]
		if !ok || price <= 0 {
			continue
		}

		current := view.Weight(tgt.Symbol)
		delta := tgt.TargetWeight - current
		deltaValue := delta * view.TotalValue
		if math.Abs(deltaValue) < minValue || math.Abs(delta) < minFraction {
			continue
		}

		// A direction flip needs two legs: close the old position, then
		// open the new one. The close leg rides the priority lane so the
		// open never nets against the position it replaces.
		if pos, ok := view.Positions[tgt.Symbol]; ok && current != 0 && tgt.TargetWeight != 0 &&
			(current > 0) != (tgt.TargetWeight > 0) {
			closeLeg := Order{
				ID: uuid.NewString(), Symbol: tgt.Symbol,
				Quantity: pos.Quantity, Price: price, Leverage: pos.LeverageRatio,
				Reason: "close", Protective: true, CreatedAt: now,
			}
			openLeg := Order{
				ID: uuid.NewString(), Symbol: tgt.Symbol,
				Quantity: math.Abs(tgt.TargetWeight) * view.TotalValue / price,
				Price:    price, Leverage: view.MaxLeverage,
				TargetWeight: tgt.TargetWeight,
				Reason:       reasonFor(0, tgt.TargetWeight), CreatedAt: now,
			}
			if pos.IsLong {
				closeLeg.Side, openLeg.Side = Sell, Sell
			} else {
				closeLeg.Side, openLeg.Side = Buy, Buy
			}
			orders = append(orders, closeLeg, openLeg)
			continue
		}

		o := Order{
			ID:           uuid.NewString(),
			Symbol:       tgt.Symbol,
			Quantity:     math.Abs(deltaValue) / price,
			Price:        price,
			Leverage:     view.MaxLeverage,
			TargetWeight: tgt.TargetWeight,
			Reason:       reasonFor(current, tgt.TargetWeight),
			CreatedAt:    now,
		}
		if delta > 0 {
			o.Side = Buy
		} else {
			o.Side = Sell
		}
		orders = append(orders, o)
	}

	// Positions that fell out of the target book are closed outright.
	for sym, pos := range view.Positions {
		if targeted[sym] {
			continue
		}
		price, ok := prices[sym]
		if !ok || price <= 0 {
			price = pos.CurrentPrice
		}
		o := Order{
			ID:        uuid.NewString(),
			Symbol:    sym,
			Quantity:  pos.Quantity,
			Price:     price,
			Leverage:  pos.LeverageRatio,
			Reason:    "close",
			CreatedAt: now,
		}
		if pos.IsLong {
			o.Side = Sell
		} else {
			o.Side = Buy
		}
		orders = append(orders, o)
	}

	// Largest orders claim margin first, so a small order never starves
	// a high-conviction one.
	sort.SliceStable(orders, func(i, j int) bool {
		ni, nj := orders[i].Notional(), orders[j].Notional()
		if ni != nj {
			return ni > nj
		}
		return orders[i].Symbol < orders[j].Symbol
	})
	orders = p.enforceMargin(orders, view)
	for i := range orders {
		orders[i].EstimatedCost = p.costFor(orders[i])
	}

	observ.SetGauge("planner_orders", float64(len(orders)), nil)
	observ.SetGauge("planner_estimated_cost_usd", p.EstimateTransactionCosts(orders), nil)
	return orders
}

func (p *Planner) shouldRebalance(targets []strategy.Target, view portfolio.View, last, now time.Time, minInterval time.Duration, forceDev float64) bool {
	if last.IsZero() || now.Sub(last) >= minInterval {
		return true
	}
	for _, tgt := range targets {
		if math.Abs(tgt.TargetWeight-view.Weight(tgt.Symbol)) > forceDev {
			return true
		}
	}
	return false
}

func reasonFor(current, target float64) string {
	switch {
	case target == 0 || (current > 0) != (target > 0) && current != 0:
		return "close"
	case current == 0 && target > 0:
		return "open long"
	case current == 0 && target < 0:
		return "open short"
	case target > 0 && target > current:
		return "rebalance long up"
	case target > 0:
		return "rebalance long down"
	case target < current:
		return "rebalance short up"
	default:
		return "rebalance short down"
	}
}

// enforceMargin nets margin releases against new requirements and drops
// orders that cannot be funded, leaving the rest of the plan intact.
func (p *Planner) enforceMargin(orders []Order, view portfolio.View) []Order {
	budget := view.AvailableMargin*portfolio.MarginUtilizationLimit - view.MarginUsed

	// Exposure-reducing orders release margin first.
	for _, o := range orders {
		if reduces(o, view) {
			lev := o.Leverage
			if lev < 1 {
				lev = 1
			}
			budget += o.Notional() / lev
		}
	}

	kept := orders[:0]
	for _, o := range orders {
		if reduces(o, view) {
			kept = append(kept, o)
			continue
		}
		lev := o.Leverage
		if lev < 1 {
			lev = 1
		}
		need := o.Notional() / lev
		if need > budget {
			p.reject(o, "exceeds available margin after netting")
			continue
		}
		budget -= need
		kept = append(kept, o)
	}
	return kept
}

// reduces reports whether the order shrinks an existing position.
func reduces(o Order, view portfolio.View) bool {
	pos, ok := view.Positions[o.Symbol]
	if !ok {
		return false
	}
	return (pos.IsLong && o.Side == Sell) || (!pos.IsLong && o.Side == Buy)
}

func (p *Planner) reject(o Order, why string) {
	err := InfeasibleOrder{Symbol: o.Symbol, Reason: why}
	observ.Error("order_infeasible", err, map[string]any{"symbol": o.Symbol})
	if p.bus != nil {
		p.bus.Publish(alerts.Alert{
			Category:  alerts.CategoryTrading,
			Severity:  alerts.High,
			Component: "planner",
			Code:      "INFEASIBLE_ORDER",
			Message:   err.Error(),
			Symbol:    o.Symbol,
		})
	}
}

// costFor prices one order: fee plus half-spread on the notional.
func (p *Planner) costFor(o Order) float64 {
	return o.Notional() * (p.feeBps + p.halfSpreadBps) / 10000
}

// EstimateTransactionCosts prices a plan. Strictly monotone in total
// notional.
func (p *Planner) EstimateTransactionCosts(orders []Order) float64 {
	total := 0.0
	for _, o := range orders {
		total += p.costFor(o)
	}
	return total
}
