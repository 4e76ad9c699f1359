// Package paper is the execution simulator: a two-lane order queue and
// a fill model (slippage + fees) that mutates the portfolio ledger. It
// is the only writer of portfolio state.
package paper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cryptoclaude/trading-core/internal/market"
	"github.com/cryptoclaude/trading-core/internal/observ"
	"github.com/cryptoclaude/trading-core/internal/planner"
	"github.com/cryptoclaude/trading-core/internal/portfolio"
)

// ErrEmergencyStop rejects non-protective orders while the stop is set.
var ErrEmergencyStop = errors.New("emergency stop active")

// Fill status values.
const (
	StatusFilled   = "FILLED"
	StatusRejected = "REJECTED"
)

// Fill is the outcome of one order.
type Fill struct {
	Order       planner.Order `json:"order"`
	Status      string        `json:"status"`
	FillPrice   float64       `json:"fill_price"`
	SlippageBps float64       `json:"slippage_bps"`
	Fee         float64       `json:"fee"`
	RealizedPnL float64       `json:"realized_pnl"`
	Timestamp   time.Time     `json:"timestamp"`
	Error       string        `json:"error,omitempty"`

	reduced   bool    // whether the fill shrank an existing position
	prevEntry float64 // entry price before a reduce, for revert
}

// Engine simulates execution against snapshot prices.
type Engine struct {
	mu     sync.Mutex
	ledger *portfolio.Ledger
	snap   *market.Snapshot
	log    *TradeLog

	normal   []planner.Order
	priority []planner.Order

	emergencyStop bool
	history       []Fill

	slippageBpsBase  float64
	slippageBpsPerMM float64
	feeBps           float64

	now func() time.Time
}

// Config carries the fill-model tuning.
type Config struct {
	SlippageBpsBase  float64
	SlippageBpsPerMM float64 // extra bps per $1M notional
	FeeBps           float64
}

func NewEngine(ledger *portfolio.Ledger, snap *market.Snapshot, log *TradeLog, cfg Config) *Engine {
	return &Engine{
		ledger:           ledger,
		snap:             snap,
		log:              log,
		slippageBpsBase:  cfg.SlippageBpsBase,
		slippageBpsPerMM: cfg.SlippageBpsPerMM,
		feeBps:           cfg.FeeBps,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Submit enqueues orders. Protective orders take the priority lane and
// drain before anything queued earlier in the normal lane.
func (e *Engine) Submit(orders ...planner.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range orders {
		if o.Protective {
			e.priority = append(e.priority, o)
		} else {
			e.normal = append(e.normal, o)
		}
	}
	observ.SetGauge("paper_queue_depth", float64(len(e.normal)+len(e.priority)), nil)
}

// SetEmergencyStop toggles the stop. While set, every order except an
// explicit CLOSE_ALL is rejected.
func (e *Engine) SetEmergencyStop(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emergencyStop = on
}

// EmergencyStopped reports the stop flag.
func (e *Engine) EmergencyStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emergencyStop
}

// Execute submits the given orders and drains the whole queue, priority
// lane first. Fills are appended to history in execution order.
func (e *Engine) Execute(ctx context.Context, orders []planner.Order) ([]Fill, error) {
	e.Submit(orders...)
	return e.Drain(ctx)
}

// Drain processes every queued order.
func (e *Engine) Drain(ctx context.Context) ([]Fill, error) {
	var fills []Fill
	for {
		if err := ctx.Err(); err != nil {
			return fills, err
		}
		o, ok := e.dequeue()
		if !ok {
			return fills, nil
		}
		f := e.fill(o)
		fills = append(fills, f)

		e.mu.Lock()
		e.history = append(e.history, f)
		e.mu.Unlock()
	}
}

func (e *Engine) dequeue() (planner.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.priority) > 0 {
		o := e.priority[0]
		e.priority = e.priority[1:]
		return o, true
	}
	if len(e.normal) > 0 {
		o := e.normal[0]
		e.normal = e.normal[1:]
		return o, true
	}
	return planner.Order{}, false
}

func (e *Engine) fill(o planner.Order) Fill {
	now := e.now()
	f := Fill{Order: o, Timestamp: now}

	if e.EmergencyStopped() && !o.CloseAll {
		return e.reject(f, ErrEmergencyStop)
	}

	key := idempotencyKey(o)
	if e.log != nil {
		if dup, err := e.log.HasRecentOrder(key); err == nil && dup {
			return e.reject(f, errors.New("duplicate order within dedupe window"))
		}
	}

	price, err := e.snap.Latest(o.Symbol)
	if err != nil {
		return e.reject(f, fmt.Errorf("no price for %s", o.Symbol))
	}

	f.SlippageBps = e.slippageBps(o.Quantity * price.Price)
	f.FillPrice = applySlippage(price.Price, o.Side, f.SlippageBps)
	f.Fee = o.Quantity * f.FillPrice * e.feeBps / 10000

	view := e.ledger.View()
	if reducesPosition(o, view) {
		f.prevEntry = view.Positions[o.Symbol].EntryPrice
		pnl, err := e.ledger.Reduce(o.Symbol, o.Quantity, f.FillPrice, o.Reason, now)
		if err != nil {
			return e.reject(f, err)
		}
		f.RealizedPnL = pnl
		f.reduced = true
	} else {
		isLong := o.Side == planner.Buy
		if err := e.ledger.Open(o.Symbol, o.Quantity, f.FillPrice, o.Leverage, isLong, now); err != nil {
			return e.reject(f, err)
		}
	}
	e.ledger.ApplyFee(f.Fee)

	f.Status = StatusFilled
	e.journal(o, f, key)
	observ.IncCounter("paper_fills_total", map[string]string{"status": StatusFilled})
	return f
}

func (e *Engine) reject(f Fill, err error) Fill {
	f.Status = StatusRejected
	f.Error = err.Error()
	observ.IncCounter("paper_fills_total", map[string]string{"status": StatusRejected})
	observ.Warn("order_rejected", map[string]any{
		"symbol": f.Order.Symbol, "reason": f.Error,
	})
	return f
}

func (e *Engine) journal(o planner.Order, f Fill, key string) {
	if e.log == nil {
		return
	}
	_ = e.log.writeOrder(loggedOrder{
		ID: o.ID, Symbol: o.Symbol, Side: string(o.Side), Quantity: o.Quantity,
		Reason: o.Reason, Status: f.Status, Timestamp: f.Timestamp, IdempotencyKey: key,
	})
	_ = e.log.writeFill(loggedFill{
		OrderID: o.ID, Symbol: o.Symbol, Side: string(o.Side), Quantity: o.Quantity,
		Price: f.FillPrice, SlippageBps: f.SlippageBps, Fee: f.Fee, Timestamp: f.Timestamp,
	})
}

// History returns every processed fill in execution order.
func (e *Engine) History() []Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Fill, len(e.history))
	copy(out, e.history)
	return out
}

// Revert undoes successful fills in reverse order. Intended for tests
// and dry-run rollback on fresh positions; an open is unwound at its
// fill price with the fee refunded.
func (e *Engine) Revert(fills []Fill) error {
	now := e.now()
	for i := len(fills) - 1; i >= 0; i-- {
		f := fills[i]
		if f.Status != StatusFilled {
			continue
		}
		if f.reduced {
			isLong := f.Order.Side == planner.Sell // the reduce sold a long or bought back a short
			// Reopen at the original entry so the surviving lot's basis is
			// not blended with the fill price.
			entry := f.prevEntry
			if entry == 0 {
				entry = f.FillPrice
			}
			if err := e.ledger.Open(f.Order.Symbol, f.Order.Quantity, entry, f.Order.Leverage, isLong, now); err != nil {
				return fmt.Errorf("revert reduce %s: %w", f.Order.Symbol, err)
			}
			e.ledger.ApplyFee(f.RealizedPnL) // claw back the realized pnl
		} else {
			if _, err := e.ledger.Reduce(f.Order.Symbol, f.Order.Quantity, f.FillPrice, "revert", now); err != nil {
				return fmt.Errorf("revert open %s: %w", f.Order.Symbol, err)
			}
		}
		e.ledger.ApplyFee(-f.Fee)
	}
	return nil
}

// slippageBps grows linearly with notional.
func (e *Engine) slippageBps(notional float64) float64 {
	return e.slippageBpsBase + e.slippageBpsPerMM*math.Abs(notional)/1e6
}

// applySlippage moves the fill against the taker: buys pay up, sells
// receive less.
func applySlippage(price float64, side planner.Side, bps float64) float64 {
	adj := price * bps / 10000
	if side == planner.Buy {
		return price + adj
	}
	return price - adj
}

func reducesPosition(o planner.Order, view portfolio.View) bool {
	pos, ok := view.Positions[o.Symbol]
	if !ok {
		return false
	}
	return (pos.IsLong && o.Side == planner.Sell) || (!pos.IsLong && o.Side == planner.Buy)
}

func idempotencyKey(o planner.Order) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%.8f|%s", o.ID, o.Symbol, o.Side, o.Quantity, o.Reason)))
	return hex.EncodeToString(sum[:8])
}
