package stress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryptoclaude/trading-core/internal/alerts"
	"github.com/cryptoclaude/trading-core/internal/observ"
	"github.com/cryptoclaude/trading-core/internal/paper"
	"github.com/cryptoclaude/trading-core/internal/params"
	"github.com/cryptoclaude/trading-core/internal/planner"
	"github.com/cryptoclaude/trading-core/internal/portfolio"
)

// Action is one rung of the protection ladder, in escalation order.
type Action string

const (
	ReducePositions Action = "REDUCE_POSITIONS"
	IncreaseCash    Action = "INCREASE_CASH"
	Hedge           Action = "HEDGE"
	HaltNewOrders   Action = "HALT_NEW_ORDERS"
	CloseAll        Action = "CLOSE_ALL"
)

// Ladder maps intensity to the actions to take, cumulative with
// escalation.
func Ladder(intensity float64) []Action {
	switch {
	case intensity >= 1:
		return []Action{ReducePositions, IncreaseCash, Hedge, HaltNewOrders, CloseAll}
	case intensity >= 0.75:
		return []Action{ReducePositions, IncreaseCash, Hedge, HaltNewOrders}
	case intensity >= 0.5:
		return []Action{ReducePositions, IncreaseCash}
	case intensity >= 0.25:
		return []Action{ReducePositions}
	default:
		return nil
	}
}

// Fractions trimmed from positions per ladder rung.
const (
	reduceFraction = 0.5
	cashFraction   = 0.25
)

// Protector converts ladder actions into protective orders on the paper
// engine's priority lane. When automatic protection is off, actions are
// parked for manual confirmation instead.
type Protector struct {
	mu      sync.Mutex
	engine  *paper.Engine
	ledger  *portfolio.Ledger
	params  *params.Store
	bus     *alerts.Bus
	pending []Action
	now     func() time.Time
}

func NewProtector(engine *paper.Engine, ledger *portfolio.Ledger, ps *params.Store, bus *alerts.Bus) *Protector {
	return &Protector{
		engine: engine,
		ledger: ledger,
		params: ps,
		bus:    bus,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// React applies the ladder for the given intensity. Returns the actions
// taken (or parked).
func (p *Protector) React(ctx context.Context, intensity float64, results []DetectorResult) []Action {
	threshold := p.params.MustFloat(params.ProtectionIntensity)
	if intensity < threshold {
		return nil
	}

	actions := Ladder(intensity)
	severity := alerts.Critical
	if intensity >= 0.75 {
		severity = alerts.Emergency
	}
	p.alert(severity, intensity, results)

	if !p.params.MustBool(params.AutoProtection) {
		p.mu.Lock()
		p.pending = append(p.pending, actions...)
		p.mu.Unlock()
		observ.Log("protection_parked", map[string]any{"actions": len(actions)})
		return actions
	}

	p.apply(ctx, actions)
	return actions
}

// Pending returns actions awaiting manual confirmation.
func (p *Protector) Pending() []Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Action, len(p.pending))
	copy(out, p.pending)
	return out
}

// ConfirmPending executes and clears the parked actions.
func (p *Protector) ConfirmPending(ctx context.Context) {
	p.mu.Lock()
	actions := p.pending
	p.pending = nil
	p.mu.Unlock()
	p.apply(ctx, actions)
}

func (p *Protector) apply(ctx context.Context, actions []Action) {
	for _, a := range actions {
		switch a {
		case ReducePositions:
			p.submitTrim(reduceFraction, "stress reduce", false)
		case IncreaseCash:
			p.submitTrim(cashFraction, "increase cash", false)
		case Hedge:
			p.submitHedge()
		case HaltNewOrders:
			p.engine.SetEmergencyStop(true)
		case CloseAll:
			p.engine.SetEmergencyStop(true)
			p.submitTrim(1.0, "close all", true)
		}
		observ.IncCounter("protection_actions_total", map[string]string{"action": string(a)})
	}
	if _, err := p.engine.Drain(ctx); err != nil {
		observ.Error("protection_drain", err, nil)
	}
}

// submitTrim queues protective orders shrinking every position by the
// given fraction.
func (p *Protector) submitTrim(fraction float64, reason string, closeAll bool) {
	view := p.ledger.View()
	now := p.now()
	for sym, pos := range view.Positions {
		qty := pos.Quantity * fraction
		if qty <= 0 {
			continue
		}
		o := planner.Order{
			ID:         uuid.NewString(),
			Symbol:     sym,
			Quantity:   qty,
			Price:      pos.CurrentPrice,
			Leverage:   pos.LeverageRatio,
			Reason:     reason,
			Protective: true,
			CloseAll:   closeAll,
			CreatedAt:  now,
		}
		if pos.IsLong {
			o.Side = planner.Sell
		} else {
			o.Side = planner.Buy
		}
		p.engine.Submit(o)
	}
}

// submitHedge flattens the net directional exposure by trimming the
// heavier side.
func (p *Protector) submitHedge() {
	view := p.ledger.View()
	long, short := 0.0, 0.0
	for _, pos := range view.Positions {
		if pos.IsLong {
			long += pos.Value()
		} else {
			short += pos.Value()
		}
	}
	net := long - short
	if net == 0 {
		return
	}
	trimLong := net > 0
	side := long
	if !trimLong {
		side = short
		net = -net
	}
	if side <= 0 {
		return
	}
	fraction := net / side
	now := p.now()
	for sym, pos := range view.Positions {
		if pos.IsLong != trimLong {
			continue
		}
		qty := pos.Quantity * fraction
		if qty <= 0 {
			continue
		}
		o := planner.Order{
			ID:         uuid.NewString(),
			Symbol:     sym,
			Quantity:   qty,
			Price:      pos.CurrentPrice,
			Leverage:   pos.LeverageRatio,
			Reason:     "hedge",
			Protective: true,
			CreatedAt:  now,
		}
		if pos.IsLong {
			o.Side = planner.Sell
		} else {
			o.Side = planner.Buy
		}
		p.engine.Submit(o)
	}
}

func (p *Protector) alert(sev alerts.Severity, intensity float64, results []DetectorResult) {
	firing := ""
	for _, r := range results {
		if r.Firing {
			if firing != "" {
				firing += ","
			}
			firing += r.Name
		}
	}
	p.bus.Publish(alerts.Alert{
		Category:     alerts.CategoryStress,
		Severity:     sev,
		Component:    "stress",
		Code:         "STRESS_DETECTED",
		Message:      "market stress detectors firing: " + firing,
		TriggerValue: intensity,
		Threshold:    p.params.MustFloat(params.ProtectionIntensity),
	})
}

// DetectionTask loops the monitor on a ticker until the context ends.
type DetectionTask struct {
	Monitor   *Monitor
	Protector *Protector
	Symbols   func() []string
	Interval  time.Duration
}

func (t *DetectionTask) Run(ctx context.Context) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			intensity, results := t.Monitor.Evaluate(t.Symbols())
			t.Protector.React(ctx, intensity, results)
		}
	}
}
