// Package engine is the trading cycle controller: a cron-driven state
// machine that walks refresh → forecast → universe → targets → plan →
// validate → execute, with hard risk gates at every checkpoint.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cryptoclaude/trading-core/internal/alerts"
	"github.com/cryptoclaude/trading-core/internal/forecast"
	"github.com/cryptoclaude/trading-core/internal/market"
	"github.com/cryptoclaude/trading-core/internal/observ"
	"github.com/cryptoclaude/trading-core/internal/paper"
	"github.com/cryptoclaude/trading-core/internal/params"
	"github.com/cryptoclaude/trading-core/internal/planner"
	"github.com/cryptoclaude/trading-core/internal/portfolio"
	"github.com/cryptoclaude/trading-core/internal/risk"
	"github.com/cryptoclaude/trading-core/internal/store"
	"github.com/cryptoclaude/trading-core/internal/strategy"
	"github.com/cryptoclaude/trading-core/internal/universe"
)

// State of the cycle machine.
type State string

const (
	StateIdle      State = "IDLE"
	StatePlanning  State = "PLANNING"
	StateSizing    State = "SIZING"
	StateExecuting State = "EXECUTING"
	StateStopped   State = "STOPPED"
)

// ErrStopped rejects cycle ticks after the machine halted.
var ErrStopped = errors.New("engine stopped")

// CycleSummary records one completed (or aborted) cycle.
type CycleSummary struct {
	Number         int           `json:"number"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	UniverseSize   int           `json:"universe_size"`
	Pairs          int           `json:"pairs"`
	OrdersPlanned  int           `json:"orders_planned"`
	OrdersFilled   int           `json:"orders_filled"`
	OrdersRejected int           `json:"orders_rejected"`
	StopsClosed    int           `json:"stops_closed"`
	RiskScore      float64       `json:"risk_score"`
	RiskBand       risk.Band     `json:"risk_band"`
	Aborted        string        `json:"aborted,omitempty"` // empty on success
}

// Engine owns the cycle. All portfolio mutation flows through its paper
// engine; other tasks only read snapshots.
type Engine struct {
	mu            sync.Mutex
	state         State
	cycleNum      int
	lastRebalance time.Time
	running       bool

	ledger   *portfolio.Ledger
	snap     *market.Snapshot
	fc       forecast.Forecaster
	filter   *universe.Filter
	tracker  *universe.Tracker
	builder  *strategy.Builder
	plan     *planner.Planner
	paper    *paper.Engine
	params   *params.Store
	bus      *alerts.Bus
	recorder store.Recorder
	sectors  risk.SectorClassifier

	symbols  []string
	deadline time.Duration

	cron   *cron.Cron
	cronID cron.EntryID

	// last cycle's predictions, for the model-performance feedback loop
	prevPreds map[string]forecast.Prediction
	prevPrice map[string]float64

	now func() time.Time
}

// Deps wires the engine.
type Deps struct {
	Ledger   *portfolio.Ledger
	Snapshot *market.Snapshot
	Forecast forecast.Forecaster
	Universe *universe.Filter
	Tracker  *universe.Tracker
	Builder  *strategy.Builder
	Planner  *planner.Planner
	Paper    *paper.Engine
	Params   *params.Store
	Bus      *alerts.Bus
	Recorder store.Recorder
	Symbols  []string
	Deadline time.Duration
}

func New(d Deps) *Engine {
	rec := d.Recorder
	if rec == nil {
		rec = store.NopRecorder{}
	}
	if d.Deadline <= 0 {
		d.Deadline = 30 * time.Second
	}
	return &Engine{
		state:    StateIdle,
		ledger:   d.Ledger,
		snap:     d.Snapshot,
		fc:       d.Forecast,
		filter:   d.Universe,
		tracker:  d.Tracker,
		builder:  d.Builder,
		plan:     d.Planner,
		paper:    d.Paper,
		params:   d.Params,
		bus:      d.Bus,
		recorder: rec,
		sectors:  risk.DefaultSectors(),
		symbols:  d.Symbols,
		deadline: d.Deadline,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// State reports the current machine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start schedules cycle ticks on the cron spec (seconds field enabled)
// until the context is cancelled.
func (e *Engine) Start(ctx context.Context, spec string) error {
	c := cron.New(cron.WithSeconds())
	id, err := c.AddFunc(spec, func() {
		if _, err := e.RunCycle(ctx); err != nil && !errors.Is(err, ErrStopped) {
			observ.Error("cycle_failed", err, nil)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cycle: %w", err)
	}
	e.mu.Lock()
	e.cron, e.cronID = c, id
	e.mu.Unlock()
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// RunCycle executes one full trading cycle. Overlapping ticks are
// dropped; a STOPPED machine refuses to run until Reset.
func (e *Engine) RunCycle(ctx context.Context) (CycleSummary, error) {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return CycleSummary{}, ErrStopped
	}
	if e.running {
		e.mu.Unlock()
		observ.IncCounter("cycles_skipped_total", map[string]string{"reason": "overlap"})
		return CycleSummary{}, nil
	}
	e.running = true
	e.cycleNum++
	num := e.cycleNum
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	start := e.now()
	sum := CycleSummary{Number: num, StartedAt: start}

	err := e.runSteps(ctx, &sum)
	sum.Duration = e.now().Sub(start)

	if errors.Is(err, context.DeadlineExceeded) {
		sum.Aborted = "CYCLE_TIMEOUT"
		e.bus.Publish(alerts.Alert{
			Category: alerts.CategoryOperations, Severity: alerts.High,
			Component: "engine", Code: "CYCLE_TIMEOUT",
			Message: fmt.Sprintf("cycle %d exceeded the %s deadline", num, e.deadline),
		})
	} else if err != nil && sum.Aborted == "" {
		sum.Aborted = err.Error()
	}

	e.record(sum)
	e.setState(StateIdle)
	return sum, err
}

func (e *Engine) runSteps(ctx context.Context, sum *CycleSummary) error {
	e.setState(StatePlanning)

	// 1. Risk gate.
	report, err := e.riskReport()
	if err != nil {
		return e.abort(sum, "risk report", err)
	}
	sum.RiskScore, sum.RiskBand = report.RiskScore, report.Band
	if report.Band == risk.BandCritical {
		e.bus.Publish(alerts.Alert{
			Category: alerts.CategoryRisk, Severity: alerts.Critical,
			Component: "engine", Code: "RISK_CRITICAL",
			Message:      "cycle skipped: portfolio risk critical",
			TriggerValue: report.RiskScore,
		})
		sum.Aborted = "RISK_CRITICAL"
		return nil
	}

	// 2. Stop-loss sweep, then the portfolio-level stops.
	sum.StopsClosed = e.sweepStops(ctx)
	if e.ledger.CheckPortfolioStop() {
		e.halt("portfolio stop-loss breached")
		sum.Aborted = "PORTFOLIO_STOP"
		return nil
	}

	// 3. Feedback + forecasts + universe.
	e.feedModelPerformance()
	preds, err := e.fc.Generate(ctx, e.symbols)
	if err != nil {
		return e.abort(sum, "forecast", err)
	}
	uni, err := e.filter.Filter(e.symbols)
	if err != nil {
		return e.abort(sum, "universe", err)
	}
	sum.UniverseSize = len(uni.Symbols)
	if len(uni.Symbols) == 0 {
		e.bus.Publish(alerts.Alert{
			Category: alerts.CategoryTrading, Severity: alerts.Warning,
			Component: "engine", Code: "NO_UNIVERSE",
			Message: "no eligible symbols, cycle aborted",
		})
		sum.Aborted = "NO_UNIVERSE"
		return nil
	}
	preds = restrict(preds, uni.Symbols)
	e.rememberPredictions(preds)

	// 4. Targets.
	e.setState(StateSizing)
	prices := e.latestPrices(uni.Symbols)
	targets, pairs := e.builder.BuildTargets(preds, e.ledger.View(), prices)
	sum.Pairs = len(pairs)

	// 5. Orders.
	e.mu.Lock()
	last := e.lastRebalance
	e.mu.Unlock()
	orders := e.plan.Plan(targets, e.ledger.View(), prices, last, e.now())
	sum.OrdersPlanned = len(orders)

	// 6. Hard-limit validation rejects the plan wholesale. The margin
	// call backstop only halts when rejection leaves utilization past
	// the call threshold with nothing left to trade.
	if err := e.validatePlan(orders); err != nil {
		sum.Aborted = "PLAN_REJECTED"
		if view := e.ledger.View(); view.MarginUtilization >= portfolio.MarginCallThreshold {
			e.halt("margin call: utilization past the call threshold with no executable plan")
			sum.Aborted = "MARGIN_CALL"
		}
		return nil
	}

	// 7. Execute.
	e.setState(StateExecuting)
	fills, err := e.paper.Execute(ctx, orders)
	for _, f := range fills {
		if f.Status == paper.StatusFilled {
			sum.OrdersFilled++
		} else {
			sum.OrdersRejected++
		}
	}
	if err != nil {
		return err
	}
	if len(fills) > 0 {
		e.mu.Lock()
		e.lastRebalance = e.now()
		e.mu.Unlock()
	}

	// 8. Post-cycle bookkeeping.
	e.ledger.RecordValue()
	if view := e.ledger.View(); view.MarginUtilization >= portfolio.MarginCallThreshold {
		e.halt("margin call: utilization past the call threshold after execution")
		sum.Aborted = "MARGIN_CALL"
		return nil
	}
	if rep, err := e.riskReport(); err == nil {
		sum.RiskScore, sum.RiskBand = rep.RiskScore, rep.Band
		observ.SetGauge("risk_score", rep.RiskScore, nil)
	}
	e.bus.ResolveWhere(func(a alerts.Alert) bool {
		return a.Code == "NO_UNIVERSE" || a.Code == "INSUFFICIENT_PAIRS"
	})
	return nil
}

func (e *Engine) abort(sum *CycleSummary, step string, err error) error {
	e.bus.Publish(alerts.Alert{
		Category: alerts.CategoryOperations, Severity: alerts.High,
		Component: "engine", Code: "CYCLE_STEP_FAILED",
		Message: fmt.Sprintf("%s: %v", step, err),
	})
	sum.Aborted = step
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// sweepStops force-closes every position whose stop triggered.
func (e *Engine) sweepStops(ctx context.Context) int {
	view := e.ledger.View()
	var orders []planner.Order
	now := e.now()
	for sym, pos := range view.Positions {
		if !pos.StopTriggered && !pos.StopBreached() {
			continue
		}
		o := planner.Order{
			ID: fmt.Sprintf("stop-%s-%d", sym, now.UnixNano()), Symbol: sym,
			Quantity: pos.Quantity, Price: pos.CurrentPrice, Leverage: pos.LeverageRatio,
			Reason: "stop-loss", Protective: true, CreatedAt: now,
		}
		if pos.IsLong {
			o.Side = planner.Sell
		} else {
			o.Side = planner.Buy
		}
		orders = append(orders, o)
	}
	if len(orders) == 0 {
		return 0
	}
	fills, _ := e.paper.Execute(ctx, orders)
	closed := 0
	for _, f := range fills {
		if f.Status == paper.StatusFilled {
			closed++
			e.bus.Publish(alerts.Alert{
				Category: alerts.CategoryTrading, Severity: alerts.High,
				Component: "engine", Code: "STOP_LOSS_TRIGGERED",
				Message: "position force-closed at stop", Symbol: f.Order.Symbol,
			})
		}
	}
	return closed
}

// validatePlan enforces aggregate margin, concentration, and sector
// exposure before any order reaches execution.
func (e *Engine) validatePlan(orders []planner.Order) error {
	if len(orders) == 0 {
		return nil
	}
	view := e.ledger.View()

	// Aggregate margin nets releases from exposure-reducing orders
	// against new requirements, so a de-risking plan always clears.
	// Releases are capped at the position actually held; the excess of
	// a flip re-opens the other way and posts margin again.
	remaining := make(map[string]float64, len(view.Positions))
	for sym, pos := range view.Positions {
		remaining[sym] = pos.Quantity * pos.CurrentPrice
	}
	needed := view.MarginUsed
	for _, o := range orders {
		lev := o.Leverage
		if lev < 1 {
			lev = 1
		}
		if reducesExposure(o, view) && remaining[o.Symbol] > 0 {
			release := math.Min(o.Notional(), remaining[o.Symbol])
			remaining[o.Symbol] -= release
			needed -= release / lev
			needed += (o.Notional() - release) / lev
		} else {
			needed += o.Notional() / lev
		}
	}
	if needed < 0 {
		needed = 0
	}
	if view.AvailableMargin > 0 && needed/view.AvailableMargin > portfolio.MarginUtilizationLimit {
		e.bus.Publish(alerts.Alert{
			Category: alerts.CategoryRisk, Severity: alerts.High,
			Component: "engine", Code: "HIGH_MARGIN_USAGE",
			Message:      "plan rejected: aggregate margin above the utilization limit",
			TriggerValue: needed / view.AvailableMargin,
			Threshold:    portfolio.MarginUtilizationLimit,
		})
		return fmt.Errorf("plan margin %.2f exceeds limit", needed/view.AvailableMargin)
	}

	maxPos := e.params.MustFloat(params.MaxPositionSize)
	if view.TotalValue > 0 {
		for _, o := range orders {
			if o.TargetWeight > maxPos || -o.TargetWeight > maxPos {
				e.bus.Publish(alerts.Alert{
					Category: alerts.CategoryRisk, Severity: alerts.High,
					Component: "engine", Code: "CONCENTRATION_LIMIT",
					Message: "plan rejected: target exceeds max position size", Symbol: o.Symbol,
					TriggerValue: o.TargetWeight, Threshold: maxPos,
				})
				return fmt.Errorf("target %s exceeds max position size", o.Symbol)
			}
		}
	}

	return e.validateSectors(orders, view)
}

// validateSectors caps the net directional tilt per sector. A market
// neutral book nets to zero inside a sector even when both legs sit in
// it.
func (e *Engine) validateSectors(orders []planner.Order, view portfolio.View) error {
	if view.TotalValue <= 0 || !e.params.MustBool(params.EnableSectorConstraint) {
		return nil
	}
	maxSector := e.params.MustFloat(params.MaxSectorExposure)

	tilt := make(map[string]float64)
	targeted := make(map[string]bool, len(orders))
	for _, o := range orders {
		// Close orders carry a zero target weight: the symbol drops out
		// of the projected book and contributes no tilt.
		targeted[o.Symbol] = true
		tilt[e.sectors.Sector(o.Symbol)] += o.TargetWeight
	}
	// Positions the plan leaves untouched keep their current weight.
	for sym := range view.Positions {
		if !targeted[sym] {
			tilt[e.sectors.Sector(sym)] += view.Weight(sym)
		}
	}

	for sector, w := range tilt {
		if w < 0 {
			w = -w
		}
		if w > maxSector {
			e.bus.Publish(alerts.Alert{
				Category: alerts.CategoryRisk, Severity: alerts.High,
				Component: "engine", Code: "SECTOR_LIMIT",
				Message:      fmt.Sprintf("plan rejected: %s tilt exceeds the sector cap", sector),
				TriggerValue: w, Threshold: maxSector,
			})
			return fmt.Errorf("sector %s tilt %.2f exceeds cap", sector, w)
		}
	}
	return nil
}

// reducesExposure reports whether the order shrinks an existing
// position.
func reducesExposure(o planner.Order, view portfolio.View) bool {
	pos, ok := view.Positions[o.Symbol]
	if !ok {
		return false
	}
	return (pos.IsLong && o.Side == planner.Sell) || (!pos.IsLong && o.Side == planner.Buy)
}

// feedModelPerformance scores last cycle's predictions against realized
// moves and feeds the universe tracker.
func (e *Engine) feedModelPerformance() {
	e.mu.Lock()
	prev, prevPx := e.prevPreds, e.prevPrice
	e.prevPreds, e.prevPrice = nil, nil
	e.mu.Unlock()

	for sym, p := range prev {
		latest, err := e.snap.Latest(sym)
		if err != nil {
			continue
		}
		entry, ok := prevPx[sym]
		if !ok || entry <= 0 {
			continue
		}
		realized := latest.Price/entry - 1
		correct := (p.ExpectedReturn >= 0) == (realized >= 0)
		e.tracker.Record(sym, correct)
	}
}

func (e *Engine) rememberPredictions(preds []forecast.Prediction) {
	m := make(map[string]forecast.Prediction, len(preds))
	px := make(map[string]float64, len(preds))
	for _, p := range preds {
		m[p.Symbol] = p
		if latest, err := e.snap.Latest(p.Symbol); err == nil {
			px[p.Symbol] = latest.Price
		}
	}
	e.mu.Lock()
	e.prevPreds, e.prevPrice = m, px
	e.mu.Unlock()
}

func (e *Engine) riskReport() (risk.Report, error) {
	view := e.ledger.View()
	weights := make(map[string]float64, len(view.Positions))
	for sym := range view.Positions {
		weights[sym] = view.Weight(sym)
	}
	return risk.BuildReport(risk.Inputs{
		PortfolioValue: view.TotalValue,
		ValueHistory:   view.ValueHistory,
		Weights:        weights,
		Leverage:       view.CurrentLeverage,
		MaxLeverage:    view.MaxLeverage,
		VaRConfidence:  e.params.MustFloat(params.VarConfidenceLevel),
		LookbackDays:   e.params.MustInt(params.VarLookbackDays),
	}, e.sectors, e.now())
}

// halt moves the machine to STOPPED and flags the downstream systems.
func (e *Engine) halt(why string) {
	e.setState(StateStopped)
	e.ledger.TripStop()
	e.paper.SetEmergencyStop(true)
	e.bus.SetStopped(e.now())
	e.bus.Publish(alerts.Alert{
		Category: alerts.CategoryOperations, Severity: alerts.Emergency,
		Component: "engine", Code: "ENGINE_STOPPED", Message: why,
	})
	observ.Log("engine_stopped", map[string]any{"reason": why})
}

// EmergencyStop halts everything from outside the cycle.
func (e *Engine) EmergencyStop(why string) {
	e.halt(why)
}

// Reset clears STOPPED after operator intervention.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()
	e.ledger.ResetStop()
	e.paper.SetEmergencyStop(false)
	e.bus.SetStopped(time.Time{})
	observ.Log("engine_reset", nil)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	// STOPPED is terminal; only Reset leaves it.
	if e.state != StateStopped || s == StateStopped {
		e.state = s
	}
	e.mu.Unlock()
	observ.Log("engine_state", map[string]any{"state": string(s)})
}

func (e *Engine) latestPrices(symbols []string) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if p, err := e.snap.Latest(sym); err == nil {
			out[sym] = p.Price
		}
	}
	return out
}

func restrict(preds []forecast.Prediction, symbols []string) []forecast.Prediction {
	allowed := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		allowed[s] = true
	}
	out := preds[:0]
	for _, p := range preds {
		if allowed[p.Symbol] {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) record(sum CycleSummary) {
	err := e.recorder.RecordMetric(store.Metric{
		Name:      "cycle_summary",
		Timestamp: sum.StartedAt,
		Fields: map[string]any{
			"number":          sum.Number,
			"duration_ms":     sum.Duration.Milliseconds(),
			"universe_size":   sum.UniverseSize,
			"pairs":           sum.Pairs,
			"orders_planned":  sum.OrdersPlanned,
			"orders_filled":   sum.OrdersFilled,
			"orders_rejected": sum.OrdersRejected,
			"stops_closed":    sum.StopsClosed,
			"risk_score":      sum.RiskScore,
			"risk_band":       string(sum.RiskBand),
			"aborted":         sum.Aborted,
		},
	})
	if err != nil {
		observ.Error("record_cycle", err, nil)
	}
	observ.IncCounter("cycles_total", map[string]string{"aborted": fmt.Sprint(sum.Aborted != "")})
	observ.RecordDuration("cycle_duration", sum.Duration, nil)
}
