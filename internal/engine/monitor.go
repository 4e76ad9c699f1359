package engine

import (
	"context"
	"time"

	"github.com/cryptoclaude/trading-core/internal/alerts"
	"github.com/cryptoclaude/trading-core/internal/observ"
	"github.com/cryptoclaude/trading-core/internal/risk"
	"github.com/cryptoclaude/trading-core/internal/store"
)

// MonitorTask samples portfolio health on a fixed cadence and persists
// the marathon metrics. It reads snapshots only; it never mutates.
type MonitorTask struct {
	Engine   *Engine
	Bus      *alerts.Bus
	Recorder store.Recorder
	Interval time.Duration
}

// Run loops until the context ends.
func (m *MonitorTask) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *MonitorTask) sample() {
	e := m.Engine
	view := e.ledger.View()
	rep, err := e.riskReport()
	if err != nil {
		observ.Error("monitor_risk", err, nil)
		return
	}

	initial := 0.0
	if len(view.ValueHistory) > 0 {
		initial = view.ValueHistory[0]
	}
	totalReturn := 0.0
	if initial > 0 {
		totalReturn = view.TotalValue/initial - 1
	}

	health := healthScore(m.Bus.AggregateHealth(), rep.Band)
	observ.SetGauge("portfolio_value", view.TotalValue, nil)
	observ.SetGauge("health_score", health, nil)
	observ.SetGauge("margin_utilization", view.MarginUtilization, nil)

	err = m.Recorder.RecordMetric(store.Metric{
		Name:      "sample",
		Timestamp: e.now(),
		Fields: map[string]any{
			"health_score":     health,
			"portfolio_value":  view.TotalValue,
			"total_return":     totalReturn,
			"current_drawdown": view.Drawdown(),
			"var_95":           rep.VaR95,
			"active_positions": len(view.Positions),
		},
	})
	if err != nil {
		observ.Error("monitor_record", err, nil)
	}
}

// healthScore folds bus health and risk band into a 0-100 figure.
func healthScore(h alerts.Health, band risk.Band) float64 {
	base := 100.0
	switch h {
	case alerts.HealthDegraded:
		base = 70
	case alerts.HealthCritical:
		base = 40
	case alerts.HealthOffline:
		base = 0
	}
	switch band {
	case risk.BandMedium:
		base -= 10
	case risk.BandHigh:
		base -= 25
	case risk.BandCritical:
		base -= 40
	}
	if base < 0 {
		base = 0
	}
	return base
}
