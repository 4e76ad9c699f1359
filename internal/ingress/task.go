package ingress

import (
	"context"
	"time"

	"github.com/cryptoclaude/trading-core/internal/alerts"
	"github.com/cryptoclaude/trading-core/internal/market"
	"github.com/cryptoclaude/trading-core/internal/observ"
)

// Task is the refresh loop feeding the market snapshot.
type Task struct {
	Manager    *Manager
	Snapshot   *market.Snapshot
	Bus        *alerts.Bus
	Symbols    []string
	Interval   time.Duration
	StaleAfter time.Duration

	lastUpdate map[string]time.Time
	now        func() time.Time
}

// Run loops until the context ends. Each tick fetches prices and
// sentiment, updates the snapshot, flags stale symbols, and feeds the
// aggregate health into the alert bus.
func (t *Task) Run(ctx context.Context) {
	if t.now == nil {
		t.now = func() time.Time { return time.Now().UTC() }
	}
	t.lastUpdate = make(map[string]time.Time, len(t.Symbols))

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	t.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Task) tick(ctx context.Context) {
	start := t.now()

	points, provider, err := t.Manager.FetchPrices(ctx, t.Symbols)
	if err != nil {
		observ.Error("ingress_fetch", err, nil)
	} else {
		for _, p := range points {
			if uerr := t.Snapshot.UpdatePrice(p.Symbol, p); uerr != nil {
				observ.Warn("ingress_bad_point", map[string]any{"symbol": p.Symbol, "error": uerr.Error()})
				continue
			}
			t.lastUpdate[p.Symbol] = p.Timestamp
		}
		observ.IncCounter("ingress_refresh_total", map[string]string{"provider": provider})
	}

	if sents, _, serr := t.Manager.FetchSentiment(ctx, t.Symbols); serr == nil {
		for _, sp := range sents {
			_ = t.Snapshot.UpdateSentiment(sp.Symbol, sp)
		}
	}

	t.flagStale()
	t.publishHealth()
	observ.RecordDuration("ingress_tick", t.now().Sub(start), nil)
}

// flagStale marks symbols whose last good update exceeded StaleAfter;
// the last known price stays served.
func (t *Task) flagStale() {
	now := t.now()
	for _, sym := range t.Symbols {
		last, ok := t.lastUpdate[sym]
		if !ok || now.Sub(last) <= t.StaleAfter {
			continue
		}
		t.Snapshot.MarkStale(sym)
		t.Bus.Publish(alerts.Alert{
			Category:  alerts.CategoryIngress,
			Severity:  alerts.Warning,
			Component: "ingress",
			Code:      "STALE_PRICE",
			Message:   "no fresh price within the staleness window",
			Symbol:    sym,
		})
	}
}

func (t *Task) publishHealth() {
	agg := t.Manager.AggregateHealth()
	t.Bus.SetIngressCritical(agg == AggCritical)
	observ.SetGauge("ingress_health", healthGauge(agg), nil)
	if agg == AggCritical {
		t.Bus.Publish(alerts.Alert{
			Category:  alerts.CategoryIngress,
			Severity:  alerts.Critical,
			Component: "ingress",
			Code:      "ALL_PROVIDERS_FAILED",
			Message:   "no market data provider is reachable",
		})
	}
}

func healthGauge(s AggregateState) float64 {
	switch s {
	case AggHealthy:
		return 2
	case AggDegraded:
		return 1
	default:
		return 0
	}
}
