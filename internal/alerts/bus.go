// Package alerts is the typed alert bus shared by every component: publish
// with severity and dedup, synchronous filtered subscriptions, and the
// aggregate health roll-up derived from active alerts.
package alerts

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryptoclaude/trading-core/internal/observ"
)

// Severity orders alert importance.
type Severity int

const (
	Info Severity = iota
	Warning
	High
	Critical
	Emergency
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	case Emergency:
		return "EMERGENCY"
	}
	return "UNKNOWN"
}

// Well-known alert categories.
const (
	CategoryIngress    = "ingress"
	CategoryRisk       = "risk"
	CategoryTrading    = "trading"
	CategoryStress     = "stress"
	CategoryOperations = "operations"
)

// DedupWindow suppresses repeat alerts with the same
// (category, severity, component) within this window.
const DedupWindow = 5 * time.Minute

// Alert is one published condition.
type Alert struct {
	ID           string    `json:"id"`
	Seq          uint64    `json:"seq"` // monotonic publish order
	Category     string    `json:"category"`
	Severity     Severity  `json:"severity"`
	Component    string    `json:"component"`
	Code         string    `json:"code"` // e.g. "STALE_PRICE", "NO_UNIVERSE"
	Message      string    `json:"message"`
	Symbol       string    `json:"symbol,omitempty"`
	TriggerValue float64   `json:"trigger_value"`
	Threshold    float64   `json:"threshold_value"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
	Resolved     bool      `json:"resolved"`
}

// Filter selects alerts for a subscriber. Zero value matches everything.
type Filter struct {
	MinSeverity Severity
	Category    string // empty matches all
}

func (f Filter) matches(a Alert) bool {
	if a.Severity < f.MinSeverity {
		return false
	}
	if f.Category != "" && f.Category != a.Category {
		return false
	}
	return true
}

// Sink receives matching alerts synchronously; sinks must not block.
type Sink func(Alert)

type subscription struct {
	filter Filter
	sink   Sink
}

// Health is the aggregate bus health.
type Health string

const (
	HealthOK       Health = "HEALTHY"
	HealthDegraded Health = "DEGRADED"
	HealthCritical Health = "CRITICAL"
	HealthOffline  Health = "OFFLINE"
)

// Bus is a multi-producer alert log with dedup and subscriptions.
type Bus struct {
	mu       sync.Mutex
	seq      uint64
	active   []*Alert
	history  []*Alert
	lastSeen map[string]time.Time // dedup key -> last publish
	subs     []subscription
	now      func() time.Time

	// set by the engine/ingress for the OFFLINE roll-up
	ingressCritical bool
	stoppedSince    time.Time
	offlineAfter    time.Duration
}

// NewBus creates an alert bus. offlineAfter controls the OFFLINE roll-up.
func NewBus(offlineAfter time.Duration) *Bus {
	return &Bus{
		lastSeen:     make(map[string]time.Time),
		now:          func() time.Time { return time.Now().UTC() },
		offlineAfter: offlineAfter,
	}
}

func dedupKey(a Alert) string {
	return a.Category + "|" + a.Severity.String() + "|" + a.Component
}

// Publish records an alert unless an identical (category, severity,
// component) alert was published within the dedup window. Returns the
// stored alert and whether it was actually published.
func (b *Bus) Publish(a Alert) (Alert, bool) {
	b.mu.Lock()
	now := b.now()
	key := dedupKey(a)
	if last, ok := b.lastSeen[key]; ok && now.Sub(last) < DedupWindow {
		b.mu.Unlock()
		observ.IncCounter("alerts_deduped_total", map[string]string{"category": a.Category})
		return Alert{}, false
	}

	b.seq++
	a.ID = uuid.NewString()
	a.Seq = b.seq
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	b.lastSeen[key] = now

	stored := a
	b.active = append(b.active, &stored)
	b.history = append(b.history, &stored)
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	observ.IncCounter("alerts_published_total", map[string]string{
		"category": a.Category,
		"severity": a.Severity.String(),
	})
	observ.Log("alert", map[string]any{
		"category":  a.Category,
		"severity":  a.Severity.String(),
		"component": a.Component,
		"code":      a.Code,
		"message":   a.Message,
		"symbol":    a.Symbol,
	})

	for _, s := range subs {
		if s.filter.matches(a) {
			s.sink(a)
		}
	}
	return a, true
}

// Subscribe registers a sink for alerts matching the filter.
func (b *Bus) Subscribe(f Filter, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{filter: f, sink: sink})
}

// Active returns unresolved alerts in publish order.
func (b *Bus) Active() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, 0, len(b.active))
	for _, a := range b.active {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	return out
}

// Acknowledge marks an alert acknowledged and resolved.
func (b *Bus) Acknowledge(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.active {
		if a.ID == id {
			a.Acknowledged = true
			a.Resolved = true
			b.compactLocked()
			return true
		}
	}
	return false
}

// ResolveWhere resolves every active alert the predicate matches; used by
// the cycle controller to clear transient conditions that no longer hold.
func (b *Bus) ResolveWhere(pred func(Alert) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, a := range b.active {
		if !a.Resolved && pred(*a) {
			a.Resolved = true
			delete(b.lastSeen, dedupKey(*a))
			n++
		}
	}
	b.compactLocked()
	return n
}

func (b *Bus) compactLocked() {
	kept := b.active[:0]
	for _, a := range b.active {
		if !a.Resolved {
			kept = append(kept, a)
		}
	}
	b.active = kept
}

// SetIngressCritical feeds the ingress health into the OFFLINE roll-up.
func (b *Bus) SetIngressCritical(critical bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ingressCritical = critical
}

// SetStopped records when the trading cycle entered STOPPED (zero time
// clears it).
func (b *Bus) SetStopped(since time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stoppedSince = since
}

// AggregateHealth derives bus health from active alerts and the
// ingress/cycle state.
func (b *Bus) AggregateHealth() Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ingressCritical && !b.stoppedSince.IsZero() &&
		b.now().Sub(b.stoppedSince) > b.offlineAfter {
		return HealthOffline
	}

	worst := Info
	for _, a := range b.active {
		if a.Resolved {
			continue
		}
		if a.Severity > worst {
			worst = a.Severity
		}
	}
	switch {
	case worst >= Critical:
		return HealthCritical
	case worst >= High:
		return HealthDegraded
	default:
		return HealthOK
	}
}
