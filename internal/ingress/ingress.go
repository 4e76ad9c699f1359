// Package ingress owns the live-data fan-in: prioritized providers with
// per-provider health tracking, automatic failover, rate limiting, and
// the refresh task that feeds the market snapshot.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cryptoclaude/trading-core/internal/market"
	"github.com/cryptoclaude/trading-core/internal/observ"
)

// MaxConsecutiveFailures is the default failure count that moves a
// provider from DEGRADED to FAILED.
const MaxConsecutiveFailures = 3

const defaultRecoveryWait = 5 * time.Minute

// ErrAllProvidersFailed means no provider could serve the request.
var ErrAllProvidersFailed = errors.New("all providers failed")

// LiveDataProvider is one upstream market-data source. Capabilities
// declares which feeds the provider can serve; fetches are only routed
// to providers that claim the feed.
type LiveDataProvider interface {
	Name() string
	Capabilities() (prices, news bool)
	FetchPrices(ctx context.Context, symbols []string) ([]market.PricePoint, error)
	FetchSentiment(ctx context.Context, symbols []string) ([]market.SentimentPoint, error)
}

// HealthState of a single provider.
type HealthState string

const (
	Healthy  HealthState = "HEALTHY"
	Degraded HealthState = "DEGRADED"
	Failed   HealthState = "FAILED"
)

// AggregateState rolls provider healths up for the alert bus.
type AggregateState string

const (
	AggHealthy  AggregateState = "HEALTHY"
	AggDegraded AggregateState = "DEGRADED"
	AggCritical AggregateState = "CRITICAL"
)

type providerHealth struct {
	state        HealthState
	failures     int
	lastSuccess  time.Time
	lastError    string
	failedSince  time.Time
	recoveryWait time.Duration
	disabled     bool
}

// Manager fans requests across providers in priority order, failing
// over when the preferred one degrades.
type Manager struct {
	mu          sync.Mutex
	providers   []LiveDataProvider
	health      map[string]*providerHealth
	limiter     *rate.Limiter
	maxFailures int
	now         func() time.Time
}

// ManagerConfig tunes the fan-in. Zero values fall back to defaults:
// 10 req/s, burst equal to the rate, MaxConsecutiveFailures, and a
// five-minute recovery wait.
type ManagerConfig struct {
	RatePerSec   float64
	Burst        int
	MaxFailures  int
	RecoveryWait time.Duration
}

// NewManager takes providers in priority order.
func NewManager(providers []LiveDataProvider, cfg ManagerConfig) *Manager {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSec)
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = MaxConsecutiveFailures
	}
	if cfg.RecoveryWait <= 0 {
		cfg.RecoveryWait = defaultRecoveryWait
	}
	h := make(map[string]*providerHealth, len(providers))
	for _, p := range providers {
		h[p.Name()] = &providerHealth{state: Healthy, recoveryWait: cfg.RecoveryWait}
	}
	return &Manager{
		providers:   providers,
		health:      h,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		maxFailures: cfg.MaxFailures,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FetchPrices tries price-capable providers in priority order until one
// succeeds.
func (m *Manager) FetchPrices(ctx context.Context, symbols []string) ([]market.PricePoint, string, error) {
	var lastErr error
	for _, p := range m.candidates() {
		if prices, _ := p.Capabilities(); !prices {
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}
		points, err := p.FetchPrices(ctx, symbols)
		if err != nil {
			m.recordFailure(p.Name(), err)
			lastErr = err
			continue
		}
		m.recordSuccess(p.Name())
		return points, p.Name(), nil
	}
	if lastErr == nil {
		lastErr = ErrAllProvidersFailed
	}
	return nil, "", fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

// FetchSentiment mirrors FetchPrices for news sentiment.
func (m *Manager) FetchSentiment(ctx context.Context, symbols []string) ([]market.SentimentPoint, string, error) {
	var lastErr error
	for _, p := range m.candidates() {
		if _, news := p.Capabilities(); !news {
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}
		points, err := p.FetchSentiment(ctx, symbols)
		if err != nil {
			m.recordFailure(p.Name(), err)
			lastErr = err
			continue
		}
		m.recordSuccess(p.Name())
		return points, p.Name(), nil
	}
	if lastErr == nil {
		lastErr = ErrAllProvidersFailed
	}
	return nil, "", fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

// candidates returns providers worth trying: healthy and degraded first,
// failed ones only once their recovery wait elapsed.
func (m *Manager) candidates() []LiveDataProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []LiveDataProvider
	var parked []LiveDataProvider
	for _, p := range m.providers {
		h := m.health[p.Name()]
		if h.disabled {
			continue
		}
		if h.state != Failed {
			out = append(out, p)
			continue
		}
		if now.Sub(h.failedSince) >= h.recoveryWait {
			out = append(out, p) // probe for recovery
		} else {
			parked = append(parked, p)
		}
	}
	// Nothing else left: try the parked ones rather than give up.
	if len(out) == 0 {
		out = parked
	}
	return out
}

func (m *Manager) recordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health[name]
	h.failures++
	h.lastError = err.Error()
	switch {
	case h.failures >= m.maxFailures:
		if h.state != Failed {
			h.failedSince = m.now()
		}
		h.state = Failed
	default:
		h.state = Degraded
	}
	observ.IncCounter("ingress_provider_failures_total", map[string]string{"provider": name})
	observ.Warn("provider_failure", map[string]any{
		"provider": name, "failures": h.failures, "state": string(h.state), "error": err.Error(),
	})
}

func (m *Manager) recordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health[name]
	h.failures = 0
	h.state = Healthy
	h.lastSuccess = m.now()
}

// EnableProvider toggles a provider in or out of the rotation.
// Idempotent; re-enabling resets its failure count.
func (m *Manager) EnableProvider(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[name]
	if !ok || h.disabled == !enabled {
		return
	}
	h.disabled = !enabled
	if enabled {
		h.failures = 0
		h.state = Healthy
	}
	observ.Log("provider_toggle", map[string]any{"provider": name, "enabled": enabled})
}

// LastError returns the most recent failure message for a provider.
func (m *Manager) LastError(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.health[name]; ok {
		return h.lastError
	}
	return ""
}

// ProviderHealth reports one provider's state.
func (m *Manager) ProviderHealth(name string) (HealthState, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[name]
	if !ok {
		return Failed, 0
	}
	return h.state, h.failures
}

// AggregateHealth rolls provider health up across feeds. HEALTHY needs
// at least three quarters of the enabled providers healthy with healthy
// coverage of both the price and news feeds. DEGRADED means every feed
// still has at least one usable (non-failed) provider. Anything less is
// CRITICAL.
func (m *Manager) AggregateHealth() AggregateState {
	m.mu.Lock()
	defer m.mu.Unlock()

	var enabled, healthy int
	var healthyPrice, healthyNews, usablePrice, usableNews bool
	for _, p := range m.providers {
		h := m.health[p.Name()]
		if h.disabled {
			continue
		}
		enabled++
		prices, news := p.Capabilities()
		if h.state == Healthy {
			healthy++
			healthyPrice = healthyPrice || prices
			healthyNews = healthyNews || news
		}
		if h.state != Failed {
			usablePrice = usablePrice || prices
			usableNews = usableNews || news
		}
	}
	if enabled == 0 {
		return AggCritical
	}
	if healthy*4 >= enabled*3 && healthyPrice && healthyNews {
		return AggHealthy
	}
	if usablePrice && usableNews {
		return AggDegraded
	}
	return AggCritical
}
