package ingress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoclaude/trading-core/internal/alerts"
	"github.com/cryptoclaude/trading-core/internal/market"
)

var t0 = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

// fakeProvider scripts successes and failures per call. The zero value
// serves both feeds.
type fakeProvider struct {
	name     string
	fail     bool
	noPrices bool
	noNews   bool
	calls    int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Capabilities() (prices, news bool) { return !f.noPrices, !f.noNews }

func (f *fakeProvider) FetchPrices(ctx context.Context, symbols []string) ([]market.PricePoint, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("connection refused")
	}
	out := make([]market.PricePoint, 0, len(symbols))
	for i, s := range symbols {
		out = append(out, market.PricePoint{
			Symbol: s, Timestamp: t0.Add(time.Duration(f.calls) * time.Second),
			Price: 100 + float64(i), Volume: 1000, Provider: f.name,
		})
	}
	return out, nil
}

func (f *fakeProvider) FetchSentiment(ctx context.Context, symbols []string) ([]market.SentimentPoint, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return nil, nil
}

func TestFailoverToSecondary(t *testing.T) {
	primary := &fakeProvider{name: "binance", fail: true}
	secondary := &fakeProvider{name: "coinbase"}
	m := NewManager([]LiveDataProvider{primary, secondary}, ManagerConfig{RatePerSec: 100, Burst: 10})

	points, provider, err := m.FetchPrices(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	assert.Equal(t, "coinbase", provider)
	assert.Len(t, points, 1)

	state, fails := m.ProviderHealth("binance")
	assert.Equal(t, Degraded, state)
	assert.Equal(t, 1, fails)
	assert.Equal(t, AggDegraded, m.AggregateHealth())
}

func TestProviderFailsAfterThreeStrikes(t *testing.T) {
	primary := &fakeProvider{name: "binance", fail: true}
	secondary := &fakeProvider{name: "coinbase"}
	m := NewManager([]LiveDataProvider{primary, secondary}, ManagerConfig{RatePerSec: 100, Burst: 10})

	for i := 0; i < MaxConsecutiveFailures; i++ {
		_, _, err := m.FetchPrices(context.Background(), []string{"BTC"})
		require.NoError(t, err)
	}

	state, _ := m.ProviderHealth("binance")
	assert.Equal(t, Failed, state)

	// A failed provider is skipped entirely on the next fetch.
	calls := primary.calls
	_, provider, err := m.FetchPrices(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	assert.Equal(t, "coinbase", provider)
	assert.Equal(t, calls, primary.calls, "failed provider not probed before recovery wait")
}

func TestRecoveryResetsHealth(t *testing.T) {
	p := &fakeProvider{name: "binance", fail: true}
	m := NewManager([]LiveDataProvider{p}, ManagerConfig{RatePerSec: 100, Burst: 10})

	_, _, err := m.FetchPrices(context.Background(), []string{"BTC"})
	assert.ErrorIs(t, err, ErrAllProvidersFailed)

	p.fail = false
	_, _, err = m.FetchPrices(context.Background(), []string{"BTC"})
	require.NoError(t, err)

	state, fails := m.ProviderHealth("binance")
	assert.Equal(t, Healthy, state)
	assert.Zero(t, fails)
	assert.Equal(t, AggHealthy, m.AggregateHealth())
}

func TestAllFailedIsCritical(t *testing.T) {
	a := &fakeProvider{name: "a", fail: true}
	b := &fakeProvider{name: "b", fail: true}
	m := NewManager([]LiveDataProvider{a, b}, ManagerConfig{RatePerSec: 100, Burst: 10})

	for i := 0; i < MaxConsecutiveFailures; i++ {
		_, _, _ = m.FetchPrices(context.Background(), []string{"BTC"})
	}
	assert.Equal(t, AggCritical, m.AggregateHealth())
}

func TestConfigurableFailureThreshold(t *testing.T) {
	p := &fakeProvider{name: "binance", fail: true}
	m := NewManager([]LiveDataProvider{p}, ManagerConfig{RatePerSec: 100, Burst: 10, MaxFailures: 1})

	_, _, err := m.FetchPrices(context.Background(), []string{"BTC"})
	assert.ErrorIs(t, err, ErrAllProvidersFailed)

	state, fails := m.ProviderHealth("binance")
	assert.Equal(t, Failed, state, "single strike fails the provider at threshold 1")
	assert.Equal(t, 1, fails)
}

func TestAggregateHealthQuorum(t *testing.T) {
	a := &fakeProvider{name: "a", fail: true}
	b := &fakeProvider{name: "b"}
	c := &fakeProvider{name: "c"}
	d := &fakeProvider{name: "d"}
	m := NewManager([]LiveDataProvider{a, b, c, d}, ManagerConfig{RatePerSec: 100, Burst: 10})

	// Two of four healthy is under the three-quarters quorum.
	m.recordFailure("a", errors.New("down"))
	m.recordFailure("b", errors.New("down"))
	assert.Equal(t, AggDegraded, m.AggregateHealth())

	// Three of four healthy with both feeds covered clears it.
	m.recordSuccess("b")
	assert.Equal(t, AggHealthy, m.AggregateHealth())
}

func TestCapabilityRouting(t *testing.T) {
	newsOnly := &fakeProvider{name: "newswire", noPrices: true}
	full := &fakeProvider{name: "exchange"}
	m := NewManager([]LiveDataProvider{newsOnly, full}, ManagerConfig{RatePerSec: 100, Burst: 10})

	// The price fetch skips the news-only provider outright.
	_, provider, err := m.FetchPrices(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	assert.Equal(t, "exchange", provider)
	assert.Zero(t, newsOnly.calls)

	_, provider, err = m.FetchSentiment(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	assert.Equal(t, "newswire", provider)
}

func TestEnableProviderIdempotent(t *testing.T) {
	primary := &fakeProvider{name: "binance"}
	secondary := &fakeProvider{name: "coinbase"}
	m := NewManager([]LiveDataProvider{primary, secondary}, ManagerConfig{RatePerSec: 100, Burst: 10})

	m.EnableProvider("binance", false)
	m.EnableProvider("binance", false) // no-op second time

	_, provider, err := m.FetchPrices(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	assert.Equal(t, "coinbase", provider)
	assert.Zero(t, primary.calls)

	m.EnableProvider("binance", true)
	_, provider, err = m.FetchPrices(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	assert.Equal(t, "binance", provider)
}

func TestSimProviderDeterministic(t *testing.T) {
	a := NewSimProvider("sim", 0.005)
	b := NewSimProvider("sim", 0.005)

	pa, err := a.FetchPrices(context.Background(), []string{"BTC", "ETH"})
	require.NoError(t, err)
	pb, err := b.FetchPrices(context.Background(), []string{"BTC", "ETH"})
	require.NoError(t, err)

	require.Len(t, pa, 2)
	for i := range pa {
		assert.Equal(t, pa[i].Price, pb[i].Price, "same seed, same walk")
		assert.Positive(t, pa[i].Price)
	}
}

func TestTaskFlagsStaleSymbols(t *testing.T) {
	snap := market.NewSnapshot(10)
	bus := alerts.NewBus(10 * time.Minute)
	m := NewManager([]LiveDataProvider{&fakeProvider{name: "sim"}}, ManagerConfig{RatePerSec: 100, Burst: 10})

	task := &Task{
		Manager: m, Snapshot: snap, Bus: bus,
		Symbols: []string{"BTC"}, Interval: time.Second, StaleAfter: 5 * time.Minute,
		lastUpdate: map[string]time.Time{},
		now:        func() time.Time { return t0 },
	}
	task.tick(context.Background())
	assert.False(t, snap.IsStale("BTC"))

	// Fast-forward past the staleness window with no fresh update.
	task.now = func() time.Time { return t0.Add(6 * time.Minute) }
	task.lastUpdate["BTC"] = t0
	task.flagStale()

	assert.True(t, snap.IsStale("BTC"))
	var found bool
	for _, a := range bus.Active() {
		if a.Code == "STALE_PRICE" && a.Symbol == "BTC" {
			found = true
		}
	}
	assert.True(t, found)
}
