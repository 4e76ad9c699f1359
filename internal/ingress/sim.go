package ingress

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cryptoclaude/trading-core/internal/market"
)

// SimProvider synthesizes a deterministic random walk per symbol, for
// paper mode and tests. The walk is seeded by symbol name, so runs are
// reproducible.
type SimProvider struct {
	mu     sync.Mutex
	name   string
	prices map[string]float64
	rngs   map[string]*rand.Rand
	vol    float64
	now    func() time.Time
}

// NewSimProvider creates a simulator with per-step volatility vol
// (fractional, e.g. 0.005).
func NewSimProvider(name string, vol float64) *SimProvider {
	if vol <= 0 {
		vol = 0.005
	}
	return &SimProvider{
		name:   name,
		prices: make(map[string]float64),
		rngs:   make(map[string]*rand.Rand),
		vol:    vol,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *SimProvider) Name() string { return s.name }

func (s *SimProvider) Capabilities() (prices, news bool) { return true, true }

func (s *SimProvider) FetchPrices(ctx context.Context, symbols []string) ([]market.PricePoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]market.PricePoint, 0, len(symbols))
	for _, sym := range symbols {
		rng := s.rng(sym)
		price, ok := s.prices[sym]
		if !ok {
			price = basePrice(sym)
		}
		price *= 1 + s.vol*rng.NormFloat64()
		if price <= 0 {
			price = basePrice(sym)
		}
		s.prices[sym] = price
		out = append(out, market.PricePoint{
			Symbol:    sym,
			Timestamp: now,
			Price:     price,
			Volume:    (0.5 + rng.Float64()) * 1e6,
			Provider:  s.name,
		})
	}
	return out, nil
}

func (s *SimProvider) FetchSentiment(ctx context.Context, symbols []string) ([]market.SentimentPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]market.SentimentPoint, 0, len(symbols))
	for _, sym := range symbols {
		rng := s.rng(sym)
		out = append(out, market.SentimentPoint{
			Symbol:       sym,
			Timestamp:    now,
			AvgSentiment: math.Tanh(rng.NormFloat64() * 0.4),
			ArticleCount: 1 + rng.Intn(20),
			Source:       s.name,
		})
	}
	return out, nil
}

func (s *SimProvider) rng(sym string) *rand.Rand {
	if r, ok := s.rngs[sym]; ok {
		return r
	}
	h := fnv.New64a()
	h.Write([]byte(sym))
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	s.rngs[sym] = r
	return r
}

// basePrice spreads starting prices across a plausible range by symbol.
func basePrice(sym string) float64 {
	h := fnv.New32a()
	h.Write([]byte(sym))
	return 1 + float64(h.Sum32()%100000)
}
