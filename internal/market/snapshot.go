// Package market holds the in-memory current + short rolling market state:
// per-symbol price and sentiment rings with copy-on-read snapshot semantics.
// The ingress task is the only writer; every reader sees a consistent
// (latest, ring) pair.
package market

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultRingCapacity bounds the per-symbol history used for volatility.
const DefaultRingCapacity = 100

// ErrIntegrity indicates a broken snapshot invariant (non-monotone
// timestamps, non-finite values). Fatal for the affected component.
var ErrIntegrity = errors.New("snapshot integrity violation")

// ErrUnknownSymbol indicates a read for a symbol never updated.
var ErrUnknownSymbol = errors.New("unknown symbol")

// PricePoint is one observed price for a symbol.
type PricePoint struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Provider  string    `json:"provider"`
}

// SentimentPoint is one aggregated news-sentiment observation.
type SentimentPoint struct {
	Symbol       string    `json:"symbol"`
	Timestamp    time.Time `json:"timestamp"`
	AvgSentiment float64   `json:"avg_sentiment"` // [-1, 1]
	ArticleCount int       `json:"article_count"`
	Source       string    `json:"source"`
}

// NewsItem is opaque to the core; it is carried for attribution only.
type NewsItem struct {
	Title          string    `json:"title"`
	URL            string    `json:"url"`
	Source         string    `json:"source"`
	PublishedAt    time.Time `json:"published_at"`
	Tickers        []string  `json:"tickers"`
	SentimentLabel string    `json:"sentiment_label"`
}

type symbolState struct {
	mu         sync.Mutex
	prices     []PricePoint // oldest first, len <= cap
	sentiments []SentimentPoint
	stale      bool
}

// Snapshot is the shared market/sentiment state.
type Snapshot struct {
	mu      sync.RWMutex
	symbols map[string]*symbolState
	cap     int
}

// NewSnapshot creates a snapshot store with the given ring capacity
// (DefaultRingCapacity if n <= 0).
func NewSnapshot(n int) *Snapshot {
	if n <= 0 || n > DefaultRingCapacity {
		n = DefaultRingCapacity
	}
	return &Snapshot{symbols: make(map[string]*symbolState), cap: n}
}

func (s *Snapshot) state(symbol string, create bool) (*symbolState, bool) {
	s.mu.RLock()
	st, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if ok || !create {
		return st, ok
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.symbols[symbol]; ok {
		return st, true
	}
	st = &symbolState{}
	s.symbols[symbol] = st
	return st, true
}

func validSymbol(symbol string) error {
	if symbol == "" || len(symbol) > 20 {
		return fmt.Errorf("symbol %q: %w", symbol, ErrIntegrity)
	}
	return nil
}

// UpdatePrice appends a price point to the symbol's ring, evicting the
// oldest entry when full. Timestamps must be non-decreasing.
func (s *Snapshot) UpdatePrice(symbol string, p PricePoint) error {
	if err := validSymbol(symbol); err != nil {
		return err
	}
	if !(p.Price > 0) || p.Volume < 0 ||
		math.IsNaN(p.Price) || math.IsInf(p.Price, 0) ||
		math.IsNaN(p.Volume) || math.IsInf(p.Volume, 0) {
		return fmt.Errorf("price point for %s not finite-positive: %w", symbol, ErrIntegrity)
	}
	p.Symbol = symbol

	st, _ := s.state(symbol, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	if n := len(st.prices); n > 0 && p.Timestamp.Before(st.prices[n-1].Timestamp) {
		return fmt.Errorf("non-monotone price timestamp for %s: %w", symbol, ErrIntegrity)
	}
	st.prices = append(st.prices, p)
	if len(st.prices) > s.cap {
		st.prices = st.prices[len(st.prices)-s.cap:]
	}
	st.stale = false
	return nil
}

// UpdateSentiment appends a sentiment point, same eviction policy as prices.
func (s *Snapshot) UpdateSentiment(symbol string, p SentimentPoint) error {
	if err := validSymbol(symbol); err != nil {
		return err
	}
	if p.AvgSentiment < -1 || p.AvgSentiment > 1 || p.ArticleCount < 0 ||
		math.IsNaN(p.AvgSentiment) {
		return fmt.Errorf("sentiment point for %s out of range: %w", symbol, ErrIntegrity)
	}
	p.Symbol = symbol

	st, _ := s.state(symbol, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	if n := len(st.sentiments); n > 0 && p.Timestamp.Before(st.sentiments[n-1].Timestamp) {
		return fmt.Errorf("non-monotone sentiment timestamp for %s: %w", symbol, ErrIntegrity)
	}
	st.sentiments = append(st.sentiments, p)
	if len(st.sentiments) > s.cap {
		st.sentiments = st.sentiments[len(st.sentiments)-s.cap:]
	}
	return nil
}

// Latest returns the most recent price point for a symbol.
func (s *Snapshot) Latest(symbol string) (PricePoint, error) {
	st, ok := s.state(symbol, false)
	if !ok {
		return PricePoint{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.prices) == 0 {
		return PricePoint{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return st.prices[len(st.prices)-1], nil
}

// Ring returns a stable copy of the symbol's price ring, oldest first.
func (s *Snapshot) Ring(symbol string) ([]PricePoint, error) {
	st, ok := s.state(symbol, false)
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]PricePoint, len(st.prices))
	copy(out, st.prices)
	return out, nil
}

// SentimentRing returns a stable copy of the symbol's sentiment ring.
func (s *Snapshot) SentimentRing(symbol string) ([]SentimentPoint, error) {
	st, ok := s.state(symbol, false)
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]SentimentPoint, len(st.sentiments))
	copy(out, st.sentiments)
	return out, nil
}

// LatestSentiment returns the most recent sentiment point, ok=false when
// no sentiment has been recorded.
func (s *Snapshot) LatestSentiment(symbol string) (SentimentPoint, bool) {
	st, ok := s.state(symbol, false)
	if !ok {
		return SentimentPoint{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.sentiments) == 0 {
		return SentimentPoint{}, false
	}
	return st.sentiments[len(st.sentiments)-1], true
}

// MarkStale flags a symbol whose price could not be refreshed; the last
// known price is preserved.
func (s *Snapshot) MarkStale(symbol string) {
	if st, ok := s.state(symbol, false); ok {
		st.mu.Lock()
		st.stale = true
		st.mu.Unlock()
	}
}

// IsStale reports whether the symbol's latest price is flagged stale.
func (s *Snapshot) IsStale(symbol string) bool {
	st, ok := s.state(symbol, false)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stale
}

// Symbols returns all symbols with at least one price point, sorted.
func (s *Snapshot) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym, st := range s.symbols {
		st.mu.Lock()
		n := len(st.prices)
		st.mu.Unlock()
		if n > 0 {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}
