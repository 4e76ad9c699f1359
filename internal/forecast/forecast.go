// Package forecast defines the prediction contract the strategy layer
// consumes, plus the built-in momentum/sentiment model. Models are pure
// over the market snapshot; swapping one in changes no other component.
package forecast

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/cryptoclaude/trading-core/internal/market"
	"github.com/cryptoclaude/trading-core/internal/observ"
	"github.com/cryptoclaude/trading-core/internal/risk"
)

// Prediction is one symbol's expected move over the model horizon.
type Prediction struct {
	Symbol         string        `json:"symbol"`
	ExpectedReturn float64       `json:"expected_return"` // fractional, in (-1, 1)
	Confidence     float64       `json:"confidence"`      // [0, 1]
	Volatility     float64       `json:"volatility"`      // annualized forecast, >= 0
	Horizon        time.Duration `json:"horizon"`
	ModelTag       string        `json:"model_tag"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

// Forecaster produces predictions for the given symbols. Symbols with
// insufficient data are omitted, never guessed.
type Forecaster interface {
	Generate(ctx context.Context, symbols []string) ([]Prediction, error)
	Tag() string
}

// SortPredictions orders by expected return desc, then confidence desc,
// then symbol asc. The ordering is total, so repeated runs on the same
// inputs pair the same symbols.
func SortPredictions(ps []Prediction) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].ExpectedReturn != ps[j].ExpectedReturn {
			return ps[i].ExpectedReturn > ps[j].ExpectedReturn
		}
		if ps[i].Confidence != ps[j].Confidence {
			return ps[i].Confidence > ps[j].Confidence
		}
		return ps[i].Symbol < ps[j].Symbol
	})
}

const momentumTag = "momentum-sentiment-v1"

// Momentum model tuning. Sentiment is mapped into return space so a
// fully bullish reading (+1) contributes at most 2%.
const (
	momentumWindow   = 10
	momentumWeight   = 0.7
	sentimentWeight  = 0.3
	sentimentToRet   = 0.02
	warmupRingPoints = 20
	momentumHorizon  = 24 * time.Hour
)

// MomentumForecaster blends short-window price momentum with the latest
// news sentiment. Deterministic given the snapshot.
type MomentumForecaster struct {
	snap *market.Snapshot
	now  func() time.Time
}

func NewMomentumForecaster(snap *market.Snapshot) *MomentumForecaster {
	return &MomentumForecaster{snap: snap, now: func() time.Time { return time.Now().UTC() }}
}

func (m *MomentumForecaster) Tag() string { return momentumTag }

func (m *MomentumForecaster) Generate(ctx context.Context, symbols []string) ([]Prediction, error) {
	now := m.now()
	out := make([]Prediction, 0, len(symbols))
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ring, err := m.snap.Ring(sym)
		if err != nil || len(ring) < 2 {
			observ.Warn("forecast_insufficient_history", map[string]any{
				"symbol": sym, "points": len(ring),
			})
			continue
		}

		mom := momentum(ring)
		sent, hasSent := m.snap.LatestSentiment(sym)

		expected := momentumWeight * mom
		if hasSent {
			expected += sentimentWeight * sent.AvgSentiment * sentimentToRet
		}

		out = append(out, Prediction{
			Symbol:         sym,
			ExpectedReturn: clampOpen1(expected),
			Confidence:     confidence(len(ring), mom, sent, hasSent),
			Volatility:     ringVolatility(ring),
			Horizon:        momentumHorizon,
			ModelTag:       momentumTag,
			GeneratedAt:    now,
		})
	}
	SortPredictions(out)
	return out, nil
}

// clampOpen1 keeps returns strictly inside (-1, 1).
func clampOpen1(v float64) float64 {
	const lim = 0.999999
	if v > lim {
		return lim
	}
	if v < -lim {
		return -lim
	}
	return v
}

// momentum is the mean simple return over the last momentumWindow steps.
func momentum(ring []market.PricePoint) float64 {
	start := len(ring) - momentumWindow - 1
	if start < 0 {
		start = 0
	}
	sum, n := 0.0, 0
	for i := start + 1; i < len(ring); i++ {
		prev := ring[i-1].Price
		if prev <= 0 {
			continue
		}
		sum += ring[i].Price/prev - 1
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ringVolatility is the annualized volatility realized over the ring,
// the model's volatility forecast. Bad series forecast zero rather than
// poisoning the prediction.
func ringVolatility(ring []market.PricePoint) float64 {
	prices := make([]float64, 0, len(ring))
	for _, p := range ring {
		prices = append(prices, p.Price)
	}
	v, err := risk.AnnualizedVolatility(prices)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// confidence grows with ring fill and with momentum/sentiment agreement.
func confidence(ringLen int, mom float64, sent market.SentimentPoint, hasSent bool) float64 {
	fill := float64(ringLen) / warmupRingPoints
	if fill > 1 {
		fill = 1
	}

	agree := 0.5 // neutral when sentiment is unavailable
	if hasSent {
		if sameSign(mom, sent.AvgSentiment) {
			agree = 1.0
		} else {
			agree = 0.25
		}
	}

	c := 0.3 + 0.4*fill + 0.3*agree
	return math.Min(c, 1)
}

func sameSign(a, b float64) bool {
	return (a >= 0 && b >= 0) || (a <= 0 && b <= 0)
}
