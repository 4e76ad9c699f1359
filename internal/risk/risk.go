// Package risk holds the pure risk primitives: volatility, drawdown,
// parametric VaR/ES, time-decay risk, and concentration measures. All
// functions are side-effect free; callers feed them price rings and
// portfolio views.
package risk

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidInput = errors.New("invalid risk input")

const (
	// ESMultiplier converts parametric VaR to expected shortfall.
	ESMultiplier = 1.25
	// TradingDaysPerYear annualizes daily volatility (crypto trades
	// every day).
	TradingDaysPerYear = 365.0
	// HoursPerWeek normalizes holding-time decay.
	HoursPerWeek = 168.0
)

// zScore maps a tail probability to its one-sided normal quantile.
// Only the three supported confidence levels are accepted.
func zScore(alpha float64) (float64, error) {
	switch alpha {
	case 0.10:
		return 1.282, nil
	case 0.05:
		return 1.645, nil
	case 0.01:
		return 2.326, nil
	}
	return 0, fmt.Errorf("unsupported confidence level %.3f: %w", alpha, ErrInvalidInput)
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Returns computes log period returns from a price series. Log returns
// are additive across periods, which keeps the sqrt-horizon scaling in
// the VaR pipeline exact.
func Returns(prices []float64) ([]float64, error) {
	if len(prices) < 2 {
		return nil, nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if !finite(prices[i-1], prices[i]) || prices[i-1] <= 0 || prices[i] <= 0 {
			return nil, fmt.Errorf("price series at %d: %w", i, ErrInvalidInput)
		}
		out = append(out, math.Log(prices[i]/prices[i-1]))
	}
	return out, nil
}

// DailyVolatility is the sample standard deviation of log returns.
// Fewer than two prices yield zero, not an error.
func DailyVolatility(prices []float64) (float64, error) {
	rets, err := Returns(prices)
	if err != nil {
		return 0, err
	}
	if len(rets) < 2 {
		return 0, nil
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	ss := 0.0
	for _, r := range rets {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(rets)-1)), nil
}

// Annualize scales a daily volatility to annual terms.
func Annualize(dailyVol float64) float64 {
	return dailyVol * math.Sqrt(TradingDaysPerYear)
}

// AnnualizedVolatility is DailyVolatility scaled by sqrt(365).
func AnnualizedVolatility(prices []float64) (float64, error) {
	d, err := DailyVolatility(prices)
	if err != nil {
		return 0, err
	}
	return Annualize(d), nil
}

// MaxDrawdown is the largest peak-to-trough decline in the series,
// as a fraction of the peak. Empty or non-positive series yield 0.
func MaxDrawdown(values []float64) float64 {
	peak, worst := 0.0, 0.0
	for _, v := range values {
		if !finite(v) || v < 0 {
			continue
		}
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// ValueAtRisk is the parametric VaR for the given exposure:
// value * z(alpha) * dailyVol * sqrt(horizonDays).
func ValueAtRisk(value, dailyVol, alpha, horizonDays float64) (float64, error) {
	if !finite(value, dailyVol, horizonDays) || value < 0 || dailyVol < 0 || horizonDays <= 0 {
		return 0, fmt.Errorf("var inputs: %w", ErrInvalidInput)
	}
	z, err := zScore(alpha)
	if err != nil {
		return 0, err
	}
	return value * z * dailyVol * math.Sqrt(horizonDays), nil
}

// ExpectedShortfall approximates conditional tail loss from VaR.
func ExpectedShortfall(valueAtRisk float64) float64 {
	return valueAtRisk * ESMultiplier
}

// TimeDecayRisk grows with holding time: annualVol * sqrt(hours/168).
// Positions held a full week carry their full annual volatility weight.
func TimeDecayRisk(annualVol, hoursHeld float64) float64 {
	if annualVol < 0 || hoursHeld < 0 || !finite(annualVol, hoursHeld) {
		return 0
	}
	return annualVol * math.Sqrt(hoursHeld/HoursPerWeek)
}

// HHI is the Herfindahl concentration index over absolute weights,
// normalized to sum 1. Ranges (1/n, 1]; zero when no weights.
func HHI(weights []float64) float64 {
	total := 0.0
	for _, w := range weights {
		total += math.Abs(w)
	}
	if total <= 0 {
		return 0
	}
	hhi := 0.0
	for _, w := range weights {
		n := math.Abs(w) / total
		hhi += n * n
	}
	return hhi
}
