package risk

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Band buckets the 0-100 risk score.
type Band string

const (
	BandLow      Band = "LOW"
	BandMedium   Band = "MEDIUM"
	BandHigh     Band = "HIGH"
	BandCritical Band = "CRITICAL"
)

// Classify maps a risk score to its band: LOW < 25 <= MEDIUM < 50 <=
// HIGH < 75 <= CRITICAL.
func Classify(score float64) Band {
	switch {
	case score < 25:
		return BandLow
	case score < 50:
		return BandMedium
	case score < 75:
		return BandHigh
	default:
		return BandCritical
	}
}

// Inputs feed a portfolio risk report.
type Inputs struct {
	PortfolioValue float64
	ValueHistory   []float64          // equity ring, oldest first
	Weights        map[string]float64 // signed weight per symbol
	Leverage       float64
	MaxLeverage    float64

	// VaRConfidence selects the headline VaR the score is built on;
	// zero defaults to 0.95. LookbackDays caps the value-history window;
	// zero uses the whole ring.
	VaRConfidence float64
	LookbackDays  int
}

// PositionRisk is one position's slice of the portfolio risk picture.
type PositionRisk struct {
	Symbol          string  `json:"symbol"`
	Weight          float64 `json:"weight"` // signed
	Sector          string  `json:"sector"`
	VaRContribution float64 `json:"var_contribution"` // headline VaR prorated by gross share
}

// Report is one portfolio-level risk assessment.
type Report struct {
	Timestamp            time.Time      `json:"timestamp"`
	PortfolioValue       float64        `json:"portfolio_value"`
	DailyVolatility      float64        `json:"daily_volatility"`
	AnnualVolatility     float64        `json:"annual_volatility"`
	VaR90                float64        `json:"var_90"`
	VaR95                float64        `json:"var_95"`
	VaR99                float64        `json:"var_99"`
	VaRConfidence        float64        `json:"var_confidence"`
	VaR                  float64        `json:"var"` // at VaRConfidence, drives the score
	ExpectedShortfall95  float64        `json:"expected_shortfall_95"`
	MaxDrawdown          float64        `json:"max_drawdown"`
	ConcentrationHHI     float64        `json:"concentration_hhi"`
	CorrelationRisk      float64        `json:"correlation_risk"` // max single-sector share of gross
	DiversificationRatio float64        `json:"diversification_ratio"`
	LeverageRatio        float64        `json:"leverage_ratio"`
	Positions            []PositionRisk `json:"positions,omitempty"`
	RiskScore            float64        `json:"risk_score"`
	Band                 Band           `json:"band"`
	Alerts               []string       `json:"alerts,omitempty"`
}

// Score component weights. Volatility and tail risk dominate; leverage
// and correlation fill out the picture.
const (
	scoreWeightVaR         = 0.35
	scoreWeightDrawdown    = 0.25
	scoreWeightCorrelation = 0.20
	scoreWeightLeverage    = 0.20

	// Full-score reference points for normalization.
	refVaRFraction = 0.10 // 1-day VaR at 10% of equity saturates
	refDrawdown    = 0.15 // portfolio stop level
)

// Alert codes attached to a report when a component saturates.
const (
	AlertVaRElevated         = "VAR_ELEVATED"
	AlertDrawdownNearStop    = "DRAWDOWN_NEAR_STOP"
	AlertSectorConcentration = "SECTOR_CONCENTRATION"
	AlertLeverageAtMax       = "LEVERAGE_AT_MAX"
)

// BuildReport computes the full risk picture for a portfolio snapshot.
func BuildReport(in Inputs, cls SectorClassifier, now time.Time) (Report, error) {
	if !finite(in.PortfolioValue, in.Leverage, in.MaxLeverage) || in.PortfolioValue < 0 {
		return Report{}, fmt.Errorf("report inputs: %w", ErrInvalidInput)
	}
	if cls == nil {
		cls = DefaultSectors()
	}
	if in.VaRConfidence == 0 {
		in.VaRConfidence = 0.95
	}

	history := in.ValueHistory
	if in.LookbackDays > 0 && len(history) > in.LookbackDays {
		history = history[len(history)-in.LookbackDays:]
	}

	dailyVol, err := DailyVolatility(history)
	if err != nil {
		return Report{}, err
	}

	r := Report{
		Timestamp:        now,
		PortfolioValue:   in.PortfolioValue,
		DailyVolatility:  dailyVol,
		AnnualVolatility: Annualize(dailyVol),
		MaxDrawdown:      MaxDrawdown(history),
		LeverageRatio:    in.Leverage,
		VaRConfidence:    in.VaRConfidence,
	}

	if in.PortfolioValue > 0 && dailyVol > 0 {
		// Supported alphas only; errors are impossible here.
		r.VaR90, _ = ValueAtRisk(in.PortfolioValue, dailyVol, 0.10, 1)
		r.VaR95, _ = ValueAtRisk(in.PortfolioValue, dailyVol, 0.05, 1)
		r.VaR99, _ = ValueAtRisk(in.PortfolioValue, dailyVol, 0.01, 1)
		r.ExpectedShortfall95 = ExpectedShortfall(r.VaR95)
	}
	r.VaR = headlineVaR(r, in.VaRConfidence)

	flat := make([]float64, 0, len(in.Weights))
	gross := 0.0
	for _, w := range in.Weights {
		flat = append(flat, w)
		gross += math.Abs(w)
	}
	r.ConcentrationHHI = HHI(flat)
	r.CorrelationRisk = MaxSectorShare(in.Weights, cls)
	r.DiversificationRatio = DiversificationRatio(in.Weights)
	r.Positions = positionRisks(in.Weights, cls, gross, r.VaR)

	r.RiskScore = score(r, in)
	r.Band = Classify(r.RiskScore)
	r.Alerts = reportAlerts(r, in)
	return r, nil
}

// headlineVaR picks the computed quantile nearest the requested
// confidence. Confidences at or above 0.99 read the 99% column, 0.95
// and up the 95%, anything lower the 90%.
func headlineVaR(r Report, confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return r.VaR99
	case confidence >= 0.95:
		return r.VaR95
	default:
		return r.VaR90
	}
}

func positionRisks(weights map[string]float64, cls SectorClassifier, gross, headline float64) []PositionRisk {
	if len(weights) == 0 {
		return nil
	}
	out := make([]PositionRisk, 0, len(weights))
	for sym, w := range weights {
		pr := PositionRisk{Symbol: sym, Weight: w, Sector: cls.Sector(sym)}
		if gross > 0 {
			pr.VaRContribution = headline * math.Abs(w) / gross
		}
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func score(r Report, in Inputs) float64 {
	varFrac := 0.0
	if in.PortfolioValue > 0 {
		varFrac = r.VaR / in.PortfolioValue
	}
	levFrac := 0.0
	if in.MaxLeverage > 1 {
		levFrac = (in.Leverage - 1) / (in.MaxLeverage - 1)
	}
	s := scoreWeightVaR*clamp01(varFrac/refVaRFraction) +
		scoreWeightDrawdown*clamp01(r.MaxDrawdown/refDrawdown) +
		scoreWeightCorrelation*clamp01(r.CorrelationRisk) +
		scoreWeightLeverage*clamp01(levFrac)
	return math.Round(s*100*100) / 100
}

func reportAlerts(r Report, in Inputs) []string {
	var out []string
	if in.PortfolioValue > 0 && r.VaR/in.PortfolioValue >= refVaRFraction {
		out = append(out, AlertVaRElevated)
	}
	if r.MaxDrawdown >= refDrawdown {
		out = append(out, AlertDrawdownNearStop)
	}
	if r.CorrelationRisk >= 0.5 && len(in.Weights) > 1 {
		out = append(out, AlertSectorConcentration)
	}
	if in.MaxLeverage > 1 && in.Leverage >= in.MaxLeverage {
		out = append(out, AlertLeverageAtMax)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
