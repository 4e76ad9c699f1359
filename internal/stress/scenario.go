// Package stress runs scenario stress tests against the portfolio and
// watches the live market for crisis signatures. When detectors fire it
// can preempt the trading cycle with protective orders.
package stress

import (
	"fmt"
	"math"
	"time"
)

// ScenarioKind selects the shock generator.
type ScenarioKind string

const (
	FlashCrash           ScenarioKind = "FLASH_CRASH"
	LiquidityCrisis      ScenarioKind = "LIQUIDITY_CRISIS"
	CorrelationBreakdown ScenarioKind = "CORRELATION_BREAKDOWN"
	VolatilitySpike      ScenarioKind = "VOLATILITY_SPIKE"
	Crisis2008           ScenarioKind = "CRISIS_2008"
	CovidCrash           ScenarioKind = "COVID_2020"
	LunaCollapse         ScenarioKind = "LUNA_2022"
	FTXCollapse          ScenarioKind = "FTX_2022"
)

// Scenario is one table entry: either a historical replay or a synthetic
// shock parameterized by severity.
type Scenario struct {
	Kind          ScenarioKind
	Name          string
	MaxDrop       float64 // worst portfolio-level price shock, negative
	DurationDays  int
	VolMultiplier float64
	CorrSpike     float64 // cross-asset correlation during the event
	RecoveryDays  int
	RecoveryRate  float64 // fractional recovery per day
	// AssetShocks overrides the uniform drop per symbol (LUNA, FTX).
	AssetShocks map[string]float64
}

// CVaRExtraFactor widens stressed CVaR beyond stressed VaR.
const CVaRExtraFactor = 1.2

// Historical presets. Parameters follow the documented post-mortems of
// each event.
var historical = map[ScenarioKind]Scenario{
	Crisis2008: {
		Kind: Crisis2008, Name: "2008 financial crisis",
		MaxDrop: -0.54, DurationDays: 517, VolMultiplier: 3.5,
		CorrSpike: 0.85, RecoveryDays: 1825, RecoveryRate: 0.001,
	},
	CovidCrash: {
		Kind: CovidCrash, Name: "COVID-19 crash",
		MaxDrop: -0.34, DurationDays: 33, VolMultiplier: 4.2,
		CorrSpike: 0.92, RecoveryDays: 148, RecoveryRate: 0.007,
	},
	LunaCollapse: {
		Kind: LunaCollapse, Name: "Terra/LUNA collapse",
		MaxDrop: -0.85, DurationDays: 7, VolMultiplier: 6.0,
		CorrSpike: 0.88, RecoveryDays: 180, RecoveryRate: 0.003,
		AssetShocks: map[string]float64{
			"LUNA": -0.9999, "UST": -0.99, "BTC": -0.45, "ETH": -0.55,
		},
	},
	FTXCollapse: {
		Kind: FTXCollapse, Name: "FTX collapse",
		MaxDrop: -0.25, DurationDays: 14, VolMultiplier: 3.8,
		CorrSpike: 0.82, RecoveryDays: 90, RecoveryRate: 0.005,
		AssetShocks: map[string]float64{
			"FTT": -0.95, "SOL": -0.65, "BTC": -0.20, "ETH": -0.25,
		},
	},
}

// Lookup returns a scenario from the table; synthetic kinds are built
// from the severity at run time.
func Lookup(kind ScenarioKind, severity float64) (Scenario, error) {
	if s, ok := historical[kind]; ok {
		return s, nil
	}
	if severity <= 0 || severity > 1 {
		return Scenario{}, fmt.Errorf("severity %.2f out of (0,1] for synthetic scenario %s", severity, kind)
	}
	switch kind {
	case FlashCrash:
		return Scenario{
			Kind: kind, Name: "synthetic flash crash",
			MaxDrop: -0.40 * severity, DurationDays: 1, VolMultiplier: 1 + 4*severity,
			CorrSpike: 0.80 + 0.15*severity, RecoveryDays: 30, RecoveryRate: 0.01,
		}, nil
	case LiquidityCrisis:
		return Scenario{
			Kind: kind, Name: "synthetic liquidity crisis",
			MaxDrop: -0.25 * severity, DurationDays: 14, VolMultiplier: 1 + 2.5*severity,
			CorrSpike: 0.70 + 0.2*severity, RecoveryDays: 60, RecoveryRate: 0.005,
		}, nil
	case CorrelationBreakdown:
		return Scenario{
			Kind: kind, Name: "synthetic correlation breakdown",
			MaxDrop: -0.15 * severity, DurationDays: 7, VolMultiplier: 1 + 1.5*severity,
			CorrSpike: 0.95, RecoveryDays: 30, RecoveryRate: 0.01,
		}, nil
	case VolatilitySpike:
		return Scenario{
			Kind: kind, Name: "synthetic volatility spike",
			MaxDrop: -0.10 * severity, DurationDays: 3, VolMultiplier: 1 + 5*severity,
			CorrSpike: 0.75, RecoveryDays: 14, RecoveryRate: 0.02,
		}, nil
	}
	return Scenario{}, fmt.Errorf("unknown scenario kind %q", kind)
}

// AssetResult is the stressed outcome for one holding.
type AssetResult struct {
	Symbol        string  `json:"symbol"`
	Weight        float64 `json:"weight"` // signed input weight
	Shock         float64 `json:"shock"`  // applied price move
	StressedValue float64 `json:"stressed_value"`
	Loss          float64 `json:"loss"` // positive = money lost
}

// Result is one scenario run.
type Result struct {
	Scenario       Scenario      `json:"scenario"`
	PortfolioValue float64       `json:"portfolio_value"`
	StressedValue  float64       `json:"stressed_value"`
	TotalLoss      float64       `json:"total_loss"`
	LossFraction   float64       `json:"loss_fraction"`
	StressedVaR    float64       `json:"stressed_var"`
	StressedCVaR   float64       `json:"stressed_cvar"`
	RecoveryDays   int           `json:"recovery_days"`
	Elapsed        time.Duration `json:"elapsed"`
	Assets         []AssetResult `json:"assets"`
}

// RunScenario applies the scenario's shocks to the weighted holdings.
// Long positions lose on the drop; shorts profit. Deterministic: no
// randomness anywhere in the shock path.
func RunScenario(sc Scenario, portfolioValue float64, weights map[string]float64, baseVaR float64) Result {
	start := time.Now()
	res := Result{
		Scenario:       sc,
		PortfolioValue: portfolioValue,
		RecoveryDays:   sc.RecoveryDays,
	}

	stressed := portfolioValue
	for sym, w := range weights {
		shock := sc.MaxDrop
		if s, ok := sc.AssetShocks[sym]; ok {
			shock = s
		}
		exposure := w * portfolioValue
		// Signed exposure: a short (negative weight) gains on the drop.
		loss := -exposure * shock
		stressed -= loss
		res.Assets = append(res.Assets, AssetResult{
			Symbol:        sym,
			Weight:        w,
			Shock:         shock,
			StressedValue: exposure + exposure*shock,
			Loss:          loss,
		})
	}
	if stressed < 0 {
		stressed = 0
	}

	res.StressedValue = stressed
	res.TotalLoss = portfolioValue - stressed
	if portfolioValue > 0 {
		res.LossFraction = res.TotalLoss / portfolioValue
	}
	res.StressedVaR = baseVaR * sc.VolMultiplier
	res.StressedCVaR = res.StressedVaR * CVaRExtraFactor
	res.Elapsed = time.Since(start)
	return res
}

// WorstCase runs every historical preset and returns the most damaging
// result by loss fraction.
func WorstCase(portfolioValue float64, weights map[string]float64, baseVaR float64) Result {
	var worst Result
	first := true
	for _, sc := range historical {
		r := RunScenario(sc, portfolioValue, weights, baseVaR)
		if first || r.LossFraction > worst.LossFraction {
			worst = r
			first = false
		}
	}
	return worst
}

// RecoveryHorizon estimates days to regain the loss at the scenario's
// recovery rate.
func RecoveryHorizon(sc Scenario, lossFraction float64) int {
	if lossFraction <= 0 || sc.RecoveryRate <= 0 {
		return 0
	}
	days := int(math.Ceil(lossFraction / sc.RecoveryRate))
	if days > sc.RecoveryDays {
		days = sc.RecoveryDays
	}
	return days
}
