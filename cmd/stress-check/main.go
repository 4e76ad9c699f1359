// stress-check runs the scenario table against a portfolio snapshot and
// exits non-zero when any requested scenario loses more than the
// threshold. Meant for CI gates and pre-deploy sanity checks.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cryptoclaude/trading-core/internal/risk"
	"github.com/cryptoclaude/trading-core/internal/stress"
)

type portfolioFile struct {
	Value    float64            `json:"value"`
	DailyVol float64            `json:"daily_vol"`
	Weights  map[string]float64 `json:"weights"`
}

var allKinds = []stress.ScenarioKind{
	stress.Crisis2008, stress.CovidCrash, stress.LunaCollapse, stress.FTXCollapse,
	stress.FlashCrash, stress.LiquidityCrisis, stress.CorrelationBreakdown, stress.VolatilitySpike,
}

func main() {
	var path string
	var kind string
	var severity float64
	var threshold float64
	var asJSON bool
	flag.StringVar(&path, "portfolio", "", "portfolio snapshot (json: value, daily_vol, weights)")
	flag.StringVar(&kind, "scenario", "all", "scenario kind, \"all\", or \"worst\"")
	flag.Float64Var(&severity, "severity", 0.5, "severity in (0,1] for synthetic scenarios")
	flag.Float64Var(&threshold, "threshold", 0.25, "maximum tolerable loss fraction")
	flag.BoolVar(&asJSON, "json", false, "emit results as json")
	flag.Parse()

	if path == "" {
		log.Fatal("stress-check: -portfolio is required")
	}
	var pf portfolioFile
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read portfolio: %v", err)
	}
	if err := json.Unmarshal(data, &pf); err != nil {
		log.Fatalf("parse portfolio: %v", err)
	}
	if pf.Value <= 0 {
		log.Fatal("portfolio value must be positive")
	}

	baseVaR, err := risk.ValueAtRisk(pf.Value, pf.DailyVol, 0.05, 1)
	if err != nil {
		log.Fatalf("base VaR: %v", err)
	}

	var results []stress.Result
	switch kind {
	case "worst":
		results = append(results, stress.WorstCase(pf.Value, pf.Weights, baseVaR))
	case "all":
		for _, k := range allKinds {
			sc, err := stress.Lookup(k, severity)
			if err != nil {
				log.Fatalf("scenario %s: %v", k, err)
			}
			results = append(results, stress.RunScenario(sc, pf.Value, pf.Weights, baseVaR))
		}
	default:
		sc, err := stress.Lookup(stress.ScenarioKind(kind), severity)
		if err != nil {
			log.Fatalf("scenario %s: %v", kind, err)
		}
		results = append(results, stress.RunScenario(sc, pf.Value, pf.Weights, baseVaR))
	}

	breached := false
	for _, r := range results {
		if r.LossFraction > threshold {
			breached = true
		}
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			log.Fatalf("encode results: %v", err)
		}
	} else {
		for _, r := range results {
			mark := "ok"
			if r.LossFraction > threshold {
				mark = "BREACH"
			}
			fmt.Printf("%-24s loss %10.2f (%6.2f%%)  sVaR %10.2f  recovery %4dd  [%s]\n",
				r.Scenario.Kind, r.TotalLoss, r.LossFraction*100, r.StressedVaR,
				stress.RecoveryHorizon(r.Scenario, r.LossFraction), mark)
		}
	}

	if breached {
		os.Exit(1)
	}
}
