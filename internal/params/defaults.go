package params

// Standard parameter names. Components reference these constants rather
// than repeating string literals.
const (
	CorrelationThreshold   = "algo.correlation_threshold"
	ConfidenceThreshold    = "algo.confidence_threshold"
	MinPairs               = "algo.min_pairs"
	MaxPairs               = "algo.max_pairs"
	RebalanceThreshold     = "algo.rebalance_threshold"
	AllocationExponent     = "algo.allocation_exponent"
	MaxPositionSize        = "risk.max_position_size"
	MaxSectorExposure      = "risk.max_sector_exposure"
	VarConfidenceLevel     = "risk.var_confidence_level"
	VarLookbackDays        = "risk.var_lookback_days"
	EnableSectorConstraint = "portfolio.enable_sector_constraints"
	TargetVolatility       = "portfolio.target_volatility"
	TotalInvestmentRatio   = "portfolio.total_investment_ratio"
	CashBufferPct          = "portfolio.cash_buffer_pct"
	MaxSinglePairAlloc     = "portfolio.max_single_pair_allocation"
	MaxGrossExposure       = "portfolio.max_gross_exposure"
	MaxLongExposure        = "portfolio.max_long_exposure"
	MaxShortExposure       = "portfolio.max_short_exposure"
	ExcludedSymbols        = "universe.excluded_symbols"
	MaxUniverseSize        = "universe.max_size"
	TargetPortfolioSize    = "universe.target_portfolio_size"
	MinLiquidityScore      = "universe.min_liquidity_score"
	MinModelPerformance    = "universe.min_model_performance"
	MinRebalanceValueUSD   = "trade.min_rebalance_value_usd"
	MinRebalanceInterval   = "trade.min_rebalance_interval_secs"
	ForceRebalanceDev      = "trade.force_rebalance_deviation"
	FlashCrashDropPct      = "stress.flash_crash_drop_pct"
	VolSpikeRatio          = "stress.vol_spike_ratio"
	CorrSpikeLevel         = "stress.corr_spike_level"
	LiquidityDropRatio     = "stress.liquidity_drop_ratio"
	ProtectionIntensity    = "stress.protection_intensity"
	AutoProtection         = "stress.auto_protection"
	SampleIntervalSecs     = "monitor.sample_interval_secs"
)

func (s *Store) registerDefaults() {
	must := func(spec Spec) {
		if err := s.Register(spec); err != nil {
			panic(err)
		}
	}

	// Algorithm tuning.
	must(Spec{Name: CorrelationThreshold, Type: TypeFloat, Default: 0.87, Min: 0.70, Max: 0.95,
		Description: "Minimum correlation confidence for algorithm activation", Category: "algorithm"})
	must(Spec{Name: ConfidenceThreshold, Type: TypeFloat, Default: 0.75, Min: 0.50, Max: 0.95,
		Description: "Minimum prediction confidence to trade", Category: "algorithm"})
	must(Spec{Name: MinPairs, Type: TypeInt, Default: 3, Min: 1, Max: 10,
		Description: "Minimum viable trading pairs per cycle", Category: "algorithm"})
	must(Spec{Name: MaxPairs, Type: TypeInt, Default: 50, Min: 10, Max: 50,
		Description: "Maximum trading pairs per cycle", Category: "algorithm"})
	must(Spec{Name: RebalanceThreshold, Type: TypeFloat, Default: 0.05, Min: 0.01, Max: 0.20,
		Description: "Weight deviation that triggers a rebalance", Category: "algorithm"})
	must(Spec{Name: AllocationExponent, Type: TypeFloat, Default: 1.0, Min: 1.0, Max: 2.0,
		Description: "Confidence exponent for pair allocation weighting", Category: "algorithm"})

	// Risk limits.
	must(Spec{Name: MaxPositionSize, Type: TypeFloat, Default: 0.25, Min: 0.01, Max: 1.0,
		Description: "Maximum single-position weight", Category: "risk"})
	must(Spec{Name: MaxSectorExposure, Type: TypeFloat, Default: 0.25, Min: 0.05, Max: 0.50,
		Description: "Maximum aggregate sector weight", Category: "risk"})
	must(Spec{Name: VarConfidenceLevel, Type: TypeFloat, Default: 0.95, Min: 0.90, Max: 0.999,
		Description: "VaR confidence level", Category: "risk"})
	must(Spec{Name: VarLookbackDays, Type: TypeInt, Default: 252, Min: 30, Max: 1000,
		Description: "VaR lookback window in days", Category: "risk"})

	// Portfolio construction.
	must(Spec{Name: EnableSectorConstraint, Type: TypeBool, Default: true,
		Description: "Enforce sector exposure constraints", Category: "portfolio"})
	must(Spec{Name: TargetVolatility, Type: TypeFloat, Default: 0.15, Min: 0.05, Max: 0.50,
		Description: "Annualized target portfolio volatility", Category: "portfolio"})
	must(Spec{Name: TotalInvestmentRatio, Type: TypeFloat, Default: 0.9, Min: 0.1, Max: 1.0,
		Description: "Fraction of capital deployed before the cash buffer", Category: "portfolio"})
	must(Spec{Name: CashBufferPct, Type: TypeFloat, Default: 0.1, Min: 0.0, Max: 0.5,
		Description: "Cash held back from deployment", Category: "portfolio"})
	must(Spec{Name: MaxSinglePairAlloc, Type: TypeFloat, Default: 0.2, Min: 0.01, Max: 1.0,
		Description: "Maximum allocation weight of a single pair", Category: "portfolio"})
	must(Spec{Name: MaxGrossExposure, Type: TypeFloat, Default: 2.0, Min: 0.1, Max: 5.0,
		Description: "Maximum sum of absolute target weights", Category: "portfolio"})
	must(Spec{Name: MaxLongExposure, Type: TypeFloat, Default: 1.0, Min: 0.1, Max: 3.0,
		Description: "Maximum sum of long target weights", Category: "portfolio"})
	must(Spec{Name: MaxShortExposure, Type: TypeFloat, Default: 1.0, Min: 0.1, Max: 3.0,
		Description: "Maximum sum of short target weights", Category: "portfolio"})

	// Universe filtering.
	must(Spec{Name: ExcludedSymbols, Type: TypeString, Default: "",
		Description: "Comma-separated symbols excluded from the universe", Category: "universe"})
	must(Spec{Name: MaxUniverseSize, Type: TypeInt, Default: 20, Min: 1, Max: 300,
		Description: "Maximum symbols kept after filtering", Category: "universe"})
	must(Spec{Name: TargetPortfolioSize, Type: TypeInt, Default: 10, Min: 2, Max: 100,
		Description: "Target number of held positions", Category: "universe"})
	must(Spec{Name: MinLiquidityScore, Type: TypeFloat, Default: 0.6, Min: 0.0, Max: 1.0,
		Description: "Minimum liquidity score for eligibility", Category: "universe"})
	must(Spec{Name: MinModelPerformance, Type: TypeFloat, Default: 0.15, Min: 0.0, Max: 1.0,
		Description: "Minimum model performance for eligibility", Category: "universe"})

	// Rebalance economics.
	must(Spec{Name: MinRebalanceValueUSD, Type: TypeFloat, Default: 100.0, Min: 0.0, Max: 1e6,
		Description: "Smallest order notional worth trading", Category: "trade"})
	must(Spec{Name: MinRebalanceInterval, Type: TypeInt, Default: 300, Min: 0, Max: 86400,
		Description: "Minimum seconds between rebalances", Category: "trade"})
	must(Spec{Name: ForceRebalanceDev, Type: TypeFloat, Default: 0.10, Min: 0.0, Max: 1.0,
		Description: "Weight deviation that overrides the rebalance interval", Category: "trade"})

	// Stress detection thresholds.
	must(Spec{Name: FlashCrashDropPct, Type: TypeFloat, Default: 0.15, Min: 0.01, Max: 0.90,
		Description: "Rolling price drop fraction treated as a flash crash", Category: "stress"})
	must(Spec{Name: VolSpikeRatio, Type: TypeFloat, Default: 3.0, Min: 1.1, Max: 20.0,
		Description: "Short/long volatility ratio treated as a spike", Category: "stress"})
	must(Spec{Name: CorrSpikeLevel, Type: TypeFloat, Default: 0.9, Min: 0.1, Max: 1.0,
		Description: "Cross-asset correlation proxy treated as breakdown", Category: "stress"})
	must(Spec{Name: LiquidityDropRatio, Type: TypeFloat, Default: 0.5, Min: 0.05, Max: 1.0,
		Description: "Volume drop fraction treated as a liquidity crisis", Category: "stress"})
	must(Spec{Name: ProtectionIntensity, Type: TypeFloat, Default: 0.25, Min: 0.0, Max: 1.0,
		Description: "Stress intensity that triggers automatic protection", Category: "stress"})
	must(Spec{Name: AutoProtection, Type: TypeBool, Default: true,
		Description: "Submit protective orders without manual confirmation", Category: "stress"})

	// Monitoring cadence.
	must(Spec{Name: SampleIntervalSecs, Type: TypeInt, Default: 60, Min: 1, Max: 3600,
		Description: "Marathon metric sampling interval", Category: "monitor"})
}
