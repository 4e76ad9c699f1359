package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects the configuration profile.
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// Ingress holds data-ingress settings shared by all providers.
type Ingress struct {
	RefreshIntervalSecs     int      `mapstructure:"refresh_interval_secs" yaml:"refresh_interval_secs"`
	RequestTimeoutSecs      int      `mapstructure:"request_timeout_secs" yaml:"request_timeout_secs"`
	HealthCheckIntervalSecs int      `mapstructure:"health_check_interval_secs" yaml:"health_check_interval_secs"`
	StaleAfterSecs          int      `mapstructure:"stale_after_secs" yaml:"stale_after_secs"`
	MaxConsecutiveFailures  int      `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	ProviderPriority        []string `mapstructure:"provider_priority" yaml:"provider_priority"`
	RateLimitPerSec         float64  `mapstructure:"rate_limit_per_sec" yaml:"rate_limit_per_sec"`
	RateBurst               int      `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// Engine holds trading-cycle settings.
type Engine struct {
	CycleSpec         string  `mapstructure:"cycle_spec" yaml:"cycle_spec"` // cron spec with seconds
	CycleDeadlineSecs int     `mapstructure:"cycle_deadline_secs" yaml:"cycle_deadline_secs"`
	InitialCapital    float64 `mapstructure:"initial_capital" yaml:"initial_capital"`
	MaxLeverage       float64 `mapstructure:"max_leverage" yaml:"max_leverage"`
	StrategyName      string  `mapstructure:"strategy_name" yaml:"strategy_name"`
}

// Paper holds execution-simulator settings.
type Paper struct {
	TradeLogPath     string  `mapstructure:"trade_log_path" yaml:"trade_log_path"`
	SlippageBpsBase  float64 `mapstructure:"slippage_bps_base" yaml:"slippage_bps_base"`
	SlippageBpsPerMM float64 `mapstructure:"slippage_bps_per_mm" yaml:"slippage_bps_per_mm"`
	FeeBps           float64 `mapstructure:"fee_bps" yaml:"fee_bps"`
	HalfSpreadBps    float64 `mapstructure:"half_spread_bps" yaml:"half_spread_bps"`
	DedupeWindowSecs int     `mapstructure:"dedupe_window_secs" yaml:"dedupe_window_secs"`
}

// Monitor holds health/metric sampling settings.
type Monitor struct {
	SampleIntervalSecs    int `mapstructure:"sample_interval_secs" yaml:"sample_interval_secs"`
	DetectionIntervalSecs int `mapstructure:"detection_interval_secs" yaml:"detection_interval_secs"`
	OfflineAfterSecs      int `mapstructure:"offline_after_secs" yaml:"offline_after_secs"`
}

// Store holds persistence settings. DSN empty disables persistence.
type Store struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// Log holds logging settings.
type Log struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Root is the full process configuration.
type Root struct {
	Mode      string   `mapstructure:"mode" yaml:"mode"`
	Symbols   []string `mapstructure:"symbols" yaml:"symbols"`
	ParamFile string   `mapstructure:"param_file" yaml:"param_file"`
	Log       Log      `mapstructure:"log" yaml:"log"`
	Ingress   Ingress  `mapstructure:"ingress" yaml:"ingress"`
	Engine    Engine   `mapstructure:"engine" yaml:"engine"`
	Paper     Paper    `mapstructure:"paper" yaml:"paper"`
	Monitor   Monitor  `mapstructure:"monitor" yaml:"monitor"`
	Store     Store    `mapstructure:"store" yaml:"store"`

	// API keys, resolved from environment. Missing keys degrade the
	// corresponding provider, they never halt the core.
	NewsAPIKey       string `mapstructure:"-" yaml:"-"`
	CryptoNewsAPIKey string `mapstructure:"-" yaml:"-"`
	CryptoCompareKey string `mapstructure:"-" yaml:"-"`
}

// IsProductionMode reports whether the production profile is active.
func (r *Root) IsProductionMode() bool {
	return r.Mode == ModeProduction
}

// RequestTimeout returns the per-provider call timeout.
func (r *Root) RequestTimeout() time.Duration {
	return time.Duration(r.Ingress.RequestTimeoutSecs) * time.Second
}

// CycleDeadline returns the per-cycle hard deadline.
func (r *Root) CycleDeadline() time.Duration {
	return time.Duration(r.Engine.CycleDeadlineSecs) * time.Second
}

// Load reads configuration from an optional yaml file layered under
// environment variables. Env wins over file; defaults fill the rest.
func Load(path string) (*Root, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CRYPTOCLAUDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Root
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// CRYPTOCLAUDE_MODE selects the profile; the config file may also set
	// mode, env takes precedence via AutomaticEnv above.
	if c.Mode != ModeProduction && c.Mode != ModeDevelopment {
		return nil, fmt.Errorf("invalid mode %q (want production or development)", c.Mode)
	}

	// Provider keys use their historical unprefixed names.
	c.NewsAPIKey = readEnv(v, "NEWS_API_KEY")
	c.CryptoNewsAPIKey = readEnv(v, "CRYPTONEWS_API_KEY")
	c.CryptoCompareKey = readEnv(v, "CRYPTOCOMPARE_API_KEY")

	return &c, nil
}

func readEnv(v *viper.Viper, key string) string {
	_ = v.BindEnv(key, key)
	return v.GetString(key)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeDevelopment)
	v.SetDefault("symbols", []string{"BTC", "ETH", "SOL", "ADA", "DOT"})
	v.SetDefault("param_file", "data/params.yaml")
	v.SetDefault("log.level", "info")

	v.SetDefault("ingress.refresh_interval_secs", 30)
	v.SetDefault("ingress.request_timeout_secs", 10)
	v.SetDefault("ingress.health_check_interval_secs", 300)
	v.SetDefault("ingress.stale_after_secs", 300)
	v.SetDefault("ingress.max_consecutive_failures", 3)
	v.SetDefault("ingress.provider_priority", []string{"cryptocompare", "sim"})
	v.SetDefault("ingress.rate_limit_per_sec", 5.0)
	v.SetDefault("ingress.rate_burst", 10)

	v.SetDefault("engine.cycle_spec", "0 * * * * *") // every minute
	v.SetDefault("engine.cycle_deadline_secs", 30)
	v.SetDefault("engine.initial_capital", 100000.0)
	v.SetDefault("engine.max_leverage", 3.0)
	v.SetDefault("engine.strategy_name", "long-short-v1")

	v.SetDefault("paper.trade_log_path", "data/trades.jsonl")
	v.SetDefault("paper.slippage_bps_base", 2.0)
	v.SetDefault("paper.slippage_bps_per_mm", 5.0)
	v.SetDefault("paper.fee_bps", 10.0)
	v.SetDefault("paper.half_spread_bps", 5.0)
	v.SetDefault("paper.dedupe_window_secs", 90)

	v.SetDefault("monitor.sample_interval_secs", 60)
	v.SetDefault("monitor.detection_interval_secs", 5)
	v.SetDefault("monitor.offline_after_secs", 600)

	v.SetDefault("store.dsn", "")
}
