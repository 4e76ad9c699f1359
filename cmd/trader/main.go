package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cryptoclaude/trading-core/internal/alerts"
	"github.com/cryptoclaude/trading-core/internal/config"
	"github.com/cryptoclaude/trading-core/internal/engine"
	"github.com/cryptoclaude/trading-core/internal/forecast"
	"github.com/cryptoclaude/trading-core/internal/ingress"
	"github.com/cryptoclaude/trading-core/internal/market"
	"github.com/cryptoclaude/trading-core/internal/observ"
	"github.com/cryptoclaude/trading-core/internal/paper"
	"github.com/cryptoclaude/trading-core/internal/params"
	"github.com/cryptoclaude/trading-core/internal/planner"
	"github.com/cryptoclaude/trading-core/internal/portfolio"
	"github.com/cryptoclaude/trading-core/internal/store"
	"github.com/cryptoclaude/trading-core/internal/strategy"
	"github.com/cryptoclaude/trading-core/internal/stress"
	"github.com/cryptoclaude/trading-core/internal/universe"
)

func main() {
	var cfgPath string
	var riskProfile string
	var metricsAddr string
	flag.StringVar(&cfgPath, "config", "", "config path (yaml, optional)")
	flag.StringVar(&riskProfile, "risk-profile", "", "apply a risk profile at startup (conservative|moderate|aggressive)")
	flag.StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:8090", "metrics/health listen address (loopback by default)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := observ.Init(cfg.Log.Level, cfg.IsProductionMode()); err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer observ.Sync()

	ps := params.New()
	if cfg.ParamFile != "" {
		unknown, err := ps.Load(cfg.ParamFile)
		switch {
		case os.IsNotExist(err):
			observ.Log("params_defaults", map[string]any{"path": cfg.ParamFile})
		case err != nil:
			log.Fatalf("load params %s: %v", cfg.ParamFile, err)
		case len(unknown) > 0:
			observ.Warn("params_unknown_keys", map[string]any{"keys": unknown})
		}
	}
	if riskProfile != "" {
		if err := ps.ApplyRiskProfile(params.RiskProfile(strings.ToUpper(riskProfile))); err != nil {
			log.Fatalf("apply risk profile %q: %v", riskProfile, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snap := market.NewSnapshot(market.DefaultRingCapacity)
	bus := alerts.NewBus(time.Duration(cfg.Monitor.OfflineAfterSecs) * time.Second)
	ledger := portfolio.NewLedger(cfg.Engine.StrategyName, cfg.Engine.InitialCapital, cfg.Engine.MaxLeverage)

	manager := ingress.NewManager(buildProviders(cfg), ingress.ManagerConfig{
		RatePerSec:   cfg.Ingress.RateLimitPerSec,
		Burst:        cfg.Ingress.RateBurst,
		MaxFailures:  cfg.Ingress.MaxConsecutiveFailures,
		RecoveryWait: time.Duration(cfg.Ingress.HealthCheckIntervalSecs) * time.Second,
	})

	tradeLog, err := paper.NewTradeLog(cfg.Paper.TradeLogPath, cfg.Paper.DedupeWindowSecs)
	if err != nil {
		log.Fatalf("open trade log: %v", err)
	}
	paperEngine := paper.NewEngine(ledger, snap, tradeLog, paper.Config{
		SlippageBpsBase:  cfg.Paper.SlippageBpsBase,
		SlippageBpsPerMM: cfg.Paper.SlippageBpsPerMM,
		FeeBps:           cfg.Paper.FeeBps,
	})

	var recorder store.Recorder = store.NopRecorder{}
	if cfg.Store.DSN != "" {
		st, err := store.Open(cfg.Store.DSN)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		if err := st.Migrate(); err != nil {
			log.Fatalf("migrate store: %v", err)
		}
		sessionID := uuid.NewString()
		if err := st.StartSession(sessionID, time.Now().UTC(), 0, cfg.Engine.InitialCapital); err != nil {
			log.Fatalf("start session: %v", err)
		}
		recorder = st
		observ.Log("store_session", map[string]any{"session_id": sessionID})
	}

	tracker := universe.NewTracker()
	eng := engine.New(engine.Deps{
		Ledger:   ledger,
		Snapshot: snap,
		Forecast: forecast.NewMomentumForecaster(snap),
		Universe: universe.NewFilter(snap, ps, tracker),
		Tracker:  tracker,
		Builder:  strategy.NewBuilder(ps, bus),
		Planner:  planner.New(ps, bus, cfg.Paper.FeeBps, cfg.Paper.HalfSpreadBps),
		Paper:    paperEngine,
		Params:   ps,
		Bus:      bus,
		Recorder: recorder,
		Symbols:  cfg.Symbols,
		Deadline: cfg.CycleDeadline(),
	})

	ingressTask := &ingress.Task{
		Manager:    manager,
		Snapshot:   snap,
		Bus:        bus,
		Symbols:    cfg.Symbols,
		Interval:   time.Duration(cfg.Ingress.RefreshIntervalSecs) * time.Second,
		StaleAfter: time.Duration(cfg.Ingress.StaleAfterSecs) * time.Second,
	}
	detectionTask := &stress.DetectionTask{
		Monitor:   stress.NewMonitor(snap, ps),
		Protector: stress.NewProtector(paperEngine, ledger, ps, bus),
		Symbols:   func() []string { return cfg.Symbols },
		Interval:  time.Duration(cfg.Monitor.DetectionIntervalSecs) * time.Second,
	}
	monitorTask := &engine.MonitorTask{
		Engine:   eng,
		Bus:      bus,
		Recorder: recorder,
		Interval: time.Duration(cfg.Monitor.SampleIntervalSecs) * time.Second,
	}

	go ingressTask.Run(ctx)
	go detectionTask.Run(ctx)
	go monitorTask.Run(ctx)

	if err := eng.Start(ctx, cfg.Engine.CycleSpec); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.HealthHandler())
	go func() {
		observ.Log("metrics_listen", map[string]any{"addr": metricsAddr})
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			observ.Error("metrics_server", err, nil)
		}
	}()

	observ.Log("startup", map[string]any{
		"mode":       cfg.Mode,
		"symbols":    cfg.Symbols,
		"cycle_spec": cfg.Engine.CycleSpec,
		"capital":    cfg.Engine.InitialCapital,
		"providers":  cfg.Ingress.ProviderPriority,
		"store":      cfg.Store.DSN != "",
	})

	<-ctx.Done()
	observ.Log("shutdown", map[string]any{"final_value": ledger.View().TotalValue})
}

// buildProviders maps the configured priority list onto providers.
// Unknown names are skipped with a warning so a stale config cannot
// keep the process from starting.
func buildProviders(cfg *config.Root) []ingress.LiveDataProvider {
	var out []ingress.LiveDataProvider
	for _, name := range cfg.Ingress.ProviderPriority {
		switch name {
		case "cryptocompare":
			if !cfg.IsProductionMode() {
				continue // live keys stay out of development runs
			}
			out = append(out, ingress.NewCryptoCompareProvider(cfg.CryptoCompareKey, cfg.RequestTimeout()))
		case "sim":
			out = append(out, ingress.NewSimProvider("sim", 0.01))
		default:
			observ.Warn("unknown_provider", map[string]any{"name": name})
		}
	}
	if len(out) == 0 {
		out = append(out, ingress.NewSimProvider("sim", 0.01))
	}
	return out
}
