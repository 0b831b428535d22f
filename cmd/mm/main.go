// Command mm runs the perpetual-futures market-making engine: a single
// fixed-cadence Executor that quotes one symbol on one venue, with an
// optional Hedge Engine covering net exposure on a second account and a
// reference dashboard exposing the Control/Event surface.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires every
//	                            component, waits for SIGINT/SIGTERM
//	internal/state           — MM State: the single mutable source of truth
//	internal/adapter         — Exchange Adapter trait + error taxonomy
//	internal/exchangesim     — concrete REST+WS Adapter implementation
//	internal/pricing         — Price Calculator (spec §4.5) + toxic-flow widening
//	internal/volatility      — rolling-window volatility tracker + hysteresis
//	internal/reconcile       — REST Reconciliation Gate (spec §4.6)
//	internal/liquidation     — one-shot Liquidation Guard latch (spec §4.9)
//	internal/hedge           — Hedge Engine: fill-driven + periodic sweep (spec §4.8)
//	internal/executor        — the tick loop that ties all of the above together
//	internal/store           — crash-safe position cache + append-only trade log
//	internal/api             — reference Control/Event HTTP+WS dashboard
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"perpmm/internal/api"
	"perpmm/internal/config"
	"perpmm/internal/dedup"
	"perpmm/internal/exchangesim"
	"perpmm/internal/executor"
	"perpmm/internal/hedge"
	"perpmm/internal/liquidation"
	"perpmm/internal/pricing"
	"perpmm/internal/reconcile"
	"perpmm/internal/state"
	"perpmm/internal/store"
	"perpmm/internal/throttle"
	"perpmm/internal/volatility"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(*cfg)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	symbol, err := parseSymbol(*cfg)
	if err != nil {
		logger.Error("invalid symbol config", "error", err)
		os.Exit(1)
	}

	st := state.New(symbol)

	dataStore, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer dataStore.Close()

	if cached, err := dataStore.LoadPosition(symbol.Name); err != nil {
		logger.Warn("failed to load cached position", "error", err)
	} else if cached != nil {
		st.Mutate(func(s *state.State) {
			s.SetPosition(state.PositionKey{Venue: "primary", Symbol: symbol.Name}, cached.Qty)
			s.SetAvgEntry(state.PositionKey{Venue: "primary", Symbol: symbol.Name}, cached.AvgEntry)
		})
		logger.Info("restored position cache (fast-path hint only, replaced by the venue's position once the startup query succeeds)",
			"qty", cached.Qty, "avg_entry", cached.AvgEntry)
	}

	auth, err := exchangesim.NewAuth(*cfg)
	if err != nil {
		logger.Error("failed to construct wallet auth", "error", err)
		os.Exit(1)
	}
	auth.SetCredentials(exchangesim.Credentials{
		ApiKey: cfg.API.ApiKey, Secret: cfg.API.Secret, Passphrase: cfg.API.Passphrase,
	})

	primary := exchangesim.NewClient(exchangesim.Config{
		RESTBaseURL: cfg.API.RESTBaseURL, WSURL: cfg.API.WSURL, Symbol: symbol.Name, DryRun: cfg.DryRun,
	}, auth, logger)

	posCtx, posCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if venuePos, err := primary.GetPosition(posCtx); err != nil {
		logger.Warn("startup position query failed, keeping cached position", "error", err)
	} else {
		st.Mutate(func(s *state.State) {
			s.SetPosition(state.PositionKey{Venue: "primary", Symbol: symbol.Name}, venuePos)
		})
	}
	posCancel()

	wsCtx, wsCancel := context.WithCancel(context.Background())
	defer wsCancel()
	if cfg.API.WSURL != "" {
		feed := exchangesim.NewWSFeed(cfg.API.WSURL, symbol.Name, auth, make(chan state.StreamEvent, 1024), logger)
		primary.AttachWSFeed(feed)
		go feed.Run(wsCtx)
	}

	metrics := executor.NewMetrics(prometheus.DefaultRegisterer)

	vol := volatility.New(
		cfg.Volatility.WindowSec, cfg.Volatility.PauseThresholdBps,
		cfg.Volatility.ResumeThresholdBps, cfg.Volatility.StableSeconds,
	)

	dd := newDeduper(*cfg, logger)
	throt := throttle.New(time.Duration(cfg.Execution.OrderThrottleSec) * time.Second)
	gate := reconcile.New(primary)

	var flow *pricing.FlowTracker
	if cfg.Quote.FlowWindow > 0 {
		flow = pricing.NewFlowTracker(
			cfg.Quote.FlowWindow, cfg.Quote.FlowToxicityThreshold,
			cfg.Quote.FlowCooldownPeriod, cfg.Quote.FlowMaxSpreadMultiplier,
		)
	}

	pricingCfg, err := buildPricingParams(*cfg)
	if err != nil {
		logger.Error("invalid quote/position config", "error", err)
		os.Exit(1)
	}

	hardStop, err := buildHardStopConfig(*cfg)
	if err != nil {
		logger.Error("invalid hard-stop config", "error", err)
		os.Exit(1)
	}

	execCfg := executor.Config{
		TickInterval:         time.Duration(cfg.Execution.TickIntervalMs) * time.Millisecond,
		DisappearGrace:       time.Duration(cfg.Execution.DisappearGraceSec) * time.Second,
		CancelDistanceBps:    decimal.NewFromFloat(cfg.Quote.CancelDistanceBps),
		RebalanceDistanceBps: decimal.NewFromFloat(cfg.Quote.RebalanceDistanceBps),
		QueuePositionLimit:   cfg.Quote.QueuePositionLimit,
		HardStop:             hardStop,
		PrimaryVenue:         "primary",
	}

	var hedgeFillsCh chan state.FillEvent
	var hedgeEngine *hedge.Engine
	if cfg.Hedge.Enabled {
		hedgeAuth, err := exchangesim.NewAuth(*cfg)
		if err != nil {
			logger.Error("failed to construct hedge wallet auth", "error", err)
			os.Exit(1)
		}
		hedgeAuth.SetCredentials(exchangesim.Credentials{
			ApiKey: cfg.API.HedgeApiKey, Secret: cfg.API.HedgeSecret, Passphrase: cfg.API.HedgePassphrase,
		})
		hedgeClient := exchangesim.NewClient(exchangesim.Config{
			RESTBaseURL: cfg.API.HedgeRESTBaseURL, WSURL: cfg.API.HedgeWSURL, Symbol: symbol.Name, DryRun: cfg.DryRun,
		}, hedgeAuth, logger)

		maxUnhedged, err := decimal.NewFromString(cfg.Hedge.MaxUnhedged)
		if err != nil {
			logger.Error("invalid hedge.max_unhedged", "error", err)
			os.Exit(1)
		}

		hedgeEngine = hedge.New(hedge.Config{
			Enabled:       true,
			MaxUnhedged:   maxUnhedged,
			SweepInterval: time.Duration(cfg.Hedge.SweepIntervalSec) * time.Second,
			Timeout:       time.Duration(cfg.Hedge.TimeoutMs) * time.Millisecond,
			MaxRetries:    cfg.Hedge.MaxRetries,
		}, hedgeClient, logger, func() decimal.Decimal {
			return st.Position(state.PositionKey{Venue: "primary", Symbol: symbol.Name})
		}, func(reason string) {
			logger.Error("hedge_failure", "reason", reason)
		})
		hedgeFillsCh = make(chan state.FillEvent, 256)
	}

	var dashboardEvents chan api.DashboardEvent
	if cfg.Dashboard.Enabled {
		dashboardEvents = make(chan api.DashboardEvent, 256)
	}

	eng := executor.New(
		execCfg, pricingCfg, primary, st, vol, dd, throt, gate, flow, metrics, logger,
		hedgeFillsCh, dashboardEvents,
	)

	if cfg.Liquidation.MarginRatioThreshold > 0 || cfg.Liquidation.LiqDistanceThresholdPct > 0 {
		guard := liquidation.New(liquidation.Thresholds{
			MarginRatioThreshold:    cfg.Liquidation.MarginRatioThreshold,
			LiqDistanceThresholdPct: cfg.Liquidation.LiqDistanceThresholdPct,
		})
		eng.SetLiquidationGuard(guard, primary.GetMarginInfo)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if hedgeEngine != nil {
		go hedgeEngine.Run(ctx)
		go forwardHedgeFills(ctx, hedgeFillsCh, hedgeEngine)
	}

	go eng.Run(ctx)

	logger.Info("market maker started",
		"symbol", symbol.Name, "strategy_mode", cfg.Quote.StrategyMode,
		"hedge_enabled", cfg.Hedge.Enabled, "dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	cancel()
	// Give the Executor's own shutdown cancellation policy time to run
	// inside Run()'s ctx.Done() branch before the process exits.
	time.Sleep(time.Duration(cfg.Execution.DisappearGraceSec)*time.Second + 500*time.Millisecond)

	if pos, avgEntry := st.Position(state.PositionKey{Venue: "primary", Symbol: symbol.Name}), st.AvgEntry(state.PositionKey{Venue: "primary", Symbol: symbol.Name}); true {
		if err := dataStore.SavePosition(symbol.Name, store.PositionSnapshot{
			Symbol: symbol.Name, Qty: pos, AvgEntry: avgEntry, UpdatedAt: time.Now(),
		}); err != nil {
			logger.Error("failed to persist position cache on shutdown", "error", err)
		}
	}

	if err := primary.Close(); err != nil {
		logger.Warn("error closing primary adapter", "error", err)
	}
}

// forwardHedgeFills relays fills the Executor published into hedgeFillsCh
// onto the Hedge Engine's own channel, decoupling the two components per
// spec §9's note that Executor and Hedge Engine must not hold references
// to each other.
func forwardHedgeFills(ctx context.Context, in <-chan state.FillEvent, eng *hedge.Engine) {
	if in == nil {
		return
	}
	out := eng.Fills()
	for {
		select {
		case <-ctx.Done():
			return
		case fill, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- fill:
			case <-ctx.Done():
				return
			}
		}
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseSymbol(cfg config.Config) (state.Symbol, error) {
	tick, err := decimal.NewFromString(cfg.Symbol.TickSize)
	if err != nil {
		return state.Symbol{}, fmt.Errorf("symbol.tick_size: %w", err)
	}
	step, err := decimal.NewFromString(cfg.Symbol.QtyStep)
	if err != nil {
		return state.Symbol{}, fmt.Errorf("symbol.qty_step: %w", err)
	}
	minQty, err := decimal.NewFromString(cfg.Symbol.MinQty)
	if err != nil {
		return state.Symbol{}, fmt.Errorf("symbol.min_qty: %w", err)
	}
	return state.Symbol{Name: cfg.Symbol.Name, TickSize: tick, QtyStep: step, MinQty: minQty}, nil
}

func buildPricingParams(cfg config.Config) (pricing.Params, error) {
	orderSize, err := decimal.NewFromString(cfg.Position.OrderSize)
	if err != nil {
		return pricing.Params{}, fmt.Errorf("position.order_size: %w", err)
	}
	maxPosition, err := decimal.NewFromString(cfg.Position.MaxPosition)
	if err != nil {
		return pricing.Params{}, fmt.Errorf("position.max_position: %w", err)
	}

	mode := pricing.ModeUptime
	if cfg.Quote.StrategyMode == "rebate" {
		mode = pricing.ModeRebate
	}

	return pricing.Params{
		Mode:              mode,
		OrderDistanceBps:  cfg.Quote.OrderDistanceBps,
		InventorySkewOn:   cfg.Inventory.Enabled,
		PushBps:           cfg.Inventory.PushBps,
		PullBps:           cfg.Inventory.PullBps,
		BreakEvenWeight:   cfg.Position.BreakEvenWeight,
		PauseThresholdBps: cfg.Volatility.PauseThresholdBps,
		OrderSize:         orderSize,
		MaxPosition:       maxPosition,
	}, nil
}

func buildHardStopConfig(cfg config.Config) (executor.HardStopConfig, error) {
	hardStop, err := decimal.NewFromString(cfg.Position.HardStopPosition)
	if err != nil {
		return executor.HardStopConfig{}, fmt.Errorf("position.hard_stop_position: %w", err)
	}
	resume, err := decimal.NewFromString(cfg.Position.ResumePosition)
	if err != nil {
		return executor.HardStopConfig{}, fmt.Errorf("position.resume_position: %w", err)
	}
	return executor.HardStopConfig{
		HardStopPosition:   hardStop,
		ResumePosition:     resume,
		CooldownSec:        cfg.Position.HardStopCooldownSec,
		ResumeConfirmCount: cfg.Position.ResumeConfirmCount,
	}, nil
}

func newDeduper(cfg config.Config, logger *slog.Logger) dedup.Deduper {
	ttl := time.Duration(cfg.Execution.EventDedupTTLSec) * time.Second

	if cfg.Dedup.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Dedup.RedisAddr})
		logger.Info("event dedup backed by redis", "addr", cfg.Dedup.RedisAddr)
		return dedup.NewRedisDeduper(client, ttl, cfg.Dedup.KeyPrefix)
	}

	maxSize := cfg.Dedup.MaxSize
	if maxSize <= 0 {
		maxSize = 10_000
	}
	return dedup.NewMemDeduper(ttl, maxSize)
}
