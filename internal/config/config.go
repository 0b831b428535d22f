// Package config defines all configuration for the market-making engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Symbol    SymbolConfig    `mapstructure:"symbol"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Position  PositionConfig  `mapstructure:"position"`
	Inventory InventoryConfig `mapstructure:"inventory_skew"`
	Volatility VolatilityConfig `mapstructure:"volatility"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Hedge     HedgeConfig     `mapstructure:"hedge"`
	Liquidation LiquidationConfig `mapstructure:"liquidation_guard"`
	Store     StoreConfig     `mapstructure:"store"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// SymbolConfig names the single perpetual-futures instrument this engine quotes.
// tick_size/qty_step/min_qty are read from this block at startup and stay
// fixed for the session; the venue is not queried for them.
type SymbolConfig struct {
	Name      string `mapstructure:"name"`       // e.g. "BTC-USD"
	TickSize  string `mapstructure:"tick_size"`  // decimal string, e.g. "0.5"
	QtyStep   string `mapstructure:"qty_step"`   // decimal string, e.g. "0.001"
	MinQty    string `mapstructure:"min_qty"`    // decimal string, e.g. "0.001"
}

// WalletConfig holds the signing key used to authenticate REST requests to
// the venue's wallet-based auth scheme (EIP-712 typed data, as on dYdX- and
// GMX-style perp venues).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds venue endpoints for the primary account. HedgeAPI below
// configures the secondary (hedge) account the Hedge Engine trades on.
type APIConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSURL       string `mapstructure:"ws_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`

	HedgeRESTBaseURL string `mapstructure:"hedge_rest_base_url"`
	HedgeWSURL       string `mapstructure:"hedge_ws_url"`
	HedgeApiKey      string `mapstructure:"hedge_api_key"`
	HedgeSecret      string `mapstructure:"hedge_secret"`
	HedgePassphrase  string `mapstructure:"hedge_passphrase"`
}

// QuoteConfig tunes the Price Calculator.
type QuoteConfig struct {
	OrderDistanceBps     float64 `mapstructure:"order_distance_bps"`
	CancelDistanceBps    float64 `mapstructure:"cancel_distance_bps"`
	RebalanceDistanceBps float64 `mapstructure:"rebalance_distance_bps"`
	QueuePositionLimit   int     `mapstructure:"queue_position_limit"`
	StrategyMode         string  `mapstructure:"strategy_mode"` // "uptime" or "rebate"

	// Flow detection (supplemental, donated by the toxic-flow tracker).
	FlowWindow              time.Duration `mapstructure:"flow_window"`
	FlowToxicityThreshold   float64       `mapstructure:"flow_toxicity_threshold"`
	FlowCooldownPeriod      time.Duration `mapstructure:"flow_cooldown_period"`
	FlowMaxSpreadMultiplier float64       `mapstructure:"flow_max_spread_multiplier"`
}

// PositionConfig bounds inventory and governs hard-stop entry/exit.
type PositionConfig struct {
	OrderSize            string  `mapstructure:"order_size"`
	MaxPosition          string  `mapstructure:"max_position"`
	HardStopPosition     string  `mapstructure:"hard_stop_position"`
	ResumePosition       string  `mapstructure:"resume_position"`
	HardStopCooldownSec  int     `mapstructure:"hard_stop_cooldown_sec"`
	ResumeConfirmCount   int     `mapstructure:"resume_confirm_count"`
	BreakEvenWeight      float64 `mapstructure:"break_even_weight"` // 0=disabled, 1=full reversion to entry
}

// InventoryConfig skews quotes away from the side already overweight.
type InventoryConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	PushBps float64 `mapstructure:"push_bps"`
	PullBps float64 `mapstructure:"pull_bps"`
}

// VolatilityConfig tunes the rolling-window tracker and its pause/resume hysteresis.
type VolatilityConfig struct {
	WindowSec          int     `mapstructure:"window_sec"`
	PauseThresholdBps  float64 `mapstructure:"pause_threshold_bps"`
	ResumeThresholdBps float64 `mapstructure:"resume_threshold_bps"`
	StableSeconds      int     `mapstructure:"stable_seconds"`
}

// ExecutionConfig tunes the Executor's tick cadence and ancillary timings.
type ExecutionConfig struct {
	TickIntervalMs   int `mapstructure:"tick_interval_ms"`
	OrderThrottleSec int `mapstructure:"order_throttle_sec"`
	DisappearGraceSec int `mapstructure:"disappear_grace_sec"`
	EventDedupTTLSec int `mapstructure:"event_dedup_ttl_sec"`
}

// HedgeConfig configures the Hedge Engine's secondary-account behavior.
type HedgeConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	MaxUnhedged      string `mapstructure:"max_unhedged"`
	SweepIntervalSec int  `mapstructure:"sweep_interval_sec"`
	TimeoutMs        int  `mapstructure:"timeout_ms"`
	MaxRetries       int  `mapstructure:"max_retries"`
}

// LiquidationConfig sets the margin thresholds that arm the one-shot latch.
type LiquidationConfig struct {
	MarginRatioThreshold    float64 `mapstructure:"margin_ratio_threshold"`
	LiqDistanceThresholdPct float64 `mapstructure:"liq_distance_threshold_pct"`
}

// StoreConfig sets where the trade log and position cache are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// DedupConfig selects the Event Dedup backend. The in-memory store is the
// default; Redis lets the dedup window survive a process restart, which
// matters for the fill-idempotence property across a crash/resume.
type DedupConfig struct {
	Backend   string `mapstructure:"backend"` // "memory" (default) or "redis"
	RedisAddr string `mapstructure:"redis_addr"`
	KeyPrefix string `mapstructure:"key_prefix"`
	MaxSize   int    `mapstructure:"max_size"` // memory backend only
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the reference Control/Event surface server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MM_PRIVATE_KEY, MM_API_KEY, MM_API_SECRET, MM_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("MM_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("MM_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("MM_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("MM_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("MM_DRY_RUN") == "true" || os.Getenv("MM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, returning the first
// violated invariant as an error.
func (c *Config) Validate() error {
	if c.Symbol.Name == "" {
		return fmt.Errorf("symbol.name is required")
	}
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set MM_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (PROXY), 2 (MULTISIG)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.RESTBaseURL == "" {
		return fmt.Errorf("api.rest_base_url is required")
	}
	if c.Quote.StrategyMode != "uptime" && c.Quote.StrategyMode != "rebate" {
		return fmt.Errorf("quote.strategy_mode must be 'uptime' or 'rebate'")
	}
	if c.Quote.OrderDistanceBps <= 0 {
		return fmt.Errorf("quote.order_distance_bps must be > 0")
	}
	if c.Position.OrderSize == "" {
		return fmt.Errorf("position.order_size is required")
	}
	if c.Position.MaxPosition == "" {
		return fmt.Errorf("position.max_position is required")
	}
	if c.Position.HardStopPosition == "" {
		return fmt.Errorf("position.hard_stop_position is required")
	}
	if c.Position.ResumeConfirmCount <= 0 {
		return fmt.Errorf("position.resume_confirm_count must be > 0")
	}
	if c.Execution.TickIntervalMs <= 0 {
		return fmt.Errorf("execution.tick_interval_ms must be > 0")
	}
	if c.Execution.EventDedupTTLSec <= 0 {
		return fmt.Errorf("execution.event_dedup_ttl_sec must be > 0")
	}
	if c.Hedge.Enabled && c.API.HedgeRESTBaseURL == "" {
		return fmt.Errorf("api.hedge_rest_base_url is required when hedge.enabled is true")
	}
	return nil
}
