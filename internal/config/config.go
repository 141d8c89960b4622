// Package config defines all configuration for the arbitrage executor.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
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
	Wallet    WalletConfig    `mapstructure:"wallet"`
	VenueP    VenuePConfig    `mapstructure:"venue_p"`
	VenueM    VenueMConfig    `mapstructure:"venue_m"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	MM        MMConfig        `mapstructure:"mm"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing venue M orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// VenuePConfig holds endpoints for venue P, the on-chain order-book venue.
type VenuePConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	RPCURL     string `mapstructure:"rpc_url"`
	WSURL      string `mapstructure:"ws_url"` // chain watcher fill-event feed
	APIKey     string `mapstructure:"api_key"`
}

// VenueMConfig holds Polymarket-shaped CLOB endpoints and optional
// pre-derived L2 credentials. If ApiKey/Secret/Passphrase are empty, the
// executor derives them via L1 auth on startup.
type VenueMConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// ExecutorConfig tunes the Task Executor FSM (spec §4.1, §5).
//
//   - PredictPollInterval: REST poll interval for venue P fill status (~500ms).
//   - DepthCheckInterval: depth-guard loop period (~5s).
//   - ExpirySweepInterval: global expiry sweeper period (~30s).
//   - RefreshPolyFillsInterval: refreshTrackedPolyFills sweep period (~400ms).
//   - MaxPauseCount: MAX_PAUSE before a paused task fails.
//   - MinHedgeQty: tolerance below which a residual is "effectively complete".
//   - MaxHedgeRetries: hedge subroutine retry budget before unwind.
//   - MaxUnwindRetries: unwind retry budget before HEDGE_FAILED.
//   - PrimaryCancelWait / HedgeCancelWait: bounded waits on cancel during
//     task cancellation (8s / 5s per spec §5).
//   - ShutdownTimeout: bound on Manager.Stop's wait for task goroutines.
//   - ShutdownConcurrency: loaded (default 4) but not read by Manager.Stop.
type ExecutorConfig struct {
	PredictPollInterval      time.Duration `mapstructure:"predict_poll_interval"`
	DepthCheckInterval       time.Duration `mapstructure:"depth_check_interval"`
	ExpirySweepInterval      time.Duration `mapstructure:"expiry_sweep_interval"`
	RefreshPolyFillsInterval time.Duration `mapstructure:"refresh_poly_fills_interval"`
	MaxPauseCount            int           `mapstructure:"max_pause_count"`
	MinHedgeQty              float64       `mapstructure:"min_hedge_qty"`
	MaxHedgeRetries          int           `mapstructure:"max_hedge_retries"`
	MaxUnwindRetries         int           `mapstructure:"max_unwind_retries"`
	PrimaryCancelWait        time.Duration `mapstructure:"primary_cancel_wait"`
	HedgeCancelWait          time.Duration `mapstructure:"hedge_cancel_wait"`
	ShutdownConcurrency      int           `mapstructure:"shutdown_concurrency"`
	ShutdownTimeout          time.Duration `mapstructure:"shutdown_timeout"`
	OrderWatchIntervalMs     int           `mapstructure:"order_watch_interval_ms"`
	OrderWatchMaxRetries     int           `mapstructure:"order_watch_max_retries"`
}

// MMConfig tunes the Market-Maker Engine (spec §4.3).
//
//   - Mode: "follow" or "scalp".
//   - MaxShares: inventory cap per market.
//   - OrderSizeUSD: reported in the dashboard config; the quoting loop does not
//     read it (PLACE/REPLACE/CANCEL/NONE uses MinOrderSize and a 10% qty tolerance).
//   - MinAdjustInterval: at most one adjustment per side per this interval.
//   - MaxScalpSellOrders: bound on SCALP mode's outstanding sell queue.
//   - OrderVisibleDelay: ORDER_VISIBLE_DELAY_MS (~3s) grace period before
//     resolving a disappeared order via fetchOrderByHash.
//   - MaxUnknownCount: MAX_UNKNOWN_COUNT (3) tolerance for UNKNOWN resolutions.
//   - MinSellPrice / MaxBuyPrice / MaxSpreadCents: price range guard.
//
// Flow Detection (kept from the teacher's toxic-flow widening, orthogonal to
// FOLLOW/SCALP targeting):
//   - FlowWindow: rolling time window for tracking fills (e.g., 60s).
//   - FlowToxicityThreshold: toxicity score above this triggers spread widening (e.g., 0.6).
//   - FlowCooldownPeriod: stay wide for this duration after toxicity detected (e.g., 120s).
//   - FlowMaxSpreadMultiplier: maximum spread widening factor (e.g., 3.0x).
type MMConfig struct {
	Mode                string        `mapstructure:"mode"`
	MaxShares           float64       `mapstructure:"max_shares"`
	OrderSizeUSD        float64       `mapstructure:"order_size_usd"`
	TickPeriod          time.Duration `mapstructure:"tick_period"`
	MinAdjustInterval   time.Duration `mapstructure:"min_adjust_interval"`
	MaxScalpSellOrders  int           `mapstructure:"max_scalp_sell_orders"`
	OrderVisibleDelay   time.Duration `mapstructure:"order_visible_delay"`
	MaxUnknownCount     int           `mapstructure:"max_unknown_count"`
	MinSellPrice        float64       `mapstructure:"min_sell_price"`
	MaxBuyPrice         float64       `mapstructure:"max_buy_price"`
	MaxSpreadCents      float64       `mapstructure:"max_spread_cents"`
	StaleBookTimeout    time.Duration `mapstructure:"stale_book_timeout"`

	FlowWindow              time.Duration `mapstructure:"flow_window"`
	FlowToxicityThreshold   float64       `mapstructure:"flow_toxicity_threshold"`
	FlowCooldownPeriod      time.Duration `mapstructure:"flow_cooldown_period"`
	FlowMaxSpreadMultiplier float64       `mapstructure:"flow_max_spread_multiplier"`
}

// RiskConfig sets hard limits that trigger order cancellation (kill switch).
// Shared by the Task Executor (per-task exposure reports) and the
// Market-Maker Engine (per-market exposure reports).
type RiskConfig struct {
	MaxPositionPerMarket float64       `mapstructure:"max_position_per_market"`
	MaxGlobalExposure    float64       `mapstructure:"max_global_exposure"`
	MaxMarketsActive     int           `mapstructure:"max_markets_active"`
	KillSwitchDropPct    float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec  int           `mapstructure:"kill_switch_window_sec"`
	MaxDailyLoss         float64       `mapstructure:"max_daily_loss"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`
}

// ScannerConfig controls how the Market-Maker Engine discovers and filters
// tradeable markets. Out of scope for the Task Executor core (spec's
// arbitrage opportunities come from an upstream scanner), but the MM engine
// still needs its own market discovery — kept from the teacher.
type ScannerConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MinLiquidity        float64       `mapstructure:"min_liquidity"`
	MinVolume24h        float64       `mapstructure:"min_volume_24h"`
	MinSpread           float64       `mapstructure:"min_spread"`
	MaxEndDateDays       int           `mapstructure:"max_end_date_days"`
	ExcludeSlugs         []string      `mapstructure:"exclude_slugs"`
	IncludeConditionIDs  []string      `mapstructure:"include_condition_ids"`
	IncludeSlugs         []string      `mapstructure:"include_slugs"`
	IncludeKeywords      []string      `mapstructure:"include_keywords"`
	ExcludeKeywords      []string      `mapstructure:"exclude_keywords"`
}

// StoreConfig sets where Task and position data is persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_PRIVATE_KEY, ARB_API_KEY, ARB_API_SECRET, ARB_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ARB_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("ARB_API_KEY"); key != "" {
		cfg.VenueM.ApiKey = key
	}
	if secret := os.Getenv("ARB_API_SECRET"); secret != "" {
		cfg.VenueM.Secret = secret
	}
	if pass := os.Getenv("ARB_PASSPHRASE"); pass != "" {
		cfg.VenueM.Passphrase = pass
	}
	if v := os.Getenv("ARB_DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// applyDefaults fills zero-valued tunables so a minimal YAML file still
// produces a workable config, matching the teacher's pattern of keeping
// Load() permissive and Validate() strict about what actually matters.
func applyDefaults(cfg *Config) {
	if cfg.Executor.PredictPollInterval == 0 {
		cfg.Executor.PredictPollInterval = 500 * time.Millisecond
	}
	if cfg.Executor.DepthCheckInterval == 0 {
		cfg.Executor.DepthCheckInterval = 5 * time.Second
	}
	if cfg.Executor.ExpirySweepInterval == 0 {
		cfg.Executor.ExpirySweepInterval = 30 * time.Second
	}
	if cfg.Executor.RefreshPolyFillsInterval == 0 {
		cfg.Executor.RefreshPolyFillsInterval = 400 * time.Millisecond
	}
	if cfg.Executor.MaxPauseCount == 0 {
		cfg.Executor.MaxPauseCount = 3
	}
	if cfg.Executor.MinHedgeQty == 0 {
		cfg.Executor.MinHedgeQty = 1.0
	}
	if cfg.Executor.MaxHedgeRetries == 0 {
		cfg.Executor.MaxHedgeRetries = 3
	}
	if cfg.Executor.MaxUnwindRetries == 0 {
		cfg.Executor.MaxUnwindRetries = 3
	}
	if cfg.Executor.PrimaryCancelWait == 0 {
		cfg.Executor.PrimaryCancelWait = 8 * time.Second
	}
	if cfg.Executor.HedgeCancelWait == 0 {
		cfg.Executor.HedgeCancelWait = 5 * time.Second
	}
	if cfg.Executor.ShutdownConcurrency == 0 {
		cfg.Executor.ShutdownConcurrency = 4
	}
	if cfg.Executor.ShutdownTimeout == 0 {
		cfg.Executor.ShutdownTimeout = 60 * time.Second
	}
	if cfg.Executor.OrderWatchIntervalMs == 0 {
		cfg.Executor.OrderWatchIntervalMs = 500
	}
	if cfg.Executor.OrderWatchMaxRetries == 0 {
		cfg.Executor.OrderWatchMaxRetries = 20
	}
	if cfg.MM.Mode == "" {
		cfg.MM.Mode = "follow"
	}
	if cfg.MM.TickPeriod == 0 {
		cfg.MM.TickPeriod = 1 * time.Second
	}
	if cfg.MM.MinAdjustInterval == 0 {
		cfg.MM.MinAdjustInterval = 1 * time.Second
	}
	if cfg.MM.MaxScalpSellOrders == 0 {
		cfg.MM.MaxScalpSellOrders = 5
	}
	if cfg.MM.OrderVisibleDelay == 0 {
		cfg.MM.OrderVisibleDelay = 3 * time.Second
	}
	if cfg.MM.MaxUnknownCount == 0 {
		cfg.MM.MaxUnknownCount = 3
	}
	if cfg.MM.StaleBookTimeout == 0 {
		cfg.MM.StaleBookTimeout = 10 * time.Second
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set ARB_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.VenueM.CLOBBaseURL == "" {
		return fmt.Errorf("venue_m.clob_base_url is required")
	}
	if c.VenueP.BaseURL == "" {
		return fmt.Errorf("venue_p.base_url is required")
	}
	if c.MM.Mode != "follow" && c.MM.Mode != "scalp" {
		return fmt.Errorf("mm.mode must be one of: follow, scalp")
	}
	if c.MM.MaxShares <= 0 {
		return fmt.Errorf("mm.max_shares must be > 0")
	}
	if c.Risk.MaxPositionPerMarket <= 0 {
		return fmt.Errorf("risk.max_position_per_market must be > 0")
	}
	if c.Risk.MaxGlobalExposure <= 0 {
		return fmt.Errorf("risk.max_global_exposure must be > 0")
	}
	if c.Risk.MaxMarketsActive <= 0 {
		return fmt.Errorf("risk.max_markets_active must be > 0")
	}
	return nil
}
