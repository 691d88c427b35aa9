// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via PERP_* environment variables.
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
	DryRun          bool           `mapstructure:"dry_run"`
	CompetitionMode bool           `mapstructure:"competition_mode"`
	CompetitionAck  bool           `mapstructure:"competition_ack"`
	Universe        []string       `mapstructure:"universe"`
	Exchange        ExchangeConfig `mapstructure:"exchange"`
	AI              AIConfig       `mapstructure:"ai"`
	Engine          EngineConfig   `mapstructure:"engine"`
	Risk            RiskConfig     `mapstructure:"risk"`
	Store           StoreConfig    `mapstructure:"store"`
	Logging         LoggingConfig  `mapstructure:"logging"`
	Dashboard       DashboardConfig `mapstructure:"dashboard"`
}

// ExchangeConfig holds the futures exchange endpoints and API credentials.
// All trading requests are signed with HMAC-SHA256 over the key triplet.
type ExchangeConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	WSURL      string `mapstructure:"ws_url"`
	ApiKey     string `mapstructure:"api_key"`
	Secret     string `mapstructure:"secret"`
	Passphrase string `mapstructure:"passphrase"`
	MarginMode string `mapstructure:"margin_mode"` // "crossed" or "isolated"
}

// AIConfig holds the LLM endpoint and the analyst panel roster.
// The endpoint speaks the OpenAI chat-completions shape; each entry in
// Analysts becomes one independent panel member per cycle.
type AIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	ApiKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Analysts    []string      `mapstructure:"analysts"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// EngineConfig paces the cycle loop and sets the pre-gate limits.
//
//   - CycleInterval: base sleep between cycles (backoff scales from this).
//   - SpecRefreshInterval: contract-spec cache staleness window.
//   - MinBalance: below this available balance the cycle is skipped.
//   - MaxDailyTrades / MaxWeeklyDrawdownPct: pre-gate hard stops.
//   - MaxConcurrentPositions / MaxSameDirectionPositions: book saturation.
//   - AntiChurnCooldown: minimum spacing of entries on one (symbol, side).
type EngineConfig struct {
	CycleInterval             time.Duration `mapstructure:"cycle_interval"`
	SpecRefreshInterval       time.Duration `mapstructure:"spec_refresh_interval"`
	MinBalance                float64       `mapstructure:"min_balance"`
	MaxDailyTrades            int           `mapstructure:"max_daily_trades"`
	MaxWeeklyDrawdownPct      float64       `mapstructure:"max_weekly_drawdown_pct"`
	MaxConcurrentPositions    int           `mapstructure:"max_concurrent_positions"`
	MaxSameDirectionPositions int           `mapstructure:"max_same_direction_positions"`
	AntiChurnCooldown         time.Duration `mapstructure:"anti_churn_cooldown"`
}

// RiskConfig tunes the governor and the rule-based manager.
//
//   - MinConfidence: floor for executing BUY/SELL (exits bypass it).
//   - AutoApproveLeverage: above this, low-confidence leverage is clamped down.
//   - MaxAccountAllocationPct: cap on one trade's USD allocation vs equity.
//   - TargetProfitPct/StopLossPct/MaxHoldHours/PartialTpPct: rule ladder.
type RiskConfig struct {
	MinConfidence           float64 `mapstructure:"min_confidence"`
	AutoApproveLeverage     int     `mapstructure:"auto_approve_leverage"`
	MaxAccountAllocationPct float64 `mapstructure:"max_account_allocation_pct"`
	TargetProfitPct         float64 `mapstructure:"target_profit_pct"`
	StopLossPct             float64 `mapstructure:"stop_loss_pct"`
	MaxHoldHours            float64 `mapstructure:"max_hold_hours"`
	PartialTpPct            float64 `mapstructure:"partial_tp_pct"`
}

// StoreConfig sets where trade data is persisted (SQLite database file).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the status/event HTTP server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
	// AllowedOrigins is the websocket origin allowlist. Empty means
	// same-host and localhost only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: PERP_API_KEY, PERP_API_SECRET,
// PERP_PASSPHRASE, PERP_AI_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PERP")
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
	if key := os.Getenv("PERP_API_KEY"); key != "" {
		cfg.Exchange.ApiKey = key
	}
	if secret := os.Getenv("PERP_API_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if pass := os.Getenv("PERP_PASSPHRASE"); pass != "" {
		cfg.Exchange.Passphrase = pass
	}
	if key := os.Getenv("PERP_AI_KEY"); key != "" {
		cfg.AI.ApiKey = key
	}
	if os.Getenv("PERP_DRY_RUN") == "true" || os.Getenv("PERP_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	cfg.applyCompetitionOverrides()
	return &cfg, nil
}

// applyCompetitionOverrides loosens the pre-gate limits for paper/demo
// competition accounts. Requires both flags so an accidental
// competition_mode: true against a funded account keeps the normal limits
// until the operator acknowledges (Validate also rejects the un-acked
// combination outright).
func (c *Config) applyCompetitionOverrides() {
	if !c.CompetitionMode || !c.CompetitionAck {
		return
	}
	c.Engine.MaxDailyTrades *= 3
	c.Engine.MaxWeeklyDrawdownPct *= 2
	c.Engine.MaxConcurrentPositions += 2
	c.Engine.MaxSameDirectionPositions++
}

func (c *Config) applyDefaults() {
	if c.Engine.CycleInterval == 0 {
		c.Engine.CycleInterval = 3 * time.Minute
	}
	if c.Engine.SpecRefreshInterval == 0 {
		c.Engine.SpecRefreshInterval = 30 * time.Minute
	}
	if c.Engine.AntiChurnCooldown == 0 {
		c.Engine.AntiChurnCooldown = 30 * time.Minute
	}
	if c.AI.CallTimeout == 0 {
		c.AI.CallTimeout = 90 * time.Second
	}
	if c.Exchange.MarginMode == "" {
		c.Exchange.MarginMode = "crossed"
	}
	if c.Risk.MinConfidence == 0 {
		c.Risk.MinConfidence = 60
	}
	if c.Risk.AutoApproveLeverage == 0 {
		c.Risk.AutoApproveLeverage = 10
	}
	if c.Risk.MaxAccountAllocationPct == 0 {
		c.Risk.MaxAccountAllocationPct = 30
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/trades.db"
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Universe) == 0 {
		return fmt.Errorf("universe must list at least one symbol")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if !c.DryRun {
		if c.Exchange.ApiKey == "" || c.Exchange.Secret == "" {
			return fmt.Errorf("exchange credentials are required (set PERP_API_KEY / PERP_API_SECRET)")
		}
	}
	switch c.Exchange.MarginMode {
	case "crossed", "isolated":
	default:
		return fmt.Errorf("exchange.margin_mode must be \"crossed\" or \"isolated\"")
	}
	if c.AI.BaseURL == "" {
		return fmt.Errorf("ai.base_url is required")
	}
	if len(c.AI.Analysts) < 2 {
		return fmt.Errorf("ai.analysts must list at least two analysts, got %d", len(c.AI.Analysts))
	}
	if c.Engine.MinBalance < 0 {
		return fmt.Errorf("engine.min_balance must be >= 0")
	}
	if c.Engine.MaxDailyTrades <= 0 {
		return fmt.Errorf("engine.max_daily_trades must be > 0")
	}
	if c.Engine.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("engine.max_concurrent_positions must be > 0")
	}
	if c.Engine.MaxSameDirectionPositions <= 0 {
		return fmt.Errorf("engine.max_same_direction_positions must be > 0")
	}
	if c.Engine.MaxWeeklyDrawdownPct <= 0 {
		return fmt.Errorf("engine.max_weekly_drawdown_pct must be > 0")
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 100 {
		return fmt.Errorf("risk.min_confidence must be within [0,100]")
	}
	if c.Risk.AutoApproveLeverage < 1 || c.Risk.AutoApproveLeverage > 20 {
		return fmt.Errorf("risk.auto_approve_leverage must be within [1,20]")
	}
	if c.CompetitionMode && !c.CompetitionAck {
		return fmt.Errorf("competition_mode loosens limits for demo accounts and requires competition_ack: true")
	}
	return nil
}
