// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Validate when the corresponding field is unset.
const (
	defaultCapitalPerTrade     = 100000.0
	defaultMaxPortfolioSize    = 6
	defaultMinCombinedScore    = 25.0
	defaultMaxPosToVolumeRatio = 0.05
	defaultRateLimitDelay      = "1s"
	defaultMonitorInterval     = "60m"
	defaultLTPStaleThreshold   = "60s"
	defaultReconnectBackoff    = "5s"
	defaultMaxWorkers          = 10
	defaultMaxConcurrent       = 5
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Sizing      SizingConfig      `yaml:"sizing"`
	Pacing      PacingConfig      `yaml:"pacing"`
	Paths       PathsConfig       `yaml:"paths"`
	Notify      NotifyConfig      `yaml:"notify"`
	Holidays    []string          `yaml:"holidays"` // YYYY-MM-DD, exchange holidays

	holidaySet map[string]struct{}
	location   *time.Location
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines Kotak Neo API settings. Credentials are normally
// injected via ${ENV_VAR} expansion in the YAML.
type BrokerConfig struct {
	APIEndpoint string `yaml:"api_endpoint"`
	WSEndpoint  string `yaml:"ws_endpoint"`
	AccessToken string `yaml:"access_token"`
	Mobile      string `yaml:"mobile"`
	Password    string `yaml:"password"`
	MPIN        string `yaml:"mpin"`
}

// StrategyConfig pins the RSI-dip strategy parameters. The strategy itself
// is fixed; these knobs exist so tests and backtests can compress it.
type StrategyConfig struct {
	RSIPeriod          int     `yaml:"rsi_period"`
	EMAShort           int     `yaml:"ema_short"`
	EMALong            int     `yaml:"ema_long"`
	RSIEntryThresholds []int   `yaml:"rsi_entry_thresholds"`
	RSIExit            float64 `yaml:"rsi_exit"`
	ExitOnEMA9OrRSI50  bool    `yaml:"exit_on_ema9_or_rsi50"`
}

// SizingConfig defines position sizing and portfolio limits.
type SizingConfig struct {
	CapitalPerTrade     float64 `yaml:"capital_per_trade"`
	MaxPortfolioSize    int     `yaml:"max_portfolio_size"`
	MinCombinedScore    float64 `yaml:"min_combined_score"`
	MaxPosToVolumeRatio float64 `yaml:"max_position_to_avg_volume_ratio"`
}

// PacingConfig defines API pacing and worker limits.
type PacingConfig struct {
	APIRateLimitDelay     string `yaml:"api_rate_limit_delay"`
	MaxConcurrentAnalyses int    `yaml:"max_concurrent_analyses"`
	MaxWorkers            int    `yaml:"max_workers"`
	LTPStaleThreshold     string `yaml:"ltp_stale_threshold"`
	MonitorInterval       string `yaml:"monitor_interval"`
	ReconnectBackoffBase  string `yaml:"reconnect_backoff_base"`
}

// PathsConfig defines filesystem locations the engine owns.
type PathsConfig struct {
	LedgerFile    string `yaml:"ledger_file"`
	CandidateDir  string `yaml:"candidate_dir"`
	ScripCacheDir string `yaml:"scrip_cache_dir"`
}

// NotifyConfig defines the outbound notification transport.
type NotifyConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate applies defaults and checks that all values are in range.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker validation: live mode needs real credentials; paper mode runs
	// against the mock broker and can leave them blank.
	if c.Environment.Mode == "live" {
		if c.Broker.AccessToken == "" {
			return fmt.Errorf("broker.access_token is required in live mode")
		}
		if c.Broker.Mobile == "" || c.Broker.MPIN == "" {
			return fmt.Errorf("broker.mobile and broker.mpin are required in live mode")
		}
	}

	c.applyStrategyDefaults()
	if c.Strategy.RSIPeriod <= 1 {
		return fmt.Errorf("strategy.rsi_period must be > 1")
	}
	if c.Strategy.EMAShort <= 0 || c.Strategy.EMALong <= 0 {
		return fmt.Errorf("strategy ema spans must be > 0")
	}
	if c.Strategy.EMAShort >= c.Strategy.EMALong {
		return fmt.Errorf("strategy.ema_short (%d) must be < strategy.ema_long (%d)",
			c.Strategy.EMAShort, c.Strategy.EMALong)
	}
	if len(c.Strategy.RSIEntryThresholds) == 0 {
		return fmt.Errorf("strategy.rsi_entry_thresholds must not be empty")
	}
	thresholds := append([]int(nil), c.Strategy.RSIEntryThresholds...)
	if !sort.IsSorted(sort.Reverse(sort.IntSlice(thresholds))) {
		return fmt.Errorf("strategy.rsi_entry_thresholds must be strictly decreasing")
	}
	for _, t := range thresholds {
		if t <= 0 || t >= 100 {
			return fmt.Errorf("strategy.rsi_entry_thresholds values must be in (0,100)")
		}
	}
	if c.Strategy.RSIExit <= 0 || c.Strategy.RSIExit >= 100 {
		return fmt.Errorf("strategy.rsi_exit must be in (0,100)")
	}

	// Sizing validation
	if c.Sizing.CapitalPerTrade == 0 {
		c.Sizing.CapitalPerTrade = defaultCapitalPerTrade
	}
	if c.Sizing.CapitalPerTrade <= 0 {
		return fmt.Errorf("sizing.capital_per_trade must be > 0")
	}
	if c.Sizing.MaxPortfolioSize == 0 {
		c.Sizing.MaxPortfolioSize = defaultMaxPortfolioSize
	}
	if c.Sizing.MaxPortfolioSize <= 0 {
		return fmt.Errorf("sizing.max_portfolio_size must be > 0")
	}
	if c.Sizing.MinCombinedScore == 0 {
		c.Sizing.MinCombinedScore = defaultMinCombinedScore
	}
	if c.Sizing.MaxPosToVolumeRatio == 0 {
		c.Sizing.MaxPosToVolumeRatio = defaultMaxPosToVolumeRatio
	}
	if c.Sizing.MaxPosToVolumeRatio <= 0 || c.Sizing.MaxPosToVolumeRatio > 1 {
		return fmt.Errorf("sizing.max_position_to_avg_volume_ratio must be in (0,1]")
	}

	// Pacing validation
	if c.Pacing.APIRateLimitDelay == "" {
		c.Pacing.APIRateLimitDelay = defaultRateLimitDelay
	}
	delay, err := time.ParseDuration(c.Pacing.APIRateLimitDelay)
	if err != nil {
		return fmt.Errorf("pacing.api_rate_limit_delay invalid: %w", err)
	}
	if delay < 500*time.Millisecond || delay > 2*time.Second {
		return fmt.Errorf("pacing.api_rate_limit_delay must be between 0.5s and 2s")
	}
	if c.Pacing.MonitorInterval == "" {
		c.Pacing.MonitorInterval = defaultMonitorInterval
	}
	if _, err := time.ParseDuration(c.Pacing.MonitorInterval); err != nil {
		return fmt.Errorf("pacing.monitor_interval invalid: %w", err)
	}
	if c.Pacing.LTPStaleThreshold == "" {
		c.Pacing.LTPStaleThreshold = defaultLTPStaleThreshold
	}
	if _, err := time.ParseDuration(c.Pacing.LTPStaleThreshold); err != nil {
		return fmt.Errorf("pacing.ltp_stale_threshold invalid: %w", err)
	}
	if c.Pacing.ReconnectBackoffBase == "" {
		c.Pacing.ReconnectBackoffBase = defaultReconnectBackoff
	}
	if _, err := time.ParseDuration(c.Pacing.ReconnectBackoffBase); err != nil {
		return fmt.Errorf("pacing.reconnect_backoff_base invalid: %w", err)
	}
	if c.Pacing.MaxWorkers == 0 {
		c.Pacing.MaxWorkers = defaultMaxWorkers
	}
	if c.Pacing.MaxWorkers < 1 || c.Pacing.MaxWorkers > 64 {
		return fmt.Errorf("pacing.max_workers must be between 1 and 64")
	}
	if c.Pacing.MaxConcurrentAnalyses == 0 {
		c.Pacing.MaxConcurrentAnalyses = defaultMaxConcurrent
	}
	if c.Pacing.MaxConcurrentAnalyses < 1 {
		return fmt.Errorf("pacing.max_concurrent_analyses must be >= 1")
	}

	// Paths validation
	if c.Paths.LedgerFile == "" {
		return fmt.Errorf("paths.ledger_file is required")
	}
	if c.Paths.CandidateDir == "" {
		return fmt.Errorf("paths.candidate_dir is required")
	}

	// Holidays parse as dates
	c.holidaySet = make(map[string]struct{}, len(c.Holidays))
	for _, h := range c.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("holidays entry %q invalid (want YYYY-MM-DD): %w", h, err)
		}
		c.holidaySet[h] = struct{}{}
	}

	return nil
}

func (c *Config) applyStrategyDefaults() {
	if c.Strategy.RSIPeriod == 0 {
		c.Strategy.RSIPeriod = 10
	}
	if c.Strategy.EMAShort == 0 {
		c.Strategy.EMAShort = 9
	}
	if c.Strategy.EMALong == 0 {
		c.Strategy.EMALong = 200
	}
	if len(c.Strategy.RSIEntryThresholds) == 0 {
		c.Strategy.RSIEntryThresholds = []int{30, 20, 10}
	}
	if c.Strategy.RSIExit == 0 {
		c.Strategy.RSIExit = 50
	}
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the exchange timezone (IST), falling back to a fixed
// +05:30 zone on minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+30*60)
	}
	c.location = loc
	return loc
}

// RateLimitDelay returns the configured minimum interval between API calls.
func (c *Config) RateLimitDelay() time.Duration {
	return c.mustDuration(c.Pacing.APIRateLimitDelay, time.Second)
}

// MonitorInterval returns the monitor cycle period.
func (c *Config) MonitorInterval() time.Duration {
	return c.mustDuration(c.Pacing.MonitorInterval, 60*time.Minute)
}

// LTPStaleThreshold returns the age past which a cached live price is stale.
func (c *Config) LTPStaleThreshold() time.Duration {
	return c.mustDuration(c.Pacing.LTPStaleThreshold, 60*time.Second)
}

// ReconnectBackoffBase returns the websocket reconnect backoff base.
func (c *Config) ReconnectBackoffBase() time.Duration {
	return c.mustDuration(c.Pacing.ReconnectBackoffBase, 5*time.Second)
}

func (c *Config) mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IsTradingDay reports whether the NSE is open on the given date.
func (c *Config) IsTradingDay(t time.Time) bool {
	day := t.In(c.Location())
	if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		return false
	}
	_, holiday := c.holidaySet[day.Format("2006-01-02")]
	return !holiday
}

// MarketOpen returns 09:15 IST on the given date.
func (c *Config) MarketOpen(t time.Time) time.Time {
	return c.clockOn(t, 9, 15)
}

// MarketClose returns 15:30 IST on the given date.
func (c *Config) MarketClose(t time.Time) time.Time {
	return c.clockOn(t, 15, 30)
}

// PreMarketRetry returns 09:00 IST, when the failed-order queue is retried.
func (c *Config) PreMarketRetry(t time.Time) time.Time {
	return c.clockOn(t, 9, 0)
}

// EODCleanup returns 18:00 IST, when expired failed orders are purged.
func (c *Config) EODCleanup(t time.Time) time.Time {
	return c.clockOn(t, 18, 0)
}

// WithinMarketHours reports whether t falls inside the trading session on a
// trading day. Inclusive open, inclusive close.
func (c *Config) WithinMarketHours(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	now := t.In(c.Location())
	return !now.Before(c.MarketOpen(t)) && !now.After(c.MarketClose(t))
}

func (c *Config) clockOn(t time.Time, hour, minute int) time.Time {
	loc := c.Location()
	day := t.In(loc)
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
}
