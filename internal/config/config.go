package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

type StopLossMode string

const (
	StopTrigger  StopLossMode = "trigger"
	StopTrailing StopLossMode = "trailing"
)

type Config struct {
	Mode          Mode                `yaml:"mode"`
	InstanceID    string              `yaml:"instance_id"`
	Markets       []string            `yaml:"markets"`
	Defaults      MarketDefaults      `yaml:"defaults"`
	Exchange      ExchangeConfig      `yaml:"exchange"`
	State         StateConfig         `yaml:"state"`
	Safety        SafetyConfig        `yaml:"safety"`
	Trend         TrendConfig         `yaml:"trend"`
	Retry         RetryConfig         `yaml:"retry"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// MarketDefaults seeds the per-market config of newly added markets. All
// percentage values are plain percents (1.5 means 1.5%).
type MarketDefaults struct {
	TakeProfitPct Decimal      `yaml:"take_profit_pct"`
	StopLossPct   Decimal      `yaml:"stop_loss_pct"`
	StopLossMode  StopLossMode `yaml:"stop_loss_mode"`
	QuoteBudget   Decimal      `yaml:"quote_budget"`
	RebuyPct      Decimal      `yaml:"rebuy_pct"`
	ScalpEnabled  bool         `yaml:"scalp_enabled"`
	ScalpTickPct  Decimal      `yaml:"scalp_tick_pct"`
	ScalpLevels   int          `yaml:"scalp_levels"`
	FreezeOnStop  *bool        `yaml:"freeze_on_stop"`
	AutoTrade     bool         `yaml:"auto_trade"`
}

type ExchangeConfig struct {
	RestBaseURL    string `yaml:"rest_base_url"`
	WSBaseURL      string `yaml:"ws_base_url"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

// SafetyConfig bounds entry placement: spread, balance floor, price window
// and the post-stop trading pause.
type SafetyConfig struct {
	MaxSpreadPct         Decimal `yaml:"max_spread_pct"`
	MinQuoteBalance      Decimal `yaml:"min_quote_balance"`
	PriceWindowPct       Decimal `yaml:"price_window_pct"`
	PriceWindowMin       int64   `yaml:"price_window_min"`
	PauseAfterStopMin    int64   `yaml:"pause_after_stop_min"`
	ProfitLockTriggerPct Decimal `yaml:"profit_lock_trigger_pct"`
	ProfitLockGapPct     Decimal `yaml:"profit_lock_gap_pct"`
	MaxConsecFailures    int     `yaml:"max_consec_failures"`
	FailureCooldownSec   int64   `yaml:"failure_cooldown_sec"`
}

// TrendConfig tunes the market profile detector and the per-profile
// overrides applied on top of a market's own config.
type TrendConfig struct {
	WindowMin        int64           `yaml:"window_min"`
	DownThresholdPct Decimal         `yaml:"down_threshold_pct"`
	UpThresholdPct   Decimal         `yaml:"up_threshold_pct"`
	Downtrend        ProfileOverride `yaml:"downtrend"`
	Uptrend          ProfileOverride `yaml:"uptrend"`
}

type ProfileOverride struct {
	TakeProfitPct *Decimal `yaml:"take_profit_pct"`
	StopLossPct   *Decimal `yaml:"stop_loss_pct"`
	ScalpTickPct  *Decimal `yaml:"scalp_tick_pct"`
	PauseEntries  bool     `yaml:"pause_entries"`
}

type RetryConfig struct {
	Attempts  int   `yaml:"attempts"`
	BackoffMs int64 `yaml:"backoff_ms"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool  `yaml:"enabled"`
	ChatID     int64 `yaml:"chat_id"`
	TimeoutSec int64 `yaml:"timeout_sec"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type RuntimeConfig struct {
	PollIntervalSec    int64 `yaml:"poll_interval_sec"`
	ReportIntervalMin  int64 `yaml:"report_interval_min"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	for i, m := range c.Markets {
		c.Markets[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	c.Defaults.StopLossMode = StopLossMode(strings.ToLower(strings.TrimSpace(string(c.Defaults.StopLossMode))))
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.Metrics.Addr = strings.TrimSpace(c.Observability.Metrics.Addr)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Defaults.StopLossMode == "" {
		c.Defaults.StopLossMode = StopTrigger
	}
	if c.Defaults.ScalpLevels == 0 {
		c.Defaults.ScalpLevels = 2
	}
	if c.Defaults.FreezeOnStop == nil {
		enabled := true
		c.Defaults.FreezeOnStop = &enabled
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://whitebit.com"
	}
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = "wss://api.whitebit.com/ws"
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Safety.MaxSpreadPct.Cmp(decimal.Zero) == 0 {
		c.Safety.MaxSpreadPct = Dec("1")
	}
	if c.Safety.PriceWindowPct.Cmp(decimal.Zero) == 0 {
		c.Safety.PriceWindowPct = Dec("5")
	}
	if c.Safety.PriceWindowMin == 0 {
		c.Safety.PriceWindowMin = 30
	}
	if c.Safety.PauseAfterStopMin == 0 {
		c.Safety.PauseAfterStopMin = 60
	}
	if c.Safety.ProfitLockTriggerPct.Cmp(decimal.Zero) == 0 {
		c.Safety.ProfitLockTriggerPct = Dec("2")
	}
	if c.Safety.ProfitLockGapPct.Cmp(decimal.Zero) == 0 {
		c.Safety.ProfitLockGapPct = Dec("0.5")
	}
	if c.Safety.MaxConsecFailures == 0 {
		c.Safety.MaxConsecFailures = 5
	}
	if c.Safety.FailureCooldownSec == 0 {
		c.Safety.FailureCooldownSec = 300
	}
	if c.Trend.WindowMin == 0 {
		c.Trend.WindowMin = 240
	}
	if c.Trend.DownThresholdPct.Cmp(decimal.Zero) == 0 {
		c.Trend.DownThresholdPct = Dec("3")
	}
	if c.Trend.UpThresholdPct.Cmp(decimal.Zero) == 0 {
		c.Trend.UpThresholdPct = Dec("3")
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.BackoffMs == 0 {
		c.Retry.BackoffMs = 500
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Metrics.Addr == "" {
		c.Observability.Metrics.Addr = ":9090"
	}
	if c.Observability.Runtime.PollIntervalSec == 0 {
		c.Observability.Runtime.PollIntervalSec = 60
	}
	if c.Observability.Runtime.ReportIntervalMin == 0 {
		c.Observability.Runtime.ReportIntervalMin = 60
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("mode must be paper or live")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	for _, m := range c.Markets {
		if !isValidSymbol(m) {
			return fmt.Errorf("market %q must be BASE_QUOTE with [A-Z0-9] assets", m)
		}
	}
	if c.Defaults.StopLossMode != StopTrigger && c.Defaults.StopLossMode != StopTrailing {
		return fmt.Errorf("defaults.stop_loss_mode must be trigger or trailing")
	}
	if c.Defaults.TakeProfitPct.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("defaults.take_profit_pct must be >= 0")
	}
	if c.Defaults.StopLossPct.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("defaults.stop_loss_pct must be >= 0")
	}
	if c.Defaults.QuoteBudget.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("defaults.quote_budget must be >= 0")
	}
	if c.Defaults.RebuyPct.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("defaults.rebuy_pct must be >= 0")
	}
	if c.Defaults.ScalpEnabled && c.Defaults.ScalpTickPct.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("defaults.scalp_tick_pct must be > 0 when scalp enabled")
	}
	if c.Defaults.ScalpLevels < 1 || c.Defaults.ScalpLevels > 10 {
		return fmt.Errorf("defaults.scalp_levels must be between 1 and 10")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.Safety.MaxSpreadPct.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("safety.max_spread_pct must be > 0")
	}
	if c.Safety.MinQuoteBalance.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("safety.min_quote_balance must be >= 0")
	}
	if c.Safety.PriceWindowPct.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("safety.price_window_pct must be > 0")
	}
	if c.Safety.PriceWindowMin < 1 || c.Safety.PriceWindowMin > 1440 {
		return fmt.Errorf("safety.price_window_min must be between 1 and 1440")
	}
	if c.Safety.PauseAfterStopMin < 0 || c.Safety.PauseAfterStopMin > 1440 {
		return fmt.Errorf("safety.pause_after_stop_min must be between 0 and 1440")
	}
	if c.Safety.ProfitLockTriggerPct.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("safety.profit_lock_trigger_pct must be > 0")
	}
	if c.Safety.ProfitLockGapPct.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("safety.profit_lock_gap_pct must be > 0")
	}
	if c.Safety.ProfitLockGapPct.Cmp(c.Safety.ProfitLockTriggerPct.Decimal) >= 0 {
		return fmt.Errorf("safety.profit_lock_gap_pct must be below profit_lock_trigger_pct")
	}
	if c.Safety.MaxConsecFailures < 1 {
		return fmt.Errorf("safety.max_consec_failures must be >= 1")
	}
	if c.Safety.FailureCooldownSec < 1 || c.Safety.FailureCooldownSec > 3600 {
		return fmt.Errorf("safety.failure_cooldown_sec must be between 1 and 3600")
	}
	if c.Trend.WindowMin < 1 || c.Trend.WindowMin > 10080 {
		return fmt.Errorf("trend.window_min must be between 1 and 10080")
	}
	if c.Trend.DownThresholdPct.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("trend.down_threshold_pct must be > 0")
	}
	if c.Trend.UpThresholdPct.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("trend.up_threshold_pct must be > 0")
	}
	if c.Retry.Attempts < 1 || c.Retry.Attempts > 10 {
		return fmt.Errorf("retry.attempts must be between 1 and 10")
	}
	if c.Retry.BackoffMs < 1 || c.Retry.BackoffMs > 60000 {
		return fmt.Errorf("retry.backoff_ms must be between 1 and 60000")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.ChatID == 0 {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
	}
	if c.Observability.Runtime.PollIntervalSec < 10 || c.Observability.Runtime.PollIntervalSec > 3600 {
		return fmt.Errorf("observability.runtime.poll_interval_sec must be between 10 and 3600")
	}
	if c.Observability.Runtime.ReportIntervalMin < 0 || c.Observability.Runtime.ReportIntervalMin > 1440 {
		return fmt.Errorf("observability.runtime.report_interval_min must be between 0 and 1440")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	return nil
}

// Credentials are never read from YAML so a config file can be shared
// without leaking keys.
type Credentials struct {
	APIKey    string
	APISecret string
	BotToken  string
}

// LoadCredentials reads exchange and telegram credentials from the
// environment. Missing exchange keys are allowed; the gateway then runs in
// read-only mode.
func LoadCredentials() Credentials {
	return Credentials{
		APIKey:    strings.TrimSpace(os.Getenv("WHITEBIT_API_KEY")),
		APISecret: strings.TrimSpace(os.Getenv("WHITEBIT_API_SECRET")),
		BotToken:  strings.TrimSpace(os.Getenv("BOT_TOKEN")),
	}
}

func (c Credentials) CanTrade() bool {
	return c.APIKey != "" && c.APISecret != ""
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	base, quote, ok := strings.Cut(v, "_")
	if !ok || base == "" || quote == "" {
		return false
	}
	for _, part := range []string{base, quote} {
		for _, r := range part {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				continue
			}
			return false
		}
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
