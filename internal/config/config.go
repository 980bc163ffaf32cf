package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ceagles/receipt-tracker/internal/auth"
	"github.com/ceagles/receipt-tracker/internal/discovery"
	"github.com/ceagles/receipt-tracker/internal/driver"
	"github.com/ceagles/receipt-tracker/internal/extract"
	"github.com/ceagles/receipt-tracker/internal/model"
	"github.com/ceagles/receipt-tracker/internal/monitoring"
	"github.com/ceagles/receipt-tracker/internal/pipeline"
	"github.com/ceagles/receipt-tracker/internal/ratecontrol"
)

// Browser modes.
const (
	BrowserHeadless = "headless"
	BrowserHeadful  = "headful"
	BrowserHTTP     = "http"
)

// Config holds the full application configuration.
type Config struct {
	Account   AccountConfig     `yaml:"account" mapstructure:"account"`
	Target    auth.Target       `yaml:"target" mapstructure:"target"`
	Browser   BrowserConfig     `yaml:"browser" mapstructure:"browser"`
	Rate      RateConfig        `yaml:"rate" mapstructure:"rate"`
	Auth      auth.Config       `yaml:"auth" mapstructure:"auth"`
	Session   SessionConfig     `yaml:"session" mapstructure:"session"`
	Discovery discovery.Config  `yaml:"discovery" mapstructure:"discovery"`
	Extract   extract.Config    `yaml:"extract" mapstructure:"extract"`
	Pipeline  pipeline.Config   `yaml:"pipeline" mapstructure:"pipeline"`
	Signals   SignalsConfig     `yaml:"signals" mapstructure:"signals"`
	Monitor   monitoring.Config `yaml:"monitor" mapstructure:"monitor"`
	Store     StoreConfig       `yaml:"store" mapstructure:"store"`
	Log       LogConfig         `yaml:"log" mapstructure:"log"`
}

// AccountConfig holds the login credential. Prefer the RECEIPTS_ACCOUNT_*
// environment variables over writing the secret to config.yaml.
type AccountConfig struct {
	Identity string `yaml:"identity" mapstructure:"identity"`
	Secret   string `yaml:"secret" mapstructure:"secret"`
}

// Credential returns the account as a credential.
func (a AccountConfig) Credential() model.Credential {
	return model.Credential{Identity: a.Identity, Secret: a.Secret}
}

// BrowserConfig selects and tunes the page driver.
type BrowserConfig struct {
	// Mode is headless, headful or http.
	Mode        string            `yaml:"mode" mapstructure:"mode"`
	ControlURL  string            `yaml:"control_url" mapstructure:"control_url"`
	Proxy       string            `yaml:"proxy" mapstructure:"proxy"`
	UserAgents  []string          `yaml:"user_agents" mapstructure:"user_agents"`
	Viewports   []driver.Viewport `yaml:"viewports" mapstructure:"viewports"`
	Timezones   []string          `yaml:"timezones" mapstructure:"timezones"`
	NavTimeout  time.Duration     `yaml:"nav_timeout" mapstructure:"nav_timeout"`
	PollEvery   time.Duration     `yaml:"poll_every" mapstructure:"poll_every"`
	BlockAssets bool              `yaml:"block_assets" mapstructure:"block_assets"`
}

// Options converts the section into driver options.
func (b BrowserConfig) Options() driver.Options {
	return driver.Options{
		Headless:    b.Mode != BrowserHeadful,
		ControlURL:  b.ControlURL,
		Proxy:       b.Proxy,
		UserAgents:  b.UserAgents,
		Viewports:   b.Viewports,
		Timezones:   b.Timezones,
		NavTimeout:  b.NavTimeout,
		PollEvery:   b.PollEvery,
		BlockAssets: b.BlockAssets,
	}
}

// Interactive reports whether a human can see the browser window.
func (b BrowserConfig) Interactive() bool { return b.Mode == BrowserHeadful }

// RateConfig holds pacing and escalation settings.
type RateConfig struct {
	DelayMin          time.Duration `yaml:"delay_min" mapstructure:"delay_min"`
	DelayMax          time.Duration `yaml:"delay_max" mapstructure:"delay_max"`
	TierMultipliers   []float64     `yaml:"tier_multipliers" mapstructure:"tier_multipliers"`
	FailureThresholds []int         `yaml:"failure_thresholds" mapstructure:"failure_thresholds"`
	DetectionJump     int           `yaml:"detection_jump" mapstructure:"detection_jump"`
	DecayStreak       int           `yaml:"decay_streak" mapstructure:"decay_streak"`
	CooldownInterval  time.Duration `yaml:"cooldown_interval" mapstructure:"cooldown_interval"`
	RequestsPerMinute float64       `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	KeystrokeMin      time.Duration `yaml:"keystroke_min" mapstructure:"keystroke_min"`
	KeystrokeMax      time.Duration `yaml:"keystroke_max" mapstructure:"keystroke_max"`
	InteractionMin    time.Duration `yaml:"interaction_min" mapstructure:"interaction_min"`
	InteractionMax    time.Duration `yaml:"interaction_max" mapstructure:"interaction_max"`
	BackoffBase       time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
}

// Controller converts the section into a rate controller config. List
// entries beyond the fixed tier count are ignored.
func (r RateConfig) Controller() ratecontrol.Config {
	c := ratecontrol.Config{
		DelayMin:          r.DelayMin,
		DelayMax:          r.DelayMax,
		DetectionJump:     r.DetectionJump,
		DecayStreak:       r.DecayStreak,
		CooldownInterval:  r.CooldownInterval,
		RequestsPerMinute: r.RequestsPerMinute,
		Burst:             r.Burst,
		KeystrokeMin:      r.KeystrokeMin,
		KeystrokeMax:      r.KeystrokeMax,
		InteractionMin:    r.InteractionMin,
		InteractionMax:    r.InteractionMax,
		BackoffBase:       r.BackoffBase,
		BackoffMax:        r.BackoffMax,
	}
	copy(c.TierMultipliers[:], r.TierMultipliers)
	copy(c.FailureThresholds[:], r.FailureThresholds)
	return c
}

// SessionConfig configures session persistence.
type SessionConfig struct {
	// Dir stores sessions as files. Empty stores them in the record store.
	Dir           string        `yaml:"dir" mapstructure:"dir"`
	EncryptionKey string        `yaml:"encryption_key" mapstructure:"encryption_key"`
	CacheSize     int           `yaml:"cache_size" mapstructure:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// SignalsConfig points at optional site-specific detection rules.
type SignalsConfig struct {
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml (optional) and RECEIPTS_*
// environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECEIPTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default so that its environment variable is seen.
	v.SetDefault("account.identity", "")
	v.SetDefault("account.secret", "")

	t := auth.DefaultTarget()
	v.SetDefault("target.login_url", t.LoginURL)
	v.SetDefault("target.probe_url", t.ProbeURL)
	v.SetDefault("target.form_selector", t.FormSelector)
	v.SetDefault("target.identity_selectors", t.IdentitySelectors)
	v.SetDefault("target.secret_selectors", t.SecretSelectors)
	v.SetDefault("target.submit_selectors", t.SubmitSelectors)
	v.SetDefault("target.error_selectors", t.ErrorSelectors)
	v.SetDefault("target.challenge_selectors", t.ChallengeSelectors)
	v.SetDefault("target.challenge_text", t.ChallengeText)
	v.SetDefault("target.success_selectors", t.SuccessSelectors)
	v.SetDefault("target.success_text", t.SuccessText)
	v.SetDefault("target.login_url_markers", t.LoginURLMarkers)
	v.SetDefault("target.popup_selectors", t.PopupSelectors)

	v.SetDefault("browser.mode", BrowserHeadless)
	v.SetDefault("browser.control_url", "")
	v.SetDefault("browser.proxy", "")
	v.SetDefault("browser.user_agents", driver.DefaultUserAgents)
	v.SetDefault("browser.viewports", driver.DefaultViewports)
	v.SetDefault("browser.timezones", []string{"America/New_York", "America/Chicago", "America/Denver", "America/Los_Angeles"})
	v.SetDefault("browser.nav_timeout", 45*time.Second)
	v.SetDefault("browser.poll_every", 250*time.Millisecond)
	v.SetDefault("browser.block_assets", false)

	r := ratecontrol.DefaultConfig()
	v.SetDefault("rate.delay_min", r.DelayMin)
	v.SetDefault("rate.delay_max", r.DelayMax)
	v.SetDefault("rate.tier_multipliers", r.TierMultipliers[:])
	v.SetDefault("rate.failure_thresholds", r.FailureThresholds[:])
	v.SetDefault("rate.detection_jump", r.DetectionJump)
	v.SetDefault("rate.decay_streak", r.DecayStreak)
	v.SetDefault("rate.cooldown_interval", r.CooldownInterval)
	v.SetDefault("rate.requests_per_minute", r.RequestsPerMinute)
	v.SetDefault("rate.burst", r.Burst)
	v.SetDefault("rate.keystroke_min", r.KeystrokeMin)
	v.SetDefault("rate.keystroke_max", r.KeystrokeMax)
	v.SetDefault("rate.interaction_min", r.InteractionMin)
	v.SetDefault("rate.interaction_max", r.InteractionMax)
	v.SetDefault("rate.backoff_base", r.BackoffBase)
	v.SetDefault("rate.backoff_max", r.BackoffMax)

	v.SetDefault("auth.max_retries", 3)
	v.SetDefault("auth.settle_timeout", 20*time.Second)
	v.SetDefault("auth.challenge_wait", time.Duration(0))
	v.SetDefault("auth.validity", 24*time.Hour)

	v.SetDefault("session.dir", "")
	v.SetDefault("session.encryption_key", "")
	v.SetDefault("session.cache_size", 8)
	v.SetDefault("session.cache_ttl", 10*time.Minute)

	d := discovery.DefaultConfig()
	v.SetDefault("discovery.window_days", d.WindowDays)
	v.SetDefault("discovery.listing_url", d.ListingURL)
	v.SetDefault("discovery.date_format", d.DateFormat)
	v.SetDefault("discovery.next_selectors", d.NextSelectors)
	v.SetDefault("discovery.ready_selectors", d.ReadySelectors)
	v.SetDefault("discovery.ready_timeout", d.ReadyTimeout)
	v.SetDefault("discovery.max_pages", d.MaxPages)
	v.SetDefault("discovery.fetch_retries", d.FetchRetries)

	e := extract.DefaultConfig()
	v.SetDefault("extract.container_selectors", e.ContainerSelectors)
	v.SetDefault("extract.date_selectors", e.DateSelectors)
	v.SetDefault("extract.total_selectors", e.TotalSelectors)
	v.SetDefault("extract.subtotal_selectors", e.SubtotalSelectors)
	v.SetDefault("extract.tax_selectors", e.TaxSelectors)
	v.SetDefault("extract.location_selectors", e.LocationSelectors)
	v.SetDefault("extract.receipt_number_selectors", e.ReceiptNumberSelectors)
	v.SetDefault("extract.member_number_selectors", e.MemberNumberSelectors)
	v.SetDefault("extract.item_selectors", e.ItemSelectors)
	v.SetDefault("extract.item_name_selectors", e.ItemNameSelectors)
	v.SetDefault("extract.item_price_selectors", e.ItemPriceSelectors)
	v.SetDefault("extract.item_quantity_selectors", e.ItemQuantitySelectors)
	v.SetDefault("extract.item_number_selectors", e.ItemNumberSelectors)
	v.SetDefault("extract.tolerance_cents", e.ToleranceCents)
	v.SetDefault("extract.currency", e.Currency)
	v.SetDefault("extract.snippet_runes", e.SnippetRunes)

	p := pipeline.DefaultConfig()
	v.SetDefault("pipeline.window_timeout", p.WindowTimeout)
	v.SetDefault("pipeline.store_retries", p.StoreRetries)
	v.SetDefault("pipeline.lockout_threshold", p.LockoutThreshold)

	v.SetDefault("signals.rules_file", "")

	m := monitoring.DefaultConfig()
	v.SetDefault("monitor.stop_file", m.StopFile)
	v.SetDefault("monitor.memory_warn_percent", m.MemoryWarnPercent)
	v.SetDefault("monitor.memory_stop_percent", m.MemoryStopPercent)
	v.SetDefault("monitor.webhook_url", "")
	v.SetDefault("monitor.failure_rate_threshold", m.FailureRateThreshold)
	v.SetDefault("monitor.deferred_threshold", m.DeferredThreshold)
	v.SetDefault("monitor.lookback_window_hours", m.LookbackWindowHours)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "receipts.db")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the configuration for the given mode: "run" needs the
// account credential and a usable browser; "query" only needs the store.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			add("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}

	switch mode {
	case "query":
	case "run":
		if c.Account.Identity == "" {
			add("account.identity is required")
		}
		if c.Account.Secret == "" {
			add("account.secret is required")
		}
		switch c.Browser.Mode {
		case BrowserHeadless, BrowserHeadful, BrowserHTTP:
		default:
			add("browser.mode must be headless, headful or http, got %q", c.Browser.Mode)
		}
		if c.Rate.DelayMin < 0 || c.Rate.DelayMin > c.Rate.DelayMax {
			add("rate.delay_min must be between 0 and rate.delay_max")
		}
		if c.Rate.KeystrokeMin > c.Rate.KeystrokeMax {
			add("rate.keystroke_min must not exceed rate.keystroke_max")
		}
		if c.Rate.InteractionMin > c.Rate.InteractionMax {
			add("rate.interaction_min must not exceed rate.interaction_max")
		}
		if c.Rate.RequestsPerMinute < 0 {
			add("rate.requests_per_minute must be >= 0")
		}
		if c.Discovery.WindowDays < 1 {
			add("discovery.window_days must be >= 1")
		}
		if c.Discovery.ListingURL == "" {
			add("discovery.listing_url is required")
		}
		if c.Target.LoginURL == "" || c.Target.ProbeURL == "" {
			add("target.login_url and target.probe_url are required")
		}
		if c.Monitor.MemoryWarnPercent > c.Monitor.MemoryStopPercent && c.Monitor.MemoryStopPercent > 0 {
			add("monitor.memory_warn_percent must not exceed monitor.memory_stop_percent")
		}
		if c.Auth.ChallengeWait > 0 && !c.Browser.Interactive() {
			add("auth.challenge_wait needs browser.mode=headful")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Wrap(errors.New(strings.Join(errs, "; ")), "config: invalid")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
