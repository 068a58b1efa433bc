package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Trading modes.
const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// Execution modes.
const (
	ExecutionBracket = "bracket"
	ExecutionMarket  = "market"
)

// Config holds settings for the execution engine. Values come from defaults,
// then an optional YAML file (CONFIG_FILE), then environment variables.
type Config struct {
	// Process
	Mode            string `yaml:"mode"`
	ExecutionMode   string `yaml:"execution_mode"`
	ShortingEnabled bool   `yaml:"shorting_enabled"`
	LogLevel        string `yaml:"log_level"`
	LogPretty       bool   `yaml:"log_pretty"`

	// Status API
	APIAddr      string `yaml:"api_addr"`
	APIJWTSecret string `yaml:"api_jwt_secret"`

	// Venue
	KrakenAPIKey    string        `yaml:"kraken_api_key"`
	KrakenAPISecret string        `yaml:"kraken_api_secret"`
	KrakenBaseURL   string        `yaml:"kraken_base_url"`
	VenueTimeout    time.Duration `yaml:"venue_timeout"`
	VenueRPS        float64       `yaml:"venue_rps"`

	// Paper venue
	PaperQuoteBalance float64            `yaml:"paper_quote_balance"`
	PaperPrices       map[string]float64 `yaml:"paper_prices"`

	// Storage
	DBPath        string `yaml:"db_path"`
	PositionsPath string `yaml:"positions_path"`
	HeartbeatPath string `yaml:"heartbeat_path"`
	LockPath      string `yaml:"lock_path"`
	RedisAddr     string `yaml:"redis_addr"`

	Bracket        BracketConfig        `yaml:"bracket"`
	Execution      ExecutionConfig      `yaml:"execution"`
	Settlement     SettlementConfig     `yaml:"settlement"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Guard          GuardConfig          `yaml:"guard"`
}

// BracketConfig sizes and validates protective brackets.
type BracketConfig struct {
	RiskPerTradePct float64 `yaml:"risk_per_trade_pct"`
	MinRR           float64 `yaml:"min_rr"`
	ATRMultStop     float64 `yaml:"atr_mult_stop"`
	ATRMultTP       float64 `yaml:"atr_mult_tp"`
	MaxSlippageBps  float64 `yaml:"max_slippage_bps"`
	FallbackStopPct float64 `yaml:"fallback_stop_pct"`
	FallbackTPPct   float64 `yaml:"fallback_tp_pct"`
	AllowQtyAdjust  bool    `yaml:"allow_qty_adjust"`
}

// ExecutionConfig covers the market-order path.
type ExecutionConfig struct {
	FillPollAttempts int           `yaml:"fill_poll_attempts"`
	FillPollInitial  time.Duration `yaml:"fill_poll_initial"`
	FillPollMaxWait  time.Duration `yaml:"fill_poll_max_wait"`
	RateLimitMaxWait time.Duration `yaml:"rate_limit_max_wait"`
	MinimumsTTL      time.Duration `yaml:"minimums_ttl"`
	ExitCheckEvery   time.Duration `yaml:"exit_check_every"`
}

// SettlementConfig covers balance polling and protective retries.
type SettlementConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	RetryPoll      time.Duration `yaml:"retry_poll"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

// RateLimitConfig is the order admission window.
type RateLimitConfig struct {
	MaxOrders int           `yaml:"max_orders"`
	Window    time.Duration `yaml:"window"`
	MinDelay  time.Duration `yaml:"min_delay"`
}

// ReconciliationConfig drives the sweep loop.
type ReconciliationConfig struct {
	Interval            time.Duration `yaml:"interval"`
	CatchupEvery        int           `yaml:"catchup_every"`
	CatchupWindow       time.Duration `yaml:"catchup_window"`
	FillThreshold       float64       `yaml:"fill_threshold"`
	StopLookupMaxMisses int           `yaml:"stop_lookup_max_misses"`
	StopLookupAttempts  int           `yaml:"stop_lookup_attempts"`
	StopLookupDelay     time.Duration `yaml:"stop_lookup_delay"`
}

// GuardConfig controls singleton protection.
type GuardConfig struct {
	HeartbeatMaxAge   time.Duration `yaml:"heartbeat_max_age"`
	LockMaxAge        time.Duration `yaml:"lock_max_age"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Mode:              ModePaper,
		ExecutionMode:     ExecutionBracket,
		LogLevel:          "info",
		APIAddr:           ":8080",
		KrakenBaseURL:     "https://api.kraken.com",
		VenueTimeout:      10 * time.Second,
		VenueRPS:          1,
		PaperQuoteBalance: 10000,
		DBPath:            "./data/execution.db",
		PositionsPath:     "./data/open_positions.json",
		HeartbeatPath:     "./data/heartbeat.json",
		LockPath:          "./data/meta/instance_lock.json",
		Bracket: BracketConfig{
			RiskPerTradePct: 0.25,
			MinRR:           1.0,
			ATRMultStop:     2.0,
			ATRMultTP:       3.0,
			MaxSlippageBps:  10,
			FallbackStopPct: 0.02,
			FallbackTPPct:   0.03,
			AllowQtyAdjust:  true,
		},
		Execution: ExecutionConfig{
			FillPollAttempts: 6,
			FillPollInitial:  500 * time.Millisecond,
			FillPollMaxWait:  15 * time.Second,
			RateLimitMaxWait: 5 * time.Second,
			MinimumsTTL:      time.Hour,
			ExitCheckEvery:   15 * time.Second,
		},
		Settlement: SettlementConfig{
			PollInterval:   time.Second,
			RetryPoll:      500 * time.Millisecond,
			MaxAttempts:    5,
			InitialBackoff: time.Second,
		},
		RateLimit: RateLimitConfig{
			MaxOrders: 15,
			Window:    time.Minute,
			MinDelay:  250 * time.Millisecond,
		},
		Reconciliation: ReconciliationConfig{
			Interval:            time.Minute,
			CatchupEvery:        10,
			CatchupWindow:       7 * 24 * time.Hour,
			FillThreshold:       0.99,
			StopLookupMaxMisses: 10,
			StopLookupAttempts:  2,
			StopLookupDelay:     2 * time.Second,
		},
		Guard: GuardConfig{
			HeartbeatMaxAge:   5 * time.Minute,
			LockMaxAge:        10 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

// Load reads the optional YAML file and environment variables (optionally via .env).
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile overlays YAML settings from path onto cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Mode = strings.ToLower(getEnv("TRADING_MODE", c.Mode))
	c.ExecutionMode = strings.ToLower(getEnv("EXECUTION_MODE", c.ExecutionMode))
	c.ShortingEnabled = getEnvBool("SHORTING_ENABLED", c.ShortingEnabled)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogPretty = getEnvBool("LOG_PRETTY", c.LogPretty)

	c.APIAddr = getEnv("API_ADDR", c.APIAddr)
	c.APIJWTSecret = getEnv("API_JWT_SECRET", c.APIJWTSecret)

	c.KrakenAPIKey = getEnv("KRAKEN_API_KEY", c.KrakenAPIKey)
	c.KrakenAPISecret = getEnv("KRAKEN_API_SECRET", c.KrakenAPISecret)
	c.KrakenBaseURL = getEnv("KRAKEN_BASE_URL", c.KrakenBaseURL)
	c.VenueTimeout = getEnvDuration("VENUE_TIMEOUT", c.VenueTimeout)
	c.VenueRPS = getEnvFloat("VENUE_RPS", c.VenueRPS)
	c.PaperQuoteBalance = getEnvFloat("PAPER_QUOTE_BALANCE", c.PaperQuoteBalance)

	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.PositionsPath = getEnv("POSITIONS_PATH", c.PositionsPath)
	c.HeartbeatPath = getEnv("HEARTBEAT_PATH", c.HeartbeatPath)
	c.LockPath = getEnv("INSTANCE_LOCK_PATH", c.LockPath)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)

	b := &c.Bracket
	b.RiskPerTradePct = getEnvFloat("RISK_PER_TRADE", b.RiskPerTradePct)
	b.MinRR = getEnvFloat("MIN_RR", b.MinRR)
	b.ATRMultStop = getEnvFloat("ATR_MULT_STOP", b.ATRMultStop)
	b.ATRMultTP = getEnvFloat("ATR_MULT_TP", b.ATRMultTP)
	b.MaxSlippageBps = getEnvFloat("MAX_SLIPPAGE_BPS", b.MaxSlippageBps)
	b.FallbackStopPct = getEnvFloat("FALLBACK_STOP_PCT", b.FallbackStopPct)
	b.FallbackTPPct = getEnvFloat("FALLBACK_TP_PCT", b.FallbackTPPct)
	b.AllowQtyAdjust = getEnvBool("ALLOW_QTY_ADJUST", b.AllowQtyAdjust)

	e := &c.Execution
	e.FillPollAttempts = getEnvInt("FILL_POLL_ATTEMPTS", e.FillPollAttempts)
	e.FillPollInitial = getEnvDuration("FILL_POLL_INITIAL", e.FillPollInitial)
	e.FillPollMaxWait = getEnvDuration("FILL_POLL_MAX_WAIT", e.FillPollMaxWait)
	e.RateLimitMaxWait = getEnvDuration("RATE_LIMIT_MAX_WAIT", e.RateLimitMaxWait)
	e.MinimumsTTL = getEnvDuration("MINIMUMS_TTL", e.MinimumsTTL)
	e.ExitCheckEvery = getEnvDuration("EXIT_CHECK_EVERY", e.ExitCheckEvery)

	s := &c.Settlement
	s.PollInterval = getEnvDuration("SETTLEMENT_POLL_INTERVAL", s.PollInterval)
	s.RetryPoll = getEnvDuration("SETTLEMENT_RETRY_POLL", s.RetryPoll)
	s.MaxAttempts = getEnvInt("PROTECTIVE_MAX_ATTEMPTS", s.MaxAttempts)
	s.InitialBackoff = getEnvDuration("PROTECTIVE_INITIAL_BACKOFF", s.InitialBackoff)

	r := &c.RateLimit
	r.MaxOrders = getEnvInt("MAX_ORDERS_PER_MINUTE", r.MaxOrders)
	r.Window = getEnvDuration("RATE_LIMIT_WINDOW", r.Window)
	if ms := getEnvInt("MIN_ORDER_DELAY_MS", -1); ms >= 0 {
		r.MinDelay = time.Duration(ms) * time.Millisecond
	}

	rc := &c.Reconciliation
	rc.Interval = getEnvDuration("RECONCILE_INTERVAL", rc.Interval)
	rc.CatchupEvery = getEnvInt("RECONCILE_CATCHUP_EVERY", rc.CatchupEvery)
	rc.CatchupWindow = getEnvDuration("RECONCILE_CATCHUP_WINDOW", rc.CatchupWindow)
	rc.FillThreshold = getEnvFloat("RECONCILE_FILL_THRESHOLD", rc.FillThreshold)
	rc.StopLookupMaxMisses = getEnvInt("STOP_LOOKUP_MAX_MISSES", rc.StopLookupMaxMisses)
	rc.StopLookupAttempts = getEnvInt("STOP_LOOKUP_ATTEMPTS", rc.StopLookupAttempts)
	rc.StopLookupDelay = getEnvDuration("STOP_LOOKUP_DELAY", rc.StopLookupDelay)

	g := &c.Guard
	if m := getEnvInt("INSTANCE_MAX_HEARTBEAT_AGE_MINUTES", -1); m >= 0 {
		g.HeartbeatMaxAge = time.Duration(m) * time.Minute
	}
	if m := getEnvInt("INSTANCE_LOCK_AGE_MINUTES", -1); m >= 0 {
		g.LockMaxAge = time.Duration(m) * time.Minute
	}
	g.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", g.HeartbeatInterval)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Mode != ModeLive && c.Mode != ModePaper {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeLive, ModePaper, c.Mode))
	}
	if c.ExecutionMode != ExecutionBracket && c.ExecutionMode != ExecutionMarket {
		errs = append(errs, fmt.Errorf("execution_mode must be %q or %q, got %q", ExecutionBracket, ExecutionMarket, c.ExecutionMode))
	}
	if c.Mode == ModeLive && (c.KrakenAPIKey == "" || c.KrakenAPISecret == "") {
		errs = append(errs, errors.New("live mode requires KRAKEN_API_KEY and KRAKEN_API_SECRET"))
	}
	if c.Bracket.RiskPerTradePct <= 0 || c.Bracket.RiskPerTradePct > 100 {
		errs = append(errs, fmt.Errorf("risk_per_trade_pct out of range: %v", c.Bracket.RiskPerTradePct))
	}
	if c.Bracket.FallbackStopPct <= 0 || c.Bracket.FallbackTPPct <= 0 {
		errs = append(errs, errors.New("fallback stop/target percentages must be positive"))
	}
	if c.Reconciliation.FillThreshold <= 0 || c.Reconciliation.FillThreshold > 1 {
		errs = append(errs, fmt.Errorf("fill_threshold must be in (0,1], got %v", c.Reconciliation.FillThreshold))
	}
	if c.Reconciliation.Interval <= 0 {
		errs = append(errs, errors.New("reconciliation interval must be positive"))
	}
	if c.Settlement.MaxAttempts <= 0 {
		errs = append(errs, errors.New("protective max_attempts must be positive"))
	}
	if c.RateLimit.MaxOrders <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit window and max_orders must be positive"))
	}
	return errors.Join(errs...)
}

// IsLive reports whether orders go to the real venue.
func (c *Config) IsLive() bool { return c.Mode == ModeLive }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
