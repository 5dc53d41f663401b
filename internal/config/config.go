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

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/rpcpool"
)

type Config struct {
	DB         DBConfig
	Redis      RedisConfig
	RPC        RPCConfig
	Verify     VerifyConfig
	Confidence ConfidenceConfig
	Fx         FxConfig
	Rules      RulesConfig
	Alert      AlertConfig
	Gap        GapConfig
	Server     ServerConfig
	Tracing    TracingConfig
	Log        LogConfig

	// File is the YAML overlay that was applied, if any.
	File string

	// env is the config as it stood before the file overlay.
	env *Config
}

type DBConfig struct {
	// URL selects the PostgreSQL store. Empty runs on the in-memory store.
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	StatementTimeoutMS int
}

type RedisConfig struct {
	// URL enables the evidence stream consumer when set.
	URL      string
	Stream   string
	Group    string
	Consumer string
}

type RPCConfig struct {
	Network       model.Network            `yaml:"network"`
	Strategy      rpcpool.Strategy         `yaml:"strategy"`
	RetryCount    int                      `yaml:"retry_count"`
	Timeout       time.Duration            `yaml:"timeout"`
	ProbeInterval time.Duration            `yaml:"probe_interval"`
	Endpoints     []rpcpool.EndpointConfig `yaml:"endpoints"`
}

type VerifyConfig struct {
	Concurrency int           `yaml:"concurrency"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Interval    time.Duration `yaml:"interval"`

	// Backoff for records that did not verify.
	RetryBase   time.Duration `yaml:"retry_base"`
	RetryMax    time.Duration `yaml:"retry_max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type ConfidenceConfig struct {
	ReviewThreshold   int           `yaml:"review_threshold"`
	TimeDecayGrace    time.Duration `yaml:"time_decay_grace"`
	MultiMatchPenalty int           `yaml:"multi_match_penalty"`
}

type FxConfig struct {
	Currency string `yaml:"currency"`
	// Rates maps "ASSET/CURRENCY" to a decimal rate string.
	Rates map[string]string `yaml:"rates"`
}

type RulesConfig struct {
	File string `yaml:"file"`
}

type AlertConfig struct {
	SlackWebhookURL string        `yaml:"slack_webhook_url"`
	WebhookURL      string        `yaml:"webhook_url"`
	Cooldown        time.Duration `yaml:"cooldown"`
}

type GapConfig struct {
	Schedule string        `yaml:"schedule"`
	Wallets  []string      `yaml:"wallets"`
	Lookback time.Duration `yaml:"lookback"`
}

type ServerConfig struct {
	AdminPort int
}

type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type LogConfig struct {
	Level string
}

// confidenceFile distinguishes an explicit review_threshold of 0 from an
// absent one.
type confidenceFile struct {
	ReviewThreshold   *int          `yaml:"review_threshold"`
	TimeDecayGrace    time.Duration `yaml:"time_decay_grace"`
	MultiMatchPenalty int           `yaml:"multi_match_penalty"`
}

// fileConfig is the shape of the optional YAML overlay.
type fileConfig struct {
	RPC        *RPCConfig        `yaml:"rpc"`
	Verify     *VerifyConfig     `yaml:"verify"`
	Confidence *confidenceFile   `yaml:"confidence"`
	Fx         *FxConfig         `yaml:"fx"`
	Rules      *RulesConfig      `yaml:"rules"`
	Alert      *AlertConfig      `yaml:"alerts"`
	Gap        *GapConfig        `yaml:"gap"`
}

// Load reads .env (when present), the environment, and then the YAML file
// named by CONFIG_FILE. File values override env values field by field.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		DB: DBConfig{
			URL:                getEnv("DB_URL", ""),
			MaxOpenConns:       getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:       getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:    time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
			StatementTimeoutMS: getEnvInt("DB_STATEMENT_TIMEOUT_MS", 30000),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Stream:   getEnv("REDIS_EVIDENCE_STREAM", "x402:evidence"),
			Group:    getEnv("REDIS_CONSUMER_GROUP", "x402-reconciler"),
			Consumer: getEnv("REDIS_CONSUMER_NAME", hostname()),
		},
		RPC: RPCConfig{
			Network:       model.ParseNetwork(getEnv("X402_NETWORK", string(model.NetworkBase))),
			Strategy:      rpcpool.Strategy(getEnv("RPC_STRATEGY", string(rpcpool.StrategyPriority))),
			RetryCount:    getEnvInt("RPC_RETRY_COUNT", 3),
			Timeout:       time.Duration(getEnvInt("RPC_TIMEOUT_MS", 10000)) * time.Millisecond,
			ProbeInterval: time.Duration(getEnvInt("RPC_PROBE_INTERVAL_SEC", 30)) * time.Second,
			Endpoints:     endpointsFromEnv(getEnv("RPC_URLS", "")),
		},
		Verify: VerifyConfig{
			Concurrency: getEnvInt("VERIFY_CONCURRENCY", 3),
			CacheTTL:    time.Duration(getEnvInt("VERIFY_CACHE_TTL_SEC", 300)) * time.Second,
			Interval:    time.Duration(getEnvInt("VERIFY_INTERVAL_SEC", 60)) * time.Second,
			RetryBase:   time.Duration(getEnvInt("VERIFY_RETRY_BASE_SEC", 300)) * time.Second,
			RetryMax:    time.Duration(getEnvInt("VERIFY_RETRY_MAX_SEC", 21600)) * time.Second,
			MaxAttempts: getEnvInt("VERIFY_MAX_ATTEMPTS", 10),
		},
		Confidence: ConfidenceConfig{
			ReviewThreshold:   getEnvInt("CONFIDENCE_REVIEW_THRESHOLD", 60),
			TimeDecayGrace:    time.Duration(getEnvInt("CONFIDENCE_TIME_DECAY_GRACE_SEC", 300)) * time.Second,
			MultiMatchPenalty: getEnvInt("CONFIDENCE_MULTI_MATCH_PENALTY", 15),
		},
		Fx: FxConfig{
			Currency: getEnv("FX_CURRENCY", "USD"),
			Rates:    map[string]string{"USDC/USD": "1"},
		},
		Rules: RulesConfig{
			File: getEnv("RULES_FILE", ""),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_MIN", 30)) * time.Minute,
		},
		Gap: GapConfig{
			Schedule: getEnv("GAP_SCHEDULE", "@every 1h"),
			Wallets:  splitList(getEnv("GAP_WALLETS", "")),
			Lookback: time.Duration(getEnvInt("GAP_LOOKBACK_HOURS", 24)) * time.Hour,
		},
		Server: ServerConfig{
			AdminPort: getEnvInt("ADMIN_PORT", 8080),
		},
		Tracing: TracingConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio: getEnvFloat("OTEL_SAMPLE_RATIO", 1),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		env := *cfg
		env.Fx.Rates = copyRates(cfg.Fx.Rates)
		cfg.env = &env
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFile overlays the YAML file at path onto c.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.overlay(fc)
	c.File = path
	return nil
}

func (c *Config) overlay(fc fileConfig) {
	if r := fc.RPC; r != nil {
		if r.Network != "" {
			c.RPC.Network = model.ParseNetwork(string(r.Network))
		}
		setString((*string)(&c.RPC.Strategy), string(r.Strategy))
		setInt(&c.RPC.RetryCount, r.RetryCount)
		setDuration(&c.RPC.Timeout, r.Timeout)
		setDuration(&c.RPC.ProbeInterval, r.ProbeInterval)
		if len(r.Endpoints) > 0 {
			c.RPC.Endpoints = r.Endpoints
		}
	}
	if v := fc.Verify; v != nil {
		setInt(&c.Verify.Concurrency, v.Concurrency)
		setDuration(&c.Verify.CacheTTL, v.CacheTTL)
		setDuration(&c.Verify.Interval, v.Interval)
		setDuration(&c.Verify.RetryBase, v.RetryBase)
		setDuration(&c.Verify.RetryMax, v.RetryMax)
		setInt(&c.Verify.MaxAttempts, v.MaxAttempts)
	}
	if cc := fc.Confidence; cc != nil {
		if cc.ReviewThreshold != nil {
			c.Confidence.ReviewThreshold = *cc.ReviewThreshold
		}
		setDuration(&c.Confidence.TimeDecayGrace, cc.TimeDecayGrace)
		setInt(&c.Confidence.MultiMatchPenalty, cc.MultiMatchPenalty)
	}
	if fx := fc.Fx; fx != nil {
		setString(&c.Fx.Currency, fx.Currency)
		for k, v := range fx.Rates {
			c.Fx.Rates[k] = v
		}
	}
	if r := fc.Rules; r != nil {
		setString(&c.Rules.File, r.File)
	}
	if a := fc.Alert; a != nil {
		setString(&c.Alert.SlackWebhookURL, a.SlackWebhookURL)
		setString(&c.Alert.WebhookURL, a.WebhookURL)
		setDuration(&c.Alert.Cooldown, a.Cooldown)
	}
	if g := fc.Gap; g != nil {
		setString(&c.Gap.Schedule, g.Schedule)
		setDuration(&c.Gap.Lookback, g.Lookback)
		if len(g.Wallets) > 0 {
			c.Gap.Wallets = g.Wallets
		}
	}
}

func (c *Config) validate() error {
	if !c.RPC.Network.IsEVM() {
		return fmt.Errorf("unsupported network %q", c.RPC.Network)
	}
	if len(c.RPC.Endpoints) == 0 {
		return fmt.Errorf("RPC_URLS or rpc.endpoints is required")
	}
	for i, ep := range c.RPC.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("rpc endpoint %d: url is required", i)
		}
	}
	if !c.RPC.Strategy.Valid() {
		return fmt.Errorf("unsupported RPC strategy %q", c.RPC.Strategy)
	}
	if c.Confidence.ReviewThreshold < 0 || c.Confidence.ReviewThreshold > 100 {
		return fmt.Errorf("confidence review threshold must be within [0,100], got %d", c.Confidence.ReviewThreshold)
	}
	if c.Verify.Concurrency <= 0 {
		return fmt.Errorf("VERIFY_CONCURRENCY must be positive")
	}
	if c.Verify.RetryBase <= 0 || c.Verify.RetryMax < c.Verify.RetryBase {
		return fmt.Errorf("verify retry backoff must satisfy 0 < base <= max")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0,1]")
	}
	return nil
}

// endpointsFromEnv parses "url[,url...]" into endpoints ranked by position.
func endpointsFromEnv(v string) []rpcpool.EndpointConfig {
	var out []rpcpool.EndpointConfig
	for i, u := range splitList(v) {
		out = append(out, rpcpool.EndpointConfig{
			Name:     fmt.Sprintf("rpc-%d", i+1),
			URL:      u,
			Priority: 100 - i,
		})
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "x402d"
	}
	return h
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
