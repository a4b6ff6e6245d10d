// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/execguard/internal/domain/schema"
)

// APIServerConfig configures the engine's HTTP control surface.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the zap level and encoding.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// RedisConfig points the valuation snapshot cache at Redis. An empty Addr keeps the cache in memory.
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	Prefix     string        `yaml:"prefix"`
	Expiration time.Duration `yaml:"expiration"`
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// RiskConfig holds the seed for the global risk defaults as decimal strings. It is used only until
// defaults are saved through the API.
type RiskConfig struct {
	MaxOrderNotional   string `yaml:"maxOrderNotional"`
	MaxPositionRatio   string `yaml:"maxPositionRatio"`
	MaxRunNotional     string `yaml:"maxRunNotional"`
	MaxSymbolCount     int    `yaml:"maxSymbolCount"`
	MinCashBufferRatio string `yaml:"minCashBufferRatio"`
}

// Policy converts the configured seed into a risk policy. Unset fields stay nil.
func (c RiskConfig) Policy() (schema.RiskPolicy, error) {
	var policy schema.RiskPolicy
	var err error
	if policy.MaxOrderNotional, err = Decimal(c.MaxOrderNotional); err != nil {
		return schema.RiskPolicy{}, fmt.Errorf("maxOrderNotional: %w", err)
	}
	if policy.MaxPositionRatio, err = Decimal(c.MaxPositionRatio); err != nil {
		return schema.RiskPolicy{}, fmt.Errorf("maxPositionRatio: %w", err)
	}
	if policy.MaxRunNotional, err = Decimal(c.MaxRunNotional); err != nil {
		return schema.RiskPolicy{}, fmt.Errorf("maxRunNotional: %w", err)
	}
	if policy.MinCashBufferRatio, err = Decimal(c.MinCashBufferRatio); err != nil {
		return schema.RiskPolicy{}, fmt.Errorf("minCashBufferRatio: %w", err)
	}
	if c.MaxSymbolCount > 0 {
		count := c.MaxSymbolCount
		policy.MaxSymbolCount = &count
	}
	return policy, nil
}

// GuardTarget is an (entity, mode) pair evaluated on every guard cycle from startup.
type GuardTarget struct {
	Entity string `yaml:"entity"`
	Mode   string `yaml:"mode"`
}

// GuardConfig configures the intraday guard loop.
type GuardConfig struct {
	Interval            time.Duration `yaml:"interval"`
	Cooldown            time.Duration `yaml:"cooldown"`
	CheckMaxAge         time.Duration `yaml:"checkMaxAge"`
	Timezone            string        `yaml:"timezone"`
	Parallelism         int           `yaml:"parallelism"`
	MaxDailyLoss        string        `yaml:"maxDailyLoss"`
	MaxDrawdown         string        `yaml:"maxDrawdown"`
	MaxOrderFailures    int           `yaml:"maxOrderFailures"`
	MaxMarketDataErrors int           `yaml:"maxMarketDataErrors"`
	MaxRiskTriggers     int           `yaml:"maxRiskTriggers"`
	Entities            []GuardTarget `yaml:"entities"`
}

// WindowConfig is the trading session in which replacements may be submitted.
type WindowConfig struct {
	Timezone string   `yaml:"timezone"`
	Open     string   `yaml:"open"`
	Close    string   `yaml:"close"`
	Days     []string `yaml:"days"`
}

// RecoveryConfig configures the stuck-order sweep.
type RecoveryConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	NewTimeout        time.Duration `yaml:"newTimeout"`
	MaxRetries        int           `yaml:"maxRetries"`
	MaxPriceDeviation string        `yaml:"maxPriceDeviation"`
	BatchLimit        int           `yaml:"batchLimit"`
	Parallelism       int           `yaml:"parallelism"`
	Window            WindowConfig  `yaml:"window"`
}

// ValuationConfig configures the equity source.
type ValuationConfig struct {
	StaleAfter time.Duration `yaml:"staleAfter"`
}

// LiveChannelConfig configures the websocket broker gateway.
type LiveChannelConfig struct {
	URL                  string            `yaml:"url"`
	Headers              map[string]string `yaml:"headers"`
	DialTimeout          time.Duration     `yaml:"dialTimeout"`
	PingInterval         time.Duration     `yaml:"pingInterval"`
	MaxReconnectInterval time.Duration     `yaml:"maxReconnectInterval"`
}

// SimulatedChannelConfig configures the paper-trading channel.
type SimulatedChannelConfig struct {
	Latency            time.Duration `yaml:"latency"`
	FillRatio          string        `yaml:"fillRatio"`
	CommissionPerShare string        `yaml:"commissionPerShare"`
	Reject             []string      `yaml:"reject"`
}

// ExecutionConfig configures order submission and the broker event pipeline.
type ExecutionConfig struct {
	Channel       string                 `yaml:"channel"`
	Workers       int                    `yaml:"workers"`
	Queue         int                    `yaml:"queue"`
	RateLimit     float64                `yaml:"rateLimit"`
	Burst         int                    `yaml:"burst"`
	EventBuffer   int                    `yaml:"eventBuffer"`
	Shards        int                    `yaml:"shards"`
	CancelTimeout time.Duration          `yaml:"cancelTimeout"`
	Live          LiveChannelConfig      `yaml:"live"`
	Simulated     SimulatedChannelConfig `yaml:"simulated"`
}

// BridgeConfig points the engine at the data bridge HTTP API.
type BridgeConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries"`
	Token      string        `yaml:"token"`
}

// AppConfig is the unified engine configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
	Risk        RiskConfig      `yaml:"risk"`
	Guard       GuardConfig     `yaml:"guard"`
	Recovery    RecoveryConfig  `yaml:"recovery"`
	Valuation   ValuationConfig `yaml:"valuation"`
	Execution   ExecutionConfig `yaml:"execution"`
	Bridge      BridgeConfig    `yaml:"bridge"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Recovery:    RecoveryConfig{Enabled: true},
		Execution:   ExecutionConfig{Channel: "simulated"},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{Recovery: RecoveryConfig{Enabled: true}}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath when it is set and falls back to Default otherwise.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	return Load(ctx, configPath)
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8080"
	}
	if c.APIServer.ReadTimeout <= 0 {
		c.APIServer.ReadTimeout = 15 * time.Second
	}
	if c.APIServer.WriteTimeout <= 0 {
		c.APIServer.WriteTimeout = 60 * time.Second
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 10 * time.Second
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "execguard"
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Encoding = strings.ToLower(strings.TrimSpace(c.Logging.Encoding))
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}

	c.Database.applyDefaults()

	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "execguard:valuation"
	}
	if c.Redis.Expiration <= 0 {
		c.Redis.Expiration = 24 * time.Hour
	}

	if c.Guard.Interval <= 0 {
		c.Guard.Interval = 30 * time.Second
	}
	if c.Guard.Cooldown <= 0 {
		c.Guard.Cooldown = 30 * time.Minute
	}
	c.Guard.Timezone = strings.TrimSpace(c.Guard.Timezone)
	if c.Guard.Timezone == "" {
		c.Guard.Timezone = "UTC"
	}
	if c.Guard.Parallelism <= 0 {
		c.Guard.Parallelism = 4
	}
	for i := range c.Guard.Entities {
		c.Guard.Entities[i].Entity = strings.TrimSpace(c.Guard.Entities[i].Entity)
		c.Guard.Entities[i].Mode = strings.ToLower(strings.TrimSpace(c.Guard.Entities[i].Mode))
	}

	if c.Recovery.Interval <= 0 {
		c.Recovery.Interval = 15 * time.Second
	}
	if c.Recovery.NewTimeout <= 0 {
		c.Recovery.NewTimeout = 45 * time.Second
	}
	if c.Recovery.BatchLimit <= 0 {
		c.Recovery.BatchLimit = 200
	}
	if c.Recovery.Parallelism <= 0 {
		c.Recovery.Parallelism = 4
	}
	if strings.TrimSpace(c.Recovery.Window.Timezone) == "" {
		c.Recovery.Window.Timezone = c.Guard.Timezone
	}

	if c.Valuation.StaleAfter <= 0 {
		c.Valuation.StaleAfter = 2 * time.Minute
	}

	c.Execution.Channel = strings.ToLower(strings.TrimSpace(c.Execution.Channel))
	if c.Execution.Channel == "" {
		c.Execution.Channel = "simulated"
	}
	if c.Execution.Workers <= 0 {
		c.Execution.Workers = 4
	}
	if c.Execution.Queue <= 0 {
		c.Execution.Queue = 256
	}
	if c.Execution.Burst <= 0 {
		c.Execution.Burst = 1
	}
	if c.Execution.EventBuffer <= 0 {
		c.Execution.EventBuffer = 256
	}
	if c.Execution.Shards <= 0 {
		c.Execution.Shards = 8
	}
	if c.Execution.CancelTimeout <= 0 {
		c.Execution.CancelTimeout = 30 * time.Second
	}
	c.Execution.Live.URL = strings.TrimSpace(c.Execution.Live.URL)
	if c.Execution.Simulated.FillRatio == "" {
		c.Execution.Simulated.FillRatio = "1"
	}

	c.Bridge.BaseURL = strings.TrimRight(strings.TrimSpace(c.Bridge.BaseURL), "/")
	if c.Bridge.Timeout <= 0 {
		c.Bridge.Timeout = 5 * time.Second
	}
	if c.Bridge.MaxRetries < 0 {
		c.Bridge.MaxRetries = 0
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logging encoding must be json or console")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Environment == EnvProd && !c.Database.Enabled() {
		return fmt.Errorf("database: dsn required in prod")
	}

	if err := c.Risk.validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if err := c.Guard.validate(); err != nil {
		return fmt.Errorf("guard: %w", err)
	}
	if err := c.Recovery.validate(); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	switch c.Execution.Channel {
	case "simulated", "sim", "paper":
		if _, err := decimalField("fillRatio", c.Execution.Simulated.FillRatio); err != nil {
			return fmt.Errorf("execution: %w", err)
		}
		if c.Execution.Simulated.CommissionPerShare != "" {
			if _, err := decimalField("commissionPerShare", c.Execution.Simulated.CommissionPerShare); err != nil {
				return fmt.Errorf("execution: %w", err)
			}
		}
	case "live":
		if c.Execution.Live.URL == "" {
			return fmt.Errorf("execution: live url required for the live channel")
		}
	default:
		return fmt.Errorf("execution: channel must be simulated or live")
	}
	if c.Execution.RateLimit < 0 {
		return fmt.Errorf("execution: rateLimit must be >= 0")
	}

	if c.Bridge.BaseURL == "" {
		return fmt.Errorf("bridge: baseURL required")
	}
	return nil
}

func (c RiskConfig) validate() error {
	fields := map[string]string{
		"maxOrderNotional":   c.MaxOrderNotional,
		"maxPositionRatio":   c.MaxPositionRatio,
		"maxRunNotional":     c.MaxRunNotional,
		"minCashBufferRatio": c.MinCashBufferRatio,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		d, err := decimalField(name, value)
		if err != nil {
			return err
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if c.MaxSymbolCount < 0 {
		return fmt.Errorf("maxSymbolCount must be >= 0")
	}
	return nil
}

func (c GuardConfig) validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	for name, value := range map[string]string{"maxDailyLoss": c.MaxDailyLoss, "maxDrawdown": c.MaxDrawdown} {
		if value == "" {
			continue
		}
		d, err := decimalField(name, value)
		if err != nil {
			return err
		}
		if d.Abs().GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s must be a ratio within [-1, 1]", name)
		}
	}
	if c.MaxOrderFailures < 0 || c.MaxMarketDataErrors < 0 || c.MaxRiskTriggers < 0 {
		return fmt.Errorf("counter thresholds must be >= 0")
	}
	for i, target := range c.Entities {
		if target.Entity == "" {
			return fmt.Errorf("entities[%d]: entity required", i)
		}
		if target.Mode != "paper" && target.Mode != "live" {
			return fmt.Errorf("entities[%d]: mode must be paper or live", i)
		}
	}
	return nil
}

func (c RecoveryConfig) validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >= 0")
	}
	if c.MaxPriceDeviation != "" {
		d, err := decimalField("maxPriceDeviation", c.MaxPriceDeviation)
		if err != nil {
			return err
		}
		if d.IsNegative() {
			return fmt.Errorf("maxPriceDeviation must be >= 0")
		}
	}
	if _, err := time.LoadLocation(c.Window.Timezone); err != nil {
		return fmt.Errorf("window timezone %q: %w", c.Window.Timezone, err)
	}
	return nil
}

// Decimal parses an optional decimal setting. Empty values return nil.
func Decimal(value string) (*decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	d, err := decimalField("value", value)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalField(name, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", name, value)
	}
	return d, nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
