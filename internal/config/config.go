// Package config defines all configuration for the arbitrage core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"predarb/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Kalshi      KalshiConfig         `mapstructure:"kalshi"`
	Polymarket  PolymarketConfig     `mapstructure:"polymarket"`
	Detection   DetectionConfig      `mapstructure:"detection"`
	Degradation DegradationConfig    `mapstructure:"degradation"`
	Alerts      AlertConfig          `mapstructure:"alerts"`
	Store       StoreConfig          `mapstructure:"store"`
	Logging     LoggingConfig        `mapstructure:"logging"`
	Pairs       []types.ContractPair `mapstructure:"pairs"`
}

// KalshiConfig holds the Kalshi endpoints and the RSA signing identity.
type KalshiConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	WSURL         string `mapstructure:"ws_url"`
	APIKeyID      string `mapstructure:"api_key_id"`
	PrivateKeyPEM string `mapstructure:"private_key_pem"`
}

// PolymarketConfig holds the CLOB endpoints and the wallet used to derive
// L2 credentials on startup.
type PolymarketConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	PrivateKey  string `mapstructure:"private_key"`
	ChainID     int64  `mapstructure:"chain_id"`
}

// DetectionConfig tunes the detection loop and the edge cost model.
//
//   - Interval: cadence of the periodic detection cycle.
//   - MinEdge: base minimum net edge, as a probability fraction.
//   - GasEstimateUSD: assumed per-trade on-chain settlement cost.
//   - PositionSizeUSD: nominal size used to express gas as a fraction.
type DetectionConfig struct {
	Interval        time.Duration   `mapstructure:"interval"`
	MinEdge         decimal.Decimal `mapstructure:"min_edge"`
	GasEstimateUSD  decimal.Decimal `mapstructure:"gas_estimate_usd"`
	PositionSizeUSD decimal.Decimal `mapstructure:"position_size_usd"`
}

// DegradationConfig tunes when a venue is flipped to degraded, how much
// the detection threshold widens while one is, and how many clean results
// in a row recover it.
type DegradationConfig struct {
	Multiplier        decimal.Decimal `mapstructure:"multiplier"`
	ResyncThreshold   int             `mapstructure:"resync_threshold"`
	StaleThreshold    int             `mapstructure:"stale_threshold"`
	RecoveryThreshold int             `mapstructure:"recovery_threshold"`
	Window            time.Duration   `mapstructure:"window"`
}

// AlertConfig controls external alert delivery.
type AlertConfig struct {
	WebhookURL          string        `mapstructure:"webhook_url"`
	SendTimeout         time.Duration `mapstructure:"send_timeout"`
	BufferSize          int           `mapstructure:"buffer_size"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	BreakDuration       time.Duration `mapstructure:"break_duration"`
}

// StoreConfig sets the Postgres persistence sink.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_KALSHI_API_KEY_ID, ARB_KALSHI_PRIVATE_KEY_PEM,
// ARB_POLY_PRIVATE_KEY, ARB_STORE_DSN, ARB_ALERT_WEBHOOK_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("detection.interval", "5s")
	v.SetDefault("degradation.multiplier", "1.5")
	v.SetDefault("degradation.resync_threshold", 3)
	v.SetDefault("degradation.stale_threshold", 3)
	v.SetDefault("degradation.recovery_threshold", 3)
	v.SetDefault("degradation.window", "5m")
	v.SetDefault("alerts.send_timeout", "2s")
	v.SetDefault("alerts.buffer_size", 100)
	v.SetDefault("alerts.consecutive_failures", 5)
	v.SetDefault("alerts.break_duration", "1m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ARB_KALSHI_API_KEY_ID"); key != "" {
		cfg.Kalshi.APIKeyID = key
	}
	if pem := os.Getenv("ARB_KALSHI_PRIVATE_KEY_PEM"); pem != "" {
		cfg.Kalshi.PrivateKeyPEM = pem
	}
	if key := os.Getenv("ARB_POLY_PRIVATE_KEY"); key != "" {
		cfg.Polymarket.PrivateKey = key
	}
	if dsn := os.Getenv("ARB_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if url := os.Getenv("ARB_ALERT_WEBHOOK_URL"); url != "" {
		cfg.Alerts.WebhookURL = url
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Kalshi.BaseURL == "" {
		return fmt.Errorf("kalshi.base_url is required")
	}
	if c.Kalshi.APIKeyID == "" {
		return fmt.Errorf("kalshi.api_key_id is required (set ARB_KALSHI_API_KEY_ID)")
	}
	if c.Kalshi.PrivateKeyPEM == "" {
		return fmt.Errorf("kalshi.private_key_pem is required (set ARB_KALSHI_PRIVATE_KEY_PEM)")
	}
	if c.Polymarket.CLOBBaseURL == "" {
		return fmt.Errorf("polymarket.clob_base_url is required")
	}
	if c.Polymarket.PrivateKey == "" {
		return fmt.Errorf("polymarket.private_key is required (set ARB_POLY_PRIVATE_KEY)")
	}
	if c.Polymarket.ChainID == 0 {
		return fmt.Errorf("polymarket.chain_id is required (137 for mainnet)")
	}
	if c.Detection.Interval <= 0 {
		return fmt.Errorf("detection.interval must be > 0")
	}
	if c.Detection.MinEdge.Sign() <= 0 || c.Detection.MinEdge.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("detection.min_edge must be in (0,1)")
	}
	if c.Detection.GasEstimateUSD.IsNegative() {
		return fmt.Errorf("detection.gas_estimate_usd must be >= 0")
	}
	if c.Detection.PositionSizeUSD.Sign() <= 0 {
		return fmt.Errorf("detection.position_size_usd must be > 0")
	}
	if c.Degradation.Multiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("degradation.multiplier must be >= 1.0")
	}
	if c.Degradation.ResyncThreshold <= 0 || c.Degradation.Window <= 0 {
		return fmt.Errorf("degradation.resync_threshold and degradation.window must be > 0")
	}
	if c.Degradation.RecoveryThreshold <= 0 {
		return fmt.Errorf("degradation.recovery_threshold must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required (set ARB_STORE_DSN)")
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one contract pair is required")
	}
	for i, p := range c.Pairs {
		if p.KalshiContractID == "" || p.PolymarketContractID == "" {
			return fmt.Errorf("pairs[%d]: both contract ids are required", i)
		}
	}
	return nil
}

// decimalDecodeHook lets YAML strings and numbers populate
// decimal.Decimal fields without passing through binary floats.
func decimalDecodeHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromString(fmt.Sprintf("%v", v))
		default:
			return data, nil
		}
	}
}
