// Package config loads the process-wide env-driven configuration
// surface described in SPEC_FULL.md §1.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/types"
)

// APICreds is a matched API key/secret pair. There is no fallback to
// generic keys: each (mode, env) combination has its own required
// pair.
type APICreds struct {
	Key    string
	Secret string
}

// Config is the full configuration surface recognized by cmd/tradecore.
type Config struct {
	TradingMode types.TradingMode
	UseDemo     bool

	DemoCreds     APICreds
	LiveCreds     APICreds
	LiveDataCreds APICreds

	MaxLeverage       decimal.Decimal
	MaxPositionUSD    decimal.Decimal
	MaxDailyLossUSD   decimal.Decimal
	MinBalanceUSD     decimal.Decimal

	WSKlineEnabled    bool
	WSTickerEnabled   bool
	WSPositionEnabled bool
	WSFallbackREST    bool
	TickerStaleAfter  time.Duration
	WalletStaleAfter  time.Duration
	PositionStaleAfter time.Duration

	ReconcileInterval time.Duration
	BarQueueCapacity  int

	TelegramToken  string
	TelegramChatID int64

	DatabaseURL string
	Debug       bool
}

// Hard caps the spec names regardless of what the environment
// requests.
var (
	hardMaxLeverage     = decimal.NewFromInt(10)
	hardMaxPositionUSD  = decimal.NewFromInt(1000)
	hardMinBalanceFloor = decimal.NewFromInt(5)
)

// Load reads the configuration surface from the environment. It fails
// fast on any configuration error — it never returns a Config the
// caller could run with in an invalid state.
func Load() (*Config, error) {
	cfg := &Config{
		TradingMode: types.TradingMode(getEnv("TRADING_MODE", string(types.TradingPaper))),
		UseDemo:     getEnvBool("BYBIT_USE_DEMO", true),

		DemoCreds: APICreds{
			Key:    os.Getenv("BYBIT_DEMO_API_KEY"),
			Secret: os.Getenv("BYBIT_DEMO_API_SECRET"),
		},
		LiveCreds: APICreds{
			Key:    os.Getenv("BYBIT_LIVE_API_KEY"),
			Secret: os.Getenv("BYBIT_LIVE_API_SECRET"),
		},
		LiveDataCreds: APICreds{
			Key:    os.Getenv("BYBIT_LIVE_DATA_API_KEY"),
			Secret: os.Getenv("BYBIT_LIVE_DATA_API_SECRET"),
		},

		MaxLeverage:     getEnvDecimal("MAX_LEVERAGE", decimal.NewFromInt(5)),
		MaxPositionUSD:  getEnvDecimal("MAX_POSITION_SIZE_USD", decimal.NewFromInt(500)),
		MaxDailyLossUSD: getEnvDecimal("MAX_DAILY_LOSS_USD", decimal.NewFromInt(100)),
		MinBalanceUSD:   getEnvDecimal("MIN_BALANCE_USD", decimal.NewFromInt(20)),

		WSKlineEnabled:     getEnvBool("WS_KLINE_ENABLED", true),
		WSTickerEnabled:    getEnvBool("WS_TICKER_ENABLED", true),
		WSPositionEnabled:  getEnvBool("WS_POSITION_ENABLED", true),
		WSFallbackREST:     getEnvBool("WS_FALLBACK_REST", true),
		TickerStaleAfter:   getEnvDuration("WS_TICKER_STALE_AFTER", 5*time.Second),
		WalletStaleAfter:   getEnvDuration("WS_WALLET_STALE_AFTER", 30*time.Second),
		PositionStaleAfter: getEnvDuration("WS_POSITION_STALE_AFTER", 10*time.Second),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		BarQueueCapacity:  getEnvInt("BAR_QUEUE_CAPACITY", 200),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabaseURL: getEnv("DATABASE_URL", "data/tradecore.db"),
		Debug:       getEnvBool("DEBUG", false),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate enforces the mode/env consistency rule and the hard risk
// caps. It is called once at startup; a Config that fails validation
// must never reach the running state.
func (c *Config) validate() error {
	switch c.TradingMode {
	case types.TradingPaper:
		if !c.UseDemo {
			return fmt.Errorf("TRADING_MODE=paper requires BYBIT_USE_DEMO=true")
		}
		if c.DemoCreds.Key == "" || c.DemoCreds.Secret == "" {
			return fmt.Errorf("BYBIT_DEMO_API_KEY/SECRET required for paper mode")
		}
	case types.TradingReal:
		if c.UseDemo {
			return fmt.Errorf("TRADING_MODE=real requires BYBIT_USE_DEMO=false")
		}
		if c.LiveCreds.Key == "" || c.LiveCreds.Secret == "" {
			return fmt.Errorf("BYBIT_LIVE_API_KEY/SECRET required for real mode")
		}
	default:
		return fmt.Errorf("unrecognized TRADING_MODE %q", c.TradingMode)
	}

	if c.LiveDataCreds.Key == "" || c.LiveDataCreds.Secret == "" {
		return fmt.Errorf("BYBIT_LIVE_DATA_API_KEY/SECRET required for all modes")
	}

	if c.MaxLeverage.GreaterThan(hardMaxLeverage) {
		c.MaxLeverage = hardMaxLeverage
	}
	if c.MaxPositionUSD.GreaterThan(hardMaxPositionUSD) {
		c.MaxPositionUSD = hardMaxPositionUSD
	}
	if c.MinBalanceUSD.LessThan(hardMinBalanceFloor) {
		c.MinBalanceUSD = hardMinBalanceFloor
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
