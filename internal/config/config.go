package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/types"
)

// Config holds all runtime configuration for the engine.
type Config struct {
	// Mode
	Mode  types.Mode
	Debug bool

	// Underlyings
	Symbols []string // lowercase, e.g. ["btc", "eth"]

	// CLOB endpoints
	CLOBWSURL   string
	CLOBRestURL string
	GammaAPIURL string

	// CLOB credentials (LIVE only)
	CLOBApiKey     string
	CLOBApiSecret  string
	CLOBPassphrase string
	WalletKey      string

	// Spot price aggregator
	AggregatorURL    string
	AggregatorAPIKey string
	AggregatorPoll   time.Duration

	// On-chain oracle
	OracleRPCURL string
	OraclePoll   time.Duration
	OracleFeeds  map[string]string // symbol -> aggregator contract address

	// WebSocket book client
	ConnectionTimeout    time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	StaleThreshold       time.Duration
	StaleWarningInterval time.Duration
	MaxMessageSizeBytes  int64

	// Window scheduler
	ScanInterval    time.Duration
	SignalOffsets   []int // seconds before close, descending
	LatencyProbe    time.Duration
	SettlementDelay time.Duration

	// Probability model
	ShortTermLookback time.Duration
	LongTermLookback  time.Duration
	VolCacheExpiry    time.Duration
	FallbackSigma     float64

	// Edge thresholds
	MinEdge float64
	MaxEdge float64

	// Execution loop
	TickInterval      time.Duration
	MaxEntriesPerTick int

	// Sizing / exposure
	PositionSizeDollars decimal.Decimal
	MaxExposureDollars  decimal.Decimal
	FeeRate             decimal.Decimal

	// Exits
	StopLossPct    decimal.Decimal
	TakeProfitPct  decimal.Decimal
	TrailingPct    decimal.Decimal
	MinHoldTime    time.Duration
	ThesisInterval time.Duration

	// Drawdown
	MaxDailyLossPct decimal.Decimal

	// Orchestrator
	ModuleInitTimeout     time.Duration
	ModuleShutdownTimeout time.Duration
	InflightTimeout       time.Duration
	StateUpdateInterval   time.Duration
	StatePath             string
	PIDPath               string

	// Strategy documents
	StrategyDir  string
	ManifestPath string

	// Persistence
	DatabaseURL string

	// Notifications
	TelegramToken  string
	TelegramChatID int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Mode:  types.ModePaper,
		Debug: getEnvBool("DEBUG", false),

		Symbols: splitSymbols(getEnv("SYMBOLS", "btc")),

		CLOBWSURL:   getEnv("CLOB_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		CLOBRestURL: getEnv("CLOB_REST_URL", "https://clob.polymarket.com"),
		GammaAPIURL: getEnv("GAMMA_API_URL", "https://gamma-api.polymarket.com"),

		CLOBApiKey:     os.Getenv("CLOB_API_KEY"),
		CLOBApiSecret:  os.Getenv("CLOB_API_SECRET"),
		CLOBPassphrase: os.Getenv("CLOB_PASSPHRASE"),
		WalletKey:      os.Getenv("WALLET_PRIVATE_KEY"),

		AggregatorURL:    getEnv("AGGREGATOR_URL", "https://api.coingecko.com/api/v3"),
		AggregatorAPIKey: os.Getenv("AGGREGATOR_API_KEY"),
		AggregatorPoll:   getEnvDuration("AGGREGATOR_POLL", 5*time.Second),

		OracleRPCURL: getEnv("ORACLE_RPC_URL", "https://polygon-rpc.com"),
		OraclePoll:   getEnvDuration("ORACLE_POLL", time.Second),
		OracleFeeds: map[string]string{
			"btc": getEnv("ORACLE_FEED_BTC", "0xc907E116054Ad103354f2D350FD2514433D57F6f"),
			"eth": getEnv("ORACLE_FEED_ETH", "0xF9680D99D6C9589e2a93a78A04A279e509205945"),
		},

		ConnectionTimeout:    getEnvDuration("WS_CONNECT_TIMEOUT", 10*time.Second),
		ReconnectBase:        getEnvDuration("WS_RECONNECT_BASE", time.Second),
		ReconnectMax:         getEnvDuration("WS_RECONNECT_MAX", 30*time.Second),
		StaleThreshold:       getEnvDuration("WS_STALE_THRESHOLD", 30*time.Second),
		StaleWarningInterval: getEnvDuration("WS_STALE_WARN_INTERVAL", time.Minute),
		MaxMessageSizeBytes:  int64(getEnvInt("WS_MAX_MESSAGE_BYTES", 1<<20)),

		ScanInterval:    getEnvDuration("SCAN_INTERVAL", 10*time.Second),
		SignalOffsets:   []int{120, 90, 60, 30, 10},
		LatencyProbe:    getEnvDuration("LATENCY_PROBE_OFFSET", 45*time.Second),
		SettlementDelay: getEnvDuration("SETTLEMENT_DELAY", 20*time.Second),

		ShortTermLookback: getEnvDuration("VOL_SHORT_LOOKBACK", 15*time.Minute),
		LongTermLookback:  getEnvDuration("VOL_LONG_LOOKBACK", 6*time.Hour),
		VolCacheExpiry:    getEnvDuration("VOL_CACHE_EXPIRY", time.Minute),
		FallbackSigma:     getEnvFloat("VOL_FALLBACK_SIGMA", 0.5),

		MinEdge: getEnvFloat("MIN_EDGE", 0.10),
		MaxEdge: getEnvFloat("MAX_EDGE", 0.50),

		TickInterval:      getEnvDuration("TICK_INTERVAL", time.Second),
		MaxEntriesPerTick: getEnvInt("MAX_ENTRIES_PER_TICK", 3),

		PositionSizeDollars: getEnvDecimal("POSITION_SIZE_DOLLARS", decimal.NewFromInt(50)),
		MaxExposureDollars:  getEnvDecimal("MAX_EXPOSURE_DOLLARS", decimal.NewFromInt(500)),
		FeeRate:             getEnvDecimal("FEE_RATE", decimal.NewFromFloat(0.001)),

		StopLossPct:    getEnvDecimal("STOP_LOSS_PCT", decimal.NewFromFloat(0.30)),
		TakeProfitPct:  getEnvDecimal("TAKE_PROFIT_PCT", decimal.NewFromFloat(0.40)),
		TrailingPct:    getEnvDecimal("TRAILING_PCT", decimal.NewFromFloat(0.15)),
		MinHoldTime:    getEnvDuration("MIN_HOLD_TIME", 30*time.Second),
		ThesisInterval: getEnvDuration("THESIS_INTERVAL", 750*time.Millisecond),

		MaxDailyLossPct: getEnvDecimal("MAX_DAILY_LOSS_PCT", decimal.NewFromFloat(0.03)),

		ModuleInitTimeout:     getEnvDuration("MODULE_INIT_TIMEOUT", 5*time.Second),
		ModuleShutdownTimeout: getEnvDuration("MODULE_SHUTDOWN_TIMEOUT", 5*time.Second),
		InflightTimeout:       getEnvDuration("INFLIGHT_TIMEOUT", 10*time.Second),
		StateUpdateInterval:   getEnvDuration("STATE_UPDATE_INTERVAL", 5*time.Second),
		StatePath:             getEnv("STATE_PATH", "data/state.json"),
		PIDPath:               getEnv("PID_PATH", "data/edgebot.pid"),

		StrategyDir:  getEnv("STRATEGY_DIR", "strategies"),
		ManifestPath: getEnv("MANIFEST_PATH", "launch.yaml"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if mode := strings.ToUpper(getEnv("MODE", "PAPER")); mode != "" {
		switch types.Mode(mode) {
		case types.ModePaper, types.ModeLive:
			cfg.Mode = types.Mode(mode)
		default:
			return nil, fmt.Errorf("invalid MODE %q (want PAPER or LIVE)", mode)
		}
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if offsets := os.Getenv("SIGNAL_OFFSETS"); offsets != "" {
		parsed, err := parseOffsets(offsets)
		if err != nil {
			return nil, fmt.Errorf("invalid SIGNAL_OFFSETS: %w", err)
		}
		cfg.SignalOffsets = parsed
	}

	if cfg.Mode == types.ModeLive {
		if cfg.CLOBApiKey == "" || cfg.CLOBApiSecret == "" {
			return nil, fmt.Errorf("LIVE mode requires CLOB_API_KEY and CLOB_API_SECRET")
		}
	}

	return cfg, nil
}

func splitSymbols(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseOffsets(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, fmt.Errorf("offset %d must be positive", n)
		}
		out = append(out, n)
	}
	return out, nil
}

// Helper functions

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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
