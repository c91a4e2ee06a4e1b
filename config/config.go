package config

import (
	"log"
	"os"
	"strconv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Venue credentials
	BybitAPIKey      string
	BybitAPISecret   string
	CoinDCXAPIKey    string
	CoinDCXAPISecret string

	// Venue endpoint overrides (testnet, proxies)
	BybitRESTURL   string
	BybitWSURL     string
	CoinDCXRESTURL string
	CoinDCXWSURL   string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string

	// Trading
	PaperMode           bool
	TOTPSecret          string
	DefaultMaxSpreadBps int64

	// Notifications
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string
}

// Load reads configuration from environment variables with sensible defaults.
// Venue credentials and the TOTP secret are only required when paper mode is
// off; a paper run needs no secrets at all.
func Load() *Config {
	paper := getBool("PAPER_MODE", false)

	cfg := &Config{
		PaperMode: paper,

		BybitRESTURL:   getEnv("BYBIT_REST_URL", "https://api.bybit.com"),
		BybitWSURL:     getEnv("BYBIT_WS_URL", "wss://stream.bybit.com/v5/private"),
		CoinDCXRESTURL: getEnv("COINDCX_REST_URL", "https://api.coindcx.com"),
		CoinDCXWSURL:   getEnv("COINDCX_WS_URL", "wss://stream.coindcx.com"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		SQLitePath:    getEnv("SQLITE_PATH", "data/hedge.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),

		DefaultMaxSpreadBps: int64(getInt("DEFAULT_MAX_SPREAD_BPS", 20)),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("ALERT_WEBHOOK_URL", ""),
	}

	if paper {
		cfg.BybitAPIKey = getEnv("BYBIT_API_KEY", "")
		cfg.BybitAPISecret = getEnv("BYBIT_API_SECRET", "")
		cfg.CoinDCXAPIKey = getEnv("COINDCX_API_KEY", "")
		cfg.CoinDCXAPISecret = getEnv("COINDCX_API_SECRET", "")
		cfg.TOTPSecret = getEnv("HEDGE_TOTP_SECRET", "")
	} else {
		cfg.BybitAPIKey = mustEnv("BYBIT_API_KEY")
		cfg.BybitAPISecret = mustEnv("BYBIT_API_SECRET")
		cfg.CoinDCXAPIKey = mustEnv("COINDCX_API_KEY")
		cfg.CoinDCXAPISecret = mustEnv("COINDCX_API_SECRET")
		cfg.TOTPSecret = mustEnv("HEDGE_TOTP_SECRET")
	}

	return cfg
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}
