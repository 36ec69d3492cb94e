package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Secrets (from .env)
	WebhookSecret    string
	APIKey           string
	CORSAllowOrigin  string
	NotifyWebhookURL string
	ServiceName      string

	// Venue
	VenueBaseURL        string
	VenueAPIKey         string
	VenueTimeoutSeconds int

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Price feed
	FeedWSURL          string
	FeedPingSeconds    int
	FeedBackoffMinSecs int
	FeedBackoffMaxSecs int

	// Copy trading
	MinOrderUSD             float64
	MaxConcurrentExecutions int
	DedupTTLMinutes         int

	// Risk Management
	MaxOrderSizeUSD         float64
	MaxOpenPositionsPerUser int

	// Timing
	DebounceMS              int
	TPSLPollSeconds         int
	WatchlistRefreshSeconds int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		// Secrets
		WebhookSecret:    envStr("WEBHOOK_SECRET", ""),
		APIKey:           envStr("API_KEY", ""),
		CORSAllowOrigin:  envStr("CORS_ALLOW_ORIGIN", "*"),
		NotifyWebhookURL: envStr("NOTIFY_WEBHOOK_URL", ""),
		ServiceName:      envStr("SERVICE_NAME", "CopyRelay"),

		// Venue
		VenueBaseURL:        envStr("VENUE_BASE_URL", ""),
		VenueAPIKey:         envStr("VENUE_API_KEY", ""),
		VenueTimeoutSeconds: envInt("VENUE_TIMEOUT_SECONDS", 15),

		// Database
		DBHost:     envStr("DB_HOST", "localhost"),
		DBPort:     envInt("DB_PORT", 5432),
		DBName:     envStr("DB_NAME", "copyrelay"),
		DBUser:     envStr("DB_USER", ""),
		DBPassword: envStr("DB_PASSWORD", ""),

		// Redis
		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		// Price feed
		FeedWSURL:          envStr("FEED_WS_URL", ""),
		FeedPingSeconds:    envInt("FEED_PING_SECONDS", 10),
		FeedBackoffMinSecs: envInt("FEED_BACKOFF_MIN_SECONDS", 1),
		FeedBackoffMaxSecs: envInt("FEED_BACKOFF_MAX_SECONDS", 60),

		// Copy trading
		MinOrderUSD:             envFloat("MIN_ORDER_USD", 1),
		MaxConcurrentExecutions: envInt("MAX_CONCURRENT_EXECUTIONS", 8),
		DedupTTLMinutes:         envInt("DEDUP_TTL_MINUTES", 10),

		// Risk Management
		MaxOrderSizeUSD:         envFloat("MAX_ORDER_SIZE_USD", 5000),
		MaxOpenPositionsPerUser: envInt("MAX_OPEN_POSITIONS_PER_USER", 50),

		// Timing
		DebounceMS:              envInt("DEBOUNCE_MS", 1000),
		TPSLPollSeconds:         envInt("TPSL_POLL_SECONDS", 30),
		WatchlistRefreshSeconds: envInt("WATCHLIST_REFRESH_SECONDS", 60),
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string

	if c.VenueBaseURL == "" {
		errs = append(errs, "VENUE_BASE_URL is required")
	}
	if c.FeedWSURL == "" {
		errs = append(errs, "FEED_WS_URL is required")
	}
	if c.DBUser == "" {
		errs = append(errs, "DB_USER is required")
	}
	if c.WebhookSecret == "" {
		fmt.Println("[WARN] WEBHOOK_SECRET not set — webhook endpoint accepts unsigned deliveries")
	}
	if c.APIKey == "" {
		fmt.Println("[WARN] API_KEY not set — REST API has no authentication")
	}
	if c.NotifyWebhookURL == "" {
		fmt.Println("[WARN] NOTIFY_WEBHOOK_URL not set — operator alerts disabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func (c *Config) Print() {
	fmt.Println("=== Copy Trading Relay Configuration ===")
	fmt.Printf("Service: %s\n", c.ServiceName)
	fmt.Printf("Venue: %s (timeout %ds)\n", c.VenueBaseURL, c.VenueTimeoutSeconds)
	fmt.Printf("Feed: %s (ping %ds)\n", c.FeedWSURL, c.FeedPingSeconds)
	fmt.Printf("Redis: %s (db %d)\n", c.RedisAddr, c.RedisDB)
	fmt.Println("--------------------------------------")
	fmt.Println("Copy Trading:")
	fmt.Printf("  Min Order: $%.2f\n", c.MinOrderUSD)
	fmt.Printf("  Max Concurrent Executions: %d\n", c.MaxConcurrentExecutions)
	fmt.Printf("  Dedup TTL: %d minutes\n", c.DedupTTLMinutes)
	fmt.Println("--------------------------------------")
	fmt.Println("Risk Limits:")
	fmt.Printf("  Max Order Size: $%.0f\n", c.MaxOrderSizeUSD)
	fmt.Printf("  Max Open Positions/User: %d\n", c.MaxOpenPositionsPerUser)
	fmt.Println("--------------------------------------")
	fmt.Println("Timing:")
	fmt.Printf("  P&L Debounce: %dms\n", c.DebounceMS)
	fmt.Printf("  TP/SL Poll: every %ds\n", c.TPSLPollSeconds)
	fmt.Printf("  Watchlist Refresh: every %ds\n", c.WatchlistRefreshSeconds)
	fmt.Printf("  Webhook Secret: %s\n", boolLabel(c.WebhookSecret != "", "configured", "not set"))
	fmt.Println("======================================")
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// --- helpers ---

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func boolLabel(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}
