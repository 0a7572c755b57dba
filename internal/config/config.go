// Package config loads service settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the service reads at startup.
type Config struct {
	ListenAddr string

	// Portal surface.
	LoginURL string

	// Browser driver.
	BrowserType     string // chromium, firefox, webkit
	Headless        bool
	SlowMo          time.Duration
	NavTimeout      time.Duration
	InstallBrowsers bool

	// Session records.
	SessionTTL    time.Duration
	SessionTTLMax time.Duration

	// Negotiator wait bounds.
	RedirectWait    time.Duration
	PollInterval    time.Duration
	ManualWait      time.Duration
	ManualPoll      time.Duration
	PendingLoginTTL time.Duration

	// Resource limits.
	SlotsPerUser     int
	RateLimitPerHour int
	RateLimitBurst   int

	// Storage paths.
	DataDir       string
	SessionDBPath string
	OplogPath     string

	LogLevel slog.Level
}

// Load reads .env (if present) and the environment, applying defaults.
func Load() (*Config, error) {
	// Missing .env is fine; the environment alone is a valid source.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:       getString("LISTEN_ADDR", ":8080"),
		LoginURL:         getString("PORTAL_LOGIN_URL", "https://ewaybillgst.gov.in/Login.aspx"),
		BrowserType:      getString("BROWSER_TYPE", "chromium"),
		Headless:         getBool("HEADLESS", true),
		SlowMo:           getDuration("SLOW_MO", 0),
		NavTimeout:       getDuration("NAV_TIMEOUT", 30*time.Second),
		InstallBrowsers:  getBool("INSTALL_BROWSERS", true),
		SessionTTL:       getDuration("SESSION_TTL", 8*time.Hour),
		SessionTTLMax:    getDuration("SESSION_TTL_MAX", 24*time.Hour),
		RedirectWait:     getDuration("REDIRECT_WAIT", 30*time.Second),
		PollInterval:     getDuration("POLL_INTERVAL", time.Second),
		ManualWait:       getDuration("MANUAL_WAIT", 300*time.Second),
		ManualPoll:       getDuration("MANUAL_POLL", 2*time.Second),
		PendingLoginTTL:  getDuration("PENDING_LOGIN_TTL", 3*time.Minute),
		SlotsPerUser:     getInt("SLOTS_PER_USER", 2),
		RateLimitPerHour: getInt("RATE_LIMIT_PER_HOUR", 100),
		RateLimitBurst:   getInt("RATE_LIMIT_BURST", 10),
		DataDir:          getString("DATA_DIR", "./data"),
		LogLevel:         parseLevel(getString("LOG_LEVEL", "info")),
	}

	cfg.SessionDBPath = getString("SESSION_DB_PATH", filepath.Join(cfg.DataDir, "sessions.db"))
	cfg.OplogPath = getString("OPLOG_PATH", filepath.Join(cfg.DataDir, "operations.db"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LoginURL == "" {
		return fmt.Errorf("PORTAL_LOGIN_URL must not be empty")
	}
	switch c.BrowserType {
	case "chromium", "firefox", "webkit":
	default:
		return fmt.Errorf("unsupported BROWSER_TYPE %q", c.BrowserType)
	}
	if c.SessionTTL <= 0 || c.SessionTTL > c.SessionTTLMax {
		return fmt.Errorf("SESSION_TTL must be positive and at most SESSION_TTL_MAX (%s)", c.SessionTTLMax)
	}
	if c.PollInterval <= 0 || c.RedirectWait < c.PollInterval {
		return fmt.Errorf("REDIRECT_WAIT must be at least POLL_INTERVAL")
	}
	if c.ManualPoll <= 0 || c.ManualWait < c.ManualPoll {
		return fmt.Errorf("MANUAL_WAIT must be at least MANUAL_POLL")
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
