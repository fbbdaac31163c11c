package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// minSessionSecretLength はCookie署名鍵として受け付ける最小バイト数。
const minSessionSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Twitch OAuth
	TwitchClientID     string
	TwitchClientSecret string

	// Session
	SessionSecret          string
	SessionMaxAge          int
	RevalidateInterval     time.Duration
	SessionCleanupInterval time.Duration

	// Upstream
	UpstreamURL          string
	UpstreamModules      []string
	UpstreamTimeout      time.Duration
	UpstreamMaxIdleConns int
	RewriteMaxBytes      int64
	HealthPaths          []string

	// Identity provider client
	IDPTimeout   time.Duration
	IDPRateLimit float64
	IDPRateBurst int

	// Server
	ServerHost  string
	ServerPort  string
	MetricsPort string
	PublicURL   string
	ForceSecure bool
	TrustProxy  bool

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	if cfg.TwitchClientID == "" {
		missing = append(missing, "TWITCH_CLIENT_ID")
	}

	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	if cfg.TwitchClientSecret == "" {
		missing = append(missing, "TWITCH_CLIENT_SECRET")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	// POGLY_HOST は旧名称として受け付ける
	cfg.UpstreamURL = getEnvString("UPSTREAM_URL", os.Getenv("POGLY_HOST"))
	if cfg.UpstreamURL == "" {
		missing = append(missing, "UPSTREAM_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.SessionSecret) < minSessionSecretLength {
		return nil, fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSessionSecretLength)
	}

	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("UPSTREAM_URL must be an absolute http(s) URL: %q", cfg.UpstreamURL)
	}
	cfg.UpstreamURL = strings.TrimSuffix(cfg.UpstreamURL, "/")

	// Optional fields with defaults
	cfg.UpstreamModules = getEnvList("UPSTREAM_MODULES", getEnvList("POGLY_MODULES", []string{"pogly"}))
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 604800)
	cfg.RevalidateInterval = getEnvDuration("REVALIDATE_INTERVAL", 5*time.Minute)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second)
	cfg.UpstreamMaxIdleConns = getEnvInt("UPSTREAM_MAX_IDLE_CONNS", 100)
	cfg.RewriteMaxBytes = getEnvInt64("REWRITE_MAX_BYTES", 5242880)
	cfg.HealthPaths = getEnvList("HEALTH_PATHS", []string{"/health", "/ping"})
	cfg.IDPTimeout = getEnvDuration("IDP_TIMEOUT", 10*time.Second)
	cfg.IDPRateLimit = getEnvFloat("IDP_RATE_LIMIT", 10)
	cfg.IDPRateBurst = getEnvInt("IDP_RATE_BURST", 20)
	cfg.ServerHost = getEnvString("SERVER_HOST", os.Getenv("HOST"))
	cfg.ServerPort = getEnvString("SERVER_PORT", getEnvString("PORT", "8080"))
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.PublicURL = strings.TrimSuffix(getEnvString("PUBLIC_URL", ""), "/")
	cfg.ForceSecure = getEnvBool("FORCE_SECURE", strings.HasPrefix(cfg.PublicURL, "https://"))
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// ListenAddr はゲートウェイのリッスンアドレスを返す。
func (c *Config) ListenAddr() string {
	return c.ServerHost + ":" + c.ServerPort
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を読み込む。空要素は除外する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
