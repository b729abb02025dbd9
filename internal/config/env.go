// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress  string
	Port           int
	MaxConnections int

	// Engine
	DefaultMaxLatencyMs int
	MaxInjectLatencyMs  int
	MaxTargetURLLen     int
	UpstreamTimeout     time.Duration

	// Upstream transport
	TransportMaxIdleConns        int
	TransportMaxIdleConnsPerHost int
	TransportIdleConnTimeout     time.Duration

	// Usage log
	UsageQueueSize          int
	UsageFlushBatchSize     int
	UsageFlushInterval      time.Duration
	UsageRetentionDays      int
	UsagePruneSchedule      string
	UsageCounterResyncEvery int

	// Config key cache
	KeyCacheEntries int
	KeyCacheTTL     time.Duration

	// Sandbox anti-abuse
	SandboxRatePerSecond float64
	SandboxBurst         int
	RedisURL             string

	// Plans
	PlansFile string

	// Auth
	AdminToken string

	// GeoIP enrichment (optional)
	GeoIPDBPath string

	// API
	APIMaxBodyBytes int
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("LP_STATE_DIR", "/var/lib/poisond")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("LP_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("LP_PORT", 8080, &errs)
	cfg.MaxConnections = envInt("LP_MAX_CONNECTIONS", 4096, &errs)

	// --- Engine ---
	cfg.DefaultMaxLatencyMs = envInt("LP_DEFAULT_MAX_LATENCY_MS", 1000, &errs)
	cfg.MaxInjectLatencyMs = envInt("LP_MAX_INJECT_LATENCY_MS", 5000, &errs)
	cfg.MaxTargetURLLen = envInt("LP_MAX_TARGET_URL_LEN", 2048, &errs)
	cfg.UpstreamTimeout = envDuration("LP_UPSTREAM_TIMEOUT", 30*time.Second, &errs)

	// --- Upstream transport ---
	cfg.TransportMaxIdleConns = envInt("LP_TRANSPORT_MAX_IDLE_CONNS", 1024, &errs)
	cfg.TransportMaxIdleConnsPerHost = envInt("LP_TRANSPORT_MAX_IDLE_CONNS_PER_HOST", 64, &errs)
	cfg.TransportIdleConnTimeout = envDuration("LP_TRANSPORT_IDLE_CONN_TIMEOUT", 90*time.Second, &errs)

	// --- Usage log ---
	cfg.UsageQueueSize = envInt("LP_USAGE_QUEUE_SIZE", 8192, &errs)
	cfg.UsageFlushBatchSize = envInt("LP_USAGE_FLUSH_BATCH_SIZE", 1024, &errs)
	cfg.UsageFlushInterval = envDuration("LP_USAGE_FLUSH_INTERVAL", 5*time.Second, &errs)
	cfg.UsageRetentionDays = envInt("LP_USAGE_RETENTION_DAYS", 90, &errs)
	cfg.UsagePruneSchedule = envStr("LP_USAGE_PRUNE_SCHEDULE", "0 4 * * *")
	cfg.UsageCounterResyncEvery = envInt("LP_USAGE_COUNTER_RESYNC_EVERY", 1000, &errs)

	// --- Config key cache ---
	cfg.KeyCacheEntries = envInt("LP_KEY_CACHE_ENTRIES", 10000, &errs)
	cfg.KeyCacheTTL = envDuration("LP_KEY_CACHE_TTL", 10*time.Second, &errs)

	// --- Sandbox anti-abuse ---
	cfg.SandboxRatePerSecond = envFloat("LP_SANDBOX_RATE_PER_SECOND", 5, &errs)
	cfg.SandboxBurst = envInt("LP_SANDBOX_BURST", 20, &errs)
	cfg.RedisURL = envStr("LP_REDIS_URL", "")

	// --- Plans ---
	cfg.PlansFile = envStr("LP_PLANS_FILE", "")

	// --- Auth (must be defined; empty means control-plane auth disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("LP_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- GeoIP ---
	cfg.GeoIPDBPath = envStr("LP_GEOIP_DB", "")

	// --- API ---
	cfg.APIMaxBodyBytes = envInt("LP_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "LP_LISTEN_ADDRESS must not be empty")
	}
	validatePort("LP_PORT", cfg.Port, &errs)
	validatePositive("LP_MAX_CONNECTIONS", cfg.MaxConnections, &errs)

	if cfg.DefaultMaxLatencyMs < 0 {
		errs = append(errs, "LP_DEFAULT_MAX_LATENCY_MS must not be negative")
	}
	validatePositive("LP_MAX_INJECT_LATENCY_MS", cfg.MaxInjectLatencyMs, &errs)
	validatePositive("LP_MAX_TARGET_URL_LEN", cfg.MaxTargetURLLen, &errs)
	if cfg.DefaultMaxLatencyMs > cfg.MaxInjectLatencyMs {
		errs = append(errs, "LP_DEFAULT_MAX_LATENCY_MS must be less than or equal to LP_MAX_INJECT_LATENCY_MS")
	}
	if cfg.UpstreamTimeout <= 0 {
		errs = append(errs, "LP_UPSTREAM_TIMEOUT must be positive")
	}

	validatePositive("LP_TRANSPORT_MAX_IDLE_CONNS", cfg.TransportMaxIdleConns, &errs)
	validatePositive("LP_TRANSPORT_MAX_IDLE_CONNS_PER_HOST", cfg.TransportMaxIdleConnsPerHost, &errs)
	if cfg.TransportIdleConnTimeout <= 0 {
		errs = append(errs, "LP_TRANSPORT_IDLE_CONN_TIMEOUT must be positive")
	}
	if cfg.TransportMaxIdleConnsPerHost > cfg.TransportMaxIdleConns {
		errs = append(errs, "LP_TRANSPORT_MAX_IDLE_CONNS_PER_HOST must be less than or equal to LP_TRANSPORT_MAX_IDLE_CONNS")
	}

	validatePositive("LP_USAGE_QUEUE_SIZE", cfg.UsageQueueSize, &errs)
	validatePositive("LP_USAGE_FLUSH_BATCH_SIZE", cfg.UsageFlushBatchSize, &errs)
	if cfg.UsageFlushInterval <= 0 {
		errs = append(errs, "LP_USAGE_FLUSH_INTERVAL must be positive")
	}
	validatePositive("LP_USAGE_RETENTION_DAYS", cfg.UsageRetentionDays, &errs)
	if _, err := cron.ParseStandard(cfg.UsagePruneSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("LP_USAGE_PRUNE_SCHEDULE: invalid cron expression %q: %v", cfg.UsagePruneSchedule, err))
	}
	validatePositive("LP_USAGE_COUNTER_RESYNC_EVERY", cfg.UsageCounterResyncEvery, &errs)

	// Queue size must be >= 2x batch size so a slow flush cannot starve the queue.
	if cfg.UsageQueueSize < 2*cfg.UsageFlushBatchSize {
		errs = append(errs, "LP_USAGE_QUEUE_SIZE must be at least 2x LP_USAGE_FLUSH_BATCH_SIZE")
	}

	validatePositive("LP_KEY_CACHE_ENTRIES", cfg.KeyCacheEntries, &errs)
	if cfg.KeyCacheTTL <= 0 {
		errs = append(errs, "LP_KEY_CACHE_TTL must be positive")
	}

	if cfg.SandboxRatePerSecond <= 0 {
		errs = append(errs, "LP_SANDBOX_RATE_PER_SECOND must be positive")
	}
	validatePositive("LP_SANDBOX_BURST", cfg.SandboxBurst, &errs)

	if !hasAdminToken {
		errs = append(errs, "LP_ADMIN_TOKEN must be defined (can be empty)")
	} else if cfg.AdminToken != "" && IsWeakToken(cfg.AdminToken) {
		errs = append(errs, "LP_ADMIN_TOKEN is too weak (zxcvbn score < 3)")
	}

	validatePositive("LP_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
