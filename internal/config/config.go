package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string

	DB struct {
		DSN string
	}

	// SnapshotPath is the directory for the on-disk planner snapshot. Empty
	// disables local persistence.
	SnapshotPath string

	Sync struct {
		// UserID is the calendar owner the daemon syncs for.
		UserID string
		// Cron is the auto-sync schedule; empty disables auto-sync.
		Cron      string
		Timeout   time.Duration
		BatchSize int
		Retries   int
		// Strategy is one of client-wins, server-wins, merge.
		Strategy string
	}

	// ProbeInterval is how often connectivity to the database is re-checked.
	ProbeInterval time.Duration

	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		var missing []string
		if host == "" {
			missing = append(missing, "APP_DB_HOST")
		}
		if name == "" {
			missing = append(missing, "APP_DB_NAME")
		}
		if user == "" {
			missing = append(missing, "APP_DB_USER")
		}
		if password == "" {
			missing = append(missing, "APP_DB_PASSWORD")
		}

		if len(missing) == 0 {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.SnapshotPath = getenvDefault("APP_SNAPSHOT_PATH", "./data/snapshot")
	cfg.Sync.UserID = os.Getenv("APP_SYNC_USER_ID")
	cfg.Sync.Cron = os.Getenv("APP_SYNC_CRON")
	cfg.Sync.Timeout = getenvDuration("APP_SYNC_TIMEOUT", 30*time.Second)
	cfg.Sync.BatchSize = getenvInt("APP_SYNC_BATCH_SIZE", 50)
	cfg.Sync.Retries = getenvInt("APP_SYNC_RETRIES", 2)
	cfg.Sync.Strategy = getenvDefault("APP_SYNC_STRATEGY", "server-wins")
	cfg.ProbeInterval = getenvDuration("APP_PROBE_INTERVAL", 15*time.Second)
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Sync.UserID == "" {
		return nil, errors.New("APP_SYNC_USER_ID is required")
	}
	switch cfg.Sync.Strategy {
	case "client-wins", "server-wins", "merge":
	default:
		return nil, fmt.Errorf("APP_SYNC_STRATEGY must be client-wins, server-wins, or merge (got %q)", cfg.Sync.Strategy)
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. Weekplan will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
