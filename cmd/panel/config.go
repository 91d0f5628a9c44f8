package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"adspanel/internal/catalog"
	"adspanel/internal/db"
	"adspanel/internal/live"
)

type config struct {
	Port       string
	APIToken   string
	AppSecret  string
	SessionTTL time.Duration
	DBURL      string
	AdminUser  string
	AdminPass  string

	Scylla db.ScyllaConfig

	BucketBackend string
	BucketDir     string
	S3            catalog.S3Config
	MaxUpload     int64

	Broker       string
	Channel      string
	Debounce     time.Duration
	Settle       time.Duration
	Retry        live.RetryPolicy
	SweepSpec    string
	OfflineAfter time.Duration
	Timezone     string

	LogLevel  string
	LogFormat string
}

func loadConfig() (config, error) {
	// existing environment wins over .env
	_ = godotenv.Load()

	var hosts []string
	for _, h := range strings.Split(os.Getenv("SCYLLA_HOSTS"), ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	cfg := config{
		Port:       envDefault("PANEL_PORT", envDefault("PORT", "8080")),
		APIToken:   os.Getenv("PANEL_API_TOKEN"),
		AppSecret:  os.Getenv("APP_SECRET"),
		SessionTTL: envDuration("SESSION_TTL", 24*time.Hour),
		DBURL:      os.Getenv("DB_URL"),
		AdminUser:  os.Getenv("PANEL_ADMIN_USER"),
		AdminPass:  os.Getenv("PANEL_ADMIN_PASSWORD"),
		Scylla: db.ScyllaConfig{
			Hosts:       hosts,
			Port:        envDefaultInt("SCYLLA_PORT", 9042),
			Keyspace:    envDefault("SCYLLA_KEYSPACE", "adspanel"),
			Consistency: envDefault("SCYLLA_CONSISTENCY", "QUORUM"),
			Replication: envDefaultInt("SCYLLA_RF", 3),
		},
		BucketBackend: strings.ToLower(envDefault("BUCKET_BACKEND", "local")),
		BucketDir:     envDefault("BUCKET_DIR", "./ads-videos"),
		S3: catalog.S3Config{
			Bucket:    os.Getenv("S3_BUCKET"),
			Region:    os.Getenv("S3_REGION"),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Prefix:    envDefault("S3_PREFIX", "ads-videos/"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
		},
		MaxUpload: int64(envDefaultInt("MAX_UPLOAD_MB", 512)) << 20,
		Broker:    strings.ToLower(envDefault("LIVE_BROKER", "postgres")),
		Channel:   envDefault("LIVE_CHANNEL", live.DefaultChannel),
		Debounce:  envDuration("LIVE_DEBOUNCE", live.DefaultDebounce),
		Settle:    envDuration("LIVE_SETTLE", live.DefaultSettleDelay),
		Retry: live.RetryPolicy{
			MaxAttempts: envDefaultInt("LIVE_MAX_ATTEMPTS", 5),
			BaseDelay:   envDuration("LIVE_RETRY_BASE", 500*time.Millisecond),
			Step:        envDuration("LIVE_RETRY_STEP", 500*time.Millisecond),
		},
		SweepSpec:    envDefault("LIVE_SWEEP_SPEC", "@every 30s"),
		OfflineAfter: envDuration("OFFLINE_AFTER", 70*time.Second),
		Timezone:     envDefault("DISPLAY_TZ", "Asia/Kolkata"),
		LogLevel:     envDefault("LOG_LEVEL", "info"),
		LogFormat:    envDefault("LOG_FORMAT", "console"),
	}
	if cfg.APIToken == "" {
		return cfg, fmt.Errorf("PANEL_API_TOKEN is required")
	}
	if cfg.AppSecret == "" {
		return cfg, fmt.Errorf("APP_SECRET is required")
	}
	if cfg.DBURL == "" {
		return cfg, fmt.Errorf("DB_URL is required")
	}
	if len(cfg.Scylla.Hosts) == 0 {
		return cfg, fmt.Errorf("SCYLLA_HOSTS is required")
	}
	switch cfg.BucketBackend {
	case "local":
	case "s3":
		if cfg.S3.Bucket == "" {
			return cfg, fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
	default:
		return cfg, fmt.Errorf("BUCKET_BACKEND must be local or s3, got %q", cfg.BucketBackend)
	}
	if cfg.Broker != "postgres" && cfg.Broker != "memory" {
		return cfg, fmt.Errorf("LIVE_BROKER must be postgres or memory, got %q", cfg.Broker)
	}
	return cfg, nil
}

func envDefault(key, val string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return val
}

func envDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return out
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			return d
		}
	}
	return def
}
