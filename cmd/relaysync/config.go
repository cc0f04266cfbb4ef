package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration. Values come from the optional YAML
// file, then RELAYSYNC_* environment variables, then command-line flags.
type Config struct {
	Addr           string `yaml:"addr"`
	BackendProfile string `yaml:"backend_profile"`
	ProgressDSN    string `yaml:"progress_dsn"`
	ProductionDSN  string `yaml:"production_dsn"`
	DataDir        string `yaml:"data_dir"`

	JWTSecret       string        `yaml:"jwt_secret"`
	JWTAudience     string        `yaml:"jwt_audience"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`

	KeepAlive             time.Duration `yaml:"keep_alive"`
	StreamWriteTimeout    time.Duration `yaml:"stream_write_timeout"`
	SubscriberBuffer      int           `yaml:"subscriber_buffer"`
	MaxSubscribersPerUser int           `yaml:"max_subscribers_per_user"`

	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`

	RetentionTTL      time.Duration `yaml:"retention_ttl"`
	RetentionInterval time.Duration `yaml:"retention_interval"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func defaultConfig() Config {
	return Config{
		Addr:              ":8080",
		DataDir:           ".relaysync",
		RateLimitWindow:   time.Minute,
		KeepAlive:         15 * time.Second,
		RetentionInterval: time.Hour,
		ShutdownTimeout:   10 * time.Second,
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("RELAYSYNC_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = stringEnv("RELAYSYNC_ADDR", cfg.Addr)
	cfg.BackendProfile = stringEnv("RELAYSYNC_BACKEND_PROFILE", cfg.BackendProfile)
	cfg.ProgressDSN = stringEnv("RELAYSYNC_PROGRESS_DSN", cfg.ProgressDSN)
	cfg.ProductionDSN = stringEnv("RELAYSYNC_PRODUCTION_DSN", stringEnv("RELAYSYNC_POSTGRES_DSN", cfg.ProductionDSN))
	cfg.DataDir = stringEnv("RELAYSYNC_DATA_DIR", cfg.DataDir)
	cfg.JWTSecret = stringEnv("RELAYSYNC_JWT_SECRET", cfg.JWTSecret)
	cfg.JWTAudience = stringEnv("RELAYSYNC_JWT_AUDIENCE", cfg.JWTAudience)
	cfg.RateLimitMax = intEnv("RELAYSYNC_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = durationEnv("RELAYSYNC_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.MaxBodyBytes = int64Env("RELAYSYNC_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	if origins := stringEnv("RELAYSYNC_ALLOWED_ORIGINS", ""); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	cfg.KeepAlive = durationEnv("RELAYSYNC_KEEP_ALIVE", cfg.KeepAlive)
	cfg.StreamWriteTimeout = durationEnv("RELAYSYNC_STREAM_WRITE_TIMEOUT", cfg.StreamWriteTimeout)
	cfg.SubscriberBuffer = intEnv("RELAYSYNC_SUBSCRIBER_BUFFER", cfg.SubscriberBuffer)
	cfg.MaxSubscribersPerUser = intEnv("RELAYSYNC_MAX_SUBSCRIBERS_PER_USER", cfg.MaxSubscribersPerUser)
	cfg.RedisAddr = stringEnv("RELAYSYNC_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisChannel = stringEnv("RELAYSYNC_REDIS_CHANNEL", cfg.RedisChannel)
	cfg.RetentionTTL = durationEnv("RELAYSYNC_RETENTION_TTL", cfg.RetentionTTL)
	cfg.RetentionInterval = durationEnv("RELAYSYNC_RETENTION_INTERVAL", cfg.RetentionInterval)
	cfg.ShutdownTimeout = durationEnv("RELAYSYNC_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
}

// progressDSN picks the progress store: an explicit DSN wins, otherwise the
// backend profile decides. An empty result means in-memory.
func (c Config) progressDSN() (string, error) {
	if dsn := strings.TrimSpace(c.ProgressDSN); dsn != "" {
		return dsn, nil
	}
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".relaysync"
	}
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	switch profile {
	case "", "custom", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "progress.json"), nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "progress.db"), nil
	case "production", "prod":
		if strings.TrimSpace(c.ProductionDSN) == "" {
			return "", errors.New("RELAYSYNC_PRODUCTION_DSN or RELAYSYNC_POSTGRES_DSN is required for the production profile")
		}
		return strings.TrimSpace(c.ProductionDSN), nil
	default:
		return "", fmt.Errorf("unsupported backend profile: %s", profile)
	}
}

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
