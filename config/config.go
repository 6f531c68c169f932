package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Stream    StreamConfig
	Reconcile ReconcileConfig
	AWS       AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds validation settings for the auth service's bearer tokens.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// StreamConfig holds the external stream host settings.
type StreamConfig struct {
	APIToken              string
	AccountID             string
	BaseURL               string
	DeliveryHost          string
	WebhookSecret         string
	SigningKey            string
	SigningKeyID          string
	MaxDurationSeconds    int
	ThumbnailTimestampPct float64
	AllowedOrigins        []string
}

// ReconcileConfig tunes the status reconciliation engine.
type ReconcileConfig struct {
	Interval             time.Duration
	GracePeriod          time.Duration
	MaxTransientFailures int // 0 = retry forever
	Concurrency          int
	SyncCooldown         time.Duration
}

// AWSConfig holds AWS credentials and the archive bucket. Empty region
// disables archiving.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ArchiveBucket        string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string. If DatabaseConfig.URL is set
// (DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "reelhouse"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Stream: StreamConfig{
			APIToken:              getEnv("STREAM_API_TOKEN", ""),
			AccountID:             getEnv("STREAM_ACCOUNT_ID", ""),
			BaseURL:               getEnv("STREAM_API_BASE_URL", ""),
			DeliveryHost:          getEnv("STREAM_DELIVERY_HOST", ""),
			WebhookSecret:         getEnv("STREAM_WEBHOOK_SECRET", ""),
			SigningKey:            getEnv("STREAM_SIGNING_KEY", ""),
			SigningKeyID:          getEnv("STREAM_SIGNING_KEY_ID", ""),
			MaxDurationSeconds:    getEnvInt("STREAM_MAX_DURATION_SEC", 3600),
			ThumbnailTimestampPct: getEnvFloat("STREAM_THUMBNAIL_PCT", 0.1),
			AllowedOrigins:        splitTrim(getEnv("STREAM_UPLOAD_ORIGINS", ""), ","),
		},
		Reconcile: ReconcileConfig{
			Interval:             time.Duration(getEnvInt("RECONCILE_INTERVAL_SEC", 10)) * time.Second,
			GracePeriod:          time.Duration(getEnvInt("RECONCILE_GRACE_MINUTES", 30)) * time.Minute,
			MaxTransientFailures: getEnvInt("RECONCILE_MAX_TRANSIENT_FAILURES", 0),
			Concurrency:          getEnvInt("RECONCILE_CONCURRENCY", 4),
			SyncCooldown:         time.Duration(getEnvInt("RECONCILE_SYNC_COOLDOWN_SEC", 5)) * time.Second,
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:        getEnv("AWS_S3_ARCHIVE_BUCKET", "reelhouse-archives"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
