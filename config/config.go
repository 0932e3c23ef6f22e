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
	AWS       AWSConfig
	BBB       BBBConfig
	Webhook   WebhookConfig
	Polling   PollingConfig
	Replay    ReplayConfig
	Retention RetentionConfig
	Alerts    AlertsConfig
	Email     EmailConfig
	// Timezone is the IANA zone used for calendar days in statistics and export timestamps.
	Timezone string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins []string // "*" for all
	// TrustedProxies are the IPs or CIDRs whose forwarded client headers are believed.
	// Empty means the peer address is the client address.
	TrustedProxies []string
	// WorkerMetricsPort serves /metrics and /health from the worker binary.
	WorkerMetricsPort string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/bbb_monitor?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Migrate runs embedded migrations on startup.
	Migrate bool
}

// RedisConfig holds Redis connection settings. Without Redis, alert mail and
// cross-instance live push are off.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds the shared secret of tokens issued by the LMS.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the exports bucket. An empty bucket disables stored exports.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Endpoint             string
	ExportsBucket        string
	PresignExpireMinutes int
}

// BBBConfig holds the BigBlueButton API endpoint.
type BBBConfig struct {
	URL               string
	Secret            string
	ChecksumAlgorithm string // sha1 or sha256
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// WebhookConfig holds inbound webhook authentication.
type WebhookConfig struct {
	Secret          string   // HMAC-SHA256 key; empty disables signature checks
	AllowedIPs      []string // IPs or CIDRs; empty allows all
	SignatureHeader string
}

// PollingConfig holds poll cycle settings.
type PollingConfig struct {
	Enabled     bool
	Interval    time.Duration
	CallTimeout time.Duration
	Concurrency int
}

// ReplayConfig holds crash-recovery replay settings.
type ReplayConfig struct {
	Interval  time.Duration
	BatchSize int
}

// RetentionConfig holds cleanup windows.
type RetentionConfig struct {
	SessionDays int
	EventDays   int
	Interval    time.Duration
}

// AlertsConfig holds participant threshold alert settings.
type AlertsConfig struct {
	Enabled    bool
	Threshold  int
	Recipients []string
}

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	FromAddress string
	FromName    string
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
	StartTLS    bool
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Location resolves Timezone, defaulting to UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 60),
			CORSAllowedOrigins: splitTrim(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"), ","),
			WorkerMetricsPort:  getEnv("WORKER_METRICS_PORT", "9091"),
			TrustedProxies:     splitTrim(getEnv("TRUSTED_PROXIES", ""), ","),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "bbb_monitor"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Migrate:  getEnvBool("DB_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", ""),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			ExportsBucket:        getEnv("AWS_S3_EXPORTS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		BBB: BBBConfig{
			URL:               getEnv("BBB_URL", ""),
			Secret:            getEnv("BBB_SECRET", ""),
			ChecksumAlgorithm: getEnv("BBB_CHECKSUM_ALGORITHM", "sha1"),
			RequestTimeout:    getEnvDuration("BBB_REQUEST_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvFloat("BBB_REQUESTS_PER_SECOND", 5),
			Burst:             getEnvInt("BBB_BURST", 5),
		},
		Webhook: WebhookConfig{
			Secret:          getEnv("WEBHOOK_SECRET", ""),
			AllowedIPs:      splitTrim(getEnv("WEBHOOK_ALLOWED_IPS", ""), ","),
			SignatureHeader: getEnv("WEBHOOK_SIGNATURE_HEADER", "X-BBB-Signature"),
		},
		Polling: PollingConfig{
			Enabled:     getEnvBool("POLLING_ENABLED", true),
			Interval:    getEnvDuration("POLLING_INTERVAL", time.Minute),
			CallTimeout: getEnvDuration("POLLING_CALL_TIMEOUT", 10*time.Second),
			Concurrency: getEnvInt("POLLING_CONCURRENCY", 4),
		},
		Replay: ReplayConfig{
			Interval:  getEnvDuration("REPLAY_INTERVAL", 30*time.Second),
			BatchSize: getEnvInt("REPLAY_BATCH_SIZE", 100),
		},
		Retention: RetentionConfig{
			SessionDays: getEnvInt("RETENTION_SESSION_DAYS", 150),
			EventDays:   getEnvInt("RETENTION_EVENT_DAYS", 30),
			Interval:    getEnvDuration("RETENTION_INTERVAL", 24*time.Hour),
		},
		Alerts: AlertsConfig{
			Enabled:    getEnvBool("ALERTS_ENABLED", false),
			Threshold:  getEnvInt("ALERTS_PARTICIPANT_THRESHOLD", 50),
			Recipients: splitTrim(getEnv("ALERTS_RECIPIENTS", ""), ","),
		},
		Email: EmailConfig{
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@example.com"),
			FromName:    getEnv("EMAIL_FROM_NAME", "BBB Monitor"),
			SMTPHost:    getEnv("SMTP_HOST", ""),
			SMTPPort:    getEnvInt("SMTP_PORT", 587),
			SMTPUser:    getEnv("SMTP_USER", ""),
			SMTPPass:    getEnv("SMTP_PASS", ""),
			StartTLS:    getEnvBool("SMTP_STARTTLS", true),
		},
		Timezone: getEnv("TIMEZONE", "UTC"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch strings.ToLower(c.BBB.ChecksumAlgorithm) {
	case "sha1", "sha256":
	default:
		return fmt.Errorf("BBB_CHECKSUM_ALGORITHM must be sha1 or sha256, got %q", c.BBB.ChecksumAlgorithm)
	}
	if c.Polling.Interval <= 0 || c.Polling.CallTimeout <= 0 || c.Polling.Concurrency <= 0 {
		return fmt.Errorf("polling interval, timeout and concurrency must be positive")
	}
	if c.Alerts.Enabled && c.Alerts.Threshold <= 0 {
		return fmt.Errorf("ALERTS_PARTICIPANT_THRESHOLD must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
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
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
