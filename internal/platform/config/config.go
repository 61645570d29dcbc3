package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr                      string
	DatabaseURL               string
	JWTSecret                 string
	DataEncryptionKey         string
	Environment               string
	PublicBaseURL             string
	EmailFrom                 string
	EmailEnabled              bool
	SMTPHost                  string
	SMTPPort                  int
	SMTPUser                  string
	SMTPPassword              string
	SMTPUseTLS                bool
	RunMigrations             bool
	MigrationsDir             string
	MaxBodyBytes              int64
	RateLimitPerMinute        int
	MetricsEnabled            bool
	DeletionGracePeriod       time.Duration
	VerificationWindow        time.Duration
	ArtifactTTL               time.Duration
	RetentionSchedule         string
	DueDeletionSchedule       string
	RetentionPolicyTimeout    time.Duration
	RetentionSweepConcurrency int
	RetentionOverridesFile    string
	ArtifactBackend           string
	ArtifactDir               string
	S3Bucket                  string
	S3Region                  string
	S3Endpoint                string
	S3Prefix                  string
	RedisURL                  string
}

func Load() Config {
	return Config{
		Addr:                      getEnv("APP_ADDR", ":8080"),
		DatabaseURL:               getEnv("DATABASE_URL", ""),
		JWTSecret:                 getEnv("JWT_SECRET", ""),
		DataEncryptionKey:         getEnv("DATA_ENCRYPTION_KEY", ""),
		Environment:               getEnv("APP_ENV", "development"),
		PublicBaseURL:             getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		EmailFrom:                 getEnv("EMAIL_FROM", "privacy@example.com"),
		EmailEnabled:              getEnvBool("EMAIL_ENABLED", false),
		SMTPHost:                  getEnv("SMTP_HOST", ""),
		SMTPPort:                  getEnvInt("SMTP_PORT", 587),
		SMTPUser:                  getEnv("SMTP_USER", ""),
		SMTPPassword:              getEnv("SMTP_PASSWORD", ""),
		SMTPUseTLS:                getEnvBool("SMTP_USE_TLS", true),
		RunMigrations:             getEnvBool("RUN_MIGRATIONS", true),
		MigrationsDir:             getEnv("MIGRATIONS_DIR", "migrations"),
		MaxBodyBytes:              int64(getEnvInt("MAX_BODY_BYTES", 1048576)),
		RateLimitPerMinute:        getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		MetricsEnabled:            getEnvBool("METRICS_ENABLED", true),
		DeletionGracePeriod:       getEnvDuration("DELETION_GRACE_PERIOD", 30*24*time.Hour),
		VerificationWindow:        getEnvDuration("VERIFICATION_WINDOW", 72*time.Hour),
		ArtifactTTL:               getEnvDuration("ARTIFACT_TTL", 30*24*time.Hour),
		RetentionSchedule:         getEnv("RETENTION_SCHEDULE", "0 3 * * *"),
		DueDeletionSchedule:       getEnv("DUE_DELETION_SCHEDULE", "15 * * * *"),
		RetentionPolicyTimeout:    getEnvDuration("RETENTION_POLICY_TIMEOUT", 5*time.Minute),
		RetentionSweepConcurrency: getEnvInt("RETENTION_SWEEP_CONCURRENCY", 1),
		RetentionOverridesFile:    getEnv("RETENTION_OVERRIDES_FILE", ""),
		ArtifactBackend:           getEnv("ARTIFACT_BACKEND", "fs"),
		ArtifactDir:               getEnv("ARTIFACT_DIR", "storage/exports"),
		S3Bucket:                  getEnv("S3_BUCKET", ""),
		S3Region:                  getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:                getEnv("S3_ENDPOINT", ""),
		S3Prefix:                  getEnv("S3_PREFIX", "exports/"),
		RedisURL:                  getEnv("REDIS_URL", ""),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Environment == "production" {
		if strings.TrimSpace(c.JWTSecret) == "" {
			return fmt.Errorf("JWT_SECRET must be set to a strong value in production")
		}
		if strings.TrimSpace(c.DataEncryptionKey) == "" {
			return fmt.Errorf("DATA_ENCRYPTION_KEY must be set in production for encrypted exports")
		}
	}
	if c.MaxBodyBytes < 1024 {
		return fmt.Errorf("MAX_BODY_BYTES must be at least 1024")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.EmailEnabled && c.SMTPHost == "" {
		return fmt.Errorf("SMTP_HOST must be set when EMAIL_ENABLED is true")
	}
	if c.DeletionGracePeriod <= 0 {
		return fmt.Errorf("DELETION_GRACE_PERIOD must be positive")
	}
	if c.VerificationWindow <= 0 {
		return fmt.Errorf("VERIFICATION_WINDOW must be positive")
	}
	if c.ArtifactTTL <= 0 {
		return fmt.Errorf("ARTIFACT_TTL must be positive")
	}
	if c.RetentionPolicyTimeout <= 0 {
		return fmt.Errorf("RETENTION_POLICY_TIMEOUT must be positive")
	}
	if c.RetentionSweepConcurrency <= 0 {
		return fmt.Errorf("RETENTION_SWEEP_CONCURRENCY must be positive")
	}
	switch c.ArtifactBackend {
	case "fs":
	case "s3":
		if strings.TrimSpace(c.S3Bucket) == "" {
			return fmt.Errorf("S3_BUCKET must be set when ARTIFACT_BACKEND is s3")
		}
	default:
		return fmt.Errorf("ARTIFACT_BACKEND must be fs or s3")
	}
	return nil
}
