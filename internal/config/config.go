package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port    int
	BaseURL string

	Environment string
	LogLevel    string

	DatabaseURL string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
	MinIORegion    string

	// Multipart upload tuning. PartSize must stay above the object
	// store's 5 MiB multipart minimum.
	PartSize          int64
	SignedURLExpiry   time.Duration
	SignBatchSize     int
	MaxUploadSize     int64
	UploadProgressCap int // job progress reached when the upload phase finishes (0-100)

	// Worker pool coordination.
	WorkerPoolURL      string
	WorkerSharedSecret string
	LockTimeout        time.Duration
	DispatchTimeout    time.Duration

	JWTSecret string
}

func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.Port = getEnvInt("PORT", 8080)
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.MinIOEndpoint = os.Getenv("MINIO_ENDPOINT")
	if cfg.MinIOEndpoint == "" {
		return nil, fmt.Errorf("MINIO_ENDPOINT is required")
	}

	cfg.MinIOAccessKey = os.Getenv("MINIO_ACCESS_KEY")
	if cfg.MinIOAccessKey == "" {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY is required")
	}

	cfg.MinIOSecretKey = os.Getenv("MINIO_SECRET_KEY")
	if cfg.MinIOSecretKey == "" {
		return nil, fmt.Errorf("MINIO_SECRET_KEY is required")
	}

	cfg.MinIOBucket = getEnvString("MINIO_BUCKET", "videos")
	cfg.MinIOUseSSL = getEnvBool("MINIO_USE_SSL", false)
	cfg.MinIORegion = getEnvString("MINIO_REGION", "us-east-1")

	cfg.PartSize = getEnvInt64("UPLOAD_PART_SIZE", 10*1024*1024)
	cfg.SignedURLExpiry, err = getEnvDuration("UPLOAD_SIGNED_URL_EXPIRY", "1h")
	if err != nil {
		return nil, fmt.Errorf("invalid UPLOAD_SIGNED_URL_EXPIRY: %w", err)
	}
	cfg.SignBatchSize = getEnvInt("UPLOAD_SIGN_BATCH_SIZE", 10)
	cfg.MaxUploadSize = getEnvInt64("MAX_UPLOAD_SIZE", 5*1024*1024*1024)
	cfg.UploadProgressCap = getEnvInt("UPLOAD_PROGRESS_CAP", 50)

	cfg.WorkerPoolURL = getEnvString("WORKER_POOL_URL", "")
	cfg.WorkerSharedSecret = os.Getenv("WORKER_SHARED_SECRET")
	if cfg.WorkerSharedSecret == "" {
		return nil, fmt.Errorf("WORKER_SHARED_SECRET is required")
	}

	cfg.LockTimeout, err = getEnvDuration("PROCESSING_LOCK_TIMEOUT", "30m")
	if err != nil {
		return nil, fmt.Errorf("invalid PROCESSING_LOCK_TIMEOUT: %w", err)
	}
	cfg.DispatchTimeout, err = getEnvDuration("DISPATCH_TIMEOUT", "30s")
	if err != nil {
		return nil, fmt.Errorf("invalid DISPATCH_TIMEOUT: %w", err)
	}

	cfg.JWTSecret = getEnvString("JWT_SECRET", "change-me-in-production")

	cfg.Environment = getEnvString("ENVIRONMENT", "development")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key, defaultValue string) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		value = defaultValue
	}
	return time.ParseDuration(value)
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.PartSize < 5*1024*1024 {
		return fmt.Errorf("part size %d is below the 5 MiB multipart minimum", c.PartSize)
	}

	if c.UploadProgressCap < 1 || c.UploadProgressCap > 100 {
		return fmt.Errorf("invalid upload progress cap: %d", c.UploadProgressCap)
	}

	if c.LockTimeout <= 0 {
		return fmt.Errorf("invalid lock timeout: %s", c.LockTimeout)
	}

	return nil
}
