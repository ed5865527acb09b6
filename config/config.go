package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vidserve/models"
)

// Config holds every setting the server and the admin CLI consume
type Config struct {
	Port string `yaml:"port"`

	// DataDir holds the Pebble databases (jobs, credentials, queue).
	DataDir string `yaml:"data_dir"`
	// OutputDir is the managed directory the gateway writes artifacts into.
	OutputDir string `yaml:"output_dir"`

	YtDlpPath  string `yaml:"ytdlp_path"`
	FFmpegPath string `yaml:"ffmpeg_path"`

	StoreDriver string `yaml:"store_driver"` // pebble | postgres
	DatabaseURL string `yaml:"database_url"`
	QueueDriver string `yaml:"queue_driver"` // pebble | sqs
	SQSQueueURL string `yaml:"sqs_queue_url"`
	RedisURL    string `yaml:"redis_url"`

	Workers      int             `yaml:"workers"`
	MaxAttempts  int             `yaml:"max_attempts"`
	RetryBackoff []time.Duration `yaml:"retry_backoff"`
	JobTimeout   time.Duration   `yaml:"job_timeout"`
	DedupeWindow time.Duration   `yaml:"dedupe_window"`
	PollInterval time.Duration   `yaml:"poll_interval"`

	DefaultLimits models.RateLimits `yaml:"default_limits"`

	GatewaySpawnRate  float64 `yaml:"gateway_spawn_rate"`
	GatewaySpawnBurst int     `yaml:"gateway_spawn_burst"`

	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	AdminJWTSecret string `yaml:"admin_jwt_secret"`
	TrustProxy     bool   `yaml:"trust_proxy"`
	PublicBaseURL  string `yaml:"public_base_url"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	Mirror MirrorConfig `yaml:"mirror"`
}

// MirrorConfig selects and configures the optional artifact mirror
type MirrorConfig struct {
	Backend string `yaml:"backend"` // "", local, s3, gcs, sftp

	LocalDir string `yaml:"local_dir"`

	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Prefix    string `yaml:"s3_prefix"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`

	GCSBucket          string `yaml:"gcs_bucket"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`

	SFTPAddr     string `yaml:"sftp_addr"`
	SFTPUser     string `yaml:"sftp_user"`
	SFTPPassword string `yaml:"sftp_password"`
	SFTPKeyFile  string `yaml:"sftp_key_file"`
	SFTPDir      string `yaml:"sftp_dir"`
}

// Default backoff between async attempts: 30s, then 60s, then 300s
var DefaultRetryBackoff = []time.Duration{30 * time.Second, 60 * time.Second, 300 * time.Second}

// Defaults returns the configuration used when nothing is set
func Defaults() *Config {
	return &Config{
		Port:         "8080",
		DataDir:      "./data",
		OutputDir:    "./downloads",
		YtDlpPath:    "yt-dlp",
		FFmpegPath:   "ffmpeg",
		StoreDriver:  "pebble",
		QueueDriver:  "pebble",
		Workers:      2,
		MaxAttempts:  3,
		RetryBackoff: append([]time.Duration(nil), DefaultRetryBackoff...),
		JobTimeout:   time.Hour,
		DedupeWindow: time.Minute,
		PollInterval: time.Second,
		DefaultLimits: models.RateLimits{
			PerMinute: 10,
			PerHour:   100,
			PerDay:    1000,
		},
		GatewaySpawnRate:  2,
		GatewaySpawnBurst: 4,
		Retention:         24 * time.Hour,
		CleanupInterval:   time.Hour,
		LogLevel:          "info",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// VIDSERVE_CONFIG (if any), then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("VIDSERVE_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.OutputDir = getEnv("OUTPUT_DIR", c.OutputDir)
	c.YtDlpPath = getEnv("YTDLP_PATH", c.YtDlpPath)
	c.FFmpegPath = getEnv("FFMPEG_PATH", c.FFmpegPath)
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.QueueDriver = getEnv("QUEUE_DRIVER", c.QueueDriver)
	c.SQSQueueURL = getEnv("SQS_QUEUE_URL", c.SQSQueueURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.AdminJWTSecret = getEnv("ADMIN_JWT_SECRET", c.AdminJWTSecret)
	c.PublicBaseURL = getEnv("PUBLIC_BASE_URL", c.PublicBaseURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)

	c.Mirror.Backend = getEnv("MIRROR_BACKEND", c.Mirror.Backend)
	c.Mirror.LocalDir = getEnv("MIRROR_LOCAL_DIR", c.Mirror.LocalDir)
	c.Mirror.S3Bucket = getEnv("MIRROR_S3_BUCKET", c.Mirror.S3Bucket)
	c.Mirror.S3Region = getEnv("MIRROR_S3_REGION", c.Mirror.S3Region)
	c.Mirror.S3Prefix = getEnv("MIRROR_S3_PREFIX", c.Mirror.S3Prefix)
	c.Mirror.S3AccessKey = getEnv("MIRROR_S3_ACCESS_KEY", c.Mirror.S3AccessKey)
	c.Mirror.S3SecretKey = getEnv("MIRROR_S3_SECRET_KEY", c.Mirror.S3SecretKey)
	c.Mirror.GCSBucket = getEnv("MIRROR_GCS_BUCKET", c.Mirror.GCSBucket)
	c.Mirror.GCSCredentialsFile = getEnv("MIRROR_GCS_CREDENTIALS_FILE", c.Mirror.GCSCredentialsFile)
	c.Mirror.SFTPAddr = getEnv("MIRROR_SFTP_ADDR", c.Mirror.SFTPAddr)
	c.Mirror.SFTPUser = getEnv("MIRROR_SFTP_USER", c.Mirror.SFTPUser)
	c.Mirror.SFTPPassword = getEnv("MIRROR_SFTP_PASSWORD", c.Mirror.SFTPPassword)
	c.Mirror.SFTPKeyFile = getEnv("MIRROR_SFTP_KEY_FILE", c.Mirror.SFTPKeyFile)
	c.Mirror.SFTPDir = getEnv("MIRROR_SFTP_DIR", c.Mirror.SFTPDir)

	var err error
	if c.Workers, err = getEnvInt("WORKERS", c.Workers); err != nil {
		return err
	}
	if c.MaxAttempts, err = getEnvInt("MAX_ATTEMPTS", c.MaxAttempts); err != nil {
		return err
	}
	if c.DefaultLimits.PerMinute, err = getEnvInt("RATE_LIMIT_MINUTE", c.DefaultLimits.PerMinute); err != nil {
		return err
	}
	if c.DefaultLimits.PerHour, err = getEnvInt("RATE_LIMIT_HOUR", c.DefaultLimits.PerHour); err != nil {
		return err
	}
	if c.DefaultLimits.PerDay, err = getEnvInt("RATE_LIMIT_DAY", c.DefaultLimits.PerDay); err != nil {
		return err
	}
	if c.GatewaySpawnBurst, err = getEnvInt("GATEWAY_SPAWN_BURST", c.GatewaySpawnBurst); err != nil {
		return err
	}
	if c.JobTimeout, err = getEnvDuration("JOB_TIMEOUT", c.JobTimeout); err != nil {
		return err
	}
	if c.DedupeWindow, err = getEnvDuration("DEDUPE_WINDOW", c.DedupeWindow); err != nil {
		return err
	}
	if c.PollInterval, err = getEnvDuration("POLL_INTERVAL", c.PollInterval); err != nil {
		return err
	}
	if c.Retention, err = getEnvDuration("RETENTION", c.Retention); err != nil {
		return err
	}
	if c.CleanupInterval, err = getEnvDuration("CLEANUP_INTERVAL", c.CleanupInterval); err != nil {
		return err
	}
	if v := os.Getenv("GATEWAY_SPAWN_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GATEWAY_SPAWN_RATE: %w", err)
		}
		c.GatewaySpawnRate = f
	}
	if v := os.Getenv("RETRY_BACKOFF"); v != "" {
		backoff, err := ParseBackoff(v)
		if err != nil {
			return fmt.Errorf("RETRY_BACKOFF: %w", err)
		}
		c.RetryBackoff = backoff
	}
	if v := os.Getenv("TRUST_PROXY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRUST_PROXY: %w", err)
		}
		c.TrustProxy = b
	}
	return nil
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if len(c.RetryBackoff) == 0 {
		return fmt.Errorf("retry backoff must have at least one entry")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job timeout must be positive")
	}
	if c.DefaultLimits.PerMinute < 0 || c.DefaultLimits.PerHour < 0 || c.DefaultLimits.PerDay < 0 {
		return fmt.Errorf("default rate limits must not be negative")
	}
	switch c.StoreDriver {
	case "pebble":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	switch c.QueueDriver {
	case "pebble":
	case "sqs":
		if c.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required for the sqs queue")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.QueueDriver)
	}
	switch c.Mirror.Backend {
	case "":
	case "local":
		if c.Mirror.LocalDir == "" {
			return fmt.Errorf("MIRROR_LOCAL_DIR is required for the local mirror")
		}
	case "s3":
		if c.Mirror.S3Bucket == "" {
			return fmt.Errorf("MIRROR_S3_BUCKET is required for the s3 mirror")
		}
	case "gcs":
		if c.Mirror.GCSBucket == "" {
			return fmt.Errorf("MIRROR_GCS_BUCKET is required for the gcs mirror")
		}
	case "sftp":
		if c.Mirror.SFTPAddr == "" || c.Mirror.SFTPUser == "" {
			return fmt.Errorf("MIRROR_SFTP_ADDR and MIRROR_SFTP_USER are required for the sftp mirror")
		}
	default:
		return fmt.Errorf("unknown mirror backend %q", c.Mirror.Backend)
	}
	return nil
}

// ParseBackoff parses a comma separated list of durations, e.g. "30s,60s,300s"
func ParseBackoff(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative backoff %s", d)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty backoff list")
	}
	return out, nil
}

// JobsDBPath returns the path to the jobs database.
// Path: {DataDir}/jobs.db
func (c *Config) JobsDBPath() string {
	return filepath.Join(c.DataDir, "jobs.db")
}

// CredentialsDBPath returns the path to the credentials database.
// Path: {DataDir}/credentials.db
func (c *Config) CredentialsDBPath() string {
	return filepath.Join(c.DataDir, "credentials.db")
}

// QueueDBPath returns the path to the work queue database.
// Path: {DataDir}/queue.db
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.DataDir, "queue.db")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
