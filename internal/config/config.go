// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrAuthAddressRequired is returned when AUTH_SVC_ADDRESS is not set for the gateway.
	ErrAuthAddressRequired = errors.New("config: AUTH_SVC_ADDRESS is required")
	// ErrS3BucketRequired is returned when STORAGE_BACKEND=s3 without S3_BUCKET.
	ErrS3BucketRequired = errors.New("config: S3_BUCKET is required for the s3 storage backend")
	// ErrMongoURIRequired is returned when STORAGE_BACKEND=gridfs without MONGO_URI.
	ErrMongoURIRequired = errors.New("config: MONGO_URI is required for the gridfs storage backend")
	// ErrSMTPHostRequired is returned when MAIL_BACKEND=smtp without SMTP_HOST.
	ErrSMTPHostRequired = errors.New("config: SMTP_HOST is required for the smtp mail backend")
	// ErrMailFromRequired is returned when a real mail backend has no sender.
	ErrMailFromRequired = errors.New("config: MAIL_FROM is required")
	// ErrGmailCredentialsRequired is returned when MAIL_BACKEND=gmail without credential files.
	ErrGmailCredentialsRequired = errors.New("config: GMAIL_CREDENTIALS_FILE and GMAIL_TOKEN_FILE are required for the gmail mail backend")
	// ErrUnknownStorageBackend is returned for an unsupported STORAGE_BACKEND.
	ErrUnknownStorageBackend = errors.New("config: unknown STORAGE_BACKEND")
	// ErrUnknownMailBackend is returned for an unsupported MAIL_BACKEND.
	ErrUnknownMailBackend = errors.New("config: unknown MAIL_BACKEND")
	// ErrUnknownQueueBackend is returned for an unsupported QUEUE_BACKEND.
	ErrUnknownQueueBackend = errors.New("config: unknown QUEUE_BACKEND")
	// ErrMemoryQueueRequiresAll is returned when QUEUE_BACKEND=memory is used
	// by a process that does not run every component.
	ErrMemoryQueueRequiresAll = errors.New("config: QUEUE_BACKEND=memory requires the all role")
	// ErrNonPositiveDuration is returned when a timeout or interval is zero or negative.
	ErrNonPositiveDuration = errors.New("config: duration must be positive")
	// ErrUnknownRole is returned for a role name ParseRole does not know.
	ErrUnknownRole = errors.New("config: unknown role")
)

// Role selects which pipeline components a process runs.
type Role string

// Process roles.
const (
	RoleGateway   Role = "gateway"
	RoleConverter Role = "converter"
	RoleNotifier  Role = "notifier"
	RoleAll       Role = "all"
)

// ParseRole converts s to a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleGateway, RoleConverter, RoleNotifier, RoleAll:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Runs reports whether a process with role r runs component c.
func (r Role) Runs(c Role) bool {
	return r == RoleAll || r == c
}

// Storage backends.
const (
	StorageLocal  = "local"
	StorageS3     = "s3"
	StorageGridFS = "gridfs"
)

// Queue backends.
const (
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// Mail backends.
const (
	MailLog   = "log"
	MailSMTP  = "smtp"
	MailGmail = "gmail"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int           `env:"PORT, default=8080" json:"port"`
	MaxUploadMB    int64         `env:"MAX_UPLOAD_MB, default=512" json:"max_upload_mb"`
	AuthSvcAddress string        `env:"AUTH_SVC_ADDRESS" json:"auth_svc_address"`
	AuthTimeout    time.Duration `env:"AUTH_TIMEOUT, default=5s" json:"auth_timeout"`

	// Error reporting
	Environment string `env:"ENVIRONMENT, default=development" json:"environment"`
	SentryDSN   string `env:"SENTRY_DSN" json:"-"` // Masked in JSON

	// Redis settings
	RedisAddr           string        `env:"REDIS_ADDR, default=localhost:6379" json:"redis_addr"`
	RedisPassword       string        `env:"REDIS_PASSWORD" json:"-"` // Masked in JSON
	RedisDB             int           `env:"REDIS_DB, default=0" json:"redis_db"`
	RedisDialTimeout    time.Duration `env:"REDIS_DIAL_TIMEOUT, default=5s" json:"redis_dial_timeout"`
	RedisHealthInterval time.Duration `env:"REDIS_HEALTH_INTERVAL, default=15s" json:"redis_health_interval"`

	// Queue settings
	QueueBackend           string        `env:"QUEUE_BACKEND, default=redis" json:"queue_backend"`
	VideoQueue             string        `env:"VIDEO_QUEUE, default=video" json:"video_queue"`
	MP3Queue               string        `env:"MP3_QUEUE, default=mp3" json:"mp3_queue"`
	QueueBlockTimeout      time.Duration `env:"QUEUE_BLOCK_TIMEOUT, default=5s" json:"queue_block_timeout"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT, default=5m" json:"queue_visibility_timeout"`
	QueueMaxDeliveries     int           `env:"QUEUE_MAX_DELIVERIES, default=5" json:"queue_max_deliveries"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN, default=100000" json:"queue_max_len"`

	// Worker settings
	ConverterWorkers int           `env:"CONVERTER_WORKERS, default=2" json:"converter_workers"`
	NotifierWorkers  int           `env:"NOTIFIER_WORKERS, default=1" json:"notifier_workers"`
	RetryBackoffBase time.Duration `env:"RETRY_BACKOFF_BASE, default=1s" json:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `env:"RETRY_BACKOFF_MAX, default=30s" json:"retry_backoff_max"`
	FFmpegPath       string        `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`

	// Storage settings
	StorageBackend string `env:"STORAGE_BACKEND, default=local" json:"storage_backend"`
	StorageDir     string `env:"STORAGE_DIR, default=/tmp/audioextract" json:"storage_dir"`

	// S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// GridFS settings
	MongoURI      string `env:"MONGO_URI" json:"-"` // May embed credentials
	MongoDatabase string `env:"MONGO_DATABASE, default=audioextract" json:"mongo_database"`

	// Mail settings
	MailBackend          string  `env:"MAIL_BACKEND, default=log" json:"mail_backend"`
	MailFrom             string  `env:"MAIL_FROM" json:"mail_from,omitempty"`
	SMTPHost             string  `env:"SMTP_HOST" json:"smtp_host,omitempty"`
	SMTPPort             int     `env:"SMTP_PORT, default=587" json:"smtp_port"`
	SMTPUsername         string  `env:"SMTP_USERNAME" json:"smtp_username,omitempty"`
	SMTPPassword         string  `env:"SMTP_PASSWORD" json:"-"` // Masked in JSON
	GmailCredentialsFile string  `env:"GMAIL_CREDENTIALS_FILE" json:"gmail_credentials_file,omitempty"`
	GmailTokenFile       string  `env:"GMAIL_TOKEN_FILE" json:"gmail_token_file,omitempty"`
	DownloadBaseURL      string  `env:"DOWNLOAD_BASE_URL" json:"download_base_url,omitempty"`
	MailRatePerSec       float64 `env:"MAIL_RATE_PER_SEC, default=0" json:"mail_rate_per_sec"` // 0 means unlimited
	MailRateBurst        int     `env:"MAIL_RATE_BURST, default=1" json:"mail_rate_burst"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks that everything role needs is configured.
func (c *Config) Validate(role Role) error {
	var errs []error

	if role.Runs(RoleGateway) && strings.TrimSpace(c.AuthSvcAddress) == "" {
		errs = append(errs, ErrAuthAddressRequired)
	}

	if role.Runs(RoleGateway) {
		errs = append(errs, positive("AUTH_TIMEOUT", c.AuthTimeout))
	}

	switch c.QueueBackend {
	case QueueRedis:
		errs = append(errs,
			positive("REDIS_HEALTH_INTERVAL", c.RedisHealthInterval),
			positive("QUEUE_BLOCK_TIMEOUT", c.QueueBlockTimeout),
			positive("QUEUE_VISIBILITY_TIMEOUT", c.QueueVisibilityTimeout),
		)
	case QueueMemory:
		if role != RoleAll {
			errs = append(errs, ErrMemoryQueueRequiresAll)
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownQueueBackend, c.QueueBackend))
	}

	if role.Runs(RoleGateway) || role.Runs(RoleConverter) {
		switch c.StorageBackend {
		case StorageLocal:
		case StorageS3:
			if c.S3Bucket == "" {
				errs = append(errs, ErrS3BucketRequired)
			}
		case StorageGridFS:
			if c.MongoURI == "" {
				errs = append(errs, ErrMongoURIRequired)
			}
		default:
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownStorageBackend, c.StorageBackend))
		}
	}

	if role.Runs(RoleNotifier) {
		switch c.MailBackend {
		case MailLog:
		case MailSMTP:
			if c.SMTPHost == "" {
				errs = append(errs, ErrSMTPHostRequired)
			}
			if c.MailFrom == "" {
				errs = append(errs, ErrMailFromRequired)
			}
		case MailGmail:
			if c.GmailCredentialsFile == "" || c.GmailTokenFile == "" {
				errs = append(errs, ErrGmailCredentialsRequired)
			}
			if c.MailFrom == "" {
				errs = append(errs, ErrMailFromRequired)
			}
		default:
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownMailBackend, c.MailBackend))
		}
	}

	return errors.Join(errs...)
}

func positive(name string, d time.Duration) error {
	if d > 0 {
		return nil
	}
	return fmt.Errorf("%w: %s=%s", ErrNonPositiveDuration, name, d)
}

// MaxUploadBytes returns the upload cap in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, AuthSvcAddress: %s, RedisAddr: %s, RedisPassword: %s, QueueBackend: %s, VideoQueue: %s, MP3Queue: %s, "+
			"StorageBackend: %s, StorageDir: %s, S3Bucket: %s, S3Region: %s, MongoURI: %s, "+
			"MailBackend: %s, MailFrom: %s, SMTPHost: %s, SMTPPassword: %s, SentryDSN: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.AuthSvcAddress,
		c.RedisAddr,
		mask(c.RedisPassword),
		c.QueueBackend,
		c.VideoQueue,
		c.MP3Queue,
		c.StorageBackend,
		c.StorageDir,
		c.S3Bucket,
		c.S3Region,
		mask(c.MongoURI),
		c.MailBackend,
		c.MailFrom,
		c.SMTPHost,
		mask(c.SMTPPassword),
		mask(c.SentryDSN),
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
