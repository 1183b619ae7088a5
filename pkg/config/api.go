package config

import (
	"fmt"
	"time"
)

// ServerConfig contains dashboard HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen" validate:"required"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	// BroadcastThrottle coalesces live-state pushes.
	BroadcastThrottle string `yaml:"broadcast_throttle,omitempty" mapstructure:"broadcast_throttle"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute" validate:"omitempty,gte=1"`
}

// BroadcastThrottleDuration parses the broadcast throttle.
func (s *ServerConfig) BroadcastThrottleDuration() (time.Duration, error) {
	if s.BroadcastThrottle == "" {
		return time.ParseDuration(DefaultBroadcastThrottle)
	}

	d, err := time.ParseDuration(s.BroadcastThrottle)
	if err != nil {
		return 0, fmt.Errorf("parsing server.broadcast_throttle: %w", err)
	}

	return d, nil
}

// StorageConfig groups the relational database and the blob store.
type StorageConfig struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Blobs    BlobConfig     `yaml:"blobs" mapstructure:"blobs"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// BlobConfig selects where content-addressed file payloads are kept.
// S3 takes priority over the local directory when enabled.
type BlobConfig struct {
	Local *LocalBlobConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3    *S3BlobConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalBlobConfig stores blobs in a directory, by default a sibling of the
// database file.
type LocalBlobConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
	// Owner optionally chowns written files, as "UID:GID".
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// S3BlobConfig contains S3 settings for blob storage.
type S3BlobConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
	PresignExpiry   string `yaml:"presign_expiry,omitempty" mapstructure:"presign_expiry"`
}

// PresignExpiryDuration parses the presigned URL expiry.
func (c *S3BlobConfig) PresignExpiryDuration() (time.Duration, error) {
	if c.PresignExpiry == "" {
		return time.Hour, nil
	}

	d, err := time.ParseDuration(c.PresignExpiry)
	if err != nil {
		return 0, fmt.Errorf("parsing storage.blobs.s3.presign_expiry: %w", err)
	}

	return d, nil
}

func (s *StorageConfig) validate() error {
	switch s.Database.Driver {
	case "sqlite":
		if s.Database.SQLite.Path == "" {
			return fmt.Errorf("storage.database.sqlite.path is required")
		}
	case "postgres":
		if s.Database.Postgres.Host == "" {
			return fmt.Errorf("storage.database.postgres.host is required")
		}

		if s.Database.Postgres.Database == "" {
			return fmt.Errorf("storage.database.postgres.database is required")
		}
	}

	if s.Blobs.S3 != nil && s.Blobs.S3.Enabled {
		if s.Blobs.S3.Bucket == "" {
			return fmt.Errorf("storage.blobs.s3.bucket is required when s3 is enabled")
		}

		if _, err := s.Blobs.S3.PresignExpiryDuration(); err != nil {
			return err
		}
	}

	return nil
}
