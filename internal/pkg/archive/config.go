package archive

import (
	"errors"
	"fmt"
	"time"

	"github.com/corates/stripehook/internal/pkg/env"
)

// Config holds the raw payload archive configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads archive configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("PAYLOAD_ARCHIVE_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("PAYLOAD_ARCHIVE_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("PAYLOAD_ARCHIVE_REGION", "us-east-1"),
		BucketName:      env.GetEnv("PAYLOAD_ARCHIVE_BUCKET", ""),
		EndpointURL:     env.GetEnv("PAYLOAD_ARCHIVE_ENDPOINT_URL", ""),
		Prefix:          env.GetEnv("PAYLOAD_ARCHIVE_PREFIX", "stripe"),
		Enabled:         env.GetEnv("PAYLOAD_ARCHIVE_ENABLED", "false") == "true",
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("PAYLOAD_ARCHIVE_ACCESS_KEY_ID is required when the payload archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("PAYLOAD_ARCHIVE_SECRET_ACCESS_KEY is required when the payload archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("PAYLOAD_ARCHIVE_BUCKET is required when the payload archive is enabled")
		}
	}

	return config, nil
}

// ObjectKey builds the object key of an archived payload.
// Format: <prefix>/YYYY/MM/<payload hash>.json
func (c *Config) ObjectKey(payloadHash string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s.json", c.Prefix, at.Year(), int(at.Month()), payloadHash)
}
