package billing

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/corates/stripehook/internal/pkg/env"
)

// Config holds the Stripe webhook ingestion settings
type Config struct {
	WebhookSecret      string
	SignatureTolerance time.Duration
	VerifyTimeout      time.Duration
	MaxBodyBytes       int64
	Production         bool
}

// LoadConfig loads the ingestion configuration from environment variables
func LoadConfig() (*Config, error) {
	tolerance, err := parseDuration("STRIPE_WEBHOOK_TOLERANCE", "5m")
	if err != nil {
		return nil, err
	}
	timeout, err := parseDuration("STRIPE_VERIFY_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}
	maxBody, err := strconv.ParseInt(env.GetEnv("WEBHOOK_MAX_BODY_BYTES", strconv.Itoa(defaultMaxBodyBytes)), 10, 64)
	if err != nil || maxBody <= 0 {
		return nil, fmt.Errorf("WEBHOOK_MAX_BODY_BYTES must be a positive integer")
	}

	config := &Config{
		WebhookSecret:      env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		SignatureTolerance: tolerance,
		VerifyTimeout:      timeout,
		MaxBodyBytes:       maxBody,
		Production:         env.IsProd(),
	}

	if config.WebhookSecret == "" {
		return nil, errors.New("STRIPE_WEBHOOK_SECRET is required")
	}

	return config, nil
}

func parseDuration(key, def string) (time.Duration, error) {
	raw := env.GetEnv(key, def)
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, raw)
	}
	return d, nil
}
