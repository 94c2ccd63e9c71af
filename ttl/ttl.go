// Package ttl provides functionality for managing time-to-live (TTL) values.
// It resolves per-write expiration requests against the configured default,
// calculates expiration times and checks whether entries have expired.
package ttl

import (
	"time"

	"github.com/gozephyr/prefcache/errors"
)

// Config represents configuration for TTL behavior
type Config struct {
	// DefaultTTL applies when a write does not request an expiration.
	// Zero means such writes never expire.
	DefaultTTL time.Duration

	// MaxTTL caps requested TTLs. Zero means no cap.
	MaxTTL time.Duration
}

// DefaultConfig returns the default TTL configuration
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 30 * 24 * time.Hour,
	}
}

// Validate validates a requested TTL value
func Validate(ttl time.Duration) error {
	if ttl < 0 {
		return errors.WrapError("Validate", nil, errors.ErrInvalidTTL)
	}
	return nil
}

// ValidateConfig validates the configuration itself
func ValidateConfig(config Config) error {
	if config.DefaultTTL < 0 || config.MaxTTL < 0 {
		return errors.WrapError("ValidateConfig", nil, errors.ErrInvalidTTL)
	}
	return nil
}

// Resolve returns the TTL to apply to a write. requested is nil when the
// caller did not ask for one; a requested zero means never expire.
func Resolve(requested *time.Duration, config Config) (time.Duration, error) {
	ttl := config.DefaultTTL
	if requested != nil {
		if err := Validate(*requested); err != nil {
			return 0, err
		}
		ttl = *requested
	}
	return Normalize(ttl, config), nil
}

// Normalize applies MaxTTL to a TTL value
func Normalize(ttl time.Duration, config Config) time.Duration {
	if ttl > 0 && config.MaxTTL > 0 && ttl > config.MaxTTL {
		return config.MaxTTL
	}
	return ttl
}

// ExpirationTime calculates the expiration time for a TTL starting at now.
// A zero TTL yields the zero time, meaning no expiration.
func ExpirationTime(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// IsExpired reports whether expiresAt has passed at now
func IsExpired(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false // Zero time means no expiration
	}
	return now.After(expiresAt)
}
