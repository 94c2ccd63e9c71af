package store

import (
	"fmt"
	"time"

	storeerrors "github.com/gozephyr/prefcache/errors"
)

// Default values for store options
const (
	DefaultQuota       = int64(5 * 1024 * 1024) // 5MB
	DefaultBucket      = "prefcache"
	DefaultOpenTimeout = time.Second
)

// Options represents backend configuration options
type Options struct {
	// Quota is the maximum sum of key and value lengths in bytes (0 means unlimited)
	Quota int64

	// Bucket names the bbolt bucket or SQLite table holding entries
	Bucket string

	// OpenTimeout bounds how long opening a file-backed store may wait for its lock
	OpenTimeout time.Duration
}

// NewOptions creates a new Options instance with default values
func NewOptions() *Options {
	return &Options{
		Bucket:      DefaultBucket,
		OpenTimeout: DefaultOpenTimeout,
	}
}

// Option is a function that configures backend options
type Option func(*Options) error

// WithQuota sets the capacity in bytes
func WithQuota(quota int64) Option {
	return func(o *Options) error {
		if quota < 0 {
			return fmt.Errorf("%w: quota cannot be negative", storeerrors.ErrInvalidOption)
		}
		o.Quota = quota
		return nil
	}
}

// WithBucket sets the bucket or table name
func WithBucket(name string) Option {
	return func(o *Options) error {
		if !validIdentifier(name) {
			return fmt.Errorf("%w: bucket name %q", storeerrors.ErrInvalidOption, name)
		}
		o.Bucket = name
		return nil
	}
}

// WithOpenTimeout sets the file lock timeout
func WithOpenTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d < 0 {
			return fmt.Errorf("%w: open timeout cannot be negative", storeerrors.ErrInvalidOption)
		}
		o.OpenTimeout = d
		return nil
	}
}

// Apply applies the given options to the Options struct
func (o *Options) Apply(opts ...Option) error {
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return err
		}
	}
	return nil
}

// validIdentifier accepts names safe to splice into SQL.
func validIdentifier(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
