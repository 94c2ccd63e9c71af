package prefcache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gozephyr/prefcache/codec"
	"github.com/gozephyr/prefcache/errors"
	"github.com/gozephyr/prefcache/internal"
	"github.com/gozephyr/prefcache/metrics"
	"github.com/gozephyr/prefcache/readcache"
	"github.com/gozephyr/prefcache/store"
)

// Default values for manager options
const (
	DefaultPrefix                 = "site_"
	DefaultMaxAge                 = 30 * 24 * time.Hour
	DefaultQuotaWarningThreshold  = 0.8
	DefaultEstimatedQuota         = store.DefaultQuota
	DefaultFlushInterval          = time.Second
	DefaultCleanupInterval        = 5 * time.Minute
	DefaultStartupCleanupDelay    = 5 * time.Second
	DefaultReadCacheTrimThreshold = 50
	DefaultEvictionBatchSize      = 10
)

// Options represents storage manager configuration options
type Options struct {
	// Prefix namespaces every key in the backing store
	Prefix string

	// MaxAge is the TTL applied when a write does not request one. Zero means never expire.
	MaxAge time.Duration

	// Compression configures the value codec
	Compression codec.Config

	// QuotaWarningThreshold is the usage ratio above which a warning is logged
	QuotaWarningThreshold float64

	// EstimatedQuota is assumed when the backend does not report a quota
	EstimatedQuota int64

	// EnablePerformanceMonitoring starts the periodic metrics reporter
	EnablePerformanceMonitoring bool

	// FlushInterval is the write coalescing window
	FlushInterval time.Duration

	// CleanupInterval is the period of expiration scans. Zero disables them.
	CleanupInterval time.Duration

	// StartupCleanupDelay is when the first expiration scan runs after construction
	StartupCleanupDelay time.Duration

	// ReportInterval is the period of the metrics reporter
	ReportInterval time.Duration

	// ReadCacheSize bounds the number of decoded entries kept in memory
	ReadCacheSize int

	// ReadCacheTrimThreshold clears the read cache after a scan when it holds more entries
	ReadCacheTrimThreshold int

	// EvictionBatchSize is the number of oldest entries removed per quota failure
	EvictionBatchSize int

	// Logger receives diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics receives counters. Defaults to a new metrics.Collector.
	Metrics metrics.Recorder

	clock internal.Clock
}

// Option is a function that configures manager options
type Option func(*Options)

// DefaultOptions returns the default manager options
func DefaultOptions() Options {
	return Options{
		Prefix:                      DefaultPrefix,
		MaxAge:                      DefaultMaxAge,
		Compression:                 codec.DefaultConfig(),
		QuotaWarningThreshold:       DefaultQuotaWarningThreshold,
		EstimatedQuota:              DefaultEstimatedQuota,
		EnablePerformanceMonitoring: true,
		FlushInterval:               DefaultFlushInterval,
		CleanupInterval:             DefaultCleanupInterval,
		StartupCleanupDelay:         DefaultStartupCleanupDelay,
		ReportInterval:              metrics.DefaultReportInterval,
		ReadCacheSize:               readcache.DefaultSize,
		ReadCacheTrimThreshold:      DefaultReadCacheTrimThreshold,
		EvictionBatchSize:           DefaultEvictionBatchSize,
	}
}

// WithPrefix sets the key namespace
func WithPrefix(prefix string) Option {
	return func(o *Options) {
		o.Prefix = prefix
	}
}

// WithMaxAge sets the default TTL
func WithMaxAge(maxAge time.Duration) Option {
	return func(o *Options) {
		o.MaxAge = maxAge
	}
}

// WithCompression sets the codec configuration
func WithCompression(config codec.Config) Option {
	return func(o *Options) {
		o.Compression = config
	}
}

// WithCompressionEnabled turns compression on or off
func WithCompressionEnabled(enabled bool) Option {
	return func(o *Options) {
		o.Compression.Enabled = enabled
	}
}

// WithQuotaWarningThreshold sets the usage ratio that triggers a warning
func WithQuotaWarningThreshold(threshold float64) Option {
	return func(o *Options) {
		o.QuotaWarningThreshold = threshold
	}
}

// WithEstimatedQuota sets the quota assumed for backends that report none
func WithEstimatedQuota(bytes int64) Option {
	return func(o *Options) {
		o.EstimatedQuota = bytes
	}
}

// WithPerformanceMonitoring enables the periodic metrics reporter
func WithPerformanceMonitoring(enabled bool) Option {
	return func(o *Options) {
		o.EnablePerformanceMonitoring = enabled
	}
}

// WithFlushInterval sets the write coalescing window
func WithFlushInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.FlushInterval = interval
	}
}

// WithCleanupInterval sets the expiration scan period
func WithCleanupInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.CleanupInterval = interval
	}
}

// WithStartupCleanupDelay sets when the first expiration scan runs
func WithStartupCleanupDelay(delay time.Duration) Option {
	return func(o *Options) {
		o.StartupCleanupDelay = delay
	}
}

// WithReportInterval sets the metrics reporting period
func WithReportInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.ReportInterval = interval
	}
}

// WithReadCacheSize sets the read cache bound
func WithReadCacheSize(size int) Option {
	return func(o *Options) {
		o.ReadCacheSize = size
	}
}

// WithEvictionBatchSize sets how many entries one quota failure evicts
func WithEvictionBatchSize(n int) Option {
	return func(o *Options) {
		o.EvictionBatchSize = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder metrics.Recorder) Option {
	return func(o *Options) {
		o.Metrics = recorder
	}
}

// WithClock sets the time source used for expiration
func WithClock(clock interface{ Now() time.Time }) Option {
	return func(o *Options) {
		o.clock = clock
	}
}

// Validate checks the options for consistency
func (o Options) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapError("Validate", nil, fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidOption}, args...)...))
	}
	switch {
	case o.MaxAge < 0:
		return errors.WrapError("Validate", nil, errors.ErrInvalidTTL)
	case o.QuotaWarningThreshold < 0 || o.QuotaWarningThreshold > 1:
		return invalid("quota warning threshold %v outside [0,1]", o.QuotaWarningThreshold)
	case o.EstimatedQuota <= 0:
		return invalid("estimated quota must be positive")
	case o.FlushInterval <= 0:
		return invalid("flush interval must be positive")
	case o.CleanupInterval < 0 || o.StartupCleanupDelay < 0 || o.ReportInterval < 0:
		return invalid("intervals cannot be negative")
	case o.ReadCacheSize < 1:
		return invalid("read cache size must be at least 1")
	case o.ReadCacheTrimThreshold < 0:
		return invalid("read cache trim threshold cannot be negative")
	case o.EvictionBatchSize < 1:
		return invalid("eviction batch size must be at least 1")
	}
	return o.Compression.Validate()
}

// setOptions holds per-write options
type setOptions struct {
	expiresIn *time.Duration
}

// SetOption configures a single write
type SetOption func(*setOptions)

// WithExpiresIn sets the TTL of a write. Zero means the value never expires;
// a negative duration makes the write fail.
func WithExpiresIn(d time.Duration) SetOption {
	return func(o *setOptions) {
		o.expiresIn = &d
	}
}
