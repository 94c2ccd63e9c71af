package prefcache

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gozephyr/prefcache/codec"
	"github.com/gozephyr/prefcache/errors"
	"github.com/gozephyr/prefcache/metrics"
	"github.com/gozephyr/prefcache/store"
)

// Backend names accepted by Config.Backend
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Config is the environment configuration of a manager and its backend.
type Config struct {
	Prefix                      string               `env:"PREFCACHE_PREFIX"                        envDefault:"site_"`
	MaxAge                      time.Duration        `env:"PREFCACHE_MAX_AGE"                       envDefault:"720h"`
	CompressionEnabled          bool                 `env:"PREFCACHE_COMPRESSION_ENABLED"           envDefault:"true"`
	CompressionAlgorithm        string               `env:"PREFCACHE_COMPRESSION_ALGORITHM"         envDefault:"s2"`
	QuotaWarningThreshold       float64              `env:"PREFCACHE_QUOTA_WARNING_THRESHOLD"       envDefault:"0.8"`
	EnablePerformanceMonitoring bool                 `env:"PREFCACHE_ENABLE_PERFORMANCE_MONITORING" envDefault:"true"`
	MetricsExporter             metrics.ExporterType `env:"PREFCACHE_METRICS_EXPORTER"              envDefault:"standard"`
	Backend                     string               `env:"PREFCACHE_BACKEND"                       envDefault:"memory"`
	Path                        string               `env:"PREFCACHE_PATH"`
	QuotaBytes                  int64                `env:"PREFCACHE_QUOTA_BYTES"                   envDefault:"5242880"`
	FlushInterval               time.Duration        `env:"PREFCACHE_FLUSH_INTERVAL"                envDefault:"1s"`
	CleanupInterval             time.Duration        `env:"PREFCACHE_CLEANUP_INTERVAL"              envDefault:"5m"`
	ReportInterval              time.Duration        `env:"PREFCACHE_REPORT_INTERVAL"               envDefault:"30s"`
	ReadCacheSize               int                  `env:"PREFCACHE_READ_CACHE_SIZE"               envDefault:"100"`

	// Registerer receives Prometheus collectors when MetricsExporter is
	// prometheus. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// LoadConfig reads configuration from the environment after loading the
// given dotenv files. Missing files are ignored; variables already set in the
// environment take precedence over file values.
func LoadConfig(files ...string) (Config, error) {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapError("Config", nil, fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidOption}, args...)...))
	}
	switch c.Backend {
	case BackendMemory:
	case BackendBolt, BackendSQLite, BackendFile:
		if strings.TrimSpace(c.Path) == "" {
			return invalid("backend %s requires a path", c.Backend)
		}
	default:
		return invalid("unknown backend %q", c.Backend)
	}
	switch c.MetricsExporter {
	case metrics.StandardExporter, metrics.PrometheusExporterType:
	default:
		return invalid("unknown metrics exporter %q", c.MetricsExporter)
	}
	if c.QuotaBytes < 0 {
		return invalid("negative quota")
	}
	if c.CompressionEnabled {
		if _, err := codec.ParseAlgorithm(c.CompressionAlgorithm); err != nil {
			return errors.WrapError("Config", nil, err)
		}
	}
	return nil
}

// Options converts the configuration into manager options
func (c Config) Options() ([]Option, error) {
	compression := codec.DefaultConfig()
	compression.Enabled = c.CompressionEnabled
	if c.CompressionEnabled {
		algorithm, err := codec.ParseAlgorithm(c.CompressionAlgorithm)
		if err != nil {
			return nil, errors.WrapError("Config", nil, err)
		}
		compression.Algorithm = algorithm
	}

	reg := c.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	recorder, err := metrics.NewRecorder(c.MetricsExporter, strings.TrimSuffix(c.Prefix, "_"), reg)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithPrefix(c.Prefix),
		WithMaxAge(c.MaxAge),
		WithCompression(compression),
		WithQuotaWarningThreshold(c.QuotaWarningThreshold),
		WithPerformanceMonitoring(c.EnablePerformanceMonitoring),
		WithFlushInterval(c.FlushInterval),
		WithCleanupInterval(c.CleanupInterval),
		WithReportInterval(c.ReportInterval),
		WithReadCacheSize(c.ReadCacheSize),
		WithMetrics(recorder),
	}
	if c.QuotaBytes > 0 {
		opts = append(opts, WithEstimatedQuota(c.QuotaBytes))
	}
	return opts, nil
}

// OpenBackend opens the backend named by the configuration
func (c Config) OpenBackend() (store.Backend, error) {
	storeOpts := []store.Option{store.WithQuota(c.QuotaBytes)}
	switch c.Backend {
	case BackendMemory:
		return store.NewMemory(storeOpts...)
	case BackendBolt:
		return store.OpenBolt(c.Path, storeOpts...)
	case BackendSQLite:
		return store.OpenSQLite(c.Path, storeOpts...)
	case BackendFile:
		return store.OpenFile(c.Path, storeOpts...)
	default:
		return nil, errors.WrapError("Config", nil, fmt.Errorf("%w: unknown backend %q", errors.ErrInvalidOption, c.Backend))
	}
}

// Open creates a manager over the backend named by cfg. The manager owns the
// backend and closes it on Close. Extra options are applied after the ones
// derived from cfg. A backend that cannot be opened is not fatal: the
// manager runs on process memory instead.
func Open(ctx context.Context, cfg Config, extra ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}

	backend, openErr := cfg.OpenBackend()
	if openErr != nil {
		backend = nil
	}
	m, err := New(ctx, backend, append(opts, extra...)...)
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, err
	}
	m.owned = true
	if openErr != nil {
		m.logger.Warn("storage backend could not be opened", "backend", cfg.Backend, "path", cfg.Path, "error", openErr)
	}
	return m, nil
}
