package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	storeerrors "github.com/gozephyr/prefcache/errors"
)

// ExporterType defines the type of metrics exporter
type ExporterType string

const (
	// StandardExporter keeps metrics in process only
	StandardExporter ExporterType = "standard"
	// PrometheusExporterType mirrors metrics into Prometheus collectors
	PrometheusExporterType ExporterType = "prometheus"
)

// Recorder defines the interface the storage manager records metrics through
type Recorder interface {
	RecordRead()
	RecordWrite()
	RecordDelete()
	RecordError()
	RecordCacheHit()
	RecordCacheMiss()
	RecordCompressionSavings(bytes int64)
	RecordEviction(n int)
	RecordExpiration(n int)
	RecordDegradedWrite()
	RecordQuotaExceeded()
	UpdateSize(bytes int64)
	UpdateCacheSize(n int)
	UpdatePending(n int)
	SetAvailable(available bool)
	// Snapshot returns a thread-safe copy of current metrics
	Snapshot() Snapshot
	// Reset resets all counters to zero
	Reset()
}

var _ Recorder = (*Collector)(nil)
var _ Recorder = (*PrometheusRecorder)(nil)

// PrometheusRecorder implements Recorder on a Collector and mirrors every
// update into Prometheus metrics.
type PrometheusRecorder struct {
	*Collector

	operations    *prometheus.CounterVec
	cacheRequests *prometheus.CounterVec
	errors        prometheus.Counter
	savings       prometheus.Counter
	evictions     prometheus.Counter
	expirations   prometheus.Counter
	degraded      prometheus.Counter
	quota         prometheus.Counter
	size          prometheus.Gauge
	cacheSize     prometheus.Gauge
	pending       prometheus.Gauge
	available     prometheus.Gauge
}

// NewPrometheusRecorder creates a recorder whose metrics carry the label
// cache=name and are registered on reg. A nil reg leaves them unregistered.
// Metrics already registered by an earlier recorder with the same name are
// reused.
func NewPrometheusRecorder(name string, reg prometheus.Registerer) (*PrometheusRecorder, error) {
	labels := prometheus.Labels{"service": "prefcache", "cache": name}
	counter := func(metric, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prefcache", Name: metric, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(metric, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "prefcache", Name: metric, Help: help, ConstLabels: labels,
		})
	}

	r := &PrometheusRecorder{
		Collector: NewCollector(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prefcache", Name: "operations_total",
			Help: "Total number of storage operations", ConstLabels: labels,
		}, []string{"op"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prefcache", Name: "read_cache_requests_total",
			Help: "Total number of read cache lookups", ConstLabels: labels,
		}, []string{"result"}),
		errors:      counter("errors_total", "Total number of failed operations"),
		savings:     counter("compression_savings_bytes_total", "Total bytes saved by compression"),
		evictions:   counter("evictions_total", "Total number of entries evicted under storage pressure"),
		expirations: counter("expirations_total", "Total number of expired entries removed"),
		degraded:    counter("degraded_writes_total", "Total number of writes kept in memory only"),
		quota:       counter("quota_exceeded_total", "Total number of writes rejected for capacity"),
		size:        gauge("size_bytes", "Current backend usage in bytes"),
		cacheSize:   gauge("read_cache_entries", "Current number of read cache entries"),
		pending:     gauge("pending_writes", "Current number of staged writes"),
		available:   gauge("storage_available", "Whether persistent storage is in use"),
	}
	r.available.Set(1)

	if reg == nil {
		return r, nil
	}
	var err error
	if r.operations, err = register(reg, r.operations); err != nil {
		return nil, err
	}
	if r.cacheRequests, err = register(reg, r.cacheRequests); err != nil {
		return nil, err
	}
	for _, c := range []*prometheus.Counter{&r.errors, &r.savings, &r.evictions, &r.expirations, &r.degraded, &r.quota} {
		if *c, err = register(reg, *c); err != nil {
			return nil, err
		}
	}
	for _, g := range []*prometheus.Gauge{&r.size, &r.cacheSize, &r.pending, &r.available} {
		if *g, err = register(reg, *g); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// register registers c on reg, returning the already registered collector
// when an identical one exists.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, storeerrors.WrapError("Register", nil, fmt.Errorf("%w: %v", storeerrors.ErrInvalidOption, err))
	}
	return c, nil
}

// RecordRead implements Recorder
func (r *PrometheusRecorder) RecordRead() {
	r.Collector.RecordRead()
	r.operations.WithLabelValues("read").Inc()
}

// RecordWrite implements Recorder
func (r *PrometheusRecorder) RecordWrite() {
	r.Collector.RecordWrite()
	r.operations.WithLabelValues("write").Inc()
}

// RecordDelete implements Recorder
func (r *PrometheusRecorder) RecordDelete() {
	r.Collector.RecordDelete()
	r.operations.WithLabelValues("delete").Inc()
}

// RecordError implements Recorder
func (r *PrometheusRecorder) RecordError() {
	r.Collector.RecordError()
	r.errors.Inc()
}

// RecordCacheHit implements Recorder
func (r *PrometheusRecorder) RecordCacheHit() {
	r.Collector.RecordCacheHit()
	r.cacheRequests.WithLabelValues("hit").Inc()
}

// RecordCacheMiss implements Recorder
func (r *PrometheusRecorder) RecordCacheMiss() {
	r.Collector.RecordCacheMiss()
	r.cacheRequests.WithLabelValues("miss").Inc()
}

// RecordCompressionSavings implements Recorder
func (r *PrometheusRecorder) RecordCompressionSavings(bytes int64) {
	if bytes <= 0 {
		return
	}
	r.Collector.RecordCompressionSavings(bytes)
	r.savings.Add(float64(bytes))
}

// RecordEviction implements Recorder
func (r *PrometheusRecorder) RecordEviction(n int) {
	if n <= 0 {
		return
	}
	r.Collector.RecordEviction(n)
	r.evictions.Add(float64(n))
}

// RecordExpiration implements Recorder
func (r *PrometheusRecorder) RecordExpiration(n int) {
	if n <= 0 {
		return
	}
	r.Collector.RecordExpiration(n)
	r.expirations.Add(float64(n))
}

// RecordDegradedWrite implements Recorder
func (r *PrometheusRecorder) RecordDegradedWrite() {
	r.Collector.RecordDegradedWrite()
	r.degraded.Inc()
}

// RecordQuotaExceeded implements Recorder
func (r *PrometheusRecorder) RecordQuotaExceeded() {
	r.Collector.RecordQuotaExceeded()
	r.quota.Inc()
}

// UpdateSize implements Recorder
func (r *PrometheusRecorder) UpdateSize(bytes int64) {
	r.Collector.UpdateSize(bytes)
	r.size.Set(float64(bytes))
}

// UpdateCacheSize implements Recorder
func (r *PrometheusRecorder) UpdateCacheSize(n int) {
	r.Collector.UpdateCacheSize(n)
	r.cacheSize.Set(float64(n))
}

// UpdatePending implements Recorder
func (r *PrometheusRecorder) UpdatePending(n int) {
	r.Collector.UpdatePending(n)
	r.pending.Set(float64(n))
}

// SetAvailable implements Recorder
func (r *PrometheusRecorder) SetAvailable(available bool) {
	r.Collector.SetAvailable(available)
	if available {
		r.available.Set(1)
	} else {
		r.available.Set(0)
	}
}

// Reset implements Recorder. Prometheus counters are cumulative and are not reset.
func (r *PrometheusRecorder) Reset() {
	r.Collector.Reset()
}

// NewRecorder creates a recorder of the given type. reg is used by the
// Prometheus exporter only.
func NewRecorder(exporterType ExporterType, name string, reg prometheus.Registerer) (Recorder, error) {
	switch exporterType {
	case PrometheusExporterType:
		return NewPrometheusRecorder(name, reg)
	case StandardExporter, "":
		return NewCollector(), nil
	default:
		return nil, storeerrors.WrapError("NewRecorder", string(exporterType),
			fmt.Errorf("%w: unknown exporter type", storeerrors.ErrInvalidOption))
	}
}
