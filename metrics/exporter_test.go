package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/gozephyr/prefcache/errors"
)

func TestNewRecorder(t *testing.T) {
	tests := []struct {
		name         string
		exporterType ExporterType
		wantType     any
	}{
		{"Standard Exporter", StandardExporter, &Collector{}},
		{"Default Exporter", "", &Collector{}},
		{"Prometheus Exporter", PrometheusExporterType, &PrometheusRecorder{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRecorder(tt.exporterType, "test-cache", prometheus.NewRegistry())
			require.NoError(t, err)
			require.IsType(t, tt.wantType, r)
		})
	}

	t.Run("Unknown Exporter", func(t *testing.T) {
		_, err := NewRecorder("statsd", "test-cache", nil)
		require.ErrorIs(t, err, errors.ErrInvalidOption)
	})
}

func TestPrometheusRecorder(t *testing.T) {
	registry := prometheus.NewRegistry()
	r, err := NewPrometheusRecorder("prefs", registry)
	require.NoError(t, err)

	r.RecordRead()
	r.RecordRead()
	r.RecordWrite()
	r.RecordDelete()
	r.RecordError()
	r.RecordCacheHit()
	r.RecordCacheMiss()
	r.RecordCompressionSavings(100)
	r.RecordEviction(10)
	r.RecordExpiration(2)
	r.RecordDegradedWrite()
	r.RecordQuotaExceeded()
	r.UpdateSize(2048)
	r.UpdateCacheSize(5)
	r.UpdatePending(1)
	r.SetAvailable(false)

	require.Equal(t, 2.0, testutil.ToFloat64(r.operations.WithLabelValues("read")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("write")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.cacheRequests.WithLabelValues("miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.errors))
	require.Equal(t, 100.0, testutil.ToFloat64(r.savings))
	require.Equal(t, 10.0, testutil.ToFloat64(r.evictions))
	require.Equal(t, 2048.0, testutil.ToFloat64(r.size))
	require.Equal(t, 0.0, testutil.ToFloat64(r.available))

	s := r.Snapshot()
	require.Equal(t, int64(2), s.Reads)
	require.Equal(t, int64(10), s.Evictions)
	require.False(t, s.StorageAvailable)

	count, err := testutil.GatherAndCount(registry)
	require.NoError(t, err)
	require.Positive(t, count)

	t.Run("Reset keeps Prometheus counters", func(t *testing.T) {
		r.Reset()
		require.Zero(t, r.Snapshot().Reads)
		require.Equal(t, 2.0, testutil.ToFloat64(r.operations.WithLabelValues("read")))
	})

	t.Run("Same name reuses registered metrics", func(t *testing.T) {
		again, err := NewPrometheusRecorder("prefs", registry)
		require.NoError(t, err)
		again.RecordError()
		require.Equal(t, 2.0, testutil.ToFloat64(r.errors))
	})

	t.Run("Distinct names coexist", func(t *testing.T) {
		other, err := NewPrometheusRecorder("other", registry)
		require.NoError(t, err)
		other.RecordError()
		require.Equal(t, 1.0, testutil.ToFloat64(other.errors))
	})

	t.Run("Unregistered", func(t *testing.T) {
		loose, err := NewPrometheusRecorder("loose", nil)
		require.NoError(t, err)
		require.NotPanics(t, loose.RecordRead)
	})
}
