package metrics

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReporter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	c := NewCollector()
	r := NewReporter(c, logger, time.Hour)

	require.False(t, r.Report(), "nothing happened yet")

	c.RecordRead()
	c.RecordCacheHit()
	c.RecordCompressionSavings(2048)
	c.UpdateSize(3 * 1024 * 1024)
	require.True(t, r.Report())
	out := buf.String()
	require.Contains(t, out, "storage metrics")
	require.Contains(t, out, "operations=1")
	require.Contains(t, out, "hit_rate=100.00%")
	require.Contains(t, out, `compression_savings="2.0 KiB"`)
	require.Contains(t, out, `total_size="3.0 MiB"`)

	require.False(t, r.Report(), "no operations since the last report")
	c.RecordWrite()
	require.True(t, r.Report())
}

func TestReporterLifecycle(t *testing.T) {
	c := NewCollector()
	var buf bytes.Buffer
	r := NewReporter(c, slog.New(slog.NewTextHandler(&buf, nil)), 10*time.Millisecond)
	c.RecordRead()

	r.Start()
	r.Start()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.lastOps == 1
	}, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()

	// stopping a reporter that never started does not block
	NewReporter(c, nil, 0).Stop()
}
