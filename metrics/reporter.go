package metrics

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultReportInterval is the reporting period used when none is configured
const DefaultReportInterval = 30 * time.Second

// Reporter periodically logs a metrics snapshot. Reports are skipped while no
// operation has happened since the previous one.
type Reporter struct {
	source   Recorder
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	lastOps int64

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewReporter creates a reporter over source. A nil logger uses slog.Default.
func NewReporter(source Recorder, logger *slog.Logger, interval time.Duration) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &Reporter{
		source:   source,
		logger:   logger,
		interval: interval,
		lastOps:  -1,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the reporting goroutine
func (r *Reporter) Start() {
	r.startOnce.Do(func() {
		go r.run()
	})
}

func (r *Reporter) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// Stop halts reporting and waits for the goroutine to exit
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		started := true
		r.startOnce.Do(func() { started = false })
		if started {
			<-r.done
		}
	})
}

// Report logs the current snapshot if any operation happened since the last
// report. It returns whether a report was written.
func (r *Reporter) Report() bool {
	s := r.source.Snapshot()
	ops := s.Operations()

	r.mu.Lock()
	if ops == 0 || ops == r.lastOps {
		r.mu.Unlock()
		return false
	}
	r.lastOps = ops
	r.mu.Unlock()

	r.logger.Info("storage metrics",
		"operations", ops,
		"reads", s.Reads,
		"writes", s.Writes,
		"deletes", s.Deletes,
		"hit_rate", percent(s.HitRate()),
		"error_rate", percent(s.ErrorRate()),
		"compression_savings", humanize.IBytes(nonNegative(s.CompressionSavingsBytes)),
		"total_size", humanize.IBytes(nonNegative(s.TotalSizeBytes)),
		"cache_size", s.CacheSize,
		"pending_writes", s.PendingWrites,
		"storage_available", s.StorageAvailable,
	)
	return true
}

func percent(ratio float64) string {
	return fmt.Sprintf("%.2f%%", ratio*100)
}

func nonNegative(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
