// Package metrics provides functionality for collecting and reporting storage
// manager performance metrics.
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector tracks storage manager counters and gauges. All methods are safe
// for concurrent use and on a nil receiver.
type Collector struct {
	// Operation counters
	reads   atomic.Int64
	writes  atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64

	// Read cache counters
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	// Storage counters
	compressionSavings atomic.Int64
	evictions          atomic.Int64
	expirations        atomic.Int64
	degradedWrites     atomic.Int64
	quotaExceeded      atomic.Int64

	// Gauges
	totalSize   atomic.Int64
	cacheSize   atomic.Int64
	pending     atomic.Int64
	unavailable atomic.Bool

	lastOperation atomic.Int64 // unix nanoseconds
}

// Snapshot is a copy of the collector's values at one point in time
type Snapshot struct {
	Reads                   int64
	Writes                  int64
	Deletes                 int64
	Errors                  int64
	CacheHits               int64
	CacheMisses             int64
	CompressionSavingsBytes int64
	Evictions               int64
	Expirations             int64
	DegradedWrites          int64
	QuotaExceeded           int64

	TotalSizeBytes   int64
	CacheSize        int64
	PendingWrites    int64
	StorageAvailable bool

	LastOperationTime time.Time
}

// Operations returns the number of reads, writes and deletes
func (s Snapshot) Operations() int64 {
	return s.Reads + s.Writes + s.Deletes
}

// HitRate returns the read cache hit ratio
func (s Snapshot) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// ErrorRate returns errors per operation
func (s Snapshot) ErrorRate() float64 {
	ops := s.Operations()
	if ops == 0 {
		return 0
	}
	return float64(s.Errors) / float64(ops)
}

// NewCollector creates a new Collector
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) touch() {
	c.lastOperation.Store(time.Now().UnixNano())
}

// RecordRead records a read
func (c *Collector) RecordRead() {
	if c == nil {
		return
	}
	c.reads.Add(1)
	c.touch()
}

// RecordWrite records a write
func (c *Collector) RecordWrite() {
	if c == nil {
		return
	}
	c.writes.Add(1)
	c.touch()
}

// RecordDelete records a delete
func (c *Collector) RecordDelete() {
	if c == nil {
		return
	}
	c.deletes.Add(1)
	c.touch()
}

// RecordError records a failed operation
func (c *Collector) RecordError() {
	if c == nil {
		return
	}
	c.errors.Add(1)
}

// RecordCacheHit records a read served by the read cache
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Add(1)
}

// RecordCacheMiss records a read the read cache could not serve
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Add(1)
}

// RecordCompressionSavings adds bytes saved by compression
func (c *Collector) RecordCompressionSavings(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	c.compressionSavings.Add(bytes)
}

// RecordEviction records n entries removed to relieve storage pressure
func (c *Collector) RecordEviction(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.evictions.Add(int64(n))
}

// RecordExpiration records n expired entries removed
func (c *Collector) RecordExpiration(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.expirations.Add(int64(n))
}

// RecordDegradedWrite records a write kept in process memory only
func (c *Collector) RecordDegradedWrite() {
	if c == nil {
		return
	}
	c.degradedWrites.Add(1)
}

// RecordQuotaExceeded records a write rejected by the backend for capacity
func (c *Collector) RecordQuotaExceeded() {
	if c == nil {
		return
	}
	c.quotaExceeded.Add(1)
}

// UpdateSize sets the current backend usage in bytes
func (c *Collector) UpdateSize(bytes int64) {
	if c == nil {
		return
	}
	c.totalSize.Store(bytes)
}

// UpdateCacheSize sets the current read cache entry count
func (c *Collector) UpdateCacheSize(n int) {
	if c == nil {
		return
	}
	c.cacheSize.Store(int64(n))
}

// UpdatePending sets the current number of staged writes
func (c *Collector) UpdatePending(n int) {
	if c == nil {
		return
	}
	c.pending.Store(int64(n))
}

// SetAvailable records whether persistent storage is in use
func (c *Collector) SetAvailable(available bool) {
	if c == nil {
		return
	}
	c.unavailable.Store(!available)
}

// Snapshot returns a copy of current metrics
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	s := Snapshot{
		Reads:                   c.reads.Load(),
		Writes:                  c.writes.Load(),
		Deletes:                 c.deletes.Load(),
		Errors:                  c.errors.Load(),
		CacheHits:               c.cacheHits.Load(),
		CacheMisses:             c.cacheMisses.Load(),
		CompressionSavingsBytes: c.compressionSavings.Load(),
		Evictions:               c.evictions.Load(),
		Expirations:             c.expirations.Load(),
		DegradedWrites:          c.degradedWrites.Load(),
		QuotaExceeded:           c.quotaExceeded.Load(),
		TotalSizeBytes:          c.totalSize.Load(),
		CacheSize:               c.cacheSize.Load(),
		PendingWrites:           c.pending.Load(),
		StorageAvailable:        !c.unavailable.Load(),
	}
	if ns := c.lastOperation.Load(); ns != 0 {
		s.LastOperationTime = time.Unix(0, ns)
	}
	return s
}

// Reset sets every counter to zero. Gauges describe current state and are kept.
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.reads.Store(0)
	c.writes.Store(0)
	c.deletes.Store(0)
	c.errors.Store(0)
	c.cacheHits.Store(0)
	c.cacheMisses.Store(0)
	c.compressionSavings.Store(0)
	c.evictions.Store(0)
	c.expirations.Store(0)
	c.degradedWrites.Store(0)
	c.quotaExceeded.Store(0)
	c.lastOperation.Store(0)
}
