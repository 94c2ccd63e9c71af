package prefcache

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/gozephyr/prefcache/errors"
	"github.com/gozephyr/prefcache/value"
)

// maintState is the expiration manager state
type maintState int32

const (
	maintIdle maintState = iota
	maintScanning
	maintPurging
)

// String returns the state name
func (s maintState) String() string {
	switch s {
	case maintIdle:
		return "idle"
	case maintScanning:
		return "scanning"
	case maintPurging:
		return "purging"
	default:
		return "unknown"
	}
}

// maintenanceLoop runs one scan after the startup delay and then one per
// cleanup interval until stop is closed.
func (m *Manager) maintenanceLoop() {
	defer close(m.maintDone)

	timer := time.NewTimer(m.opts.StartupCleanupDelay)
	defer timer.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-timer.C:
			m.Cleanup(context.Background(), false)
			timer.Reset(m.opts.CleanupInterval)
		}
	}
}

// Cleanup removes expired and corrupt entries from the namespace and returns
// how many were removed. Unless force is set, it does nothing when the last
// run was less than one cleanup interval ago.
func (m *Manager) Cleanup(ctx context.Context, force bool) (removed int) {
	if m.closed.Load() {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Cleanup", "", r)
			removed = 0
		}
	}()
	return m.cleanup(ctx, force, false)
}

// cleanup implements Cleanup. inFlush is set when the caller already holds
// the coalescer's flush lock. Locks are always taken flush lock first, then
// maintMu.
func (m *Manager) cleanup(ctx context.Context, force, inFlush bool) (removed int) {
	if inFlush {
		return m.cleanupLocked(ctx, force)
	}
	m.writes.Exclusive(func() {
		removed = m.cleanupLocked(ctx, force)
	})
	return removed
}

// cleanupLocked scans and purges the namespace. The caller holds the flush lock.
func (m *Manager) cleanupLocked(ctx context.Context, force bool) int {
	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	now := m.clock.Now()
	if !force && !m.lastCleanup.IsZero() && now.Sub(m.lastCleanup) < m.opts.CleanupInterval {
		return 0
	}
	m.lastCleanup = now

	m.maintState.Store(int32(maintScanning))
	defer m.maintState.Store(int32(maintIdle))

	keys, err := m.adapter.Keys(ctx, m.opts.Prefix)
	if err != nil {
		m.metrics.RecordError()
		m.logger.Warn("cleanup scan failed", "error", err)
		return 0
	}

	var expired, corrupt []string
	for _, key := range keys {
		if _, staged := m.writes.Lookup(key); staged {
			continue
		}
		e, found, err := m.read(ctx, key)
		switch {
		case errors.IsCorrupt(err):
			corrupt = append(corrupt, key)
		case err != nil || !found:
		case e.Expired(now):
			expired = append(expired, key)
		}
	}

	m.maintState.Store(int32(maintPurging))
	for _, key := range corrupt {
		m.metrics.RecordError()
		m.removeLocked(ctx, key)
	}
	for _, key := range expired {
		if _, staged := m.writes.Lookup(key); staged {
			continue
		}
		if m.removeLocked(ctx, key) {
			m.metrics.RecordExpiration(1)
			m.emitEvent(EventExpiration, m.unprefix(key), value.Null())
		}
	}

	removed := len(expired) + len(corrupt)
	if removed > 0 {
		m.logger.Info("cleaned up expired items", "expired", len(expired), "corrupt", len(corrupt))
	}
	if m.cache.Len() > m.opts.ReadCacheTrimThreshold {
		m.cache.Clear()
	}
	m.metrics.UpdateCacheSize(m.cache.Len())
	m.updateUsage(ctx)
	return removed
}

// emergency relieves storage pressure after a rejected write: a forced
// cleanup, a cleared read cache and the removal of the oldest durable
// entries. It runs inside a flush.
func (m *Manager) emergency(ctx context.Context) int {
	m.logger.Warn("storage quota exceeded, performing cleanup")
	m.cleanup(ctx, true, true)
	m.cache.Clear()
	m.metrics.UpdateCacheSize(0)

	keys, err := m.adapter.DurableKeys(ctx, m.opts.Prefix)
	if err != nil {
		m.metrics.RecordError()
		m.logger.Warn("eviction scan failed", "error", err)
		return 0
	}

	type candidate struct {
		key     string
		created time.Time
	}
	candidates := make([]candidate, 0, len(keys))
	for _, key := range keys {
		e, found, err := m.read(ctx, key)
		if !found && err == nil {
			continue
		}
		// legacy and unreadable entries have a zero creation time and go first
		candidates = append(candidates, candidate{key: key, created: e.CreatedAt})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].created.Equal(candidates[j].created) {
			return candidates[i].created.Before(candidates[j].created)
		}
		return candidates[i].key < candidates[j].key
	})

	evicted := 0
	for _, c := range candidates {
		if evicted >= m.opts.EvictionBatchSize {
			break
		}
		if m.removeLocked(ctx, c.key) {
			evicted++
			m.emitEvent(EventEviction, m.unprefix(c.key), value.Null())
		}
	}
	m.metrics.RecordEviction(evicted)
	if evicted > 0 {
		m.logger.Info("evicted oldest items", "count", evicted)
	}
	return evicted
}

// Emergency relieves storage pressure immediately and returns how many
// entries were evicted.
func (m *Manager) Emergency(ctx context.Context) (evicted int) {
	if m.closed.Load() {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Emergency", "", r)
			evicted = 0
		}
	}()
	m.writes.Exclusive(func() {
		evicted = m.emergency(ctx)
	})
	return evicted
}

// removeLocked deletes a stored key without touching staged writes. Callers
// hold the coalescer's flush lock.
func (m *Manager) removeLocked(ctx context.Context, key string) bool {
	m.mutations.Add(1)
	m.cache.Invalidate(key)
	if err := m.adapter.Delete(ctx, key); err != nil {
		m.metrics.RecordError()
		m.logger.Warn("storage delete failed", "key", m.unprefix(key), "error", err)
		return false
	}
	return true
}

// updateUsage refreshes the size gauge and warns when usage is high
func (m *Manager) updateUsage(ctx context.Context) {
	usage, ok, err := m.adapter.Usage(ctx)
	if err != nil {
		m.logger.Warn("storage usage calculation failed", "error", err)
		return
	}
	if !ok {
		usage.Used = m.measure(ctx)
	}
	if usage.Quota <= 0 {
		usage.Quota = m.opts.EstimatedQuota
	}
	m.metrics.UpdateSize(usage.Used)

	if ratio := usage.Ratio(); ratio > m.opts.QuotaWarningThreshold {
		m.logger.Warn("storage usage high", "usage_percent", int(ratio*100+0.5), "used", usage.Used, "quota", usage.Quota)
	}
}

// measure sums key and value lengths under the namespace for backends that
// cannot report usage.
func (m *Manager) measure(ctx context.Context) int64 {
	keys, err := m.adapter.Keys(ctx, m.opts.Prefix)
	if err != nil {
		return 0
	}
	var total int64
	for _, key := range keys {
		if raw, ok, err := m.adapter.Get(ctx, key); err == nil && ok {
			total += int64(len(key) + len(raw))
		}
	}
	return total
}

func (m *Manager) unprefix(key string) string {
	return strings.TrimPrefix(key, m.opts.Prefix)
}
