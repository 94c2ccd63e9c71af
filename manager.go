// Package prefcache provides a namespaced, quota-aware key/value store for
// small application state such as user preferences. Writes are coalesced and
// flushed in the background, reads are served from a bounded read cache, and
// entries expire after a configurable time. When persistent storage is
// unavailable or full, the manager keeps working from process memory.
package prefcache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gozephyr/prefcache/codec"
	"github.com/gozephyr/prefcache/errors"
	"github.com/gozephyr/prefcache/internal"
	"github.com/gozephyr/prefcache/metrics"
	"github.com/gozephyr/prefcache/readcache"
	"github.com/gozephyr/prefcache/store"
	"github.com/gozephyr/prefcache/ttl"
	"github.com/gozephyr/prefcache/value"
)

// Manager is the storage facade. All methods are safe for concurrent use and
// never panic; failures surface as default return values, metrics and logs.
type Manager struct {
	opts    Options
	adapter *store.Adapter
	backend store.Backend
	owned   bool

	codec   *codec.Codec
	cache   *readcache.Cache[Entry]
	writes  *coalescer
	metrics metrics.Recorder
	logger  *slog.Logger
	clock   internal.Clock
	ttl     ttl.Config

	loads singleflight.Group
	// mutations changes on every write or removal so a slow cold read does
	// not cache a value that was replaced while it ran.
	mutations atomic.Uint64

	callbacks   []EventCallback
	callbacksMu sync.RWMutex

	maintMu     sync.Mutex
	maintState  atomic.Int32
	lastCleanup time.Time

	reporter    *metrics.Reporter
	cancelWatch func()
	stop        chan struct{}
	maintDone   chan struct{}
	closeOnce   sync.Once
	closed      atomic.Bool
}

// New creates a manager over backend. The backend is probed; when it is nil
// or fails the probe the manager runs on process memory for its lifetime.
// The caller keeps ownership of backend.
func New(ctx context.Context, backend store.Backend, opts ...Option) (*Manager, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	cdc, err := codec.New(options.Compression)
	if err != nil {
		return nil, err
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NewCollector()
	}
	if options.clock == nil {
		options.clock = internal.SystemClock{}
	}

	m := &Manager{
		opts:      options,
		backend:   backend,
		codec:     cdc,
		cache:     readcache.New[Entry](options.ReadCacheSize),
		metrics:   options.Metrics,
		logger:    options.Logger.With("component", "prefcache", "prefix", options.Prefix),
		clock:     options.clock,
		ttl:       ttl.Config{DefaultTTL: options.MaxAge},
		stop:      make(chan struct{}),
		maintDone: make(chan struct{}),
	}
	m.writes = newCoalescer(options.FlushInterval, m.writeThrough)
	m.writes.done = m.afterFlush

	m.adapter = store.NewAdapter(ctx, backend)
	m.metrics.SetAvailable(m.adapter.Available())
	if m.adapter.Available() {
		m.logger.Info("storage manager initialized", "backend", m.adapter.Name())
	} else {
		m.logger.Warn("persistent storage not available, using memory fallback", "error", m.adapter.ProbeError())
	}

	m.cancelWatch = m.adapter.Watch(m.onExternalChange)
	m.updateUsage(ctx)

	if options.CleanupInterval > 0 {
		go m.maintenanceLoop()
	} else {
		close(m.maintDone)
	}
	if options.EnablePerformanceMonitoring {
		m.reporter = metrics.NewReporter(m.metrics, m.logger, options.ReportInterval)
		m.reporter.Start()
	}
	return m, nil
}

// Get returns the value stored under key, or def when it is missing, expired
// or unreadable. The result is a copy the caller may modify.
func (m *Manager) Get(key string, def value.Value) value.Value {
	return m.GetWithContext(context.Background(), key, def)
}

// GetWithContext is Get with a context for backend I/O
func (m *Manager) GetWithContext(ctx context.Context, key string, def value.Value) (result value.Value) {
	if m.closed.Load() {
		return def
	}
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Get", key, r)
			result = def
		}
	}()

	if err := validateKey(key); err != nil {
		m.metrics.RecordError()
		return def
	}
	m.metrics.RecordRead()
	e, ok := m.lookup(ctx, m.opts.Prefix+key)
	if !ok {
		return def
	}
	return e.Value.Clone()
}

// lookup resolves a full key through the read cache, the staged writes and
// the backing store. Expired entries are removed on sight.
func (m *Manager) lookup(ctx context.Context, full string) (Entry, bool) {
	now := m.clock.Now()
	if e, ok := m.cache.Get(full); ok {
		if !e.Expired(now) {
			m.metrics.RecordCacheHit()
			return e, true
		}
		m.expire(ctx, full)
		return Entry{}, false
	}
	m.metrics.RecordCacheMiss()

	if w, ok := m.writes.Lookup(full); ok {
		if w.entry.Expired(now) {
			m.expire(ctx, full)
			return Entry{}, false
		}
		return w.entry, true
	}

	generation := m.mutations.Load()
	res, err, _ := m.loads.Do(full, func() (any, error) {
		e, found, err := m.read(ctx, full)
		return loadResult{entry: e, found: found}, err
	})
	if err != nil {
		m.metrics.RecordError()
		if errors.IsCorrupt(err) {
			m.logger.Warn("corrupt entry removed", "key", m.unprefix(full), "error", err)
			m.writes.Exclusive(func() {
				if _, staged := m.writes.Lookup(full); !staged {
					m.removeLocked(ctx, full)
				}
			})
		} else {
			m.logger.Warn("storage read failed", "key", m.unprefix(full), "error", err)
		}
		return Entry{}, false
	}

	loaded := res.(loadResult)
	if !loaded.found {
		return Entry{}, false
	}
	if loaded.entry.Expired(now) {
		m.expire(ctx, full)
		return Entry{}, false
	}
	if m.mutations.Load() == generation {
		m.cache.Put(full, loaded.entry)
		m.metrics.UpdateCacheSize(m.cache.Len())
	}
	return loaded.entry, true
}

type loadResult struct {
	entry Entry
	found bool
}

// read fetches and decodes a full key from the adapter
func (m *Manager) read(ctx context.Context, full string) (Entry, bool, error) {
	raw, ok, err := m.adapter.Get(ctx, full)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	v, err := m.codec.Decode(raw)
	if err != nil {
		return Entry{}, false, errors.Corrupt(m.unprefix(full), err)
	}
	return decodeEntry(v), true, nil
}

// expire removes an entry found expired, unless a newer write is staged
func (m *Manager) expire(ctx context.Context, full string) {
	removed := false
	m.writes.Exclusive(func() {
		if w, staged := m.writes.Lookup(full); staged {
			if !w.entry.Expired(m.clock.Now()) {
				return
			}
			m.writes.Drop(full)
		}
		removed = m.removeLocked(ctx, full)
	})
	m.metrics.UpdatePending(m.writes.Pending())
	m.metrics.UpdateCacheSize(m.cache.Len())
	if removed {
		m.metrics.RecordExpiration(1)
		m.emitEvent(EventExpiration, m.unprefix(full), value.Null())
	}
}

// Set stages v under key and returns whether it was accepted. The value is
// readable immediately and persisted on the next flush.
func (m *Manager) Set(key string, v value.Value, opts ...SetOption) bool {
	return m.SetWithContext(context.Background(), key, v, opts...)
}

// SetWithContext is Set with a context. A canceled context rejects the write.
func (m *Manager) SetWithContext(ctx context.Context, key string, v value.Value, opts ...SetOption) (ok bool) {
	if m.closed.Load() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Set", key, r)
			ok = false
		}
	}()

	m.metrics.RecordWrite()
	if err := m.set(ctx, key, v, opts...); err != nil {
		m.metrics.RecordError()
		m.logger.Warn("storage write rejected", "key", key, "error", err)
		return false
	}
	return true
}

func (m *Manager) set(ctx context.Context, key string, v value.Value, opts ...SetOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	var so setOptions
	for _, opt := range opts {
		opt(&so)
	}
	d, err := ttl.Resolve(so.expiresIn, m.ttl)
	if err != nil {
		return err
	}

	full := m.opts.Prefix + key
	if err := m.adapter.ValidateKey(full); err != nil {
		return err
	}

	now := m.clock.Now()
	e := Entry{Value: v.Clone(), CreatedAt: now, ExpiresAt: ttl.ExpirationTime(now, d)}
	enc, err := m.codec.Encode(e.envelope())
	if err != nil {
		return errors.WrapError("Set", key, err)
	}

	m.mutations.Add(1)
	m.cache.Put(full, e)
	m.writes.Stage(full, pendingWrite{entry: e, text: enc.Text, savings: enc.Savings()})
	m.metrics.UpdatePending(m.writes.Pending())
	m.metrics.UpdateCacheSize(m.cache.Len())
	m.emitEvent(EventSet, key, v)
	return nil
}

// writeThrough persists one flushed entry. A write rejected for capacity
// triggers an emergency eviction and one retry; a write that still fails is
// kept in process memory only.
func (m *Manager) writeThrough(ctx context.Context, key string, w pendingWrite) {
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Flush", m.unprefix(key), r)
		}
	}()

	err := m.adapter.Set(ctx, key, w.text)
	if err != nil && errors.IsQuotaExceeded(err) {
		m.metrics.RecordQuotaExceeded()
		m.emergency(ctx)
		err = m.adapter.Set(ctx, key, w.text)
	}
	if err == nil {
		m.metrics.RecordCompressionSavings(int64(w.savings))
		return
	}

	m.metrics.RecordError()
	m.metrics.RecordDegradedWrite()
	m.logger.Warn("write kept in memory only", "key", m.unprefix(key), "error", err)
	if verr := m.adapter.SetVolatile(ctx, key, w.text); verr != nil {
		m.logger.Error("volatile write failed", "key", m.unprefix(key), "error", verr)
		return
	}
	m.emitEvent(EventDegraded, m.unprefix(key), w.entry.Value)
}

// Delete removes key. Deleting a missing key succeeds.
func (m *Manager) Delete(key string) bool {
	return m.DeleteWithContext(context.Background(), key)
}

// DeleteWithContext is Delete with a context for backend I/O
func (m *Manager) DeleteWithContext(ctx context.Context, key string) (ok bool) {
	if m.closed.Load() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Delete", key, r)
			ok = false
		}
	}()

	if err := validateKey(key); err != nil {
		m.metrics.RecordError()
		return false
	}
	m.metrics.RecordDelete()
	full := m.opts.Prefix + key
	m.writes.Exclusive(func() {
		m.writes.Drop(full)
		ok = m.removeLocked(ctx, full)
	})
	m.metrics.UpdatePending(m.writes.Pending())
	m.metrics.UpdateCacheSize(m.cache.Len())
	if ok {
		m.emitEvent(EventDelete, key, value.Null())
	}
	return ok
}

// Has reports whether key is staged or stored, without decoding it. It does
// not check expiration.
func (m *Manager) Has(key string) (ok bool) {
	if m.closed.Load() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Has", key, r)
			ok = false
		}
	}()

	full := m.opts.Prefix + key
	if _, staged := m.writes.Lookup(full); staged {
		return true
	}
	_, found, err := m.adapter.Get(context.Background(), full)
	if err != nil {
		m.metrics.RecordError()
		return false
	}
	return found
}

// Keys returns every live key in the namespace, prefix removed, sorted
func (m *Manager) Keys() (keys []string) {
	if m.closed.Load() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Keys", "", r)
			keys = nil
		}
	}()
	return m.liveKeys(context.Background())
}

func (m *Manager) liveKeys(ctx context.Context) []string {
	stored, err := m.adapter.Keys(ctx, m.opts.Prefix)
	if err != nil {
		m.metrics.RecordError()
		m.logger.Warn("storage enumeration failed", "error", err)
	}

	seen := make(map[string]struct{}, len(stored))
	now := m.clock.Now()
	for _, full := range append(stored, m.writes.Keys()...) {
		if _, dup := seen[full]; dup || !strings.HasPrefix(full, m.opts.Prefix) {
			continue
		}
		seen[full] = struct{}{}
	}

	keys := make([]string, 0, len(seen))
	for full := range seen {
		if m.expiredOrUnreadable(ctx, full, now) {
			continue
		}
		keys = append(keys, m.unprefix(full))
	}
	sort.Strings(keys)
	return keys
}

// expiredOrUnreadable checks a key without changing any state
func (m *Manager) expiredOrUnreadable(ctx context.Context, full string, now time.Time) bool {
	if w, ok := m.writes.Lookup(full); ok {
		return w.entry.Expired(now)
	}
	if e, ok := m.cache.Get(full); ok {
		return e.Expired(now)
	}
	e, found, err := m.read(ctx, full)
	return err != nil || !found || e.Expired(now)
}

// Clear removes every key in the namespace, including staged writes
func (m *Manager) Clear() (ok bool) {
	if m.closed.Load() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Clear", "", r)
			ok = false
		}
	}()

	ctx := context.Background()
	ok = true
	m.writes.Exclusive(func() {
		m.writes.Discard()
		keys, err := m.adapter.Keys(ctx, m.opts.Prefix)
		if err != nil {
			m.metrics.RecordError()
			m.logger.Warn("storage enumeration failed", "error", err)
			ok = false
		}
		for _, full := range keys {
			m.metrics.RecordDelete()
			if !m.removeLocked(ctx, full) {
				ok = false
			}
		}
		m.mutations.Add(1)
		m.cache.Clear()
	})
	m.metrics.UpdatePending(0)
	m.metrics.UpdateCacheSize(0)
	m.updateUsage(ctx)
	return ok
}

// Flush writes every staged entry now and returns how many were written
func (m *Manager) Flush(ctx context.Context) (n int) {
	if m.closed.Load() {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Flush", "", r)
			n = 0
		}
	}()
	return m.flush(ctx)
}

func (m *Manager) flush(ctx context.Context) int {
	return m.writes.Flush(ctx)
}

// afterFlush refreshes gauges once a batch has been written
func (m *Manager) afterFlush(ctx context.Context, written int) {
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Flush", "", r)
		}
	}()
	m.metrics.UpdatePending(m.writes.Pending())
	if written > 0 {
		m.updateUsage(ctx)
	}
}

// Metrics returns a snapshot of the manager's metrics
func (m *Manager) Metrics() metrics.Snapshot {
	return m.metrics.Snapshot()
}

// ResetMetrics sets every counter to zero
func (m *Manager) ResetMetrics() {
	m.metrics.Reset()
}

// Available reports whether persistent storage is in use
func (m *Manager) Available() bool {
	return m.adapter.Available()
}

// Close flushes staged writes, runs a final cleanup and stops background
// work. A backend opened by Open is closed too. Close is idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.stop)
		<-m.maintDone
		if m.reporter != nil {
			m.reporter.Stop()
		}
		m.cancelWatch()
		m.writes.Stop()

		err = m.teardown(context.Background())
	})
	return err
}

func (m *Manager) teardown(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Close", "", r)
		}
	}()
	m.flush(ctx)
	m.cleanup(ctx, false, false)
	if m.owned && m.backend != nil {
		if cerr := m.backend.Close(); cerr != nil {
			return errors.WrapError("Close", nil, fmt.Errorf("%w: %v", errors.ErrStoreError, cerr))
		}
	}
	return nil
}

// onExternalChange handles a change made by another owner of the backend
func (m *Manager) onExternalChange(c store.Change) {
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Watch", c.Key, r)
		}
	}()
	if m.closed.Load() || !strings.HasPrefix(c.Key, m.opts.Prefix) {
		return
	}
	m.mutations.Add(1)
	m.cache.Invalidate(c.Key)

	v := value.Null()
	if c.Op == store.ChangeSet {
		if decoded, err := m.codec.Decode(c.NewValue); err == nil {
			v = decodeEntry(decoded).Value
		}
	}
	m.emitEvent(EventExternalChange, m.unprefix(c.Key), v)
}

// recovered records a panic caught at the API boundary
func (m *Manager) recovered(op, key string, r any) {
	m.metrics.RecordError()
	m.logger.Error("recovered from panic", "op", op, "key", key, "panic", r)
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapError("Validate", key, errors.ErrInvalidKey)
	}
	return nil
}
