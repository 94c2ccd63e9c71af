package prefcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gozephyr/prefcache/errors"
	"github.com/gozephyr/prefcache/internal"
	"github.com/gozephyr/prefcache/store"
	"github.com/gozephyr/prefcache/value"
)

var epoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// newTestManager returns a manager whose flushes and cleanups only happen
// when the test asks for them.
func newTestManager(t *testing.T, backend store.Backend, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPerformanceMonitoring(false),
		WithFlushInterval(time.Hour),
		WithCleanupInterval(0),
	}
	m, err := New(context.Background(), backend, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newMemory(t *testing.T, opts ...store.Option) *store.Memory {
	t.Helper()
	mem, err := store.NewMemory(opts...)
	require.NoError(t, err)
	return mem
}

// countingBackend counts durable writes to namespaced keys
type countingBackend struct {
	*store.Memory
	writes atomic.Int64
}

func (c *countingBackend) Set(ctx context.Context, key, v string) error {
	if strings.HasPrefix(key, DefaultPrefix) {
		c.writes.Add(1)
	}
	return c.Memory.Set(ctx, key, v)
}

// fullBackend rejects every namespaced write for lack of space
type fullBackend struct {
	*store.Memory
	rejected atomic.Int64
}

func (f *fullBackend) Set(ctx context.Context, key, v string) error {
	if strings.HasPrefix(key, DefaultPrefix) {
		f.rejected.Add(1)
		return errors.WrapError("Set", key, errors.ErrQuotaExceeded)
	}
	return f.Memory.Set(ctx, key, v)
}

// failingBackend fails every operation
type failingBackend struct{}

var errDeviceGone = fmt.Errorf("%w: device gone", errors.ErrStoreError)

func (failingBackend) Name() string { return "failing" }

func (failingBackend) Get(context.Context, string) (string, bool, error) {
	return "", false, errDeviceGone
}

func (failingBackend) Set(context.Context, string, string) error { return errDeviceGone }

func (failingBackend) Delete(context.Context, string) error { return errDeviceGone }

func (failingBackend) Keys(context.Context, string) ([]string, error) { return nil, errDeviceGone }

func (failingBackend) Close() error { return nil }

func preferences() value.Value {
	return value.Object(value.NewMap().
		Set("volume", value.Number(0.8)).
		Set("muted", value.Bool(false)).
		Set("filters", value.List(value.String("hd"), value.String("new"))))
}

func TestManagerRoundTrip(t *testing.T) {
	mem := newMemory(t)
	m := newTestManager(t, mem)
	require.True(t, m.Available())

	require.True(t, m.Set("player", preferences()))
	require.True(t, preferences().Equal(m.Get("player", value.Null())), "staged value is readable")

	require.Equal(t, 1, m.Flush(context.Background()))
	raw, ok, err := mem.Get(context.Background(), "site_player")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, raw, `"__data"`)

	require.True(t, preferences().Equal(m.Get("player", value.Null())))
	require.True(t, value.String("fallback").Equal(m.Get("missing", value.String("fallback"))))
}

func TestManagerReadsFromStore(t *testing.T) {
	mem := newMemory(t)
	writer := newTestManager(t, mem)
	require.True(t, writer.Set("volume", value.Number(0.25)))
	writer.Flush(context.Background())

	reader := newTestManager(t, mem)
	require.True(t, value.Number(0.25).Equal(reader.Get("volume", value.Null())))
	require.True(t, value.Number(0.25).Equal(reader.Get("volume", value.Null())))

	snap := reader.Metrics()
	require.Equal(t, int64(2), snap.Reads)
	require.Equal(t, int64(1), snap.CacheHits)
	require.Equal(t, int64(1), snap.CacheMisses)
}

func TestManagerExpiration(t *testing.T) {
	clock := internal.NewManualClock(epoch)
	mem := newMemory(t)
	m := newTestManager(t, mem, WithClock(clock))

	require.True(t, m.Set("toast", value.Bool(true), WithExpiresIn(time.Millisecond)))
	require.True(t, m.Set("visited", value.Bool(true)))
	require.True(t, value.Bool(true).Equal(m.Get("toast", value.Null())))

	clock.Advance(2 * time.Millisecond)
	require.True(t, m.Get("toast", value.Null()).IsNull())
	require.Equal(t, []string{"visited"}, m.Keys())

	t.Run("flushed entries", func(t *testing.T) {
		require.True(t, m.Set("banner", value.String("x"), WithExpiresIn(time.Second)))
		m.Flush(context.Background())
		clock.Advance(2 * time.Second)

		require.NotContains(t, m.Keys(), "banner")
		require.True(t, m.Get("banner", value.Null()).IsNull())
		_, ok, err := mem.Get(context.Background(), "site_banner")
		require.NoError(t, err)
		require.False(t, ok, "expired entry removed on read")
		require.Positive(t, m.Metrics().Expirations)
	})
}

func TestManagerDefaultTTL(t *testing.T) {
	clock := internal.NewManualClock(epoch)
	m := newTestManager(t, newMemory(t), WithClock(clock))

	require.True(t, m.Set("default", value.Int(1)))
	require.True(t, m.Set("forever", value.Int(2), WithExpiresIn(0)))
	m.Flush(context.Background())

	clock.Advance(DefaultMaxAge - time.Hour)
	require.True(t, value.Int(1).Equal(m.Get("default", value.Null())))

	clock.Advance(2 * time.Hour)
	require.True(t, m.Get("default", value.Null()).IsNull())

	clock.Advance(1000 * 24 * time.Hour)
	require.True(t, value.Int(2).Equal(m.Get("forever", value.Null())))
}

func TestManagerSetRejects(t *testing.T) {
	m := newTestManager(t, newMemory(t))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		set  func() bool
	}{
		{"negative ttl", func() bool { return m.Set("k", value.Int(1), WithExpiresIn(-time.Second)) }},
		{"empty key", func() bool { return m.Set("", value.Int(1)) }},
		{"non-finite number", func() bool { return m.Set("k", value.Number(math.Inf(1))) }},
		{"canceled context", func() bool { return m.SetWithContext(canceled, "k", value.Int(1)) }},
		{"invalid utf-8 string", func() bool { return m.Set("k", value.String("caf\xe9")) }},
		{"invalid utf-8 object key", func() bool { return m.Set("k", value.Object(value.NewMap().Set("\xff", value.Int(1)))) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := m.Metrics().Errors
			require.False(t, tt.set())
			require.Equal(t, before+1, m.Metrics().Errors)
		})
	}
	require.False(t, m.Has("k"), "rejected writes stage nothing")
	require.Zero(t, m.writes.Pending())
}

func TestManagerRejectsKeysTheBackendCannotHold(t *testing.T) {
	files, err := store.OpenFile(filepath.Join(t.TempDir(), "entries"))
	require.NoError(t, err)
	m := newTestManager(t, files)

	long := strings.Repeat("k", 300)
	require.False(t, m.Set(long, value.Int(1)))
	require.False(t, m.Has(long))
	require.Equal(t, int64(1), m.Metrics().Errors)

	require.True(t, m.Set("theme", value.String("dark")))
	require.Equal(t, 1, m.Flush(context.Background()))
	require.Zero(t, m.Metrics().DegradedWrites)
}

func TestManagerValuesAreCopied(t *testing.T) {
	m := newTestManager(t, newMemory(t))

	settings := value.NewMap().Set("theme", value.String("dark"))
	require.True(t, m.Set("settings", value.Object(settings)))
	settings.Set("theme", value.String("light"))

	got, ok := m.Get("settings", value.Null()).AsMap()
	require.True(t, ok)
	got.Set("theme", value.String("solarized"))
	got.Set("extra", value.Int(1))

	want := value.Object(value.NewMap().Set("theme", value.String("dark")))
	require.True(t, want.Equal(m.Get("settings", value.Null())), "cached copy unchanged")
	m.Flush(context.Background())
	m.cache.Clear()
	require.True(t, want.Equal(m.Get("settings", value.Null())), "stored copy unchanged")
}

func TestManagerCoalescesWrites(t *testing.T) {
	backend := &countingBackend{Memory: newMemory(t)}
	m := newTestManager(t, backend)

	require.True(t, m.Set("position", value.Int(1)))
	require.True(t, m.Set("position", value.Int(2)))
	require.Equal(t, int64(0), backend.writes.Load())

	require.Equal(t, 1, m.Flush(context.Background()))
	require.Equal(t, int64(1), backend.writes.Load())

	reader := newTestManager(t, backend.Memory)
	require.True(t, value.Int(2).Equal(reader.Get("position", value.Null())))
}

func TestManagerFlushesOnTimer(t *testing.T) {
	backend := &countingBackend{Memory: newMemory(t)}
	m := newTestManager(t, backend, WithFlushInterval(20*time.Millisecond))

	for i := 1; i <= 5; i++ {
		require.True(t, m.Set("position", value.Int(int64(i))))
	}
	require.Eventually(t, func() bool {
		return backend.writes.Load() == 1 && m.writes.State() == stateIdle && m.Metrics().PendingWrites == 0
	}, time.Second, 5*time.Millisecond)
}

func TestManagerReadCacheBound(t *testing.T) {
	m := newTestManager(t, newMemory(t), WithReadCacheSize(3))
	for i := 0; i < 10; i++ {
		require.True(t, m.Set(fmt.Sprintf("k%d", i), value.Int(int64(i))))
	}
	m.Flush(context.Background())
	for i := 0; i < 10; i++ {
		require.True(t, value.Int(int64(i)).Equal(m.Get(fmt.Sprintf("k%d", i), value.Null())))
		require.LessOrEqual(t, m.cache.Len(), 3)
	}
	require.LessOrEqual(t, m.Metrics().CacheSize, int64(3))
}

func TestManagerQuotaExceeded(t *testing.T) {
	mem := newMemory(t)
	require.NoError(t, mem.Set(context.Background(), "site_legacy", `"stale"`))
	backend := &fullBackend{Memory: mem}
	m := newTestManager(t, backend)

	var mu sync.Mutex
	var events []Event
	m.OnEvent(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	require.NotPanics(t, func() {
		require.True(t, m.Set("volume", value.Number(0.5)))
		m.Flush(context.Background())
	})
	require.Equal(t, int64(2), backend.rejected.Load(), "one write and one retry")

	snap := m.Metrics()
	require.Equal(t, int64(1), snap.QuotaExceeded)
	require.Equal(t, int64(1), snap.DegradedWrites)
	require.Equal(t, int64(1), snap.Evictions)
	require.Positive(t, snap.Errors)

	_, ok, err := mem.Get(context.Background(), "site_legacy")
	require.NoError(t, err)
	require.False(t, ok, "emergency eviction removed the legacy entry")

	m.cache.Clear()
	require.True(t, value.Number(0.5).Equal(m.Get("volume", value.Null())), "degraded write still readable")
	require.Equal(t, []string{"volume"}, m.Keys())

	mu.Lock()
	defer mu.Unlock()
	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	require.Equal(t, []EventType{EventSet, EventEviction, EventDegraded}, types)
}

func TestManagerFallback(t *testing.T) {
	for name, backend := range map[string]store.Backend{
		"failing": failingBackend{},
		"nil":     nil,
	} {
		t.Run(name, func(t *testing.T) {
			m := newTestManager(t, backend)
			require.False(t, m.Available())
			require.False(t, m.Metrics().StorageAvailable)

			require.True(t, m.Set("volume", value.Number(0.5)))
			m.Flush(context.Background())
			m.cache.Clear()
			require.True(t, value.Number(0.5).Equal(m.Get("volume", value.Null())))
			require.True(t, m.Has("volume"))
			require.Equal(t, []string{"volume"}, m.Keys())
			require.True(t, m.Delete("volume"))
			require.False(t, m.Has("volume"))
			require.Zero(t, m.Metrics().Errors)
		})
	}
}

func TestManagerDeleteIdempotent(t *testing.T) {
	mem := newMemory(t)
	m := newTestManager(t, mem)

	require.True(t, m.Delete("missing"))

	require.True(t, m.Set("a", value.Int(1)))
	require.True(t, m.Delete("a"), "staged only")
	require.True(t, m.Get("a", value.Null()).IsNull())

	require.True(t, m.Set("b", value.Int(1)))
	m.Flush(context.Background())
	require.True(t, m.Delete("b"))
	require.True(t, m.Delete("b"))
	require.True(t, m.Get("b", value.Null()).IsNull())
	require.Zero(t, m.Flush(context.Background()), "deleted writes are not flushed")
	require.Zero(t, mem.Len())

	require.False(t, m.Delete(""))
}

func TestManagerPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	cfg := Config{
		Prefix:          "site_",
		MaxAge:          DefaultMaxAge,
		MetricsExporter: "standard",
		Backend:         BackendBolt,
		Path:            path,
		QuotaBytes:      1 << 20,
		FlushInterval:   time.Hour,
		ReadCacheSize:   10,
	}
	quiet := WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	first, err := Open(context.Background(), cfg, quiet)
	require.NoError(t, err)
	require.True(t, first.Available())
	require.True(t, first.Set("theme", value.String("dark")))
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), cfg, quiet)
	require.NoError(t, err)
	defer second.Close()
	require.True(t, value.String("dark").Equal(second.Get("theme", value.Null())))
}

func TestManagerCorruptEntrySelfHeals(t *testing.T) {
	mem := newMemory(t)
	m := newTestManager(t, mem)
	require.NoError(t, mem.Set(context.Background(), "site_broken", "{not json"))

	require.True(t, m.Has("broken"), "presence check does not decode")
	require.True(t, value.Int(7).Equal(m.Get("broken", value.Int(7))))
	require.False(t, m.Has("broken"))
	require.Positive(t, m.Metrics().Errors)
}

func TestManagerLegacyEntry(t *testing.T) {
	mem := newMemory(t)
	require.NoError(t, mem.Set(context.Background(), "site_volume", "0.3"))
	m := newTestManager(t, mem)

	require.True(t, value.Number(0.3).Equal(m.Get("volume", value.Null())))
	require.Equal(t, []string{"volume"}, m.Keys())
}

func TestManagerHasIgnoresExpiration(t *testing.T) {
	clock := internal.NewManualClock(epoch)
	m := newTestManager(t, newMemory(t), WithClock(clock))

	require.True(t, m.Set("k", value.Int(1), WithExpiresIn(time.Millisecond)))
	clock.Advance(time.Second)
	require.True(t, m.Has("k"))
	require.NotContains(t, m.Keys(), "k")
}

func TestManagerKeys(t *testing.T) {
	mem := newMemory(t)
	require.NoError(t, mem.Set(context.Background(), "other_key", `"x"`))
	m := newTestManager(t, mem)

	require.True(t, m.Set("b", value.Int(1)))
	require.True(t, m.Set("a", value.Int(1)))
	require.Equal(t, []string{"a", "b"}, m.Keys())

	m.Flush(context.Background())
	require.True(t, m.Set("c", value.Int(1)))
	require.True(t, m.Set("a", value.Int(2)))
	require.Equal(t, []string{"a", "b", "c"}, m.Keys())
}

func TestManagerClear(t *testing.T) {
	mem := newMemory(t)
	require.NoError(t, mem.Set(context.Background(), "other_key", `"x"`))
	m := newTestManager(t, mem)

	require.True(t, m.Set("a", value.Int(1)))
	require.True(t, m.Set("b", value.Int(2)))
	m.Flush(context.Background())
	require.True(t, m.Set("c", value.Int(3)))

	require.True(t, m.Clear())
	require.Empty(t, m.Keys())
	require.True(t, m.Get("a", value.Null()).IsNull())
	require.Zero(t, m.Flush(context.Background()))

	keys, err := mem.Keys(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []string{"other_key"}, keys)
}

func TestManagerClosed(t *testing.T) {
	mem := newMemory(t)
	m := newTestManager(t, mem)
	require.True(t, m.Set("a", value.Int(1)))
	require.NoError(t, m.Close())

	_, ok, err := mem.Get(context.Background(), "site_a")
	require.NoError(t, err)
	require.True(t, ok, "close flushes staged writes")

	require.False(t, m.Set("b", value.Int(1)))
	require.True(t, m.Get("a", value.Int(9)).Equal(value.Int(9)))
	require.False(t, m.Has("a"))
	require.Nil(t, m.Keys())
	require.False(t, m.Delete("a"))
	require.Zero(t, m.Flush(context.Background()))
	require.NoError(t, m.Close())
}

func TestManagerConcurrentAccess(t *testing.T) {
	m := newTestManager(t, newMemory(t), WithFlushInterval(time.Millisecond), WithReadCacheSize(8))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", i%16)
				switch i % 4 {
				case 0:
					m.Delete(key)
				case 1:
					m.Get(key, value.Null())
				default:
					m.Set(key, value.Int(int64(g*1000+i)))
				}
			}
		}(g)
	}
	wg.Wait()
	m.Flush(context.Background())
	require.Zero(t, m.Metrics().Errors)
	require.LessOrEqual(t, len(m.Keys()), 16)
}

func TestManagerResetMetrics(t *testing.T) {
	m := newTestManager(t, newMemory(t))
	require.True(t, m.Set("a", value.Int(1)))
	m.Get("a", value.Null())
	require.Positive(t, m.Metrics().Operations())

	m.ResetMetrics()
	snap := m.Metrics()
	require.Zero(t, snap.Operations())
	require.True(t, snap.StorageAvailable)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	_, err := New(context.Background(), newMemory(t), WithReadCacheSize(0))
	require.ErrorIs(t, err, errors.ErrInvalidOption)

	_, err = New(context.Background(), newMemory(t), WithMaxAge(-time.Second))
	require.ErrorIs(t, err, errors.ErrInvalidTTL)
}
