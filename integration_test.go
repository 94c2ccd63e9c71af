package prefcache_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gozephyr/prefcache"
	"github.com/gozephyr/prefcache/store"
	"github.com/gozephyr/prefcache/value"
)

func quiet() prefcache.Option {
	return prefcache.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPreferencesLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dir := t.TempDir()
	for _, backend := range []string{prefcache.BackendBolt, prefcache.BackendSQLite, prefcache.BackendFile} {
		t.Run(backend, func(t *testing.T) {
			cfg := prefcache.Config{
				Prefix:               "player_",
				MaxAge:               time.Hour,
				CompressionEnabled:   true,
				CompressionAlgorithm: "zstd",
				MetricsExporter:      "standard",
				Backend:              backend,
				Path:                 filepath.Join(dir, backend),
				QuotaBytes:           1 << 20,
				FlushInterval:        5 * time.Millisecond,
				ReadCacheSize:        16,
			}

			m, err := prefcache.Open(ctx, cfg, quiet())
			require.NoError(t, err)
			require.True(t, m.Available())

			position := value.Object(value.NewMap().
				Set("episode", value.String("s01e04")).
				Set("seconds", value.Int(1312)))
			require.True(t, m.Set("position", position))
			require.True(t, m.Set("volume", value.Number(0.4)))
			require.True(t, m.Set("toast", value.Bool(true), prefcache.WithExpiresIn(time.Millisecond)))

			require.Eventually(t, func() bool {
				return m.Metrics().PendingWrites == 0
			}, time.Second, 5*time.Millisecond)
			time.Sleep(5 * time.Millisecond)
			require.Equal(t, []string{"position", "volume"}, m.Keys())
			require.NoError(t, m.Close())

			reopened, err := prefcache.Open(ctx, cfg, quiet())
			require.NoError(t, err)
			defer reopened.Close()

			require.True(t, position.Equal(reopened.Get("position", value.Null())))
			require.True(t, value.Number(0.4).Equal(reopened.Get("volume", value.Null())))
			require.True(t, reopened.Get("toast", value.Null()).IsNull())

			require.True(t, reopened.Delete("volume"))
			require.Equal(t, []string{"position"}, reopened.Keys())
		})
	}
}

func TestNamespacesShareBackend(t *testing.T) {
	ctx := context.Background()
	mem, err := store.NewMemory()
	require.NoError(t, err)

	site, err := prefcache.New(ctx, mem, quiet(), prefcache.WithPerformanceMonitoring(false))
	require.NoError(t, err)
	defer site.Close()
	player, err := prefcache.New(ctx, mem.View(), quiet(), prefcache.WithPrefix("player_"), prefcache.WithPerformanceMonitoring(false))
	require.NoError(t, err)
	defer player.Close()

	require.True(t, site.Set("theme", value.String("dark")))
	require.True(t, player.Set("theme", value.String("cinema")))
	site.Flush(ctx)
	player.Flush(ctx)

	require.True(t, site.Clear())
	require.Empty(t, site.Keys())
	require.Equal(t, []string{"theme"}, player.Keys())
	require.True(t, value.String("cinema").Equal(player.Get("theme", value.Null())))
}

func TestConcurrentPreferenceUpdates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs.db")
	db, err := store.OpenBolt(path)
	require.NoError(t, err)
	defer db.Close()

	m, err := prefcache.New(ctx, db, quiet(),
		prefcache.WithPerformanceMonitoring(false),
		prefcache.WithFlushInterval(time.Millisecond),
	)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m.Set("position", value.Int(int64(g*100+i)))
				m.Get("position", value.Null())
			}
		}(g)
	}
	wg.Wait()
	require.True(t, m.Set("position", value.Int(-1)))
	require.NoError(t, m.Close())

	reader, err := prefcache.New(ctx, db, quiet(), prefcache.WithPerformanceMonitoring(false))
	require.NoError(t, err)
	defer reader.Close()
	require.True(t, value.Int(-1).Equal(reader.Get("position", value.Null())))
	require.Zero(t, reader.Metrics().Errors)
}
