package prefcache

import (
	"context"

	"github.com/gozephyr/prefcache/value"
)

// Export returns every live entry in the namespace keyed without the prefix
func (m *Manager) Export() (out map[string]value.Value) {
	out = make(map[string]value.Value)
	if m.closed.Load() {
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Export", "", r)
			out = make(map[string]value.Value)
		}
	}()

	ctx := context.Background()
	for _, key := range m.liveKeys(ctx) {
		if e, ok := m.lookup(ctx, m.opts.Prefix+key); ok {
			out[key] = e.Value.Clone()
		}
	}
	return out
}

// Import writes every entry with the default TTL, flushes once and returns
// how many entries were accepted.
func (m *Manager) Import(entries map[string]value.Value) (imported int) {
	return m.ImportWithContext(context.Background(), entries)
}

// ImportWithContext is Import with a context
func (m *Manager) ImportWithContext(ctx context.Context, entries map[string]value.Value) (imported int) {
	if m.closed.Load() {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			m.recovered("Import", "", r)
		}
	}()

	for key, v := range entries {
		if m.SetWithContext(ctx, key, v) {
			imported++
		}
	}
	if imported > 0 {
		m.flush(ctx)
	}
	return imported
}
