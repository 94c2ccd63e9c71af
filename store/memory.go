package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/gozephyr/prefcache/errors"
)

// memoryData is shared by every view of one Memory backend.
type memoryData struct {
	mu       sync.RWMutex
	items    map[string]string
	used     int64
	quota    int64
	views    uint64
	watchers map[uint64]memoryWatcher
	nextID   uint64
}

type memoryWatcher struct {
	view uint64
	fn   func(Change)
}

// Memory is a process-local backend. It serves as the fallback when
// persistent storage is unavailable, and as a shared host store: views
// created with View behave like independent owners of the same data.
type Memory struct {
	data *memoryData
	view uint64
}

// NewMemory creates a new memory backend. Only WithQuota applies.
func NewMemory(opts ...Option) (*Memory, error) {
	options := NewOptions()
	if err := options.Apply(opts...); err != nil {
		return nil, err
	}
	return &Memory{
		data: &memoryData{
			items:    make(map[string]string),
			quota:    options.Quota,
			watchers: make(map[uint64]memoryWatcher),
		},
	}, nil
}

// View returns another handle on the same data. Watchers registered through
// a view are told about changes made through every other handle.
func (m *Memory) View() *Memory {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	m.data.views++
	return &Memory{data: m.data, view: m.data.views}
}

// Name implements Backend
func (m *Memory) Name() string {
	return "memory"
}

// Get implements Backend
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	v, ok := m.data.items[key]
	return v, ok, nil
}

// Set implements Backend
func (m *Memory) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.data.mu.Lock()
	old, existed := m.data.items[key]
	delta := entrySize(key, value)
	if existed {
		delta -= entrySize(key, old)
	}
	if m.data.quota > 0 && delta > 0 && m.data.used+delta > m.data.quota {
		m.data.mu.Unlock()
		return errors.WrapError("Set", key, errors.ErrQuotaExceeded)
	}
	m.data.items[key] = value
	m.data.used += delta
	notify := m.watchersLocked()
	m.data.mu.Unlock()

	for _, fn := range notify {
		fn(Change{Key: key, Op: ChangeSet, OldValue: old, NewValue: value})
	}
	return nil
}

// Delete implements Backend
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.data.mu.Lock()
	old, existed := m.data.items[key]
	if !existed {
		m.data.mu.Unlock()
		return nil
	}
	delete(m.data.items, key)
	m.data.used -= entrySize(key, old)
	notify := m.watchersLocked()
	m.data.mu.Unlock()

	for _, fn := range notify {
		fn(Change{Key: key, Op: ChangeDelete, OldValue: old})
	}
	return nil
}

// Keys implements Backend
func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.data.mu.RLock()
	keys := make([]string, 0, len(m.data.items))
	for k := range m.data.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.data.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored entries across all prefixes
func (m *Memory) Len() int {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	return len(m.data.items)
}

// Usage implements Sizer
func (m *Memory) Usage(ctx context.Context) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	return Usage{Used: m.data.used, Quota: m.data.quota}, nil
}

// Watch implements Watcher
func (m *Memory) Watch(fn func(Change)) (cancel func()) {
	m.data.mu.Lock()
	m.data.nextID++
	id := m.data.nextID
	m.data.watchers[id] = memoryWatcher{view: m.view, fn: fn}
	m.data.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.data.mu.Lock()
			delete(m.data.watchers, id)
			m.data.mu.Unlock()
		})
	}
}

// watchersLocked returns the callbacks of other views. Callers hold data.mu.
func (m *Memory) watchersLocked() []func(Change) {
	if len(m.data.watchers) == 0 {
		return nil
	}
	fns := make([]func(Change), 0, len(m.data.watchers))
	for _, w := range m.data.watchers {
		if w.view != m.view {
			fns = append(fns, w.fn)
		}
	}
	return fns
}

// Close implements Backend. Memory holds no external resources.
func (m *Memory) Close() error {
	return nil
}

func entrySize(key, value string) int64 {
	return int64(len(key) + len(value))
}
