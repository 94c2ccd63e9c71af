package store

import (
	"context"
	"sort"
)

// Adapter fronts the primary backend. When the primary fails its probe the
// adapter serves every operation from process memory for the rest of its
// life. It also holds a volatile overlay for writes the primary rejected,
// which Get consults first and which never survives a restart.
type Adapter struct {
	primary   Backend
	volatile  *Memory
	available bool
	probeErr  error
}

// NewAdapter probes primary and returns an adapter over it. A nil primary or
// a failed probe selects the memory fallback; ProbeError reports why.
func NewAdapter(ctx context.Context, primary Backend) *Adapter {
	volatile, _ := NewMemory()
	a := &Adapter{primary: primary, volatile: volatile}
	if err := Probe(ctx, primary); err != nil {
		a.probeErr = err
		return a
	}
	a.available = true
	return a
}

// Available reports whether the primary backend is in use
func (a *Adapter) Available() bool {
	return a.available
}

// ProbeError returns the probe failure that selected the memory fallback
func (a *Adapter) ProbeError() error {
	return a.probeErr
}

// Name returns the name of the backend serving durable writes
func (a *Adapter) Name() string {
	if !a.available {
		return a.volatile.Name()
	}
	return a.primary.Name()
}

// ValidateKey reports whether the primary backend can hold key
func (a *Adapter) ValidateKey(key string) error {
	if !a.available {
		return nil
	}
	if v, ok := a.primary.(KeyValidator); ok {
		return v.ValidateKey(key)
	}
	return nil
}

// Get returns the volatile copy of key if one exists, otherwise the durable one
func (a *Adapter) Get(ctx context.Context, key string) (string, bool, error) {
	if v, ok, _ := a.volatile.Get(ctx, key); ok {
		return v, true, nil
	}
	if !a.available {
		return "", false, ctx.Err()
	}
	return a.primary.Get(ctx, key)
}

// Set writes key durably. A successful durable write drops any volatile copy.
func (a *Adapter) Set(ctx context.Context, key, value string) error {
	if !a.available {
		return a.volatile.Set(ctx, key, value)
	}
	if err := a.primary.Set(ctx, key, value); err != nil {
		return err
	}
	_ = a.volatile.Delete(ctx, key)
	return nil
}

// SetVolatile keeps key in process memory only
func (a *Adapter) SetVolatile(ctx context.Context, key, value string) error {
	return a.volatile.Set(ctx, key, value)
}

// IsVolatile reports whether key is held only in process memory
func (a *Adapter) IsVolatile(key string) bool {
	if !a.available {
		return false
	}
	_, ok, _ := a.volatile.Get(context.Background(), key)
	return ok
}

// Delete removes key from the overlay and the durable backend
func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := a.volatile.Delete(ctx, key); err != nil {
		return err
	}
	if !a.available {
		return nil
	}
	return a.primary.Delete(ctx, key)
}

// Keys returns the sorted union of volatile and durable keys under prefix
func (a *Adapter) Keys(ctx context.Context, prefix string) ([]string, error) {
	volatile, err := a.volatile.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if !a.available {
		return volatile, nil
	}
	durable, err := a.primary.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return mergeKeys(durable, volatile), nil
}

// DurableKeys returns the keys under prefix held by the backend serving
// durable writes, excluding the volatile overlay.
func (a *Adapter) DurableKeys(ctx context.Context, prefix string) ([]string, error) {
	if !a.available {
		return a.volatile.Keys(ctx, prefix)
	}
	keys, err := a.primary.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if !a.IsVolatile(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Usage reports the usage of the backend serving durable writes. ok is false
// when that backend cannot report it.
func (a *Adapter) Usage(ctx context.Context) (usage Usage, ok bool, err error) {
	if !a.available {
		usage, err = a.volatile.Usage(ctx)
		return usage, err == nil, err
	}
	sizer, isSizer := a.primary.(Sizer)
	if !isSizer {
		return Usage{}, false, nil
	}
	usage, err = sizer.Usage(ctx)
	return usage, err == nil, err
}

// Watch subscribes to changes made by other owners of a shared primary. It
// returns a no-op cancel when the primary cannot report changes.
func (a *Adapter) Watch(fn func(Change)) (cancel func()) {
	if w, ok := a.primary.(Watcher); ok && a.available {
		return w.Watch(fn)
	}
	return func() {}
}

func mergeKeys(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
