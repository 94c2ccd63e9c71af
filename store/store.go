// Package store provides the backing store contract and its implementations:
// a process-local memory backend, persistent bbolt, SQLite and per-key file
// backends, an availability probe, and the Adapter that falls back to memory
// when the persistent backend cannot be used.
package store

import (
	"context"
)

// Backend defines the persistent key/value contract consumed by the storage
// manager. Values are the strings produced by the codec.
type Backend interface {
	// Name identifies the backend in logs
	Name() string

	// Get retrieves a value. A missing key is reported with ok=false and a nil error.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores a value. It must return an error matching errors.ErrQuotaExceeded
	// when the write was rejected for lack of capacity.
	Set(ctx context.Context, key, value string) error

	// Delete removes a value. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns every key starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources used by the backend
	Close() error
}

// Usage reports how much of a backend's capacity is in use.
type Usage struct {
	// Used is the sum of key and value lengths in bytes
	Used int64
	// Quota is the capacity in bytes, zero when unlimited or unknown
	Quota int64
}

// Ratio returns Used/Quota, or 0 when the quota is unknown.
func (u Usage) Ratio() float64 {
	if u.Quota <= 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Quota)
}

// Sizer is implemented by backends that can report their usage.
type Sizer interface {
	Usage(ctx context.Context) (Usage, error)
}

// ChangeOp is the kind of mutation reported to watchers.
type ChangeOp int

const (
	// ChangeSet reports a write
	ChangeSet ChangeOp = iota
	// ChangeDelete reports a removal
	ChangeDelete
)

// Change describes a mutation made by another user of a shared backend.
type Change struct {
	Key      string
	Op       ChangeOp
	OldValue string
	NewValue string
}

// Watcher is implemented by backends shared between several owners. Watch
// callbacks receive only changes made by other owners.
type Watcher interface {
	Watch(fn func(Change)) (cancel func())
}

// KeyValidator is implemented by backends that cannot hold every key, such as
// the file backend whose keys become file names.
type KeyValidator interface {
	ValidateKey(key string) error
}
