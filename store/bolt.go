package store

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/gozephyr/prefcache/errors"
)

// Bolt is a persistent backend on a single bbolt file.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
	quota  int64

	mu   sync.Mutex // serializes writers with the usage counter
	used int64
}

// OpenBolt opens or creates the bbolt file at path.
func OpenBolt(path string, opts ...Option) (*Bolt, error) {
	options := NewOptions()
	if err := options.Apply(opts...); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.WrapError("OpenBolt", nil, fmt.Errorf("%w: path is required", errors.ErrInvalidOption))
	}

	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: options.OpenTimeout})
	if err != nil {
		return nil, errors.WrapError("OpenBolt", path, fmt.Errorf("%w: %v", errors.ErrUnavailable, err))
	}

	b := &Bolt{db: db, bucket: []byte(options.Bucket), quota: options.Quota}
	err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(b.bucket)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			b.used += int64(len(k) + len(v))
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.WrapError("OpenBolt", path, fmt.Errorf("%w: %v", errors.ErrStoreError, err))
	}
	return b, nil
}

// Name implements Backend
func (b *Bolt) Name() string {
	return "bolt"
}

// Get implements Backend
func (b *Bolt) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var (
		value string
		ok    bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v != nil {
			// bbolt memory is only valid inside the transaction
			value, ok = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, errors.WrapError("Get", key, fmt.Errorf("%w: %v", errors.ErrStoreError, err))
	}
	return value, ok, nil
}

// Set implements Backend
func (b *Bolt) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var delta int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		delta = entrySize(key, value)
		if old := bkt.Get([]byte(key)); old != nil {
			delta -= int64(len(key) + len(old))
		}
		if b.quota > 0 && delta > 0 && b.used+delta > b.quota {
			return errors.ErrQuotaExceeded
		}
		return bkt.Put([]byte(key), []byte(value))
	})
	if err != nil {
		if errors.IsQuotaExceeded(err) {
			return errors.WrapError("Set", key, err)
		}
		return errors.WrapError("Set", key, fmt.Errorf("%w: %v", errors.ErrStoreError, err))
	}
	b.used += delta
	return nil
}

// Delete implements Backend
func (b *Bolt) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var freed int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		old := bkt.Get([]byte(key))
		if old == nil {
			return nil
		}
		freed = int64(len(key) + len(old))
		return bkt.Delete([]byte(key))
	})
	if err != nil {
		return errors.WrapError("Delete", key, fmt.Errorf("%w: %v", errors.ErrStoreError, err))
	}
	b.used -= freed
	return nil
}

// Keys implements Backend
func (b *Bolt) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapError("Keys", prefix, fmt.Errorf("%w: %v", errors.ErrStoreError, err))
	}
	return keys, nil
}

// Usage implements Sizer
func (b *Bolt) Usage(ctx context.Context) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Usage{Used: b.used, Quota: b.quota}, nil
}

// Close implements Backend
func (b *Bolt) Close() error {
	return b.db.Close()
}
