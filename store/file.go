package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gozephyr/prefcache/errors"
)

// FileExtension is the suffix of every entry file
const FileExtension = ".entry"

// maxFileName is the longest entry file name most file systems accept
const maxFileName = 255

// File is a persistent backend keeping one file per key in a directory.
type File struct {
	dir   string
	quota int64

	mu   sync.RWMutex
	used int64
}

// OpenFile opens or creates the directory at dir.
func OpenFile(dir string, opts ...Option) (*File, error) {
	options := NewOptions()
	if err := options.Apply(opts...); err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, errors.WrapError("OpenFile", nil, fmt.Errorf("%w: directory is required", errors.ErrInvalidOption))
	}
	dir = filepath.Clean(dir)

	// Create base directory if it doesn't exist
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapError("OpenFile", dir, fmt.Errorf("%w: %v", errors.ErrUnavailable, err))
	}
	if err := verifyDirectoryWritable(dir); err != nil {
		return nil, errors.WrapError("OpenFile", dir, fmt.Errorf("%w: %v", errors.ErrUnavailable, err))
	}

	f := &File{dir: dir, quota: options.Quota}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WrapError("OpenFile", dir, fmt.Errorf("%w: %v", errors.ErrStoreError, err))
	}
	for _, e := range entries {
		key, ok := f.keyFromName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		f.used += int64(len(key)) + info.Size()
	}
	return f, nil
}

// verifyDirectoryWritable checks if the directory is writable
func verifyDirectoryWritable(dir string) error {
	testFile := filepath.Join(dir, ".test_write")
	fh, err := os.OpenFile(testFile, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	_ = fh.Close()
	return os.Remove(testFile)
}

// Name implements Backend
func (f *File) Name() string {
	return "file"
}

// ValidateKey implements KeyValidator. Keys whose escaped file name would
// exceed the file system limit are rejected.
func (f *File) ValidateKey(key string) error {
	if len(url.QueryEscape(key))+len(FileExtension) > maxFileName {
		return errors.WrapError("Validate", key, fmt.Errorf("%w: file name exceeds %d bytes", errors.ErrInvalidKey, maxFileName))
	}
	return nil
}

// Get implements Backend
func (f *File) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if f.ValidateKey(key) != nil {
		return "", false, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WrapError("Get", key, fmt.Errorf("%w: %v", errors.ErrStoreError, err))
	}
	return string(data), true, nil
}

// Set implements Backend. The entry file is replaced atomically.
func (f *File) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.ValidateKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(key)
	delta := entrySize(key, value)
	if info, err := os.Stat(path); err == nil {
		delta -= int64(len(key)) + info.Size()
	}
	if f.quota > 0 && delta > 0 && f.used+delta > f.quota {
		return errors.WrapError("Set", key, errors.ErrQuotaExceeded)
	}

	tmp, err := os.CreateTemp(f.dir, ".write-*.tmp")
	if err != nil {
		return errors.WrapError("Set", key, fmt.Errorf("%w: %v", errors.ErrStoreError, err))
	}
	_, werr := tmp.WriteString(value)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), path)
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return errors.WrapError("Set", key, fmt.Errorf("%w: %v", errors.ErrStoreError, werr))
	}
	f.used += delta
	return nil
}

// Delete implements Backend
func (f *File) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.ValidateKey(key) != nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(key)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil {
		err = os.Remove(path)
	}
	if err != nil {
		return errors.WrapError("Delete", key, fmt.Errorf("%w: %v", errors.ErrStoreError, err))
	}
	f.used -= int64(len(key)) + info.Size()
	return nil
}

// Keys implements Backend
func (f *File) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	entries, err := os.ReadDir(f.dir)
	f.mu.RUnlock()
	if err != nil {
		return nil, errors.WrapError("Keys", prefix, fmt.Errorf("%w: %v", errors.ErrStoreError, err))
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if key, ok := f.keyFromName(e.Name()); ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Usage implements Sizer
func (f *File) Usage(ctx context.Context) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Usage{Used: f.used, Quota: f.quota}, nil
}

// Close implements Backend
func (f *File) Close() error {
	return nil
}

// path returns the full path for a key
func (f *File) path(key string) string {
	return filepath.Join(f.dir, url.QueryEscape(key)+FileExtension)
}

// keyFromName extracts the key from an entry file name
func (f *File) keyFromName(name string) (string, bool) {
	if !strings.HasSuffix(name, FileExtension) {
		return "", false
	}
	key, err := url.QueryUnescape(strings.TrimSuffix(name, FileExtension))
	if err != nil {
		return "", false
	}
	return key, true
}
