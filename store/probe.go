package store

import (
	"context"
	"fmt"

	"github.com/gozephyr/prefcache/errors"
)

const (
	probeKey   = "__storage_test__"
	probeValue = "test"
)

// Probe checks that b accepts a write, returns it on read and removes it.
// Any failure is reported as errors.ErrUnavailable.
func Probe(ctx context.Context, b Backend) error {
	if b == nil {
		return errors.WrapError("Probe", nil, errors.ErrUnavailable)
	}
	if err := b.Set(ctx, probeKey, probeValue); err != nil {
		return unavailable("write", err)
	}
	got, ok, err := b.Get(ctx, probeKey)
	if err != nil {
		return unavailable("read", err)
	}
	if !ok || got != probeValue {
		return unavailable("read", fmt.Errorf("probe value mismatch"))
	}
	if err := b.Delete(ctx, probeKey); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func unavailable(step string, err error) error {
	return errors.WrapError("Probe", probeKey, fmt.Errorf("%w: %s: %v", errors.ErrUnavailable, step, err))
}
