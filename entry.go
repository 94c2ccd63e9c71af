package prefcache

import (
	"math"
	"time"

	"github.com/gozephyr/prefcache/ttl"
	"github.com/gozephyr/prefcache/value"
)

// Envelope member names wrapping every stored value
const (
	envelopeData    = "__data"
	envelopeCreated = "__created"
	envelopeExpires = "__expires"
)

// Entry is a stored value with its metadata.
type Entry struct {
	Value value.Value
	// CreatedAt is when the value was written. It is zero for legacy entries.
	CreatedAt time.Time
	// ExpiresAt is when the value expires. Zero means never.
	ExpiresAt time.Time
	// Legacy marks values stored without an envelope. They never expire and
	// are the first candidates for eviction.
	Legacy bool
}

// Expired reports whether the entry has expired at now
func (e Entry) Expired(now time.Time) bool {
	return ttl.IsExpired(e.ExpiresAt, now)
}

// envelope returns the stored form of e. Times are unix milliseconds.
func (e Entry) envelope() value.Value {
	m := value.NewMap().
		Set(envelopeData, e.Value).
		Set(envelopeCreated, value.Int(e.CreatedAt.UnixMilli()))
	if !e.ExpiresAt.IsZero() {
		m.Set(envelopeExpires, value.Int(e.ExpiresAt.UnixMilli()))
	}
	return value.Object(m)
}

// decodeEntry unwraps a stored value. Anything that is not a well formed
// envelope is returned as a legacy entry holding the whole value.
func decodeEntry(v value.Value) Entry {
	m, ok := v.AsMap()
	if !ok {
		return Entry{Value: v, Legacy: true}
	}
	data, hasData := m.Get(envelopeData)
	created, ok := millis(m, envelopeCreated)
	if !hasData || !ok {
		return Entry{Value: v, Legacy: true}
	}
	e := Entry{Value: data, CreatedAt: created}
	if _, present := m.Get(envelopeExpires); present {
		expires, ok := millis(m, envelopeExpires)
		if !ok {
			return Entry{Value: v, Legacy: true}
		}
		e.ExpiresAt = expires
	}
	return e
}

func millis(m *value.Map, name string) (time.Time, bool) {
	v, ok := m.Get(name)
	if !ok {
		return time.Time{}, false
	}
	n, ok := v.AsNumber()
	if !ok || n != math.Trunc(n) || n <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(n)), true
}
