package prefcache

import (
	"time"

	"github.com/gozephyr/prefcache/value"
)

// EventType represents the type of storage event
type EventType int

const (
	// EventSet is emitted when a value is staged for writing
	EventSet EventType = iota
	// EventDelete is emitted when a key is removed by the caller
	EventDelete
	// EventEviction is emitted when an entry is removed to relieve storage pressure
	EventEviction
	// EventExpiration is emitted when an expired entry is removed
	EventExpiration
	// EventExternalChange is emitted when another owner of a shared backend changed a key
	EventExternalChange
	// EventDegraded is emitted when a write could only be kept in process memory
	EventDegraded
)

// String returns the event type name
func (t EventType) String() string {
	switch t {
	case EventSet:
		return "set"
	case EventDelete:
		return "delete"
	case EventEviction:
		return "eviction"
	case EventExpiration:
		return "expiration"
	case EventExternalChange:
		return "external_change"
	case EventDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Event represents something that happened to a key. Key has the namespace
// prefix removed.
type Event struct {
	Type      EventType
	Key       string
	Value     value.Value
	Timestamp time.Time
}

// EventCallback is a function that handles storage events
type EventCallback func(Event)

// OnEvent registers a callback for storage events. Callbacks run
// synchronously on the goroutine that caused the event and must not block
// or call back into the manager.
func (m *Manager) OnEvent(callback EventCallback) {
	if callback == nil {
		return
	}
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// emitEvent delivers an event to every callback. A panicking callback does
// not affect the others.
func (m *Manager) emitEvent(eventType EventType, key string, v value.Value) {
	m.callbacksMu.RLock()
	callbacks := m.callbacks
	m.callbacksMu.RUnlock()
	if len(callbacks) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Key:       key,
		Value:     v,
		Timestamp: m.clock.Now(),
	}
	for _, callback := range callbacks {
		m.deliver(callback, event)
	}
}

func (m *Manager) deliver(callback EventCallback, event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecordError()
			m.logger.Error("event callback panicked", "event", event.Type.String(), "key", event.Key, "panic", r)
		}
	}()
	callback(event)
}
