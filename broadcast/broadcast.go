// Package broadcast fans telemetry and monitoring events out to
// subscribed real-time clients. Thin pub/sub: publish never blocks the
// telemetry path and delivery is not guaranteed.
package broadcast

import (
	"sync"
)

type Broadcaster interface {
	Publish(event string, payload interface{})
	Close()
}

// Event names pushed by the gateway.
const (
	EventLogin         = "device.login"
	EventStatus        = "device.status"
	EventLocation      = "device.location"
	EventAlarm         = "device.alarm"
	EventDeviceUnknown = "device.unknown"
)

// Mock records published events for tests.
type Mock struct {
	mu     sync.Mutex
	events []MockEvent
}

type MockEvent struct {
	Event   string
	Payload interface{}
}

var _ Broadcaster = (*Mock)(nil)

func (m *Mock) Publish(event string, payload interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, MockEvent{Event: event, Payload: payload})
}

func (m *Mock) Close() {}

func (m *Mock) Events() []MockEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Mock) CountOf(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Event == event {
			n++
		}
	}
	return n
}
