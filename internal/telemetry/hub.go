// Package telemetry distributes run events (state transitions, artifacts,
// gaps, setpoint outcomes) to in-process subscribers and to the operator
// event stream. A replay ring buffer lets late subscribers catch up on the
// run so far.
package telemetry

import (
	"sync"
	"time"
)

// EventType enumerates the run events loops and the runner publish.
type EventType string

const (
	EventState    EventType = "state"
	EventArtifact EventType = "artifact"
	EventGap      EventType = "gap"
	EventSetpoint EventType = "setpoint"
	EventStop     EventType = "stop"
	EventWarning  EventType = "warning"
)

// Event is one run event.
type Event struct {
	Seq          int64          `json:"seq"`
	Type         EventType      `json:"type"`
	InstrumentID string         `json:"instrumentId,omitempty"`
	Timestamp    time.Time      `json:"ts"`
	Data         map[string]any `json:"data,omitempty"`
}

// Hub fans events out to subscribers. Publishing never blocks: a subscriber
// that stops draining loses its oldest undelivered events, which is
// acceptable for a diagnostic stream and keeps acquisition loops decoupled
// from slow operator connections.
type Hub struct {
	mu     sync.Mutex
	seq    int64
	buffer []Event
	cap    int
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewHub creates a hub retaining the last bufferSize events for replay.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		cap:  bufferSize,
		subs: make(map[int]chan Event),
	}
}

// Publish stamps and distributes an event.
func (h *Hub) Publish(evType EventType, instrumentID string, data map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.seq++
	ev := Event{
		Seq:          h.seq,
		Type:         evType,
		InstrumentID: instrumentID,
		Timestamp:    time.Now().UTC(),
		Data:         data,
	}

	h.buffer = append(h.buffer, ev)
	if len(h.buffer) > h.cap {
		h.buffer = h.buffer[len(h.buffer)-h.cap:]
	}

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Drop oldest delivered event to make room for the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribe returns a channel carrying the replay buffer followed by live
// events, plus a cancel func that must be called to release the slot.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.cap+16)
	for _, ev := range h.buffer {
		ch <- ev
	}

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Snapshot returns a copy of the replay buffer.
func (h *Hub) Snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.buffer))
	copy(out, h.buffer)
	return out
}

// Close stops distribution and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
