package eventbus

import (
	"sync"
	"time"
)

// Event types routed through the bus.
const (
	// TypeRetrievalCompleted fires once per gateway retrieval, after the
	// background measurement finished. Payload: RetrievalCompleted.
	TypeRetrievalCompleted = "retrieval.completed"
)

// RetrievalCompleted describes one finished retrieval, whether it served
// bytes or failed before streaming.
type RetrievalCompleted struct {
	Status      int
	EgressBytes int64
	CacheMiss   bool
	DataSetID   string
	BotName     string
	CountryCode string
}

// Event is one message routed through the bus.
type Event struct {
	Type      string
	Timestamp time.Time
	Data      interface{}
}

// Bus is an in-process event bus that routes events to subscribers based on
// event type. It decouples the retrieval hot path from observers such as the
// metrics bridge: publishing never blocks and never fails.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan<- Event
	closed      bool
}

// New creates a Bus ready for use.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan<- Event),
	}
}

// Subscribe registers a channel to receive events of the given type. The
// caller picks the buffer size; a full channel drops events rather than
// stalling publishers.
func (b *Bus) Subscribe(eventType string, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
}

// Publish sends an event to all subscribers registered for its type.
// Publish is a no-op after Close.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[evt.Type] {
		select {
		case ch <- evt:
		default:
			// drop rather than block the hot path
		}
	}
}

// Close marks the bus as closed. Subscriber channels stay open; closing them
// is the subscriber's job.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
