package stream

import (
	"context"
	"sync"
	"time"
)

// OperationEvent describes a completed ledger operation for live consumers
// (back-office dashboards subscribed over SSE).
type OperationEvent struct {
	OperationID   string    `json:"operation_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Currency      string    `json:"currency"`
	Amount        string    `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// Stream fan-outs operation events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan OperationEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan OperationEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan OperationEvent {
	ch := make(chan OperationEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt OperationEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
