package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// DatasetEvent is an inbound dataset-ready notification from a provider.
type DatasetEvent struct {
	Provider       string            `json:"provider"`
	DataType       string            `json:"data_type"`
	RequestID      string            `json:"request_id"`
	Payload        json.RawMessage   `json:"payload"`
	SourceMetadata map[string]string `json:"source_metadata,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
}

// DecisionAck tells the data-source system what happened to its dataset.
type DecisionAck struct {
	RequestID  string    `json:"request_id"`
	ApprovalID string    `json:"approval_id"`
	Status     string    `json:"status"`
	Actor      string    `json:"actor,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Bridge fan-outs dataset events and decision acknowledgements to all
// active subscribers. Slow subscribers drop rather than block publishers.
type Bridge struct {
	mu        sync.RWMutex
	eventSubs map[int]chan DatasetEvent
	ackSubs   map[int]chan DecisionAck
	next      int
}

// New initialises an empty bridge.
func New() *Bridge {
	return &Bridge{
		eventSubs: make(map[int]chan DatasetEvent),
		ackSubs:   make(map[int]chan DecisionAck),
	}
}

// SubscribeEvents registers a dataset-event subscriber. The channel is
// closed when the provided context ends.
func (b *Bridge) SubscribeEvents(ctx context.Context) <-chan DatasetEvent {
	ch := make(chan DatasetEvent, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.eventSubs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.eventSubs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// SubscribeAcks registers a decision-ack subscriber. The channel is closed
// when the provided context ends.
func (b *Bridge) SubscribeAcks(ctx context.Context) <-chan DecisionAck {
	ch := make(chan DecisionAck, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.ackSubs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.ackSubs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// PublishEvent fan-outs an inbound dataset event.
func (b *Bridge) PublishEvent(evt DatasetEvent) {
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.eventSubs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// PublishAck fan-outs an outbound decision acknowledgement.
func (b *Bridge) PublishAck(ack DecisionAck) {
	if ack.Timestamp.IsZero() {
		ack.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.ackSubs {
		select {
		case ch <- ack:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
