// ABOUTME: In-memory fan-out broadcaster for session-state notifications
// ABOUTME: Replays the pending challenge to late subscribers; drops events for slow ones

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 16
)

// EventType is the "type" field of the JSON envelope pushed to subscribers.
type EventType string

const (
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventDisconnected  EventType = "disconnected"
)

// Event is the envelope pushed to subscribers.
type Event struct {
	Type EventType `json:"type"`
	Data string    `json:"data,omitempty"`
}

// Observer receives broadcaster statistics. Implemented by the metrics package.
type Observer interface {
	SubscribersChanged(n int)
	EventDropped(t EventType)
}

// Broadcaster provides in-memory pub/sub for session-state events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event // subID -> ch
	challenge   string                // pending challenge, "" when none
	closed      bool
	observer    Observer
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// SetObserver installs an observer for subscriber counts and drops.
func (b *Broadcaster) SetObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = o
}

// Subscribe registers a subscriber and returns its channel and ID. If a
// challenge is pending it is already queued on the returned channel. The
// subscription is removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	if b.challenge != "" {
		ch <- Event{Type: EventQR, Data: b.challenge}
	}
	n := len(b.subscribers)
	observer := b.observer
	b.mu.Unlock()

	if observer != nil {
		observer.SubscribersChanged(n)
	}
	b.logger.Debug("subscriber added", "sub_id", subID, "subscribers", n)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	ch, ok := b.subscribers[subID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, subID)
	close(ch)
	n := len(b.subscribers)
	observer := b.observer
	b.mu.Unlock()

	if observer != nil {
		observer.SubscribersChanged(n)
	}
	b.logger.Debug("subscriber removed", "sub_id", subID, "subscribers", n)
}

// PublishChallenge records code as the pending challenge and sends it to every
// subscriber. Recording and fan-out happen under one lock so a concurrent
// Subscribe sees the challenge exactly once.
func (b *Broadcaster) PublishChallenge(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.challenge = code
	b.fanOutLocked(Event{Type: EventQR, Data: code})
}

// ClearChallenge forgets the pending challenge without notifying anyone.
func (b *Broadcaster) ClearChallenge() {
	b.mu.Lock()
	b.challenge = ""
	b.mu.Unlock()
}

// Challenge returns the pending challenge, if any.
func (b *Broadcaster) Challenge() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.challenge, b.challenge != ""
}

// Publish sends event to all subscribers. Publishing a non-challenge event
// clears the pending challenge.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event Event) {
	if event.Type == EventQR {
		b.PublishChallenge(event.Data)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.challenge = ""
	b.fanOutLocked(event)
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// fanOutLocked must be called with b.mu held. Sends never block.
func (b *Broadcaster) fanOutLocked(event Event) {
	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "sub_id", id, "type", event.Type)
			if b.observer != nil {
				b.observer.EventDropped(event.Type)
			}
		}
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
	b.closed = true
	b.challenge = ""

	b.logger.Debug("broadcaster closed")
}
