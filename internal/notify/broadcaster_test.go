// ABOUTME: Tests for the session-state Broadcaster
// ABOUTME: Covers fan-out, late-join challenge replay, slow subscribers, cleanup

package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectNothing(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SubscribersReceivePublishedEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context())

	b.Publish(Event{Type: EventAuthenticated})

	assert.Equal(t, EventAuthenticated, receive(t, ch1).Type)
	assert.Equal(t, EventAuthenticated, receive(t, ch2).Type)
}

func TestBroadcaster_LateSubscriberGetsPendingChallenge(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	b.PublishChallenge("2@abc,def")

	ch, _ := b.Subscribe(t.Context())
	evt := receive(t, ch)
	assert.Equal(t, EventQR, evt.Type)
	assert.Equal(t, "2@abc,def", evt.Data)
	expectNothing(t, ch)
}

func TestBroadcaster_NoReplayWithoutChallenge(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())
	expectNothing(t, ch)
}

func TestBroadcaster_NewChallengeReplacesPending(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	b.PublishChallenge("first")
	b.PublishChallenge("second")

	ch, _ := b.Subscribe(t.Context())
	assert.Equal(t, "second", receive(t, ch).Data)
	expectNothing(t, ch)
}

func TestBroadcaster_NonChallengeEventClearsPending(t *testing.T) {
	for _, typ := range []EventType{EventAuthenticated, EventDisconnected} {
		t.Run(string(typ), func(t *testing.T) {
			b := NewBroadcaster(nil)
			defer b.Close()

			b.PublishChallenge("token")
			b.Publish(Event{Type: typ})

			_, ok := b.Challenge()
			assert.False(t, ok)

			ch, _ := b.Subscribe(t.Context())
			expectNothing(t, ch)
		})
	}
}

func TestBroadcaster_ClearChallenge(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	b.PublishChallenge("token")
	b.ClearChallenge()

	ch, _ := b.Subscribe(t.Context())
	expectNothing(t, ch)
}

func TestBroadcaster_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	slow, _ := b.Subscribe(t.Context())
	fast, _ := b.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize*3; i++ {
			b.Publish(Event{Type: EventDisconnected})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	assert.Len(t, slow, subscriberBufferSize)
	assert.Len(t, fast, subscriberBufferSize)
}

type countingObserver struct {
	mu      sync.Mutex
	counts  []int
	dropped int
}

func (o *countingObserver) SubscribersChanged(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts = append(o.counts, n)
}

func (o *countingObserver) EventDropped(EventType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func TestBroadcaster_ObserverSeesCountsAndDrops(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	obs := &countingObserver{}
	b.SetObserver(obs)

	_, id := b.Subscribe(t.Context())
	for i := 0; i < subscriberBufferSize+2; i++ {
		b.Publish(Event{Type: EventAuthenticated})
	}
	b.Unsubscribe(id)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []int{1, 0}, obs.counts)
	assert.Equal(t, 2, obs.dropped)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	require.Equal(t, 1, b.Count())

	cancel()

	require.Eventually(t, func() bool { return b.Count() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
}

func TestBroadcaster_UnsubscribeTwiceIsSafe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, id := b.Subscribe(t.Context())
	b.Unsubscribe(id)
	b.Unsubscribe(id)
	assert.Equal(t, 0, b.Count())
}

func TestBroadcaster_CloseClosesSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)

	ch, _ := b.Subscribe(t.Context())
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(t.Context())
	_, ok = <-late
	assert.False(t, ok, "subscribe after close yields a closed channel")
}

func TestBroadcaster_ConcurrentSubscribeAndPublish(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			b.Subscribe(ctx)
			cancel()
		}()
		go func() {
			defer wg.Done()
			b.PublishChallenge("code")
		}()
	}
	wg.Wait()

	ch, _ := b.Subscribe(t.Context())
	assert.Equal(t, "code", receive(t, ch).Data)
}
