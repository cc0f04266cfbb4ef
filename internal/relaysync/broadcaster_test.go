package relaysync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) InvalidationEvent {
	t.Helper()
	select {
	case event, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return InvalidationEvent{}
	}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case event := <-sub.C:
		t.Fatalf("unexpected event %+v", event)
	default:
	}
}

func TestBroadcasterFansOutPerUser(t *testing.T) {
	b := NewBroadcaster(BroadcasterOptions{})
	a1, err := b.Subscribe("alice")
	require.NoError(t, err)
	a2, err := b.Subscribe("alice")
	require.NoError(t, err)
	bob, err := b.Subscribe("bob")
	require.NoError(t, err)

	b.Publish(context.Background(), InvalidationEvent{UserID: "alice", Reason: "push"})

	assert.Equal(t, "push", receive(t, a1).Reason)
	assert.Equal(t, "push", receive(t, a2).Reason)
	assertNoEvent(t, bob)
	assert.Equal(t, 2, b.SubscriberCount("alice"))
}

func TestBroadcasterPublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(BroadcasterOptions{})
	b.Publish(context.Background(), InvalidationEvent{UserID: "nobody", Reason: "push"})
	b.Publish(context.Background(), InvalidationEvent{})
	assert.Equal(t, uint64(1), b.Stats().Published)
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	b := NewBroadcaster(BroadcasterOptions{Buffer: 1})
	sub, err := b.Subscribe("alice")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(context.Background(), InvalidationEvent{UserID: "alice", Reason: "push"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	receive(t, sub)
	assertNoEvent(t, sub)
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(4), stats.Dropped)
}

func TestBroadcasterUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroadcaster(BroadcasterOptions{})
	sub, err := b.Subscribe("alice")
	require.NoError(t, err)

	b.Unsubscribe("alice", sub.ID)
	b.Unsubscribe("alice", sub.ID)
	b.Unsubscribe("bob", "missing")

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount("alice"))
	assert.Equal(t, 0, b.Stats().Users)
}

func TestBroadcasterEvictsOldestOverCap(t *testing.T) {
	b := NewBroadcaster(BroadcasterOptions{MaxPerUser: 2})
	first, err := b.Subscribe("alice")
	require.NoError(t, err)
	second, err := b.Subscribe("alice")
	require.NoError(t, err)
	third, err := b.Subscribe("alice")
	require.NoError(t, err)

	_, ok := <-first.C
	assert.False(t, ok, "oldest subscriber should be closed")
	assert.Equal(t, 2, b.SubscriberCount("alice"))
	assert.Equal(t, uint64(1), b.Stats().Evicted)

	b.Publish(context.Background(), InvalidationEvent{UserID: "alice", Reason: "push"})
	receive(t, second)
	receive(t, third)

	// Unsubscribing an evicted handle must not close anything twice.
	b.Unsubscribe("alice", first.ID)
	assert.Equal(t, 2, b.SubscriberCount("alice"))
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster(BroadcasterOptions{})
	sub, err := b.Subscribe("alice")
	require.NoError(t, err)
	b.Close()
	b.Close()

	_, ok := <-sub.C
	assert.False(t, ok)
	_, err = b.Subscribe("alice")
	assert.ErrorIs(t, err, ErrClosed)
	b.Unsubscribe("alice", sub.ID)
}

func TestBroadcasterRejectsEmptyUser(t *testing.T) {
	_, err := NewBroadcaster(BroadcasterOptions{}).Subscribe(" ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBroadcasterConcurrentSubscribePublish(t *testing.T) {
	b := NewBroadcaster(BroadcasterOptions{MaxPerUser: 4, Buffer: 4})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := b.Subscribe("alice")
			if err != nil {
				return
			}
			b.Unsubscribe("alice", sub.ID)
		}()
		go func() {
			defer wg.Done()
			b.Publish(context.Background(), InvalidationEvent{UserID: "alice", Reason: "push"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.SubscriberCount("alice"))
}

type recordingRelay struct {
	mu     sync.Mutex
	events []InvalidationEvent
	err    error
}

func (r *recordingRelay) Publish(_ context.Context, event InvalidationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func TestBroadcasterRelaysLocalEventsOnly(t *testing.T) {
	relay := &recordingRelay{}
	b := NewBroadcaster(BroadcasterOptions{Origin: "node-a", Relay: relay})
	sub, err := b.Subscribe("alice")
	require.NoError(t, err)

	b.Publish(context.Background(), InvalidationEvent{UserID: "alice", Reason: "push"})
	require.Len(t, relay.events, 1)
	assert.Equal(t, "node-a", relay.events[0].Origin)
	receive(t, sub)

	b.DeliverRemote(InvalidationEvent{UserID: "alice", Reason: "push", Origin: "node-a"})
	assertNoEvent(t, sub)

	b.DeliverRemote(InvalidationEvent{UserID: "alice", Reason: "push", Origin: "node-b"})
	assert.Equal(t, "node-b", receive(t, sub).Origin)
	assert.Len(t, relay.events, 1)
}

func TestBroadcasterAbsorbsRelayErrors(t *testing.T) {
	relay := &recordingRelay{err: errors.New("redis down")}
	b := NewBroadcaster(BroadcasterOptions{Relay: relay})
	sub, err := b.Subscribe("alice")
	require.NoError(t, err)

	b.Publish(context.Background(), InvalidationEvent{UserID: "alice", Reason: "push"})
	receive(t, sub)
	assert.Equal(t, uint64(1), b.Stats().RelayErrors)
}
