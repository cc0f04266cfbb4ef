package relaysync

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultSubscriberBuffer      = 100
	DefaultMaxSubscribersPerUser = 16
	relayPublishTimeout          = 2 * time.Second
)

// Relay forwards locally published events to other server instances.
type Relay interface {
	Publish(ctx context.Context, event InvalidationEvent) error
}

type BroadcasterOptions struct {
	Buffer     int
	MaxPerUser int
	// Origin identifies this instance on the relay. Generated when empty.
	Origin string
	Relay  Relay
}

// Subscription is one live connection's view of a user's invalidations.
// C is closed when the subscription is unsubscribed, evicted or the
// broadcaster shuts down.
type Subscription struct {
	ID     string
	UserID string
	C      <-chan InvalidationEvent

	ch chan InvalidationEvent
}

type BroadcasterStats struct {
	Users       int    `json:"users"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Evicted     uint64 `json:"evicted"`
	Relayed     uint64 `json:"relayed"`
	RelayErrors uint64 `json:"relayErrors"`
}

// Broadcaster fans invalidation events out to every live subscriber of a
// user. Delivery is best effort: a full subscriber channel loses the event.
type Broadcaster struct {
	mu         sync.RWMutex
	users      map[string][]*Subscription
	closed     bool
	buffer     int
	maxPerUser int
	origin     string

	relayMu sync.RWMutex
	relay   Relay

	published   atomic.Uint64
	delivered   atomic.Uint64
	dropped     atomic.Uint64
	evicted     atomic.Uint64
	relayed     atomic.Uint64
	relayErrors atomic.Uint64
}

func NewBroadcaster(opts BroadcasterOptions) *Broadcaster {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultSubscriberBuffer
	}
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = DefaultMaxSubscribersPerUser
	}
	if strings.TrimSpace(opts.Origin) == "" {
		opts.Origin = ulid.Make().String()
	}
	return &Broadcaster{
		users:      map[string][]*Subscription{},
		buffer:     opts.Buffer,
		maxPerUser: opts.MaxPerUser,
		origin:     opts.Origin,
		relay:      opts.Relay,
	}
}

func (b *Broadcaster) Origin() string {
	return b.origin
}

// SetRelay attaches or detaches the cross-instance relay.
func (b *Broadcaster) SetRelay(relay Relay) {
	b.relayMu.Lock()
	b.relay = relay
	b.relayMu.Unlock()
}

// Subscribe registers a new subscriber for userID. When the user already
// has the maximum number of subscribers the oldest one is evicted.
func (b *Broadcaster) Subscribe(userID string) (*Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidInput
	}
	ch := make(chan InvalidationEvent, b.buffer)
	sub := &Subscription{
		ID:     ulid.Make().String(),
		UserID: userID,
		C:      ch,
		ch:     ch,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	subs := b.users[userID]
	for len(subs) >= b.maxPerUser {
		oldest := subs[0]
		subs = subs[1:]
		close(oldest.ch)
		b.evicted.Add(1)
		subscribersEvicted.Inc()
		subscribersActive.Dec()
		glog.Warningf("relaysync: evicted subscriber %s for user %s (cap %d)", oldest.ID, userID, b.maxPerUser)
	}
	b.users[userID] = append(subs, sub)
	subscribersActive.Inc()
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel. Removing an
// unknown or already removed subscriber is a no-op.
func (b *Broadcaster) Unsubscribe(userID, subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.users[userID]
	for i, sub := range subs {
		if sub.ID != subscriptionID {
			continue
		}
		close(sub.ch)
		subscribersActive.Dec()
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(b.users, userID)
		} else {
			b.users[userID] = subs
		}
		return
	}
}

// Publish delivers event to local subscribers and hands it to the relay.
// It never blocks on a slow subscriber and never returns an error.
func (b *Broadcaster) Publish(ctx context.Context, event InvalidationEvent) {
	if strings.TrimSpace(event.UserID) == "" {
		return
	}
	if event.Origin == "" {
		event.Origin = b.origin
	}
	b.published.Add(1)
	invalidationsPublished.Inc()
	b.deliver(event)

	b.relayMu.RLock()
	relay := b.relay
	b.relayMu.RUnlock()
	if relay == nil || event.Origin != b.origin {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	relayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayPublishTimeout)
	defer cancel()
	if err := relay.Publish(relayCtx, event); err != nil {
		b.relayErrors.Add(1)
		glog.Warningf("relaysync: relay publish for user %s failed: %v", event.UserID, err)
		return
	}
	b.relayed.Add(1)
}

// DeliverRemote hands an event received from the relay to local
// subscribers. Events this instance published itself are ignored.
func (b *Broadcaster) DeliverRemote(event InvalidationEvent) {
	if event.Origin == b.origin || strings.TrimSpace(event.UserID) == "" {
		return
	}
	b.deliver(event)
}

func (b *Broadcaster) deliver(event InvalidationEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.users[event.UserID] {
		select {
		case sub.ch <- event:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
			invalidationsDropped.Inc()
			glog.V(2).Infof("relaysync: subscriber %s full, dropped %q", sub.ID, event.Reason)
		}
	}
}

func (b *Broadcaster) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.users[userID])
}

func (b *Broadcaster) Stats() BroadcasterStats {
	b.mu.RLock()
	users := len(b.users)
	subscribers := 0
	for _, subs := range b.users {
		subscribers += len(subs)
	}
	b.mu.RUnlock()
	return BroadcasterStats{
		Users:       users,
		Subscribers: subscribers,
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Evicted:     b.evicted.Load(),
		Relayed:     b.relayed.Load(),
		RelayErrors: b.relayErrors.Load(),
	}
}

// Close ends every subscription. Later Subscribe calls fail with ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for userID, subs := range b.users {
		for _, sub := range subs {
			close(sub.ch)
			subscribersActive.Dec()
		}
		delete(b.users, userID)
	}
}
