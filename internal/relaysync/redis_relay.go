package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

const DefaultRelayChannel = "relaysync:invalidations"

// RedisRelay bridges Broadcasters on separate instances over one Redis
// pub/sub channel. Without it invalidations only reach subscribers on the
// instance that handled the push.
type RedisRelay struct {
	client    *redis.Client
	channel   string
	connected atomic.Bool
}

func NewRedisRelay(client *redis.Client, channel string) *RedisRelay {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{client: client, channel: channel}
}

func (r *RedisRelay) Channel() string {
	return r.channel
}

// Connected reports whether Run currently holds a live subscription.
func (r *RedisRelay) Connected() bool {
	return r != nil && r.connected.Load()
}

func (r *RedisRelay) Publish(ctx context.Context, event InvalidationEvent) error {
	if r == nil || r.client == nil {
		return ErrClosed
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Run subscribes to the relay channel and passes every decoded event to
// deliver until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, deliver func(InvalidationEvent)) error {
	if r == nil || r.client == nil {
		return ErrClosed
	}
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	r.connected.Store(true)
	defer r.connected.Store(false)
	glog.Infof("relaysync: relay subscribed to %s", r.channel)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event InvalidationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				glog.Warningf("relaysync: relay dropped malformed payload: %v", err)
				continue
			}
			deliver(event)
		}
	}
}
