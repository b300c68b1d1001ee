/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Optional BroadcastChannel collaborator used by the cost
             ledger to sync NEW_ENTRY notifications across sibling
             processes. Ported from redisclient/redis.go's client
             setup, layered with redis pub/sub instead of plain
             key/value access.
Root Cause:  External collaborator #4 — BroadcastChannel.
Suitability: L2 — thin pub/sub wrapper.
──────────────────────────────────────────────────────────────
*/

package broadcast

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Message is the payload shape broadcast across processes. Ledger
// sends {type: "NEW_ENTRY", entry: <json>}.
type Message struct {
	Type  string
	Entry []byte
}

// Channel is the optional BroadcastChannel collaborator: Publish a
// message, subscribe a handler for incoming ones. Implementations
// without an equivalent primitive may simply not be constructed —
// ledger invariants hold within a single process regardless.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	OnMessage(handler func(Message))
	Close() error
}

// RedisChannel implements Channel over a redis pub/sub topic.
type RedisChannel struct {
	client *redis.Client
	topic  string
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func NewRedisChannel(rawURL, topic string) (*RedisChannel, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	return &RedisChannel{client: client, topic: topic}, nil
}

func (c *RedisChannel) Publish(ctx context.Context, msg Message) error {
	return c.client.Publish(ctx, c.topic, msg.Entry).Err()
}

// OnMessage subscribes and invokes handler for every message received
// on the topic, on a background goroutine, until Close is called.
func (c *RedisChannel) OnMessage(handler func(Message)) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.pubsub = c.client.Subscribe(ctx, c.topic)

	ch := c.pubsub.Channel()
	go func() {
		for msg := range ch {
			handler(Message{Type: "NEW_ENTRY", Entry: []byte(msg.Payload)})
		}
	}()
}

func (c *RedisChannel) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.pubsub != nil {
		_ = c.pubsub.Close()
	}
	return c.client.Close()
}
