// Package bus carries row-change notifications from writers to every feed hub.
package bus

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message types.
const (
	TypeChange = "change"
	// TypeResync tells the consumer that messages may have been lost.
	TypeResync = "resync"
)

// Message represents one notification.
type Message struct {
	Type string
	Body []byte
}

// Bus is the abstraction over different backends. Publish never waits on consumers.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a channel-backed bus for a single process.
type InMemory struct {
	ch      chan Message
	dropped atomic.Bool
}

// NewInMemory creates a bounded in-memory bus.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 64
	}
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message. When the buffer is full the message is dropped and the
// consumer receives a resync instead.
func (q *InMemory) Publish(_ context.Context, msg Message) error {
	select {
	case q.ch <- msg:
	default:
		q.dropped.Store(true)
	}
	return nil
}

// Consume returns a channel for the single consumer.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			var msg Message
			select {
			case msg = <-q.ch:
			case <-ctx.Done():
				return
			}
			if q.dropped.Swap(false) {
				if !send(ctx, out, Message{Type: TypeResync}) {
					return
				}
			}
			if !send(ctx, out, msg) {
				return
			}
		}
	}()
	return out, nil
}

// RedisBus fans messages out to every instance through Redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBus builds a bus on channel.
func NewRedisBus(client *redis.Client, channel string, logger *zap.Logger) *RedisBus {
	if channel == "" {
		channel = "attendance:changes"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

// Publish broadcasts a message.
func (q *RedisBus) Publish(ctx context.Context, msg Message) error {
	return q.client.Publish(ctx, q.channel, serialize(msg)).Err()
}

// Consume subscribes to the channel. go-redis re-subscribes on its own after a dropped
// connection; every re-subscription after the first is surfaced as a resync because
// anything published in between is gone.
func (q *RedisBus) Consume(ctx context.Context) (<-chan Message, error) {
	pubsub := q.client.Subscribe(ctx, q.channel)
	in := pubsub.ChannelWithSubscriptions()
	out := make(chan Message)
	go func() {
		defer close(out)
		defer pubsub.Close()
		subscribed := false
		for {
			var raw interface{}
			select {
			case raw = <-in:
			case <-ctx.Done():
				return
			}
			switch m := raw.(type) {
			case *redis.Subscription:
				if m.Kind != "subscribe" {
					continue
				}
				if subscribed {
					q.logger.Warn("bus resubscribed, requesting resync", zap.String("channel", q.channel))
					if !send(ctx, out, Message{Type: TypeResync}) {
						return
					}
				}
				subscribed = true
			case *redis.Message:
				if !send(ctx, out, deserialize(m.Payload)) {
					return
				}
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// serialize stores messages as Type|Body.
func serialize(msg Message) string {
	return msg.Type + "|" + string(msg.Body)
}

func deserialize(s string) Message {
	typ, body, ok := strings.Cut(s, "|")
	if !ok {
		return Message{Type: TypeChange, Body: []byte(s)}
	}
	return Message{Type: typ, Body: []byte(body)}
}
