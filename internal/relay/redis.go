// Package relay federates chat room broadcasts across nodes over Redis
// pub/sub. Each room maps to one channel; every node subscribes to all of
// them and hands publications to its local room members.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "event-chat:room:"
	outgoingSize  = 256
)

// DeliverFunc receives one broadcast for a room. skip names the connection
// that must not receive it.
type DeliverFunc func(eventId, skip string, payload []byte)

type envelope struct {
	Skip    string          `json:"skip,omitempty"`
	Message json.RawMessage `json:"message"`
}

type publication struct {
	channel string
	data    []byte
}

type RedisRelay struct {
	client   *redis.Client
	prefix   string
	log      *log.Logger
	outgoing chan publication
}

func NewRedisRelay(client *redis.Client, prefix string, logger *log.Logger) *RedisRelay {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &RedisRelay{
		client:   client,
		prefix:   prefix,
		log:      logger,
		outgoing: make(chan publication, outgoingSize),
	}
}

func (r *RedisRelay) channel(eventId string) string {
	return r.prefix + eventId
}

func (r *RedisRelay) eventId(channel string) (string, bool) {
	return strings.CutPrefix(channel, r.prefix)
}

// Publish queues a room broadcast. It never blocks; publications beyond the
// queue capacity are dropped.
func (r *RedisRelay) Publish(eventId, skip string, payload []byte) {
	data, err := json.Marshal(envelope{Skip: skip, Message: payload})
	if err != nil {
		r.log.Printf("relay: encode broadcast for %q: %v", eventId, err)
		return
	}

	select {
	case r.outgoing <- publication{channel: r.channel(eventId), data: data}:
	default:
		r.log.Printf("relay: queue full, dropping broadcast for %q", eventId)
	}
}

// Run subscribes to every room channel and delivers publications until ctx
// is cancelled. Queued broadcasts are published from the same call.
func (r *RedisRelay) Run(ctx context.Context, deliver DeliverFunc) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	go r.publish(ctx)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg, deliver)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *RedisRelay) publish(ctx context.Context) {
	for {
		select {
		case p := <-r.outgoing:
			if err := r.client.Publish(ctx, p.channel, p.data).Err(); err != nil {
				r.log.Printf("relay: publish to %q: %v", p.channel, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *RedisRelay) handle(msg *redis.Message, deliver DeliverFunc) {
	eventId, ok := r.eventId(msg.Channel)
	if !ok {
		return
	}

	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.log.Printf("relay: decode publication on %q: %v", msg.Channel, err)
		return
	}

	deliver(eventId, env.Skip, env.Message)
}
