package relay

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/npezzotti/event-chat/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	eventId string
	skip    string
	payload string
}

func TestRedisRelay_Channels(t *testing.T) {
	r := NewRedisRelay(nil, "", testutil.TestLogger(t))
	assert.Equal(t, "event-chat:room:e1", r.channel("e1"))

	eventId, ok := r.eventId("event-chat:room:e1")
	assert.True(t, ok)
	assert.Equal(t, "e1", eventId)

	_, ok = r.eventId("other:e1")
	assert.False(t, ok)
}

func TestRedisRelay_Publish(t *testing.T) {
	r := NewRedisRelay(nil, "test:", testutil.TestLogger(t))

	r.Publish("e1", "conn-1", []byte(`{"event":"newMessage"}`))

	p := <-r.outgoing
	assert.Equal(t, "test:e1", p.channel)
	assert.JSONEq(t, `{"skip":"conn-1","message":{"event":"newMessage"}}`, string(p.data))

	t.Run("drops when the queue is full", func(t *testing.T) {
		for i := 0; i < outgoingSize+10; i++ {
			r.Publish("e1", "", []byte(`{}`))
		}
		assert.Len(t, r.outgoing, outgoingSize)
	})
}

func TestRedisRelay_handle(t *testing.T) {
	r := NewRedisRelay(nil, "", testutil.TestLogger(t))

	var got []delivery
	deliver := func(eventId, skip string, payload []byte) {
		got = append(got, delivery{eventId, skip, string(payload)})
	}

	r.handle(&redis.Message{Channel: "event-chat:room:e1", Payload: `{"skip":"c1","message":{"id":1}}`}, deliver)
	r.handle(&redis.Message{Channel: "event-chat:room:e2", Payload: `not json`}, deliver)
	r.handle(&redis.Message{Channel: "elsewhere", Payload: `{"message":{}}`}, deliver)

	assert.Equal(t, []delivery{{eventId: "e1", skip: "c1", payload: `{"id":1}`}}, got)
}

func TestRedisRelay_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}

	r := NewRedisRelay(client, "event-chat-test:", testutil.TestLogger(t))
	received := make(chan delivery, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(ctx, func(eventId, skip string, payload []byte) {
			select {
			case received <- delivery{eventId, skip, string(payload)}:
			default:
			}
		})
	}()

	// subscription is confirmed asynchronously; republish until it lands
	payload, _ := json.Marshal(map[string]string{"event": "typingUpdate"})
	var got delivery
	require.Eventually(t, func() bool {
		r.Publish("e1", "c1", payload)
		select {
		case got = <-received:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 100*time.Millisecond)

	assert.Equal(t, "e1", got.eventId)
	assert.Equal(t, "c1", got.skip)
	assert.JSONEq(t, string(payload), got.payload)

	cancel()
	assert.NoError(t, <-errCh)
}
