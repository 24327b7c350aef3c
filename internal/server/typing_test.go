package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor runs queued requests until cond holds.
func waitFor(t *testing.T, cs *ChatServer, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		processPending(cs)
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func typingUpdates(msgs []*ServerMessage) [][]string {
	var sets [][]string
	for _, msg := range msgs {
		if msg.Event == EventTypingUpdate {
			sets = append(sets, msg.Data.(TypingUpdate).UserIds)
		}
	}
	return sets
}

func TestTyping_Expiry(t *testing.T) {
	f := newFixture(t)
	f.cs.typingTimeout = 50 * time.Millisecond
	host := f.connect(f.host)
	guest := f.connect(f.guest)
	f.join(t, host)
	f.join(t, guest)
	drain(host)

	f.cs.startTyping(f.eventId, f.guest.UserId)
	assert.Equal(t, [][]string{{f.guest.UserId}}, typingUpdates(drain(host)))

	waitFor(t, f.cs, func() bool {
		return len(f.cs.registry.Typing(f.eventId)) == 0
	})

	assert.Equal(t, [][]string{{}}, typingUpdates(drain(host)), "expected exactly one update to the empty set")
	assert.Empty(t, f.cs.typingTimers)

	time.Sleep(2 * f.cs.typingTimeout)
	processPending(f.cs)
	assertNoMessage(t, host)
}

func TestTyping_DebouncedRefresh(t *testing.T) {
	f := newFixture(t)
	host := f.connect(f.host)
	f.join(t, host)

	f.cs.startTyping(f.eventId, f.host.UserId)
	key := typingKey{eventId: f.eventId, userId: f.host.UserId}
	first := f.cs.typingTimers[key].gen

	f.cs.startTyping(f.eventId, f.host.UserId)
	second := f.cs.typingTimers[key].gen

	assert.NotEqual(t, first, second, "expected refresh to rearm the timer")
	assert.Len(t, typingUpdates(drain(host)), 1, "expected refresh not to broadcast again")

	// an expiry queued before the refresh is stale
	f.cs.expireTyping(f.eventId, f.host.UserId, first)
	assert.Equal(t, []string{f.host.UserId}, f.cs.registry.Typing(f.eventId))
	assertNoMessage(t, host)

	f.cs.expireTyping(f.eventId, f.host.UserId, second)
	assert.Empty(t, f.cs.registry.Typing(f.eventId))
	assert.Equal(t, [][]string{{}}, typingUpdates(drain(host)))
}

func TestTyping_Stop(t *testing.T) {
	f := newFixture(t)
	host := f.connect(f.host)
	f.join(t, host)

	f.cs.stopTyping(f.eventId, f.host.UserId)
	assertNoMessage(t, host)

	f.cs.startTyping(f.eventId, f.host.UserId)
	f.cs.stopTyping(f.eventId, f.host.UserId)

	assert.Equal(t, [][]string{{f.host.UserId}, {}}, typingUpdates(drain(host)))
	assert.Empty(t, f.cs.typingTimers, "expected stop to cancel the pending expiry")
}

func TestTyping_WithoutJoining(t *testing.T) {
	f := newFixture(t)
	guest := f.connect(f.guest)
	f.join(t, guest)
	host := f.connect(f.host)

	f.send(t, host, 2, EventStartTyping, RoomPayload{EventId: f.eventId})
	assertNoMessage(t, host)
	assert.Equal(t, []string{f.host.UserId}, f.cs.registry.Typing(f.eventId))
	assert.Equal(t, [][]string{{f.host.UserId}}, typingUpdates(drain(guest)))

	f.send(t, host, 3, EventStopTyping, RoomPayload{EventId: f.eventId})
	assertNoMessage(t, host)
	assert.Equal(t, [][]string{{}}, typingUpdates(drain(guest)))

	t.Run("stop when not typing is silent", func(t *testing.T) {
		f.send(t, host, 4, EventStopTyping, RoomPayload{EventId: f.eventId})
		assertNoMessage(t, host)
		assertNoMessage(t, guest)
	})

	t.Run("stop after leaving", func(t *testing.T) {
		f.send(t, guest, 5, EventLeaveRoom, RoomPayload{EventId: f.eventId})
		drain(guest)

		f.send(t, guest, 6, EventStopTyping, RoomPayload{EventId: f.eventId})
		assertNoMessage(t, guest)
	})

	t.Run("unconfirmed registrant", func(t *testing.T) {
		stranger := f.connect(f.stranger)
		f.send(t, stranger, 7, EventStartTyping, RoomPayload{EventId: f.eventId})

		msg := nextMessage(t, stranger)
		require.Equal(t, EventError, msg.Event)
		assert.Equal(t, 7, msg.Id)
		assert.Equal(t, 403, msg.Data.(ErrorPayload).Code)
		assert.NotContains(t, f.cs.registry.Typing(f.eventId), f.stranger.UserId)
	})
}

func TestTyping_StaysLocalWithFanout(t *testing.T) {
	f := newFixture(t)
	fanout := &recordingFanout{}
	f.cs.SetFanout(fanout)
	guest := f.connect(f.guest)
	f.cs.registry.Join(f.eventId, guest)

	f.cs.startTyping(f.eventId, f.host.UserId)
	f.cs.stopTyping(f.eventId, f.host.UserId)

	assert.Equal(t, [][]string{{f.host.UserId}, {}}, typingUpdates(drain(guest)))
	assert.Empty(t, fanout.published, "expected typing updates not to be published to other nodes")
}
