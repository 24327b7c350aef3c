package server

import "time"

// typingTimeout is how long a typing mark lasts without a refresh.
const typingTimeout = 3 * time.Second

type typingKey struct {
	eventId string
	userId  string
}

// typingTimer is the pending expiry of one typing mark. gen identifies the
// arming so that an expiry queued before a refresh is ignored.
type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

func (cs *ChatServer) startTyping(eventId, userId string) {
	if cs.registry.StartTyping(eventId, userId) {
		cs.broadcastTyping(eventId)
	}

	cs.armTypingTimer(typingKey{eventId: eventId, userId: userId})
}

func (cs *ChatServer) stopTyping(eventId, userId string) {
	cs.cancelTypingTimer(typingKey{eventId: eventId, userId: userId})

	if cs.registry.StopTyping(eventId, userId) {
		cs.broadcastTyping(eventId)
	}
}

func (cs *ChatServer) expireTyping(eventId, userId string, gen uint64) {
	key := typingKey{eventId: eventId, userId: userId}
	t, ok := cs.typingTimers[key]
	if !ok || t.gen != gen {
		return
	}

	delete(cs.typingTimers, key)
	if cs.registry.StopTyping(eventId, userId) {
		cs.broadcastTyping(eventId)
	}
}

// armTypingTimer replaces any pending expiry for the key.
func (cs *ChatServer) armTypingTimer(key typingKey) {
	cs.cancelTypingTimer(key)

	cs.typingGen++
	gen := cs.typingGen
	cs.typingTimers[key] = &typingTimer{
		gen: gen,
		timer: time.AfterFunc(cs.typingTimeout, func() {
			cs.enqueue(&request{
				kind:    reqTypingExpired,
				eventId: key.eventId,
				userId:  key.userId,
				gen:     gen,
			})
		}),
	}
}

func (cs *ChatServer) cancelTypingTimer(key typingKey) {
	if t, ok := cs.typingTimers[key]; ok {
		t.timer.Stop()
		delete(cs.typingTimers, key)
	}
}

// broadcastTyping sends the full typing set to local members only. Typing
// state is per node, so it never goes through the fanout.
func (cs *ChatServer) broadcastTyping(eventId string) {
	cs.deliver(eventId, NewEvent(0, EventTypingUpdate, TypingUpdate{
		EventId: eventId,
		UserIds: cs.registry.Typing(eventId),
	}), "")
}
