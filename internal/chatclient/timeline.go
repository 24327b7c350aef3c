package chatclient

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/npezzotti/event-chat/internal/server"
	"github.com/npezzotti/event-chat/internal/types"
)

// Timeline is the local view of one room's history. Updates are merged by
// message and reaction id, so duplicates and reordered deliveries converge
// on the same state.
type Timeline struct {
	eventId  string
	mu       sync.Mutex
	messages map[string]types.Message
	deleted  map[string]struct{}
	// reactions that arrived before their message
	pending map[string][]types.Reaction
}

func NewTimeline(eventId string) *Timeline {
	return &Timeline{
		eventId:  eventId,
		messages: make(map[string]types.Message),
		deleted:  make(map[string]struct{}),
		pending:  make(map[string][]types.Reaction),
	}
}

// Attach keeps the timeline updated from the client's events.
func (t *Timeline) Attach(c *Client) {
	for _, event := range []string{
		server.EventNewMessage,
		server.EventMessagesHistory,
		server.EventReactionAdded,
		server.EventReactionRemoved,
		server.EventMessageDeleted,
	} {
		c.On(event, func(ev Event) {
			if err := t.Apply(ev); err != nil {
				c.log.Println("chatclient: timeline:", err)
			}
		})
	}
}

// Apply merges one server event. Events for other rooms and events that do
// not change history are ignored.
func (t *Timeline) Apply(ev Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Event {
	case server.EventNewMessage:
		var m types.Message
		if err := decode(ev, &m); err != nil {
			return err
		}
		t.upsertMessage(m)
	case server.EventMessagesHistory:
		var h server.MessagesHistory
		if err := decode(ev, &h); err != nil {
			return err
		}
		if h.EventId != t.eventId {
			return nil
		}
		for _, m := range h.Messages {
			t.upsertMessage(m)
		}
	case server.EventReactionAdded:
		var r types.Reaction
		if err := decode(ev, &r); err != nil {
			return err
		}
		if r.EventId != t.eventId {
			return nil
		}
		t.addReaction(r)
	case server.EventReactionRemoved:
		var r server.ReactionRemoved
		if err := decode(ev, &r); err != nil {
			return err
		}
		if r.EventId != t.eventId {
			return nil
		}
		t.removeReaction(r.MessageId, r.ReactionId)
	case server.EventMessageDeleted:
		var d server.MessageDeleted
		if err := decode(ev, &d); err != nil {
			return err
		}
		if d.EventId != t.eventId {
			return nil
		}
		delete(t.messages, d.MessageId)
		delete(t.pending, d.MessageId)
		t.deleted[d.MessageId] = struct{}{}
	}

	return nil
}

func decode(ev Event, v any) error {
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Event, err)
	}
	return nil
}

func (t *Timeline) upsertMessage(m types.Message) {
	if m.EventId != t.eventId {
		return
	}
	if _, ok := t.deleted[m.Id]; ok {
		return
	}

	if existing, ok := t.messages[m.Id]; ok {
		for _, r := range existing.Reactions {
			m.Reactions = mergeReaction(m.Reactions, r, false)
		}
	}

	for _, r := range t.pending[m.Id] {
		m.Reactions = mergeReaction(m.Reactions, r, true)
	}
	delete(t.pending, m.Id)

	if m.Reactions == nil {
		m.Reactions = []types.Reaction{}
	}
	t.messages[m.Id] = m
}

func (t *Timeline) addReaction(r types.Reaction) {
	if _, ok := t.deleted[r.MessageId]; ok {
		return
	}

	m, ok := t.messages[r.MessageId]
	if !ok {
		t.pending[r.MessageId] = mergeReaction(t.pending[r.MessageId], r, true)
		return
	}

	m.Reactions = mergeReaction(m.Reactions, r, true)
	t.messages[r.MessageId] = m
}

func (t *Timeline) removeReaction(messageId, reactionId string) {
	drop := func(r types.Reaction) bool { return r.Id == reactionId }

	if m, ok := t.messages[messageId]; ok {
		m.Reactions = slices.DeleteFunc(m.Reactions, drop)
		t.messages[messageId] = m
	}

	if p, ok := t.pending[messageId]; ok {
		t.pending[messageId] = slices.DeleteFunc(p, drop)
	}
}

// mergeReaction places r in the list. A user holds one reaction per message,
// so an entry with the same id or user is replaced when replace is set and
// kept otherwise.
func mergeReaction(list []types.Reaction, r types.Reaction, replace bool) []types.Reaction {
	for i, existing := range list {
		if existing.Id == r.Id || existing.User.Id == r.User.Id {
			if replace {
				list[i] = r
			}
			return list
		}
	}
	return append(list, r)
}

// Messages returns the visible messages oldest to newest.
func (t *Timeline) Messages() []types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := make([]types.Message, 0, len(t.messages))
	for _, m := range t.messages {
		m.Reactions = slices.Clone(m.Reactions)
		msgs = append(msgs, m)
	}

	slices.SortFunc(msgs, func(a, b types.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		}
		return 0
	})

	return msgs
}

// Message returns one visible message.
func (t *Timeline) Message(id string) (types.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.messages[id]
	m.Reactions = slices.Clone(m.Reactions)
	return m, ok
}
