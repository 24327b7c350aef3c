package server

import (
	"fmt"
	"time"

	"github.com/npezzotti/event-chat/internal/chat"
)

// dispatch handles one inbound event. Every failure, a panic included, is
// reported to the originating connection as an error event; nothing reaches
// other members and the connection stays open.
func (cs *ChatServer) dispatch(c *Client, msg *ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			cs.log.Printf("panic handling %q from %q: %v", msg.Event, c.user.UserId, r)
			c.queueMessage(ErrInternalError(msg.Id))
		}
	}()

	var err error
	switch msg.Event {
	case EventJoinRoom:
		err = cs.handleJoinRoom(c, msg)
	case EventLeaveRoom:
		err = cs.handleRoomRequest(c, msg, reqLeave)
	case EventStartTyping:
		err = cs.handleStartTyping(c, msg)
	case EventStopTyping:
		err = cs.handleRoomRequest(c, msg, reqStopTyping)
	case EventSendMessage:
		err = cs.handleSendMessage(c, msg)
	case EventGetMessages:
		err = cs.handleGetMessages(c, msg)
	case EventAddReaction:
		err = cs.handleAddReaction(c, msg)
	case EventRemoveReaction:
		err = cs.handleRemoveReaction(c, msg)
	case EventDeleteMessage:
		err = cs.handleDeleteMessage(c, msg)
	default:
		err = fmt.Errorf("%w: unknown event %q", chat.ErrValidation, msg.Event)
	}

	if err != nil {
		code, text := errorCode(err)
		if code >= 500 {
			cs.log.Printf("%s from %q: %v", msg.Event, c.user.UserId, err)
		}
		c.queueMessage(NewError(msg.Id, code, text))
	}
}

func (cs *ChatServer) handleJoinRoom(c *Client, msg *ClientMessage) error {
	data, err := decodeData[RoomPayload](msg.Data)
	if err != nil {
		return err
	}

	if err := cs.chat.AssertParticipate(c.user.UserId, data.EventId); err != nil {
		return err
	}

	return cs.enqueue(&request{kind: reqJoin, client: c, eventId: data.EventId, msgId: msg.Id})
}

// handleStartTyping checks the user may take part in the event before the
// mark is shown to the room. Membership of the room is not required.
func (cs *ChatServer) handleStartTyping(c *Client, msg *ClientMessage) error {
	data, err := decodeData[RoomPayload](msg.Data)
	if err != nil {
		return err
	}

	if err := cs.chat.AssertParticipate(c.user.UserId, data.EventId); err != nil {
		return err
	}

	return cs.enqueue(&request{kind: reqStartTyping, client: c, eventId: data.EventId, msgId: msg.Id})
}

// handleRoomRequest forwards events that only touch in-memory room state.
func (cs *ChatServer) handleRoomRequest(c *Client, msg *ClientMessage, kind requestKind) error {
	data, err := decodeData[RoomPayload](msg.Data)
	if err != nil {
		return err
	}

	if data.EventId == "" {
		return fmt.Errorf("%w: event id is required", chat.ErrValidation)
	}

	return cs.enqueue(&request{kind: kind, client: c, eventId: data.EventId, msgId: msg.Id})
}

func (cs *ChatServer) handleSendMessage(c *Client, msg *ClientMessage) error {
	data, err := decodeData[SendMessagePayload](msg.Data)
	if err != nil {
		return err
	}

	if err := cs.chat.AssertParticipate(c.user.UserId, data.EventId); err != nil {
		return err
	}

	if err := cs.enqueue(&request{kind: reqClearTyping, eventId: data.EventId, userId: c.user.UserId}); err != nil {
		return err
	}

	m, err := cs.chat.CreateMessage(c.user.UserId, data.EventId, data.Content)
	if err != nil {
		return err
	}

	return cs.enqueue(&request{
		kind:    reqBroadcast,
		client:  c,
		eventId: m.EventId,
		msg:     NewEvent(msg.Id, EventNewMessage, m),
	})
}

func (cs *ChatServer) handleGetMessages(c *Client, msg *ClientMessage) error {
	data, err := decodeData[GetMessagesPayload](msg.Data)
	if err != nil {
		return err
	}

	if err := cs.chat.AssertParticipate(c.user.UserId, data.EventId); err != nil {
		return err
	}

	var before time.Time
	if data.Before != nil {
		before = *data.Before
	}

	messages, err := cs.chat.ListMessages(data.EventId, before, data.Limit)
	if err != nil {
		return err
	}

	c.queueMessage(NewEvent(msg.Id, EventMessagesHistory, MessagesHistory{
		EventId:  data.EventId,
		Messages: messages,
	}))
	return nil
}

func (cs *ChatServer) handleAddReaction(c *Client, msg *ClientMessage) error {
	data, err := decodeData[AddReactionPayload](msg.Data)
	if err != nil {
		return err
	}

	if err := cs.checkMessageEvent(data.MessageId, data.EventId); err != nil {
		return err
	}

	r, err := cs.chat.AddOrReplaceReaction(c.user.UserId, data.MessageId, data.Emoji)
	if err != nil {
		return err
	}

	return cs.enqueue(&request{
		kind:    reqBroadcast,
		client:  c,
		eventId: r.EventId,
		msg:     NewEvent(msg.Id, EventReactionAdded, r),
	})
}

func (cs *ChatServer) handleRemoveReaction(c *Client, msg *ClientMessage) error {
	data, err := decodeData[MessageRefPayload](msg.Data)
	if err != nil {
		return err
	}

	if err := cs.checkMessageEvent(data.MessageId, data.EventId); err != nil {
		return err
	}

	r, err := cs.chat.RemoveReaction(c.user.UserId, data.MessageId)
	if err != nil {
		return err
	}

	return cs.enqueue(&request{
		kind:    reqBroadcast,
		client:  c,
		eventId: r.EventId,
		msg: NewEvent(msg.Id, EventReactionRemoved, ReactionRemoved{
			EventId:    r.EventId,
			MessageId:  r.MessageId,
			ReactionId: r.Id,
			UserId:     r.User.Id,
		}),
	})
}

func (cs *ChatServer) handleDeleteMessage(c *Client, msg *ClientMessage) error {
	data, err := decodeData[MessageRefPayload](msg.Data)
	if err != nil {
		return err
	}

	if err := cs.checkMessageEvent(data.MessageId, data.EventId); err != nil {
		return err
	}

	m, err := cs.chat.SoftDeleteMessage(c.user, data.MessageId)
	if err != nil {
		return err
	}

	return cs.enqueue(&request{
		kind:    reqBroadcast,
		client:  c,
		eventId: m.EventId,
		msg: NewEvent(msg.Id, EventMessageDeleted, MessageDeleted{
			EventId:   m.EventId,
			MessageId: m.Id,
		}),
	})
}

// checkMessageEvent rejects a client supplied event id that does not match
// the event the message belongs to. Broadcasts always target the stored one.
func (cs *ChatServer) checkMessageEvent(messageId, eventId string) error {
	stored, err := cs.chat.MessageEventId(messageId)
	if err != nil {
		return err
	}

	if eventId != "" && eventId != stored {
		return fmt.Errorf("%w: message does not belong to event %q", chat.ErrValidation, eventId)
	}

	return nil
}
