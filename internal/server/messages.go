package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/event-chat/internal/chat"
	"github.com/npezzotti/event-chat/internal/types"
)

// Inbound events.
const (
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventStartTyping    = "startTyping"
	EventStopTyping     = "stopTyping"
	EventSendMessage    = "sendMessage"
	EventGetMessages    = "getMessages"
	EventAddReaction    = "addReaction"
	EventRemoveReaction = "removeReaction"
	EventDeleteMessage  = "deleteMessage"
)

// Outbound events.
const (
	EventJoinedRoom      = "joinedRoom"
	EventUserJoined      = "userJoined"
	EventUserLeft        = "userLeft"
	EventTypingUpdate    = "typingUpdate"
	EventNewMessage      = "newMessage"
	EventMessagesHistory = "messagesHistory"
	EventReactionAdded   = "reactionAdded"
	EventReactionRemoved = "reactionRemoved"
	EventMessageDeleted  = "messageDeleted"
	EventError           = "error"
)

var errServiceUnavailable = errors.New("service unavailable")

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type RoomPayload struct {
	EventId string `json:"event_id"`
}

type SendMessagePayload struct {
	EventId string `json:"event_id"`
	Content string `json:"content"`
}

type GetMessagesPayload struct {
	EventId string     `json:"event_id"`
	Before  *time.Time `json:"before,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

type AddReactionPayload struct {
	MessageId string `json:"message_id"`
	Emoji     string `json:"emoji"`
	EventId   string `json:"event_id"`
}

type MessageRefPayload struct {
	MessageId string `json:"message_id"`
	EventId   string `json:"event_id"`
}

type JoinedRoom struct {
	EventId       string   `json:"event_id"`
	TypingUserIds []string `json:"typing_user_ids"`
}

type UserJoined struct {
	EventId string           `json:"event_id"`
	User    types.PublicUser `json:"user"`
}

type UserLeft struct {
	EventId string `json:"event_id"`
	UserId  string `json:"user_id"`
}

type TypingUpdate struct {
	EventId string   `json:"event_id"`
	UserIds []string `json:"user_ids"`
}

type MessagesHistory struct {
	EventId  string          `json:"event_id"`
	Messages []types.Message `json:"messages"`
}

type ReactionRemoved struct {
	EventId    string `json:"event_id"`
	MessageId  string `json:"message_id"`
	ReactionId string `json:"reaction_id"`
	UserId     string `json:"user_id"`
}

type MessageDeleted struct {
	EventId   string `json:"event_id"`
	MessageId string `json:"message_id"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewEvent(id int, event string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Event: event,
		Data:  data,
	}
}

func NewError(id, code int, message string) *ServerMessage {
	return NewEvent(id, EventError, ErrorPayload{Code: code, Message: message})
}

func ErrInvalidMessage(id int) *ServerMessage {
	return NewError(id, http.StatusBadRequest, "invalid message format")
}

func ErrInternalError(id int) *ServerMessage {
	return NewError(id, http.StatusInternalServerError, "internal server error")
}

func ErrNotInRoom(id int) *ServerMessage {
	return NewError(id, http.StatusNotFound, "not a member of this room")
}

// errorCode classifies an error from event handling. Unclassified errors
// are reported as internal errors without their detail.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, errServiceUnavailable):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func decodeData[T any](raw json.RawMessage) (T, error) {
	var data T
	if len(raw) == 0 {
		return data, fmt.Errorf("%w: missing data", chat.ErrValidation)
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("%w: malformed data: %v", chat.ErrValidation, err)
	}

	return data, nil
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
