// Package chatclient is the client side of the chat websocket protocol. It
// sends typed events and dispatches server events to registered handlers.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/event-chat/internal/server"
)

const writeWait = 10 * time.Second

var ErrUnauthorized = errors.New("unauthorized")

// Event is one frame received from the server.
type Event struct {
	Id        int             `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload decodes the payload of an error event.
func (e Event) ErrorPayload() (server.ErrorPayload, error) {
	var p server.ErrorPayload
	err := json.Unmarshal(e.Data, &p)
	return p, err
}

type Handler func(Event)

// AnyEvent registers a handler for every event.
const AnyEvent = "*"

type Client struct {
	conn     *websocket.Conn
	log      *log.Logger
	writeMu  sync.Mutex
	mu       sync.RWMutex
	handlers map[string][]Handler
	nextId   atomic.Int64
	done     chan struct{}
	err      error
}

// Dial opens a chat connection authenticated with token. A rejected
// credential is reported as ErrUnauthorized.
func Dial(ctx context.Context, url, token string, logger *log.Logger) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		log:      logger,
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// On registers h for the named event. Handlers run on the read goroutine in
// the order frames arrive.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.err = err
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.log.Println("chatclient: decode event:", err)
			continue
		}

		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev Event) {
	c.mu.RLock()
	handlers := append(append([]Handler(nil), c.handlers[ev.Event]...), c.handlers[AnyEvent]...)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Send writes an event and returns the correlation id the server echoes in
// the reply or error.
func (c *Client) Send(event string, data any) (int, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", event, err)
	}

	id := int(c.nextId.Add(1))
	frame := server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: id, Timestamp: time.Now().UTC()},
		Event:       event,
		Data:        raw,
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(frame); err != nil {
		return 0, fmt.Errorf("write %s: %w", event, err)
	}

	return id, nil
}

func (c *Client) JoinRoom(eventId string) (int, error) {
	return c.Send(server.EventJoinRoom, server.RoomPayload{EventId: eventId})
}

func (c *Client) LeaveRoom(eventId string) (int, error) {
	return c.Send(server.EventLeaveRoom, server.RoomPayload{EventId: eventId})
}

func (c *Client) StartTyping(eventId string) (int, error) {
	return c.Send(server.EventStartTyping, server.RoomPayload{EventId: eventId})
}

func (c *Client) StopTyping(eventId string) (int, error) {
	return c.Send(server.EventStopTyping, server.RoomPayload{EventId: eventId})
}

func (c *Client) SendMessage(eventId, content string) (int, error) {
	return c.Send(server.EventSendMessage, server.SendMessagePayload{EventId: eventId, Content: content})
}

// GetMessages requests a page of history. A nil before asks for the newest
// page and a zero limit for the server default.
func (c *Client) GetMessages(eventId string, before *time.Time, limit int) (int, error) {
	return c.Send(server.EventGetMessages, server.GetMessagesPayload{EventId: eventId, Before: before, Limit: limit})
}

func (c *Client) AddReaction(eventId, messageId, emoji string) (int, error) {
	return c.Send(server.EventAddReaction, server.AddReactionPayload{EventId: eventId, MessageId: messageId, Emoji: emoji})
}

func (c *Client) RemoveReaction(eventId, messageId string) (int, error) {
	return c.Send(server.EventRemoveReaction, server.MessageRefPayload{EventId: eventId, MessageId: messageId})
}

func (c *Client) DeleteMessage(eventId, messageId string) (int, error) {
	return c.Send(server.EventDeleteMessage, server.MessageRefPayload{EventId: eventId, MessageId: messageId})
}

// Done is closed once the connection stops reading.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the read loop ended. It is nil after a clean close and
// only meaningful once Done is closed.
func (c *Client) Err() error {
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}

	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
