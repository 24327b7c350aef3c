package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/event-chat/internal/stats"
	"github.com/npezzotti/event-chat/internal/types"
)

const (
	metricActiveClients = "NumActiveClients"
	metricActiveRooms   = "NumActiveRooms"
	metricMessagesSent  = "NumMessagesSent"
)

// ChatService is the permission and storage layer the gateway routes
// inbound events to.
type ChatService interface {
	AssertParticipate(userId, eventId string) error
	CreateMessage(authorId, eventId, content string) (types.Message, error)
	ListMessages(eventId string, before time.Time, limit int) ([]types.Message, error)
	MessageEventId(messageId string) (string, error)
	AddOrReplaceReaction(userId, messageId, emoji string) (types.Reaction, error)
	RemoveReaction(userId, messageId string) (types.Reaction, error)
	SoftDeleteMessage(requestor types.Identity, messageId string) (types.Message, error)
}

// Fanout carries room broadcasts to every node. Publications come back to
// each node, this one included, through ChatServer.Deliver.
type Fanout interface {
	Publish(eventId, skip string, payload []byte)
}

type requestKind int

const (
	reqRegister requestKind = iota
	reqDeregister
	reqJoin
	reqLeave
	reqStartTyping
	reqStopTyping
	reqClearTyping
	reqTypingExpired
	reqBroadcast
	reqDeliver
)

// request is a unit of work for the control loop. Only the fields the kind
// needs are set.
type request struct {
	kind    requestKind
	client  *Client
	eventId string
	userId  string
	msgId   int
	gen     uint64
	msg     *ServerMessage
	skip    string
}

type stopRequest struct {
	done chan struct{}
}

// ChatServer owns the room registry and every timer of the chat. All state
// is mutated on the goroutine running Run; connection goroutines talk to it
// through requests.
type ChatServer struct {
	log           *log.Logger
	chat          ChatService
	stats         stats.StatsProvider
	registry      RoomRegistry
	fanout        Fanout
	clients       map[*Client]struct{}
	typingTimers  map[typingKey]*typingTimer
	typingGen     uint64
	typingTimeout time.Duration
	requests      chan *request
	stop          chan stopRequest
	done          chan struct{}
	// closed is set by Shutdown under mu; enqueue holds mu for reading so
	// no request is accepted after the loop's final drain.
	mu     sync.RWMutex
	closed bool
}

func NewChatServer(logger *log.Logger, svc ChatService, registry RoomRegistry, su stats.StatsProvider) (*ChatServer, error) {
	if registry == nil {
		registry = NewMemoryRegistry()
	}

	su.RegisterMetric(metricActiveClients)
	su.RegisterMetric(metricActiveRooms)
	su.RegisterMetric(metricMessagesSent)

	return &ChatServer{
		log:           logger,
		chat:          svc,
		stats:         su,
		registry:      registry,
		clients:       make(map[*Client]struct{}),
		typingTimers:  make(map[typingKey]*typingTimer),
		typingTimeout: typingTimeout,
		requests:      make(chan *request, 256),
		stop:          make(chan stopRequest),
		done:          make(chan struct{}),
	}, nil
}

// SetFanout routes room broadcasts through f. It must be called before Run.
func (cs *ChatServer) SetFanout(f Fanout) {
	cs.fanout = f
}

func (cs *ChatServer) Run() {
	defer close(cs.done)

	for {
		select {
		case req := <-cs.requests:
			cs.handleRequest(req)
		case req := <-cs.stop:
			cs.log.Println("shutting down chat server")
			cs.drainRequests()
			cs.shutdown()
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) handleRequest(req *request) {
	switch req.kind {
	case reqRegister:
		cs.addClient(req.client)
	case reqDeregister:
		cs.removeClient(req.client)
	case reqJoin:
		cs.handleJoin(req)
	case reqLeave:
		cs.handleLeave(req)
	case reqStartTyping:
		cs.startTyping(req.eventId, req.client.user.UserId)
	case reqStopTyping:
		cs.stopTyping(req.eventId, req.client.user.UserId)
	case reqClearTyping:
		cs.stopTyping(req.eventId, req.userId)
	case reqTypingExpired:
		cs.expireTyping(req.eventId, req.userId, req.gen)
	case reqBroadcast:
		if req.msg.Event == EventNewMessage {
			cs.stats.Incr(metricMessagesSent)
		}
		cs.broadcast(req.eventId, req.msg, nil)
		// a sender outside the room still sees the result of its action
		if req.client != nil && !cs.registry.IsMember(req.eventId, req.client) {
			req.client.queueMessage(req.msg)
		}
	case reqDeliver:
		cs.deliver(req.eventId, req.msg, req.skip)
	default:
		cs.log.Printf("unknown request kind %d", req.kind)
	}
}

// drainRequests runs every request accepted before Shutdown closed the
// queue, so registered clients are known to shutdown.
func (cs *ChatServer) drainRequests() {
	for {
		select {
		case req := <-cs.requests:
			cs.handleRequest(req)
		default:
			return
		}
	}
}

// enqueue hands a request to the control loop, failing once Shutdown has
// started.
func (cs *ChatServer) enqueue(req *request) error {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.closed {
		return errServiceUnavailable
	}

	select {
	case cs.requests <- req:
		return nil
	case <-cs.done:
		return errServiceUnavailable
	}
}

func (cs *ChatServer) RegisterClient(c *Client) error {
	return cs.enqueue(&request{kind: reqRegister, client: c})
}

func (cs *ChatServer) DeRegisterClient(c *Client) error {
	return cs.enqueue(&request{kind: reqDeregister, client: c})
}

// Deliver accepts a broadcast published through the fanout and hands it to
// the local members of the room.
func (cs *ChatServer) Deliver(eventId, skip string, payload []byte) {
	var msg ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		cs.log.Printf("deliver: decode broadcast for %q: %v", eventId, err)
		return
	}

	if err := cs.enqueue(&request{kind: reqDeliver, eventId: eventId, skip: skip, msg: &msg}); err != nil {
		cs.log.Printf("deliver: %v", err)
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.log.Printf("adding connection %q for user %q", c.id, c.user.UserId)
	cs.clients[c] = struct{}{}
	cs.stats.Incr(metricActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	if _, ok := cs.clients[c]; !ok {
		return
	}

	cs.log.Printf("removing connection %q for user %q", c.id, c.user.UserId)
	delete(cs.clients, c)
	cs.stats.Decr(metricActiveClients)

	for _, eventId := range cs.registry.RoomsOf(c) {
		cs.leaveRoom(eventId, c)
	}

	for _, eventId := range cs.registry.TypingRoomsOf(c.user.UserId) {
		cs.stopTyping(eventId, c.user.UserId)
	}
}

func (cs *ChatServer) handleJoin(req *request) {
	c := req.client
	if _, ok := cs.clients[c]; !ok {
		// disconnected while the join was being authorized
		return
	}

	firstSession := !cs.registry.HasUser(req.eventId, c.user.UserId)
	if cs.registry.Join(req.eventId, c) && len(cs.registry.Members(req.eventId)) == 1 {
		cs.stats.Incr(metricActiveRooms)
	}

	c.queueMessage(NewEvent(req.msgId, EventJoinedRoom, JoinedRoom{
		EventId:       req.eventId,
		TypingUserIds: cs.registry.Typing(req.eventId),
	}))

	if firstSession {
		cs.broadcast(req.eventId, NewEvent(0, EventUserJoined, UserJoined{
			EventId: req.eventId,
			User: types.PublicUser{
				Id:          c.user.UserId,
				DisplayName: c.user.DisplayName,
			},
		}), c)
	}
}

func (cs *ChatServer) handleLeave(req *request) {
	c := req.client
	if !cs.registry.IsMember(req.eventId, c) {
		c.queueMessage(ErrNotInRoom(req.msgId))
		return
	}

	cs.stopTyping(req.eventId, c.user.UserId)
	cs.leaveRoom(req.eventId, c)

	c.queueMessage(NewEvent(req.msgId, EventUserLeft, UserLeft{
		EventId: req.eventId,
		UserId:  c.user.UserId,
	}))
}

// leaveRoom unsubscribes the connection and tells the room once the user
// has no connection left in it.
func (cs *ChatServer) leaveRoom(eventId string, c *Client) {
	if !cs.registry.Leave(eventId, c) {
		return
	}

	if len(cs.registry.Members(eventId)) == 0 {
		cs.stats.Decr(metricActiveRooms)
	}

	if !cs.registry.HasUser(eventId, c.user.UserId) {
		cs.broadcast(eventId, NewEvent(0, EventUserLeft, UserLeft{
			EventId: eventId,
			UserId:  c.user.UserId,
		}), c)
	}
}

// broadcast sends msg to every member of the room except skip.
func (cs *ChatServer) broadcast(eventId string, msg *ServerMessage, skip *Client) {
	var skipId string
	if skip != nil {
		skipId = skip.id
	}

	if cs.fanout != nil {
		payload, err := serializeMessage(msg)
		if err != nil {
			cs.log.Printf("broadcast: serialize %q: %v", msg.Event, err)
			return
		}
		cs.fanout.Publish(eventId, skipId, payload)
		return
	}

	cs.deliver(eventId, msg, skipId)
}

func (cs *ChatServer) deliver(eventId string, msg *ServerMessage, skip string) {
	for _, c := range cs.registry.Members(eventId) {
		if c.id == skip {
			continue
		}

		c.queueMessage(msg)
	}
}

func (cs *ChatServer) shutdown() {
	cs.log.Printf("shutting down: %d clients in %d rooms", len(cs.clients), cs.registry.NumRooms())
	for key, t := range cs.typingTimers {
		t.timer.Stop()
		delete(cs.typingTimers, key)
	}

	for c := range cs.clients {
		c.stopClient()
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.mu.Lock()
	cs.closed = true
	cs.mu.Unlock()

	req := stopRequest{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
