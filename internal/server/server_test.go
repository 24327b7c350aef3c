package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/event-chat/internal/chat"
	"github.com/npezzotti/event-chat/internal/database"
	"github.com/npezzotti/event-chat/internal/stats"
	"github.com/npezzotti/event-chat/internal/testutil"
	"github.com/npezzotti/event-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fixture is a chat server backed by the in-memory repository with one
// event hosted by host, a confirmed guest and an unconfirmed stranger.
type fixture struct {
	cs       *ChatServer
	repo     *testutil.MemoryRepository
	su       *stats.MockStatsUpdater
	eventId  string
	host     types.Identity
	guest    types.Identity
	stranger types.Identity
}

func newFixture(t *testing.T) *fixture {
	repo := testutil.NewMemoryRepository()
	f := &fixture{
		repo:     repo,
		su:       &stats.MockStatsUpdater{},
		eventId:  uuid.NewString(),
		host:     types.Identity{UserId: uuid.NewString(), DisplayName: "Host"},
		guest:    types.Identity{UserId: uuid.NewString(), DisplayName: "Guest"},
		stranger: types.Identity{UserId: uuid.NewString(), DisplayName: "Stranger"},
	}

	for _, u := range []types.Identity{f.host, f.guest, f.stranger} {
		repo.AddUser(database.User{Id: u.UserId, DisplayName: u.DisplayName})
	}
	repo.AddEvent(database.Event{Id: f.eventId, HostId: f.host.UserId, Title: "meetup"})
	repo.SetRegistration(f.guest.UserId, f.eventId, true)
	repo.SetRegistration(f.stranger.UserId, f.eventId, false)

	f.su.On("RegisterMetric", mock.Anything).Return().Times(3)
	f.su.On("Incr", mock.Anything).Maybe()
	f.su.On("Decr", mock.Anything).Maybe()

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, chat.NewService(logger, repo), nil, f.su)
	require.NoError(t, err)
	f.cs = cs

	return f
}

// connect registers a connection for the user without a socket.
func (f *fixture) connect(user types.Identity) *Client {
	c := NewClient(user, nil, f.cs, f.cs.log)
	f.cs.addClient(c)
	return c
}

// join subscribes the connection directly and discards the replies.
func (f *fixture) join(t *testing.T, c *Client) {
	f.cs.handleJoin(&request{kind: reqJoin, client: c, eventId: f.eventId})
	processPending(f.cs)
	drain(c)
}

// processPending runs every queued request on the calling goroutine.
func processPending(cs *ChatServer) {
	for {
		select {
		case req := <-cs.requests:
			cs.handleRequest(req)
		default:
			return
		}
	}
}

func drain(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func nextMessage(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("expected a message for connection %q", c.id)
		return nil
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("expected no message, got %q", msg.Event)
	default:
	}
}

type recordingFanout struct {
	mu        sync.Mutex
	published []publication
}

type publication struct {
	eventId string
	skip    string
	payload []byte
}

func (r *recordingFanout) Publish(eventId, skip string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, publication{eventId: eventId, skip: skip, payload: payload})
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", "NumActiveClients").Return().Once()
	su.On("RegisterMetric", "NumActiveRooms").Return().Once()
	su.On("RegisterMetric", "NumMessagesSent").Return().Once()

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, &chat.Service{}, nil, su)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.NotNil(t, cs.registry, "expected default registry")
	assert.NotNil(t, cs.requests, "expected requests channel to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.Equal(t, typingTimeout, cs.typingTimeout)
}

func TestChatServer_handleJoin(t *testing.T) {
	f := newFixture(t)
	host := f.connect(f.host)
	f.join(t, host)

	f.cs.registry.StartTyping(f.eventId, f.host.UserId)
	guest := f.connect(f.guest)
	f.cs.handleJoin(&request{kind: reqJoin, client: guest, eventId: f.eventId, msgId: 7})

	reply := nextMessage(t, guest)
	assert.Equal(t, EventJoinedRoom, reply.Event)
	assert.Equal(t, 7, reply.Id, "expected join reply to echo the request id")
	assert.Equal(t, JoinedRoom{EventId: f.eventId, TypingUserIds: []string{f.host.UserId}}, reply.Data)
	assertNoMessage(t, guest)

	joined := nextMessage(t, host)
	assert.Equal(t, EventUserJoined, joined.Event)
	assert.Equal(t, UserJoined{
		EventId: f.eventId,
		User:    types.PublicUser{Id: f.guest.UserId, DisplayName: "Guest"},
	}, joined.Data)

	t.Run("second session of a user", func(t *testing.T) {
		second := f.connect(f.guest)
		f.cs.handleJoin(&request{kind: reqJoin, client: second, eventId: f.eventId})

		assert.Equal(t, EventJoinedRoom, nextMessage(t, second).Event)
		assertNoMessage(t, host)
		assertNoMessage(t, guest)
	})

	t.Run("disconnected before join", func(t *testing.T) {
		gone := NewClient(f.guest, nil, f.cs, f.cs.log)
		f.cs.handleJoin(&request{kind: reqJoin, client: gone, eventId: f.eventId})

		assertNoMessage(t, gone)
		assert.False(t, f.cs.registry.IsMember(f.eventId, gone))
	})
}

func TestChatServer_handleJoin_Stats(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return().Times(3)
	su.On("Incr", "NumActiveClients").Twice()
	su.On("Incr", "NumActiveRooms").Once()
	su.On("Decr", "NumActiveRooms").Once()

	cs, err := NewChatServer(testutil.TestLogger(t), &chat.Service{}, nil, su)
	require.NoError(t, err)

	c1 := NewClient(types.Identity{UserId: "u1"}, nil, cs, cs.log)
	c2 := NewClient(types.Identity{UserId: "u2"}, nil, cs, cs.log)
	cs.addClient(c1)
	cs.addClient(c2)

	cs.handleJoin(&request{client: c1, eventId: "room"})
	cs.handleJoin(&request{client: c2, eventId: "room"})
	cs.leaveRoom("room", c1)
	cs.leaveRoom("room", c2)
}

func TestChatServer_handleLeave(t *testing.T) {
	f := newFixture(t)
	host := f.connect(f.host)
	guest := f.connect(f.guest)
	f.join(t, host)
	f.join(t, guest)
	drain(host)

	t.Run("not a member", func(t *testing.T) {
		stranger := f.connect(f.stranger)
		f.cs.handleLeave(&request{client: stranger, eventId: f.eventId, msgId: 3})

		msg := nextMessage(t, stranger)
		assert.Equal(t, EventError, msg.Event)
		assert.Equal(t, 3, msg.Id)
		assert.Equal(t, 404, msg.Data.(ErrorPayload).Code)
	})

	f.cs.startTyping(f.eventId, f.guest.UserId)
	drain(host)
	drain(guest)

	f.cs.handleLeave(&request{client: guest, eventId: f.eventId, msgId: 4})

	typing := nextMessage(t, host)
	assert.Equal(t, EventTypingUpdate, typing.Event)
	assert.Equal(t, TypingUpdate{EventId: f.eventId, UserIds: []string{}}, typing.Data)

	left := nextMessage(t, host)
	assert.Equal(t, EventUserLeft, left.Event)
	assert.Equal(t, UserLeft{EventId: f.eventId, UserId: f.guest.UserId}, left.Data)

	msgs := drain(guest)
	require.NotEmpty(t, msgs)
	ack := msgs[len(msgs)-1]
	assert.Equal(t, EventUserLeft, ack.Event)
	assert.Equal(t, 4, ack.Id, "expected leave acknowledgement to echo the request id")

	assert.False(t, f.cs.registry.IsMember(f.eventId, guest))
	assert.Empty(t, f.cs.typingTimers)
}

func TestChatServer_removeClient(t *testing.T) {
	f := newFixture(t)
	host := f.connect(f.host)
	guest1 := f.connect(f.guest)
	guest2 := f.connect(f.guest)
	f.join(t, host)
	f.join(t, guest1)
	f.join(t, guest2)
	drain(host)

	f.cs.startTyping(f.eventId, f.guest.UserId)
	drain(host)
	drain(guest2)

	f.cs.removeClient(guest1)

	typing := nextMessage(t, host)
	assert.Equal(t, EventTypingUpdate, typing.Event, "expected typing to be cleared on disconnect")
	assert.Equal(t, []string{}, typing.Data.(TypingUpdate).UserIds)
	assertNoMessage(t, host)
	assert.True(t, f.cs.registry.HasUser(f.eventId, f.guest.UserId))

	f.cs.removeClient(guest2)
	left := nextMessage(t, host)
	assert.Equal(t, EventUserLeft, left.Event, "expected userLeft once no connection of the user remains")
	assert.Equal(t, f.guest.UserId, left.Data.(UserLeft).UserId)

	f.cs.removeClient(guest2)
	assertNoMessage(t, host)
	assert.NotContains(t, f.cs.clients, guest2)
}

func TestChatServer_broadcast(t *testing.T) {
	f := newFixture(t)
	host := f.connect(f.host)
	guest := f.connect(f.guest)
	f.join(t, host)
	f.join(t, guest)
	drain(host)

	t.Run("local delivery skips the origin", func(t *testing.T) {
		f.cs.broadcast(f.eventId, NewEvent(0, EventNewMessage, "hi"), host)
		assert.Equal(t, EventNewMessage, nextMessage(t, guest).Event)
		assertNoMessage(t, host)
	})

	t.Run("non-member sender receives the result", func(t *testing.T) {
		outsider := f.connect(f.host)
		f.cs.handleRequest(&request{
			kind:    reqBroadcast,
			client:  outsider,
			eventId: f.eventId,
			msg:     NewEvent(9, EventReactionAdded, "r"),
		})

		assert.Equal(t, 9, nextMessage(t, outsider).Id)
		assert.Equal(t, EventReactionAdded, nextMessage(t, host).Event)
		assert.Equal(t, EventReactionAdded, nextMessage(t, guest).Event)
	})

	t.Run("fanout", func(t *testing.T) {
		fanout := &recordingFanout{}
		f.cs.SetFanout(fanout)
		defer f.cs.SetFanout(nil)

		f.cs.broadcast(f.eventId, NewEvent(0, EventNewMessage, "relayed"), host)
		assertNoMessage(t, guest)

		require.Len(t, fanout.published, 1)
		pub := fanout.published[0]
		assert.Equal(t, f.eventId, pub.eventId)
		assert.Equal(t, host.id, pub.skip)

		f.cs.Deliver(pub.eventId, pub.skip, pub.payload)
		processPending(f.cs)

		msg := nextMessage(t, guest)
		assert.Equal(t, EventNewMessage, msg.Event)
		assert.Equal(t, "relayed", msg.Data)
		assertNoMessage(t, host)
	})
}

func TestChatServer_Deliver_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	f.cs.Deliver(f.eventId, "", []byte("not json"))
	assert.Empty(t, f.cs.requests)
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		f := newFixture(t)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-f.cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := f.cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		f := newFixture(t)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		go func() {
			select {
			case <-f.cs.stop:
				// never signal completion
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := f.cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})
}

func TestChatServerShutdown_Integration(t *testing.T) {
	f := newFixture(t)
	go f.cs.Run()

	c := NewClient(f.guest, nil, f.cs, f.cs.log)
	require.NoError(t, f.cs.RegisterClient(c))
	require.NoError(t, f.cs.enqueue(&request{kind: reqJoin, client: c, eventId: f.eventId}))
	require.NoError(t, f.cs.enqueue(&request{kind: reqStartTyping, client: c, eventId: f.eventId}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.cs.Shutdown(ctx))

	select {
	case <-c.stop:
	default:
		t.Fatal("expected client to be stopped on shutdown")
	}

	assert.Empty(t, f.cs.typingTimers, "expected pending typing timers to be stopped")
	assert.ErrorIs(t, f.cs.DeRegisterClient(c), errServiceUnavailable)
}

func TestChatServerShutdown_StopsEveryRegisteredClient(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		go f.cs.Run()

		clients := make([]*Client, 5)
		for j := range clients {
			clients[j] = NewClient(f.guest, nil, f.cs, f.cs.log)
			require.NoError(t, f.cs.RegisterClient(clients[j]))
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, f.cs.Shutdown(ctx))
		cancel()

		for _, c := range clients {
			select {
			case <-c.stop:
			default:
				t.Fatalf("run %d: registered client %q not stopped by shutdown", i, c.id)
			}
		}
		assert.ErrorIs(t, f.cs.RegisterClient(NewClient(f.guest, nil, f.cs, f.cs.log)), errServiceUnavailable)
	}
}

func TestChatServer_MessagesSentCountedInLoop(t *testing.T) {
	f := newFixture(t)
	host := f.connect(f.host)
	f.join(t, host)

	f.cs.handleRequest(&request{kind: reqBroadcast, eventId: f.eventId, msg: NewEvent(0, EventReactionAdded, "r")})
	f.su.AssertNotCalled(t, "Incr", "NumMessagesSent")

	f.cs.handleRequest(&request{kind: reqBroadcast, eventId: f.eventId, msg: NewEvent(0, EventNewMessage, "m")})
	f.su.AssertCalled(t, "Incr", "NumMessagesSent")
}

func TestServerMessage_JSON(t *testing.T) {
	msg := NewError(5, 403, "forbidden")
	raw, err := serializeMessage(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.EqualValues(t, 5, decoded["id"])
	assert.Equal(t, "error", decoded["event"])
	assert.Contains(t, decoded, "timestamp")
	assert.Equal(t, map[string]any{"code": float64(403), "message": "forbidden"}, decoded["data"])
}
