package testutil

import (
	"database/sql"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/event-chat/internal/database"
)

// MemoryRepository is an in-memory database.EventChatRepository. It enforces
// the same row constraints as the Postgres schema, including uniqueness of a
// reaction per user and message.
type MemoryRepository struct {
	mu            sync.Mutex
	users         map[string]database.User
	events        map[string]database.Event
	registrations []database.Registration
	messages      map[string]database.Message
	reactions     map[reactionKey]database.Reaction
	// Err, when set, is returned by every call.
	Err error
}

type reactionKey struct {
	userId    string
	messageId string
}

var errForeignKey = errors.New("foreign key violation")

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:     make(map[string]database.User),
		events:    make(map[string]database.Event),
		messages:  make(map[string]database.Message),
		reactions: make(map[reactionKey]database.Reaction),
	}
}

func (m *MemoryRepository) AddUser(u database.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Id] = u
}

func (m *MemoryRepository) AddEvent(e database.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.Id] = e
}

// SetRegistration creates or updates the registration for the pair.
func (m *MemoryRepository) SetRegistration(userId, eventId string, confirmed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, reg := range m.registrations {
		if reg.UserId == userId && reg.EventId == eventId {
			m.registrations[i].Confirmed = confirmed
			return
		}
	}

	m.registrations = append(m.registrations, database.Registration{
		Id:        len(m.registrations) + 1,
		UserId:    userId,
		EventId:   eventId,
		Confirmed: confirmed,
		CreatedAt: time.Now().UTC(),
	})
}

// AllMessages returns every stored message row, deleted or not.
func (m *MemoryRepository) AllMessages() []database.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := make([]database.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		msgs = append(msgs, msg)
	}
	return msgs
}

// AllReactions returns every stored reaction row, including those attached
// to soft deleted messages.
func (m *MemoryRepository) AllReactions() []database.Reaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	reactions := make([]database.Reaction, 0, len(m.reactions))
	for _, r := range m.reactions {
		reactions = append(reactions, r)
	}
	return reactions
}

func (m *MemoryRepository) Ping() error {
	return m.Err
}

func (m *MemoryRepository) GetUserById(id string) (database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return database.User{}, m.Err
	}

	u, ok := m.users[id]
	if !ok {
		return database.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (m *MemoryRepository) GetUserByEmail(email string) (database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return database.User{}, m.Err
	}

	for _, u := range m.users {
		if u.EmailAddress == email {
			return u, nil
		}
	}
	return database.User{}, sql.ErrNoRows
}

func (m *MemoryRepository) GetEventById(id string) (database.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return database.Event{}, m.Err
	}

	e, ok := m.events[id]
	if !ok {
		return database.Event{}, sql.ErrNoRows
	}
	return e, nil
}

func (m *MemoryRepository) GetConfirmedRegistration(userId, eventId string) (database.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return database.Registration{}, m.Err
	}

	for _, reg := range m.registrations {
		if reg.UserId == userId && reg.EventId == eventId && reg.Confirmed {
			return reg, nil
		}
	}
	return database.Registration{}, sql.ErrNoRows
}

func (m *MemoryRepository) CreateMessage(params database.CreateMessageParams) (database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return database.Message{}, m.Err
	}

	author, ok := m.users[params.AuthorId]
	if !ok {
		return database.Message{}, errForeignKey
	}
	if _, ok := m.events[params.EventId]; !ok {
		return database.Message{}, errForeignKey
	}

	msg := database.Message{
		Id:                params.Id,
		EventId:           params.EventId,
		AuthorId:          params.AuthorId,
		Content:           params.Content,
		CreatedAt:         params.CreatedAt,
		AuthorDisplayName: author.DisplayName,
		AuthorAvatarUrl:   author.AvatarUrl,
	}
	m.messages[msg.Id] = msg
	return msg, nil
}

func (m *MemoryRepository) GetMessageById(id string) (database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return database.Message{}, m.Err
	}

	msg, ok := m.messages[id]
	if !ok {
		return database.Message{}, sql.ErrNoRows
	}
	return msg, nil
}

func (m *MemoryRepository) GetMessages(eventId string, before time.Time, limit int) ([]database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	msgs := make([]database.Message, 0)
	for _, msg := range m.messages {
		if msg.EventId != eventId || msg.IsDeleted {
			continue
		}
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		msgs = append(msgs, msg)
	}

	// newest first, ties broken by id descending
	slices.SortFunc(msgs, func(a, b database.Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.Id > b.Id:
			return -1
		case a.Id < b.Id:
			return 1
		}
		return 0
	})

	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (m *MemoryRepository) SoftDeleteMessage(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	msg, ok := m.messages[id]
	if !ok || msg.IsDeleted {
		return sql.ErrNoRows
	}
	msg.IsDeleted = true
	m.messages[id] = msg
	return nil
}

func (m *MemoryRepository) UpsertReaction(params database.UpsertReactionParams) (database.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return database.Reaction{}, m.Err
	}

	user, ok := m.users[params.UserId]
	if !ok {
		return database.Reaction{}, errForeignKey
	}
	if _, ok := m.messages[params.MessageId]; !ok {
		return database.Reaction{}, errForeignKey
	}

	key := reactionKey{userId: params.UserId, messageId: params.MessageId}
	if existing, ok := m.reactions[key]; ok {
		existing.Emoji = params.Emoji
		existing.UpdatedAt = params.CreatedAt
		m.reactions[key] = existing
		return existing, nil
	}

	r := database.Reaction{
		Id:              params.Id,
		MessageId:       params.MessageId,
		UserId:          params.UserId,
		Emoji:           params.Emoji,
		CreatedAt:       params.CreatedAt,
		UpdatedAt:       params.CreatedAt,
		UserDisplayName: user.DisplayName,
		UserAvatarUrl:   user.AvatarUrl,
	}
	m.reactions[key] = r
	return r, nil
}

func (m *MemoryRepository) GetReaction(userId, messageId string) (database.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return database.Reaction{}, m.Err
	}

	r, ok := m.reactions[reactionKey{userId: userId, messageId: messageId}]
	if !ok {
		return database.Reaction{}, sql.ErrNoRows
	}
	return r, nil
}

func (m *MemoryRepository) DeleteReaction(userId, messageId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	key := reactionKey{userId: userId, messageId: messageId}
	if _, ok := m.reactions[key]; !ok {
		return sql.ErrNoRows
	}
	delete(m.reactions, key)
	return nil
}

func (m *MemoryRepository) GetReactionsForMessages(messageIds []string) ([]database.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	reactions := make([]database.Reaction, 0)
	for _, r := range m.reactions {
		if slices.Contains(messageIds, r.MessageId) {
			reactions = append(reactions, r)
		}
	}

	slices.SortFunc(reactions, func(a, b database.Reaction) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return reactions, nil
}
