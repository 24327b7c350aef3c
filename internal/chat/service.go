// Package chat implements the permission checks and message storage rules of
// event chat rooms on top of a database.EventChatRepository.
package chat

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/event-chat/internal/database"
	"github.com/npezzotti/event-chat/internal/types"
)

type Service struct {
	db  database.EventChatRepository
	log *log.Logger
	now func() time.Time
}

func NewService(logger *log.Logger, db database.EventChatRepository) *Service {
	return &Service{
		db:  db,
		log: logger,
		now: Now,
	}
}

// Now returns the current time at the precision the store keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// CanParticipate reports whether the user hosts the event or holds a
// confirmed registration for it. Every call reads the store; grants are
// never cached.
func (s *Service) CanParticipate(userId, eventId string) (bool, error) {
	if err := validateId("event id", eventId); err != nil {
		return false, err
	}

	event, err := s.db.GetEventById(eventId)
	if err != nil {
		return false, notFoundOr("event", err)
	}

	if event.HostId == userId {
		return true, nil
	}

	if _, err := s.db.GetConfirmedRegistration(userId, eventId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get registration: %w", err)
	}

	return true, nil
}

func (s *Service) AssertParticipate(userId, eventId string) error {
	ok, err := s.CanParticipate(userId, eventId)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: not the host or a confirmed registrant of this event", ErrForbidden)
	}

	return nil
}

// CreateMessage persists a message. Authorization is the caller's job.
func (s *Service) CreateMessage(authorId, eventId, content string) (types.Message, error) {
	if err := validateId("event id", eventId); err != nil {
		return types.Message{}, err
	}

	content, err := normalizeContent(content)
	if err != nil {
		return types.Message{}, err
	}

	if _, err := s.db.GetUserById(authorId); err != nil {
		return types.Message{}, notFoundOr("author", err)
	}

	if _, err := s.db.GetEventById(eventId); err != nil {
		return types.Message{}, notFoundOr("event", err)
	}

	msg, err := s.db.CreateMessage(database.CreateMessageParams{
		Id:        uuid.NewString(),
		EventId:   eventId,
		AuthorId:  authorId,
		Content:   content,
		CreatedAt: s.now(),
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	return toMessage(msg, nil), nil
}

// ListMessages returns one page of an event's visible history ordered oldest
// to newest. With a non-zero before only strictly older messages are
// included.
func (s *Service) ListMessages(eventId string, before time.Time, limit int) ([]types.Message, error) {
	if err := validateId("event id", eventId); err != nil {
		return nil, err
	}

	dbMsgs, err := s.db.GetMessages(eventId, before, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	slices.Reverse(dbMsgs)

	ids := make([]string, len(dbMsgs))
	for i, msg := range dbMsgs {
		ids[i] = msg.Id
	}

	dbReactions, err := s.db.GetReactionsForMessages(ids)
	if err != nil {
		return nil, fmt.Errorf("get reactions: %w", err)
	}

	byMessage := make(map[string][]database.Reaction)
	for _, r := range dbReactions {
		byMessage[r.MessageId] = append(byMessage[r.MessageId], r)
	}

	messages := make([]types.Message, len(dbMsgs))
	for i, msg := range dbMsgs {
		messages[i] = toMessage(msg, byMessage[msg.Id])
	}

	return messages, nil
}

// MessageEventId returns the event a visible message belongs to.
func (s *Service) MessageEventId(messageId string) (string, error) {
	msg, err := s.liveMessage(messageId)
	if err != nil {
		return "", err
	}

	return msg.EventId, nil
}

// AddOrReplaceReaction records the user's reaction to a message, replacing
// the emoji of a reaction the user already holds there.
func (s *Service) AddOrReplaceReaction(userId, messageId, emoji string) (types.Reaction, error) {
	if err := validateEmoji(emoji); err != nil {
		return types.Reaction{}, err
	}

	msg, err := s.liveMessage(messageId)
	if err != nil {
		return types.Reaction{}, err
	}

	if err := s.AssertParticipate(userId, msg.EventId); err != nil {
		return types.Reaction{}, err
	}

	r, err := s.db.UpsertReaction(database.UpsertReactionParams{
		Id:        uuid.NewString(),
		MessageId: msg.Id,
		UserId:    userId,
		Emoji:     emoji,
		CreatedAt: s.now(),
	})
	if err != nil {
		return types.Reaction{}, fmt.Errorf("upsert reaction: %w", err)
	}

	return toReaction(r, msg.EventId), nil
}

// RemoveReaction deletes the user's own reaction from a message.
func (s *Service) RemoveReaction(userId, messageId string) (types.Reaction, error) {
	msg, err := s.liveMessage(messageId)
	if err != nil {
		return types.Reaction{}, err
	}

	r, err := s.db.GetReaction(userId, msg.Id)
	if err != nil {
		return types.Reaction{}, notFoundOr("reaction", err)
	}

	if err := s.db.DeleteReaction(userId, msg.Id); err != nil {
		return types.Reaction{}, notFoundOr("reaction", err)
	}

	return toReaction(r, msg.EventId), nil
}

// SoftDeleteMessage hides a message from history. Only the author, the
// event host or an admin may do so. Reactions on the message are left in
// the store.
func (s *Service) SoftDeleteMessage(requestor types.Identity, messageId string) (types.Message, error) {
	msg, err := s.liveMessage(messageId)
	if err != nil {
		return types.Message{}, err
	}

	if msg.AuthorId != requestor.UserId && !requestor.IsAdmin() {
		event, err := s.db.GetEventById(msg.EventId)
		if err != nil {
			return types.Message{}, notFoundOr("event", err)
		}

		if event.HostId != requestor.UserId {
			return types.Message{}, fmt.Errorf("%w: only the author, the event host or an admin may delete a message", ErrForbidden)
		}
	}

	if err := s.db.SoftDeleteMessage(msg.Id); err != nil {
		return types.Message{}, notFoundOr("message", err)
	}

	s.log.Printf("message %q in event %q deleted by %q", msg.Id, msg.EventId, requestor.UserId)
	return toMessage(msg, nil), nil
}

// liveMessage loads a message that has not been soft deleted.
func (s *Service) liveMessage(messageId string) (database.Message, error) {
	if err := validateId("message id", messageId); err != nil {
		return database.Message{}, err
	}

	msg, err := s.db.GetMessageById(messageId)
	if err != nil {
		return database.Message{}, notFoundOr("message", err)
	}

	if msg.IsDeleted {
		return database.Message{}, fmt.Errorf("message %w", ErrNotFound)
	}

	return msg, nil
}

func toMessage(msg database.Message, reactions []database.Reaction) types.Message {
	out := types.Message{
		Id:      msg.Id,
		EventId: msg.EventId,
		Content: msg.Content,
		Author: types.PublicUser{
			Id:          msg.AuthorId,
			DisplayName: msg.AuthorDisplayName,
			AvatarUrl:   msg.AuthorAvatarUrl,
		},
		Reactions: make([]types.Reaction, 0, len(reactions)),
		CreatedAt: msg.CreatedAt,
	}

	for _, r := range reactions {
		out.Reactions = append(out.Reactions, toReaction(r, msg.EventId))
	}

	return out
}

func toReaction(r database.Reaction, eventId string) types.Reaction {
	return types.Reaction{
		Id:        r.Id,
		MessageId: r.MessageId,
		EventId:   eventId,
		Emoji:     r.Emoji,
		User: types.PublicUser{
			Id:          r.UserId,
			DisplayName: r.UserDisplayName,
			AvatarUrl:   r.UserAvatarUrl,
		},
		CreatedAt: r.CreatedAt,
	}
}
