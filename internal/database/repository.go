package database

import "time"

// EventChatRepository is the persistence contract of the chat core. Lookups
// of a single row report a missing row with sql.ErrNoRows.
type EventChatRepository interface {
	Ping() error
	GetUserById(id string) (User, error)
	GetUserByEmail(email string) (User, error)
	GetEventById(id string) (Event, error)
	// GetConfirmedRegistration returns sql.ErrNoRows unless a confirmed
	// registration exists for the pair.
	GetConfirmedRegistration(userId, eventId string) (Registration, error)
	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessageById(id string) (Message, error)
	// GetMessages returns non-deleted messages newest first. A zero before
	// disables the cursor.
	GetMessages(eventId string, before time.Time, limit int) ([]Message, error)
	SoftDeleteMessage(id string) error
	// UpsertReaction inserts a reaction or replaces the emoji of the one the
	// user already holds on the message, keeping its id.
	UpsertReaction(params UpsertReactionParams) (Reaction, error)
	GetReaction(userId, messageId string) (Reaction, error)
	DeleteReaction(userId, messageId string) error
	GetReactionsForMessages(messageIds []string) ([]Reaction, error)
}
