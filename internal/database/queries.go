package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	messageColumns  = "m.id, m.event_id, m.author_id, m.content, m.is_deleted, m.created_at, u.display_name, u.avatar_url"
	reactionColumns = "r.id, r.message_id, r.user_id, r.emoji, r.created_at, r.updated_at, u.display_name, u.avatar_url"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (Message, error) {
	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.EventId,
		&msg.AuthorId,
		&msg.Content,
		&msg.IsDeleted,
		&msg.CreatedAt,
		&msg.AuthorDisplayName,
		&msg.AuthorAvatarUrl,
	)

	return msg, err
}

func scanReaction(row scanner) (Reaction, error) {
	var r Reaction
	err := row.Scan(
		&r.Id,
		&r.MessageId,
		&r.UserId,
		&r.Emoji,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.UserDisplayName,
		&r.UserAvatarUrl,
	)

	return r, err
}

func (db *PgEventChatRepository) GetUserById(id string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, display_name, email, avatar_url, role, created_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.DisplayName,
		&user.EmailAddress,
		&user.AvatarUrl,
		&user.Role,
		&user.CreatedAt,
	)

	return user, err
}

func (db *PgEventChatRepository) GetUserByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, display_name, email, avatar_url, password_hash, role, created_at FROM users "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.DisplayName,
		&user.EmailAddress,
		&user.AvatarUrl,
		&user.PasswordHash,
		&user.Role,
		&user.CreatedAt,
	)

	return user, err
}

func (db *PgEventChatRepository) GetEventById(id string) (Event, error) {
	row := db.conn.QueryRow(
		"SELECT id, host_id, title, created_at FROM events WHERE id = $1 LIMIT 1",
		id,
	)

	var event Event
	err := row.Scan(
		&event.Id,
		&event.HostId,
		&event.Title,
		&event.CreatedAt,
	)

	return event, err
}

func (db *PgEventChatRepository) GetConfirmedRegistration(userId, eventId string) (Registration, error) {
	row := db.conn.QueryRow(
		"SELECT id, user_id, event_id, confirmed, created_at FROM registrations "+
			"WHERE user_id = $1 AND event_id = $2 AND confirmed = true LIMIT 1",
		userId,
		eventId,
	)

	var reg Registration
	err := row.Scan(
		&reg.Id,
		&reg.UserId,
		&reg.EventId,
		&reg.Confirmed,
		&reg.CreatedAt,
	)

	return reg, err
}

func (db *PgEventChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	row := db.conn.QueryRow(
		"WITH m AS ("+
			"INSERT INTO messages (id, event_id, author_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) "+
			"RETURNING id, event_id, author_id, content, is_deleted, created_at"+
			") SELECT "+messageColumns+" FROM m JOIN users u ON u.id = m.author_id",
		params.Id,
		params.EventId,
		params.AuthorId,
		params.Content,
		params.CreatedAt,
	)

	return scanMessage(row)
}

func (db *PgEventChatRepository) GetMessageById(id string) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.author_id "+
			"WHERE m.id = $1 LIMIT 1",
		id,
	)

	return scanMessage(row)
}

func (db *PgEventChatRepository) GetMessages(eventId string, before time.Time, limit int) ([]Message, error) {
	var cursor sql.NullTime
	if !before.IsZero() {
		cursor = sql.NullTime{Time: before, Valid: true}
	}

	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.author_id "+
			"WHERE m.event_id = $1 AND m.is_deleted = false "+
			"AND ($2::timestamptz IS NULL OR m.created_at < $2) "+
			"ORDER BY m.created_at DESC, m.id DESC LIMIT $3",
		eventId,
		cursor,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func (db *PgEventChatRepository) SoftDeleteMessage(id string) error {
	res, err := db.conn.Exec(
		"UPDATE messages SET is_deleted = true WHERE id = $1 AND is_deleted = false",
		id,
	)
	if err != nil {
		return err
	}

	return requireAffected(res)
}

func (db *PgEventChatRepository) UpsertReaction(params UpsertReactionParams) (Reaction, error) {
	// the unique (user_id, message_id) constraint arbitrates concurrent upserts
	row := db.conn.QueryRow(
		"WITH r AS ("+
			"INSERT INTO reactions (id, message_id, user_id, emoji, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) "+
			"ON CONFLICT (user_id, message_id) DO UPDATE SET emoji = EXCLUDED.emoji, updated_at = EXCLUDED.updated_at "+
			"RETURNING id, message_id, user_id, emoji, created_at, updated_at"+
			") SELECT "+reactionColumns+" FROM r JOIN users u ON u.id = r.user_id",
		params.Id,
		params.MessageId,
		params.UserId,
		params.Emoji,
		params.CreatedAt,
	)

	return scanReaction(row)
}

func (db *PgEventChatRepository) GetReaction(userId, messageId string) (Reaction, error) {
	row := db.conn.QueryRow(
		"SELECT "+reactionColumns+" FROM reactions r JOIN users u ON u.id = r.user_id "+
			"WHERE r.user_id = $1 AND r.message_id = $2 LIMIT 1",
		userId,
		messageId,
	)

	return scanReaction(row)
}

func (db *PgEventChatRepository) DeleteReaction(userId, messageId string) error {
	res, err := db.conn.Exec(
		"DELETE FROM reactions WHERE user_id = $1 AND message_id = $2",
		userId,
		messageId,
	)
	if err != nil {
		return err
	}

	return requireAffected(res)
}

func (db *PgEventChatRepository) GetReactionsForMessages(messageIds []string) ([]Reaction, error) {
	reactions := make([]Reaction, 0)
	if len(messageIds) == 0 {
		return reactions, nil
	}

	rows, err := db.conn.Query(
		"SELECT "+reactionColumns+" FROM reactions r JOIN users u ON u.id = r.user_id "+
			"WHERE r.message_id = ANY($1) ORDER BY r.created_at ASC",
		pq.Array(messageIds),
	)
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanReaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}

		reactions = append(reactions, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return reactions, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}
