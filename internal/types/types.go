package types

import (
	"time"
)

const RoleAdmin = "admin"

// Identity is the verified identity bound to a connection for its lifetime.
type Identity struct {
	UserId      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role,omitempty"`
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// PublicUser holds the profile fields safe to show to other participants.
type PublicUser struct {
	Id          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarUrl   string `json:"avatar_url,omitempty"`
}

type Message struct {
	Id        string     `json:"id"`
	EventId   string     `json:"event_id"`
	Content   string     `json:"content"`
	Author    PublicUser `json:"author"`
	Reactions []Reaction `json:"reactions"`
	CreatedAt time.Time  `json:"created_at"`
}

type Reaction struct {
	Id        string     `json:"id"`
	MessageId string     `json:"message_id"`
	EventId   string     `json:"event_id"`
	Emoji     string     `json:"emoji"`
	User      PublicUser `json:"user"`
	CreatedAt time.Time  `json:"created_at"`
}
