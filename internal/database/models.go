package database

import "time"

type User struct {
	Id           string
	DisplayName  string
	EmailAddress string
	AvatarUrl    string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Event struct {
	Id        string
	HostId    string
	Title     string
	CreatedAt time.Time
}

type Registration struct {
	Id        int
	UserId    string
	EventId   string
	Confirmed bool
	CreatedAt time.Time
}

type Message struct {
	Id                string
	EventId           string
	AuthorId          string
	Content           string
	IsDeleted         bool
	CreatedAt         time.Time
	AuthorDisplayName string
	AuthorAvatarUrl   string
}

type Reaction struct {
	Id              string
	MessageId       string
	UserId          string
	Emoji           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	UserDisplayName string
	UserAvatarUrl   string
}

type CreateMessageParams struct {
	Id        string
	EventId   string
	AuthorId  string
	Content   string
	CreatedAt time.Time
}

type UpsertReactionParams struct {
	Id        string
	MessageId string
	UserId    string
	Emoji     string
	CreatedAt time.Time
}
