package server

import (
	"slices"
)

// RoomRegistry holds the ephemeral state of chat rooms: which connections
// receive an event's broadcasts and which users are typing in it. The
// ChatServer control loop is its only caller, so implementations need no
// locking.
type RoomRegistry interface {
	// Join subscribes the connection and reports whether it was added.
	Join(eventId string, c *Client) bool
	// Leave unsubscribes the connection and reports whether it was a member.
	Leave(eventId string, c *Client) bool
	IsMember(eventId string, c *Client) bool
	// HasUser reports whether any connection of the user is subscribed.
	HasUser(eventId, userId string) bool
	Members(eventId string) []*Client
	RoomsOf(c *Client) []string
	NumRooms() int

	// StartTyping marks the user as typing and reports whether the set changed.
	StartTyping(eventId, userId string) bool
	// StopTyping clears the mark and reports whether the set changed.
	StopTyping(eventId, userId string) bool
	Typing(eventId string) []string
	TypingRoomsOf(userId string) []string
}

type memoryRegistry struct {
	rooms  map[string]map[*Client]struct{}
	typing map[string]map[string]struct{}
}

func NewMemoryRegistry() RoomRegistry {
	return &memoryRegistry{
		rooms:  make(map[string]map[*Client]struct{}),
		typing: make(map[string]map[string]struct{}),
	}
}

func (m *memoryRegistry) Join(eventId string, c *Client) bool {
	members, ok := m.rooms[eventId]
	if !ok {
		members = make(map[*Client]struct{})
		m.rooms[eventId] = members
	}

	if _, ok := members[c]; ok {
		return false
	}

	members[c] = struct{}{}
	return true
}

func (m *memoryRegistry) Leave(eventId string, c *Client) bool {
	members, ok := m.rooms[eventId]
	if !ok {
		return false
	}

	if _, ok := members[c]; !ok {
		return false
	}

	delete(members, c)
	if len(members) == 0 {
		delete(m.rooms, eventId)
	}
	return true
}

func (m *memoryRegistry) IsMember(eventId string, c *Client) bool {
	_, ok := m.rooms[eventId][c]
	return ok
}

func (m *memoryRegistry) HasUser(eventId, userId string) bool {
	for c := range m.rooms[eventId] {
		if c.user.UserId == userId {
			return true
		}
	}
	return false
}

func (m *memoryRegistry) Members(eventId string) []*Client {
	members := make([]*Client, 0, len(m.rooms[eventId]))
	for c := range m.rooms[eventId] {
		members = append(members, c)
	}
	return members
}

func (m *memoryRegistry) RoomsOf(c *Client) []string {
	var rooms []string
	for eventId, members := range m.rooms {
		if _, ok := members[c]; ok {
			rooms = append(rooms, eventId)
		}
	}
	slices.Sort(rooms)
	return rooms
}

func (m *memoryRegistry) NumRooms() int {
	return len(m.rooms)
}

func (m *memoryRegistry) StartTyping(eventId, userId string) bool {
	users, ok := m.typing[eventId]
	if !ok {
		users = make(map[string]struct{})
		m.typing[eventId] = users
	}

	if _, ok := users[userId]; ok {
		return false
	}

	users[userId] = struct{}{}
	return true
}

func (m *memoryRegistry) StopTyping(eventId, userId string) bool {
	users, ok := m.typing[eventId]
	if !ok {
		return false
	}

	if _, ok := users[userId]; !ok {
		return false
	}

	delete(users, userId)
	if len(users) == 0 {
		delete(m.typing, eventId)
	}
	return true
}

func (m *memoryRegistry) Typing(eventId string) []string {
	users := make([]string, 0, len(m.typing[eventId]))
	for userId := range m.typing[eventId] {
		users = append(users, userId)
	}
	slices.Sort(users)
	return users
}

func (m *memoryRegistry) TypingRoomsOf(userId string) []string {
	var rooms []string
	for eventId, users := range m.typing {
		if _, ok := users[userId]; ok {
			rooms = append(rooms, eventId)
		}
	}
	slices.Sort(rooms)
	return rooms
}
