package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockEventChatRepository struct {
	mock.Mock
}

func (m *MockEventChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockEventChatRepository) GetUserById(id string) (User, error) {
	args := m.Called(id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockEventChatRepository) GetUserByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockEventChatRepository) GetEventById(id string) (Event, error) {
	args := m.Called(id)
	return args.Get(0).(Event), args.Error(1)
}
func (m *MockEventChatRepository) GetConfirmedRegistration(userId, eventId string) (Registration, error) {
	args := m.Called(userId, eventId)
	return args.Get(0).(Registration), args.Error(1)
}
func (m *MockEventChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockEventChatRepository) GetMessageById(id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockEventChatRepository) GetMessages(eventId string, before time.Time, limit int) ([]Message, error) {
	args := m.Called(eventId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockEventChatRepository) SoftDeleteMessage(id string) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockEventChatRepository) UpsertReaction(params UpsertReactionParams) (Reaction, error) {
	args := m.Called(params)
	return args.Get(0).(Reaction), args.Error(1)
}
func (m *MockEventChatRepository) GetReaction(userId, messageId string) (Reaction, error) {
	args := m.Called(userId, messageId)
	return args.Get(0).(Reaction), args.Error(1)
}
func (m *MockEventChatRepository) DeleteReaction(userId, messageId string) error {
	args := m.Called(userId, messageId)
	return args.Error(0)
}
func (m *MockEventChatRepository) GetReactionsForMessages(messageIds []string) ([]Reaction, error) {
	args := m.Called(messageIds)
	return args.Get(0).([]Reaction), args.Error(1)
}
