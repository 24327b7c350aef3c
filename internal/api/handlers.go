package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/event-chat/internal/server"
	"github.com/npezzotti/event-chat/internal/types"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string  `json:"token"`
	User  Account `json:"user"`
}

// Account is the signed in user's own view of their profile.
type Account struct {
	Id           string `json:"id"`
	DisplayName  string `json:"display_name"`
	EmailAddress string `json:"email_address,omitempty"`
	AvatarUrl    string `json:"avatar_url,omitempty"`
	Role         string `json:"role,omitempty"`
}

func (s *EventChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *EventChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Println(errResp)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *EventChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *EventChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if lr.Email == "" || lr.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	dbUser, err := s.db.GetUserByEmail(lr.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewUnauthorizedError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	token, err := s.createJwtForSession(types.Identity{
		UserId:      dbUser.Id,
		DisplayName: dbUser.DisplayName,
		Role:        dbUser.Role,
	}, defaultJwtExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, LoginResponse{
		Token: token,
		User: Account{
			Id:           dbUser.Id,
			DisplayName:  dbUser.DisplayName,
			EmailAddress: dbUser.EmailAddress,
			AvatarUrl:    dbUser.AvatarUrl,
			Role:         dbUser.Role,
		},
	})
}

func (s *EventChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}

func (s *EventChatApp) session(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetUserById(id.UserId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	s.writeJson(w, http.StatusOK, Account{
		Id:           user.Id,
		DisplayName:  user.DisplayName,
		EmailAddress: user.EmailAddress,
		AvatarUrl:    user.AvatarUrl,
		Role:         user.Role,
	})
}

// getMessages serves one page of an event's history with the same rules as
// the getMessages chat event.
func (s *EventChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	eventId := r.PathValue("eventId")

	var before time.Time
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		t, err := time.Parse(time.RFC3339Nano, beforeStr)
		if err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
		before = t
	}

	var limit int
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
		limit = l
	}

	if err := s.chat.AssertParticipate(id.UserId, eventId); err != nil {
		s.writeError(w, chatError(err))
		return
	}

	messages, err := s.chat.ListMessages(eventId, before, limit)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	s.writeJson(w, http.StatusOK, server.MessagesHistory{
		EventId:  eventId,
		Messages: messages,
	})
}

func (s *EventChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(id, conn, s.cs, s.log)
	if err := s.cs.RegisterClient(client); err != nil {
		s.log.Println("register client:", err)
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
