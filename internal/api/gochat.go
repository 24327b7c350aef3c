package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/event-chat/internal/config"
	"github.com/npezzotti/event-chat/internal/database"
	"github.com/npezzotti/event-chat/internal/server"
	"github.com/npezzotti/event-chat/internal/types"
)

// ChatService is the subset of the chat rules the REST history endpoint
// relies on.
type ChatService interface {
	AssertParticipate(userId, eventId string) error
	ListMessages(eventId string, before time.Time, limit int) ([]types.Message, error)
}

type EventChatApp struct {
	log            *log.Logger
	db             database.EventChatRepository
	chat           ChatService
	mux            *http.Server
	cs             *server.ChatServer
	signingKey     []byte
	allowedOrigins []string
}

func NewEventChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, svc ChatService,
	db database.EventChatRepository, cfg *config.Config) *EventChatApp {
	s := &EventChatApp{
		log:            logger,
		db:             db,
		chat:           svc,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/logout", s.logout)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/events/{eventId}/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("GET /ws/chat", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// Handler returns the fully wrapped handler chain.
func (s *EventChatApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *EventChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *EventChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
