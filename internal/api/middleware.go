package api

import (
	"fmt"
	"net/http"
)

// errorHandler turns a panic in any route into a 500 JSON body. The
// connection is closed since the handler state is unknown.
func (s *EventChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			panicError, ok := rec.(error)
			if !ok {
				panicError = fmt.Errorf("%v", rec)
			}
			s.log.Printf("panic: %s %s: %v", r.Method, r.URL.Path, panicError)
			w.Header().Set("Connection", "close")
			s.writeJson(w, http.StatusInternalServerError, NewInternalServerError(panicError))
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware rejects requests without a valid token before next runs,
// which for the websocket route means before the upgrade.
func (s *EventChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := tokenFromRequest(r)
		if err != nil {
			s.writeError(w, NewUnauthorizedError())
			return
		}

		id, err := s.identityFromToken(tokenString)
		if err != nil {
			s.log.Printf("failed to extract identity from token: %v", err)
			s.writeError(w, NewUnauthorizedError())
			return
		}

		ctx := WithIdentity(r.Context(), id)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
