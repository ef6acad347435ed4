package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type ctxKey int

const chatbotIDKey ctxKey = iota

// ChatbotScope validates the chatbot route parameter and attaches it to the
// request context so handlers never touch the router directly.
func ChatbotScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "chatbotID"))
		if id == "" {
			http.Error(w, "chatbot id is required", http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), chatbotIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ChatbotID returns the chatbot ID attached by ChatbotScope, or "" when the
// request did not pass through it.
func ChatbotID(ctx context.Context) string {
	id, _ := ctx.Value(chatbotIDKey).(string)
	return id
}
