package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	middleware "github.com/nexabot/knowcore/internal/api/middlewares"
	"github.com/nexabot/knowcore/internal/models"
)

// ChatService resolves queries against a chatbot's knowledge base.
type ChatService interface {
	Answer(ctx context.Context, chatbotID, query, behaviorPrompt string) models.RetrievalResult
}

type ChatHandler struct {
	svc ChatService
	log *zap.Logger
}

func NewChatHandler(svc ChatService, log *zap.Logger) *ChatHandler {
	return &ChatHandler{svc: svc, log: log}
}

type chatRequest struct {
	Query          string `json:"query"`
	BehaviorPrompt string `json:"behavior_prompt"`
}

// Query answers one user message. The engine never propagates an error here:
// degraded runs come back as fallback or error response types with a 200 so
// chat widgets always have something to render.
func (h *ChatHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	res := h.svc.Answer(r.Context(), middleware.ChatbotID(r.Context()), req.Query, req.BehaviorPrompt)
	writeJSON(w, http.StatusOK, res)
}
