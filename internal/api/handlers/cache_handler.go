package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	middleware "github.com/nexabot/knowcore/internal/api/middlewares"
	"github.com/nexabot/knowcore/internal/models"
)

// CacheService exposes the metadata cache for operational inspection.
type CacheService interface {
	CacheStatus(chatbotID string) (models.MetadataCacheEntry, bool)
	RefreshCache(ctx context.Context, chatbotID string) (models.MetadataCacheEntry, error)
}

type CacheHandler struct {
	svc CacheService
	log *zap.Logger
}

func NewCacheHandler(svc CacheService, log *zap.Logger) *CacheHandler {
	return &CacheHandler{svc: svc, log: log}
}

// GetEntry reports the cached metadata snapshot without recomputing it, so
// operators can see staleness as it is.
func (h *CacheHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.svc.CacheStatus(middleware.ChatbotID(r.Context()))
	if !ok {
		http.Error(w, "no cache entry for chatbot", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Refresh forces a rebuild from the chunk store and returns the fresh entry.
func (h *CacheHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.RefreshCache(r.Context(), middleware.ChatbotID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
