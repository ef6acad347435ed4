package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/nexabot/knowcore/internal/models"
)

func TestCacheEntryRoutes(t *testing.T) {
	f := newAPIFixture(1 << 20)

	// Nothing cached yet.
	rec := f.do(t, http.MethodGet, "/api/chatbots/bot-1/cache", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cold cache status = %d, want 404", rec.Code)
	}

	f.cache.present = true
	f.cache.entry = models.MetadataCacheEntry{
		TotalChunks:  12,
		ChunksByType: map[string]int{"content": 10, "qa": 2},
		LastUpdated:  time.Now().UTC(),
		Valid:        true,
	}

	rec = f.do(t, http.MethodGet, "/api/chatbots/bot-1/cache", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entry models.MetadataCacheEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.TotalChunks != 12 || entry.ChunksByType["qa"] != 2 {
		t.Errorf("entry = %+v", entry)
	}

	rec = f.do(t, http.MethodPost, "/api/chatbots/bot-1/cache/refresh", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("refresh status = %d", rec.Code)
	}
}
