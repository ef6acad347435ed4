package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nexabot/knowcore/internal/core"
	"github.com/nexabot/knowcore/internal/models"
)

// MetadataCache keeps a per-chatbot summary of the chunk inventory so every
// query does not hit the store for counts. Entries live in process memory,
// expire after the TTL, and are rebuilt from the chunk store on demand. The
// store stays the source of truth; a cold or stale cache only costs a
// recompute.
type MetadataCache struct {
	store core.ChunkStore
	ttl   time.Duration
	log   *zap.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]models.MetadataCacheEntry
}

func New(store core.ChunkStore, ttl time.Duration, log *zap.Logger) *MetadataCache {
	return &MetadataCache{
		store:   store,
		ttl:     ttl,
		log:     log,
		entries: make(map[string]models.MetadataCacheEntry),
	}
}

// Get returns the chatbot's inventory summary, recomputing it when the entry
// is missing, expired or invalidated. Concurrent misses for the same chatbot
// collapse into a single store query.
func (c *MetadataCache) Get(ctx context.Context, chatbotID string) (models.MetadataCacheEntry, error) {
	c.mu.RLock()
	entry, ok := c.entries[chatbotID]
	c.mu.RUnlock()

	if ok && entry.Valid && time.Now().Before(entry.ExpiresAt) {
		return cloneEntry(entry), nil
	}
	return c.refresh(ctx, chatbotID)
}

// Peek returns the current entry without triggering a recompute. The second
// return reports whether any entry exists at all, stale or not.
func (c *MetadataCache) Peek(chatbotID string) (models.MetadataCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[chatbotID]
	return cloneEntry(entry), ok
}

// Invalidate marks the chatbot's entry stale. The counts stay readable via
// Peek until the next Get replaces them.
func (c *MetadataCache) Invalidate(chatbotID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[chatbotID]
	if !ok {
		return
	}
	entry.Valid = false
	c.entries[chatbotID] = entry
}

// Refresh forces a recompute regardless of the entry's age.
func (c *MetadataCache) Refresh(ctx context.Context, chatbotID string) (models.MetadataCacheEntry, error) {
	return c.refresh(ctx, chatbotID)
}

func (c *MetadataCache) refresh(ctx context.Context, chatbotID string) (models.MetadataCacheEntry, error) {
	v, err, _ := c.group.Do(chatbotID, func() (interface{}, error) {
		return c.rebuild(ctx, chatbotID)
	})
	if err != nil {
		return models.MetadataCacheEntry{}, err
	}
	return cloneEntry(v.(models.MetadataCacheEntry)), nil
}

func (c *MetadataCache) rebuild(ctx context.Context, chatbotID string) (models.MetadataCacheEntry, error) {
	total, err := c.store.GetChunkCount(ctx, chatbotID)
	if err != nil {
		return models.MetadataCacheEntry{}, err
	}
	byType, err := c.store.CountChunksByType(ctx, chatbotID)
	if err != nil {
		return models.MetadataCacheEntry{}, err
	}

	now := time.Now().UTC()
	entry := models.MetadataCacheEntry{
		TotalChunks:  total,
		ChunksByType: byType,
		LastUpdated:  now,
		ExpiresAt:    now.Add(c.ttl),
		Valid:        true,
	}

	c.mu.Lock()
	c.entries[chatbotID] = entry
	c.mu.Unlock()

	c.log.Debug("metadata cache rebuilt",
		zap.String("chatbot_id", chatbotID), zap.Int("total_chunks", total))
	return entry, nil
}

// cloneEntry copies the entry's map so callers cannot mutate cached state.
func cloneEntry(e models.MetadataCacheEntry) models.MetadataCacheEntry {
	if e.ChunksByType == nil {
		return e
	}
	byType := make(map[string]int, len(e.ChunksByType))
	for k, v := range e.ChunksByType {
		byType[k] = v
	}
	e.ChunksByType = byType
	return e
}
