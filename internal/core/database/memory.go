package db

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nexabot/knowcore/internal/core"
	"github.com/nexabot/knowcore/internal/models"
)

// MemoryStore is the in-memory Store used by tests and local development.
// Cosine similarity runs in plain Go over the stored vectors.
type MemoryStore struct {
	mu      sync.RWMutex
	sources map[string]*models.KnowledgeSource
	// chatbotID -> documentID -> chunks ordered by index.
	chunks map[string]map[string][]models.Chunk
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources: make(map[string]*models.KnowledgeSource),
		chunks:  make(map[string]map[string][]models.Chunk),
	}
}

func (s *MemoryStore) Close() error { return nil }

// Knowledge source persistence.

func (s *MemoryStore) CreateSource(ctx context.Context, src *models.KnowledgeSource) error {
	if src == nil {
		return fmt.Errorf("nil knowledge source")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sources[src.ID]; ok {
		return fmt.Errorf("source %s already exists", src.ID)
	}
	cp := *src
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.sources[src.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSourceByID(ctx context.Context, id string) (*models.KnowledgeSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.sources[id]
	if !ok {
		return nil, fmt.Errorf("source %s: %w", id, core.ErrNotFound)
	}
	cp := *src
	return &cp, nil
}

func (s *MemoryStore) ListSourcesByChatbot(ctx context.Context, chatbotID string) ([]models.KnowledgeSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.KnowledgeSource
	for _, src := range s.sources {
		if src.ChatbotID == chatbotID {
			out = append(out, *src)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateSourceStatus(ctx context.Context, id string, status models.ProcessingStatus, processingError string) error {
	return s.mutateSource(id, func(src *models.KnowledgeSource) {
		src.Status = status
		src.ProcessingError = processingError
	})
}

func (s *MemoryStore) UpdateSourceSizes(ctx context.Context, id string, originalSize, optimizedSize int64, reduction float64) error {
	return s.mutateSource(id, func(src *models.KnowledgeSource) {
		src.OriginalSize = originalSize
		src.OptimizedSize = optimizedSize
		src.SizeReduction = reduction
	})
}

func (s *MemoryStore) UpdateSourceChunkCount(ctx context.Context, id string, chunkCount int) error {
	return s.mutateSource(id, func(src *models.KnowledgeSource) {
		src.ChunkCount = chunkCount
	})
}

func (s *MemoryStore) UpdateSourceDetails(ctx context.Context, id string, patch models.SourcePatch) error {
	return s.mutateSource(id, func(src *models.KnowledgeSource) {
		if patch.Title != nil {
			src.Title = *patch.Title
		}
		if patch.Tags != nil {
			src.Tags = append([]string(nil), (*patch.Tags)...)
		}
		if patch.IsActive != nil {
			src.IsActive = *patch.IsActive
		}
		if patch.Content != nil {
			src.Content = *patch.Content
		}
	})
}

func (s *MemoryStore) DeleteSource(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, id)
	return nil
}

func (s *MemoryStore) mutateSource(id string, fn func(*models.KnowledgeSource)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, core.ErrNotFound)
	}
	fn(src)
	src.UpdatedAt = time.Now().UTC()
	return nil
}

// Chunk persistence.

// PutChunks stages and validates the full replacement set before swapping it
// in, so a rejected batch leaves the previous chunks untouched.
func (s *MemoryStore) PutChunks(ctx context.Context, chatbotID, documentID string, chunks []models.Chunk) error {
	staged := make([]models.Chunk, 0, len(chunks))
	seen := make(map[int]struct{}, len(chunks))
	for _, ch := range chunks {
		if ch.ChatbotID != chatbotID || ch.DocumentID != documentID {
			return fmt.Errorf("chunk %s does not belong to %s/%s", ch.ID, chatbotID, documentID)
		}
		if _, dup := seen[ch.ChunkIndex]; dup {
			return fmt.Errorf("duplicate chunk index %d for document %s", ch.ChunkIndex, documentID)
		}
		seen[ch.ChunkIndex] = struct{}{}
		if ch.CreatedAt.IsZero() {
			ch.CreatedAt = time.Now().UTC()
		}
		staged = append(staged, ch)
	}
	sort.Slice(staged, func(i, j int) bool { return staged[i].ChunkIndex < staged[j].ChunkIndex })

	s.mu.Lock()
	defer s.mu.Unlock()
	byDoc, ok := s.chunks[chatbotID]
	if !ok {
		byDoc = make(map[string][]models.Chunk)
		s.chunks[chatbotID] = byDoc
	}
	byDoc[documentID] = staged
	return nil
}

func (s *MemoryStore) AttachEmbeddings(ctx context.Context, chatbotID, documentID string, embeddings map[string]models.ChunkEmbeddings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docChunks := s.chunks[chatbotID][documentID]
	for i := range docChunks {
		if emb, ok := embeddings[docChunks[i].ID]; ok {
			docChunks[i].Embeddings = emb
		}
	}
	return nil
}

func (s *MemoryStore) GetChunkCount(ctx context.Context, chatbotID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, docChunks := range s.chunks[chatbotID] {
		n += len(docChunks)
	}
	return n, nil
}

func (s *MemoryStore) CountChunksByType(ctx context.Context, chatbotID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for _, docChunks := range s.chunks[chatbotID] {
		for _, ch := range docChunks {
			out[string(ch.Type)]++
		}
	}
	return out, nil
}

func (s *MemoryStore) QueryCandidates(ctx context.Context, chatbotID string, q core.CandidateQuery) ([]core.ScoredChunk, error) {
	if q.K < 1 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.ScoredChunk
	for _, docChunks := range s.chunks[chatbotID] {
		for _, ch := range docChunks {
			if len(ch.Embeddings.Content) == 0 {
				continue
			}
			vecScore := clamp01((cosineSimilarity(q.Embedding, ch.Embeddings.Content) + 1) / 2)
			out = append(out, core.ScoredChunk{Chunk: ch, Score: blendScore(vecScore, q, ch)})
		}
	}

	sortCandidates(out)
	if len(out) > q.K {
		out = out[:q.K]
	}
	return out, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, chatbotID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byDoc, ok := s.chunks[chatbotID]; ok {
		delete(byDoc, documentID)
	}
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ Store = (*MemoryStore)(nil)
