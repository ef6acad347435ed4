package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/core"
	"github.com/nexabot/knowcore/internal/core/extraction"
	"github.com/nexabot/knowcore/internal/core/ingestion_engine"
	"github.com/nexabot/knowcore/internal/models"
)

// Answerer resolves queries against a chatbot's knowledge.
type Answerer interface {
	Answer(ctx context.Context, chatbotID, query, behaviorPrompt string) models.RetrievalResult
}

// MetadataCache is the slice of the cache the service exposes over HTTP.
type MetadataCache interface {
	Peek(chatbotID string) (models.MetadataCacheEntry, bool)
	Invalidate(chatbotID string)
	Refresh(ctx context.Context, chatbotID string) (models.MetadataCacheEntry, error)
}

// IngestPayload carries one knowledge source submission. Exactly one of
// Data, Content or QAItems is read, matching SourceType.
type IngestPayload struct {
	SourceType  models.SourceType
	Title       string
	Tags        []string
	FileName    string
	ContentType string
	Data        []byte
	Content     string
	QAItems     []models.QAItem
}

// KnowledgeService owns the source lifecycle: uploads, background ingestion
// scheduling, edits, deletion and query answering.
type KnowledgeService struct {
	sources  core.SourceStore
	chunks   core.ChunkStore
	storage  core.ObjectClient
	ingestor ingestion_engine.Ingestor
	cache    MetadataCache
	engine   Answerer
	bucket   string
	log      *zap.Logger
}

func NewKnowledgeService(
	sources core.SourceStore,
	chunks core.ChunkStore,
	storage core.ObjectClient,
	ingestor ingestion_engine.Ingestor,
	cache MetadataCache,
	engine Answerer,
	bucket string,
	log *zap.Logger,
) *KnowledgeService {
	return &KnowledgeService{
		sources:  sources,
		chunks:   chunks,
		storage:  storage,
		ingestor: ingestor,
		cache:    cache,
		engine:   engine,
		bucket:   bucket,
		log:      log,
	}
}

// IngestDocument validates the payload, persists the source in the pending
// state and hands it to the background pipeline. File bytes are archived to
// object storage before the source row exists, so a failed create cleans the
// orphaned object up again.
func (s *KnowledgeService) IngestDocument(ctx context.Context, chatbotID string, p IngestPayload) (*models.KnowledgeSource, error) {
	if err := validatePayload(p); err != nil {
		return nil, err
	}

	docID := uuid.NewString()
	src := &models.KnowledgeSource{
		ID:        docID,
		ChatbotID: chatbotID,
		Title:     strings.TrimSpace(p.Title),
		Type:      p.SourceType,
		Tags:      p.Tags,
		IsActive:  true,
		Status:    models.StatusPending,
	}

	switch p.SourceType {
	case models.SourceFile:
		src.FileName = p.FileName
		src.ContentType = p.ContentType
		src.StorageKey = s.objectKey(chatbotID, docID, p.FileName)
		if src.Title == "" {
			src.Title = p.FileName
		}
		if _, err := s.storage.UploadFile(ctx, s.bucket, src.StorageKey, p.Data, p.ContentType); err != nil {
			return nil, fmt.Errorf("archive upload: %w", err)
		}
	case models.SourceText:
		src.Content = p.Content
	case models.SourceQA:
		src.QAItems = p.QAItems
	}

	if err := s.sources.CreateSource(ctx, src); err != nil {
		if src.StorageKey != "" {
			if delErr := s.storage.DeleteFile(ctx, s.bucket, src.StorageKey); delErr != nil {
				s.log.Warn("orphaned upload not cleaned up",
					zap.String("key", src.StorageKey), zap.Error(delErr))
			}
		}
		return nil, fmt.Errorf("create source: %w", err)
	}

	s.ingestor.Enqueue(docID)
	s.log.Info("source accepted",
		zap.String("chatbot_id", chatbotID),
		zap.String("document_id", docID),
		zap.String("source_type", string(p.SourceType)))
	return src, nil
}

// GetSource returns a source owned by the chatbot.
func (s *KnowledgeService) GetSource(ctx context.Context, chatbotID, docID string) (*models.KnowledgeSource, error) {
	return s.getOwned(ctx, chatbotID, docID)
}

// ListSources returns every source owned by the chatbot, newest first.
func (s *KnowledgeService) ListSources(ctx context.Context, chatbotID string) ([]models.KnowledgeSource, error) {
	return s.sources.ListSourcesByChatbot(ctx, chatbotID)
}

// GetIngestionStatus is the progress snapshot polled while ingestion runs.
func (s *KnowledgeService) GetIngestionStatus(ctx context.Context, chatbotID, docID string) (*models.IngestionStatus, error) {
	src, err := s.getOwned(ctx, chatbotID, docID)
	if err != nil {
		return nil, err
	}
	return &models.IngestionStatus{
		Status:          src.Status,
		ProcessingError: src.ProcessingError,
		ChunkCount:      src.ChunkCount,
	}, nil
}

// UpdateSource applies the user-editable fields. Editing a text source's
// content schedules a re-ingestion, since the stored chunks no longer match.
func (s *KnowledgeService) UpdateSource(ctx context.Context, chatbotID, docID string, patch models.SourcePatch) (*models.KnowledgeSource, error) {
	src, err := s.getOwned(ctx, chatbotID, docID)
	if err != nil {
		return nil, err
	}

	contentChanged := false
	if patch.Content != nil {
		if src.Type != models.SourceText {
			return nil, fmt.Errorf("content edits apply to text sources only: %w", core.ErrUnsupportedType)
		}
		if strings.TrimSpace(*patch.Content) == "" {
			return nil, fmt.Errorf("update content: %w", core.ErrEmptyContent)
		}
		contentChanged = *patch.Content != src.Content
	}

	if err := s.sources.UpdateSourceDetails(ctx, docID, patch); err != nil {
		return nil, err
	}
	if contentChanged {
		if err := s.requeue(ctx, docID); err != nil {
			return nil, err
		}
	}
	return s.sources.GetSourceByID(ctx, docID)
}

// ReingestDocument re-runs the pipeline for a source, for example after a
// failed run or an extraction fix. Any in-flight run is stopped first.
func (s *KnowledgeService) ReingestDocument(ctx context.Context, chatbotID, docID string) error {
	if _, err := s.getOwned(ctx, chatbotID, docID); err != nil {
		return err
	}
	return s.requeue(ctx, docID)
}

// DeleteDocument removes the source, its chunks and its archived upload.
// Deleting an unknown document succeeds, so retries converge. An in-flight
// ingestion run is cancelled and waited out before anything is removed.
func (s *KnowledgeService) DeleteDocument(ctx context.Context, chatbotID, docID string) error {
	src, err := s.sources.GetSourceByID(ctx, docID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return err
	}
	if src.ChatbotID != chatbotID {
		return nil
	}

	if err := s.ingestor.Cancel(ctx, docID); err != nil {
		return fmt.Errorf("stop ingestion: %w", err)
	}
	if err := s.chunks.DeleteDocument(ctx, chatbotID, docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if src.StorageKey != "" {
		if err := s.storage.DeleteFile(ctx, s.bucket, src.StorageKey); err != nil {
			return fmt.Errorf("delete upload: %w", err)
		}
	}
	if err := s.sources.DeleteSource(ctx, docID); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}

	s.cache.Invalidate(chatbotID)
	s.log.Info("source deleted",
		zap.String("chatbot_id", chatbotID), zap.String("document_id", docID))
	return nil
}

// Answer resolves one query for the chatbot.
func (s *KnowledgeService) Answer(ctx context.Context, chatbotID, query, behaviorPrompt string) models.RetrievalResult {
	return s.engine.Answer(ctx, chatbotID, query, behaviorPrompt)
}

// CacheStatus exposes the current metadata cache entry without recomputing.
func (s *KnowledgeService) CacheStatus(chatbotID string) (models.MetadataCacheEntry, bool) {
	return s.cache.Peek(chatbotID)
}

// RefreshCache forces a metadata recompute.
func (s *KnowledgeService) RefreshCache(ctx context.Context, chatbotID string) (models.MetadataCacheEntry, error) {
	return s.cache.Refresh(ctx, chatbotID)
}

// requeue stops any in-flight run, resets the source to pending and schedules
// a fresh pass.
func (s *KnowledgeService) requeue(ctx context.Context, docID string) error {
	if err := s.ingestor.Cancel(ctx, docID); err != nil {
		return fmt.Errorf("stop ingestion: %w", err)
	}
	if err := s.sources.UpdateSourceStatus(ctx, docID, models.StatusPending, ""); err != nil {
		return err
	}
	s.ingestor.Enqueue(docID)
	return nil
}

func (s *KnowledgeService) getOwned(ctx context.Context, chatbotID, docID string) (*models.KnowledgeSource, error) {
	src, err := s.sources.GetSourceByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	if src.ChatbotID != chatbotID {
		return nil, fmt.Errorf("source %s: %w", docID, core.ErrNotFound)
	}
	return src, nil
}

// objectKey creates a consistent storage key layout.
func (s *KnowledgeService) objectKey(chatbotID, docID, filename string) string {
	filename = strings.TrimSpace(filename)
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("chatbots", chatbotID, "sources", docID, filename)
}

func validatePayload(p IngestPayload) error {
	switch p.SourceType {
	case models.SourceFile:
		if p.FileName == "" || len(p.Data) == 0 {
			return fmt.Errorf("file upload requires a name and content: %w", core.ErrEmptyContent)
		}
		if !extraction.Supported(extraction.FileTypeFromName(p.FileName)) {
			return fmt.Errorf("%w: file type of %q", core.ErrUnsupportedType, p.FileName)
		}
	case models.SourceText:
		if strings.TrimSpace(p.Content) == "" {
			return fmt.Errorf("text source: %w", core.ErrEmptyContent)
		}
	case models.SourceQA:
		if !hasValidQAPair(p.QAItems) {
			return fmt.Errorf("qa source needs at least one complete pair: %w", core.ErrEmptyContent)
		}
	default:
		return fmt.Errorf("%w: %q", core.ErrUnsupportedType, p.SourceType)
	}
	return nil
}

func hasValidQAPair(items []models.QAItem) bool {
	for _, it := range items {
		if strings.TrimSpace(it.Question) != "" && strings.TrimSpace(it.Answer) != "" {
			return true
		}
	}
	return false
}
