package core

import (
	"context"

	"github.com/nexabot/knowcore/internal/models"
)

// SourceStore persists KnowledgeSources. It abstracts Postgres so higher
// layers never depend on a specific DB.
type SourceStore interface {
	CreateSource(ctx context.Context, src *models.KnowledgeSource) error
	GetSourceByID(ctx context.Context, id string) (*models.KnowledgeSource, error)
	ListSourcesByChatbot(ctx context.Context, chatbotID string) ([]models.KnowledgeSource, error)

	// UpdateSourceStatus is called by the pipeline on every state transition;
	// processingError is empty except on the failed transition.
	UpdateSourceStatus(ctx context.Context, id string, status models.ProcessingStatus, processingError string) error
	UpdateSourceSizes(ctx context.Context, id string, originalSize, optimizedSize int64, reduction float64) error
	UpdateSourceChunkCount(ctx context.Context, id string, chunkCount int) error
	UpdateSourceDetails(ctx context.Context, id string, patch models.SourcePatch) error

	DeleteSource(ctx context.Context, id string) error
}

// CandidateQuery describes one similarity search against a chatbot's chunks.
// Text carries the raw query for the optional lexical blend; LexicalWeight 0
// makes scoring purely cosine.
type CandidateQuery struct {
	Embedding     []float32
	Text          string
	K             int
	LexicalWeight float64
}

// ScoredChunk is one retrieval candidate with its score in [0,1].
type ScoredChunk struct {
	Chunk models.Chunk
	Score float64
}

// ChunkStore persists chunks keyed by chatbot and source document.
// Storage failures surface as ErrStorageUnavailable and are not retried
// here; retry policy belongs to the ingestion pipeline.
type ChunkStore interface {
	// PutChunks atomically replaces all chunks for documentID. Readers never
	// observe a mix of old and new chunks.
	PutChunks(ctx context.Context, chatbotID, documentID string, chunks []models.Chunk) error

	// AttachEmbeddings persists the vectors produced by the embedding stage
	// for chunks already written by PutChunks, keyed by chunk ID.
	AttachEmbeddings(ctx context.Context, chatbotID, documentID string, embeddings map[string]models.ChunkEmbeddings) error

	GetChunkCount(ctx context.Context, chatbotID string) (int, error)
	CountChunksByType(ctx context.Context, chatbotID string) (map[string]int, error)

	// QueryCandidates returns the top-q.K chunks by blended similarity,
	// scores normalized to [0,1], descending.
	QueryCandidates(ctx context.Context, chatbotID string, q CandidateQuery) ([]ScoredChunk, error)

	// DeleteDocument removes every chunk of the document. Deleting a
	// document with no chunks is not an error.
	DeleteDocument(ctx context.Context, chatbotID, documentID string) error
}

// ObjectClient defines interactions with S3 or any object storage.
// It's abstract so you can replace AWS with MinIO, GCP, etc. easily.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data []byte, contentType string) (url string, err error)
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
	DeleteFile(ctx context.Context, bucket, key string) error
}
