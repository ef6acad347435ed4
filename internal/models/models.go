package models

import (
	"time"
)

// SourceType discriminates the KnowledgeSource payload variants.
type SourceType string

const (
	SourceFile SourceType = "file"
	SourceText SourceType = "text"
	SourceQA   SourceType = "qa"
)

// ProcessingStatus is the per-source ingestion state machine.
// pending → optimizing (File only) → processing → chunking → storing →
// embedding → completed, with failed reachable from any non-terminal state.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusOptimizing ProcessingStatus = "optimizing"
	StatusProcessing ProcessingStatus = "processing"
	StatusChunking   ProcessingStatus = "chunking"
	StatusStoring    ProcessingStatus = "storing"
	StatusEmbedding  ProcessingStatus = "embedding"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Terminal reports whether the ingestion run has finished, in either outcome.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ChunkType tags what a chunk holds.
type ChunkType string

const (
	ChunkContent ChunkType = "content"
	ChunkHeading ChunkType = "heading"
	ChunkQA      ChunkType = "qa"
)

// ResponseType tags how a query was answered.
type ResponseType string

const (
	ResponseIntelligentRAG   ResponseType = "intelligent_rag"
	ResponseBehaviorFallback ResponseType = "behavior_prompt_fallback"
	ResponseClarification    ResponseType = "clarification_request"
	ResponseError            ResponseType = "error"
)

// QAItem is one question/answer pair of a QA source.
type QAItem struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// KnowledgeSource is one uploaded unit of knowledge (a file, a block of free
// text, or a set of Q&A pairs) owned by exactly one chatbot. The ingestion
// pipeline owns status, sizes, chunk count and the processing error; users
// edit title, tags, active flag and (for text sources) content.
type KnowledgeSource struct {
	ID              string           `db:"id" json:"id"`
	ChatbotID       string           `db:"chatbot_id" json:"chatbot_id"`
	Title           string           `db:"title" json:"title"`
	Type            SourceType       `db:"source_type" json:"source_type"`
	Tags            []string         `db:"tags" json:"tags"`
	IsActive        bool             `db:"is_active" json:"is_active"`
	Status          ProcessingStatus `db:"status" json:"status"`
	ProcessingError string           `db:"processing_error" json:"processing_error,omitempty"`
	ChunkCount      int              `db:"chunk_count" json:"chunk_count"`

	// File sources only.
	FileName      string  `db:"file_name" json:"file_name,omitempty"`
	ContentType   string  `db:"content_type" json:"content_type,omitempty"`
	StorageKey    string  `db:"storage_key" json:"storage_key,omitempty"`
	OriginalSize  int64   `db:"original_size" json:"original_size,omitempty"`
	OptimizedSize int64   `db:"optimized_size" json:"optimized_size,omitempty"`
	SizeReduction float64 `db:"size_reduction" json:"size_reduction,omitempty"`

	// Text sources only.
	Content string `db:"content" json:"content,omitempty"`

	// QA sources only.
	QAItems []QAItem `db:"qa_items" json:"qa_items,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SourcePatch carries the user-editable fields of a KnowledgeSource.
// Nil pointers leave the stored value untouched.
type SourcePatch struct {
	Title    *string   `json:"title,omitempty"`
	Tags     *[]string `json:"tags,omitempty"`
	IsActive *bool     `json:"is_active,omitempty"`
	Content  *string   `json:"content,omitempty"`
}

// ChunkMetadata is the lexical profile computed per chunk at ingestion time.
type ChunkMetadata struct {
	Topics          []string `json:"topics"`
	Keywords        []string `json:"keywords"`
	Entities        []string `json:"entities"`
	ComplexityLevel string   `json:"complexity_level"`
}

// ChunkEmbeddings holds the vectors attached during the embedding stage.
// Content is always present after a completed ingestion; Topics is optional.
type ChunkEmbeddings struct {
	Content []float32 `json:"-"`
	Topics  []float32 `json:"-"`
}

// Chunk is one immutable retrievable unit of knowledge.
// (ChatbotID, DocumentID, ChunkIndex) is unique; re-ingestion replaces a
// document's chunks wholesale, never partially.
type Chunk struct {
	ID              string          `db:"id" json:"id"`
	ChatbotID       string          `db:"chatbot_id" json:"chatbot_id"`
	DocumentID      string          `db:"document_id" json:"document_id"`
	ChunkIndex      int             `db:"chunk_index" json:"chunk_index"`
	Content         string          `db:"content" json:"content"`
	DocumentSection string          `db:"document_section" json:"document_section"`
	Type            ChunkType       `db:"chunk_type" json:"chunk_type"`
	Metadata        ChunkMetadata   `db:"metadata" json:"metadata"`
	Embeddings      ChunkEmbeddings `db:"-" json:"-"`
	TokenCount      int             `db:"token_count" json:"token_count"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// MetadataCacheEntry is the per-chatbot chunk inventory summary. Process
// local and rebuilt from the chunk store on miss or expiry; never the source
// of truth.
type MetadataCacheEntry struct {
	TotalChunks  int            `json:"total_chunks"`
	ChunksByType map[string]int `json:"chunks_by_type"`
	LastUpdated  time.Time      `json:"last_updated"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Valid        bool           `json:"is_valid"`
}

// ChunkRef points at a chunk that contributed to an answer.
type ChunkRef struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Section    string  `json:"section,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}

// RetrievalResult is the transient outcome of one query. Every query path,
// including provider failures, terminates in one of these.
type RetrievalResult struct {
	Answer               string       `json:"answer"`
	ChunksUsed           []ChunkRef   `json:"chunks_used,omitempty"`
	Reasoning            string       `json:"reasoning"`
	Confidence           float64      `json:"confidence"`
	TotalChunksAvailable int          `json:"total_chunks_available"`
	ChunksRetrieved      int          `json:"chunks_retrieved"`
	ResponseTimeMs       int64        `json:"response_time_ms"`
	ResponseType         ResponseType `json:"response_type"`
	FallbackUsed         bool         `json:"fallback_used"`
}

// IngestionStatus is the progress snapshot polled by the dashboard.
type IngestionStatus struct {
	Status          ProcessingStatus `json:"status"`
	ProcessingError string           `json:"processing_error,omitempty"`
	ChunkCount      int              `json:"chunk_count"`
}
