package ingestion_engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/core"
)

// Config tunes the ingestion pipeline.
//
// QueueSize:      capacity of the in-memory job queue; Enqueue blocks when full.
// TargetTokens:   approximate tokens per chunk (e.g., 400).
// OverlapTokens:  token overlap between consecutive chunks for context bleed (e.g., 50).
// BatchSize:      how many chunks to embed per provider call (e.g., 32).
// MaxAttempts:    attempts per stage before the run fails; applies to transient errors only.
// RetryBaseDelay: backoff base; attempt n sleeps base << (n-1).
// StageTimeout:   wall-clock bound on a single stage attempt.
// EmbedTopics:    also embed each chunk's topic list for topic-level matching.
// Bucket:         object storage bucket holding raw file uploads.
type Config struct {
	QueueSize      int
	TargetTokens   int
	OverlapTokens  int
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	StageTimeout   time.Duration
	EmbedTopics    bool
	Bucket         string
}

// CacheInvalidator is notified when a run reaches a terminal state so cached
// chunk inventories do not keep serving stale counts for a full TTL.
type CacheInvalidator interface {
	Invalidate(chatbotID string)
}

// job tracks one in-flight document run. done closes only after the final
// status write, so a waiter sees no writes after Cancel returns.
type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// DocumentIngestor orchestrates the background ingestion pipeline:
//
// sources:   knowledge source rows; owns every status transition.
// chunks:    chunk persistence, replaced wholesale per document.
// obj:       object storage holding raw file uploads.
// embedder:  embedding provider (Gemini/Ollama).
// extractor: ordered text extraction chain for file sources.
// cache:     per-chatbot metadata cache, invalidated on terminal states.
// jobs:      in-memory queue of document IDs (easy to swap with a broker later).
// running:   in-flight runs by document ID, for cancellation.
type DocumentIngestor struct {
	sources   core.SourceStore
	chunks    core.ChunkStore
	obj       core.ObjectClient
	embedder  core.EmbeddingProvider
	extractor core.TextExtractor
	cache     CacheInvalidator
	cfg       *Config
	log       *zap.Logger

	jobs chan string

	mu      sync.Mutex
	running map[string]*job
}
