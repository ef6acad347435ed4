package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/core"
	"github.com/nexabot/knowcore/internal/core/extraction"
	"github.com/nexabot/knowcore/internal/models"
)

var _ Ingestor = (*DocumentIngestor)(nil)

// NewDocumentIngestor constructs the ingestor with a bounded job queue.
func NewDocumentIngestor(
	sources core.SourceStore,
	chunks core.ChunkStore,
	obj core.ObjectClient,
	embedder core.EmbeddingProvider,
	extractor core.TextExtractor,
	cache CacheInvalidator,
	cfg *Config,
	log *zap.Logger,
) *DocumentIngestor {
	return &DocumentIngestor{
		sources:   sources,
		chunks:    chunks,
		obj:       obj,
		embedder:  embedder,
		extractor: extractor,
		cache:     cache,
		cfg:       cfg,
		log:       log,
		jobs:      make(chan string, cfg.QueueSize),
		running:   make(map[string]*job),
	}
}

// Start launches numWorkers goroutines reading from the jobs channel. Workers
// exit when ctx is cancelled; in-flight runs stop at the next stage boundary.
func (i *DocumentIngestor) Start(ctx context.Context, numWorkers int) {
	for w := 1; w <= numWorkers; w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					i.log.Info("ingest worker shutting down", zap.Int("worker", w))
					return
				case docID := <-i.jobs:
					i.log.Info("ingest worker picked up document",
						zap.Int("worker", w), zap.String("document_id", docID))
					if err := i.ProcessOne(ctx, docID); err != nil {
						i.log.Error("ingest run failed",
							zap.Int("worker", w), zap.String("document_id", docID), zap.Error(err))
					}
				}
			}
		}(w)
	}
}

// Enqueue schedules a document ID for ingestion.
// If the queue is full, this call blocks until space frees up.
func (i *DocumentIngestor) Enqueue(docID string) {
	i.jobs <- docID
}

// Cancel stops the in-flight run for docID, if any, and waits until its final
// status write has landed. Cancelling a document with no active run is a
// no-op.
func (i *DocumentIngestor) Cancel(ctx context.Context, docID string) error {
	i.mu.Lock()
	j, ok := i.running[docID]
	i.mu.Unlock()
	if !ok {
		return nil
	}
	j.cancel()
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessOne runs the full pipeline for a single document: extract, chunk,
// store, embed. Any failure, including cancellation, lands the source in the
// failed state with a readable reason.
func (i *DocumentIngestor) ProcessOne(ctx context.Context, docID string) error {
	runCtx, release := i.track(ctx, docID)
	defer release()

	src, err := i.sources.GetSourceByID(runCtx, docID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			i.log.Info("skipping ingest, source no longer exists", zap.String("document_id", docID))
			return nil
		}
		return fmt.Errorf("load source %s: %w", docID, err)
	}

	if err := i.runPipeline(runCtx, src); err != nil {
		i.markFailed(src, err)
		return err
	}
	return nil
}

// track registers a cancellable run for docID so Cancel can stop it and wait
// for its writes to settle.
func (i *DocumentIngestor) track(ctx context.Context, docID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}

	i.mu.Lock()
	i.running[docID] = j
	i.mu.Unlock()

	return runCtx, func() {
		i.mu.Lock()
		if i.running[docID] == j {
			delete(i.running, docID)
		}
		i.mu.Unlock()
		cancel()
		close(j.done)
	}
}

func (i *DocumentIngestor) runPipeline(ctx context.Context, src *models.KnowledgeSource) error {
	text, hints, err := i.extractStage(ctx, src)
	if err != nil {
		return err
	}

	if err := i.transition(ctx, src, models.StatusChunking); err != nil {
		return err
	}
	chunks := buildChunks(i.cfg, src, text, hints)
	if len(chunks) == 0 {
		return fmt.Errorf("chunking: %w", core.ErrEmptyContent)
	}

	if err := i.transition(ctx, src, models.StatusStoring); err != nil {
		return err
	}
	err = i.withRetry(ctx, "store chunks", func(c context.Context) error {
		return i.chunks.PutChunks(c, src.ChatbotID, src.ID, chunks)
	})
	if err != nil {
		return err
	}
	if err := i.sources.UpdateSourceChunkCount(ctx, src.ID, len(chunks)); err != nil {
		return fmt.Errorf("update chunk count: %w", err)
	}

	if err := i.transition(ctx, src, models.StatusEmbedding); err != nil {
		return err
	}
	if err := i.embedStage(ctx, src, chunks); err != nil {
		return err
	}

	if err := i.transition(ctx, src, models.StatusCompleted); err != nil {
		return err
	}
	i.cache.Invalidate(src.ChatbotID)
	i.log.Info("ingest completed",
		zap.String("document_id", src.ID), zap.Int("chunks", len(chunks)))
	return nil
}

// extractStage resolves the source's raw text and optional structure hints.
// File sources pass through the optimizing stage, which fetches the upload,
// runs the extraction chain and records size accounting; text and QA sources
// carry their content inline and go straight to processing.
func (i *DocumentIngestor) extractStage(ctx context.Context, src *models.KnowledgeSource) (string, []core.ChunkHint, error) {
	switch src.Type {
	case models.SourceFile:
		if err := i.transition(ctx, src, models.StatusOptimizing); err != nil {
			return "", nil, err
		}

		var data []byte
		err := i.withRetry(ctx, "fetch object", func(c context.Context) error {
			var ferr error
			data, ferr = i.obj.GetFile(c, i.cfg.Bucket, src.StorageKey)
			return ferr
		})
		if err != nil {
			return "", nil, err
		}

		fileType := extraction.FileTypeFromName(src.FileName)
		if fileType == "" {
			fileType = src.ContentType
		}
		var res *core.ExtractionResult
		err = i.withRetry(ctx, "extract text", func(c context.Context) error {
			var xerr error
			res, xerr = i.extractor.Extract(c, data, fileType)
			return xerr
		})
		if err != nil {
			return "", nil, err
		}

		optimized := extraction.Optimize(res.Text)
		if optimized == "" {
			return "", nil, fmt.Errorf("optimize: %w", core.ErrEmptyContent)
		}
		originalSize := int64(len(data))
		optimizedSize := int64(len(optimized))
		reduction := 0.0
		if originalSize > 0 && optimizedSize < originalSize {
			reduction = (1 - float64(optimizedSize)/float64(originalSize)) * 100
		}
		if err := i.sources.UpdateSourceSizes(ctx, src.ID, originalSize, optimizedSize, reduction); err != nil {
			return "", nil, fmt.Errorf("update sizes: %w", err)
		}

		if err := i.transition(ctx, src, models.StatusProcessing); err != nil {
			return "", nil, err
		}
		return res.Text, res.Hints, nil

	case models.SourceText:
		if err := i.transition(ctx, src, models.StatusProcessing); err != nil {
			return "", nil, err
		}
		if strings.TrimSpace(src.Content) == "" {
			return "", nil, fmt.Errorf("processing: %w", core.ErrEmptyContent)
		}
		// Pasted markdown carries structure too; recover it the same way the
		// extraction chain does for files.
		return src.Content, extraction.HeadingHints(src.Content), nil

	case models.SourceQA:
		if err := i.transition(ctx, src, models.StatusProcessing); err != nil {
			return "", nil, err
		}
		if len(src.QAItems) == 0 {
			return "", nil, fmt.Errorf("processing: %w", core.ErrEmptyContent)
		}
		return "", nil, nil

	default:
		return "", nil, fmt.Errorf("%w: %q", core.ErrUnsupportedType, src.Type)
	}
}

// embedStage embeds chunk contents in batches and attaches the vectors to the
// already-stored rows. Topic vectors are best effort; a topic embedding
// problem never fails a run whose content vectors landed.
func (i *DocumentIngestor) embedStage(ctx context.Context, src *models.KnowledgeSource, chunks []models.Chunk) error {
	for start := 0; start < len(chunks); start += i.cfg.BatchSize {
		end := start + i.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for k := range batch {
			texts[k] = batch[k].Content
		}

		var vecs [][]float32
		err := i.withRetry(ctx, "embed batch", func(c context.Context) error {
			var eerr error
			vecs, eerr = i.embedder.EmbedTexts(c, texts)
			return eerr
		})
		if err != nil {
			return err
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embed batch: got %d vectors for %d chunks", len(vecs), len(batch))
		}

		embeddings := make(map[string]models.ChunkEmbeddings, len(batch))
		for k := range batch {
			embeddings[batch[k].ID] = models.ChunkEmbeddings{Content: vecs[k]}
		}

		if i.cfg.EmbedTopics {
			i.attachTopicVectors(ctx, batch, embeddings)
		}

		err = i.withRetry(ctx, "attach embeddings", func(c context.Context) error {
			return i.chunks.AttachEmbeddings(c, src.ChatbotID, src.ID, embeddings)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (i *DocumentIngestor) attachTopicVectors(ctx context.Context, batch []models.Chunk, embeddings map[string]models.ChunkEmbeddings) {
	var (
		topicTexts []string
		topicIdx   []int
	)
	for k := range batch {
		if len(batch[k].Metadata.Topics) > 0 {
			topicTexts = append(topicTexts, strings.Join(batch[k].Metadata.Topics, ", "))
			topicIdx = append(topicIdx, k)
		}
	}
	if len(topicTexts) == 0 {
		return
	}

	var tvecs [][]float32
	err := i.withRetry(ctx, "embed topics", func(c context.Context) error {
		var terr error
		tvecs, terr = i.embedder.EmbedTexts(c, topicTexts)
		return terr
	})
	if err != nil || len(tvecs) != len(topicTexts) {
		i.log.Warn("topic embedding skipped", zap.Error(err))
		return
	}
	for j, k := range topicIdx {
		e := embeddings[batch[k].ID]
		e.Topics = tvecs[j]
		embeddings[batch[k].ID] = e
	}
}

// transition advances the stored status. The run context guards it, so a
// cancelled run stops at the next stage boundary.
func (i *DocumentIngestor) transition(ctx context.Context, src *models.KnowledgeSource, status models.ProcessingStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := i.sources.UpdateSourceStatus(ctx, src.ID, status, ""); err != nil {
		return fmt.Errorf("update status to %s: %w", status, err)
	}
	src.Status = status
	i.log.Info("ingest stage",
		zap.String("document_id", src.ID), zap.String("status", string(status)))
	return nil
}

// withRetry runs fn under the stage timeout, retrying transient failures with
// exponential backoff. Permanent errors and cancellation return immediately.
func (i *DocumentIngestor) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= i.cfg.MaxAttempts; attempt++ {
		stageCtx, cancel := context.WithTimeout(ctx, i.cfg.StageTimeout)
		err = fn(stageCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if !core.Retryable(err) || attempt == i.cfg.MaxAttempts {
			return fmt.Errorf("%s: %w", op, err)
		}

		delay := i.cfg.RetryBaseDelay << (attempt - 1)
		i.log.Warn("retrying stage",
			zap.String("op", op), zap.Int("attempt", attempt),
			zap.Duration("backoff", delay), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// markFailed records the terminal failure with a human-readable reason. The
// status write uses a fresh context because the run context is usually
// already dead by the time we get here.
func (i *DocumentIngestor) markFailed(src *models.KnowledgeSource, cause error) {
	reason := cause.Error()
	if errors.Is(cause, context.Canceled) || errors.Is(cause, core.ErrCancelled) {
		reason = "cancelled"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := i.sources.UpdateSourceStatus(ctx, src.ID, models.StatusFailed, reason); err != nil {
		i.log.Error("recording failed status",
			zap.String("document_id", src.ID), zap.Error(err))
	}
	i.cache.Invalidate(src.ChatbotID)
	i.log.Warn("ingest failed",
		zap.String("document_id", src.ID), zap.String("reason", reason))
}
