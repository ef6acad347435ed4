package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nexabot/knowcore/internal/core"
	"github.com/nexabot/knowcore/internal/models"
)

// PostgresStore persists knowledge sources and chunks on Postgres with the
// pgvector extension. Chunk similarity search runs on the cosine operator
// backed by the HNSW index created at bootstrap.
type PostgresStore struct {
	db  *sql.DB
	log *zap.Logger
}

func NewPostgresStore(ctx context.Context, databaseURL string, log *zap.Logger) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is empty")
	}

	sqlDB, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	log.Info("database initialized and bootstrapped")
	return &PostgresStore{db: sqlDB, log: log}, nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// storageErr tags a database failure with the storage-unavailable sentinel so
// the ingestion pipeline can decide to retry it.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, core.ErrStorageUnavailable, err)
}

// Knowledge source persistence.

func (s *PostgresStore) CreateSource(ctx context.Context, src *models.KnowledgeSource) error {
	if src == nil {
		return errors.New("nil knowledge source")
	}
	tags, err := json.Marshal(src.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	qaItems, err := json.Marshal(src.QAItems)
	if err != nil {
		return fmt.Errorf("marshal qa items: %w", err)
	}

	const q = `
		INSERT INTO knowledge_sources
			(id, chatbot_id, title, source_type, tags, is_active, status, processing_error,
			 chunk_count, file_name, content_type, storage_key, original_size, optimized_size,
			 size_reduction, content, qa_items, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			 COALESCE($18, now()), COALESCE($19, now()))
	`
	_, err = s.db.ExecContext(ctx, q,
		src.ID, src.ChatbotID, src.Title, src.Type, tags, src.IsActive, src.Status,
		src.ProcessingError, src.ChunkCount, src.FileName, src.ContentType, src.StorageKey,
		src.OriginalSize, src.OptimizedSize, src.SizeReduction, src.Content, qaItems,
		nullableTime(src.CreatedAt), nullableTime(src.UpdatedAt))
	if err != nil {
		return storageErr("create source", err)
	}
	return nil
}

const sourceColumns = `
	id, chatbot_id, title, source_type, tags, is_active, status, processing_error,
	chunk_count, file_name, content_type, storage_key, original_size, optimized_size,
	size_reduction, content, qa_items, created_at, updated_at
`

func (s *PostgresStore) GetSourceByID(ctx context.Context, id string) (*models.KnowledgeSource, error) {
	q := `SELECT ` + sourceColumns + ` FROM knowledge_sources WHERE id = $1`
	src, err := scanSource(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get source", err)
	}
	return src, nil
}

func (s *PostgresStore) ListSourcesByChatbot(ctx context.Context, chatbotID string) ([]models.KnowledgeSource, error) {
	q := `SELECT ` + sourceColumns + ` FROM knowledge_sources WHERE chatbot_id = $1 ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, chatbotID)
	if err != nil {
		return nil, storageErr("list sources", err)
	}
	defer rows.Close()

	var out []models.KnowledgeSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, storageErr("list sources", err)
		}
		out = append(out, *src)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sources", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateSourceStatus(ctx context.Context, id string, status models.ProcessingStatus, processingError string) error {
	const q = `
		UPDATE knowledge_sources
		SET status = $2, processing_error = $3, updated_at = now()
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, q, id, status, processingError)
	if err != nil {
		return storageErr("update status", err)
	}
	return requireRow(res, id)
}

func (s *PostgresStore) UpdateSourceSizes(ctx context.Context, id string, originalSize, optimizedSize int64, reduction float64) error {
	const q = `
		UPDATE knowledge_sources
		SET original_size = $2, optimized_size = $3, size_reduction = $4, updated_at = now()
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, q, id, originalSize, optimizedSize, reduction)
	if err != nil {
		return storageErr("update sizes", err)
	}
	return requireRow(res, id)
}

func (s *PostgresStore) UpdateSourceChunkCount(ctx context.Context, id string, chunkCount int) error {
	const q = `
		UPDATE knowledge_sources
		SET chunk_count = $2, updated_at = now()
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, q, id, chunkCount)
	if err != nil {
		return storageErr("update chunk count", err)
	}
	return requireRow(res, id)
}

func (s *PostgresStore) UpdateSourceDetails(ctx context.Context, id string, patch models.SourcePatch) error {
	set := []string{"updated_at = now()"}
	args := []any{id}

	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Tags != nil {
		tags, err := json.Marshal(*patch.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		add("tags", tags)
	}
	if patch.IsActive != nil {
		add("is_active", *patch.IsActive)
	}
	if patch.Content != nil {
		add("content", *patch.Content)
	}

	q := fmt.Sprintf(`UPDATE knowledge_sources SET %s WHERE id = $1`, strings.Join(set, ", "))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return storageErr("update details", err)
	}
	return requireRow(res, id)
}

func (s *PostgresStore) DeleteSource(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_sources WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete source", err)
	}
	return nil
}

// Chunk persistence.

// PutChunks replaces every chunk of the document in a single transaction:
// delete then insert, so readers never observe a mix of old and new sets.
func (s *PostgresStore) PutChunks(ctx context.Context, chatbotID, documentID string, chunks []models.Chunk) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return storageErr("put chunks", err)
	}

	const del = `DELETE FROM knowledge_chunks WHERE chatbot_id = $1 AND document_id = $2`
	if _, err := tx.ExecContext(ctx, del, chatbotID, documentID); err != nil {
		_ = tx.Rollback()
		return storageErr("put chunks", err)
	}

	const ins = `
		INSERT INTO knowledge_chunks
			(id, chatbot_id, document_id, chunk_index, content, document_section,
			 chunk_type, metadata, token_count, content_embedding, topics_embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, now()))
	`
	stmt, err := tx.PrepareContext(ctx, ins)
	if err != nil {
		_ = tx.Rollback()
		return storageErr("put chunks", err)
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ID, chatbotID, documentID, ch.ChunkIndex, ch.Content, ch.DocumentSection,
			ch.Type, meta, ch.TokenCount, nullableVector(ch.Embeddings.Content),
			nullableVector(ch.Embeddings.Topics), nullableTime(ch.CreatedAt),
		); err != nil {
			_ = tx.Rollback()
			return storageErr("put chunks", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("put chunks", err)
	}
	return nil
}

// AttachEmbeddings writes the vectors produced by the embedding stage onto
// chunks already inserted by PutChunks.
func (s *PostgresStore) AttachEmbeddings(ctx context.Context, chatbotID, documentID string, embeddings map[string]models.ChunkEmbeddings) error {
	if len(embeddings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return storageErr("attach embeddings", err)
	}

	const q = `
		UPDATE knowledge_chunks
		SET content_embedding = $4, topics_embedding = $5
		WHERE id = $1 AND chatbot_id = $2 AND document_id = $3
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return storageErr("attach embeddings", err)
	}
	defer stmt.Close()

	for chunkID, emb := range embeddings {
		if _, err := stmt.ExecContext(ctx, chunkID, chatbotID, documentID,
			nullableVector(emb.Content), nullableVector(emb.Topics)); err != nil {
			_ = tx.Rollback()
			return storageErr("attach embeddings", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("attach embeddings", err)
	}
	return nil
}

func (s *PostgresStore) GetChunkCount(ctx context.Context, chatbotID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_chunks WHERE chatbot_id = $1`, chatbotID).Scan(&n)
	if err != nil {
		return 0, storageErr("chunk count", err)
	}
	return n, nil
}

func (s *PostgresStore) CountChunksByType(ctx context.Context, chatbotID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_type, COUNT(*) FROM knowledge_chunks WHERE chatbot_id = $1 GROUP BY chunk_type`,
		chatbotID)
	if err != nil {
		return nil, storageErr("count by type", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, storageErr("count by type", err)
		}
		out[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count by type", err)
	}
	return out, nil
}

// QueryCandidates runs the cosine search over content embeddings and, when a
// lexical weight is configured, re-ranks an over-fetched candidate set by the
// blended score computed in Go.
func (s *PostgresStore) QueryCandidates(ctx context.Context, chatbotID string, q core.CandidateQuery) ([]core.ScoredChunk, error) {
	if q.K < 1 {
		return nil, nil
	}
	fetch := q.K
	if q.LexicalWeight > 0 {
		fetch = q.K * 3
	}

	const sel = `
		SELECT id, chatbot_id, document_id, chunk_index, content, document_section,
		       chunk_type, metadata, token_count, content_embedding <=> $2 AS distance
		FROM knowledge_chunks
		WHERE chatbot_id = $1 AND content_embedding IS NOT NULL
		ORDER BY content_embedding <=> $2
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, sel, chatbotID, pgvector.NewVector(q.Embedding), fetch)
	if err != nil {
		return nil, storageErr("query candidates", err)
	}
	defer rows.Close()

	var out []core.ScoredChunk
	for rows.Next() {
		var (
			ch       models.Chunk
			meta     []byte
			distance float64
		)
		if err := rows.Scan(&ch.ID, &ch.ChatbotID, &ch.DocumentID, &ch.ChunkIndex, &ch.Content,
			&ch.DocumentSection, &ch.Type, &meta, &ch.TokenCount, &distance); err != nil {
			return nil, storageErr("query candidates", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ch.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
			}
		}
		// Cosine distance is in [0,2]; fold it onto the [0,1] score scale.
		vecScore := clamp01(1 - distance/2)
		out = append(out, core.ScoredChunk{Chunk: ch, Score: blendScore(vecScore, q, ch)})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query candidates", err)
	}

	sortCandidates(out)
	if len(out) > q.K {
		out = out[:q.K]
	}
	return out, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, chatbotID, documentID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM knowledge_chunks WHERE chatbot_id = $1 AND document_id = $2`,
		chatbotID, documentID)
	if err != nil {
		return storageErr("delete document chunks", err)
	}
	return nil
}

// Helpers.

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*models.KnowledgeSource, error) {
	var (
		src     models.KnowledgeSource
		tags    []byte
		qaItems []byte
	)
	err := row.Scan(
		&src.ID, &src.ChatbotID, &src.Title, &src.Type, &tags, &src.IsActive, &src.Status,
		&src.ProcessingError, &src.ChunkCount, &src.FileName, &src.ContentType, &src.StorageKey,
		&src.OriginalSize, &src.OptimizedSize, &src.SizeReduction, &src.Content, &qaItems,
		&src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &src.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if len(qaItems) > 0 {
		if err := json.Unmarshal(qaItems, &src.QAItems); err != nil {
			return nil, fmt.Errorf("unmarshal qa items: %w", err)
		}
	}
	return &src, nil
}

func requireRow(res sql.Result, id string) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("source %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// blendScore mixes the vector score with lexical keyword overlap when the
// query asks for it.
func blendScore(vecScore float64, q core.CandidateQuery, ch models.Chunk) float64 {
	if q.LexicalWeight <= 0 || q.Text == "" {
		return vecScore
	}
	overlap := lexicalOverlap(q.Text, ch)
	return clamp01((1-q.LexicalWeight)*vecScore + q.LexicalWeight*overlap)
}

// sortCandidates orders by score descending with a stable tiebreak so equal
// scores come back in a deterministic order.
func sortCandidates(cands []core.ScoredChunk) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		if cands[i].Chunk.DocumentID != cands[j].Chunk.DocumentID {
			return cands[i].Chunk.DocumentID < cands[j].Chunk.DocumentID
		}
		return cands[i].Chunk.ChunkIndex < cands[j].Chunk.ChunkIndex
	})
}

var _ Store = (*PostgresStore)(nil)
