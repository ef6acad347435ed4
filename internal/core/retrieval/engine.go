package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/core"
	"github.com/nexabot/knowcore/internal/models"
)

// Config tunes the query-time decision policy. Thresholds split the
// confidence range into answer, clarify and fallback bands; the weights
// combine the top two candidate scores into that confidence.
type Config struct {
	TopK             int
	HighThreshold    float64
	LowThreshold     float64
	TopWeight        float64
	NextWeight       float64
	SeparationWeight float64
	LexicalWeight    float64
	QueryTimeout     time.Duration

	GenericPhrases []string
	SmallTalkWords []string

	FallbackMessage      string
	ClarificationMessage string
	ErrorMessage         string
}

// MetadataSource supplies the chatbot's chunk inventory summary, normally the
// metadata cache.
type MetadataSource interface {
	Get(ctx context.Context, chatbotID string) (models.MetadataCacheEntry, error)
}

// Engine answers queries against a chatbot's ingested knowledge. Every call
// terminates in a RetrievalResult; provider and storage failures degrade to
// an error-typed result instead of propagating.
type Engine struct {
	meta     MetadataSource
	chunks   core.ChunkStore
	embedder core.EmbeddingProvider
	llm      core.LLMProvider
	cfg      Config
	log      *zap.Logger

	genericSet   map[string]struct{}
	smallTalkSet map[string]struct{}
}

const groundingInstruction = "Answer using only the knowledge excerpts provided. " +
	"If the excerpts do not cover the question, say you do not know instead of guessing."

func NewEngine(meta MetadataSource, chunks core.ChunkStore, embedder core.EmbeddingProvider, llm core.LLMProvider, cfg Config, log *zap.Logger) *Engine {
	e := &Engine{
		meta:         meta,
		chunks:       chunks,
		embedder:     embedder,
		llm:          llm,
		cfg:          cfg,
		log:          log,
		genericSet:   make(map[string]struct{}, len(cfg.GenericPhrases)),
		smallTalkSet: make(map[string]struct{}, len(cfg.SmallTalkWords)),
	}
	for _, p := range cfg.GenericPhrases {
		e.genericSet[normalizeQuery(p)] = struct{}{}
	}
	for _, w := range cfg.SmallTalkWords {
		e.smallTalkSet[normalizeQuery(w)] = struct{}{}
	}
	return e
}

// Answer resolves one query for a chatbot. behaviorPrompt is the bot's
// persona instruction; it frames both grounded answers and fallbacks.
func (e *Engine) Answer(ctx context.Context, chatbotID, query, behaviorPrompt string) models.RetrievalResult {
	started := time.Now()
	if e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}

	res := e.answer(ctx, chatbotID, query, behaviorPrompt)
	res.ResponseTimeMs = time.Since(started).Milliseconds()

	e.log.Info("query answered",
		zap.String("chatbot_id", chatbotID),
		zap.String("response_type", string(res.ResponseType)),
		zap.Float64("confidence", res.Confidence),
		zap.Int("chunks_retrieved", res.ChunksRetrieved),
		zap.Int64("elapsed_ms", res.ResponseTimeMs))
	return res
}

func (e *Engine) answer(ctx context.Context, chatbotID, query, behaviorPrompt string) models.RetrievalResult {
	entry, err := e.meta.Get(ctx, chatbotID)
	if err != nil {
		return e.errorResult("chunk inventory lookup failed", err, 0)
	}
	total := entry.TotalChunks

	if total == 0 {
		return e.fallback(ctx, query, behaviorPrompt, total, 0, 0,
			"knowledge base is empty, answering from behavior prompt alone")
	}
	if e.isGeneric(query) {
		return e.fallback(ctx, query, behaviorPrompt, total, 0, 0,
			"query is generic small talk, retrieval skipped")
	}

	vecs, err := e.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return e.errorResult("query embedding failed", err, total)
	}
	if len(vecs) != 1 {
		return e.errorResult("query embedding failed",
			fmt.Errorf("expected 1 vector, got %d", len(vecs)), total)
	}

	candidates, err := e.chunks.QueryCandidates(ctx, chatbotID, core.CandidateQuery{
		Embedding:     vecs[0],
		Text:          query,
		K:             e.cfg.TopK,
		LexicalWeight: e.cfg.LexicalWeight,
	})
	if err != nil {
		return e.errorResult("candidate search failed", err, total)
	}
	if len(candidates) == 0 {
		return e.fallback(ctx, query, behaviorPrompt, total, 0, 0,
			"no stored chunk matched the query")
	}

	conf := e.confidence(candidates)

	switch {
	case conf >= e.cfg.HighThreshold:
		return e.ragAnswer(ctx, query, behaviorPrompt, candidates, conf, total)

	case conf >= e.cfg.LowThreshold:
		return models.RetrievalResult{
			Answer: e.cfg.ClarificationMessage,
			Reasoning: fmt.Sprintf(
				"confidence %.2f is between thresholds, asking the user to narrow the question", conf),
			Confidence:           conf,
			TotalChunksAvailable: total,
			ChunksRetrieved:      len(candidates),
			ResponseType:         models.ResponseClarification,
			FallbackUsed:         false,
		}

	default:
		return e.fallback(ctx, query, behaviorPrompt, total, len(candidates), conf,
			fmt.Sprintf("confidence %.2f is below the low threshold", conf))
	}
}

// ragAnswer composes the grounded prompt from the retrieved chunks and asks
// the model for the final answer.
func (e *Engine) ragAnswer(ctx context.Context, query, behaviorPrompt string, candidates []core.ScoredChunk, conf float64, total int) models.RetrievalResult {
	var b strings.Builder
	for i, c := range candidates {
		if section := c.Chunk.DocumentSection; section != "" {
			fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, section, c.Chunk.Content)
		} else {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Chunk.Content)
		}
	}

	system := groundingInstruction
	if strings.TrimSpace(behaviorPrompt) != "" {
		system = behaviorPrompt + "\n\n" + groundingInstruction
	}
	user := fmt.Sprintf("Knowledge excerpts:\n%s\nQuestion: %s", b.String(), query)

	answer, err := e.llm.Generate(ctx, system, user)
	if err != nil {
		return e.errorResult("answer generation failed", err, total)
	}

	return models.RetrievalResult{
		Answer:     answer,
		ChunksUsed: chunkRefs(candidates),
		Reasoning: fmt.Sprintf(
			"answered from %d retrieved chunks at confidence %.2f", len(candidates), conf),
		Confidence:           conf,
		TotalChunksAvailable: total,
		ChunksRetrieved:      len(candidates),
		ResponseType:         models.ResponseIntelligentRAG,
		FallbackUsed:         false,
	}
}

// fallback answers from the behavior prompt alone. The model call is best
// effort; when it fails the static fallback message goes out instead, so this
// path cannot error.
func (e *Engine) fallback(ctx context.Context, query, behaviorPrompt string, total, retrieved int, conf float64, reasoning string) models.RetrievalResult {
	answer := e.cfg.FallbackMessage
	if generated, err := e.llm.Generate(ctx, behaviorPrompt, query); err == nil && strings.TrimSpace(generated) != "" {
		answer = generated
	} else if err != nil {
		e.log.Warn("fallback generation failed, using static message", zap.Error(err))
	}

	return models.RetrievalResult{
		Answer:               answer,
		Reasoning:            reasoning,
		Confidence:           conf,
		TotalChunksAvailable: total,
		ChunksRetrieved:      retrieved,
		ResponseType:         models.ResponseBehaviorFallback,
		FallbackUsed:         true,
	}
}

func (e *Engine) errorResult(reason string, err error, total int) models.RetrievalResult {
	e.log.Error("query failed", zap.String("reason", reason), zap.Error(err))
	return models.RetrievalResult{
		Answer:               e.cfg.ErrorMessage,
		Reasoning:            reason,
		TotalChunksAvailable: total,
		ResponseType:         models.ResponseError,
		FallbackUsed:         true,
	}
}

// confidence folds the top two candidate scores into one number: mostly the
// winner, a little of the runner-up, plus a bonus for how far the winner
// leads. Candidates arrive sorted by score descending.
func (e *Engine) confidence(candidates []core.ScoredChunk) float64 {
	s1 := candidates[0].Score
	s2 := 0.0
	if len(candidates) > 1 {
		s2 = candidates[1].Score
	}
	conf := e.cfg.TopWeight*s1 + e.cfg.NextWeight*s2 + e.cfg.SeparationWeight*(s1-s2)
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

// isGeneric classifies small talk: an exact match against the configured
// phrases, or a query whose every word is small-talk vocabulary. Such queries
// skip retrieval entirely.
func (e *Engine) isGeneric(query string) bool {
	norm := normalizeQuery(query)
	if norm == "" {
		return true
	}
	if _, ok := e.genericSet[norm]; ok {
		return true
	}
	for _, w := range strings.Fields(norm) {
		if _, ok := e.smallTalkSet[w]; !ok {
			return false
		}
	}
	return true
}

// normalizeQuery lowercases and strips everything but letters, digits and
// spaces, then collapses runs of whitespace.
func normalizeQuery(q string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(q) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func chunkRefs(candidates []core.ScoredChunk) []models.ChunkRef {
	refs := make([]models.ChunkRef, len(candidates))
	for i, c := range candidates {
		refs[i] = models.ChunkRef{
			ChunkID:    c.Chunk.ID,
			DocumentID: c.Chunk.DocumentID,
			Section:    c.Chunk.DocumentSection,
			ChunkIndex: c.Chunk.ChunkIndex,
			Score:      c.Score,
		}
	}
	return refs
}
