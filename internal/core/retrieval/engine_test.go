package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/core"
	db "github.com/nexabot/knowcore/internal/core/database"
	"github.com/nexabot/knowcore/internal/models"
)

type stubMeta struct {
	entry models.MetadataCacheEntry
	err   error
}

func (s *stubMeta) Get(ctx context.Context, chatbotID string) (models.MetadataCacheEntry, error) {
	return s.entry, s.err
}

func metaWith(total int) *stubMeta {
	return &stubMeta{entry: models.MetadataCacheEntry{TotalChunks: total, Valid: true}}
}

type recordingEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (r *recordingEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = r.vec
	}
	return out, nil
}

type recordingLLM struct {
	answer     string
	err        error
	calls      int
	lastSystem string
	lastUser   string
}

func (r *recordingLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	r.calls++
	r.lastSystem = systemPrompt
	r.lastUser = userPrompt
	if r.err != nil {
		return "", r.err
	}
	return r.answer, nil
}

type failingChunkStore struct {
	core.ChunkStore
}

func (f *failingChunkStore) QueryCandidates(ctx context.Context, chatbotID string, q core.CandidateQuery) ([]core.ScoredChunk, error) {
	return nil, core.ErrStorageUnavailable
}

func testConfig() Config {
	return Config{
		TopK:             5,
		HighThreshold:    0.62,
		LowThreshold:     0.35,
		TopWeight:        0.70,
		NextWeight:       0.20,
		SeparationWeight: 0.10,
		LexicalWeight:    0,
		QueryTimeout:     5 * time.Second,
		GenericPhrases:   []string{"hello", "hi", "how are you", "thanks"},
		SmallTalkWords: []string{
			"hello", "hi", "hey", "thanks", "thank", "you", "good", "morning", "there",
		},
		FallbackMessage:      "fallback-msg",
		ClarificationMessage: "clarify-msg",
		ErrorMessage:         "error-msg",
	}
}

func testEngine(meta MetadataSource, store core.ChunkStore, emb core.EmbeddingProvider, llm core.LLMProvider) *Engine {
	return NewEngine(meta, store, emb, llm, testConfig(), zap.NewNop())
}

func seedScored(t *testing.T, store *db.MemoryStore, documentID, id, content, section string, vec []float32) {
	t.Helper()
	chunk := models.Chunk{
		ID:              id,
		ChatbotID:       "bot",
		DocumentID:      documentID,
		ChunkIndex:      0,
		Content:         content,
		DocumentSection: section,
		Type:            models.ChunkContent,
		Embeddings:      models.ChunkEmbeddings{Content: vec},
	}
	if err := store.PutChunks(context.Background(), "bot", documentID, []models.Chunk{chunk}); err != nil {
		t.Fatalf("seed chunk: %v", err)
	}
}

func TestAnswerEmptyKnowledgeBaseFallsBack(t *testing.T) {
	emb := &recordingEmbedder{vec: []float32{1, 0}}
	llm := &recordingLLM{answer: "persona reply"}
	e := testEngine(metaWith(0), db.NewMemoryStore(), emb, llm)

	res := e.Answer(context.Background(), "bot", "what are your opening hours", "You are Bo.")

	if res.ResponseType != models.ResponseBehaviorFallback {
		t.Fatalf("type = %s, want behavior fallback", res.ResponseType)
	}
	if !res.FallbackUsed {
		t.Error("fallback flag not set")
	}
	if res.TotalChunksAvailable != 0 || res.ChunksRetrieved != 0 {
		t.Errorf("counts = %d/%d, want 0/0", res.TotalChunksAvailable, res.ChunksRetrieved)
	}
	if emb.calls != 0 {
		t.Error("empty knowledge base must not trigger an embedding call")
	}
	if res.Answer != "persona reply" {
		t.Errorf("answer = %q, want the generated persona reply", res.Answer)
	}
}

func TestAnswerSmallTalkSkipsRetrieval(t *testing.T) {
	emb := &recordingEmbedder{vec: []float32{1, 0}}
	llm := &recordingLLM{answer: "hey there"}
	e := testEngine(metaWith(50), db.NewMemoryStore(), emb, llm)

	res := e.Answer(context.Background(), "bot", "Hello!", "")

	if res.ResponseType != models.ResponseBehaviorFallback {
		t.Fatalf("type = %s, want behavior fallback", res.ResponseType)
	}
	if res.ChunksRetrieved != 0 {
		t.Errorf("chunks retrieved = %d, want 0 for small talk", res.ChunksRetrieved)
	}
	if res.TotalChunksAvailable != 50 {
		t.Errorf("total available = %d, want 50", res.TotalChunksAvailable)
	}
	if emb.calls != 0 {
		t.Error("small talk must not trigger an embedding call")
	}
}

func TestAnswerSmallTalkVocabulary(t *testing.T) {
	// Not an exact phrase match, but every word is small-talk vocabulary.
	emb := &recordingEmbedder{vec: []float32{1, 0}}
	e := testEngine(metaWith(10), db.NewMemoryStore(), emb, &recordingLLM{answer: "hi"})

	res := e.Answer(context.Background(), "bot", "thank you good morning", "")
	if res.ResponseType != models.ResponseBehaviorFallback {
		t.Fatalf("type = %s, want behavior fallback", res.ResponseType)
	}
	if emb.calls != 0 {
		t.Error("vocabulary-only query must skip retrieval")
	}

	// One substantive word flips it back to retrieval.
	res = e.Answer(context.Background(), "bot", "good morning refunds", "")
	if emb.calls == 0 {
		t.Error("substantive query must reach the embedding step")
	}
	_ = res
}

func TestAnswerHighConfidenceRAG(t *testing.T) {
	store := db.NewMemoryStore()
	seedScored(t, store, "doc-1", "refund-chunk", "Refunds are processed within five days.", "Refunds", []float32{1, 0})
	seedScored(t, store, "doc-2", "shipping-chunk", "Shipping takes two weeks.", "", []float32{0, 1})

	emb := &recordingEmbedder{vec: []float32{1, 0}}
	llm := &recordingLLM{answer: "Refunds take five days."}
	e := testEngine(metaWith(2), store, emb, llm)

	res := e.Answer(context.Background(), "bot", "how long do refunds take", "You are Bo, the support bot.")

	if res.ResponseType != models.ResponseIntelligentRAG {
		t.Fatalf("type = %s, want intelligent rag (confidence %.2f)", res.ResponseType, res.Confidence)
	}
	if res.FallbackUsed {
		t.Error("grounded answers must not set the fallback flag")
	}
	if res.Answer != "Refunds take five days." {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(res.ChunksUsed) == 0 || res.ChunksUsed[0].ChunkID != "refund-chunk" {
		t.Fatalf("chunks used = %+v, want refund-chunk ranked first", res.ChunksUsed)
	}
	if res.ChunksUsed[0].Section != "Refunds" {
		t.Errorf("section = %q, want Refunds", res.ChunksUsed[0].Section)
	}
	if res.Confidence < 0.62 {
		t.Errorf("confidence = %.2f, expected at or above the high threshold", res.Confidence)
	}

	if !strings.Contains(llm.lastSystem, "You are Bo") {
		t.Error("behavior prompt missing from system prompt")
	}
	if !strings.Contains(llm.lastSystem, "only the knowledge excerpts") {
		t.Error("grounding instruction missing from system prompt")
	}
	if !strings.Contains(llm.lastUser, "Refunds are processed") {
		t.Error("retrieved chunk content missing from user prompt")
	}
	if !strings.Contains(llm.lastUser, "how long do refunds take") {
		t.Error("original query missing from user prompt")
	}
}

func TestAnswerMidConfidenceAsksForClarification(t *testing.T) {
	store := db.NewMemoryStore()
	// Orthogonal vectors score 0.5, landing between the thresholds.
	seedScored(t, store, "doc-1", "chunk-1", "Completely unrelated content.", "", []float32{0, 1})

	llm := &recordingLLM{answer: "should never be used"}
	e := testEngine(metaWith(1), store, &recordingEmbedder{vec: []float32{1, 0}}, llm)

	res := e.Answer(context.Background(), "bot", "do you offer enterprise plans", "")

	if res.ResponseType != models.ResponseClarification {
		t.Fatalf("type = %s, want clarification (confidence %.2f)", res.ResponseType, res.Confidence)
	}
	if res.Answer != "clarify-msg" {
		t.Errorf("answer = %q, want the configured clarification message", res.Answer)
	}
	if res.FallbackUsed {
		t.Error("clarification is not a fallback")
	}
	if llm.calls != 0 {
		t.Error("clarification must not call the model")
	}
	if res.ChunksRetrieved != 1 {
		t.Errorf("chunks retrieved = %d, want 1", res.ChunksRetrieved)
	}
}

func TestAnswerLowConfidenceFallsBack(t *testing.T) {
	store := db.NewMemoryStore()
	// Opposite vectors score 0, well below the low threshold.
	seedScored(t, store, "doc-1", "chunk-1", "Totally different topic.", "", []float32{1, 0})

	llm := &recordingLLM{answer: "persona fallback"}
	e := testEngine(metaWith(1), store, &recordingEmbedder{vec: []float32{-1, 0}}, llm)

	res := e.Answer(context.Background(), "bot", "explain your pricing tiers", "")

	if res.ResponseType != models.ResponseBehaviorFallback {
		t.Fatalf("type = %s, want behavior fallback (confidence %.2f)", res.ResponseType, res.Confidence)
	}
	if !res.FallbackUsed {
		t.Error("fallback flag not set")
	}
	if res.ChunksRetrieved != 1 {
		t.Errorf("chunks retrieved = %d, want the rejected candidate counted", res.ChunksRetrieved)
	}
	if len(res.ChunksUsed) != 0 {
		t.Errorf("chunks used = %v, want none on the fallback path", res.ChunksUsed)
	}
	if res.Answer != "persona fallback" {
		t.Errorf("answer = %q", res.Answer)
	}
}

func TestAnswerFallbackSurvivesModelFailure(t *testing.T) {
	llm := &recordingLLM{err: errors.New("model offline")}
	e := testEngine(metaWith(0), db.NewMemoryStore(), &recordingEmbedder{vec: []float32{1, 0}}, llm)

	res := e.Answer(context.Background(), "bot", "anything at all", "")

	if res.ResponseType != models.ResponseBehaviorFallback {
		t.Fatalf("type = %s, fallback must absorb model failures", res.ResponseType)
	}
	if res.Answer != "fallback-msg" {
		t.Errorf("answer = %q, want the static fallback message", res.Answer)
	}
}

func TestAnswerErrorPaths(t *testing.T) {
	store := db.NewMemoryStore()
	seedScored(t, store, "doc-1", "chunk-1", "Refund policy text.", "", []float32{1, 0})

	cases := []struct {
		name  string
		meta  MetadataSource
		store core.ChunkStore
		emb   core.EmbeddingProvider
		llm   core.LLMProvider
	}{
		{
			name:  "metadata lookup fails",
			meta:  &stubMeta{err: core.ErrStorageUnavailable},
			store: store,
			emb:   &recordingEmbedder{vec: []float32{1, 0}},
			llm:   &recordingLLM{answer: "x"},
		},
		{
			name:  "embedder fails",
			meta:  metaWith(1),
			store: store,
			emb:   &recordingEmbedder{err: core.ErrProviderTimeout},
			llm:   &recordingLLM{answer: "x"},
		},
		{
			name:  "chunk store fails",
			meta:  metaWith(1),
			store: &failingChunkStore{ChunkStore: store},
			emb:   &recordingEmbedder{vec: []float32{1, 0}},
			llm:   &recordingLLM{answer: "x"},
		},
		{
			name:  "model fails on grounded answer",
			meta:  metaWith(1),
			store: store,
			emb:   &recordingEmbedder{vec: []float32{1, 0}},
			llm:   &recordingLLM{err: errors.New("model offline")},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := testEngine(c.meta, c.store, c.emb, c.llm)
			res := e.Answer(context.Background(), "bot", "how do refunds work", "")

			if res.ResponseType != models.ResponseError {
				t.Fatalf("type = %s, want error", res.ResponseType)
			}
			if res.Answer != "error-msg" {
				t.Errorf("answer = %q, want the configured error message", res.Answer)
			}
			if !res.FallbackUsed {
				t.Error("error responses count as fallbacks")
			}
		})
	}
}

func TestConfidenceMonotoneUnderDominance(t *testing.T) {
	e := testEngine(metaWith(1), db.NewMemoryStore(), &recordingEmbedder{vec: []float32{1}}, &recordingLLM{})

	// Each case: result set A dominates B pointwise, so A's confidence
	// must not be lower.
	cases := [][4]float64{
		{0.9, 0.5, 0.8, 0.5},
		{0.9, 0.6, 0.9, 0.5},
		{0.7, 0.7, 0.6, 0.5},
		{1.0, 0.0, 0.9, 0.0},
	}
	for _, c := range cases {
		a := e.confidence([]core.ScoredChunk{{Score: c[0]}, {Score: c[1]}})
		b := e.confidence([]core.ScoredChunk{{Score: c[2]}, {Score: c[3]}})
		if a < b {
			t.Errorf("confidence(%v,%v)=%.3f < confidence(%v,%v)=%.3f breaks dominance",
				c[0], c[1], a, c[2], c[3], b)
		}
	}
}

func TestConfidenceSingleCandidate(t *testing.T) {
	e := testEngine(metaWith(1), db.NewMemoryStore(), &recordingEmbedder{vec: []float32{1}}, &recordingLLM{})

	got := e.confidence([]core.ScoredChunk{{Score: 0.5}})
	// With no runner-up the separation term sees the full winner score.
	want := 0.70*0.5 + 0.10*0.5
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("confidence = %.4f, want %.4f", got, want)
	}
}

func TestNormalizeQuery(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  Hello!! ", "hello"},
		{"How ARE you?", "how are you"},
		{"what's   up", "whats up"},
		{"", ""},
		{"?!.,", ""},
	}
	for _, c := range cases {
		if got := normalizeQuery(c.in); got != c.want {
			t.Errorf("normalizeQuery(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
