package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	middleware "github.com/nexabot/knowcore/internal/api/middlewares"
	db "github.com/nexabot/knowcore/internal/core/database"
	objectclient "github.com/nexabot/knowcore/internal/core/object-client"
	"github.com/nexabot/knowcore/internal/models"
	"github.com/nexabot/knowcore/internal/services"
)

type stubIngestor struct {
	mu       sync.Mutex
	enqueued []string
}

func (s *stubIngestor) Start(ctx context.Context, numWorkers int) {}

func (s *stubIngestor) Enqueue(docID string) {
	s.mu.Lock()
	s.enqueued = append(s.enqueued, docID)
	s.mu.Unlock()
}

func (s *stubIngestor) ProcessOne(ctx context.Context, docID string) error { return nil }
func (s *stubIngestor) Cancel(ctx context.Context, docID string) error    { return nil }

func (s *stubIngestor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.enqueued)
}

type stubMetaCache struct {
	entry   models.MetadataCacheEntry
	present bool
}

func (s *stubMetaCache) Peek(chatbotID string) (models.MetadataCacheEntry, bool) {
	return s.entry, s.present
}
func (s *stubMetaCache) Invalidate(chatbotID string) {}
func (s *stubMetaCache) Refresh(ctx context.Context, chatbotID string) (models.MetadataCacheEntry, error) {
	return s.entry, nil
}

type stubAnswerer struct {
	result models.RetrievalResult
	gotBot string
	gotQ   string
}

func (s *stubAnswerer) Answer(ctx context.Context, chatbotID, query, behaviorPrompt string) models.RetrievalResult {
	s.gotBot, s.gotQ = chatbotID, query
	return s.result
}

type apiFixture struct {
	router   http.Handler
	store    *db.MemoryStore
	ingestor *stubIngestor
	cache    *stubMetaCache
	answerer *stubAnswerer
}

func newAPIFixture(maxUploadBytes int64) *apiFixture {
	f := &apiFixture{
		store:    db.NewMemoryStore(),
		ingestor: &stubIngestor{},
		cache:    &stubMetaCache{},
		answerer: &stubAnswerer{},
	}

	log := zap.NewNop()
	svc := services.NewKnowledgeService(
		f.store, f.store, objectclient.NewMemoryObjectStore(), f.ingestor,
		f.cache, f.answerer, "test-bucket", log)

	doc := NewDocumentHandler(svc, maxUploadBytes, log)
	chat := NewChatHandler(svc, log)
	cache := NewCacheHandler(svc, log)

	r := chi.NewRouter()
	r.Route("/api/chatbots/{chatbotID}", func(api chi.Router) {
		api.Use(middleware.ChatbotScope)
		api.Route("/documents", func(sr chi.Router) {
			sr.Post("/", doc.CreateSource)
			sr.Get("/", doc.ListSources)
			sr.Route("/{documentID}", func(dr chi.Router) {
				dr.Get("/", doc.GetSource)
				dr.Patch("/", doc.UpdateSource)
				dr.Delete("/", doc.DeleteSource)
				dr.Get("/status", doc.GetStatus)
				dr.Post("/reingest", doc.Reingest)
			})
		})
		api.Post("/chat/query", chat.Query)
		api.Get("/cache", cache.GetEntry)
		api.Post("/cache/refresh", cache.Refresh)
	})
	f.router = r
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createTextSource(t *testing.T, chatbotID, title, content string) models.KnowledgeSource {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"source_type": "text",
		"title":       title,
		"content":     content,
	})
	rec := f.do(t, http.MethodPost, "/api/chatbots/"+chatbotID+"/documents", "application/json", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create text source: status %d, body %s", rec.Code, rec.Body)
	}
	var src models.KnowledgeSource
	if err := json.Unmarshal(rec.Body.Bytes(), &src); err != nil {
		t.Fatalf("decode source: %v", err)
	}
	return src
}

func TestCreateTextSource(t *testing.T) {
	f := newAPIFixture(1 << 20)

	src := f.createTextSource(t, "bot-1", "Opening hours", "We open at nine.")
	if src.ID == "" || src.Status != models.StatusPending {
		t.Errorf("source = %+v", src)
	}
	if src.ChatbotID != "bot-1" {
		t.Errorf("chatbot id = %q", src.ChatbotID)
	}
	if f.ingestor.count() != 1 {
		t.Errorf("enqueued = %d, want 1", f.ingestor.count())
	}
}

func TestCreateFileSourceMultipart(t *testing.T) {
	f := newAPIFixture(1 << 20)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="guide.pdf"`)
	hdr.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write([]byte("%PDF-1.4 fake"))
	mw.WriteField("title", "Product guide")
	mw.WriteField("tags", "pricing, onboarding")
	mw.Close()

	rec := f.do(t, http.MethodPost, "/api/chatbots/bot-1/documents", mw.FormDataContentType(), buf.Bytes())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var src models.KnowledgeSource
	if err := json.Unmarshal(rec.Body.Bytes(), &src); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if src.Type != models.SourceFile || src.FileName != "guide.pdf" {
		t.Errorf("source = %+v", src)
	}
	if src.Title != "Product guide" {
		t.Errorf("title = %q", src.Title)
	}
	if len(src.Tags) != 2 || src.Tags[0] != "pricing" || src.Tags[1] != "onboarding" {
		t.Errorf("tags = %v", src.Tags)
	}
	if src.StorageKey == "" {
		t.Error("storage key missing")
	}
}

func TestCreateSourceRejectsBadBodies(t *testing.T) {
	f := newAPIFixture(1 << 20)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"source_type":`, http.StatusBadRequest},
		{"blank text content", `{"source_type":"text","content":"  "}`, http.StatusBadRequest},
		{"unknown source type", `{"source_type":"rss","content":"x"}`, http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/chatbots/bot-1/documents", "application/json", []byte(c.body))
			if rec.Code != c.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, c.want, rec.Body)
			}
		})
	}
	if f.ingestor.count() != 0 {
		t.Errorf("rejected bodies must not enqueue, got %d", f.ingestor.count())
	}
}

func TestCreateFileSourceTooLarge(t *testing.T) {
	f := newAPIFixture(64)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "big.pdf")
	part.Write(bytes.Repeat([]byte("x"), 4096))
	mw.Close()

	rec := f.do(t, http.MethodPost, "/api/chatbots/bot-1/documents", mw.FormDataContentType(), buf.Bytes())
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestGetAndListSources(t *testing.T) {
	f := newAPIFixture(1 << 20)

	first := f.createTextSource(t, "bot-1", "A", "alpha content")
	f.createTextSource(t, "bot-1", "B", "beta content")

	rec := f.do(t, http.MethodGet, "/api/chatbots/bot-1/documents", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []models.KnowledgeSource
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("list len = %d, want 2", len(list))
	}

	rec = f.do(t, http.MethodGet, "/api/chatbots/bot-1/documents/"+first.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got models.KnowledgeSource
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ID != first.ID || got.Title != "A" {
		t.Errorf("got = %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/chatbots/bot-1/documents/no-such-id", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing source status = %d, want 404", rec.Code)
	}

	// Sources are invisible outside their chatbot.
	rec = f.do(t, http.MethodGet, "/api/chatbots/bot-2/documents/"+first.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign chatbot status = %d, want 404", rec.Code)
	}
}

func TestGetIngestionStatusRoute(t *testing.T) {
	f := newAPIFixture(1 << 20)
	src := f.createTextSource(t, "bot-1", "T", "content here")

	rec := f.do(t, http.MethodGet, "/api/chatbots/bot-1/documents/"+src.ID+"/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status models.IngestionStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != models.StatusPending || status.ChunkCount != 0 {
		t.Errorf("status = %+v", status)
	}
}

func TestPatchSource(t *testing.T) {
	f := newAPIFixture(1 << 20)
	src := f.createTextSource(t, "bot-1", "Old title", "keep this content")

	rec := f.do(t, http.MethodPatch, "/api/chatbots/bot-1/documents/"+src.ID,
		"application/json", []byte(`{"title":"New title"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body)
	}
	var got models.KnowledgeSource
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Title != "New title" {
		t.Errorf("title = %q", got.Title)
	}
	if got.Content != "keep this content" {
		t.Errorf("content changed unexpectedly: %q", got.Content)
	}

	// Content edits re-run ingestion.
	rec = f.do(t, http.MethodPatch, "/api/chatbots/bot-1/documents/"+src.ID,
		"application/json", []byte(`{"content":"fresh content"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("content patch status = %d", rec.Code)
	}
	if f.ingestor.count() != 2 {
		t.Errorf("enqueued = %d, want 2 after content edit", f.ingestor.count())
	}
}

func TestPatchContentOnFileSourceRejected(t *testing.T) {
	f := newAPIFixture(1 << 20)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "a.txt")
	part.Write([]byte("plain text"))
	mw.Close()

	rec := f.do(t, http.MethodPost, "/api/chatbots/bot-1/documents", mw.FormDataContentType(), buf.Bytes())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: %d, body %s", rec.Code, rec.Body)
	}
	var src models.KnowledgeSource
	json.Unmarshal(rec.Body.Bytes(), &src)

	rec = f.do(t, http.MethodPatch, "/api/chatbots/bot-1/documents/"+src.ID,
		"application/json", []byte(`{"content":"not allowed"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteSource(t *testing.T) {
	f := newAPIFixture(1 << 20)
	src := f.createTextSource(t, "bot-1", "T", "content")

	rec := f.do(t, http.MethodDelete, "/api/chatbots/bot-1/documents/"+src.ID, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/chatbots/bot-1/documents/"+src.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("source should be gone, status = %d", rec.Code)
	}

	// Deletes are idempotent.
	rec = f.do(t, http.MethodDelete, "/api/chatbots/bot-1/documents/"+src.ID, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("repeat delete status = %d, want 204", rec.Code)
	}
}

func TestReingestRoute(t *testing.T) {
	f := newAPIFixture(1 << 20)
	src := f.createTextSource(t, "bot-1", "T", "content")

	rec := f.do(t, http.MethodPost, "/api/chatbots/bot-1/documents/"+src.ID+"/reingest", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("reingest status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pending") {
		t.Errorf("body = %s", rec.Body)
	}
	if f.ingestor.count() != 2 {
		t.Errorf("enqueued = %d, want 2", f.ingestor.count())
	}
}
