package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	middleware "github.com/nexabot/knowcore/internal/api/middlewares"
	"github.com/nexabot/knowcore/internal/models"
	"github.com/nexabot/knowcore/internal/services"
)

// SourceService is the slice of the knowledge service the document endpoints
// need.
type SourceService interface {
	IngestDocument(ctx context.Context, chatbotID string, p services.IngestPayload) (*models.KnowledgeSource, error)
	GetSource(ctx context.Context, chatbotID, docID string) (*models.KnowledgeSource, error)
	ListSources(ctx context.Context, chatbotID string) ([]models.KnowledgeSource, error)
	GetIngestionStatus(ctx context.Context, chatbotID, docID string) (*models.IngestionStatus, error)
	UpdateSource(ctx context.Context, chatbotID, docID string, patch models.SourcePatch) (*models.KnowledgeSource, error)
	ReingestDocument(ctx context.Context, chatbotID, docID string) error
	DeleteDocument(ctx context.Context, chatbotID, docID string) error
}

type DocumentHandler struct {
	svc            SourceService
	maxUploadBytes int64
	log            *zap.Logger
}

func NewDocumentHandler(svc SourceService, maxUploadBytes int64, log *zap.Logger) *DocumentHandler {
	return &DocumentHandler{svc: svc, maxUploadBytes: maxUploadBytes, log: log}
}

type createSourceRequest struct {
	SourceType string          `json:"source_type"`
	Title      string          `json:"title"`
	Tags       []string        `json:"tags"`
	Content    string          `json:"content"`
	QAItems    []models.QAItem `json:"qa_items"`
}

// CreateSource accepts either a multipart upload (file sources) or a JSON
// body (text and qa sources) and schedules ingestion. The response is 202:
// processing continues in the background and is polled via the status route.
func (h *DocumentHandler) CreateSource(w http.ResponseWriter, r *http.Request) {
	chatbotID := middleware.ChatbotID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	var payload services.IngestPayload
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
			http.Error(w, "upload too large or malformed", http.StatusRequestEntityTooLarge)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file field", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "reading upload failed", http.StatusInternalServerError)
			return
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		payload = services.IngestPayload{
			SourceType:  models.SourceFile,
			Title:       r.FormValue("title"),
			Tags:        splitTags(r.FormValue("tags")),
			FileName:    filepath.Base(header.Filename),
			ContentType: contentType,
			Data:        data,
		}
	} else {
		var req createSourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		payload = services.IngestPayload{
			SourceType: models.SourceType(req.SourceType),
			Title:      req.Title,
			Tags:       req.Tags,
			Content:    req.Content,
			QAItems:    req.QAItems,
		}
	}

	src, err := h.svc.IngestDocument(r.Context(), chatbotID, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, src)
}

func (h *DocumentHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.svc.ListSources(r.Context(), middleware.ChatbotID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (h *DocumentHandler) GetSource(w http.ResponseWriter, r *http.Request) {
	src, err := h.svc.GetSource(r.Context(), middleware.ChatbotID(r.Context()), chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

// GetStatus serves the lightweight progress snapshot dashboards poll while a
// source works through the pipeline.
func (h *DocumentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetIngestionStatus(r.Context(), middleware.ChatbotID(r.Context()), chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *DocumentHandler) UpdateSource(w http.ResponseWriter, r *http.Request) {
	var patch models.SourcePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	src, err := h.svc.UpdateSource(r.Context(), middleware.ChatbotID(r.Context()), chi.URLParam(r, "documentID"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (h *DocumentHandler) Reingest(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ReingestDocument(r.Context(), middleware.ChatbotID(r.Context()), chi.URLParam(r, "documentID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(models.StatusPending)})
}

func (h *DocumentHandler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteDocument(r.Context(), middleware.ChatbotID(r.Context()), chi.URLParam(r, "documentID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func splitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
