package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/core"
)

// DoclingClient is the structured-extraction path. It posts the raw file to
// the docling service and gets back markdown plus pre-segmented chunks whose
// metadata may carry a heading trail.
type DoclingClient struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewDoclingClient(baseURL string, timeout time.Duration, log *zap.Logger) *DoclingClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DoclingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (c *DoclingClient) Name() string { return "docling" }

func (c *DoclingClient) CanHandle(fileType string) bool {
	switch fileType {
	case "pdf", "doc", "docx", "txt":
		return true
	}
	return false
}

type doclingChunk struct {
	ChunkID  int            `json:"chunk_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type doclingResponse struct {
	Success         bool           `json:"success"`
	MarkdownContent string         `json:"markdown_content"`
	Metadata        map[string]any `json:"metadata"`
	Chunks          []doclingChunk `json:"chunks"`
	Error           string         `json:"error"`
}

func (c *DoclingClient) Extract(ctx context.Context, data []byte, fileType string) (*core.ExtractionResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "upload."+fileType)
	if err != nil {
		return nil, fmt.Errorf("building multipart request: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("building multipart request: %w", err)
	}
	if err := mw.WriteField("export_type", "chunks"); err != nil {
		return nil, fmt.Errorf("building multipart request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("building multipart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process-document", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling docling: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("docling returned status %d", resp.StatusCode)
	}

	var out doclingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding docling response: %w", err)
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "unknown failure"
		}
		return nil, fmt.Errorf("docling: %s", out.Error)
	}

	res := &core.ExtractionResult{Text: out.MarkdownContent}
	for _, ch := range out.Chunks {
		if strings.TrimSpace(ch.Content) == "" {
			continue
		}
		res.Hints = append(res.Hints, core.ChunkHint{
			Index:   ch.ChunkID,
			Section: sectionFromMetadata(ch.Metadata),
			Content: ch.Content,
		})
	}
	if strings.TrimSpace(res.Text) == "" && len(res.Hints) > 0 {
		parts := make([]string, 0, len(res.Hints))
		for _, h := range res.Hints {
			parts = append(parts, h.Content)
		}
		res.Text = strings.Join(parts, "\n\n")
	}
	return res, nil
}

// Healthy reports whether the docling service answers its health endpoint.
func (c *DoclingClient) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// sectionFromMetadata digs the heading trail out of a chunk's metadata.
// DOC_CHUNKS exports nest it under dl_meta; txt chunks carry none.
func sectionFromMetadata(md map[string]any) string {
	if md == nil {
		return ""
	}
	if s := headingTrail(md["headings"]); s != "" {
		return s
	}
	if dl, ok := md["dl_meta"].(map[string]any); ok {
		return headingTrail(dl["headings"])
	}
	return ""
}

func headingTrail(v any) string {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " > ")
}

var _ core.ExtractionStrategy = (*DoclingClient)(nil)
