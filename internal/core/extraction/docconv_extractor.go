package extraction

import (
	"bytes"
	"context"
	"fmt"

	"code.sajari.com/docconv"

	"github.com/nexabot/knowcore/internal/core"
)

// Mime types docconv understands for the formats we accept on this path.
var docconvMimeTypes = map[string]string{
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// DocconvExtractor is the legacy extraction path using sajari/docconv:
// PDF text layer and Word raw-text extraction. No structure is recovered
// here; heading hints, if any, come from the markdown scan afterwards.
type DocconvExtractor struct {
	useReadability bool
}

func NewDocconvExtractor(useReadability bool) *DocconvExtractor {
	return &DocconvExtractor{useReadability: useReadability}
}

func (e *DocconvExtractor) Name() string { return "docconv" }

func (e *DocconvExtractor) CanHandle(fileType string) bool {
	_, ok := docconvMimeTypes[fileType]
	return ok
}

func (e *DocconvExtractor) Extract(ctx context.Context, data []byte, fileType string) (*core.ExtractionResult, error) {
	res, err := docconv.Convert(bytes.NewReader(data), docconvMimeTypes[fileType], e.useReadability)
	if err != nil {
		return nil, fmt.Errorf("docconv convert: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &core.ExtractionResult{Text: res.Body}, nil
}

var _ core.ExtractionStrategy = (*DocconvExtractor)(nil)
