package extraction

import (
	"bytes"
	"context"
	"errors"
	"unicode/utf8"

	"github.com/nexabot/knowcore/internal/core"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// PlainTextExtractor decodes .txt and .md uploads directly.
type PlainTextExtractor struct{}

func NewPlainTextExtractor() *PlainTextExtractor { return &PlainTextExtractor{} }

func (e *PlainTextExtractor) Name() string { return "plain-text" }

func (e *PlainTextExtractor) CanHandle(fileType string) bool {
	return fileType == "txt" || fileType == "md"
}

func (e *PlainTextExtractor) Extract(ctx context.Context, data []byte, fileType string) (*core.ExtractionResult, error) {
	data = bytes.TrimPrefix(data, bom)
	if !utf8.Valid(data) {
		return nil, errors.New("not valid utf-8")
	}
	return &core.ExtractionResult{Text: string(data)}, nil
}

var _ core.ExtractionStrategy = (*PlainTextExtractor)(nil)
