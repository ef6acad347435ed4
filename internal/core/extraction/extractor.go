package extraction

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/core"
)

// Types the extractor accepts at all. Anything else fails before a single
// strategy runs.
var supportedTypes = map[string]struct{}{
	"pdf":  {},
	"doc":  {},
	"docx": {},
	"txt":  {},
	"md":   {},
}

// Uploads carry MIME content types; strategies key off extensions.
var mimeTypes = map[string]string{
	"application/pdf":    "pdf",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"text/plain":    "txt",
	"text/markdown": "md",
}

// Extractor runs an ordered list of strategies over raw file bytes. The
// first strategy that handles the type and yields text wins; failures fall
// through to the next. When the winning strategy reports no structure, the
// extractor recovers section hints from markdown-style headings so the
// chunker can still split on section boundaries.
type Extractor struct {
	strategies []core.ExtractionStrategy
	log        *zap.Logger
}

func NewExtractor(log *zap.Logger, strategies ...core.ExtractionStrategy) *Extractor {
	return &Extractor{strategies: strategies, log: log}
}

// NormalizeFileType maps "PDF", ".pdf", "application/pdf; charset=..." and
// friends onto the canonical lowercase extension.
func NormalizeFileType(fileType string) string {
	ft := strings.ToLower(strings.TrimSpace(fileType))
	if i := strings.IndexByte(ft, ';'); i >= 0 {
		ft = strings.TrimSpace(ft[:i])
	}
	if ext, ok := mimeTypes[ft]; ok {
		return ext
	}
	return strings.TrimPrefix(ft, ".")
}

// FileTypeFromName extracts the canonical file type from an uploaded name.
func FileTypeFromName(name string) string {
	return NormalizeFileType(filepath.Ext(name))
}

// Supported reports whether fileType is one the extractor accepts.
func Supported(fileType string) bool {
	_, ok := supportedTypes[NormalizeFileType(fileType)]
	return ok
}

// Extract turns raw bytes into text plus optional chunk hints. The returned
// text is raw; callers apply Optimize when they persist or measure it.
func (e *Extractor) Extract(ctx context.Context, data []byte, fileType string) (*core.ExtractionResult, error) {
	ft := NormalizeFileType(fileType)
	if _, ok := supportedTypes[ft]; !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnsupportedType, fileType)
	}

	var attempts []error
	sawEmpty := false
	for _, s := range e.strategies {
		if !s.CanHandle(ft) {
			continue
		}
		res, err := s.Extract(ctx, data, ft)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.log.Warn("extraction strategy failed",
				zap.String("strategy", s.Name()),
				zap.String("file_type", ft),
				zap.Error(err))
			attempts = append(attempts, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if strings.TrimSpace(res.Text) == "" {
			sawEmpty = true
			attempts = append(attempts, fmt.Errorf("%s: empty text", s.Name()))
			continue
		}
		res.Method = s.Name()
		if len(res.Hints) == 0 {
			res.Hints = HeadingHints(res.Text)
		}
		return res, nil
	}

	if sawEmpty {
		return nil, fmt.Errorf("%w: every strategy produced empty text", core.ErrEmptyContent)
	}
	if len(attempts) == 0 {
		return nil, fmt.Errorf("%w: no extraction strategy for %q", core.ErrExtraction, ft)
	}
	return nil, fmt.Errorf("%w: %v", core.ErrExtraction, errors.Join(attempts...))
}

var _ core.TextExtractor = (*Extractor)(nil)
