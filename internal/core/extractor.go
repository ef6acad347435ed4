package core

import "context"

// ChunkHint is a pre-segmented block reported by a structured extractor.
// Hints carry raw (pre-normalization) text; the chunker normalizes each
// chunk's content when it finalizes boundaries.
type ChunkHint struct {
	Index   int
	Section string
	Content string
}

// ExtractionResult is the text pulled out of a raw document, before the
// normalization pass.
type ExtractionResult struct {
	Text   string
	Method string
	Hints  []ChunkHint
}

// ExtractionStrategy is one way of turning raw file bytes into text.
// Strategies are tried in order; a strategy that cannot handle the file
// type is skipped, and a failing strategy falls through to the next.
type ExtractionStrategy interface {
	Name() string
	CanHandle(fileType string) bool
	Extract(ctx context.Context, data []byte, fileType string) (*ExtractionResult, error)
}

// TextExtractor is the pipeline-facing contract: raw file bytes in, text and
// optional chunk hints out. The extraction package implements it over an
// ordered strategy chain.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, fileType string) (*ExtractionResult, error)
}
