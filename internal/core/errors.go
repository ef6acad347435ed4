package core

import (
	"context"
	"errors"
)

// Sentinel errors shared across the ingestion and retrieval layers.
// Wrap with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrUnsupportedType    = errors.New("unsupported file type")
	ErrExtraction         = errors.New("text extraction failed")
	ErrEmptyContent       = errors.New("no usable text content")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrProviderTimeout    = errors.New("provider timeout")
	ErrCancelled          = errors.New("ingestion cancelled")
	ErrNotFound           = errors.New("not found")
)

// Retryable reports whether an ingestion stage should retry after err.
// Timeouts and storage outages are transient; cancellation and everything
// else terminate the run immediately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrProviderTimeout) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
