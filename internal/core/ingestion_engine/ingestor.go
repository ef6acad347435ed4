package ingestion_engine

import "context"

// Ingestor is the pipeline surface the service layer drives. Enqueue hands a
// document to the background workers; Cancel stops an in-flight run and waits
// for its final write, which lets deletion proceed without racing the
// pipeline.
type Ingestor interface {
	Start(ctx context.Context, numWorkers int)
	Enqueue(docID string)
	ProcessOne(ctx context.Context, docID string) error
	Cancel(ctx context.Context, docID string) error
}
