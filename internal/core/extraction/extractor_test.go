package extraction

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/core"
)

// fakeStrategy implements core.ExtractionStrategy for chain tests.
type fakeStrategy struct {
	name    string
	handles bool
	res     *core.ExtractionResult
	err     error
	calls   int
}

func (f *fakeStrategy) Name() string                 { return f.name }
func (f *fakeStrategy) CanHandle(fileType string) bool { return f.handles }

func (f *fakeStrategy) Extract(ctx context.Context, data []byte, fileType string) (*core.ExtractionResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := *f.res
	return &out, nil
}

func TestExtractRejectsUnsupportedType(t *testing.T) {
	e := NewExtractor(zap.NewNop(), &fakeStrategy{name: "any", handles: true})

	_, err := e.Extract(context.Background(), []byte("x"), "exe")
	if !errors.Is(err, core.ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestExtractFallsThroughFailingStrategy(t *testing.T) {
	first := &fakeStrategy{name: "first", handles: true, err: errors.New("service down")}
	second := &fakeStrategy{name: "second", handles: true, res: &core.ExtractionResult{Text: "recovered text"}}
	e := NewExtractor(zap.NewNop(), first, second)

	res, err := e.Extract(context.Background(), []byte("x"), "pdf")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if res.Method != "second" {
		t.Errorf("expected second strategy to win, got %q", res.Method)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Errorf("unexpected call counts: first=%d second=%d", first.calls, second.calls)
	}
}

func TestExtractSkipsStrategiesThatCannotHandle(t *testing.T) {
	skipped := &fakeStrategy{name: "skipped", handles: false}
	used := &fakeStrategy{name: "used", handles: true, res: &core.ExtractionResult{Text: "text"}}
	e := NewExtractor(zap.NewNop(), skipped, used)

	if _, err := e.Extract(context.Background(), []byte("x"), "txt"); err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if skipped.calls != 0 {
		t.Errorf("strategy that cannot handle the type was called %d times", skipped.calls)
	}
}

func TestExtractAllStrategiesFail(t *testing.T) {
	e := NewExtractor(zap.NewNop(),
		&fakeStrategy{name: "a", handles: true, err: errors.New("boom")},
		&fakeStrategy{name: "b", handles: true, err: errors.New("bang")},
	)

	_, err := e.Extract(context.Background(), []byte("x"), "pdf")
	if !errors.Is(err, core.ErrExtraction) {
		t.Errorf("expected ErrExtraction, got %v", err)
	}
}

func TestExtractEmptyText(t *testing.T) {
	e := NewExtractor(zap.NewNop(),
		&fakeStrategy{name: "a", handles: true, res: &core.ExtractionResult{Text: "  \n "}},
	)

	_, err := e.Extract(context.Background(), []byte("x"), "txt")
	if !errors.Is(err, core.ErrEmptyContent) {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
}

func TestExtractDerivesHeadingHints(t *testing.T) {
	text := "# Setup\nInstall the binary.\n\n# Usage\nRun it with a config file."
	e := NewExtractor(zap.NewNop(),
		&fakeStrategy{name: "plain", handles: true, res: &core.ExtractionResult{Text: text}},
	)

	res, err := e.Extract(context.Background(), []byte("x"), "txt")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(res.Hints) != 2 {
		t.Fatalf("expected 2 heading hints, got %d", len(res.Hints))
	}
	if res.Hints[0].Section != "Setup" || res.Hints[1].Section != "Usage" {
		t.Errorf("unexpected sections: %q, %q", res.Hints[0].Section, res.Hints[1].Section)
	}
}

func TestExtractKeepsStrategyHints(t *testing.T) {
	own := []core.ChunkHint{{Index: 0, Section: "From Service", Content: "body"}}
	e := NewExtractor(zap.NewNop(),
		&fakeStrategy{name: "structured", handles: true, res: &core.ExtractionResult{Text: "# A\nx\n# B\ny", Hints: own}},
	)

	res, err := e.Extract(context.Background(), []byte("x"), "pdf")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(res.Hints) != 1 || res.Hints[0].Section != "From Service" {
		t.Errorf("strategy hints should win over markdown scan, got %+v", res.Hints)
	}
}

func TestHeadingHintsSingleHeadingIsFlat(t *testing.T) {
	if hints := HeadingHints("# Only\nbody text"); hints != nil {
		t.Errorf("expected nil hints for a single heading, got %+v", hints)
	}
}

func TestHeadingHintsKeepsPreamble(t *testing.T) {
	hints := HeadingHints("intro before any heading\n# One\nalpha\n# Two\nbeta")
	if len(hints) != 3 {
		t.Fatalf("expected 3 hints, got %d", len(hints))
	}
	if hints[0].Section != "" || hints[0].Content != "intro before any heading" {
		t.Errorf("preamble hint wrong: %+v", hints[0])
	}
}

func TestFileTypeHelpers(t *testing.T) {
	if got := FileTypeFromName("Report.Final.PDF"); got != "pdf" {
		t.Errorf("FileTypeFromName = %q, want pdf", got)
	}
	if got := NormalizeFileType(".DocX"); got != "docx" {
		t.Errorf("NormalizeFileType = %q, want docx", got)
	}
	if got := NormalizeFileType("application/pdf"); got != "pdf" {
		t.Errorf("NormalizeFileType(mime) = %q, want pdf", got)
	}
	if got := NormalizeFileType("text/plain; charset=utf-8"); got != "txt" {
		t.Errorf("NormalizeFileType(mime with params) = %q, want txt", got)
	}
	if Supported("exe") {
		t.Error("exe should not be supported")
	}
	if !Supported("txt") {
		t.Error("txt should be supported")
	}
	if !Supported("md") {
		t.Error("md should be supported")
	}
}
