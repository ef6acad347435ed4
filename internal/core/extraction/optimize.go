package extraction

import (
	"regexp"
	"strings"
)

var (
	wsRun       = regexp.MustCompile(`\s+`)
	beforeClose = regexp.MustCompile(`\s+([.,;:!?)\]}])`)
	afterOpen   = regexp.MustCompile(`([(\[{])\s+`)
)

// Optimize is the lossy normalization pass applied to text before storage
// and embedding: whitespace runs collapse to single spaces, spacing is
// stripped before closing punctuation and after opening brackets, and the
// result is trimmed. Running it on already-normalized text is a no-op.
func Optimize(s string) string {
	s = wsRun.ReplaceAllString(s, " ")
	s = beforeClose.ReplaceAllString(s, "$1")
	s = afterOpen.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}
