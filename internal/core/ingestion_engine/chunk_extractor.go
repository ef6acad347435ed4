package ingestion_engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nexabot/knowcore/internal/core"
	"github.com/nexabot/knowcore/internal/core/extraction"
	"github.com/nexabot/knowcore/internal/models"
)

// buildChunks turns a source's extracted text into an ordered, indexed chunk
// set. The same text, hints and config always produce the same chunk IDs, so
// re-ingesting unchanged content replaces the stored set with an identical one.
func buildChunks(cfg *Config, src *models.KnowledgeSource, text string, hints []core.ChunkHint) []models.Chunk {
	var chunks []models.Chunk

	switch src.Type {
	case models.SourceQA:
		chunks = qaChunks(src)
	default:
		if len(hints) > 0 {
			chunks = sectionChunks(cfg, hints)
		} else {
			chunks = windowedChunks(cfg, text, "")
		}
	}

	now := time.Now().UTC()
	for i := range chunks {
		chunks[i].ChunkIndex = i
		chunks[i].ID = chunkID(src.ChatbotID, src.ID, i, chunks[i].Content)
		chunks[i].ChatbotID = src.ChatbotID
		chunks[i].DocumentID = src.ID
		chunks[i].CreatedAt = now
	}
	return chunks
}

// qaChunks emits one chunk per question/answer pair so a retrieval hit maps
// back to exactly one curated answer.
func qaChunks(src *models.KnowledgeSource) []models.Chunk {
	chunks := make([]models.Chunk, 0, len(src.QAItems))
	for _, item := range src.QAItems {
		q := strings.TrimSpace(item.Question)
		a := strings.TrimSpace(item.Answer)
		if q == "" || a == "" {
			continue
		}
		content := extraction.Optimize(fmt.Sprintf("Q: %s\nA: %s", q, a))
		chunks = append(chunks, models.Chunk{
			Content:         content,
			DocumentSection: q,
			Type:            models.ChunkQA,
			Metadata:        analyzeChunk(content),
			TokenCount:      approxTokens(content),
		})
	}
	return chunks
}

// sectionChunks windows each extractor hint separately so no chunk straddles a
// heading boundary. A hint whose body collapses to its own title becomes a
// heading chunk, kept so structural queries can still land on it.
func sectionChunks(cfg *Config, hints []core.ChunkHint) []models.Chunk {
	var chunks []models.Chunk
	for _, hint := range hints {
		body := strings.TrimSpace(hint.Content)
		if body == "" {
			continue
		}
		if hint.Section != "" && extraction.Optimize(body) == extraction.Optimize(hint.Section) {
			content := extraction.Optimize(body)
			chunks = append(chunks, models.Chunk{
				Content:         content,
				DocumentSection: hint.Section,
				Type:            models.ChunkHeading,
				Metadata:        analyzeChunk(content),
				TokenCount:      approxTokens(content),
			})
			continue
		}
		chunks = append(chunks, windowedChunks(cfg, body, hint.Section)...)
	}
	return chunks
}

// windowedChunks accumulates fragments up to the target token budget, keeping
// a tail of the previous window as the seed of the next so adjacent chunks
// share context across the cut.
func windowedChunks(cfg *Config, text string, section string) []models.Chunk {
	frags := splitFragments(text, cfg.TargetTokens)
	if len(frags) == 0 {
		return nil
	}

	var (
		chunks []models.Chunk
		buf    []string
		tokSum int
	)

	emit := func() {
		content := extraction.Optimize(strings.Join(buf, "\n"))
		if content == "" {
			return
		}
		chunks = append(chunks, models.Chunk{
			Content:         content,
			DocumentSection: section,
			Type:            models.ChunkContent,
			Metadata:        analyzeChunk(content),
			TokenCount:      approxTokens(content),
		})
	}

	for _, frag := range frags {
		buf = append(buf, frag)
		tokSum += approxTokens(frag)

		if tokSum >= cfg.TargetTokens {
			emit()
			buf = overlapTail(buf, cfg.OverlapTokens)
			tokSum = 0
			for _, s := range buf {
				tokSum += approxTokens(s)
			}
		}
	}

	// The remaining tail is a chunk only when it holds content beyond the
	// carried overlap; otherwise the last emitted chunk already covers it.
	if tokSum > 0 && !onlyOverlap(buf, chunks) {
		emit()
	}
	return chunks
}

// onlyOverlap reports whether buf is exactly the overlap seed carried from the
// previous emit with nothing appended after it.
func onlyOverlap(buf []string, chunks []models.Chunk) bool {
	if len(chunks) == 0 {
		return false
	}
	joined := extraction.Optimize(strings.Join(buf, "\n"))
	return joined != "" && strings.HasSuffix(chunks[len(chunks)-1].Content, joined)
}

// overlapTail returns the smallest suffix of buf whose token total reaches the
// overlap budget, in original order.
func overlapTail(buf []string, overlapTokens int) []string {
	if overlapTokens <= 0 {
		return nil
	}
	remain := overlapTokens
	i := len(buf)
	for i > 0 && remain > 0 {
		i--
		remain -= approxTokens(buf[i])
	}
	return append([]string(nil), buf[i:]...)
}

// splitFragments breaks text into window-sized pieces: one per line, with
// lines beyond the token target split again on sentence ends so a single long
// paragraph cannot blow past the chunk budget.
func splitFragments(text string, targetTokens int) []string {
	var frags []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if approxTokens(line) <= targetTokens {
			frags = append(frags, line)
			continue
		}
		frags = append(frags, splitSentences(line, targetTokens)...)
	}
	return frags
}

func splitSentences(line string, targetTokens int) []string {
	var (
		parts []string
		start int
	)
	runes := []rune(line)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && runes[i+1] != ' ' {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			parts = append(parts, s)
		}
		start = i + 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		parts = append(parts, rest)
	}

	// A single run-on sentence longer than the budget is cut on word
	// boundaries as a last resort.
	var sized []string
	for _, s := range parts {
		if approxTokens(s) <= targetTokens {
			sized = append(sized, s)
			continue
		}
		sized = append(sized, splitWordsAt(s, targetTokens)...)
	}
	return sized
}

func splitWordsAt(s string, targetTokens int) []string {
	var (
		out    []string
		buf    []string
		tokSum int
	)
	for _, w := range strings.Fields(s) {
		wt := approxTokens(w)
		if tokSum+wt > targetTokens && len(buf) > 0 {
			out = append(out, strings.Join(buf, " "))
			buf, tokSum = buf[:0], 0
		}
		buf = append(buf, w)
		tokSum += wt
	}
	if len(buf) > 0 {
		out = append(out, strings.Join(buf, " "))
	}
	return out
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

// chunkID derives a content-addressed identifier. Identical content at the
// same position in the same document always hashes to the same ID.
func chunkID(chatbotID, documentID string, index int, content string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s", chatbotID, documentID, index, content)
	return hex.EncodeToString(h.Sum(nil))
}
