package ingestion_engine

import (
	"sort"
	"strings"
	"unicode"

	"github.com/nexabot/knowcore/internal/models"
)

const (
	maxKeywords = 8
	maxTopics   = 3
	maxEntities = 8
)

// stopwords are excluded from keyword and topic extraction.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "have": {}, "this": {},
	"that": {}, "with": {}, "they": {}, "from": {}, "will": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "their": {}, "there": {},
	"would": {}, "could": {}, "should": {}, "about": {}, "into": {},
	"than": {}, "then": {}, "them": {}, "these": {}, "those": {},
	"some": {}, "such": {}, "only": {}, "over": {}, "also": {}, "your": {},
	"been": {}, "were": {}, "being": {}, "does": {}, "doing": {}, "each": {},
	"more": {}, "most": {}, "other": {}, "very": {}, "just": {}, "how": {},
	"its": {}, "it's": {}, "may": {}, "might": {}, "must": {}, "shall": {},
}

// analyzeChunk computes the lexical profile stored with a chunk. Purely local
// and deterministic, so identical content always carries identical metadata.
func analyzeChunk(content string) models.ChunkMetadata {
	words := tokenizeWords(content)

	freq := make(map[string]int)
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		if _, skip := stopwords[w]; skip {
			continue
		}
		freq[w]++
	}

	keywords := topKeywords(freq, maxKeywords)
	return models.ChunkMetadata{
		Topics:          pickTopics(keywords, freq, maxTopics),
		Keywords:        keywords,
		Entities:        extractEntities(content, maxEntities),
		ComplexityLevel: complexityLevel(content, words),
	}
}

// tokenizeWords lowercases and splits on anything that is not a letter or
// digit.
func tokenizeWords(content string) []string {
	return strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// topKeywords ranks terms by frequency, breaking ties lexicographically so the
// ranking is stable across runs.
func topKeywords(freq map[string]int, n int) []string {
	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

// pickTopics promotes keywords that repeat within the chunk. A chunk with no
// repeated term still gets its strongest keyword as the sole topic.
func pickTopics(keywords []string, freq map[string]int, n int) []string {
	var topics []string
	for _, k := range keywords {
		if freq[k] >= 2 {
			topics = append(topics, k)
			if len(topics) == n {
				return topics
			}
		}
	}
	if len(topics) == 0 && len(keywords) > 0 {
		topics = []string{keywords[0]}
	}
	return topics
}

// extractEntities collects capitalized words that do not open a sentence,
// a cheap proper-noun heuristic that needs no model call.
func extractEntities(content string, n int) []string {
	var (
		entities      []string
		seen          = make(map[string]struct{})
		sentenceStart = true
	)
	for _, tok := range strings.Fields(content) {
		word := strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		atStart := sentenceStart
		sentenceStart = strings.HasSuffix(tok, ".") || strings.HasSuffix(tok, "!") || strings.HasSuffix(tok, "?")
		if atStart || len(word) < 2 {
			continue
		}
		runes := []rune(word)
		if !unicode.IsUpper(runes[0]) {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		entities = append(entities, word)
		if len(entities) == n {
			break
		}
	}
	return entities
}

// complexityLevel buckets a chunk by sentence length and word length. The
// levels feed dashboards only; retrieval never branches on them.
func complexityLevel(content string, words []string) string {
	if len(words) == 0 {
		return "basic"
	}

	sentences := 0
	for _, r := range content {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}

	totalLen := 0
	for _, w := range words {
		totalLen += len([]rune(w))
	}
	avgWordsPerSentence := float64(len(words)) / float64(sentences)
	avgWordLen := float64(totalLen) / float64(len(words))

	switch {
	case avgWordsPerSentence > 20 || avgWordLen > 6.5:
		return "advanced"
	case avgWordsPerSentence > 12 || avgWordLen > 5.5:
		return "intermediate"
	default:
		return "basic"
	}
}
