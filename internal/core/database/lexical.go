package db

import (
	"strings"
	"unicode"

	"github.com/nexabot/knowcore/internal/models"
)

// lexicalOverlap measures which fraction of the query's terms appear in the
// chunk's content, keywords or topics. It is the keyword component blended
// into similarity scores when CandidateQuery.LexicalWeight is set.
func lexicalOverlap(query string, ch models.Chunk) float64 {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return 0
	}

	vocab := make(map[string]struct{})
	for _, w := range splitWords(ch.Content) {
		vocab[w] = struct{}{}
	}
	for _, k := range ch.Metadata.Keywords {
		vocab[strings.ToLower(k)] = struct{}{}
	}
	for _, t := range ch.Metadata.Topics {
		vocab[strings.ToLower(t)] = struct{}{}
	}

	hits := 0
	for _, t := range terms {
		if _, ok := vocab[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// queryTerms keeps the distinct informative words of the query: lowercased,
// three letters or longer.
func queryTerms(query string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range splitWords(query) {
		if len(w) < 3 {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
