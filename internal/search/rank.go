// Package search orders keyword search hits. The store does the matching
// (substring, visibility, soft-delete); this package only decides which of
// the matches come first.
//
// Scoring uses Jaccard similarity between the query token set and each
// message's token set: score = |Q ∩ M| / |Q ∪ M|. Ties keep the input
// order, which the store returns newest first.
package search

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/telemsg-backend/internal/domain"
)

var wordRE = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokens returns the distinct lower-cased words of s. Text is NFC-normalized
// first so composed and decomposed forms tokenize alike.
func Tokens(s string) map[string]struct{} {
	s = cases.Fold().String(norm.NFC.String(s))
	words := wordRE.FindAllString(s, -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

// Score is the Jaccard similarity of the token sets of query and text.
func Score(query, text string) float64 {
	return jaccard(Tokens(query), Tokens(text))
}

func jaccard(q, d map[string]struct{}) float64 {
	over := overlap(q, d)
	if over == 0 {
		return 0
	}
	return float64(over) / float64(len(q)+len(d)-over)
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

// Rank reorders hits by descending score against query. Hits with equal
// score, including matches that share no whole word with the query, keep
// their relative order. The input slice is not modified.
func Rank(query string, hits []domain.Message) []domain.Message {
	out := make([]domain.Message, len(hits))
	copy(out, hits)
	q := Tokens(strings.TrimSpace(query))
	if len(q) == 0 || len(out) < 2 {
		return out
	}
	scores := make(map[string]float64, len(out))
	for _, m := range out {
		scores[m.MessageID] = jaccard(q, Tokens(m.Content))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i].MessageID] > scores[out[j].MessageID]
	})
	return out
}
