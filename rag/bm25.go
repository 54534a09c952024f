// Package rag provides a small in-memory BM25 index over the documents in
// static/doc, used to prefix relevant passages to a user's question.
package rag

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/crawlab-team/bm25"
)

// BM25 Okapi parameters. The library applies its own epsilon IDF floor
// (0.25 of the average IDF) to terms present in more than half the passages.
const (
	K1 = 1.5
	B  = 0.75
)

// Index is an immutable BM25 Okapi index over a set of passages.
type Index struct {
	docs  []string
	terms []map[string]struct{}
	okapi *bm25.BM25Okapi
}

// Tokenize lower-cases text and splits it on single spaces.
func Tokenize(text string) []string {
	return strings.Split(strings.ToLower(strings.TrimSpace(text)), " ")
}

// NewIndex builds an index over docs. An index that fails to build is empty.
func NewIndex(docs []string) *Index {
	idx := &Index{docs: docs, terms: make([]map[string]struct{}, len(docs))}
	if len(docs) == 0 {
		return idx
	}
	for i, d := range docs {
		set := make(map[string]struct{})
		for _, t := range Tokenize(d) {
			set[t] = struct{}{}
		}
		idx.terms[i] = set
	}
	okapi, err := bm25.NewBM25Okapi(docs, Tokenize, K1, B, nil)
	if err != nil {
		slog.Error("bm25 index build failed", slog.String("component", "rag"), slog.Any("err", err))
		return &Index{}
	}
	idx.okapi = okapi
	return idx
}

// Len returns the number of passages.
func (idx *Index) Len() int { return len(idx.docs) }

// Scores returns the BM25 score of every passage for query.
func (idx *Index) Scores(query string) []float64 {
	scores := make([]float64, len(idx.docs))
	if idx.okapi == nil {
		return scores
	}
	got, err := idx.okapi.GetScores(queryTerms(query))
	if err != nil {
		slog.Warn("bm25 scoring failed", slog.String("component", "rag"), slog.Any("err", err))
		return scores
	}
	copy(scores, got)
	return scores
}

// matches reports whether passage i shares at least one term with terms.
func (idx *Index) matches(i int, terms []string) bool {
	for _, t := range terms {
		if _, ok := idx.terms[i][t]; ok {
			return true
		}
	}
	return false
}

func queryTerms(query string) []string {
	var out []string
	for _, t := range Tokenize(query) {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// TopN returns up to n passages sharing a term with query, best score first.
// Tiny corpora can yield zero or negative IDF, so matching rather than score
// decides inclusion.
func (idx *Index) TopN(query string, n int) []string {
	if n <= 0 || len(idx.docs) == 0 {
		return nil
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil
	}
	scores := idx.Scores(query)
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	var out []string
	for _, i := range order {
		if len(out) == n {
			break
		}
		if !idx.matches(i, terms) {
			continue
		}
		out = append(out, idx.docs[i])
	}
	return out
}
