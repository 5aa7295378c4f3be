// internal/selector/rank.go
package selector

import (
	"sort"
	"strings"
)

// RankWeights scores how likely a selector is to hit the field.
type RankWeights struct {
	ID                int `yaml:"id" json:"id"`
	Child             int `yaml:"child" json:"child"`
	Class             int `yaml:"class" json:"class"`
	Keyword           int `yaml:"keyword" json:"keyword"`
	LocalizedKeyword  int `yaml:"localized_keyword" json:"localized_keyword"`
	ComplexityPenalty int `yaml:"complexity_penalty" json:"complexity_penalty"`
	MaxPenalty        int `yaml:"max_penalty" json:"max_penalty"`
}

// DefaultRankWeights returns the stock weights.
func DefaultRankWeights() RankWeights {
	return RankWeights{
		ID:                10,
		Child:             5,
		Class:             3,
		Keyword:           8,
		LocalizedKeyword:  10,
		ComplexityPenalty: 2,
		MaxPenalty:        10,
	}
}

// Score rates one selector for field.
func Score(selector, field string, w RankWeights) int {
	return score(selector, VocabularyFor(field), w)
}

func score(selector string, vocab Vocabulary, w RankWeights) int {
	s := 0
	if strings.Contains(selector, "#") {
		s += w.ID
	}
	if strings.Contains(selector, ">") {
		s += w.Child
	}
	if strings.Contains(selector, ".") {
		s += w.Class
	}
	s += vocab.primaryHits(selector) * w.Keyword
	s += vocab.localizedHits(selector) * w.LocalizedKeyword

	complexity := strings.Count(selector, " ") + strings.Count(selector, ">") + strings.Count(selector, "+")
	s -= min(complexity*w.ComplexityPenalty, w.MaxPenalty)
	return s
}

// Rank orders selectors by descending score. Equal scores keep their input
// order.
func Rank(selectors []string, field string, w RankWeights) []string {
	vocab := VocabularyFor(field)
	type scored struct {
		selector string
		score    int
	}
	list := make([]scored, len(selectors))
	for i, sel := range selectors {
		list[i] = scored{sel, score(sel, vocab, w)}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].score > list[j].score
	})

	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.selector
	}
	return out
}
