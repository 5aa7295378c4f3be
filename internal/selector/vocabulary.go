// internal/selector/vocabulary.go
package selector

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Vocabulary holds the keywords that identify one field in markup and text.
type Vocabulary struct {
	// Primary patterns match class, id and data attribute values.
	Primary []*regexp.Regexp
	// Localized keywords are matched after Turkish lower-casing.
	Localized []string
	// Fallback keywords locate the field in visible text.
	Fallback []string
}

func mustPatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile("(?i)" + e)
	}
	return out
}

var vocabularies = map[string]Vocabulary{
	"product_name": {
		Primary:   mustPatterns(`product[_-]?name`, `title`, `product[_-]?title`, `name`, `item[_-]?name`),
		Localized: []string{"ürün", "adı", "isim", "başlık"},
		Fallback:  []string{"ürün", "product", "name", "title", "başlık"},
	},
	"brand": {
		Primary:   mustPatterns(`brand`, `manufacturer`, `maker`, `vendor`, `company`),
		Localized: []string{"marka", "üretici", "firma"},
		Fallback:  []string{"marka", "brand", "manufacturer", "üretici"},
	},
	"price": {
		Primary:   mustPatterns(`price`, `cost`, `amount`, `value`, `money`, `currency`),
		Localized: []string{"fiyat", "tutar", "ücret", "para"},
		Fallback:  []string{"fiyat", "price", "₺", "tl", "lira"},
	},
	"description": {
		Primary:   mustPatterns(`description`, `desc`, `details`, `info`, `content`, `summary`),
		Localized: []string{"açıklama", "detay", "bilgi", "tanım"},
		Fallback:  []string{"açıklama", "description", "detay", "detail"},
	},
	"ingredients": {
		Primary:   mustPatterns(`ingredients?`, `içerik`, `composition`, `formula`, `components`),
		Localized: []string{"içerik", "bileşen", "madde"},
		Fallback:  []string{"içerik", "ingredients", "bileşen"},
	},
}

// VocabularyFor returns the vocabulary of a field. Unknown fields use their
// own name as the only keyword.
func VocabularyFor(field string) Vocabulary {
	if v, ok := vocabularies[field]; ok {
		return v
	}
	return Vocabulary{
		Primary:  mustPatterns(strings.ReplaceAll(regexp.QuoteMeta(field), "_", "[_-]?")),
		Fallback: []string{foldTurkish(strings.ReplaceAll(field, "_", " "))},
	}
}

// foldTurkish lower-cases s with Turkish rules so that İ and I fold to i
// and ı. A Caser keeps state, so one is created per call.
func foldTurkish(s string) string {
	return cases.Lower(language.Turkish).String(s)
}

// primaryHits counts the primary patterns matching s.
func (v Vocabulary) primaryHits(s string) int {
	n := 0
	for _, re := range v.Primary {
		if re.MatchString(s) {
			n++
		}
	}
	return n
}

// containsKeyword matches kw against s folded with both Turkish and
// default rules, so "TITLE" still finds "title".
func containsKeyword(s, kw string) bool {
	if strings.Contains(foldTurkish(s), kw) {
		return true
	}
	return strings.Contains(strings.ToLower(s), kw)
}

// localizedHits counts the localized keywords contained in s.
func (v Vocabulary) localizedHits(s string) int {
	n := 0
	for _, kw := range v.Localized {
		if containsKeyword(s, kw) {
			n++
		}
	}
	return n
}

// Matches reports whether an attribute value names the field.
func (v Vocabulary) Matches(s string) bool {
	return v.primaryHits(s) > 0 || v.localizedHits(s) > 0
}
