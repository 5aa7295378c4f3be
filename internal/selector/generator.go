// internal/selector/generator.go
package selector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/valpere/crawlguard/internal/utils"
)

var generatorLogger = utils.NewComponentLogger("selector-generator")

// Page is the rendered document candidates are generated from.
type Page struct {
	Site  string
	Field string
	URL   string
	HTML  string
}

// Candidate is a proposed selector.
type Candidate struct {
	Selector string
	Type     PatternType
	Source   string
}

// CandidateGenerator proposes selectors for a field of a page.
type CandidateGenerator interface {
	Generate(ctx context.Context, page Page) ([]Candidate, error)
}

var (
	// CSS identifiers; non-ASCII letters are allowed as cascadia accepts them
	identPattern    = regexp.MustCompile(`^-?[_\p{L}][\p{L}\p{N}_-]*$`)
	currencyPattern = regexp.MustCompile(`[₺$€]\s*\d+|[\d.,]+\s*[₺$€]|[\d.,]+\s*TL`)

	productUnits = []string{"ml", "gr", "adet", "piece", "set", "kit"}

	productContainers = []string{
		".product-info", ".product-details", ".item-details",
		".product-container", ".product-wrapper", ".product-content",
		".product-summary", ".product-data",
	}
	containerPriceClasses = []string{
		".price", ".cost", ".amount", ".value",
		".current-price", ".sale-price", ".product-price",
	}
)

// HeuristicGenerator derives selectors from page markup: attribute names
// matching the field vocabulary, product headings, currency text and
// well-known product containers.
type HeuristicGenerator struct{}

// NewHeuristicGenerator creates a markup-based generator.
func NewHeuristicGenerator() *HeuristicGenerator {
	return &HeuristicGenerator{}
}

func (g *HeuristicGenerator) Generate(ctx context.Context, page Page) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	vocab := VocabularyFor(page.Field)
	var selectors []string
	add := func(s ...string) { selectors = append(selectors, s...) }

	// attribute vocabulary
	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		if class, ok := sel.Attr("class"); ok && vocab.Matches(class) {
			if classes := validTokens(class); len(classes) > 0 {
				add("." + strings.Join(classes, "."))
			}
		}
		if id, ok := sel.Attr("id"); ok && identPattern.MatchString(id) && vocab.primaryHits(id) > 0 {
			add("#" + id)
		}
		for _, attr := range sel.Nodes[0].Attr {
			if !strings.HasPrefix(attr.Key, "data-") || strings.ContainsAny(attr.Val, `'\`) {
				continue
			}
			if vocab.primaryHits(attr.Val) > 0 {
				add(fmt.Sprintf("[%s='%s']", attr.Key, attr.Val))
			}
		}
	})

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// structure
	switch page.Field {
	case "product_name":
		doc.Find("h1, h2, h3").Each(func(_ int, sel *goquery.Selection) {
			if likelyProductName(sel.Text()) {
				add(variations(sel)...)
			}
		})
	case "price":
		doc.Find("body *").Each(func(_ int, sel *goquery.Selection) {
			if currencyPattern.MatchString(ownText(sel)) {
				add(variations(sel)...)
			}
		})
	}

	// product containers
	for _, container := range productContainers {
		box := doc.Find(container).First()
		if box.Length() == 0 {
			continue
		}
		switch page.Field {
		case "product_name":
			box.Find("h1, h2, h3").Each(func(i int, h *goquery.Selection) {
				if i < 2 {
					add(container + " " + goquery.NodeName(h))
				}
			})
		case "price":
			for _, cls := range containerPriceClasses {
				add(container + " " + cls)
			}
		}
	}

	seen := make(map[string]bool, len(selectors))
	out := make([]Candidate, 0, len(selectors))
	for _, s := range selectors {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, Candidate{Selector: s, Type: PatternHeuristic, Source: "markup"})
	}
	return out, nil
}

func validTokens(attr string) []string {
	var out []string
	for _, tok := range strings.Fields(attr) {
		if identPattern.MatchString(tok) {
			out = append(out, tok)
		}
	}
	return out
}

func likelyProductName(text string) bool {
	text = strings.TrimSpace(text)
	n := utf8.RuneCountInString(text)
	if n < 5 || n > 200 {
		return false
	}
	for _, unit := range productUnits {
		if containsKeyword(text, unit) {
			return true
		}
	}
	return false
}

// ownText returns the text of sel's direct text children.
func ownText(sel *goquery.Selection) string {
	var b strings.Builder
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			b.WriteString(c.Text())
		}
	})
	return b.String()
}

// elementSelector is the most specific short selector for one element.
func elementSelector(sel *goquery.Selection) string {
	if id, ok := sel.Attr("id"); ok && identPattern.MatchString(id) {
		return "#" + id
	}
	if class, ok := sel.Attr("class"); ok {
		if classes := validTokens(class); len(classes) > 0 {
			return "." + strings.Join(classes, ".")
		}
	}
	return goquery.NodeName(sel)
}

// variations lists selectors of increasing specificity for an element.
func variations(sel *goquery.Selection) []string {
	tag := goquery.NodeName(sel)
	out := []string{tag}

	var classes []string
	if class, ok := sel.Attr("class"); ok {
		classes = validTokens(class)
	}
	if len(classes) > 0 {
		out = append(out, "."+strings.Join(classes, "."))
		for _, c := range classes {
			out = append(out, "."+c)
		}
	}
	if id, ok := sel.Attr("id"); ok && identPattern.MatchString(id) {
		out = append(out, "#"+id)
	}

	parent := sel.Parent()
	if parent.Length() > 0 && !strings.HasPrefix(goquery.NodeName(parent), "#") {
		ps := elementSelector(parent)
		out = append(out, ps+" > "+tag)
		if len(classes) > 0 {
			out = append(out, ps+" > ."+strings.Join(classes, "."))
		}
	}
	return out
}

// maxExcerpt bounds the HTML sent to a suggestion service.
const maxExcerpt = 10 * 1024

type suggestionRequest struct {
	Site  string `json:"site"`
	Field string `json:"field"`
	URL   string `json:"url,omitempty"`
	HTML  string `json:"html"`
}

type suggestionResponse struct {
	Selectors []string `json:"selectors"`
}

// RemoteGenerator asks an external suggestion service for selectors.
type RemoteGenerator struct {
	endpoint string
	client   *http.Client
	limit    int
}

// NewRemoteGenerator creates a generator posting to endpoint.
func NewRemoteGenerator(endpoint string, timeout time.Duration) *RemoteGenerator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteGenerator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		limit:    10,
	}
}

func (g *RemoteGenerator) Generate(ctx context.Context, page Page) ([]Candidate, error) {
	body, err := json.Marshal(suggestionRequest{
		Site:  page.Site,
		Field: page.Field,
		URL:   page.URL,
		HTML:  excerpt(page.HTML, maxExcerpt),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode suggestion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create suggestion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("suggestion request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read suggestions: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("suggestion service returned status %d", resp.StatusCode)
	}

	var lines []string
	var decoded suggestionResponse
	if err := json.Unmarshal(raw, &decoded); err == nil {
		lines = decoded.Selectors
	} else {
		lines = strings.Split(string(raw), "\n")
	}

	var out []Candidate
	for _, line := range lines {
		s, ok := cleanSuggestion(line)
		if !ok {
			continue
		}
		out = append(out, Candidate{Selector: s, Type: PatternDerived, Source: "remote"})
		if len(out) == g.limit {
			break
		}
	}
	return out, nil
}

var listMarker = regexp.MustCompile(`^(\d+[.)]|[-*•])\s+`)

// cleanSuggestion strips list numbering, quotes and backticks from one
// suggested selector.
func cleanSuggestion(line string) (string, bool) {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "//") || strings.HasPrefix(s, "# ") {
		return "", false
	}
	s = listMarker.ReplaceAllString(s, "")
	s = strings.Trim(s, "`\"' ")
	if utf8.RuneCountInString(s) <= 2 {
		return "", false
	}
	return s, true
}

// excerpt truncates s to at most n bytes without splitting a rune.
func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// MultiGenerator merges several generators, keeping the first occurrence of
// each selector. A failing generator is logged and skipped.
type MultiGenerator struct {
	generators []CandidateGenerator
}

// NewMultiGenerator combines generators in priority order.
func NewMultiGenerator(generators ...CandidateGenerator) *MultiGenerator {
	return &MultiGenerator{generators: generators}
}

func (g *MultiGenerator) Generate(ctx context.Context, page Page) ([]Candidate, error) {
	seen := make(map[string]bool)
	var out []Candidate
	var lastErr error
	failed := 0

	for _, gen := range g.generators {
		cands, err := gen.Generate(ctx, page)
		if err != nil {
			failed++
			lastErr = err
			generatorLogger.Warnf("candidate generation failed for %s/%s: %v", page.Site, page.Field, err)
			continue
		}
		for _, c := range cands {
			if seen[c.Selector] {
				continue
			}
			seen[c.Selector] = true
			out = append(out, c)
		}
	}

	if failed > 0 && failed == len(g.generators) {
		return nil, lastErr
	}
	return out, nil
}
