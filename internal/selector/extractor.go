// internal/selector/extractor.go
package selector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/valpere/crawlguard/internal/errors"
	"github.com/valpere/crawlguard/internal/utils"
)

var extractorLogger = utils.NewComponentLogger("selector")

// Config tunes the extraction loop.
type Config struct {
	// HighConfidence is the success rate a stored pattern must exceed to
	// be tried before generating new candidates.
	HighConfidence float64     `yaml:"high_confidence" json:"high_confidence"`
	CachedLimit    int         `yaml:"cached_limit" json:"cached_limit"`
	CandidateLimit int         `yaml:"candidate_limit" json:"candidate_limit"`
	Weights        RankWeights `yaml:"weights" json:"weights"`
}

// DefaultConfig returns the stock extraction settings.
func DefaultConfig() Config {
	return Config{
		HighConfidence: 0.7,
		CachedLimit:    5,
		CandidateLimit: 20,
		Weights:        DefaultRankWeights(),
	}
}

// Extractor learns which selectors work for each site and field.
type Extractor struct {
	store     Store
	generator CandidateGenerator
	now       func() time.Time

	mu     sync.RWMutex
	config Config
}

// NewExtractor creates an extractor. A nil generator uses markup heuristics
// only.
func NewExtractor(config Config, store Store, generator CandidateGenerator) *Extractor {
	defaults := DefaultConfig()
	if config.HighConfidence <= 0 {
		config.HighConfidence = defaults.HighConfidence
	}
	if config.CachedLimit <= 0 {
		config.CachedLimit = defaults.CachedLimit
	}
	if config.CandidateLimit <= 0 {
		config.CandidateLimit = defaults.CandidateLimit
	}
	if config.Weights == (RankWeights{}) {
		config.Weights = defaults.Weights
	}
	if generator == nil {
		generator = NewHeuristicGenerator()
	}
	return &Extractor{
		store:     store,
		generator: generator,
		now:       time.Now,
		config:    config,
	}
}

// SetThreshold changes the cached-pattern confidence threshold.
func (e *Extractor) SetThreshold(v float64) {
	if v <= 0 || v > 1 {
		return
	}
	e.mu.Lock()
	e.config.HighConfidence = v
	e.mu.Unlock()
}

// Store returns the underlying pattern store.
func (e *Extractor) Store() Store {
	return e.store
}

func (e *Extractor) settings() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// Extract pulls field out of html. Stored patterns are tried first, then
// freshly generated candidates, then a keyword scan of the visible text.
// Every attempt is fed back into the store.
func (e *Extractor) Extract(ctx context.Context, site, field, html string) Result {
	start := e.now()
	cfg := e.settings()
	finish := func(r Result) Result {
		r.Elapsed = e.now().Sub(start)
		return r
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return finish(Result{
			Error:     fmt.Sprintf("failed to parse page: %v", err),
			ErrorKind: errors.KindParsing,
		})
	}

	tried := make(map[string]bool)

	// 1. stored patterns
	cached, err := e.store.Best(ctx, site, field, cfg.CachedLimit)
	if err != nil {
		extractorLogger.Warnf("failed to load patterns for %s/%s: %v", site, field, err)
	}
	for _, p := range cached {
		if p.Type == PatternFallback || p.SuccessRate <= cfg.HighConfidence {
			continue
		}
		if err := ctx.Err(); err != nil {
			return finish(interrupted(err))
		}
		tried[p.Selector] = true
		if r, ok := e.attempt(ctx, doc, site, field, p.Selector, p.Type); ok {
			return finish(r)
		}
	}

	// 2. new candidates
	candidates, err := e.generator.Generate(ctx, Page{Site: site, Field: field, HTML: html})
	if err != nil {
		extractorLogger.Warnf("no candidates generated for %s/%s: %v", site, field, err)
	}
	types := make(map[string]PatternType, len(candidates))
	selectors := make([]string, 0, len(candidates))
	for _, c := range candidates {
		types[c.Selector] = c.Type
		selectors = append(selectors, c.Selector)
	}
	ranked := Rank(selectors, field, cfg.Weights)
	if len(ranked) > cfg.CandidateLimit {
		ranked = ranked[:cfg.CandidateLimit]
	}

	hash := ContextHash(html)
	wctx := context.WithoutCancel(ctx)
	for _, sel := range ranked {
		_, err := e.store.Save(wctx, Pattern{
			Selector:    sel,
			Field:       field,
			Site:        site,
			Type:        types[sel],
			Confidence:  0.5,
			ContextHash: hash,
			Created:     e.now(),
		})
		if err != nil {
			extractorLogger.Warnf("failed to save pattern %q: %v", sel, err)
		}
	}

	// 3. try them best first
	for _, sel := range ranked {
		if tried[sel] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return finish(interrupted(err))
		}
		tried[sel] = true
		if r, ok := e.attempt(ctx, doc, site, field, sel, types[sel]); ok {
			extractorLogger.Debugf("learned selector %q for %s/%s", sel, site, field)
			return finish(r)
		}
	}

	if err := ctx.Err(); err != nil {
		return finish(interrupted(err))
	}

	// 4. visible text
	text, ok := fallbackText(doc, field)
	quality := 0.0
	if ok {
		quality = min(Quality(text, FallbackSelector)*0.5, 0.4)
	}
	if _, err := e.store.Save(wctx, Pattern{
		Selector:    FallbackSelector,
		Field:       field,
		Site:        site,
		Type:        PatternFallback,
		ContextHash: hash,
		Created:     e.now(),
	}); err != nil {
		extractorLogger.Warnf("failed to save fallback pattern: %v", err)
	}
	e.report(ctx, site, field, FallbackSelector, ok, quality)

	if ok {
		return finish(Result{
			Success:     true,
			Value:       text,
			Selector:    FallbackSelector,
			PatternType: PatternFallback,
			Quality:     quality,
		})
	}

	return finish(Result{
		Error:     fmt.Sprintf("no selector matched field %s", field),
		ErrorKind: errors.KindSelector,
	})
}

func (e *Extractor) attempt(ctx context.Context, doc *goquery.Document, site, field, sel string, typ PatternType) (Result, bool) {
	// invalid selectors match nothing
	text := strings.TrimSpace(doc.Find(sel).First().Text())
	if text == "" {
		e.report(ctx, site, field, sel, false, 0)
		return Result{}, false
	}

	quality := Quality(text, sel)
	e.report(ctx, site, field, sel, true, quality)
	return Result{
		Success:     true,
		Value:       text,
		Selector:    sel,
		PatternType: typ,
		Quality:     quality,
	}, true
}

func (e *Extractor) report(ctx context.Context, site, field, sel string, success bool, quality float64) {
	err := e.store.UpdateSuccess(context.WithoutCancel(ctx), sel, site, field, success, quality)
	if err != nil {
		extractorLogger.Warnf("failed to record result for %q on %s/%s: %v", sel, site, field, err)
	}
}

func interrupted(err error) Result {
	return Result{
		Error:     fmt.Sprintf("extraction interrupted: %v", err),
		ErrorKind: errors.KindTimeout,
	}
}
