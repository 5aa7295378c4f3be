// internal/selector/store.go
package selector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrPatternNotFound is returned when updating a pattern that was never saved.
var ErrPatternNotFound = errors.New("pattern not found")

// Store persists learned patterns.
type Store interface {
	// Best returns up to limit patterns for site and field ordered by
	// success rate, then usage, then recency. limit <= 0 returns all.
	Best(ctx context.Context, site, field string, limit int) ([]Pattern, error)
	// Save inserts p unless a pattern with the same identity exists. It
	// reports whether a row was inserted; existing stats are never reset.
	Save(ctx context.Context, p Pattern) (bool, error)
	// UpdateSuccess folds one attempt into the pattern's running rate.
	UpdateSuccess(ctx context.Context, selector, site, field string, success bool, quality float64) error
	// Prune drops patterns used at least minUsage times whose rate is
	// below maxRate. Empty site or field match everything.
	Prune(ctx context.Context, site, field string, minUsage int, maxRate float64) (int, error)
	Summary(ctx context.Context) (Summary, error)
}

// RunningRate returns the success rate after one more attempt.
func RunningRate(rate float64, usage int, success bool) float64 {
	s := 0.0
	if success {
		s = 1.0
	}
	return (rate*float64(usage) + s) / float64(usage+1)
}

// SortPatterns orders patterns best first.
func SortPatterns(ps []Pattern) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].SuccessRate != ps[j].SuccessRate {
			return ps[i].SuccessRate > ps[j].SuccessRate
		}
		if ps[i].UsageCount != ps[j].UsageCount {
			return ps[i].UsageCount > ps[j].UsageCount
		}
		return ps[i].LastUsed.After(ps[j].LastUsed)
	})
}

// Summarize builds a Summary from a full pattern listing.
func Summarize(ps []Pattern) Summary {
	type acc struct {
		sum float64
		n   int
	}
	sum := Summary{TotalPatterns: len(ps)}
	groups := make(map[[2]string]*acc)
	var order [][2]string

	for _, p := range ps {
		if p.SuccessRate > 0.5 {
			sum.SuccessfulPatterns++
		}
		k := [2]string{p.Site, p.Field}
		a, ok := groups[k]
		if !ok {
			a = &acc{}
			groups[k] = a
			order = append(order, k)
		}
		a.sum += p.SuccessRate
		a.n++
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i][0] != order[j][0] {
			return order[i][0] < order[j][0]
		}
		return order[i][1] < order[j][1]
	})
	for _, k := range order {
		a := groups[k]
		sum.Fields = append(sum.Fields, FieldPerformance{
			Site:       k[0],
			Field:      k[1],
			AvgSuccess: a.sum / float64(a.n),
			Patterns:   a.n,
		})
	}
	return sum
}

// MemoryStore keeps patterns in process. It is used in tests and when no
// database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns map[string]*Pattern
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patterns: make(map[string]*Pattern),
		now:      time.Now,
	}
}

func (s *MemoryStore) Best(ctx context.Context, site, field string, limit int) ([]Pattern, error) {
	s.mu.RLock()
	var out []Pattern
	for _, p := range s.patterns {
		if p.Site == site && p.Field == field {
			out = append(out, *p)
		}
	}
	s.mu.RUnlock()

	SortPatterns(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, p Pattern) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.Key()
	if _, ok := s.patterns[key]; ok {
		return false, nil
	}
	if p.Created.IsZero() {
		p.Created = s.now()
	}
	s.patterns[key] = &p
	return true, nil
}

func (s *MemoryStore) UpdateSuccess(ctx context.Context, selector, site, field string, success bool, quality float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[Pattern{Selector: selector, Site: site, Field: field}.Key()]
	if !ok {
		return ErrPatternNotFound
	}
	p.SuccessRate = RunningRate(p.SuccessRate, p.UsageCount, success)
	p.UsageCount++
	p.Quality = quality
	p.LastUsed = s.now()
	return nil
}

func (s *MemoryStore) Prune(ctx context.Context, site, field string, minUsage int, maxRate float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, p := range s.patterns {
		if site != "" && p.Site != site {
			continue
		}
		if field != "" && p.Field != field {
			continue
		}
		if p.UsageCount >= minUsage && p.SuccessRate < maxRate {
			delete(s.patterns, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Summary(ctx context.Context) (Summary, error) {
	s.mu.RLock()
	all := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		all = append(all, *p)
	}
	s.mu.RUnlock()
	return Summarize(all), nil
}
