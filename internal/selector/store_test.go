// internal/selector/store_test.go
package selector

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestMemoryStore_UpdateSuccess_RunningAverage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, sel := range []string{".price", ".cost"} {
		if ok, err := s.Save(ctx, Pattern{Selector: sel, Site: "gratis", Field: "price", Type: PatternHeuristic}); !ok || err != nil {
			t.Fatalf("Save(%s) = %v, %v", sel, ok, err)
		}
	}

	for _, success := range []bool{true, false, true} {
		if err := s.UpdateSuccess(ctx, ".price", "gratis", "price", success, 0.6); err != nil {
			t.Fatalf("UpdateSuccess: %v", err)
		}
	}

	ps := patternsByKey(t, s, "gratis", "price")
	p := ps[".price"]
	if p.UsageCount != 3 {
		t.Errorf("UsageCount = %d, want 3", p.UsageCount)
	}
	if math.Abs(p.SuccessRate-2.0/3.0) > 1e-9 {
		t.Errorf("SuccessRate = %f, want 0.667", p.SuccessRate)
	}
	if p.Quality != 0.6 || p.LastUsed.IsZero() {
		t.Errorf("quality/last used not updated: %+v", p)
	}

	if other := ps[".cost"]; other.UsageCount != 0 || other.SuccessRate != 0 {
		t.Errorf("unrelated pattern changed: %+v", other)
	}
}

func TestMemoryStore_Save_NeverResets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := Pattern{Selector: "#title", Site: "gratis", Field: "product_name"}

	s.Save(ctx, p)
	s.UpdateSuccess(ctx, "#title", "gratis", "product_name", true, 1)

	inserted, err := s.Save(ctx, p)
	if err != nil || inserted {
		t.Fatalf("second Save = %v, %v; want false, nil", inserted, err)
	}
	if got := patternsByKey(t, s, "gratis", "product_name")["#title"]; got.UsageCount != 1 || got.SuccessRate != 1 {
		t.Errorf("stats reset by Save: %+v", got)
	}

	// same selector on another site is a different pattern
	if inserted, _ := s.Save(ctx, Pattern{Selector: "#title", Site: "watsons", Field: "product_name"}); !inserted {
		t.Error("pattern identity must include the site")
	}
}

func TestMemoryStore_UpdateSuccess_Missing(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpdateSuccess(context.Background(), ".nope", "gratis", "price", true, 1)
	if !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("err = %v, want ErrPatternNotFound", err)
	}
}

func TestMemoryStore_Best_Ordering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	for _, sel := range []string{"a", "b", "c", "d"} {
		s.Save(ctx, Pattern{Selector: sel, Site: "x", Field: "f"})
	}
	s.Save(ctx, Pattern{Selector: "a", Site: "other", Field: "f"})

	update := func(sel string, results ...bool) {
		for _, r := range results {
			clock = clock.Add(time.Minute)
			s.UpdateSuccess(ctx, sel, "x", "f", r, 0)
		}
	}
	update("a", true, false) // 0.5, usage 2
	update("b", true)        // 1.0, usage 1
	update("c", true, true)  // 1.0, usage 2
	update("d", false, true) // 0.5, usage 2, more recent than a

	got, _ := s.Best(ctx, "x", "f", 0)
	want := []string{"c", "b", "d", "a"}
	if len(got) != len(want) {
		t.Fatalf("Best returned %d patterns", len(got))
	}
	for i, p := range got {
		if p.Selector != want[i] {
			t.Errorf("position %d = %s, want %s", i, p.Selector, want[i])
		}
	}

	limited, _ := s.Best(ctx, "x", "f", 2)
	if len(limited) != 2 || limited[0].Selector != "c" {
		t.Errorf("limit not applied: %+v", limited)
	}
}

func TestMemoryStore_Prune(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Save(ctx, Pattern{Selector: "bad", Site: "x", Field: "f"})
	s.Save(ctx, Pattern{Selector: "good", Site: "x", Field: "f"})
	s.Save(ctx, Pattern{Selector: "new", Site: "x", Field: "f"})
	for i := 0; i < 5; i++ {
		s.UpdateSuccess(ctx, "bad", "x", "f", false, 0)
		s.UpdateSuccess(ctx, "good", "x", "f", true, 1)
	}

	n, err := s.Prune(ctx, "x", "f", 5, 0.2)
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v; want 1", n, err)
	}
	left := patternsByKey(t, s, "x", "f")
	if _, ok := left["bad"]; ok {
		t.Error("bad pattern survived")
	}
	if _, ok := left["new"]; !ok {
		t.Error("unused pattern should be kept")
	}
}

func TestSummarize(t *testing.T) {
	sum := Summarize([]Pattern{
		{Site: "b", Field: "price", SuccessRate: 0.9},
		{Site: "a", Field: "price", SuccessRate: 0.2},
		{Site: "a", Field: "price", SuccessRate: 0.6},
		{Site: "a", Field: "brand", SuccessRate: 0.5},
	})

	if sum.TotalPatterns != 4 || sum.SuccessfulPatterns != 2 {
		t.Errorf("totals = %d/%d", sum.TotalPatterns, sum.SuccessfulPatterns)
	}
	if len(sum.Fields) != 3 {
		t.Fatalf("fields = %+v", sum.Fields)
	}
	first := sum.Fields[0]
	if first.Site != "a" || first.Field != "brand" {
		t.Errorf("fields not sorted: %+v", sum.Fields)
	}
	price := sum.Fields[1]
	if price.Patterns != 2 || math.Abs(price.AvgSuccess-0.4) > 1e-9 {
		t.Errorf("a/price = %+v", price)
	}
}

func TestContextHash(t *testing.T) {
	h := ContextHash("<html></html>")
	if len(h) != 16 {
		t.Errorf("len = %d", len(h))
	}
	if h != ContextHash("<html></html>") || h == ContextHash("<html> </html>") {
		t.Error("hash must be stable and content sensitive")
	}
}
