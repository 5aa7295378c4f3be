// internal/scraper/jobs_test.go
package scraper

import (
	"context"
	"testing"

	"github.com/valpere/crawlguard/internal/browser"
	"github.com/valpere/crawlguard/internal/errors"
	"github.com/valpere/crawlguard/internal/selector"
)

func TestRun_CompletesAndReleasesSites(t *testing.T) {
	f := newFixture(t, okPage)

	jobs := []Job{
		{Site: "gratis", URL: "https://gratis.example/p/1", Fields: []string{"product_name"}},
		{Site: "watsons", URL: "https://watsons.example/p/9", Fields: []string{"product_name"}},
	}
	results := f.engine.Run(context.Background(), jobs)
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.Job.Site != jobs[i].Site {
			t.Errorf("result %d is for %s, want %s", i, r.Job.Site, jobs[i].Site)
		}
		if r.Summary.Status != JobCompleted || r.Summary.Succeeded != 1 {
			t.Errorf("%s summary = %+v", r.Job.Site, r.Summary)
		}
		if !r.Results["product_name"].Success {
			t.Errorf("%s product_name failed: %s", r.Job.Site, r.Results["product_name"].Error)
		}
	}

	// completed jobs hand their sessions back at once
	if st := f.sessions.Stats(); st.Total != 0 {
		t.Errorf("sessions left after completed jobs: %+v", st)
	}
	if load := f.balancer.Load(f.proxyID); load != 0 {
		t.Errorf("load = %d, want 0", load)
	}
}

func TestRun_PartialKeepsSessions(t *testing.T) {
	f := newFixture(t, okPage)

	results := f.engine.Run(context.Background(), []Job{
		{Site: "gratis", URL: "https://gratis.example/p/1", Fields: []string{"product_name", "ingredients"}},
	})
	s := results[0].Summary
	if s.Status != JobPartial || s.Succeeded != 1 || s.Failed != 1 {
		t.Errorf("summary = %+v", s)
	}
	if r := results[0].Results["ingredients"]; r.ErrorKind != errors.KindSelector {
		t.Errorf("ingredients kind = %s", r.ErrorKind)
	}
	if st := f.sessions.Stats(); st.Total == 0 {
		t.Error("partial job released the site's sessions")
	}
}

func TestRun_CancelledIsAbandoned(t *testing.T) {
	f := newFixture(t, browser.Page{Outcome: browser.OutcomeOK, Status: 200, Content: productPage})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := f.engine.Run(ctx, []Job{
		{Site: "gratis", URL: "https://gratis.example/p/1", Fields: []string{"product_name", "price"}},
	})
	if got := results[0].Summary; got.Status != JobAbandoned || got.Reason != "cancelled" {
		t.Errorf("summary = %+v", got)
	}
}

func TestSummarize(t *testing.T) {
	ok := selector.Result{Success: true}
	bad := selector.Result{ErrorKind: errors.KindSelector}

	tests := []struct {
		name     string
		results  map[string]selector.Result
		deadline bool
		want     JobStatus
	}{
		{"all succeeded", map[string]selector.Result{"a": ok, "b": ok}, false, JobCompleted},
		{"some failed", map[string]selector.Result{"a": ok, "b": bad}, false, JobPartial},
		{"all failed", map[string]selector.Result{"a": bad}, false, JobFailed},
		{"deadline with failures", map[string]selector.Result{"a": ok, "b": bad}, true, JobAbandoned},
		{"deadline without failures", map[string]selector.Result{"a": ok}, true, JobCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := summarize(tt.results, tt.deadline, false); got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
		})
	}
}
