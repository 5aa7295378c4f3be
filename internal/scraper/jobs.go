// internal/scraper/jobs.go
package scraper

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/valpere/crawlguard/internal/errors"
	"github.com/valpere/crawlguard/internal/selector"
)

// JobStatus is how a batch of extractions for one page ended.
type JobStatus string

const (
	JobCompleted JobStatus = "completed"
	JobPartial   JobStatus = "partial"
	JobFailed    JobStatus = "failed"
	JobAbandoned JobStatus = "abandoned"
)

// Job asks for several fields of one page.
type Job struct {
	Site   string   `json:"site"`
	URL    string   `json:"url"`
	Fields []string `json:"fields"`
}

// JobSummary is what a caller reports when it finishes with a site.
type JobSummary struct {
	Status    JobStatus `json:"status"`
	Fields    int       `json:"fields"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Reason    string    `json:"reason,omitempty"`
}

// JobResult holds every field result of a job.
type JobResult struct {
	Job     Job                        `json:"job"`
	Results map[string]selector.Result `json:"results"`
	Summary JobSummary                 `json:"summary"`
	Elapsed time.Duration              `json:"elapsed"`
}

// ReportJobOutcome lets the caller close out a site. Completed and
// abandoned jobs release the site's sessions now instead of at the next
// sweep.
func (e *Engine) ReportJobOutcome(site string, summary JobSummary) {
	fields := map[string]interface{}{
		"site":      site,
		"status":    summary.Status,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}
	if e.Recorder != nil {
		e.Recorder.RecordJob(site, string(summary.Status))
	}

	switch summary.Status {
	case JobCompleted, JobAbandoned:
		n := e.Sessions.ReleaseSite(site)
		fields["released"] = n
		engineLogger.WithFields(fields).Info("job finished")
	default:
		engineLogger.WithFields(fields).Info("job reported")
	}
}

type jobState struct {
	job     Job
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	mu      sync.Mutex
	results map[string]selector.Result
}

// begin starts the job deadline on the first field that gets a worker, so
// queued jobs do not use up their deadline waiting.
func (js *jobState) begin(parent context.Context, deadline time.Duration, now time.Time) context.Context {
	js.once.Do(func() {
		js.started = now
		js.ctx, js.cancel = context.WithTimeout(parent, deadline)
	})
	return js.ctx
}

// Run extracts every field of every job with at most Concurrency
// extractions in flight. Each finished job is reported through
// ReportJobOutcome. Results are in job order.
func (e *Engine) Run(ctx context.Context, jobs []Job) []JobResult {
	states := make([]*jobState, len(jobs))
	for i, j := range jobs {
		states[i] = &jobState{job: j, results: make(map[string]selector.Result, len(j.Fields))}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)

	for _, js := range states {
		for _, field := range js.job.Fields {
			g.Go(func() error {
				jctx := js.begin(gctx, e.config.JobDeadline, e.now())
				var r selector.Result
				if err := jctx.Err(); err != nil {
					r = failure(errors.KindTimeout, "job deadline exceeded before extraction started")
				} else {
					r = e.ExtractField(jctx, js.job.Site, js.job.URL, field)
				}
				js.mu.Lock()
				js.results[field] = r
				js.mu.Unlock()
				return nil
			})
		}
	}
	g.Wait()

	out := make([]JobResult, len(states))
	for i, js := range states {
		abandoned := false
		if js.ctx != nil {
			abandoned = js.ctx.Err() == context.DeadlineExceeded
			js.cancel()
		}
		summary := summarize(js.results, abandoned, ctx.Err() != nil)
		e.ReportJobOutcome(js.job.Site, summary)

		out[i] = JobResult{
			Job:     js.job,
			Results: js.results,
			Summary: summary,
		}
		if !js.started.IsZero() {
			out[i].Elapsed = e.now().Sub(js.started)
		}
	}
	return out
}

func summarize(results map[string]selector.Result, deadlineHit, cancelled bool) JobSummary {
	s := JobSummary{Fields: len(results)}
	for _, r := range results {
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}

	switch {
	case (deadlineHit || cancelled) && s.Failed > 0:
		s.Status = JobAbandoned
		s.Reason = "deadline exceeded"
		if cancelled {
			s.Reason = "cancelled"
		}
	case s.Failed == 0:
		s.Status = JobCompleted
	case s.Succeeded == 0:
		s.Status = JobFailed
	default:
		s.Status = JobPartial
	}
	return s
}
