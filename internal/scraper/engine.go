// internal/scraper/engine.go
package scraper

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/valpere/crawlguard/internal/antidetect"
	"github.com/valpere/crawlguard/internal/browser"
	"github.com/valpere/crawlguard/internal/errors"
	"github.com/valpere/crawlguard/internal/proxy"
	"github.com/valpere/crawlguard/internal/selector"
	"github.com/valpere/crawlguard/internal/session"
	"github.com/valpere/crawlguard/internal/utils"
)

var engineLogger = utils.NewComponentLogger("engine")

// maxMessageLen bounds failure messages kept in error contexts and results.
const maxMessageLen = 512

// Recorder receives engine events for metrics.
type Recorder interface {
	RecordNavigation(site, outcome string, statusCode int, latency time.Duration)
	RecordExtraction(site, field, patternType string, success bool, quality float64, elapsed time.Duration)
	RecordError(kind, severity string)
	RecordRecovery(strategy, kind string, success bool)
	RecordRecoveryRefused(kind string)
	RecordJob(site, status string)
	SetProxyCost(total float64)
}

// EngineConfig defines task-level limits of the engine
type EngineConfig struct {
	Concurrency int
	// JobDeadline bounds one job in Run and one ExtractField call.
	JobDeadline time.Duration
	// NavigationTimeout bounds a single navigation including pacing.
	NavigationTimeout time.Duration
}

// Components are the collaborators the engine drives. Sessions, Extractor
// and Recovery are required; Health is nil when no proxy pool is set.
type Components struct {
	Sessions  *session.Manager
	Extractor *selector.Extractor
	Recovery  *errors.Service
	Health    *proxy.HealthMonitor
	Costs     *proxy.CostTracker
	Checker   *proxy.Checker
	Recorder  Recorder
}

// Engine runs the acquire, navigate, extract, classify and recover loop.
type Engine struct {
	config EngineConfig
	Components

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine over the given components.
func NewEngine(config EngineConfig, c Components) (*Engine, error) {
	if c.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if c.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if c.Recovery == nil {
		return nil, fmt.Errorf("recovery service is required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.JobDeadline <= 0 {
		config.JobDeadline = 5 * time.Minute
	}
	if config.NavigationTimeout <= 0 {
		config.NavigationTimeout = 60 * time.Second
	}
	return &Engine{
		config:     config,
		Components: c,
		now:        time.Now,
		sleep:      antidetect.Sleep,
	}, nil
}

// attemptState tracks one ExtractField call across recoveries.
type attemptState struct {
	site, url, field string

	retries int
	sess    *session.Session

	// recovery awaiting the outcome of the next attempt
	pending        string
	pendingContext errors.ErrorContext
	pendingSince   time.Time
}

// ExtractField extracts field from the page at url on site. Expected
// failures come back as an unsuccessful Result carrying the error kind.
func (e *Engine) ExtractField(ctx context.Context, site, url, field string) selector.Result {
	start := e.now()
	ctx, cancel := context.WithTimeout(ctx, e.config.JobDeadline)
	defer cancel()

	st := &attemptState{site: site, url: url, field: field}
	defer e.releaseSession(st)

	result := e.run(ctx, st)
	result.Elapsed = e.now().Sub(start)

	if e.Recorder != nil {
		e.Recorder.RecordExtraction(site, field, string(result.PatternType), result.Success, result.Quality, result.Elapsed)
	}
	return result
}

func (e *Engine) run(ctx context.Context, st *attemptState) selector.Result {
	for {
		if err := ctx.Err(); err != nil {
			e.settlePending(st, false)
			return failure(errors.KindTimeout, fmt.Sprintf("extraction of %s abandoned: %v", st.field, err))
		}

		result, ec, done := e.attempt(ctx, st)
		if done {
			e.settlePending(st, result.Success)
			return result
		}
		e.settlePending(st, false)
		if err := ctx.Err(); err != nil {
			return failure(errors.KindTimeout, fmt.Sprintf("extraction of %s abandoned: %v", st.field, err))
		}

		ec.RetryCount = st.retries
		if e.Recorder != nil {
			e.Recorder.RecordError(string(ec.Kind), string(ec.Severity))
		}

		decision := e.Recovery.Plan(ctx, ec)
		if !decision.Proceed {
			if e.Recorder != nil {
				e.Recorder.RecordRecoveryRefused(string(ec.Kind))
			}
			engineLogger.WithFields(map[string]interface{}{
				"site":  st.site,
				"field": st.field,
				"kind":  ec.Kind,
				"retry": st.retries,
			}).Warnf("giving up: %s", decision.Reason)
			return failure(ec.Kind, ec.Message)
		}

		if err := e.sleep(ctx, decision.Delay); err != nil {
			e.Recovery.Record(ctx, ec, decision.Strategy, false, 0)
			if e.Recorder != nil {
				e.Recorder.RecordRecovery(decision.Strategy, string(ec.Kind), false)
			}
			return failure(errors.KindTimeout, fmt.Sprintf("recovery of %s interrupted: %v", ec.Kind, err))
		}

		e.applyAction(st, decision.Action)
		st.retries++
		st.pending = decision.Strategy
		st.pendingContext = ec
		st.pendingSince = e.now()
	}
}

// attempt performs one acquire, navigate and extract pass. done is true
// when result is final, otherwise ec describes the failure.
func (e *Engine) attempt(ctx context.Context, st *attemptState) (selector.Result, errors.ErrorContext, bool) {
	ec := errors.ErrorContext{
		Site:      st.site,
		URL:       st.url,
		Operation: "extract:" + st.field,
		Timestamp: e.now(),
	}

	// a session that fell below the health floor is retired, never retried
	if st.sess != nil {
		if info, ok := e.Sessions.Get(st.sess.ID); !ok || !info.Healthy {
			e.retireSession(st, "unhealthy")
		}
	}

	if st.sess == nil {
		s, err := e.Sessions.Acquire(ctx, st.site)
		if err != nil {
			if stderrors.Is(err, session.ErrNoCapacity) || ctx.Err() != nil {
				return failure(errors.KindTimeout, err.Error()), ec, true
			}
			ec.Operation = "acquire"
			ec.Message = utils.TruncateString(err.Error(), maxMessageLen)
			ec.Kind, ec.Severity = errors.Classify(ec.Message, errors.ClassifyInput{})
			if ec.Kind == errors.KindUnknown {
				ec.Kind, ec.Severity = errors.KindNavigator, errors.SeverityOf(errors.KindNavigator)
			}
			return selector.Result{}, ec, false
		}
		st.sess = s
	}
	s := st.sess
	ec.SessionID, ec.ProxyID = s.ID, s.ProxyID

	navCtx, cancel := context.WithTimeout(ctx, e.config.NavigationTimeout)
	page := s.Handle.Navigate(navCtx, st.url)
	cancel()

	if err := e.Sessions.MarkUsed(s.ID); err != nil {
		engineLogger.Debugf("mark used: %v", err)
	}
	e.recordProxy(s, st.site, page)
	if e.Recorder != nil {
		e.Recorder.RecordNavigation(st.site, string(page.Outcome), page.Status, page.Latency)
	}

	if !page.OK() {
		if err := e.Sessions.ReportOutcome(s.ID, false); err != nil {
			engineLogger.Debugf("report outcome: %v", err)
		}
		ec.Operation = "navigate"
		ec.Message = page.Reason
		if ec.Message == "" {
			ec.Message = fmt.Sprintf("navigation %s with status %d", page.Outcome, page.Status)
		}
		ec.Message = utils.TruncateString(ec.Message, maxMessageLen)
		ec.Kind, ec.Severity = errors.FromNavigation(string(page.Outcome), page.Status, ec.Message)
		ec.Metadata = map[string]string{"outcome": string(page.Outcome)}
		return selector.Result{}, ec, false
	}

	result := e.Extractor.Extract(ctx, st.site, st.field, page.Content)
	if err := e.Sessions.ReportOutcome(s.ID, true); err != nil {
		engineLogger.Debugf("report outcome: %v", err)
	}
	if result.Success {
		return result, ec, true
	}

	ec.Message = utils.TruncateString(result.Error, maxMessageLen)
	ec.Kind = result.ErrorKind
	if ec.Kind == "" {
		ec.Kind, _ = errors.Classify(result.Error, errors.ClassifyInput{})
	}
	ec.Severity = errors.SeverityOf(ec.Kind)
	return result, ec, false
}

func (e *Engine) recordProxy(s *session.Session, site string, page browser.Page) {
	if s.Direct() || e.Health == nil {
		return
	}
	if err := e.Health.RecordOutcome(s.ProxyID, site, page.OK(), page.Latency, page.Status); err != nil {
		engineLogger.Warnf("failed to record proxy outcome: %v", err)
	}
	if e.Costs != nil && page.Bytes > 0 {
		now := e.now()
		e.Costs.RecordUsage(s.ProxyID, int64(page.Bytes), now)
		if e.Recorder != nil {
			e.Recorder.SetProxyCost(e.Costs.Total(now))
		}
	}
}

// applyAction performs the side effect of a recovery before the retry.
func (e *Engine) applyAction(st *attemptState, action errors.Action) {
	switch action {
	case errors.ActionRotateSession:
		e.retireSession(st, "rotated after failure")
	case errors.ActionRestartNavigator:
		e.retireSession(st, "navigator restart")
	case errors.ActionRegenerateSelectors, errors.ActionRetry:
		// the next attempt reloads the page and regenerates candidates
	}
}

func (e *Engine) retireSession(st *attemptState, reason string) {
	if st.sess == nil {
		return
	}
	if err := e.Sessions.Retire(st.sess.ID, reason); err != nil {
		engineLogger.Debugf("retire: %v", err)
	}
	e.Sessions.Release(st.sess)
	st.sess = nil
}

func (e *Engine) releaseSession(st *attemptState) {
	if st.sess != nil {
		e.Sessions.Release(st.sess)
		st.sess = nil
	}
}

// settlePending records whether the attempt following a recovery
// succeeded.
func (e *Engine) settlePending(st *attemptState, success bool) {
	if st.pending == "" {
		return
	}
	elapsed := e.now().Sub(st.pendingSince)
	e.Recovery.Record(context.Background(), st.pendingContext, st.pending, success, elapsed)
	if e.Recorder != nil {
		e.Recorder.RecordRecovery(st.pending, string(st.pendingContext.Kind), success)
	}
	st.pending = ""
}

func failure(kind errors.Kind, message string) selector.Result {
	return selector.Result{Error: message, ErrorKind: kind}
}

// Start launches the background loops of the components.
func (e *Engine) Start() {
	e.Sessions.Start()
	e.Recovery.Start()
	if e.Checker != nil {
		e.Checker.Start()
	}
	engineLogger.Info("engine started")
}

// Stop halts the background loops and tears down every session.
func (e *Engine) Stop() {
	if e.Checker != nil {
		e.Checker.Stop()
	}
	e.Recovery.Stop()
	e.Sessions.Stop()
	e.Sessions.Close()
	engineLogger.Info("engine stopped")
}
