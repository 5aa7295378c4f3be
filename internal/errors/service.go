// internal/errors/service.go - Classified error recovery service
package errors

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valpere/crawlguard/internal/utils"
)

var logger = utils.NewComponentLogger("recovery")

// ErrorEvent is one row of the error log.
type ErrorEvent struct {
	ErrorContext
	Strategy  string `json:"strategy,omitempty"`
	Recovered bool   `json:"recovered"`
}

// EventLog persists error and recovery analytics.
type EventLog interface {
	LogError(ctx context.Context, e ErrorEvent) error
	RecordRecovery(ctx context.Context, strategy string, kind Kind, success bool, elapsed time.Duration) error
}

// Config defines recovery policy
type Config struct {
	// Ceilings is the retry ceiling per severity.
	Ceilings         map[Severity]int `yaml:"ceilings" json:"ceilings"`
	GuardThreshold   int              `yaml:"guard_threshold" json:"guard_threshold"`
	GuardWindow      time.Duration    `yaml:"guard_window" json:"guard_window"`
	OptimizeInterval time.Duration    `yaml:"optimize_interval" json:"optimize_interval"`
	MinSample        int              `yaml:"min_sample" json:"min_sample"`
	Strategies       []Strategy       `yaml:"strategies,omitempty" json:"strategies,omitempty"`
}

// DefaultCeilings returns the stock retry ceilings.
func DefaultCeilings() map[Severity]int {
	return map[Severity]int{
		SeverityLow:      5,
		SeverityMedium:   3,
		SeverityHigh:     2,
		SeverityCritical: 1,
	}
}

// DefaultConfig returns default recovery configuration
func DefaultConfig() Config {
	return Config{
		Ceilings:         DefaultCeilings(),
		GuardThreshold:   20,
		GuardWindow:      time.Hour,
		OptimizeInterval: 10 * time.Minute,
		MinSample:        10,
	}
}

// Decision is the outcome of planning a recovery.
type Decision struct {
	Proceed  bool          `json:"proceed"`
	Kind     Kind          `json:"kind"`
	Severity Severity      `json:"severity"`
	Strategy string        `json:"strategy,omitempty"`
	Action   Action        `json:"action,omitempty"`
	Delay    time.Duration `json:"delay"`
	Reason   string        `json:"reason,omitempty"`
}

// Service maps classified failures to ranked recovery strategies, guards
// sites with too many recent errors and tunes strategies from their results.
type Service struct {
	window ErrorWindow
	events EventLog
	now    func() time.Time

	mu             sync.RWMutex
	ceilings       map[Severity]int
	guardThreshold int
	guardWindow    time.Duration
	minSample      int
	interval       time.Duration
	strategies     []*strategyState

	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewService creates a recovery service. A nil window keeps the guard in
// memory; events may be nil.
func NewService(config Config, window ErrorWindow, events EventLog) *Service {
	defaults := DefaultConfig()
	if config.GuardThreshold <= 0 {
		config.GuardThreshold = defaults.GuardThreshold
	}
	if config.GuardWindow <= 0 {
		config.GuardWindow = defaults.GuardWindow
	}
	if config.OptimizeInterval <= 0 {
		config.OptimizeInterval = defaults.OptimizeInterval
	}
	if config.MinSample <= 0 {
		config.MinSample = defaults.MinSample
	}
	if len(config.Strategies) == 0 {
		config.Strategies = DefaultStrategies()
	}
	if window == nil {
		window = NewMemoryErrorWindow(config.GuardWindow)
	}

	s := &Service{
		window:         window,
		events:         events,
		now:            time.Now,
		ceilings:       mergeCeilings(config.Ceilings),
		guardThreshold: config.GuardThreshold,
		guardWindow:    config.GuardWindow,
		minSample:      config.MinSample,
		interval:       config.OptimizeInterval,
		stopChan:       make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, def := range config.Strategies {
		def.Kinds = append([]Kind(nil), def.Kinds...)
		s.strategies = append(s.strategies, &strategyState{def: def})
	}
	return s
}

func mergeCeilings(in map[Severity]int) map[Severity]int {
	out := DefaultCeilings()
	for sev, n := range in {
		if n > 0 {
			out[sev] = n
		}
	}
	return out
}

// SetCeilings replaces the retry ceilings, e.g. on config reload.
func (s *Service) SetCeilings(ceilings map[Severity]int) {
	merged := mergeCeilings(ceilings)
	s.mu.Lock()
	s.ceilings = merged
	s.mu.Unlock()
	logger.Infof("retry ceilings updated: %v", merged)
}

// Ceiling returns the retry ceiling for a severity.
func (s *Service) Ceiling(sev Severity) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.ceilings[sev]; ok {
		return n
	}
	return s.ceilings[SeverityMedium]
}

// BestStrategy returns the applicable strategy with the lowest priority
// number, preferring the higher observed success rate on ties.
func (s *Service) BestStrategy(kind Kind) (Strategy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.bestLocked(kind)
	if st == nil {
		return Strategy{}, false
	}
	return st.def, true
}

func (s *Service) bestLocked(kind Kind) *strategyState {
	var applicable []*strategyState
	for _, st := range s.strategies {
		if st.def.Handles(kind) {
			applicable = append(applicable, st)
		}
	}
	if len(applicable) == 0 {
		return nil
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].def.Priority != applicable[j].def.Priority {
			return applicable[i].def.Priority < applicable[j].def.Priority
		}
		return applicable[i].successRate() > applicable[j].successRate()
	})
	return applicable[0]
}

// ShouldAttemptRecovery reports whether another attempt is allowed for the
// failure. It does not record the failure; see Plan.
func (s *Service) ShouldAttemptRecovery(ctx context.Context, ec ErrorContext) bool {
	ok, _ := s.allowed(ctx, ec)
	return ok
}

func (s *Service) allowed(ctx context.Context, ec ErrorContext) (bool, string) {
	if ec.Severity == SeverityCritical && ec.RetryCount > 0 {
		return false, "critical error after first attempt"
	}
	if ceiling := s.Ceiling(ec.Severity); ec.RetryCount >= ceiling {
		return false, fmt.Sprintf("retry ceiling %d reached for %s severity", ceiling, ec.Severity)
	}

	s.mu.RLock()
	threshold, span := s.guardThreshold, s.guardWindow
	s.mu.RUnlock()

	count, err := s.window.Count(ctx, ec.Site, s.now().Add(-span))
	if err != nil {
		logger.Warnf("error window unavailable for %s, guard skipped: %v", ec.Site, err)
		return true, ""
	}
	if count > threshold {
		logger.WithFields(map[string]interface{}{
			"site":   ec.Site,
			"errors": count,
		}).Warn("too many recent errors for site; recovery suspended")
		return false, fmt.Sprintf("site %s has %d errors in the last %s", ec.Site, count, span)
	}
	return true, ""
}

// Plan records the failure in the site's error window and decides whether
// and how to recover from it.
func (s *Service) Plan(ctx context.Context, ec ErrorContext) Decision {
	if ec.Timestamp.IsZero() {
		ec.Timestamp = s.now()
	}
	if ec.Severity == "" {
		ec.Severity = SeverityOf(ec.Kind)
	}
	d := Decision{Kind: ec.Kind, Severity: ec.Severity}

	if err := s.window.Add(ctx, ec.Site, ec.Timestamp); err != nil {
		logger.Warnf("failed to record error for %s: %v", ec.Site, err)
	}

	if ok, reason := s.allowed(ctx, ec); !ok {
		d.Reason = reason
		s.logEvent(ctx, ErrorEvent{ErrorContext: ec})
		return d
	}

	s.mu.RLock()
	st := s.bestLocked(ec.Kind)
	var def Strategy
	if st != nil {
		def = st.def
	}
	s.mu.RUnlock()

	if st == nil {
		d.Reason = fmt.Sprintf("no recovery strategy for %s", ec.Kind)
		s.logEvent(ctx, ErrorEvent{ErrorContext: ec})
		return d
	}
	if ec.RetryCount >= def.MaxRetries {
		d.Strategy = def.Name
		d.Reason = fmt.Sprintf("strategy %s exhausted after %d retries", def.Name, def.MaxRetries)
		s.logEvent(ctx, ErrorEvent{ErrorContext: ec, Strategy: def.Name})
		return d
	}

	d.Proceed = true
	d.Strategy = def.Name
	d.Action = def.Action
	d.Delay = def.Delay(ec.RetryCount)

	logger.WithFields(map[string]interface{}{
		"site":     ec.Site,
		"kind":     ec.Kind,
		"severity": ec.Severity,
		"retry":    ec.RetryCount,
		"strategy": def.Name,
		"delay":    d.Delay.String(),
	}).Info("attempting recovery")
	return d
}

// Record feeds the result of a recovery attempt back into the strategy's
// statistics and the event log.
func (s *Service) Record(ctx context.Context, ec ErrorContext, strategy string, success bool, elapsed time.Duration) {
	s.mu.Lock()
	found := false
	for _, st := range s.strategies {
		if st.def.Name != strategy {
			continue
		}
		st.attempts++
		st.windowAttempts++
		if success {
			st.successes++
			st.windowSuccesses++
		}
		st.totalRecovery += elapsed
		found = true
		break
	}
	s.mu.Unlock()

	if !found {
		logger.Warnf("result recorded for unknown strategy %q", strategy)
		return
	}

	if ec.Timestamp.IsZero() {
		ec.Timestamp = s.now()
	}
	s.logEvent(ctx, ErrorEvent{ErrorContext: ec, Strategy: strategy, Recovered: success})
	if s.events != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.events.RecordRecovery(wctx, strategy, ec.Kind, success, elapsed); err != nil {
			logger.Errorf("failed to update recovery stats for %s: %v", strategy, err)
		}
	}
}

func (s *Service) logEvent(ctx context.Context, e ErrorEvent) {
	if s.events == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.events.LogError(wctx, e); err != nil {
		logger.Errorf("failed to log error event for %s: %v", e.Site, err)
	}
}

// Optimize re-tunes every strategy that has collected at least MinSample
// results since its last adjustment and returns how many were changed.
// Poor performers wait longer, retry less and lose priority; strong
// performers wait less and gain priority.
func (s *Service) Optimize() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	adjusted := 0
	for _, st := range s.strategies {
		if st.windowAttempts < int64(s.minSample) {
			continue
		}
		rate := float64(st.windowSuccesses) / float64(st.windowAttempts)
		def := &st.def

		switch {
		case rate < 0.5:
			def.BaseDelay = time.Duration(float64(def.BaseDelay) * 1.5)
			if def.MaxDelay > 0 && def.BaseDelay > def.MaxDelay {
				def.BaseDelay = def.MaxDelay
			}
			def.MaxRetries = max(1, def.MaxRetries-1)
			def.Priority++
			logger.Infof("strategy %s underperforming (%.2f): delay %s, max retries %d, priority %d",
				def.Name, rate, def.BaseDelay, def.MaxRetries, def.Priority)
		case rate > 0.9:
			def.BaseDelay = time.Duration(float64(def.BaseDelay) * 0.8)
			def.Priority = max(1, def.Priority-1)
			logger.Infof("strategy %s performing well (%.2f): delay %s, priority %d",
				def.Name, rate, def.BaseDelay, def.Priority)
		default:
			st.windowAttempts, st.windowSuccesses = 0, 0
			continue
		}

		st.windowAttempts, st.windowSuccesses = 0, 0
		adjusted++
	}
	return adjusted
}

// Stats returns a snapshot of every strategy.
func (s *Service) Stats() []StrategyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StrategyStats, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, st.stats())
	}
	return out
}

// Start runs Optimize on the configured interval until Stop.
func (s *Service) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := s.Optimize(); n > 0 {
					logger.Infof("optimizer adjusted %d strategies", n)
				}
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop ends the optimizer loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.started.Load() {
			<-s.done
		}
	})
}
