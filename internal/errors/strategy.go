// internal/errors/strategy.go
package errors

import (
	"time"
)

// Action is the side effect a recovery asks the caller to perform before
// retrying.
type Action string

const (
	ActionRetry               Action = "retry"
	ActionRegenerateSelectors Action = "regenerate_selectors"
	ActionRotateSession       Action = "rotate_session"
	ActionRestartNavigator    Action = "restart_navigator"
)

// Backoff selects how a strategy's delay grows with the retry count.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Strategy is a named remedy for one or more kinds. Strategies are never
// removed at runtime, only re-tuned by the optimizer.
type Strategy struct {
	Name       string        `yaml:"name" json:"name"`
	Kinds      []Kind        `yaml:"kinds" json:"kinds"`
	Priority   int           `yaml:"priority" json:"priority"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
	Backoff    Backoff       `yaml:"backoff" json:"backoff"`
	Action     Action        `yaml:"action" json:"action"`
}

// Handles reports whether the strategy applies to kind.
func (s Strategy) Handles(k Kind) bool {
	for _, kind := range s.Kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// Delay returns the wait before retry number retry (0-based).
func (s Strategy) Delay(retry int) time.Duration {
	delay := s.BaseDelay
	if s.Backoff == BackoffExponential {
		for i := 0; i < retry; i++ {
			delay *= 2
			if s.MaxDelay > 0 && delay >= s.MaxDelay {
				break
			}
		}
	}
	if s.MaxDelay > 0 && delay > s.MaxDelay {
		delay = s.MaxDelay
	}
	return delay
}

// DefaultStrategies returns the built-in strategies.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{
			Name:       "network_retry",
			Kinds:      []Kind{KindNetwork, KindTimeout},
			Priority:   1,
			MaxRetries: 3,
			BaseDelay:  2 * time.Second,
			MaxDelay:   5 * time.Minute,
			Backoff:    BackoffExponential,
			Action:     ActionRetry,
		},
		{
			Name:       "rate_limit_backoff",
			Kinds:      []Kind{KindRateLimit},
			Priority:   1,
			MaxRetries: 5,
			BaseDelay:  30 * time.Second,
			MaxDelay:   5 * time.Minute,
			Backoff:    BackoffExponential,
			Action:     ActionRetry,
		},
		{
			Name:       "selector_adaptation",
			Kinds:      []Kind{KindSelector},
			Priority:   2,
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   5 * time.Minute,
			Backoff:    BackoffFixed,
			Action:     ActionRegenerateSelectors,
		},
		{
			Name:       "proxy_rotation",
			Kinds:      []Kind{KindProxy, KindAccessDenied},
			Priority:   1,
			MaxRetries: 5,
			BaseDelay:  5 * time.Second,
			MaxDelay:   5 * time.Minute,
			Backoff:    BackoffFixed,
			Action:     ActionRotateSession,
		},
		{
			Name:       "browser_restart",
			Kinds:      []Kind{KindNavigator},
			Priority:   3,
			MaxRetries: 2,
			BaseDelay:  10 * time.Second,
			MaxDelay:   5 * time.Minute,
			Backoff:    BackoffFixed,
			Action:     ActionRestartNavigator,
		},
	}
}

// StrategyStats is a snapshot of one strategy and its observed results.
type StrategyStats struct {
	Strategy
	Attempts        int64         `json:"attempts"`
	Successes       int64         `json:"successes"`
	SuccessRate     float64       `json:"success_rate"`
	AvgRecoveryTime time.Duration `json:"avg_recovery_time"`
}

type strategyState struct {
	def Strategy

	attempts      int64
	successes     int64
	totalRecovery time.Duration

	// counters since the last optimizer adjustment
	windowAttempts  int64
	windowSuccesses int64
}

func (st *strategyState) successRate() float64 {
	if st.attempts == 0 {
		return 0
	}
	return float64(st.successes) / float64(st.attempts)
}

func (st *strategyState) stats() StrategyStats {
	s := StrategyStats{
		Strategy:    st.def,
		Attempts:    st.attempts,
		Successes:   st.successes,
		SuccessRate: st.successRate(),
	}
	s.Kinds = append([]Kind(nil), st.def.Kinds...)
	if st.attempts > 0 {
		s.AvgRecoveryTime = st.totalRecovery / time.Duration(st.attempts)
	}
	return s
}
