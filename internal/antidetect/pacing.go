// internal/antidetect/pacing.go
package antidetect

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PacingConfig controls the human-like delays around a page load and the
// per-site request rate.
type PacingConfig struct {
	PreMin            time.Duration `yaml:"pre_min" json:"pre_min"`
	PreMax            time.Duration `yaml:"pre_max" json:"pre_max"`
	PostMin           time.Duration `yaml:"post_min" json:"post_min"`
	PostMax           time.Duration `yaml:"post_max" json:"post_max"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `yaml:"burst" json:"burst"`
}

// DefaultPacingConfig mirrors a visitor who waits a moment before clicking
// and reads for a few seconds after the page renders.
func DefaultPacingConfig() PacingConfig {
	return PacingConfig{
		PreMin:            1 * time.Second,
		PreMax:            3 * time.Second,
		PostMin:           2 * time.Second,
		PostMax:           4 * time.Second,
		RequestsPerSecond: 0.5,
		Burst:             2,
	}
}

// Pacer inserts randomized delays and enforces a per-site rate limit.
type Pacer struct {
	config PacingConfig

	mu       sync.Mutex
	rng      *rand.Rand
	limiters map[string]*rate.Limiter
}

// NewPacer creates a pacer. Zero durations disable the matching delay and a
// non-positive rate disables the limiter.
func NewPacer(config PacingConfig) *Pacer {
	return &Pacer{
		config:   config,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		limiters: make(map[string]*rate.Limiter),
	}
}

// BeforeLoad waits for the site's rate limiter and then a pre-load delay.
func (p *Pacer) BeforeLoad(ctx context.Context, site string) error {
	if limiter := p.limiterFor(site); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return Sleep(ctx, p.between(p.config.PreMin, p.config.PreMax))
}

// AfterLoad waits a post-load reading delay.
func (p *Pacer) AfterLoad(ctx context.Context) error {
	return Sleep(ctx, p.between(p.config.PostMin, p.config.PostMax))
}

func (p *Pacer) limiterFor(site string) *rate.Limiter {
	if p.config.RequestsPerSecond <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	limiter, ok := p.limiters[site]
	if !ok {
		burst := p.config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(p.config.RequestsPerSecond), burst)
		p.limiters[site] = limiter
	}
	return limiter
}

func (p *Pacer) between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return min + time.Duration(p.rng.Int63n(int64(max-min)))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
