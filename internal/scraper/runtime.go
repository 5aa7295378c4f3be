// internal/scraper/runtime.go
package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/valpere/crawlguard/internal/antidetect"
	"github.com/valpere/crawlguard/internal/browser"
	"github.com/valpere/crawlguard/internal/config"
	"github.com/valpere/crawlguard/internal/errors"
	"github.com/valpere/crawlguard/internal/monitoring"
	"github.com/valpere/crawlguard/internal/proxy"
	"github.com/valpere/crawlguard/internal/selector"
	"github.com/valpere/crawlguard/internal/session"
	"github.com/valpere/crawlguard/internal/storage"
)

// Runtime is a fully wired engine with the stores and observers behind it.
type Runtime struct {
	Engine   *Engine
	Store    *storage.SQLStore
	Metrics  *monitoring.Metrics
	Health   *monitoring.HealthManager
	Proxies  *proxy.HealthMonitor
	Balancer *proxy.LoadBalancer

	closers []func() error
}

// Build wires every component from configuration. Optional backends
// (MongoDB, Redis, proxy pool, selector suggestions) are used only when
// configured.
func Build(ctx context.Context, cfg *config.Config, version string) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	r := &Runtime{Metrics: monitoring.NewMetrics(cfg.Metrics)}

	if err := r.build(ctx, cfg, version); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) build(ctx context.Context, cfg *config.Config, version string) error {
	store, err := storage.OpenSQL(ctx, cfg.Storage.SQL)
	if err != nil {
		return err
	}
	r.Store = store
	r.closers = append(r.closers, store.Close)

	var events errors.EventLog = store
	if cfg.Storage.Mongo != nil {
		mongo, err := storage.OpenMongo(ctx, *cfg.Storage.Mongo)
		if err != nil {
			return err
		}
		r.closers = append(r.closers, func() error {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return mongo.Close(closeCtx)
		})
		events = storage.MultiEventLog{store, mongo}
	}

	var window errors.ErrorWindow
	if cfg.Storage.Redis != nil {
		rw, err := errors.NewRedisErrorWindow(ctx, *cfg.Storage.Redis, cfg.Recovery.GuardWindow)
		if err != nil {
			return err
		}
		r.closers = append(r.closers, rw.Close)
		window = rw
	}
	recovery := errors.NewService(cfg.Recovery, window, events)

	var costs *proxy.CostTracker
	var checker *proxy.Checker
	if len(cfg.Proxies.Proxies) > 0 {
		hm, err := proxy.NewHealthMonitor(cfg.Proxies, store, r.Metrics)
		if err != nil {
			return fmt.Errorf("failed to build proxy pool: %w", err)
		}
		if err := hm.Restore(ctx); err != nil {
			return fmt.Errorf("failed to restore proxy metrics: %w", err)
		}
		r.Proxies = hm
		r.Balancer = proxy.NewLoadBalancer(cfg.Proxies.Proxies)
		costs = proxy.NewCostTracker(cfg.Proxies.Proxies)
		if cfg.Proxies.Probe.Enabled {
			checker = proxy.NewChecker(cfg.Proxies.Probe, hm)
		}
	}

	fingerprints, err := antidetect.NewGenerator(&cfg.Fingerprint)
	if err != nil {
		return fmt.Errorf("failed to build fingerprint generator: %w", err)
	}
	pacer := antidetect.NewPacer(cfg.Engine.Pacing)
	navigator, err := browser.New(cfg.Navigator, pacer)
	if err != nil {
		return err
	}

	sessions, err := session.NewManager(cfg.Sessions, r.Proxies, r.Balancer, fingerprints, navigator)
	if err != nil {
		return fmt.Errorf("failed to build session manager: %w", err)
	}
	sessions.SetObserver(r.Metrics)
	r.closers = append(r.closers, func() error {
		sessions.Close()
		return nil
	})

	var generator selector.CandidateGenerator = selector.NewHeuristicGenerator()
	if cfg.Selectors.SuggestionURL != "" {
		generator = selector.NewMultiGenerator(generator,
			selector.NewRemoteGenerator(cfg.Selectors.SuggestionURL, cfg.Selectors.SuggestionTimeout))
	}
	extractor := selector.NewExtractor(cfg.Selectors.Config, store, generator)

	pacing := cfg.Engine.Pacing
	r.Engine, err = NewEngine(EngineConfig{
		Concurrency:       cfg.Engine.Concurrency,
		JobDeadline:       cfg.Engine.JobDeadline,
		NavigationTimeout: cfg.Navigator.Timeout + pacing.PreMax + pacing.PostMax,
	}, Components{
		Sessions:  sessions,
		Extractor: extractor,
		Recovery:  recovery,
		Health:    r.Proxies,
		Costs:     costs,
		Checker:   checker,
		Recorder:  r.Metrics,
	})
	if err != nil {
		return err
	}

	r.Health = monitoring.NewHealthManager(version, 5*time.Second)
	r.Health.RegisterCheck(monitoring.DatabaseHealthCheck("database", store.Ping))
	r.Health.RegisterCheck(monitoring.SessionPoolHealthCheck(sessions))
	if r.Proxies != nil {
		r.Health.RegisterCheck(monitoring.ProxyPoolHealthCheck(r.Proxies, cfg.Sessions.HealthFloor))
	}
	return nil
}

// Apply hot-applies the settings that may change while running: the retry
// ceilings and the cached-selector threshold.
func (r *Runtime) Apply(cfg *config.Config) {
	r.Engine.Recovery.SetCeilings(cfg.Recovery.Ceilings)
	r.Engine.Extractor.SetThreshold(cfg.Selectors.HighConfidence)
	engineLogger.WithFields(map[string]interface{}{
		"ceilings":  cfg.Recovery.Ceilings,
		"threshold": cfg.Selectors.HighConfidence,
	}).Info("applied reloaded settings")
}

// Watch reloads path on change and applies it.
func (r *Runtime) Watch(path string) error {
	w, err := config.NewWatcher(path)
	if err != nil {
		return err
	}
	w.OnChange(r.Apply)
	r.closers = append(r.closers, w.Close)
	return nil
}

// Close releases everything in reverse order of acquisition.
func (r *Runtime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}
