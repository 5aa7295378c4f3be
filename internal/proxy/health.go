// internal/proxy/health.go
package proxy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/valpere/crawlguard/internal/utils"
)

var healthLogger = utils.NewComponentLogger("proxy-health")

// MetricsStore persists proxy health state.
type MetricsStore interface {
	SaveProxyMetrics(ctx context.Context, m Metrics) error
	LoadProxyMetrics(ctx context.Context) ([]Metrics, error)
	RecordProxyRequest(ctx context.Context, r RequestRecord) error
}

// Observer is notified of health changes, e.g. to export metrics.
type Observer interface {
	ObserveProxyHealth(proxyID string, score float64)
	ObserveBlockReset(site string)
}

type proxyState struct {
	proxy Proxy
	id    string

	total          int64
	success        int64
	failed         int64
	avgLatency     time.Duration
	latencySamples int64
	lastSuccess    time.Time
	lastFailure    time.Time
	consecutive    int

	siteStreak    map[string]int
	blocked       map[string]time.Time
	siteSuccesses map[string][]time.Time

	score float64
}

func newProxyState(p Proxy) *proxyState {
	return &proxyState{
		proxy:         p,
		id:            p.ID(),
		siteStreak:    make(map[string]int),
		blocked:       make(map[string]time.Time),
		siteSuccesses: make(map[string][]time.Time),
		score:         1.0,
	}
}

// HealthMonitor scores proxies from reported outcomes and tracks which
// sites each proxy is blocked on. It is the only writer of proxy metrics.
type HealthMonitor struct {
	weights        HealthWeights
	blockThreshold int
	store          MetricsStore
	observer       Observer
	now            func() time.Time

	mu     sync.RWMutex
	order  []string
	states map[string]*proxyState
}

// NewHealthMonitor creates a monitor over the configured pool. store and
// observer may be nil.
func NewHealthMonitor(config PoolConfig, store MetricsStore, observer Observer) (*HealthMonitor, error) {
	if config.BlockThreshold <= 0 {
		config.BlockThreshold = DefaultPoolConfig().BlockThreshold
	}
	if config.Weights == (HealthWeights{}) {
		config.Weights = DefaultHealthWeights()
	}

	hm := &HealthMonitor{
		weights:        config.Weights,
		blockThreshold: config.BlockThreshold,
		store:          store,
		observer:       observer,
		now:            time.Now,
		states:         make(map[string]*proxyState),
	}

	for i, p := range config.Proxies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("proxy %d: %w", i, err)
		}
		id := p.ID()
		if _, dup := hm.states[id]; dup {
			return nil, fmt.Errorf("proxy %d: duplicate proxy %s", i, p.Server)
		}
		hm.states[id] = newProxyState(p)
		hm.order = append(hm.order, id)
	}

	return hm, nil
}

// Restore loads persisted metrics for proxies still present in the pool.
func (hm *HealthMonitor) Restore(ctx context.Context) error {
	if hm.store == nil {
		return nil
	}
	saved, err := hm.store.LoadProxyMetrics(ctx)
	if err != nil {
		return fmt.Errorf("failed to load proxy metrics: %w", err)
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()

	restored := 0
	for _, m := range saved {
		st, ok := hm.states[m.ProxyID]
		if !ok {
			continue
		}
		st.total = m.TotalRequests
		st.success = m.SuccessfulRequests
		st.failed = m.FailedRequests
		st.avgLatency = m.AvgResponseTime
		if m.AvgResponseTime > 0 {
			st.latencySamples = m.TotalRequests
		}
		st.lastSuccess = m.LastSuccess
		st.lastFailure = m.LastFailure
		st.consecutive = m.ConsecutiveFailures
		for _, site := range m.BlockedSites {
			st.blocked[site] = m.LastFailure
		}
		st.score = hm.computeScore(st, hm.now())
		restored++
	}
	healthLogger.Infof("restored metrics for %d of %d proxies", restored, len(hm.states))
	return nil
}

// Proxies returns the pool in declaration order.
func (hm *HealthMonitor) Proxies() []Proxy {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	out := make([]Proxy, 0, len(hm.order))
	for _, id := range hm.order {
		out = append(out, hm.states[id].proxy)
	}
	return out
}

// Lookup returns the proxy with the given id.
func (hm *HealthMonitor) Lookup(proxyID string) (Proxy, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	st, ok := hm.states[proxyID]
	if !ok {
		return Proxy{}, false
	}
	return st.proxy, true
}

// RecordOutcome updates the metrics of a proxy after a request on site.
// statusHint is the HTTP status observed, or 0 when none was received.
func (hm *HealthMonitor) RecordOutcome(proxyID, site string, success bool, latency time.Duration, statusHint int) error {
	now := hm.now()

	hm.mu.Lock()
	st, ok := hm.states[proxyID]
	if !ok {
		hm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProxy, proxyID)
	}

	st.total++
	if latency > 0 {
		st.latencySamples++
		st.avgLatency += (latency - st.avgLatency) / time.Duration(st.latencySamples)
	}

	newlyBlocked := false
	if success {
		st.success++
		st.lastSuccess = now
		st.consecutive = 0
		delete(st.siteStreak, site)
		st.siteSuccesses[site] = append(pruneBefore(st.siteSuccesses[site], now.Add(-hm.weights.SiteWindow)), now)
	} else {
		st.failed++
		st.lastFailure = now
		st.consecutive++
		st.siteStreak[site]++
		if st.siteStreak[site] >= hm.blockThreshold {
			if _, already := st.blocked[site]; !already {
				st.blocked[site] = now
				newlyBlocked = true
			}
		}
	}

	st.score = hm.computeScore(st, now)
	snapshot := st.snapshot()
	hm.mu.Unlock()

	if newlyBlocked {
		healthLogger.WithFields(map[string]interface{}{
			"proxy_id": proxyID,
			"site":     site,
			"status":   statusHint,
		}).Warnf("proxy blocked for site after %d consecutive failures", hm.blockThreshold)
	}
	if hm.observer != nil {
		hm.observer.ObserveProxyHealth(proxyID, snapshot.HealthScore)
	}
	hm.persist(snapshot, RequestRecord{
		ProxyID:    proxyID,
		Site:       site,
		Success:    success,
		Latency:    latency,
		StatusCode: statusHint,
		Timestamp:  now,
	})
	return nil
}

func (hm *HealthMonitor) persist(m Metrics, r RequestRecord) {
	if hm.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := hm.store.SaveProxyMetrics(ctx, m); err != nil {
		healthLogger.Errorf("failed to save metrics for proxy %s: %v", m.ProxyID, err)
	}
	if err := hm.store.RecordProxyRequest(ctx, r); err != nil {
		healthLogger.Errorf("failed to record request for proxy %s: %v", r.ProxyID, err)
	}
}

// computeScore must be called with hm.mu held.
func (hm *HealthMonitor) computeScore(st *proxyState, now time.Time) float64 {
	if st.total == 0 {
		return 1.0
	}
	w := hm.weights

	score := w.SuccessRatio * float64(st.success) / float64(st.total)

	if st.avgLatency > 0 && w.LatencyCeiling > 0 {
		score += w.Latency * math.Max(0, 1-st.avgLatency.Seconds()/w.LatencyCeiling.Seconds())
	}

	if !st.lastSuccess.IsZero() && w.RecencyWindow > 0 {
		hours := now.Sub(st.lastSuccess).Hours()
		score += w.Recency * math.Max(0, 1-hours/w.RecencyWindow.Hours())
	}

	score -= math.Min(w.FailurePenaltyCap, w.FailurePenalty*float64(st.consecutive))
	score -= w.BlockedPenalty * float64(len(st.blocked))

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BestProxiesFor returns up to n proxies not blocked for site, best first.
// When every proxy is blocked for the site, the site's blocks are cleared and
// the whole pool is ranked instead.
func (hm *HealthMonitor) BestProxiesFor(site string, n int) []Proxy {
	now := hm.now()

	hm.mu.Lock()
	if len(hm.order) == 0 {
		hm.mu.Unlock()
		return nil
	}

	candidates := hm.unblockedLocked(site)
	reset := false
	if len(candidates) == 0 {
		for _, st := range hm.states {
			delete(st.blocked, site)
			delete(st.siteStreak, site)
			st.score = hm.computeScore(st, now)
		}
		candidates = hm.unblockedLocked(site)
		reset = true
	}

	type ranked struct {
		proxy Proxy
		id    string
		value float64
	}
	list := make([]ranked, 0, len(candidates))
	for _, st := range candidates {
		recent := pruneBefore(st.siteSuccesses[site], now.Add(-hm.weights.SiteWindow))
		st.siteSuccesses[site] = recent
		bonus := math.Min(hm.weights.SiteBonusCap, hm.weights.SiteBonus*float64(len(recent)))
		list = append(list, ranked{proxy: st.proxy, id: st.id, value: st.score + bonus})
	}
	hm.mu.Unlock()

	if reset {
		healthLogger.WithField("site", site).Warn("every proxy was blocked for site; cleared site blocks")
		if hm.observer != nil {
			hm.observer.ObserveBlockReset(site)
		}
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].value != list[j].value {
			return list[i].value > list[j].value
		}
		return list[i].id < list[j].id
	})

	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]Proxy, 0, n)
	for _, r := range list[:n] {
		out = append(out, r.proxy)
	}
	return out
}

func (hm *HealthMonitor) unblockedLocked(site string) []*proxyState {
	out := make([]*proxyState, 0, len(hm.order))
	for _, id := range hm.order {
		st := hm.states[id]
		if _, blocked := st.blocked[site]; !blocked {
			out = append(out, st)
		}
	}
	return out
}

// IsBlocked reports whether proxyID is currently blocked for site.
func (hm *HealthMonitor) IsBlocked(proxyID, site string) bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	st, ok := hm.states[proxyID]
	if !ok {
		return false
	}
	_, blocked := st.blocked[site]
	return blocked
}

// Snapshot returns the metrics of one proxy.
func (hm *HealthMonitor) Snapshot(proxyID string) (Metrics, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	st, ok := hm.states[proxyID]
	if !ok {
		return Metrics{}, false
	}
	return st.snapshot(), true
}

// Report returns metrics for every proxy, healthiest first.
func (hm *HealthMonitor) Report() []Metrics {
	hm.mu.RLock()
	out := make([]Metrics, 0, len(hm.order))
	for _, id := range hm.order {
		out = append(out, hm.states[id].snapshot())
	}
	hm.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].HealthScore > out[j].HealthScore
	})
	return out
}

func (st *proxyState) snapshot() Metrics {
	blocked := make([]string, 0, len(st.blocked))
	for site := range st.blocked {
		blocked = append(blocked, site)
	}
	sort.Strings(blocked)

	return Metrics{
		ProxyID:             st.id,
		Server:              st.proxy.Server,
		TotalRequests:       st.total,
		SuccessfulRequests:  st.success,
		FailedRequests:      st.failed,
		AvgResponseTime:     st.avgLatency,
		LastSuccess:         st.lastSuccess,
		LastFailure:         st.lastFailure,
		ConsecutiveFailures: st.consecutive,
		BlockedSites:        blocked,
		HealthScore:         st.score,
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0:0], times[i:]...)
}
