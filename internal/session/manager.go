// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valpere/crawlguard/internal/antidetect"
	"github.com/valpere/crawlguard/internal/browser"
	"github.com/valpere/crawlguard/internal/proxy"
	"github.com/valpere/crawlguard/internal/utils"
)

var logger = utils.NewComponentLogger("session")

var (
	// ErrNoCapacity is returned by Acquire when no proxy capacity became
	// available before the context ended.
	ErrNoCapacity = errors.New("no proxy capacity available")
	// ErrSessionNotFound is returned for unknown or already removed sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// Config controls session reuse and rotation.
type Config struct {
	RotationInterval time.Duration `yaml:"rotation_interval" json:"rotation_interval"`
	RequestCeiling   int           `yaml:"request_ceiling" json:"request_ceiling"`
	CleanupCeiling   int           `yaml:"cleanup_ceiling" json:"cleanup_ceiling"`
	HealthFloor      float64       `yaml:"health_floor" json:"health_floor"`
	SweepInterval    time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	CandidateProxies int           `yaml:"candidate_proxies" json:"candidate_proxies"`
	AcquirePoll      time.Duration `yaml:"acquire_poll" json:"acquire_poll"`
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		RotationInterval: 2 * time.Hour,
		RequestCeiling:   100,
		CleanupCeiling:   200,
		HealthFloor:      0.3,
		SweepInterval:    5 * time.Minute,
		CandidateProxies: 5,
		AcquirePoll:      250 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.RotationInterval <= 0 {
		c.RotationInterval = d.RotationInterval
	}
	if c.RequestCeiling <= 0 {
		c.RequestCeiling = d.RequestCeiling
	}
	if c.CleanupCeiling <= 0 {
		c.CleanupCeiling = d.CleanupCeiling
	}
	if c.HealthFloor <= 0 {
		c.HealthFloor = d.HealthFloor
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.CandidateProxies <= 0 {
		c.CandidateProxies = d.CandidateProxies
	}
	if c.AcquirePoll <= 0 {
		c.AcquirePoll = d.AcquirePoll
	}
}

// Observer is notified when sessions are created or torn down.
type Observer interface {
	ObserveSessionCreated(site string)
	ObserveSessionRetired(site, reason string)
}

// Session is a bound lease of fingerprint, proxy and site. The exported
// fields never change after creation; usage state is owned by the Manager.
type Session struct {
	ID          string
	Site        string
	ProxyID     string
	Fingerprint antidetect.Fingerprint
	Handle      browser.Handle
	Created     time.Time

	lastUsed    time.Time
	requests    int
	successRate float64
	healthy     bool
	inUse       bool
	retired     bool
	reason      string
}

// Direct reports whether the session bypasses proxies.
func (s *Session) Direct() bool {
	return s.ProxyID == ""
}

// Info is a point-in-time view of a session.
type Info struct {
	ID          string    `json:"id"`
	Site        string    `json:"site"`
	ProxyID     string    `json:"proxy_id,omitempty"`
	UserAgent   string    `json:"user_agent"`
	Locale      string    `json:"locale"`
	Created     time.Time `json:"created"`
	LastUsed    time.Time `json:"last_used"`
	Requests    int       `json:"requests"`
	SuccessRate float64   `json:"success_rate"`
	Healthy     bool      `json:"healthy"`
	InUse       bool      `json:"in_use"`
}

// Stats summarises the session pool.
type Stats struct {
	Total          int            `json:"total"`
	Healthy        int            `json:"healthy"`
	Unhealthy      int            `json:"unhealthy"`
	InUse          int            `json:"in_use"`
	PerSite        map[string]int `json:"per_site"`
	AvgSuccessRate float64        `json:"avg_success_rate"`
}

// Manager creates, reuses, rotates and retires sessions. A session is held
// by exactly one task between Acquire and Release.
type Manager struct {
	config       Config
	health       *proxy.HealthMonitor
	balancer     *proxy.LoadBalancer
	fingerprints *antidetect.Generator
	navigator    browser.Navigator
	observer     Observer
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	bySite   map[string][]*Session

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
	running  bool
}

// NewManager wires a session manager. health and balancer may be nil, in
// which case every session connects directly.
func NewManager(config Config, health *proxy.HealthMonitor, balancer *proxy.LoadBalancer,
	fingerprints *antidetect.Generator, navigator browser.Navigator) (*Manager, error) {
	if fingerprints == nil {
		return nil, fmt.Errorf("fingerprint generator is required")
	}
	if navigator == nil {
		return nil, fmt.Errorf("navigator is required")
	}
	if (health == nil) != (balancer == nil) {
		return nil, fmt.Errorf("health monitor and load balancer must be configured together")
	}
	config.applyDefaults()

	return &Manager{
		config:       config,
		health:       health,
		balancer:     balancer,
		fingerprints: fingerprints,
		navigator:    navigator,
		now:          time.Now,
		sessions:     make(map[string]*Session),
		bySite:       make(map[string][]*Session),
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// SetObserver installs an observer. It must be called before use.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Acquire returns an idle reusable session for site or builds a new one.
// Sessions are exclusive: a session handed out here is not returned by
// another Acquire until the holder calls Release. When every proxy is at
// capacity it polls until ctx ends.
func (m *Manager) Acquire(ctx context.Context, site string) (*Session, error) {
	if site == "" {
		return nil, fmt.Errorf("site cannot be empty")
	}

	for {
		if s := m.reuse(site); s != nil {
			return s, nil
		}

		s, err := m.create(ctx, site)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, proxy.ErrAtCapacity) {
			return nil, err
		}

		timer := time.NewTimer(m.config.AcquirePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w for site %s: %v", ErrNoCapacity, site, ctx.Err())
		case <-timer.C:
		}
	}
}

func (m *Manager) reuse(site string) *Session {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.bySite[site] {
		if s.inUse || s.retired || !s.healthy {
			continue
		}
		if s.requests >= m.config.RequestCeiling || now.Sub(s.Created) >= m.config.RotationInterval {
			continue
		}
		s.inUse = true
		return s
	}
	return nil
}

func (m *Manager) create(ctx context.Context, site string) (*Session, error) {
	now := m.now()
	id := fmt.Sprintf("%s_%d_%s", site, now.Unix(), uuid.NewString()[:8])

	proxyID, proxyURL, err := m.allocateProxy(site, id)
	if err != nil {
		return nil, err
	}

	fp := m.fingerprints.New()
	handle, err := m.navigator.Open(ctx, browser.Identity{
		SessionID:   id,
		Site:        site,
		Fingerprint: fp,
		Proxy:       proxyURL,
	})
	if err != nil {
		if m.balancer != nil {
			m.balancer.Release(id)
		}
		return nil, fmt.Errorf("failed to open %s navigator for %s: %w", m.navigator.Name(), site, err)
	}

	s := &Session{
		ID:          id,
		Site:        site,
		ProxyID:     proxyID,
		Fingerprint: fp,
		Handle:      handle,
		Created:     now,
		lastUsed:    now,
		successRate: 1.0,
		healthy:     true,
		inUse:       true,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.bySite[site] = append(m.bySite[site], s)
	m.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"session_id": id,
		"site":       site,
		"proxy_id":   proxyID,
		"locale":     fp.Locale,
	}).Info("created session")
	if m.observer != nil {
		m.observer.ObserveSessionCreated(site)
	}
	return s, nil
}

// allocateProxy leases the least-loaded healthy proxy for site. An empty
// pool yields a direct connection.
func (m *Manager) allocateProxy(site, leaseID string) (string, *url.URL, error) {
	if m.health == nil {
		return "", nil, nil
	}

	best := m.health.BestProxiesFor(site, m.config.CandidateProxies)
	if len(best) == 0 {
		return "", nil, nil
	}

	proxyID, err := m.balancer.AllocateLeastLoaded(proxyIDs(best), leaseID)
	if errors.Is(err, proxy.ErrAtCapacity) {
		// best candidates are full; widen to every usable proxy
		proxyID, err = m.balancer.AllocateLeastLoaded(proxyIDs(m.health.BestProxiesFor(site, 0)), leaseID)
	}
	if err != nil {
		return "", nil, err
	}

	p, ok := m.health.Lookup(proxyID)
	if !ok {
		m.balancer.Release(leaseID)
		return "", nil, fmt.Errorf("%w: %s", proxy.ErrUnknownProxy, proxyID)
	}
	proxyURL, err := p.URL()
	if err != nil {
		m.balancer.Release(leaseID)
		return "", nil, err
	}
	return proxyID, proxyURL, nil
}

func proxyIDs(proxies []proxy.Proxy) []string {
	ids := make([]string, len(proxies))
	for i, p := range proxies {
		ids[i] = p.ID()
	}
	return ids
}

// Release returns a session to the idle pool. A session retired while held
// is torn down here.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}

	m.mu.Lock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	cur.inUse = false
	remove := cur.retired
	if remove {
		m.removeLocked(cur)
	}
	m.mu.Unlock()

	if remove {
		m.teardown(cur)
	}
}

// MarkUsed records that a navigation was made with the session.
func (m *Manager) MarkUsed(id string) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.requests++
	s.lastUsed = now
	return nil
}

// ReportOutcome folds one result into the session's running success rate,
// weighted by the requests counted through MarkUsed. Below the health floor
// the session is no longer reused; its resources are freed by the next sweep
// or Release. Callers holding an unhealthy session should Retire it rather
// than navigate on it again.
func (m *Manager) ReportOutcome(id string, success bool) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	v := 0.0
	if success {
		v = 1.0
	}
	// n counts the requests marked so far, the current one included
	n := float64(s.requests)
	s.successRate = (s.successRate*n + v) / (n + 1)

	turnedUnhealthy := s.healthy && s.successRate < m.config.HealthFloor
	if turnedUnhealthy {
		s.healthy = false
	}
	rate := s.successRate
	m.mu.Unlock()

	if turnedUnhealthy {
		logger.WithFields(map[string]interface{}{
			"session_id":   id,
			"success_rate": rate,
		}).Warn("session marked unhealthy")
	}
	return nil
}

// Retire removes a session so it is never handed out again. It releases the
// proxy lease and closes the navigator, immediately when idle and on Release
// when held.
func (m *Manager) Retire(id, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.healthy = false
	s.retired = true
	s.reason = reason
	idle := !s.inUse
	if idle {
		m.removeLocked(s)
	}
	m.mu.Unlock()

	if idle {
		m.teardown(s)
	} else {
		logger.WithFields(map[string]interface{}{
			"session_id": id,
			"reason":     reason,
		}).Debug("session retired while in use; teardown deferred to release")
	}
	return nil
}

// CleanupStale retires sessions that are unhealthy, older than the rotation
// interval or over the request cleanup ceiling. It returns the number of
// sessions torn down now.
func (m *Manager) CleanupStale() int {
	now := m.now()

	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		if !s.retired {
			reason := m.staleReason(s, now)
			if reason == "" {
				continue
			}
			s.retired = true
			s.reason = reason
		}
		if s.inUse {
			continue
		}
		m.removeLocked(s)
		stale = append(stale, s)
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.teardown(s)
	}
	if len(stale) > 0 {
		logger.Infof("cleaned up %d stale sessions", len(stale))
	}
	return len(stale)
}

func (m *Manager) staleReason(s *Session, now time.Time) string {
	switch {
	case !s.healthy:
		return "unhealthy"
	case now.Sub(s.Created) > m.config.RotationInterval:
		return "expired"
	case s.requests > m.config.CleanupCeiling:
		return "request ceiling"
	}
	return ""
}

// ReleaseSite retires every session held for site.
func (m *Manager) ReleaseSite(site string) int {
	m.mu.Lock()
	var idle []*Session
	count := 0
	for _, s := range append([]*Session(nil), m.bySite[site]...) {
		s.healthy = false
		s.retired = true
		s.reason = "site released"
		count++
		if !s.inUse {
			m.removeLocked(s)
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.teardown(s)
	}
	if count > 0 {
		logger.WithField("site", site).Infof("released %d sessions", count)
	}
	return count
}

// removeLocked must be called with m.mu held.
func (m *Manager) removeLocked(s *Session) {
	delete(m.sessions, s.ID)
	list := m.bySite[s.Site]
	for i, cur := range list {
		if cur == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.bySite, s.Site)
	} else {
		m.bySite[s.Site] = list
	}
}

func (m *Manager) teardown(s *Session) {
	if m.balancer != nil {
		m.balancer.Release(s.ID)
	}
	if s.Handle != nil {
		if err := s.Handle.Close(); err != nil {
			logger.Warnf("failed to close navigator for session %s: %v", s.ID, err)
		}
	}
	if m.observer != nil {
		m.observer.ObserveSessionRetired(s.Site, s.reason)
	}
	logger.WithFields(map[string]interface{}{
		"session_id": s.ID,
		"reason":     s.reason,
	}).Debug("removed session")
}

// Get returns a view of one session.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// List returns every live session ordered by creation time.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats summarises the pool.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{PerSite: make(map[string]int)}
	total := 0.0
	for _, s := range m.sessions {
		st.Total++
		if s.healthy {
			st.Healthy++
		} else {
			st.Unhealthy++
		}
		if s.inUse {
			st.InUse++
		}
		st.PerSite[s.Site]++
		total += s.successRate
	}
	if st.Total > 0 {
		st.AvgSuccessRate = total / float64(st.Total)
	}
	return st
}

func (s *Session) info() Info {
	return Info{
		ID:          s.ID,
		Site:        s.Site,
		ProxyID:     s.ProxyID,
		UserAgent:   s.Fingerprint.UserAgent,
		Locale:      s.Fingerprint.Locale,
		Created:     s.Created,
		LastUsed:    s.lastUsed,
		Requests:    s.requests,
		SuccessRate: s.successRate,
		Healthy:     s.healthy,
		InUse:       s.inUse,
	}
}

// Start runs CleanupStale on the sweep interval until Stop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.CleanupStale()
			case <-m.stopChan:
				return
			}
		}
	}()
}

// Stop ends the sweep loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.mu.Lock()
		running := m.running
		m.mu.Unlock()
		if running {
			<-m.done
		}
	})
}

// Close stops the sweep and tears down every session.
func (m *Manager) Close() {
	m.Stop()

	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.reason = "shutdown"
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.bySite = make(map[string][]*Session)
	m.mu.Unlock()

	for _, s := range all {
		m.teardown(s)
	}
}
