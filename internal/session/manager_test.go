// internal/session/manager_test.go
package session

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valpere/crawlguard/internal/antidetect"
	"github.com/valpere/crawlguard/internal/browser"
	"github.com/valpere/crawlguard/internal/proxy"
)

type fakeNavigator struct {
	opened atomic.Int32
	closed atomic.Int32
	fail   error

	mu         sync.Mutex
	identities []browser.Identity
}

func (n *fakeNavigator) Name() string { return "fake" }

func (n *fakeNavigator) Open(ctx context.Context, id browser.Identity) (browser.Handle, error) {
	if n.fail != nil {
		return nil, n.fail
	}
	n.opened.Add(1)
	n.mu.Lock()
	n.identities = append(n.identities, id)
	n.mu.Unlock()
	return &fakeHandle{nav: n}, nil
}

type fakeHandle struct {
	nav *fakeNavigator
}

func (h *fakeHandle) Navigate(ctx context.Context, target string) browser.Page {
	return browser.Page{URL: target, Outcome: browser.OutcomeOK, Status: 200}
}

func (h *fakeHandle) Close() error {
	h.nav.closed.Add(1)
	return nil
}

func newTestManager(t *testing.T, capacity int, servers ...string) (*Manager, *fakeNavigator, *proxy.LoadBalancer) {
	t.Helper()

	pool := proxy.DefaultPoolConfig()
	for _, s := range servers {
		pool.Proxies = append(pool.Proxies, proxy.Proxy{Server: s, MaxConcurrent: capacity})
	}
	hm, err := proxy.NewHealthMonitor(pool, nil, nil)
	if err != nil {
		t.Fatalf("NewHealthMonitor: %v", err)
	}
	lb := proxy.NewLoadBalancer(pool.Proxies)

	gen, err := antidetect.NewGenerator(nil)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	nav := &fakeNavigator{}

	cfg := DefaultConfig()
	cfg.AcquirePoll = 10 * time.Millisecond
	m, err := NewManager(cfg, hm, lb, gen, nav)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, nav, lb
}

func TestAcquireReusesIdleSession(t *testing.T) {
	m, nav, _ := newTestManager(t, 5, "a:1")
	ctx := context.Background()

	first, err := m.Acquire(ctx, "shop")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release(first)

	second, err := m.Acquire(ctx, "shop")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected reuse, got %s then %s", first.ID, second.ID)
	}
	if nav.opened.Load() != 1 {
		t.Errorf("navigator opened %d times, want 1", nav.opened.Load())
	}
	if !strings.HasPrefix(first.ID, "shop_") || len(strings.Split(first.ID, "_")[2]) != 8 {
		t.Errorf("unexpected session id format %q", first.ID)
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	m, _, lb := newTestManager(t, 5, "a:1")
	ctx := context.Background()

	first, _ := m.Acquire(ctx, "shop")
	second, err := m.Acquire(ctx, "shop")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("a held session must not be handed out twice")
	}
	if got := lb.Load(first.ProxyID); got != 2 {
		t.Errorf("proxy load = %d, want 2", got)
	}
}

func TestAcquireRotation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Manager, s *Session)
	}{
		{"request ceiling", func(m *Manager, s *Session) {
			for i := 0; i < m.config.RequestCeiling; i++ {
				m.MarkUsed(s.ID)
			}
		}},
		{"rotation interval", func(m *Manager, s *Session) {
			base := s.Created
			m.now = func() time.Time { return base.Add(m.config.RotationInterval) }
		}},
		{"unhealthy", func(m *Manager, s *Session) {
			for i := 0; i < 3; i++ {
				use(m, s.ID, false)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, 5, "a:1")
			ctx := context.Background()

			first, _ := m.Acquire(ctx, "shop")
			tt.mutate(m, first)
			m.Release(first)

			second, err := m.Acquire(ctx, "shop")
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if second.ID == first.ID {
				t.Error("expected a new session")
			}
		})
	}
}

// use marks one request and reports its outcome, as the engine does.
func use(m *Manager, id string, success bool) {
	m.MarkUsed(id)
	m.ReportOutcome(id, success)
}

func TestReportOutcomeRunningRate(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []bool
		want     float64
		healthy  bool
	}{
		{"no outcomes", nil, 1.0, true},
		{"single failure stays above floor", []bool{false}, 0.5, true},
		{"success then failure", []bool{true, false}, 2.0 / 3.0, true},
		{"two failures", []bool{false, false}, 1.0 / 3.0, true},
		{"three failures cross the floor", []bool{false, false, false}, 0.25, false},
		{"recovery does not revive", []bool{false, false, false, true}, 0.4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, 5, "a:1")
			s, _ := m.Acquire(context.Background(), "shop")
			for _, ok := range tt.outcomes {
				use(m, s.ID, ok)
			}

			info, _ := m.Get(s.ID)
			if math.Abs(info.SuccessRate-tt.want) > 1e-9 {
				t.Errorf("success rate = %f, want %f", info.SuccessRate, tt.want)
			}
			if info.Healthy != tt.healthy {
				t.Errorf("healthy = %v, want %v", info.Healthy, tt.healthy)
			}
		})
	}
}

func TestReportOutcomeUnknownSession(t *testing.T) {
	m, _, _ := newTestManager(t, 5, "a:1")
	if err := m.ReportOutcome("missing", true); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUnhealthySessionIsNotDestroyedImmediately(t *testing.T) {
	m, nav, lb := newTestManager(t, 5, "a:1")
	s, _ := m.Acquire(context.Background(), "shop")
	for i := 0; i < 3; i++ {
		use(m, s.ID, false)
	}
	m.Release(s)

	if nav.closed.Load() != 0 {
		t.Fatal("unhealthy session closed before the sweep")
	}
	if lb.Load(s.ProxyID) != 1 {
		t.Fatal("lease released before the sweep")
	}

	if n := m.CleanupStale(); n != 1 {
		t.Errorf("CleanupStale removed %d, want 1", n)
	}
	if nav.closed.Load() != 1 || lb.Load(s.ProxyID) != 0 {
		t.Errorf("sweep must close handle and release lease (closed=%d load=%d)",
			nav.closed.Load(), lb.Load(s.ProxyID))
	}
}

func TestRetireWhileHeldDefersTeardown(t *testing.T) {
	m, nav, lb := newTestManager(t, 5, "a:1")
	s, _ := m.Acquire(context.Background(), "shop")

	if err := m.Retire(s.ID, "rotate"); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if nav.closed.Load() != 0 {
		t.Fatal("held session closed on retire")
	}

	m.Release(s)
	m.Release(s)
	if nav.closed.Load() != 1 {
		t.Errorf("closed = %d, want 1", nav.closed.Load())
	}
	if lb.Load(s.ProxyID) != 0 {
		t.Errorf("load = %d, want 0", lb.Load(s.ProxyID))
	}
	if _, ok := m.Get(s.ID); ok {
		t.Error("retired session still registered")
	}
}

func TestRetiredProxyFreeSessionNeverReused(t *testing.T) {
	m, _, _ := newTestManager(t, 5, "a:1")
	ctx := context.Background()

	s, _ := m.Acquire(ctx, "shop")
	m.Release(s)
	m.Retire(s.ID, "rotate")

	next, _ := m.Acquire(ctx, "shop")
	if next.ID == s.ID {
		t.Error("retired session handed out again")
	}
}

func TestCleanupStaleCeilings(t *testing.T) {
	m, nav, _ := newTestManager(t, 10, "a:1")
	ctx := context.Background()

	fresh, _ := m.Acquire(ctx, "shop")
	busy, _ := m.Acquire(ctx, "shop")
	for i := 0; i <= m.config.CleanupCeiling; i++ {
		m.MarkUsed(busy.ID)
	}
	m.Release(fresh)
	m.Release(busy)

	if n := m.CleanupStale(); n != 1 {
		t.Fatalf("CleanupStale = %d, want 1", n)
	}
	if _, ok := m.Get(fresh.ID); !ok {
		t.Error("fresh session was removed")
	}

	base := fresh.Created
	m.now = func() time.Time { return base.Add(m.config.RotationInterval + time.Second) }
	if n := m.CleanupStale(); n != 1 {
		t.Errorf("expired sweep = %d, want 1", n)
	}
	if nav.closed.Load() != 2 {
		t.Errorf("closed = %d, want 2", nav.closed.Load())
	}
}

func TestReleaseSite(t *testing.T) {
	m, nav, lb := newTestManager(t, 10, "a:1")
	ctx := context.Background()

	a, _ := m.Acquire(ctx, "shop")
	b, _ := m.Acquire(ctx, "shop")
	other, _ := m.Acquire(ctx, "other")
	m.Release(a)

	if n := m.ReleaseSite("shop"); n != 2 {
		t.Fatalf("ReleaseSite = %d, want 2", n)
	}
	if nav.closed.Load() != 1 {
		t.Errorf("idle session should close now, closed=%d", nav.closed.Load())
	}
	m.Release(b)
	if nav.closed.Load() != 2 {
		t.Errorf("held session should close on release, closed=%d", nav.closed.Load())
	}
	if got := lb.Load(other.ProxyID); got != 1 {
		t.Errorf("load = %d, want 1 for the other site", got)
	}
	if st := m.Stats(); st.Total != 1 || st.PerSite["other"] != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestAcquireWaitsForCapacity(t *testing.T) {
	m, _, _ := newTestManager(t, 1, "a:1")
	held, err := m.Acquire(context.Background(), "shop")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "shop"); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		m.Retire(held.ID, "done")
		m.Release(held)
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	next, err := m.Acquire(ctx2, "shop")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if next.ID == held.ID {
		t.Error("expected a fresh session")
	}
}

func TestDirectSessionsWithEmptyPool(t *testing.T) {
	m, nav, _ := newTestManager(t, 1)
	s, err := m.Acquire(context.Background(), "shop")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !s.Direct() {
		t.Error("expected direct session")
	}
	if nav.identities[0].Proxy != nil {
		t.Error("identity should carry no proxy")
	}
}

func TestOpenFailureReleasesLease(t *testing.T) {
	m, nav, lb := newTestManager(t, 1, "a:1")
	nav.fail = errors.New("browser crashed")

	if _, err := m.Acquire(context.Background(), "shop"); err == nil {
		t.Fatal("expected error")
	}
	id := proxy.Proxy{Server: "a:1"}.ID()
	if lb.Load(id) != 0 {
		t.Errorf("lease leaked: load = %d", lb.Load(id))
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	m, _, lb := newTestManager(t, 3, "a:1", "b:1")

	var wg sync.WaitGroup
	for w := 0; w < 12; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				s, err := m.Acquire(ctx, "shop")
				cancel()
				if err != nil {
					continue
				}
				m.MarkUsed(s.ID)
				m.ReportOutcome(s.ID, i%4 != 0)
				if i%5 == 0 {
					m.Retire(s.ID, "rotate")
				}
				m.Release(s)
			}
		}()
	}
	wg.Wait()

	m.Close()
	for _, info := range lb.Snapshot() {
		if info.Load != 0 {
			t.Errorf("proxy %s load = %d after close", info.ProxyID, info.Load)
		}
	}
}
