// internal/errors/service_test.go
package errors

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingEventLog struct {
	mu         sync.Mutex
	events     []ErrorEvent
	recoveries []string
}

func (l *recordingEventLog) LogError(ctx context.Context, e ErrorEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *recordingEventLog) RecordRecovery(ctx context.Context, strategy string, kind Kind, success bool, elapsed time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recoveries = append(l.recoveries, strategy+"/"+string(kind))
	return nil
}

func newTestService(t *testing.T, config Config) (*Service, *recordingEventLog) {
	t.Helper()
	events := &recordingEventLog{}
	svc := NewService(config, nil, events)
	t.Cleanup(svc.Stop)
	return svc, events
}

func TestService_Plan_BlockedPageRotatesOnce(t *testing.T) {
	svc, events := newTestService(t, DefaultConfig())
	ctx := context.Background()

	kind, sev := FromNavigation("blocked", 403, "status 403 Forbidden")
	if kind != KindAccessDenied || sev != SeverityCritical {
		t.Fatalf("classified as %s/%s, want access-denied/critical", kind, sev)
	}

	ec := ErrorContext{Kind: kind, Severity: sev, Site: "shop.example", Operation: "navigate"}
	first := svc.Plan(ctx, ec)
	if !first.Proceed {
		t.Fatalf("first attempt refused: %s", first.Reason)
	}
	if first.Strategy != "proxy_rotation" || first.Action != ActionRotateSession {
		t.Errorf("got %s/%s, want proxy_rotation/rotate_session", first.Strategy, first.Action)
	}
	if first.Delay != 5*time.Second {
		t.Errorf("delay = %s, want 5s", first.Delay)
	}

	ec.RetryCount = 1
	second := svc.Plan(ctx, ec)
	if second.Proceed {
		t.Fatal("critical error must not be retried twice")
	}
	if !strings.Contains(second.Reason, "critical") {
		t.Errorf("unexpected reason %q", second.Reason)
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.events) != 1 || events.events[0].Strategy != "" {
		t.Errorf("expected one refused event without strategy, got %+v", events.events)
	}
}

func TestService_ShouldAttemptRecovery_Ceilings(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name     string
		severity Severity
		retry    int
		want     bool
	}{
		{"low below ceiling", SeverityLow, 4, true},
		{"low at ceiling", SeverityLow, 5, false},
		{"medium below ceiling", SeverityMedium, 2, true},
		{"medium at ceiling", SeverityMedium, 3, false},
		{"high below ceiling", SeverityHigh, 1, true},
		{"high at ceiling", SeverityHigh, 2, false},
		{"critical first attempt", SeverityCritical, 0, true},
		{"critical retry", SeverityCritical, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := ErrorContext{Severity: tt.severity, Site: "ceilings.example", RetryCount: tt.retry}
			if got := svc.ShouldAttemptRecovery(ctx, ec); got != tt.want {
				t.Errorf("ShouldAttemptRecovery() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestService_SetCeilings(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	ec := ErrorContext{Severity: SeverityMedium, Site: "reload.example", RetryCount: 3}
	if svc.ShouldAttemptRecovery(ctx, ec) {
		t.Fatal("retry 3 should hit the default medium ceiling")
	}

	svc.SetCeilings(map[Severity]int{SeverityMedium: 6})
	if !svc.ShouldAttemptRecovery(ctx, ec) {
		t.Error("raised ceiling should allow retry 3")
	}
	if got := svc.Ceiling(SeverityLow); got != 5 {
		t.Errorf("unset ceilings keep their default, got %d", got)
	}
}

func TestService_Plan_SiteGuard(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	ec := ErrorContext{Kind: KindNetwork, Severity: SeverityMedium, Site: "flaky.example"}
	for i := 1; i <= 20; i++ {
		if d := svc.Plan(ctx, ec); !d.Proceed {
			t.Fatalf("error %d refused early: %s", i, d.Reason)
		}
	}
	if d := svc.Plan(ctx, ec); d.Proceed {
		t.Fatal("21st error within the window should be refused")
	}

	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if svc.ShouldAttemptRecovery(ctx, ErrorContext{Severity: sev, Site: "flaky.example"}) {
			t.Errorf("guard should refuse %s severity", sev)
		}
	}

	if !svc.ShouldAttemptRecovery(ctx, ErrorContext{Severity: SeverityMedium, Site: "other.example"}) {
		t.Error("guard must be per site")
	}
}

func TestService_Plan_GuardWindowExpires(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	ec := ErrorContext{Kind: KindNetwork, Site: "old.example"}
	for i := 0; i < 25; i++ {
		svc.Plan(ctx, ec)
	}
	if svc.ShouldAttemptRecovery(ctx, ec) {
		t.Fatal("expected guard to trip")
	}

	svc.now = func() time.Time { return start.Add(61 * time.Minute) }
	if !svc.ShouldAttemptRecovery(ctx, ec) {
		t.Error("errors older than the window should not count")
	}
}

func TestService_Plan_StrategyExhausted(t *testing.T) {
	config := DefaultConfig()
	config.Ceilings = map[Severity]int{SeverityMedium: 10}
	svc, _ := newTestService(t, config)

	// network_retry allows three retries
	d := svc.Plan(context.Background(), ErrorContext{Kind: KindNetwork, Site: "exhaust.example", RetryCount: 3})
	if d.Proceed {
		t.Fatal("expected strategy max retries to refuse")
	}
	if d.Strategy != "network_retry" {
		t.Errorf("strategy = %q", d.Strategy)
	}
}

func TestService_Plan_UnknownKindIsTerminal(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	d := svc.Plan(context.Background(), ErrorContext{Kind: KindUnknown, Site: "unknown.example"})
	if d.Proceed {
		t.Error("unknown kind has no strategy and must not proceed")
	}
	if d.Severity != SeverityMedium {
		t.Errorf("missing severity should default from kind, got %s", d.Severity)
	}
}

func TestService_Plan_ExponentialDelay(t *testing.T) {
	config := DefaultConfig()
	config.Ceilings = map[Severity]int{SeverityHigh: 10}
	svc, _ := newTestService(t, config)
	ctx := context.Background()

	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute}
	for retry, expected := range want {
		d := svc.Plan(ctx, ErrorContext{Kind: KindRateLimit, Site: "slow.example", RetryCount: retry})
		if !d.Proceed {
			t.Fatalf("retry %d refused: %s", retry, d.Reason)
		}
		if d.Delay != expected {
			t.Errorf("retry %d delay = %s, want %s", retry, d.Delay, expected)
		}
	}
}

func TestService_BestStrategy(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())

	tests := []struct {
		kind Kind
		want string
	}{
		{KindNetwork, "network_retry"},
		{KindTimeout, "network_retry"},
		{KindRateLimit, "rate_limit_backoff"},
		{KindSelector, "selector_adaptation"},
		{KindProxy, "proxy_rotation"},
		{KindAccessDenied, "proxy_rotation"},
		{KindNavigator, "browser_restart"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			st, ok := svc.BestStrategy(tt.kind)
			if !ok {
				t.Fatal("no strategy")
			}
			if st.Name != tt.want {
				t.Errorf("BestStrategy(%s) = %s, want %s", tt.kind, st.Name, tt.want)
			}
		})
	}

	if _, ok := svc.BestStrategy(KindParsing); ok {
		t.Error("parsing errors have no built-in strategy")
	}
}

func TestService_BestStrategy_PrefersHigherSuccessRate(t *testing.T) {
	config := DefaultConfig()
	config.Strategies = []Strategy{
		{Name: "first", Kinds: []Kind{KindNetwork}, Priority: 1, MaxRetries: 3, BaseDelay: time.Second},
		{Name: "second", Kinds: []Kind{KindNetwork}, Priority: 1, MaxRetries: 3, BaseDelay: time.Second},
		{Name: "fallback", Kinds: []Kind{KindNetwork}, Priority: 2, MaxRetries: 3, BaseDelay: time.Second},
	}
	svc, events := newTestService(t, config)
	ctx := context.Background()

	if st, _ := svc.BestStrategy(KindNetwork); st.Name != "first" {
		t.Fatalf("ties without history keep declaration order, got %s", st.Name)
	}

	ec := ErrorContext{Kind: KindNetwork, Site: "rank.example"}
	svc.Record(ctx, ec, "first", false, time.Second)
	svc.Record(ctx, ec, "second", true, time.Second)
	svc.Record(ctx, ec, "fallback", true, time.Second)

	if st, _ := svc.BestStrategy(KindNetwork); st.Name != "second" {
		t.Errorf("expected the more successful equal-priority strategy, got %s", st.Name)
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.recoveries) != 3 || events.recoveries[1] != "second/network" {
		t.Errorf("recoveries = %v", events.recoveries)
	}
	if !events.events[1].Recovered || events.events[0].Recovered {
		t.Error("event log should carry the recovery result")
	}
}

func TestService_Optimize(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		svc.Record(ctx, ErrorContext{Kind: KindNetwork}, "network_retry", false, time.Second)
		svc.Record(ctx, ErrorContext{Kind: KindProxy}, "proxy_rotation", true, time.Second)
	}
	// below the sample size, left untouched
	for i := 0; i < 5; i++ {
		svc.Record(ctx, ErrorContext{Kind: KindSelector}, "selector_adaptation", false, time.Second)
	}

	if n := svc.Optimize(); n != 2 {
		t.Fatalf("Optimize() adjusted %d strategies, want 2", n)
	}

	byName := map[string]StrategyStats{}
	for _, st := range svc.Stats() {
		byName[st.Name] = st
	}

	poor := byName["network_retry"]
	if poor.BaseDelay != 3*time.Second || poor.MaxRetries != 2 || poor.Priority != 2 {
		t.Errorf("poor performer = delay %s retries %d priority %d", poor.BaseDelay, poor.MaxRetries, poor.Priority)
	}
	good := byName["proxy_rotation"]
	if good.BaseDelay != 4*time.Second || good.Priority != 1 {
		t.Errorf("good performer = delay %s priority %d", good.BaseDelay, good.Priority)
	}
	if sel := byName["selector_adaptation"]; sel.BaseDelay != time.Second || sel.Priority != 2 {
		t.Errorf("small sample should not be tuned: %+v", sel)
	}
	if poor.Attempts != 10 || poor.SuccessRate != 0 {
		t.Errorf("cumulative stats should survive optimization: %+v", poor)
	}

	// counters were reset, so a second pass changes nothing
	if n := svc.Optimize(); n != 0 {
		t.Errorf("second Optimize() adjusted %d", n)
	}
}

func TestService_Optimize_MaxRetriesFloor(t *testing.T) {
	config := DefaultConfig()
	config.Strategies = []Strategy{
		{Name: "once", Kinds: []Kind{KindNetwork}, Priority: 1, MaxRetries: 1, BaseDelay: 4 * time.Minute, MaxDelay: 5 * time.Minute},
	}
	svc, _ := newTestService(t, config)

	for i := 0; i < 10; i++ {
		svc.Record(context.Background(), ErrorContext{Kind: KindNetwork}, "once", false, 0)
	}
	svc.Optimize()

	st := svc.Stats()[0]
	if st.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want floor of 1", st.MaxRetries)
	}
	if st.BaseDelay != 5*time.Minute {
		t.Errorf("BaseDelay = %s, want clamp at 5m", st.BaseDelay)
	}
}

func TestService_StartStop(t *testing.T) {
	config := DefaultConfig()
	config.OptimizeInterval = 10 * time.Millisecond
	svc := NewService(config, nil, nil)

	svc.Start()
	svc.Start()
	time.Sleep(30 * time.Millisecond)
	svc.Stop()
	svc.Stop()
}

func TestStrategy_Delay(t *testing.T) {
	exp := Strategy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Backoff: BackoffExponential}
	fixed := Strategy{BaseDelay: 3 * time.Second, Backoff: BackoffFixed}

	tests := []struct {
		name     string
		strategy Strategy
		retry    int
		want     time.Duration
	}{
		{"exponential first", exp, 0, time.Second},
		{"exponential third", exp, 2, 4 * time.Second},
		{"exponential capped", exp, 8, 10 * time.Second},
		{"fixed", fixed, 4, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.strategy.Delay(tt.retry); got != tt.want {
				t.Errorf("Delay(%d) = %s, want %s", tt.retry, got, tt.want)
			}
		})
	}
}
