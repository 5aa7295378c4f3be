// internal/antidetect/blocking_test.go
package antidetect

import (
	"context"
	"testing"
	"time"
)

func TestDetectBlock(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		blocked     bool
		rateLimited bool
		captcha     CaptchaType
	}{
		{"ok page", 200, `<html><head><meta name="robots" content="index"></head><body>Ürün</body></html>`, false, false, NoCaptcha},
		{"forbidden", 403, "", true, false, NoCaptcha},
		{"too many", 429, "", true, true, NoCaptcha},
		{"server error", 503, "", true, false, NoCaptcha},
		{"access denied text", 200, "<h1>Access Denied</h1>", true, false, NoCaptcha},
		{"turkish denial", 200, "<p>Erişim reddedildi</p>", true, false, NoCaptcha},
		{"turkish throttle", 200, "<p>Çok fazla istek gönderdiniz</p>", true, true, NoCaptcha},
		{"recaptcha", 200, `<div class="g-recaptcha"></div>`, true, false, RecaptchaV2},
		{"hcaptcha", 200, `<div class="h-captcha"></div>`, true, false, HCaptcha},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectBlock(tt.status, tt.body)
			if got.Blocked != tt.blocked {
				t.Errorf("Blocked = %v, want %v (%s)", got.Blocked, tt.blocked, got.Reason)
			}
			if got.RateLimited != tt.rateLimited {
				t.Errorf("RateLimited = %v, want %v", got.RateLimited, tt.rateLimited)
			}
			if got.Captcha != tt.captcha {
				t.Errorf("Captcha = %v, want %v", got.Captcha, tt.captcha)
			}
		})
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Minute); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancelled context")
	}
}

func TestPacerWithoutDelays(t *testing.T) {
	p := NewPacer(PacingConfig{})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := p.BeforeLoad(ctx, "site"); err != nil {
			t.Fatalf("BeforeLoad: %v", err)
		}
		if err := p.AfterLoad(ctx); err != nil {
			t.Fatalf("AfterLoad: %v", err)
		}
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("zero pacing config should not delay")
	}
}

func TestPacerDelayWithinRange(t *testing.T) {
	p := NewPacer(PacingConfig{PreMin: 10 * time.Millisecond, PreMax: 20 * time.Millisecond})
	for i := 0; i < 20; i++ {
		d := p.between(p.config.PreMin, p.config.PreMax)
		if d < 10*time.Millisecond || d >= 20*time.Millisecond {
			t.Fatalf("delay %v outside [10ms,20ms)", d)
		}
	}
}
