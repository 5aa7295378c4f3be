// internal/antidetect/blocking.go
package antidetect

import (
	"fmt"
	"net/http"
	"strings"
)

// CaptchaType represents the type of CAPTCHA
type CaptchaType int

const (
	NoCaptcha CaptchaType = iota
	RecaptchaV2
	RecaptchaV3
	HCaptcha
	FunCaptcha
	CloudflareChallenge
)

func (c CaptchaType) String() string {
	switch c {
	case RecaptchaV2:
		return "recaptcha_v2"
	case RecaptchaV3:
		return "recaptcha_v3"
	case HCaptcha:
		return "hcaptcha"
	case FunCaptcha:
		return "funcaptcha"
	case CloudflareChallenge:
		return "cloudflare"
	default:
		return "none"
	}
}

// DetectCaptcha detects a CAPTCHA or interstitial challenge in lower-cased HTML.
func DetectCaptcha(lowerHTML string) CaptchaType {
	switch {
	case strings.Contains(lowerHTML, "g-recaptcha"):
		return RecaptchaV2
	case strings.Contains(lowerHTML, "recaptcha/api.js?render="):
		return RecaptchaV3
	case strings.Contains(lowerHTML, "h-captcha"):
		return HCaptcha
	case strings.Contains(lowerHTML, "funcaptcha"), strings.Contains(lowerHTML, "arkoselabs"):
		return FunCaptcha
	case strings.Contains(lowerHTML, "cf-challenge"), strings.Contains(lowerHTML, "challenge-platform"):
		return CloudflareChallenge
	}
	return NoCaptcha
}

// Phrases that indicate the page is a block or throttle notice rather than
// content. Kept specific: bare words like "robot" match robots meta tags.
var blockPhrases = []string{
	"access denied",
	"automation detected",
	"are you a robot",
	"unusual traffic",
	"request blocked",
	"you have been blocked",
	"erişim reddedildi",
	"erişiminiz engellendi",
	"robot olmadığınızı",
}

var throttlePhrases = []string{
	"too many requests",
	"rate limit",
	"slow down",
	"çok fazla istek",
	"hız sınırı",
	"lütfen bekleyin",
}

// BlockSignal describes why a response was judged to be a block.
type BlockSignal struct {
	Blocked     bool
	RateLimited bool
	Captcha     CaptchaType
	Reason      string
}

// DetectBlock inspects a response status and body for blocking signals.
func DetectBlock(status int, body string) BlockSignal {
	if status == http.StatusTooManyRequests {
		return BlockSignal{Blocked: true, RateLimited: true, Reason: "status 429 too many requests"}
	}
	if status >= 400 {
		return BlockSignal{Blocked: true, Reason: fmt.Sprintf("status %d %s", status, strings.ToLower(http.StatusText(status)))}
	}

	lower := strings.ToLower(body)

	if c := DetectCaptcha(lower); c != NoCaptcha {
		return BlockSignal{Blocked: true, Captcha: c, Reason: "captcha challenge " + c.String()}
	}
	for _, phrase := range throttlePhrases {
		if strings.Contains(lower, phrase) {
			return BlockSignal{Blocked: true, RateLimited: true, Reason: "rate limit phrase: " + phrase}
		}
	}
	for _, phrase := range blockPhrases {
		if strings.Contains(lower, phrase) {
			return BlockSignal{Blocked: true, Reason: "blocking phrase: " + phrase}
		}
	}
	return BlockSignal{}
}
