// internal/errors/classifier.go
package errors

import (
	"net/http"
	"regexp"
	"strconv"
)

// ClassifyInput is the context a message is classified in.
type ClassifyInput struct {
	Status    int
	Site      string
	Operation string
}

type kindPatterns struct {
	kind      Kind
	primary   []*regexp.Regexp
	localized []*regexp.Regexp
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile("(?i)" + e)
	}
	return out
}

// Checked in this order; the first kind with a matching pattern wins.
var classification = []kindPatterns{
	{
		kind: KindNetwork,
		primary: compileAll(
			`network|connection (refused|reset)|dns|resolve|no such host|dial tcp`,
			`ECONNREFUSED|ECONNRESET|ENOTFOUND`,
			`broken pipe|unexpected EOF`,
		),
		localized: compileAll(`bağlantı (hatası|kesildi|reddedildi)`, `sunucuya ulaşılamıyor`),
	},
	{
		kind: KindTimeout,
		primary: compileAll(
			`timeout|timed out|deadline exceeded`,
			`request timed out|page timeout`,
			`waiting for .*timeout`,
		),
		localized: compileAll(`zaman aşımı`),
	},
	{
		kind: KindRateLimit,
		primary: compileAll(
			`rate limit|too many requests|\b429\b`,
			`slow down|request limit`,
			`temporarily blocked`,
		),
		localized: compileAll(`çok fazla istek|hız sınırı`, `lütfen bekleyin|yavaşlayın`),
	},
	{
		kind: KindAccessDenied,
		primary: compileAll(
			`access denied|forbidden|\b403\b|\b401\b`,
			`unauthorized|permission denied`,
			`blocked|banned|captcha|challenge`,
		),
		localized: compileAll(`erişim reddedildi|yasaklandı|engellendi`, `yetki yok|izin verilmedi`),
	},
	{
		kind: KindSelector,
		primary: compileAll(
			`element not found|selector.*(not found|matched nothing)`,
			`no selector matched`,
		),
		localized: compileAll(`öğe bulunamadı|seçici`),
	},
	{
		kind: KindProxy,
		primary: compileAll(
			`proxy`,
			`proxy authentication|proxyconnect`,
		),
		localized: compileAll(`vekil sunucu`),
	},
	{
		kind: KindNavigator,
		primary: compileAll(
			`browser|chrome|chromedp|devtools`,
			`target closed|page closed|context closed|session closed`,
		),
		localized: compileAll(`tarayıcı`),
	},
	{
		kind: KindParsing,
		primary: compileAll(
			`json|parse|parsing|decode`,
			`invalid json|malformed`,
		),
		localized: compileAll(`ayrıştırma`),
	},
}

var (
	statusPattern = regexp.MustCompile(`\b([1-5]\d{2})\b`)
	proxyHint     = regexp.MustCompile(`(?i)proxy`)
)

// Classify maps a raw failure message to a kind and severity. It is pure:
// the same input always yields the same result.
func Classify(message string, in ClassifyInput) (Kind, Severity) {
	for _, kp := range classification {
		for _, re := range kp.primary {
			if re.MatchString(message) {
				return kp.kind, SeverityOf(kp.kind)
			}
		}
		for _, re := range kp.localized {
			if re.MatchString(message) {
				return kp.kind, SeverityOf(kp.kind)
			}
		}
	}

	status := in.Status
	if status == 0 {
		if m := statusPattern.FindStringSubmatch(message); m != nil {
			status, _ = strconv.Atoi(m[1])
		}
	}
	if kind, ok := kindForStatus(status); ok {
		return kind, SeverityOf(kind)
	}

	return KindUnknown, SeverityMedium
}

func kindForStatus(status int) (Kind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit, true
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAccessDenied, true
	case status >= 500:
		return KindNetwork, true
	}
	return "", false
}

// FromNavigation classifies a failed navigation outcome (blocked, timeout
// or network-error) with its status and reason.
func FromNavigation(outcome string, status int, message string) (Kind, Severity) {
	switch outcome {
	case "timeout":
		return KindTimeout, SeverityOf(KindTimeout)
	case "network-error":
		// transport errors through a proxy read as network errors too
		if proxyHint.MatchString(message) {
			return KindProxy, SeverityOf(KindProxy)
		}
		kind, _ := Classify(message, ClassifyInput{Status: status})
		if kind == KindTimeout || kind == KindNavigator {
			return kind, SeverityOf(kind)
		}
		return KindNetwork, SeverityOf(KindNetwork)
	case "blocked":
		if status == http.StatusTooManyRequests {
			return KindRateLimit, SeverityOf(KindRateLimit)
		}
		if kind, _ := Classify(message, ClassifyInput{Status: status}); kind == KindRateLimit {
			return KindRateLimit, SeverityOf(KindRateLimit)
		}
		if status >= 500 {
			return KindNetwork, SeverityOf(KindNetwork)
		}
		return KindAccessDenied, SeverityOf(KindAccessDenied)
	}
	return Classify(message, ClassifyInput{Status: status})
}
