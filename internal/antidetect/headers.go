// internal/antidetect/headers.go
package antidetect

import (
	"net/http"
	"net/url"
	"strings"
)

// Headers returns the request header set matching a fingerprint. When
// target is a valid URL, a same-origin Referer is added, which is what a
// visitor arriving from the shop's own landing page would send.
//
// Accept-Encoding is left to the transport so responses are decompressed
// transparently.
func Headers(fp Fingerprint, target string) http.Header {
	headers := make(http.Header)

	headers.Set("User-Agent", fp.UserAgent)
	headers.Set("Accept", acceptFor(fp.UserAgent))
	headers.Set("Accept-Language", fp.AcceptLanguage)
	headers.Set("DNT", "1")
	headers.Set("Upgrade-Insecure-Requests", "1")

	if isChromium(fp.UserAgent) {
		headers.Set("Sec-CH-UA-Platform", `"`+platformHint(fp.Platform)+`"`)
		headers.Set("Sec-CH-UA-Mobile", "?0")
		headers.Set("Sec-Fetch-Dest", "document")
		headers.Set("Sec-Fetch-Mode", "navigate")
		headers.Set("Sec-Fetch-Site", "same-origin")
	}

	if u, err := url.Parse(target); err == nil && u.Scheme != "" && u.Host != "" {
		headers.Set("Referer", u.Scheme+"://"+u.Host+"/")
	}

	return headers
}

func isChromium(ua string) bool {
	return strings.Contains(ua, "Chrome/") && !strings.Contains(ua, "Firefox/")
}

func acceptFor(ua string) string {
	if strings.Contains(ua, "Firefox/") {
		return "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	}
	if isChromium(ua) {
		return "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"
	}
	return "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
}

func platformHint(platform string) string {
	switch platform {
	case "Win32":
		return "Windows"
	case "MacIntel":
		return "macOS"
	default:
		return "Linux"
	}
}
